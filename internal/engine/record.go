package engine

import (
	"strings"

	"github.com/tkingovr/wafguard/api"
)

// AuditRecord builds the audit record for the transaction so far, keeping
// only the sections selected by the audit_log_parts setting:
//
//	A  header (id, time, connection tuple); always present
//	B  request line and headers
//	C  request body
//	F  response status and headers
//	E  response body
//	H  rule matches and intervention
//	Z  trailer; implicit
func (tx *transaction) AuditRecord() *api.AuditRecord {
	parts := tx.settings.AuditLogParts
	has := func(p byte) bool { return strings.IndexByte(parts, p) >= 0 }

	rec := &api.AuditRecord{
		ID:        tx.id,
		Timestamp: tx.start,
		Connector: tx.engine.connector,
		Client:    tx.in.Client,
		Server:    tx.in.Server,
		Duration:  tx.duration,
	}
	if rec.Duration == 0 {
		rec.Duration = tx.engine.now().Sub(tx.start)
	}

	if has('B') || has('C') {
		req := &api.AuditRequest{}
		if has('B') {
			req.Method = tx.in.Method
			req.URI = tx.in.URI
			req.Protocol = tx.in.Protocol
			req.Headers = append([]api.Header(nil), tx.in.RequestHeaders...)
		}
		if has('C') {
			req.Body = string(tx.in.RequestBody)
		}
		rec.Request = req
	}

	if (has('F') || has('E')) && tx.in.ResponseStatus != 0 {
		resp := &api.AuditResponse{}
		if has('F') {
			resp.Status = tx.in.ResponseStatus
			resp.Protocol = tx.in.ResponseProtocol
			resp.Headers = append([]api.Header(nil), tx.in.ResponseHeaders...)
		}
		if has('E') {
			resp.Body = string(tx.in.ResponseBody)
		}
		rec.Response = resp
	}

	if has('H') {
		rec.Matches = append([]api.RuleMatch(nil), tx.matches...)
		if tx.intervention.Pending() {
			iv := tx.intervention
			rec.Intervention = &iv
		}
	}
	return rec
}
