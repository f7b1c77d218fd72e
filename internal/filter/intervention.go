package filter

import (
	"math/rand/v2"

	"github.com/tkingovr/wafguard/api"
	"github.com/tkingovr/wafguard/internal/audit"
)

// checkIntervention acts on the engine's current verdict and reports
// whether the exchange is intervened.
//
// With a pending verdict the audit record is emitted (once, unless the route
// suppresses it), and a disruptive verdict issues the local reply (once).
func (t *Transaction) checkIntervention(dir api.Direction) bool {
	if t.intervened || t.tx == nil {
		return t.intervened
	}
	iv := t.queryVerdict()
	if !iv.Pending() {
		return false
	}

	t.emitAudit()

	if iv.Disruptive {
		t.intervene(dir, iv.Status)
		t.cfg.logger.Debug("intervention",
			"transaction", t.ID(),
			"direction", dir,
			"status", iv.Status,
			"rule_id", iv.RuleID,
		)
	}
	return t.intervened
}

// intervene marks the exchange blocked and asks the proxy for the local reply.
func (t *Transaction) intervene(dir api.Direction, status int) {
	if t.intervened {
		return
	}
	t.intervened = true
	t.cfg.metrics.RecordIntervention(string(dir), status)
	t.callbacks.SendLocalReply(status, "")
}

// emitAudit hands the audit record to the observer unless it was already
// emitted or the route suppresses it.
func (t *Transaction) emitAudit() {
	if t.auditLogged || t.auditSuppressed || t.tx == nil {
		return
	}
	t.auditLogged = true

	rec := t.tx.AuditRecord()
	format := t.tx.AuditFormat()

	var text string
	switch format {
	case api.AuditFormatNative:
		text = audit.FormatNative(rec, generateBoundary())
	default:
		format = api.AuditFormatJSON
		var err error
		text, err = audit.FormatJSON(rec)
		if err != nil {
			t.cfg.logger.Error("failed to format audit record", "transaction", t.ID(), "error", err)
			return
		}
	}
	t.cfg.metrics.RecordAudit(string(format))
	t.cfg.observer.Audit(rec, text)
}

const boundaryAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// generateBoundary returns an 8-character multipart delimiter.
func generateBoundary() string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = boundaryAlphabet[rand.IntN(len(boundaryAlphabet))]
	}
	return string(b)
}
