package audit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tkingovr/wafguard/api"
)

// FormatJSON renders rec as a single JSON line.
func FormatJSON(rec *api.AuditRecord) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshaling audit record: %w", err)
	}
	return string(data), nil
}

// FormatNative renders rec in the legacy multipart layout, one section per
// audit part, delimited by boundary:
//
//	---<boundary>---A--
//	[timestamp] id client-ip client-port server-ip server-port
//	---<boundary>---B--
//	...
//	---<boundary>---Z--
//
// Sections absent from rec are omitted.
func FormatNative(rec *api.AuditRecord, boundary string) string {
	var b strings.Builder
	section := func(part byte) {
		fmt.Fprintf(&b, "---%s---%c--\n", boundary, part)
	}

	section('A')
	fmt.Fprintf(&b, "[%s] %s %s %d %s %d\n",
		rec.Timestamp.Format("02/Jan/2006:15:04:05 -0700"), rec.ID,
		rec.Client.IP, rec.Client.Port, rec.Server.IP, rec.Server.Port)

	if req := rec.Request; req != nil {
		if req.Method != "" || len(req.Headers) > 0 {
			section('B')
			fmt.Fprintf(&b, "%s %s %s\n", req.Method, req.URI, req.Protocol)
			writeHeaders(&b, req.Headers)
		}
		if req.Body != "" {
			section('C')
			b.WriteString(req.Body)
			b.WriteByte('\n')
		}
	}

	if resp := rec.Response; resp != nil {
		if resp.Status != 0 {
			section('F')
			fmt.Fprintf(&b, "%s %d\n", resp.Protocol, resp.Status)
			writeHeaders(&b, resp.Headers)
		}
		if resp.Body != "" {
			section('E')
			b.WriteString(resp.Body)
			b.WriteByte('\n')
		}
	}

	if len(rec.Matches) > 0 || rec.Intervention != nil {
		section('H')
		for _, m := range rec.Matches {
			fmt.Fprintf(&b, "Message: [id %q] [phase %q]", fmt.Sprint(m.RuleID), m.Phase)
			if m.Message != "" {
				fmt.Fprintf(&b, " [msg %q]", m.Message)
			}
			if m.Data != "" {
				fmt.Fprintf(&b, " [data %q]", m.Data)
			}
			b.WriteByte('\n')
		}
		if iv := rec.Intervention; iv != nil && iv.Disruptive {
			fmt.Fprintf(&b, "Action: Intercepted (status %d)\n", iv.Status)
		}
		if rec.Connector != "" {
			fmt.Fprintf(&b, "Producer: %s\n", rec.Connector)
		}
	}

	section('Z')
	return b.String()
}

func writeHeaders(b *strings.Builder, headers []api.Header) {
	for _, h := range headers {
		fmt.Fprintf(b, "%s: %s\n", h.Name, h.Value)
	}
}
