package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tkingovr/wafguard/api"
	"github.com/tkingovr/wafguard/internal/policy"
)

type transaction struct {
	ctx      context.Context
	id       string
	engine   *Engine
	settings policy.EngineSettings
	listener RuleMatchListener
	start    time.Time

	in           policy.Input
	matches      []api.RuleMatch
	intervention api.Intervention
	relevant     bool
	closed       bool
	duration     time.Duration
}

func (tx *transaction) ID() string {
	return tx.id
}

func (tx *transaction) ProcessConnection(client, server api.Endpoint) error {
	tx.in.Client = client
	tx.in.Server = server
	return tx.evaluate(api.PhaseConnection)
}

func (tx *transaction) ProcessURI(uri, method, protocol string) error {
	if uri == "" {
		return fmt.Errorf("process URI: empty request URI")
	}
	tx.in.URI = uri
	tx.in.Method = method
	tx.in.Protocol = protocol
	return nil
}

func (tx *transaction) AddRequestHeader(name, value string) error {
	if name == "" {
		return fmt.Errorf("add request header: empty name")
	}
	tx.in.RequestHeaders = append(tx.in.RequestHeaders, api.Header{Name: name, Value: value})
	return nil
}

func (tx *transaction) ProcessRequestHeaders() error {
	return tx.evaluate(api.PhaseRequestHeaders)
}

func (tx *transaction) AppendRequestBody(p []byte) (bool, int) {
	ok := tx.appendBody(&tx.in.RequestBody, p, tx.settings.RequestBodyAccess,
		tx.settings.RequestBodyLimit, tx.settings.RequestBodyLimitAction, "Request")
	return ok, len(tx.in.RequestBody)
}

func (tx *transaction) RequestBodyLength() int {
	return len(tx.in.RequestBody)
}

func (tx *transaction) ProcessRequestBody() error {
	return tx.evaluate(api.PhaseRequestBody)
}

func (tx *transaction) AddResponseHeader(name, value string) error {
	if name == "" {
		return fmt.Errorf("add response header: empty name")
	}
	tx.in.ResponseHeaders = append(tx.in.ResponseHeaders, api.Header{Name: name, Value: value})
	return nil
}

func (tx *transaction) ProcessResponseHeaders(status int, protocol string) error {
	tx.in.ResponseStatus = status
	tx.in.ResponseProtocol = protocol
	return tx.evaluate(api.PhaseResponseHeaders)
}

func (tx *transaction) AppendResponseBody(p []byte) (bool, int) {
	ok := tx.appendBody(&tx.in.ResponseBody, p, tx.settings.ResponseBodyAccess,
		tx.settings.ResponseBodyLimit, tx.settings.ResponseBodyLimitAction, "Response")
	return ok, len(tx.in.ResponseBody)
}

func (tx *transaction) ResponseBodyLength() int {
	return len(tx.in.ResponseBody)
}

func (tx *transaction) ProcessResponseBody() error {
	return tx.evaluate(api.PhaseResponseBody)
}

func (tx *transaction) ProcessLogging() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	tx.duration = tx.engine.now().Sub(tx.start)
	return nil
}

func (tx *transaction) Intervention() api.Intervention {
	return tx.intervention
}

func (tx *transaction) RuleEngineState() api.RuleEngineState {
	return tx.settings.RuleEngine
}

func (tx *transaction) AuditFormat() api.AuditFormat {
	return tx.settings.AuditLogFormat
}

func (tx *transaction) AuditRelevant() bool {
	switch tx.settings.AuditEngine {
	case policy.AuditEngineOn:
		return true
	case policy.AuditEngineOff:
		return false
	}
	return tx.relevant || tx.intervention.Disruptive
}

// appendBody copies p into *buf honouring the access flag and size limit.
//
// Without body access nothing is buffered and the append succeeds. Over the
// limit, process_partial keeps what fits and fails the append; reject keeps
// nothing, succeeds, and sets a 413 intervention when the engine is on.
func (tx *transaction) appendBody(buf *[]byte, p []byte, access bool, limit int, action policy.LimitAction, side string) bool {
	if !access {
		return true
	}
	if limit <= 0 || len(*buf)+len(p) <= limit {
		*buf = append(*buf, p...)
		return true
	}

	if action == policy.LimitActionProcessPartial {
		*buf = append(*buf, p[:limit-len(*buf)]...)
		return false
	}
	if tx.settings.RuleEngine == api.RuleEngineOn && !tx.intervention.Disruptive {
		tx.intervention = api.Intervention{
			Status:     http.StatusRequestEntityTooLarge,
			Disruptive: true,
			Message:    side + " body limit is marked to reject the request",
		}
		tx.relevant = true
	}
	return true
}

// evaluate runs the rules bound to phase. The first disruptive match in "on"
// mode becomes the intervention and ends rule evaluation for the transaction.
func (tx *transaction) evaluate(phase api.Phase) error {
	switch tx.settings.RuleEngine {
	case api.RuleEngineOff:
		return nil
	case api.RuleEngineOn:
		if tx.intervention.Disruptive {
			return nil
		}
	}

	tx.in.Phase = phase
	err := tx.engine.rules.Evaluate(tx.ctx, &tx.in, func(r policy.Result) bool {
		m := api.RuleMatch{
			RuleID:     r.RuleID,
			Phase:      phase,
			Disruptive: r.Disruptive(),
			Message:    r.Message,
			Data:       r.Data,
			Log:        r.Log,
			Timestamp:  tx.engine.now(),
		}
		tx.matches = append(tx.matches, m)
		if r.Log {
			tx.relevant = true
		}
		if tx.listener != nil {
			tx.listener.OnRuleMatch(&m)
		}

		if !m.Disruptive || tx.settings.RuleEngine != api.RuleEngineOn {
			return true
		}
		status := r.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		tx.intervention = api.Intervention{
			Status:     status,
			Disruptive: true,
			RuleID:     r.RuleID,
			Message:    r.Message,
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("evaluating %s rules: %w", phase, err)
	}
	return nil
}
