package filter

import (
	"context"

	"github.com/tkingovr/wafguard/api"
	"github.com/tkingovr/wafguard/internal/engine"
)

// Phase is how far an exchange has been fed to the engine.
type Phase uint8

const (
	PhaseStart Phase = iota
	PhaseRequestHeadersDone
	PhaseRequestBodyDone
	PhaseResponseHeadersDone
	PhaseResponseBodyDone
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "Start"
	case PhaseRequestHeadersDone:
		return "RequestHeadersDone"
	case PhaseRequestBodyDone:
		return "RequestBodyDone"
	case PhaseResponseHeadersDone:
		return "ResponseHeadersDone"
	case PhaseResponseBodyDone:
		return "ResponseBodyDone"
	}
	return "Unknown"
}

// sideState tracks one direction of an exchange. It only moves forward:
// pending → inspecting → done, or pending → bypassed.
type sideState uint8

const (
	sidePending sideState = iota
	sideInspecting
	sideDone
	sideBypassed
)

// finished reports whether the side will never be fed to the engine again.
func (s sideState) finished() bool {
	return s == sideDone || s == sideBypassed
}

// Transaction is the inspection state of one exchange. It is owned by a
// single Filter and is not safe for concurrent use.
type Transaction struct {
	cfg       *Config
	callbacks Callbacks
	ctx       context.Context

	tx    engine.Transaction // nil until inspection starts
	phase Phase

	request  sideState
	response sideState

	intervened      bool
	auditLogged     bool
	auditSuppressed bool
	destroyed       bool
	matches         []api.RuleMatch
}

func newTransaction(ctx context.Context, cfg *Config, cb Callbacks) *Transaction {
	return &Transaction{cfg: cfg, callbacks: cb, ctx: ctx}
}

// ID returns the engine transaction ID, or "" when the engine was never used.
func (t *Transaction) ID() string {
	if t.tx == nil {
		return ""
	}
	return t.tx.ID()
}

// Phase returns the furthest phase fed to the engine.
func (t *Transaction) Phase() Phase { return t.phase }

// Intervened reports whether a block reply was issued.
func (t *Transaction) Intervened() bool { return t.intervened }

// AuditLogged reports whether the audit record was emitted.
func (t *Transaction) AuditLogged() bool { return t.auditLogged }

// RequestDone reports whether request inspection is over, by completion or bypass.
func (t *Transaction) RequestDone() bool { return t.request.finished() }

// ResponseDone reports whether response inspection is over, by completion or bypass.
func (t *Transaction) ResponseDone() bool { return t.response.finished() }

// Matches returns the rule matches reported so far.
func (t *Transaction) Matches() []api.RuleMatch { return t.matches }

// Intervention returns the engine's current verdict.
func (t *Transaction) Intervention() api.Intervention {
	if t.tx == nil {
		return api.Intervention{}
	}
	return t.tx.Intervention()
}

// begin starts the engine transaction on first use.
func (t *Transaction) begin() {
	if t.tx == nil {
		t.tx = t.cfg.engine.NewTransaction(t.ctx, t)
	}
}

func (t *Transaction) advance(p Phase) {
	if p > t.phase {
		t.phase = p
	}
}

func (t *Transaction) ruleEngineState() api.RuleEngineState {
	if t.tx == nil {
		return api.RuleEngineOff
	}
	return t.tx.RuleEngineState()
}

// OnRuleMatch implements engine.RuleMatchListener.
func (t *Transaction) OnRuleMatch(m *api.RuleMatch) {
	if m == nil {
		t.cfg.logger.Error("rule match callback without payload")
		return
	}
	t.matches = append(t.matches, *m)
	t.cfg.metrics.RecordRuleMatch(string(m.Phase), m.Disruptive)
	t.cfg.logger.Debug("rule matched",
		"transaction", t.ID(),
		"rule_id", m.RuleID,
		"phase", m.Phase,
		"disruptive", m.Disruptive,
		"msg", m.Message,
	)
	t.cfg.observer.RuleMatched(t.ID(), *m)
}

func (t *Transaction) engineError(phase api.Phase, err error) {
	if err == nil {
		return
	}
	t.cfg.metrics.RecordEngineError(string(phase))
	t.cfg.logger.Error("engine operation failed", "transaction", t.ID(), "phase", phase, "error", err)
}

func (t *Transaction) feedConnection(client, server api.Endpoint) {
	t.begin()
	t.engineError(api.PhaseConnection, t.tx.ProcessConnection(client, server))
}

func (t *Transaction) feedRequestLine(uri, method, protocol string) {
	t.engineError(api.PhaseRequestHeaders, t.tx.ProcessURI(uri, method, protocol))
}

func (t *Transaction) feedHeader(name, value string) {
	t.engineError(api.PhaseRequestHeaders, t.tx.AddRequestHeader(name, value))
}

func (t *Transaction) completeRequestHeaders() {
	t.request = sideInspecting
	t.engineError(api.PhaseRequestHeaders, t.tx.ProcessRequestHeaders())
	t.advance(PhaseRequestHeadersDone)
}

func (t *Transaction) requestBodyLength() int {
	return t.tx.RequestBodyLength()
}

func (t *Transaction) appendRequestBody(p []byte) (bool, int) {
	return t.tx.AppendRequestBody(p)
}

func (t *Transaction) completeRequestBody() {
	t.request = sideDone
	t.engineError(api.PhaseRequestBody, t.tx.ProcessRequestBody())
	t.advance(PhaseRequestBodyDone)
}

func (t *Transaction) feedResponseHeader(name, value string) {
	t.begin()
	t.engineError(api.PhaseResponseHeaders, t.tx.AddResponseHeader(name, value))
}

func (t *Transaction) completeResponseHeaders(status int, protocol string) {
	t.begin()
	t.response = sideInspecting
	t.engineError(api.PhaseResponseHeaders, t.tx.ProcessResponseHeaders(status, protocol))
	t.advance(PhaseResponseHeadersDone)
}

func (t *Transaction) responseBodyLength() int {
	return t.tx.ResponseBodyLength()
}

func (t *Transaction) appendResponseBody(p []byte) (bool, int) {
	return t.tx.AppendResponseBody(p)
}

func (t *Transaction) completeResponseBody() {
	t.response = sideDone
	t.engineError(api.PhaseResponseBody, t.tx.ProcessResponseBody())
	t.advance(PhaseResponseBodyDone)
}

func (t *Transaction) queryVerdict() api.Intervention {
	return t.tx.Intervention()
}
