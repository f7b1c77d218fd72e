package filter

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/tkingovr/wafguard/api"
	"github.com/tkingovr/wafguard/internal/engine"
)

// fakeEngine hands out fakeTx transactions and remembers them.
type fakeEngine struct {
	state   api.RuleEngineState
	limit   int
	reject  bool                        // reject over-limit appends with a 413
	trigger map[string]api.Intervention // verdict set when the named call happens
	txs     []*fakeTx
}

func (e *fakeEngine) Connector() string { return "fake" }

func (e *fakeEngine) NewTransaction(_ context.Context, l engine.RuleMatchListener) engine.Transaction {
	tx := &fakeTx{engine: e, listener: l}
	e.txs = append(e.txs, tx)
	return tx
}

// calls returns the recorded calls of the only transaction, or nil.
func (e *fakeEngine) calls() []string {
	if len(e.txs) == 0 {
		return nil
	}
	return e.txs[0].calls
}

type fakeTx struct {
	engine   *fakeEngine
	listener engine.RuleMatchListener

	calls    []string
	headers  []api.Header
	reqBody  []byte
	respBody []byte
	verdict  api.Intervention
}

func (tx *fakeTx) record(call string) {
	tx.calls = append(tx.calls, call)
	if iv, ok := tx.engine.trigger[call]; ok && !tx.verdict.Pending() {
		tx.verdict = iv
		if tx.listener != nil {
			tx.listener.OnRuleMatch(&api.RuleMatch{RuleID: iv.RuleID, Disruptive: iv.Disruptive, Message: call})
		}
	}
}

func (tx *fakeTx) ID() string { return "fake-tx" }

func (tx *fakeTx) ProcessConnection(api.Endpoint, api.Endpoint) error {
	tx.record("ProcessConnection")
	return nil
}

func (tx *fakeTx) ProcessURI(string, string, string) error {
	tx.record("ProcessURI")
	return nil
}

func (tx *fakeTx) AddRequestHeader(name, value string) error {
	tx.headers = append(tx.headers, api.Header{Name: name, Value: value})
	tx.record("AddRequestHeader")
	return nil
}

func (tx *fakeTx) ProcessRequestHeaders() error {
	tx.record("ProcessRequestHeaders")
	return nil
}

func (tx *fakeTx) appendBody(buf *[]byte, p []byte) bool {
	if tx.engine.limit > 0 && len(*buf)+len(p) > tx.engine.limit {
		if tx.engine.reject && !tx.verdict.Pending() {
			tx.verdict = api.Intervention{Status: 413, Disruptive: true}
		}
		return true
	}
	*buf = append(*buf, p...)
	return true
}

func (tx *fakeTx) AppendRequestBody(p []byte) (bool, int) {
	tx.record("AppendRequestBody")
	ok := tx.appendBody(&tx.reqBody, p)
	return ok, len(tx.reqBody)
}

func (tx *fakeTx) RequestBodyLength() int { return len(tx.reqBody) }

func (tx *fakeTx) ProcessRequestBody() error {
	tx.record("ProcessRequestBody")
	return nil
}

func (tx *fakeTx) AddResponseHeader(string, string) error {
	tx.record("AddResponseHeader")
	return nil
}

func (tx *fakeTx) ProcessResponseHeaders(int, string) error {
	tx.record("ProcessResponseHeaders")
	return nil
}

func (tx *fakeTx) AppendResponseBody(p []byte) (bool, int) {
	tx.record("AppendResponseBody")
	ok := tx.appendBody(&tx.respBody, p)
	return ok, len(tx.respBody)
}

func (tx *fakeTx) ResponseBodyLength() int { return len(tx.respBody) }

func (tx *fakeTx) ProcessResponseBody() error {
	tx.record("ProcessResponseBody")
	return nil
}

func (tx *fakeTx) ProcessLogging() error {
	tx.record("ProcessLogging")
	return nil
}

func (tx *fakeTx) Intervention() api.Intervention { return tx.verdict }

func (tx *fakeTx) RuleEngineState() api.RuleEngineState { return tx.engine.state }

func (tx *fakeTx) AuditFormat() api.AuditFormat { return api.AuditFormatJSON }

func (tx *fakeTx) AuditRelevant() bool { return tx.verdict.Pending() }

func (tx *fakeTx) AuditRecord() *api.AuditRecord {
	rec := &api.AuditRecord{ID: tx.ID()}
	if tx.verdict.Pending() {
		iv := tx.verdict
		rec.Intervention = &iv
	}
	return rec
}

// count returns how many times call was made.
func count(calls []string, call string) int {
	n := 0
	for _, c := range calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeHeaders struct {
	method string
	path   string
	status int
	list   []api.Header
}

func (h *fakeHeaders) Range(f func(name, value string) bool) {
	for _, kv := range h.list {
		if !f(kv.Name, kv.Value) {
			return
		}
	}
}

func (h *fakeHeaders) Method() string { return h.method }
func (h *fakeHeaders) Path() string   { return h.path }
func (h *fakeHeaders) Status() int    { return h.status }

func requestHeaders(method, path string) *fakeHeaders {
	return &fakeHeaders{
		method: method,
		path:   path,
		list: []api.Header{
			{Name: ":authority", Value: "example.com"},
			{Name: "user-agent", Value: "test"},
		},
	}
}

func responseHeaders(status int) *fakeHeaders {
	return &fakeHeaders{
		status: status,
		list:   []api.Header{{Name: "content-type", Value: "text/plain"}},
	}
}

type fakeCallbacks struct {
	route   Route
	remote  net.Addr
	local   net.Addr
	proto   string
	replies []int
}

func newCallbacks(route Route) *fakeCallbacks {
	return &fakeCallbacks{
		route:  route,
		remote: &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 51000},
		local:  &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 8080},
		proto:  "1.1",
	}
}

func (c *fakeCallbacks) Route() Route { return c.route }

func (c *fakeCallbacks) DownstreamRemoteAddress() net.Addr { return c.remote }
func (c *fakeCallbacks) DownstreamLocalAddress() net.Addr  { return c.local }
func (c *fakeCallbacks) Protocol() string                  { return c.proto }

func (c *fakeCallbacks) SendLocalReply(status int, _ string) {
	c.replies = append(c.replies, status)
}

type recordingObserver struct {
	matches []api.RuleMatch
	audits  []*api.AuditRecord
	texts   []string
}

func (o *recordingObserver) RuleMatched(_ string, m api.RuleMatch) {
	o.matches = append(o.matches, m)
}

func (o *recordingObserver) Audit(rec *api.AuditRecord, text string) {
	o.audits = append(o.audits, rec)
	o.texts = append(o.texts, text)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// inspectAll is a route with no metadata: everything inspected.
var inspectAll = MapRoute{}

func newFakeSetup(e *fakeEngine, route Route) (*Filter, *fakeCallbacks, *recordingObserver) {
	obs := &recordingObserver{}
	cfg := NewConfigWithEngine(e, Options{Logger: discardLogger(), Observer: obs})
	cb := newCallbacks(route)
	return New(context.Background(), cfg, cb), cb, obs
}
