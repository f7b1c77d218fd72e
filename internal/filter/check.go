package filter

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/tkingovr/wafguard/api"
)

// Check runs a synthetic exchange through a fresh filter built on cfg and
// reports the status returned at each step. Audit records and metrics are
// not emitted.
func Check(ctx context.Context, cfg *Config, req api.CheckRequest) api.CheckResponse {
	dry := *cfg
	dry.observer = discardObserver{}
	dry.metrics = nil

	cb := &checkCallbacks{}
	f := New(ctx, &dry, cb)
	steps := make(map[string]string)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	uri := req.URI
	if uri == "" {
		uri = "/"
	}
	status := req.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}

	run := func() {
		reqHeaders := &checkHeaders{method: method, path: uri, list: sortedHeaders(req.Headers)}
		steps["request_headers"] = f.OnRequestHeaders(reqHeaders, req.Body == "").String()
		if cb.status != 0 {
			return
		}
		if req.Body != "" {
			steps["request_body"] = f.OnRequestBody(Bytes(req.Body), true).String()
			if cb.status != 0 {
				return
			}
		}
		respHeaders := &checkHeaders{status: status}
		steps["response_headers"] = f.OnResponseHeaders(respHeaders, req.ResponseBody == "").String()
		if cb.status != 0 {
			return
		}
		if req.ResponseBody != "" {
			steps["response_body"] = f.OnResponseBody(Bytes(req.ResponseBody), true).String()
		}
	}
	run()
	f.OnDestroy()

	resp := api.CheckResponse{
		Blocked: cb.status != 0,
		Status:  status,
		Steps:   steps,
		Matches: f.Transaction().Matches(),
	}
	if cb.status != 0 {
		resp.Status = cb.status
	}
	if iv := f.Transaction().Intervention(); iv.Pending() {
		resp.Intervention = &iv
	}
	return resp
}

type discardObserver struct{}

func (discardObserver) RuleMatched(string, api.RuleMatch) {}
func (discardObserver) Audit(*api.AuditRecord, string)    {}

type checkCallbacks struct {
	status int
}

func (c *checkCallbacks) Route() Route { return MapRoute{} }

func (c *checkCallbacks) DownstreamRemoteAddress() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (c *checkCallbacks) DownstreamLocalAddress() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 80}
}

func (c *checkCallbacks) Protocol() string { return "1.1" }

func (c *checkCallbacks) SendLocalReply(status int, _ string) {
	if c.status == 0 {
		c.status = status
	}
}

type checkHeaders struct {
	method string
	path   string
	status int
	list   []api.Header
}

func (h *checkHeaders) Range(f func(name, value string) bool) {
	for _, kv := range h.list {
		if !f(kv.Name, kv.Value) {
			return
		}
	}
}

func (h *checkHeaders) Method() string { return h.method }
func (h *checkHeaders) Path() string   { return h.path }
func (h *checkHeaders) Status() int    { return h.status }

// sortedHeaders turns a header map into an ordered block with lowercase
// names. A "host" header is delivered as ":authority".
func sortedHeaders(m map[string]string) []api.Header {
	out := make([]api.Header, 0, len(m))
	for name, value := range m {
		name = strings.ToLower(name)
		if name == hostLegacyHeader {
			name = hostHeader
		}
		out = append(out, api.Header{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
