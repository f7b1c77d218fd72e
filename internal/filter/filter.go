package filter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/tkingovr/wafguard/api"
)

// Header names used to re-emit the request authority under the legacy name
// the engine expects.
const (
	hostHeader       = ":authority"
	hostLegacyHeader = "host"
)

// Filter drives one exchange through the engine and translates verdicts
// into proxy signals. The proxy calls its entry points sequentially; none
// of them block or return errors.
type Filter struct {
	cfg       *Config
	callbacks Callbacks
	tx        *Transaction

	disableResponse bool
}

// New creates the filter for one exchange. ctx bounds engine evaluation.
func New(ctx context.Context, cfg *Config, cb Callbacks) *Filter {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Filter{
		cfg:       cfg,
		callbacks: cb,
		tx:        newTransaction(ctx, cfg, cb),
	}
}

// Transaction exposes the exchange state.
func (f *Filter) Transaction() *Transaction {
	return f.tx
}

// OnRequestHeaders inspects the connection, request line and headers.
func (f *Filter) OnRequestHeaders(headers RequestHeaderMap, endOfStream bool) HeadersStatus {
	t := f.tx
	route := f.callbacks.Route()
	if route == nil {
		if t.request == sidePending {
			t.request = sideBypassed
			t.response = sideBypassed
			f.cfg.metrics.RecordBypass("no_route")
		}
		return HeadersStatusContinue
	}
	if t.intervened || t.request != sidePending {
		f.cfg.logger.Debug("request already processed", "transaction", t.ID())
		return requestHeadersDecision(t.intervened, t.RequestDone(), t.ruleEngineState())
	}

	rp := requestPolicy(route)
	t.auditSuppressed = rp.NoAuditLog
	f.disableResponse = rp.DisableResponse
	if rp.DisableRequest {
		f.cfg.logger.Debug("request inspection disabled by route")
		f.cfg.metrics.RecordBypass("disable_request")
		t.request = sideBypassed
		return HeadersStatusContinue
	}

	client, server, err := f.connection()
	if err != nil {
		f.cfg.logger.Error("malformed connection metadata", "error", err)
		f.cfg.metrics.RecordMalformedConnection()
		t.request = sideDone
		t.intervene(api.DirectionRequest, http.StatusInternalServerError)
		return HeadersStatusStopIteration
	}

	t.feedConnection(client, server)
	if t.checkIntervention(api.DirectionRequest) {
		return HeadersStatusStopIteration
	}

	t.feedRequestLine(headers.Path(), headers.Method(), f.protocol())
	if t.checkIntervention(api.DirectionRequest) {
		return HeadersStatusStopIteration
	}

	headers.Range(func(name, value string) bool {
		t.feedHeader(name, value)
		if strings.EqualFold(name, hostHeader) {
			t.feedHeader(hostLegacyHeader, value)
		}
		return true
	})
	t.completeRequestHeaders()
	if endOfStream {
		t.request = sideDone
	}
	if t.checkIntervention(api.DirectionRequest) {
		return HeadersStatusStopIteration
	}
	return requestHeadersDecision(t.intervened, t.RequestDone(), t.ruleEngineState())
}

// OnRequestBody appends a body chunk to the engine.
func (f *Filter) OnRequestBody(body BodyBuffer, endOfStream bool) DataStatus {
	t := f.tx
	if t.intervened || t.request != sideInspecting {
		return requestDataDecision(t.intervened, t.request != sideInspecting, t.ruleEngineState())
	}

	for _, s := range body.Slices() {
		before := t.requestBodyLength()
		ok, after := t.appendRequestBody(s)
		if !ok || (len(s) > 0 && after == before) {
			f.cfg.logger.Debug("request body limit reached", "transaction", t.ID(), "buffered", after)
			f.cfg.metrics.RecordBodyLimit(string(api.DirectionRequest))
			if t.checkIntervention(api.DirectionRequest) {
				return DataStatusStopIterationNoBuffer
			}
			endOfStream = true
			break
		}
	}

	if endOfStream {
		t.completeRequestBody()
	}
	if t.checkIntervention(api.DirectionRequest) {
		return DataStatusStopIterationNoBuffer
	}
	return requestDataDecision(t.intervened, t.RequestDone(), t.ruleEngineState())
}

// OnRequestTrailers forwards trailers uninspected.
func (f *Filter) OnRequestTrailers(HeaderMap) TrailersStatus {
	return TrailersStatusContinue
}

// On100ContinueHeaders forwards interim 100-continue headers uninspected.
func (f *Filter) On100ContinueHeaders(ResponseHeaderMap) HeadersStatus {
	return HeadersStatusContinue
}

// OnResponseHeaders inspects the response status and headers.
func (f *Filter) OnResponseHeaders(headers ResponseHeaderMap, endOfStream bool) HeadersStatus {
	t := f.tx
	route := f.callbacks.Route()
	if route == nil {
		return HeadersStatusContinue
	}
	if t.intervened || t.response != sidePending {
		f.cfg.logger.Debug("response already processed", "transaction", t.ID())
		return responseHeadersDecision(t.intervened, t.ResponseDone(), t.ruleEngineState())
	}
	if f.disableResponse || responseDisabled(route) {
		f.cfg.logger.Debug("response inspection disabled by route")
		f.cfg.metrics.RecordBypass("disable_response")
		t.response = sideBypassed
		return HeadersStatusContinue
	}

	headers.Range(func(name, value string) bool {
		t.feedResponseHeader(name, value)
		return true
	})
	t.completeResponseHeaders(headers.Status(), f.protocol())
	if endOfStream {
		t.response = sideDone
	}
	if t.checkIntervention(api.DirectionResponse) {
		return HeadersStatusStopIteration
	}
	return responseHeadersDecision(t.intervened, t.ResponseDone(), t.ruleEngineState())
}

// OnResponseBody appends a response body chunk to the engine.
func (f *Filter) OnResponseBody(body BodyBuffer, endOfStream bool) DataStatus {
	t := f.tx
	if t.intervened || t.response != sideInspecting {
		return responseDataDecision(t.intervened, t.response != sideInspecting, t.ruleEngineState())
	}

	for _, s := range body.Slices() {
		before := t.responseBodyLength()
		ok, after := t.appendResponseBody(s)
		if !ok || (len(s) > 0 && after == before) {
			f.cfg.logger.Debug("response body limit reached", "transaction", t.ID(), "buffered", after)
			f.cfg.metrics.RecordBodyLimit(string(api.DirectionResponse))
			if t.checkIntervention(api.DirectionResponse) {
				return DataStatusStopIterationNoBuffer
			}
			endOfStream = true
			break
		}
	}

	if endOfStream {
		t.completeResponseBody()
	}
	if t.checkIntervention(api.DirectionResponse) {
		return DataStatusStopIterationNoBuffer
	}
	return responseDataDecision(t.intervened, t.ResponseDone(), t.ruleEngineState())
}

// OnResponseTrailers forwards trailers uninspected.
func (f *Filter) OnResponseTrailers(HeaderMap) TrailersStatus {
	return TrailersStatusContinue
}

// OnDestroy ends the exchange. It closes the engine transaction and emits
// the audit record if the engine considers the exchange relevant and none
// was emitted yet. Calls after the first are no-ops.
func (f *Filter) OnDestroy() {
	t := f.tx
	if t.destroyed {
		return
	}
	t.destroyed = true

	if t.tx == nil {
		if t.intervened {
			f.cfg.metrics.RecordExchange("blocked")
		} else {
			f.cfg.metrics.RecordExchange("bypassed")
		}
		return
	}

	t.engineError(api.PhaseLogging, t.tx.ProcessLogging())
	if !t.auditLogged && t.tx.AuditRelevant() {
		t.emitAudit()
	}

	if t.intervened {
		f.cfg.metrics.RecordExchange("blocked")
	} else {
		f.cfg.metrics.RecordExchange("passed")
	}
}

func (f *Filter) protocol() string {
	p := f.callbacks.Protocol()
	if p == "" {
		p = "1.1"
	}
	return "HTTP/" + p
}

func (f *Filter) connection() (client, server api.Endpoint, err error) {
	client, err = endpoint(f.callbacks.DownstreamRemoteAddress())
	if err != nil {
		return client, server, fmt.Errorf("downstream remote address: %w", err)
	}
	server, err = endpoint(f.callbacks.DownstreamLocalAddress())
	if err != nil {
		return client, server, fmt.Errorf("downstream local address: %w", err)
	}
	return client, server, nil
}

var errMissingAddress = errors.New("missing address")

func endpoint(addr net.Addr) (api.Endpoint, error) {
	if addr == nil {
		return api.Endpoint{}, errMissingAddress
	}
	var ap netip.AddrPort
	switch a := addr.(type) {
	case *net.TCPAddr:
		if a == nil {
			return api.Endpoint{}, errMissingAddress
		}
		ap = a.AddrPort()
	default:
		var err error
		ap, err = netip.ParseAddrPort(addr.String())
		if err != nil {
			return api.Endpoint{}, fmt.Errorf("not an IP address %q: %w", addr.String(), err)
		}
	}
	if !ap.IsValid() {
		return api.Endpoint{}, fmt.Errorf("not an IP address %q", addr.String())
	}
	return api.Endpoint{IP: ap.Addr().Unmap().String(), Port: int(ap.Port())}, nil
}
