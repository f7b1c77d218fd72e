package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/tkingovr/wafguard/internal/filter"
)

// ConfigSource hands out the filter config for new exchanges. Exchanges
// keep the config they started with.
type ConfigSource interface {
	Current() *filter.Config
}

type staticSource struct{ cfg *filter.Config }

func (s staticSource) Current() *filter.Config { return s.cfg }

// Static returns a ConfigSource that always returns cfg.
func Static(cfg *filter.Config) ConfigSource {
	return staticSource{cfg: cfg}
}

// Route binds route metadata to a path prefix.
type Route struct {
	Prefix   string
	Metadata filter.Route
}

// Proxy is an HTTP reverse proxy that runs every exchange through the
// inspection filter.
type Proxy struct {
	target       *url.URL
	reverseProxy *httputil.ReverseProxy
	source       ConfigSource
	routes       []Route
	logger       *slog.Logger
}

// NewProxy creates a new inspecting reverse proxy targeting the given URL.
// Requests are bound to the route with the longest matching prefix; requests
// matching no route are proxied uninspected.
func NewProxy(target string, source ConfigSource, routes []Route, logger *slog.Logger) (*Proxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid target URL %q: scheme and host required", target)
	}
	if logger == nil {
		logger = slog.Default()
	}

	sorted := append([]Route(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	p := &Proxy{
		target: u,
		source: source,
		routes: sorted,
		logger: logger,
	}

	rp := httputil.NewSingleHostReverseProxy(u)
	direct := rp.Director
	rp.Director = func(req *http.Request) {
		direct(req)
		req.Host = u.Host
	}
	rp.ModifyResponse = p.modifyResponse
	rp.ErrorHandler = p.errorHandler
	p.reverseProxy = rp

	return p, nil
}

// match returns the route for path, or nil.
func (p *Proxy) match(path string) filter.Route {
	for _, r := range p.routes {
		if strings.HasPrefix(path, r.Prefix) {
			return r.Metadata
		}
	}
	return nil
}

// ServeHTTP handles incoming HTTP requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := newExchange(r, nil)
	if route := p.match(r.URL.Path); route != nil {
		ex.route = route
	}
	st := &state{
		filter:   filter.New(r.Context(), p.source.Current(), ex),
		exchange: ex,
	}
	defer st.destroy()
	f := st.filter

	endOfStream := r.Body == nil || r.Body == http.NoBody
	status := f.OnRequestHeaders(requestHeaders{req: r}, endOfStream)
	if ex.reply != nil {
		p.sendLocalReply(w, r, ex.reply)
		return
	}

	if !endOfStream && !f.Transaction().RequestDone() {
		if status == filter.HeadersStatusContinue {
			r.Body = &observedBody{rc: r.Body, st: st, deliver: requestDeliver(r)}
		} else {
			if err := p.bufferRequestBody(f, ex, r); err != nil {
				p.logger.Error("reading request body", "error", err)
				http.Error(w, "failed to read request", http.StatusBadRequest)
				return
			}
			if ex.reply != nil {
				p.sendLocalReply(w, r, ex.reply)
				return
			}
		}
	}

	ctx := withExchange(r.Context(), st)
	p.reverseProxy.ServeHTTP(w, r.WithContext(ctx))
}

// bufferRequestBody holds the request body back while the filter asks for
// buffering. Once it lets data through, what was read is forwarded ahead of
// the unread rest of the stream.
func (p *Proxy) bufferRequestBody(f *filter.Filter, ex *exchange, r *http.Request) error {
	deliver := requestDeliver(r)
	body, eos, err := readSlices(r.Body, func(chunk []byte, eos bool) bool {
		return deliver(f, chunk, eos) == filter.DataStatusStopIterationAndBuffer
	})
	if err != nil {
		return err
	}
	if ex.reply != nil {
		return nil
	}
	if !eos {
		r.Body = prefixBody(body, r.Body)
		return nil
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// requestDeliver hands one request body chunk, and the trailers after the
// last one, to the filter.
func requestDeliver(r *http.Request) deliverFunc {
	return func(f *filter.Filter, chunk []byte, eos bool) filter.DataStatus {
		status := f.OnRequestBody(filter.Bytes(chunk), eos)
		if eos && len(r.Trailer) > 0 {
			f.OnRequestTrailers(trailers(r.Trailer))
		}
		return status
	}
}

func responseDeliver(resp *http.Response) deliverFunc {
	return func(f *filter.Filter, chunk []byte, eos bool) filter.DataStatus {
		status := f.OnResponseBody(filter.Bytes(chunk), eos)
		if eos && len(resp.Trailer) > 0 {
			f.OnResponseTrailers(trailers(resp.Trailer))
		}
		return status
	}
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	st := exchangeFrom(resp.Request.Context())
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	f, ex := st.filter, st.exchange

	endOfStream := resp.Body == nil || resp.Body == http.NoBody || resp.ContentLength == 0
	status := f.OnResponseHeaders(responseHeaders{resp: resp}, endOfStream)
	if ex.reply != nil {
		replaceResponse(resp, ex.reply)
		return nil
	}
	if endOfStream || f.Transaction().ResponseDone() {
		return nil
	}
	if status == filter.HeadersStatusContinue {
		resp.Body = &observedBody{rc: resp.Body, st: st, deliver: responseDeliver(resp)}
		return nil
	}

	deliver := responseDeliver(resp)
	body, eos, err := readSlices(resp.Body, func(chunk []byte, eos bool) bool {
		return deliver(f, chunk, eos) == filter.DataStatusStopIterationAndBuffer
	})
	if err != nil {
		resp.Body.Close()
		return fmt.Errorf("reading response body: %w", err)
	}
	if ex.reply != nil {
		replaceResponse(resp, ex.reply)
		return nil
	}
	if !eos {
		resp.Body = prefixBody(body, resp.Body)
		return nil
	}

	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Del("Transfer-Encoding")
	return nil
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Error("proxy error", "error", err, "url", r.URL.String())
	http.Error(w, "proxy error: "+err.Error(), http.StatusBadGateway)
}

func (p *Proxy) sendLocalReply(w http.ResponseWriter, r *http.Request, reply *localReply) {
	p.logger.Debug("sending local reply",
		"status", reply.status,
		"method", r.Method,
		"path", r.URL.Path,
	)
	reply.writeTo(w)
}

// replaceResponse swaps the upstream response for the local reply.
func replaceResponse(resp *http.Response, reply *localReply) {
	if resp.Body != nil {
		resp.Body.Close()
	}
	body := reply.text()
	resp.StatusCode = reply.status
	resp.Status = fmt.Sprintf("%d %s", reply.status, http.StatusText(reply.status))
	resp.Header = http.Header{
		"Content-Type":           {"text/plain; charset=utf-8"},
		"X-Content-Type-Options": {"nosniff"},
		"Content-Length":         {strconv.Itoa(len(body))},
	}
	resp.Trailer = nil
	resp.Body = io.NopCloser(strings.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
}

// readSlices reads r in sliceSize pieces, calling deliver for each piece
// and once more with eos set at the end. Reading stops early when deliver
// returns false. It returns everything read and whether r was drained.
func readSlices(r io.Reader, deliver func(chunk []byte, eos bool) bool) ([]byte, bool, error) {
	var buf bytes.Buffer
	chunk := make([]byte, sliceSize)
	for {
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			deliver(chunk[:n], true)
			return buf.Bytes(), true, nil
		}
		if err != nil {
			return nil, false, err
		}
		if !deliver(chunk[:n], false) {
			return buf.Bytes(), false, nil
		}
	}
}

// Handler returns an http.Handler for use with http.Server.
func (p *Proxy) Handler() http.Handler {
	return p
}

// ListenAndServe starts the HTTP proxy server and stops it when ctx ends.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: p,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	p.logger.Info("starting inspecting proxy",
		"listen", addr,
		"target", p.target.String(),
	)

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
