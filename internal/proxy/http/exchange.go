package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/tkingovr/wafguard/internal/filter"
)

// sliceSize is how much body the host hands the filter per slice.
const sliceSize = 32 << 10

// localReply is a reply the filter asked the host to send instead of
// proxying.
type localReply struct {
	status int
	body   string
}

// exchange implements filter.Callbacks for one proxied request.
type exchange struct {
	req   *http.Request
	route filter.Route
	reply *localReply
}

func newExchange(r *http.Request, route filter.Route) *exchange {
	return &exchange{req: r, route: route}
}

func (e *exchange) Route() filter.Route { return e.route }

func (e *exchange) DownstreamRemoteAddress() net.Addr {
	ap, err := netip.ParseAddrPort(e.req.RemoteAddr)
	if err != nil {
		return nil
	}
	return net.TCPAddrFromAddrPort(ap)
}

func (e *exchange) DownstreamLocalAddress() net.Addr {
	addr, _ := e.req.Context().Value(http.LocalAddrContextKey).(net.Addr)
	return addr
}

func (e *exchange) Protocol() string {
	return fmt.Sprintf("%d.%d", e.req.ProtoMajor, e.req.ProtoMinor)
}

func (e *exchange) SendLocalReply(status int, body string) {
	if e.reply != nil {
		return
	}
	e.reply = &localReply{status: status, body: body}
}

// writeTo writes the local reply to w.
func (r *localReply) writeTo(w http.ResponseWriter) {
	body := r.text()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(r.status)
	_, _ = w.Write([]byte(body))
}

func (r *localReply) text() string {
	if r.body != "" {
		return r.body
	}
	return http.StatusText(r.status) + "\n"
}

// requestHeaders adapts an *http.Request to filter.RequestHeaderMap. The
// authority comes first as ":authority", then the remaining headers in name
// order with lowercase names.
type requestHeaders struct {
	req *http.Request
}

func (h requestHeaders) Method() string { return h.req.Method }
func (h requestHeaders) Path() string   { return h.req.URL.RequestURI() }

func (h requestHeaders) Range(f func(name, value string) bool) {
	if h.req.Host != "" && !f(":authority", h.req.Host) {
		return
	}
	rangeHeader(h.req.Header, f)
}

type responseHeaders struct {
	resp *http.Response
}

func (h responseHeaders) Status() int { return h.resp.StatusCode }

func (h responseHeaders) Range(f func(name, value string) bool) {
	rangeHeader(h.resp.Header, f)
}

// trailers adapts an http.Header holding trailers.
type trailers http.Header

func (t trailers) Range(f func(name, value string) bool) {
	rangeHeader(http.Header(t), f)
}

func rangeHeader(hdr http.Header, f func(name, value string) bool) {
	names := make([]string, 0, len(hdr))
	for name := range hdr {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, v := range hdr[name] {
			if !f(lower, v) {
				return
			}
		}
	}
}

type exchangeKey struct{}

func withExchange(ctx context.Context, s *state) context.Context {
	return context.WithValue(ctx, exchangeKey{}, s)
}

func exchangeFrom(ctx context.Context) *state {
	s, _ := ctx.Value(exchangeKey{}).(*state)
	return s
}

// state is one exchange as seen by the request and response paths. Bodies
// streamed with a continue status are read on transport goroutines, so
// filter calls made after the request is handed to the reverse proxy go
// through mu.
type state struct {
	mu        sync.Mutex
	filter    *filter.Filter
	exchange  *exchange
	destroyed bool
}

func (s *state) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.filter.OnDestroy()
}

// deliverFunc hands a body chunk to the filter and returns its verdict.
type deliverFunc func(f *filter.Filter, chunk []byte, eos bool) filter.DataStatus

// observedBody streams a body through while showing every chunk to the
// filter. It stops showing chunks once the filter stops the data or the
// exchange is destroyed.
type observedBody struct {
	rc      io.ReadCloser
	st      *state
	deliver deliverFunc
	done    bool
}

func (b *observedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	eos := errors.Is(err, io.EOF)
	if !b.done && (n > 0 || eos) {
		b.st.mu.Lock()
		if b.st.destroyed {
			b.done = true
		} else {
			b.done = b.deliver(b.st.filter, p[:n], eos) == filter.DataStatusStopIterationNoBuffer || eos
		}
		b.st.mu.Unlock()
	}
	if err != nil && !eos {
		b.done = true
	}
	return n, err
}

func (b *observedBody) Close() error {
	return b.rc.Close()
}

// prefixedBody replays what was already read ahead of the unread rest.
type prefixedBody struct {
	io.Reader
	io.Closer
}

func prefixBody(read []byte, rest io.ReadCloser) io.ReadCloser {
	return prefixedBody{
		Reader: io.MultiReader(bytes.NewReader(read), rest),
		Closer: rest,
	}
}
