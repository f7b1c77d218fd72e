package filter

import "net"

// HeaderMap is an ordered header block as delivered by the proxy.
type HeaderMap interface {
	// Range calls f for every header in order until f returns false.
	Range(f func(name, value string) bool)
}

// RequestHeaderMap is the request header block including the request line.
type RequestHeaderMap interface {
	HeaderMap
	Method() string
	// Path returns the request target including the query string.
	Path() string
}

// ResponseHeaderMap is the response header block including the status.
type ResponseHeaderMap interface {
	HeaderMap
	Status() int
}

// BodyBuffer is one body chunk, possibly spanning several contiguous slices.
type BodyBuffer interface {
	Slices() [][]byte
}

// Route is the proxy route bound to an exchange.
type Route interface {
	// MetadataBool looks up a boolean flag under namespace. Missing keys are false.
	MetadataBool(namespace, key string) bool
}

// Callbacks is what the proxy exposes to a filter for one exchange.
type Callbacks interface {
	// Route returns the bound route, or nil when the exchange matched none.
	Route() Route
	// DownstreamRemoteAddress is the client address.
	DownstreamRemoteAddress() net.Addr
	// DownstreamLocalAddress is the listener address the client connected to.
	DownstreamLocalAddress() net.Addr
	// Protocol returns the HTTP version, e.g. "1.1" or "2.0". Empty means "1.1".
	Protocol() string
	// SendLocalReply replaces normal proxying with a synthesized reply.
	SendLocalReply(status int, body string)
}

// Bytes is a BodyBuffer holding a single slice.
type Bytes []byte

func (b Bytes) Slices() [][]byte {
	if len(b) == 0 {
		return nil
	}
	return [][]byte{b}
}
