package filter

// Route metadata understood by the filter, all under MetadataNamespace.
const (
	MetadataNamespace = "wafguard"

	MetadataDisable         = "disable"
	MetadataDisableRequest  = "disable_request"
	MetadataDisableResponse = "disable_response"
	MetadataNoAuditLog      = "no_audit_log"
)

// RoutePolicy is what a route's metadata says about one exchange.
type RoutePolicy struct {
	DisableRequest  bool
	DisableResponse bool
	NoAuditLog      bool
}

// requestPolicy resolves the route flags at request-header time.
func requestPolicy(r Route) RoutePolicy {
	disable := r.MetadataBool(MetadataNamespace, MetadataDisable)
	return RoutePolicy{
		DisableRequest:  disable || r.MetadataBool(MetadataNamespace, MetadataDisableRequest),
		DisableResponse: disable || r.MetadataBool(MetadataNamespace, MetadataDisableResponse),
		NoAuditLog:      r.MetadataBool(MetadataNamespace, MetadataNoAuditLog),
	}
}

// responseDisabled re-reads the response flags on the route visible at
// response-header time.
func responseDisabled(r Route) bool {
	return r.MetadataBool(MetadataNamespace, MetadataDisable) ||
		r.MetadataBool(MetadataNamespace, MetadataDisableResponse)
}

// MapRoute is a Route backed by nested maps: namespace → key → flag.
type MapRoute map[string]map[string]bool

func (m MapRoute) MetadataBool(namespace, key string) bool {
	return m[namespace][key]
}
