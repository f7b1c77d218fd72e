package policy

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/tkingovr/wafguard/api"
)

// Collections that accept a ":key" selector.
var keyedVariables = map[string]bool{
	"ARGS":             true,
	"REQUEST_HEADERS":  true,
	"RESPONSE_HEADERS": true,
}

var plainVariables = map[string]bool{
	"REMOTE_ADDR":           true,
	"REMOTE_PORT":           true,
	"SERVER_ADDR":           true,
	"SERVER_PORT":           true,
	"REQUEST_METHOD":        true,
	"REQUEST_URI":           true,
	"REQUEST_FILENAME":      true,
	"QUERY_STRING":          true,
	"REQUEST_PROTOCOL":      true,
	"ARGS_NAMES":            true,
	"REQUEST_HEADERS_NAMES": true,
	"REQUEST_BODY":          true,
	"RESPONSE_STATUS":       true,
	"RESPONSE_PROTOCOL":     true,
	"RESPONSE_BODY":         true,
}

func splitVariable(v string) (name, key string) {
	name, key, _ = strings.Cut(v, ":")
	return strings.ToUpper(name), key
}

func knownVariable(v string) bool {
	name, key := splitVariable(v)
	if key != "" {
		return keyedVariables[name]
	}
	return keyedVariables[name] || plainVariables[name]
}

// resolve returns every value the variable expands to for in.
func resolve(v string, in *Input) []string {
	name, key := splitVariable(v)
	switch name {
	case "REMOTE_ADDR":
		return []string{in.Client.IP}
	case "REMOTE_PORT":
		return []string{strconv.Itoa(in.Client.Port)}
	case "SERVER_ADDR":
		return []string{in.Server.IP}
	case "SERVER_PORT":
		return []string{strconv.Itoa(in.Server.Port)}
	case "REQUEST_METHOD":
		return []string{in.Method}
	case "REQUEST_URI":
		return []string{in.URI}
	case "REQUEST_FILENAME":
		path, _, _ := strings.Cut(in.URI, "?")
		return []string{path}
	case "QUERY_STRING":
		_, query, _ := strings.Cut(in.URI, "?")
		return []string{query}
	case "REQUEST_PROTOCOL":
		return []string{in.Protocol}
	case "ARGS":
		return argValues(in, key)
	case "ARGS_NAMES":
		var names []string
		for name := range args(in) {
			names = append(names, name)
		}
		return names
	case "REQUEST_HEADERS":
		return headerValues(in.RequestHeaders, key)
	case "REQUEST_HEADERS_NAMES":
		names := make([]string, 0, len(in.RequestHeaders))
		for _, h := range in.RequestHeaders {
			names = append(names, h.Name)
		}
		return names
	case "REQUEST_BODY":
		return []string{string(in.RequestBody)}
	case "RESPONSE_STATUS":
		return []string{strconv.Itoa(in.ResponseStatus)}
	case "RESPONSE_PROTOCOL":
		return []string{in.ResponseProtocol}
	case "RESPONSE_HEADERS":
		return headerValues(in.ResponseHeaders, key)
	case "RESPONSE_BODY":
		return []string{string(in.ResponseBody)}
	}
	return nil
}

func headerValues(headers []api.Header, key string) []string {
	var out []string
	for _, h := range headers {
		if key == "" || strings.EqualFold(h.Name, key) {
			out = append(out, h.Value)
		}
	}
	return out
}

// args merges query string arguments with urlencoded body arguments.
func args(in *Input) url.Values {
	values := url.Values{}
	if _, query, ok := strings.Cut(in.URI, "?"); ok {
		mergeArgs(values, query)
	}
	if len(in.RequestBody) > 0 && isFormEncoded(in.RequestHeaders) {
		mergeArgs(values, string(in.RequestBody))
	}
	return values
}

// mergeArgs adds every well-formed pair of an urlencoded string. A
// malformed pair is skipped on its own; it does not hide its neighbours.
func mergeArgs(dst url.Values, encoded string) {
	parsed, _ := url.ParseQuery(encoded)
	for k, v := range parsed {
		dst[k] = append(dst[k], v...)
	}
}

func argValues(in *Input, key string) []string {
	a := args(in)
	if key != "" {
		return a[key]
	}
	var out []string
	for _, v := range a {
		out = append(out, v...)
	}
	return out
}

func isFormEncoded(headers []api.Header) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "content-type") &&
			strings.HasPrefix(strings.ToLower(h.Value), "application/x-www-form-urlencoded") {
			return true
		}
	}
	return false
}
