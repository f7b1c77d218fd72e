package policy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf8"

	"github.com/tkingovr/wafguard/api"
)

const testRules = `
version: 1
settings:
  rule_engine: on
  request_body_limit: 1024
  audit_log_format: native
rules:
  - id: 1001
    phase: request_headers
    variables: [REQUEST_URI]
    operator: rx
    argument: "(?i)/admin"
    action: deny
    status: 403
    log: true
    msg: admin area
  - id: 1002
    phase: request_headers
    variables: ["REQUEST_HEADERS:User-Agent"]
    transforms: [lowercase]
    operator: pm
    argument: "sqlmap nikto"
    action: deny
    status: 403
    msg: scanner
  - id: 1003
    phase: connection
    variables: [REMOTE_ADDR]
    operator: ipmatch
    argument: "10.0.0.0/8, 192.168.1.7"
    action: deny
    status: 403
  - id: 1004
    phase: request_body
    variables: [ARGS]
    transforms: [urldecode]
    operator: contains
    argument: "<script>"
    action: pass
    log: true
  - id: 1005
    phase: response_headers
    variables: [RESPONSE_STATUS]
    operator: ge
    argument: "500"
    action: deny
    status: 502
`

func loadTestRules(t *testing.T) *RuleSet {
	t.Helper()
	rs := NewRuleSet()
	n, err := rs.LoadInline(testRules)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("expected 5 rules loaded, got %d", n)
	}
	return rs
}

func collect(t *testing.T, rs *RuleSet, in *Input) []Result {
	t.Helper()
	var out []Result
	err := rs.Evaluate(context.Background(), in, func(r Result) bool {
		out = append(out, r)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestRuleSet_Settings(t *testing.T) {
	rs := loadTestRules(t)
	s := rs.Settings()
	if s.RuleEngine != api.RuleEngineOn {
		t.Errorf("expected rule engine on, got %s", s.RuleEngine)
	}
	if s.RequestBodyLimit != 1024 {
		t.Errorf("expected request body limit 1024, got %d", s.RequestBodyLimit)
	}
	if s.AuditLogFormat != api.AuditFormatNative {
		t.Errorf("expected native audit format, got %s", s.AuditLogFormat)
	}
	// Untouched settings keep their defaults
	if s.ResponseBodyLimit != DefaultResponseBodyLimit {
		t.Errorf("expected default response body limit, got %d", s.ResponseBodyLimit)
	}
	if !s.RequestBodyAccess {
		t.Error("expected request body access to default to true")
	}
}

func TestRuleSet_URIMatch(t *testing.T) {
	rs := loadTestRules(t)
	res := collect(t, rs, &Input{Phase: api.PhaseRequestHeaders, URI: "/Admin/users", Method: "GET"})
	if len(res) != 1 {
		t.Fatalf("expected 1 match, got %d", len(res))
	}
	if res[0].RuleID != 1001 || !res[0].Disruptive() || res[0].Status != 403 {
		t.Errorf("unexpected match %+v", res[0])
	}
	if res[0].Data != "/Admin/users" {
		t.Errorf("expected matched data, got %q", res[0].Data)
	}
}

func TestRuleSet_HeaderPhraseMatch(t *testing.T) {
	rs := loadTestRules(t)
	in := &Input{
		Phase:          api.PhaseRequestHeaders,
		URI:            "/",
		RequestHeaders: []api.Header{{Name: "user-agent", Value: "SQLMap/1.7"}},
	}
	res := collect(t, rs, in)
	if len(res) != 1 || res[0].RuleID != 1002 {
		t.Fatalf("expected rule 1002 to match, got %+v", res)
	}
}

func TestRuleSet_IPMatch(t *testing.T) {
	rs := loadTestRules(t)

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.7", true},
		{"192.168.1.8", false},
		{"::ffff:10.0.0.1", true},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		res := collect(t, rs, &Input{Phase: api.PhaseConnection, Client: api.Endpoint{IP: tt.ip}})
		if got := len(res) == 1; got != tt.want {
			t.Errorf("ip %s: expected match=%v, got %v", tt.ip, tt.want, got)
		}
	}
}

func TestRuleSet_FormArgs(t *testing.T) {
	rs := loadTestRules(t)
	in := &Input{
		Phase:          api.PhaseRequestBody,
		URI:            "/submit",
		RequestHeaders: []api.Header{{Name: "Content-Type", Value: "application/x-www-form-urlencoded"}},
		RequestBody:    []byte("comment=%3Cscript%3Ealert(1)"),
	}
	res := collect(t, rs, in)
	if len(res) != 1 || res[0].RuleID != 1004 {
		t.Fatalf("expected rule 1004 to match, got %+v", res)
	}
	if res[0].Disruptive() {
		t.Error("pass rule must not be disruptive")
	}
	if !res[0].Log {
		t.Error("expected log flag")
	}
}

func TestRuleSet_MalformedArgDoesNotHideOthers(t *testing.T) {
	rs := NewRuleSet()
	_, err := rs.LoadInline(`
version: 1
rules:
  - id: 2001
    phase: request_headers
    variables: ["ARGS:cmd"]
    operator: contains
    argument: attack
    action: deny
`)
	if err != nil {
		t.Fatal(err)
	}

	for _, uri := range []string{"/x?cmd=attack", "/x?cmd=attack&z=%zz", "/x?z=%zz&cmd=attack"} {
		res := collect(t, rs, &Input{Phase: api.PhaseRequestHeaders, URI: uri})
		if len(res) != 1 || res[0].RuleID != 2001 {
			t.Errorf("%s: expected rule 2001 to match, got %+v", uri, res)
		}
	}

	body := loadTestRules(t)
	in := &Input{
		Phase:          api.PhaseRequestBody,
		URI:            "/submit",
		RequestHeaders: []api.Header{{Name: "Content-Type", Value: "application/x-www-form-urlencoded"}},
		RequestBody:    []byte("bad=%G1&comment=%3Cscript%3Ealert(1)"),
	}
	if res := collect(t, body, in); len(res) != 1 || res[0].RuleID != 1004 {
		t.Fatalf("expected rule 1004 to match the body next to a malformed pair, got %+v", res)
	}
}

func TestRuleSet_NumericResponseStatus(t *testing.T) {
	rs := loadTestRules(t)
	if res := collect(t, rs, &Input{Phase: api.PhaseResponseHeaders, ResponseStatus: 503}); len(res) != 1 {
		t.Fatalf("expected 503 to match, got %+v", res)
	}
	if res := collect(t, rs, &Input{Phase: api.PhaseResponseHeaders, ResponseStatus: 200}); len(res) != 0 {
		t.Fatalf("expected 200 not to match, got %+v", res)
	}
}

func TestRuleSet_YieldStops(t *testing.T) {
	rs := loadTestRules(t)
	in := &Input{
		Phase:          api.PhaseRequestHeaders,
		URI:            "/admin",
		RequestHeaders: []api.Header{{Name: "User-Agent", Value: "nikto"}},
	}
	calls := 0
	err := rs.Evaluate(context.Background(), in, func(Result) bool {
		calls++
		return false
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("expected evaluation to stop after first match, got %d calls", calls)
	}
}

func TestRuleSet_DuplicateIDLeavesSetIntact(t *testing.T) {
	rs := loadTestRules(t)
	before := rs.Len()

	_, err := rs.LoadInline(`
version: 1
settings:
  rule_engine: off
rules:
  - id: 2001
    phase: request_headers
    variables: [REQUEST_METHOD]
    operator: streq
    argument: TRACE
    action: deny
  - id: 1001
    phase: request_headers
    variables: [REQUEST_METHOD]
    operator: streq
    argument: GET
    action: deny
`)
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	if rs.Len() != before {
		t.Errorf("expected %d rules after failed load, got %d", before, rs.Len())
	}
	if rs.Settings().RuleEngine != api.RuleEngineOn {
		t.Error("failed load must not merge settings")
	}
}

func TestLoadBytes_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad version", "version: 2\n"},
		{"bad phase", "version: 1\nrules:\n  - {id: 1, phase: later, variables: [REQUEST_URI], operator: rx, argument: x, action: deny}\n"},
		{"bad action", "version: 1\nrules:\n  - {id: 1, phase: request_headers, variables: [REQUEST_URI], operator: rx, argument: x, action: drop}\n"},
		{"bad operator", "version: 1\nrules:\n  - {id: 1, phase: request_headers, variables: [REQUEST_URI], operator: like, argument: x, action: deny}\n"},
		{"bad variable", "version: 1\nrules:\n  - {id: 1, phase: request_headers, variables: [REQUEST_COOKIES], operator: rx, argument: x, action: deny}\n"},
		{"bad secret detector", "version: 1\nrules:\n  - {id: 1, phase: response_body, variables: [RESPONSE_BODY], operator: detectsecrets, argument: ssn, action: deny}\n"},
		{"bad regex", "version: 1\nrules:\n  - {id: 1, phase: request_headers, variables: [REQUEST_URI], operator: rx, argument: '(', action: deny}\n"},
		{"missing id", "version: 1\nrules:\n  - {phase: request_headers, variables: [REQUEST_URI], operator: rx, argument: x, action: deny}\n"},
		{"bad engine", "version: 1\nsettings:\n  rule_engine: maybe\n"},
		{"bad parts", "version: 1\nsettings:\n  audit_log_parts: ABQ\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadBytes([]byte(tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	_, err := LoadBytes([]byte("version: 3\n"))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(testRules), 0o600); err != nil {
		t.Fatal(err)
	}
	rs := NewRuleSet()
	n, err := rs.LoadPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected 5 rules, got %d", n)
	}

	if _, err := rs.LoadPath(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(RemoteKeyHeader) != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Write([]byte(testRules))
	}))
	defer srv.Close()

	rs := NewRuleSet()
	n, err := rs.LoadRemote(context.Background(), srv.Client(), "secret", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected 5 rules, got %d", n)
	}

	_, err = NewRuleSet().LoadRemote(context.Background(), srv.Client(), "wrong", srv.URL)
	if !errors.Is(err, ErrRemoteStatus) {
		t.Errorf("expected ErrRemoteStatus, got %v", err)
	}
}

func TestRuleSet_RulesPhaseOrder(t *testing.T) {
	rs := loadTestRules(t)
	rules := rs.Rules()
	if len(rules) != 5 {
		t.Fatalf("expected 5 rules, got %d", len(rules))
	}
	if rules[0].ID != 1003 {
		t.Errorf("expected connection rule first, got %d", rules[0].ID)
	}
	if rules[len(rules)-1].ID != 1005 {
		t.Errorf("expected response rule last, got %d", rules[len(rules)-1].ID)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"aé", 2, "a..."},
		{"日本語", 4, "日..."},
		{"日本語", 6, "日本..."},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.max)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.max)
		}
	}
}
