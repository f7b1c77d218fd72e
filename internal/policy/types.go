package policy

import (
	"github.com/tkingovr/wafguard/api"
)

// RuleFile represents the top-level YAML rule configuration.
type RuleFile struct {
	Version  int      `yaml:"version" json:"version"`
	Settings Settings `yaml:"settings" json:"settings"`
	Rules    []Rule   `yaml:"rules" json:"rules"`

	// Rego holds inline Rego modules evaluated after the YAML rules.
	Rego []string `yaml:"rego,omitempty" json:"rego,omitempty"`
}

// Settings contains engine-wide settings. Unset fields leave the value
// inherited from previously loaded sources untouched.
type Settings struct {
	RuleEngine              api.RuleEngineState `yaml:"rule_engine,omitempty" json:"rule_engine,omitempty"`
	RequestBodyAccess       *bool               `yaml:"request_body_access,omitempty" json:"request_body_access,omitempty"`
	RequestBodyLimit        int                 `yaml:"request_body_limit,omitempty" json:"request_body_limit,omitempty"`
	RequestBodyLimitAction  LimitAction         `yaml:"request_body_limit_action,omitempty" json:"request_body_limit_action,omitempty"`
	ResponseBodyAccess      *bool               `yaml:"response_body_access,omitempty" json:"response_body_access,omitempty"`
	ResponseBodyLimit       int                 `yaml:"response_body_limit,omitempty" json:"response_body_limit,omitempty"`
	ResponseBodyLimitAction LimitAction         `yaml:"response_body_limit_action,omitempty" json:"response_body_limit_action,omitempty"`
	AuditEngine             AuditEngine         `yaml:"audit_engine,omitempty" json:"audit_engine,omitempty"`
	AuditLogFormat          api.AuditFormat     `yaml:"audit_log_format,omitempty" json:"audit_log_format,omitempty"`
	AuditLogParts           string              `yaml:"audit_log_parts,omitempty" json:"audit_log_parts,omitempty"`
}

// LimitAction selects what happens when a body exceeds its configured limit.
type LimitAction string

const (
	LimitActionReject         LimitAction = "reject"
	LimitActionProcessPartial LimitAction = "process_partial"
)

// AuditEngine controls which transactions are audit-relevant on their own,
// i.e. without an intervention.
type AuditEngine string

const (
	AuditEngineOn           AuditEngine = "on"
	AuditEngineOff          AuditEngine = "off"
	AuditEngineRelevantOnly AuditEngine = "relevant_only"
)

// Rule represents a single inspection rule.
type Rule struct {
	ID         int       `yaml:"id" json:"id"`
	Phase      api.Phase `yaml:"phase" json:"phase"`
	Variables  []string  `yaml:"variables" json:"variables"`
	Transforms []string  `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	Operator   string    `yaml:"operator" json:"operator"`
	Argument   string    `yaml:"argument,omitempty" json:"argument,omitempty"`
	Negate     bool      `yaml:"negate,omitempty" json:"negate,omitempty"`
	Action     string    `yaml:"action" json:"action"`
	Status     int       `yaml:"status,omitempty" json:"status,omitempty"`
	Log        bool      `yaml:"log,omitempty" json:"log,omitempty"`
	Message    string    `yaml:"msg,omitempty" json:"msg,omitempty"`
}

const (
	ActionDeny = "deny"
	ActionPass = "pass"
)

// Input is everything the engine has seen of one exchange so far.
type Input struct {
	Phase api.Phase

	Client api.Endpoint
	Server api.Endpoint

	Method         string
	URI            string
	Protocol       string
	RequestHeaders []api.Header
	RequestBody    []byte

	ResponseStatus   int
	ResponseProtocol string
	ResponseHeaders  []api.Header
	ResponseBody     []byte
}

// Result is one rule match produced by an Evaluator.
type Result struct {
	RuleID  int
	Action  string
	Status  int
	Log     bool
	Message string
	Data    string
}

// Disruptive reports whether the match demands the exchange be blocked.
func (r Result) Disruptive() bool {
	return r.Action == ActionDeny
}
