package policy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tkingovr/wafguard/api"
)

// Defaults applied before any source is merged.
const (
	DefaultRequestBodyLimit  = 13107200
	DefaultResponseBodyLimit = 524288
	DefaultAuditLogParts     = "ABCFHZ"
)

// EngineSettings is the effective engine configuration of a RuleSet.
type EngineSettings struct {
	RuleEngine              api.RuleEngineState `json:"rule_engine"`
	RequestBodyAccess       bool                `json:"request_body_access"`
	RequestBodyLimit        int                 `json:"request_body_limit"`
	RequestBodyLimitAction  LimitAction         `json:"request_body_limit_action"`
	ResponseBodyAccess      bool                `json:"response_body_access"`
	ResponseBodyLimit       int                 `json:"response_body_limit"`
	ResponseBodyLimitAction LimitAction         `json:"response_body_limit_action"`
	AuditEngine             AuditEngine         `json:"audit_engine"`
	AuditLogFormat          api.AuditFormat     `json:"audit_log_format"`
	AuditLogParts           string              `json:"audit_log_parts"`
}

// DefaultEngineSettings returns the settings of an empty RuleSet.
func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		RuleEngine:              api.RuleEngineOn,
		RequestBodyAccess:       true,
		RequestBodyLimit:        DefaultRequestBodyLimit,
		RequestBodyLimitAction:  LimitActionReject,
		ResponseBodyAccess:      false,
		ResponseBodyLimit:       DefaultResponseBodyLimit,
		ResponseBodyLimitAction: LimitActionProcessPartial,
		AuditEngine:             AuditEngineRelevantOnly,
		AuditLogFormat:          api.AuditFormatJSON,
		AuditLogParts:           DefaultAuditLogParts,
	}
}

func (s *EngineSettings) merge(o Settings) {
	if o.RuleEngine != "" {
		s.RuleEngine = o.RuleEngine
	}
	if o.RequestBodyAccess != nil {
		s.RequestBodyAccess = *o.RequestBodyAccess
	}
	if o.RequestBodyLimit > 0 {
		s.RequestBodyLimit = o.RequestBodyLimit
	}
	if o.RequestBodyLimitAction != "" {
		s.RequestBodyLimitAction = o.RequestBodyLimitAction
	}
	if o.ResponseBodyAccess != nil {
		s.ResponseBodyAccess = *o.ResponseBodyAccess
	}
	if o.ResponseBodyLimit > 0 {
		s.ResponseBodyLimit = o.ResponseBodyLimit
	}
	if o.ResponseBodyLimitAction != "" {
		s.ResponseBodyLimitAction = o.ResponseBodyLimitAction
	}
	if o.AuditEngine != "" {
		s.AuditEngine = o.AuditEngine
	}
	if o.AuditLogFormat != "" {
		s.AuditLogFormat = o.AuditLogFormat
	}
	if o.AuditLogParts != "" {
		s.AuditLogParts = o.AuditLogParts
	}
}

// RuleSet is the compiled collection of rules and settings built from every
// configured source. It is built once and then only read, so one RuleSet may
// back any number of concurrent transactions.
type RuleSet struct {
	settings EngineSettings
	yaml     *yamlRules
	rego     *RegoEvaluator
	ids      map[int]bool
}

// NewRuleSet creates an empty rule set with default settings.
func NewRuleSet() *RuleSet {
	return &RuleSet{
		settings: DefaultEngineSettings(),
		yaml:     newYAMLRules(),
		ids:      make(map[int]bool),
	}
}

// Settings returns the effective engine settings.
func (s *RuleSet) Settings() EngineSettings {
	return s.settings
}

// Len returns the number of YAML rules plus Rego modules.
func (s *RuleSet) Len() int {
	n := s.yaml.len()
	if s.rego != nil {
		n += s.rego.Modules()
	}
	return n
}

// Add merges a validated rule file into the set and returns how many rules
// (YAML rules plus Rego modules) it contributed. On error the set is left
// exactly as it was.
func (s *RuleSet) Add(rf *RuleFile) (int, error) {
	compiled := make([]*compiledRule, 0, len(rf.Rules))
	for _, r := range rf.Rules {
		if s.ids[r.ID] {
			return 0, fmt.Errorf("rule %d: id already loaded", r.ID)
		}
		cr, err := compileRule(r)
		if err != nil {
			return 0, err
		}
		compiled = append(compiled, cr)
	}

	rego := s.rego
	if len(rf.Rego) > 0 {
		var err error
		if rego == nil {
			rego, err = NewRegoEvaluator(rf.Rego...)
		} else {
			rego, err = rego.With(rf.Rego...)
		}
		if err != nil {
			return 0, err
		}
	}

	for _, cr := range compiled {
		s.ids[cr.ID] = true
	}
	s.yaml.add(compiled)
	s.rego = rego
	s.settings.merge(rf.Settings)
	return len(compiled) + len(rf.Rego), nil
}

// LoadPath loads a rule file from disk into the set.
func (s *RuleSet) LoadPath(path string) (int, error) {
	rf, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	return s.Add(rf)
}

// LoadInline loads inline YAML rule text into the set.
func (s *RuleSet) LoadInline(text string) (int, error) {
	rf, err := LoadBytes([]byte(text))
	if err != nil {
		return 0, err
	}
	return s.Add(rf)
}

// LoadRemote fetches rules from url with the given key and loads them into the set.
func (s *RuleSet) LoadRemote(ctx context.Context, client *http.Client, key, url string) (int, error) {
	rf, err := LoadRemote(ctx, client, key, url)
	if err != nil {
		return 0, err
	}
	return s.Add(rf)
}

// Evaluate runs YAML rules and then Rego modules for in.Phase.
func (s *RuleSet) Evaluate(ctx context.Context, in *Input, yield func(Result) bool) error {
	stopped := false
	wrapped := func(r Result) bool {
		if !yield(r) {
			stopped = true
			return false
		}
		return true
	}
	if err := s.yaml.Evaluate(ctx, in, wrapped); err != nil {
		return err
	}
	if stopped || s.rego == nil {
		return nil
	}
	return s.rego.Evaluate(ctx, in, wrapped)
}

var _ Evaluator = (*RuleSet)(nil)

var phaseOrder = []api.Phase{
	api.PhaseConnection,
	api.PhaseRequestHeaders,
	api.PhaseRequestBody,
	api.PhaseResponseHeaders,
	api.PhaseResponseBody,
}

// Rules returns the loaded YAML rules in phase order.
func (s *RuleSet) Rules() []Rule {
	var out []Rule
	for _, p := range phaseOrder {
		for _, r := range s.yaml.byPhase[p] {
			out = append(out, r.Rule)
		}
	}
	return out
}

// RegoModules returns the number of loaded Rego modules.
func (s *RuleSet) RegoModules() int {
	if s.rego == nil {
		return 0
	}
	return s.rego.Modules()
}
