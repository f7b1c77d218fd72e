package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tkingovr/wafguard/api"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnsupportedVersion is returned for rule files with an unknown version.
	ErrUnsupportedVersion = errors.New("unsupported rule file version")

	// ErrRemoteStatus is returned when a remote rule source answers with a non-2xx status.
	ErrRemoteStatus = errors.New("unexpected remote rules status")
)

// RemoteKeyHeader carries the key identifying the client to a remote rule server.
const RemoteKeyHeader = "ModSec-key"

// maxRemoteSize bounds how much a remote rule source may return.
const maxRemoteSize = 16 << 20

// LoadFile reads and validates a rule file. Files ending in .rego are
// wrapped into a RuleFile carrying a single Rego module.
func LoadFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".rego") {
		return &RuleFile{Version: 1, Rego: []string{string(data)}}, nil
	}
	return LoadBytes(data)
}

// LoadBytes parses and validates YAML rule data.
func LoadBytes(data []byte) (*RuleFile, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rules YAML: %w", err)
	}
	if err := validate(&rf); err != nil {
		return nil, err
	}
	return &rf, nil
}

// LoadRemote fetches a rule file from url, identifying itself with key.
func LoadRemote(ctx context.Context, client *http.Client, key, url string) (*RuleFile, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building remote rules request: %w", err)
	}
	req.Header.Set(RemoteKeyHeader, key)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching remote rules: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrRemoteStatus, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteSize))
	if err != nil {
		return nil, fmt.Errorf("reading remote rules: %w", err)
	}
	return LoadBytes(data)
}

var validOperators = map[string]bool{
	"rx": true, "contains": true, "streq": true, "beginswith": true, "endswith": true,
	"pm": true, "ipmatch": true, "eq": true, "gt": true, "lt": true, "ge": true, "le": true,
	OperatorDetectSecrets: true,
}

var validTransforms = map[string]bool{
	"lowercase": true, "urldecode": true, "trim": true, "compresswhitespace": true,
}

func validate(rf *RuleFile) error {
	if rf.Version != 1 {
		return fmt.Errorf("%w: %d (expected 1)", ErrUnsupportedVersion, rf.Version)
	}
	if err := validateSettings(&rf.Settings); err != nil {
		return err
	}

	seen := make(map[int]bool, len(rf.Rules))
	for i, rule := range rf.Rules {
		if rule.ID <= 0 {
			return fmt.Errorf("rule %d: id must be positive", i)
		}
		if seen[rule.ID] {
			return fmt.Errorf("rule %d: duplicate id", rule.ID)
		}
		seen[rule.ID] = true

		if !rule.Phase.Valid() {
			return fmt.Errorf("rule %d: invalid phase %q", rule.ID, rule.Phase)
		}
		if rule.Action != ActionDeny && rule.Action != ActionPass {
			return fmt.Errorf("rule %d: invalid action %q", rule.ID, rule.Action)
		}
		if !validOperators[rule.Operator] {
			return fmt.Errorf("rule %d: invalid operator %q", rule.ID, rule.Operator)
		}
		if len(rule.Variables) == 0 {
			return fmt.Errorf("rule %d: at least one variable is required", rule.ID)
		}
		for _, v := range rule.Variables {
			if !knownVariable(v) {
				return fmt.Errorf("rule %d: unknown variable %q", rule.ID, v)
			}
		}
		for _, t := range rule.Transforms {
			if !validTransforms[t] {
				return fmt.Errorf("rule %d: unknown transform %q", rule.ID, t)
			}
		}
		if rule.Operator == "rx" {
			if _, err := regexp.Compile(rule.Argument); err != nil {
				return fmt.Errorf("rule %d: regex invalid: %w", rule.ID, err)
			}
		}
		if rule.Operator == OperatorDetectSecrets {
			if _, _, unknown := secretDetectors(rule.Argument); unknown != "" {
				return fmt.Errorf("rule %d: unknown secret detector %q", rule.ID, unknown)
			}
		}
	}

	return nil
}

func validateSettings(s *Settings) error {
	switch s.RuleEngine {
	case "", api.RuleEngineOn, api.RuleEngineOff, api.RuleEngineDetectionOnly:
	default:
		return fmt.Errorf("settings: invalid rule_engine %q", s.RuleEngine)
	}
	for name, a := range map[string]LimitAction{
		"request_body_limit_action":  s.RequestBodyLimitAction,
		"response_body_limit_action": s.ResponseBodyLimitAction,
	} {
		switch a {
		case "", LimitActionReject, LimitActionProcessPartial:
		default:
			return fmt.Errorf("settings: invalid %s %q", name, a)
		}
	}
	if s.RequestBodyLimit < 0 || s.ResponseBodyLimit < 0 {
		return fmt.Errorf("settings: body limits must not be negative")
	}
	switch s.AuditEngine {
	case "", AuditEngineOn, AuditEngineOff, AuditEngineRelevantOnly:
	default:
		return fmt.Errorf("settings: invalid audit_engine %q", s.AuditEngine)
	}
	switch s.AuditLogFormat {
	case "", api.AuditFormatJSON, api.AuditFormatNative:
	default:
		return fmt.Errorf("settings: invalid audit_log_format %q", s.AuditLogFormat)
	}
	for _, p := range s.AuditLogParts {
		if !strings.ContainsRune(auditParts, p) {
			return fmt.Errorf("settings: invalid audit log part %q", p)
		}
	}
	return nil
}

// auditParts lists the audit log sections the engine knows how to produce.
const auditParts = "ABCEFHZ"
