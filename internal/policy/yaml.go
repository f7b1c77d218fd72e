package policy

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tkingovr/wafguard/api"
)

// maxMatchData bounds the matched value copied into a Result.
const maxMatchData = 64

// yamlRules evaluates compiled YAML rules in declaration order.
type yamlRules struct {
	byPhase map[api.Phase][]*compiledRule
}

type compiledRule struct {
	Rule

	regex    *regexp.Regexp
	prefixes []netip.Prefix
	phrases  []string
	number   float64
	secrets  []secretPattern
	entropy  bool
}

func newYAMLRules() *yamlRules {
	return &yamlRules{byPhase: make(map[api.Phase][]*compiledRule)}
}

func compileRule(r Rule) (*compiledRule, error) {
	cr := &compiledRule{Rule: r}
	switch r.Operator {
	case "rx":
		re, err := regexp.Compile(r.Argument)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		cr.regex = re
	case "ipmatch":
		for _, s := range strings.Split(r.Argument, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if !strings.Contains(s, "/") {
				addr, err := netip.ParseAddr(s)
				if err != nil {
					return nil, fmt.Errorf("rule %d: ipmatch %q: %w", r.ID, s, err)
				}
				cr.prefixes = append(cr.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
				continue
			}
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("rule %d: ipmatch %q: %w", r.ID, s, err)
			}
			cr.prefixes = append(cr.prefixes, p)
		}
	case "pm":
		for _, p := range strings.Fields(r.Argument) {
			cr.phrases = append(cr.phrases, strings.ToLower(p))
		}
	case "eq", "gt", "lt", "ge", "le":
		n, err := strconv.ParseFloat(strings.TrimSpace(r.Argument), 64)
		if err != nil {
			return nil, fmt.Errorf("rule %d: numeric argument %q: %w", r.ID, r.Argument, err)
		}
		cr.number = n
	case OperatorDetectSecrets:
		patterns, entropy, unknown := secretDetectors(r.Argument)
		if unknown != "" {
			return nil, fmt.Errorf("rule %d: unknown secret detector %q", r.ID, unknown)
		}
		cr.secrets, cr.entropy = patterns, entropy
	}
	return cr, nil
}

func (y *yamlRules) add(rules []*compiledRule) {
	for _, r := range rules {
		y.byPhase[r.Phase] = append(y.byPhase[r.Phase], r)
	}
}

func (y *yamlRules) len() int {
	n := 0
	for _, rules := range y.byPhase {
		n += len(rules)
	}
	return n
}

// Evaluate checks the rules bound to in.Phase, yielding every match until
// yield returns false.
func (y *yamlRules) Evaluate(_ context.Context, in *Input, yield func(Result) bool) error {
	for _, rule := range y.byPhase[in.Phase] {
		data, ok := rule.match(in)
		if !ok {
			continue
		}
		res := Result{
			RuleID:  rule.ID,
			Action:  rule.Action,
			Status:  rule.Status,
			Log:     rule.Log,
			Message: rule.Message,
			Data:    truncate(data, maxMatchData),
		}
		if !yield(res) {
			return nil
		}
	}
	return nil
}

func (r *compiledRule) match(in *Input) (string, bool) {
	for _, v := range r.Variables {
		for _, value := range resolve(v, in) {
			value = r.transform(value)
			if r.Operator == OperatorDetectSecrets {
				// The detector name stands in for the value so the secret
				// never reaches the audit log.
				name, found := r.detectSecret(value)
				if found != r.Negate {
					return name, true
				}
				continue
			}
			if r.operate(value) != r.Negate {
				return value, true
			}
		}
	}
	return "", false
}

func (r *compiledRule) transform(s string) string {
	for _, t := range r.Transforms {
		switch t {
		case "lowercase":
			s = strings.ToLower(s)
		case "urldecode":
			if d, err := url.QueryUnescape(s); err == nil {
				s = d
			}
		case "trim":
			s = strings.TrimSpace(s)
		case "compresswhitespace":
			s = strings.Join(strings.Fields(s), " ")
		}
	}
	return s
}

func (r *compiledRule) operate(value string) bool {
	switch r.Operator {
	case "rx":
		return r.regex.MatchString(value)
	case "contains":
		return strings.Contains(value, r.Argument)
	case "streq":
		return value == r.Argument
	case "beginswith":
		return strings.HasPrefix(value, r.Argument)
	case "endswith":
		return strings.HasSuffix(value, r.Argument)
	case "pm":
		lower := strings.ToLower(value)
		for _, p := range r.phrases {
			if strings.Contains(lower, p) {
				return true
			}
		}
		return false
	case "ipmatch":
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return false
		}
		for _, p := range r.prefixes {
			if p.Contains(addr.Unmap()) {
				return true
			}
		}
		return false
	case "eq", "gt", "lt", "ge", "le":
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return false
		}
		switch r.Operator {
		case "eq":
			return n == r.number
		case "gt":
			return n > r.number
		case "lt":
			return n < r.number
		case "ge":
			return n >= r.number
		default:
			return n <= r.number
		}
	}
	return false
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
