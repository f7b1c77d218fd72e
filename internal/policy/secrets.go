package policy

import (
	"math"
	"regexp"
	"strings"
)

// OperatorDetectSecrets matches values carrying credentials. Its argument
// names the detectors to run, space separated; empty runs all of them.
const OperatorDetectSecrets = "detectsecrets"

// DetectorHighEntropy flags quoted tokens whose Shannon entropy reaches
// highEntropyBits.
const DetectorHighEntropy = "high_entropy"

const (
	highEntropyBits      = 4.5
	highEntropyMinLength = 20
)

type secretPattern struct {
	name  string
	regex *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"aws_secret_key", regexp.MustCompile(`(?i)aws_?secret_?(?:access)?_?key['":\s]*[=:]\s*['"]?[A-Za-z0-9/+=]{40}`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,255}`)},
	{"github_pat_fine", regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,255}`)},
	{"generic_api_key", regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|api_secret)['":\s]*[=:]\s*['"]?[A-Za-z0-9\-_]{20,60}`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
	{"slack_token", regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`)},
	{"stripe_key", regexp.MustCompile(`(?:sk|pk)_(?:live|test)_[A-Za-z0-9]{20,100}`)},
	{"google_api_key", regexp.MustCompile(`AIza[A-Za-z0-9\-_]{35}`)},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9-_]+\.eyJ[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+`)},
}

// secretDetectors resolves a detectsecrets argument. An unknown name is
// reported back so the loader can reject the rule.
func secretDetectors(arg string) (patterns []secretPattern, entropy bool, unknown string) {
	names := strings.Fields(arg)
	if len(names) == 0 {
		return secretPatterns, true, ""
	}
	for _, name := range names {
		if name == DetectorHighEntropy {
			entropy = true
			continue
		}
		found := false
		for _, p := range secretPatterns {
			if p.name == name {
				patterns = append(patterns, p)
				found = true
				break
			}
		}
		if !found {
			return nil, false, name
		}
	}
	return patterns, entropy, ""
}

// detectSecret returns the name of the first detector that fires on value.
func (r *compiledRule) detectSecret(value string) (string, bool) {
	for _, p := range r.secrets {
		if p.regex.MatchString(value) {
			return p.name, true
		}
	}
	if r.entropy {
		for _, token := range quotedTokens(value) {
			if len(token) >= highEntropyMinLength && shannonEntropy(token) >= highEntropyBits {
				return DetectorHighEntropy, true
			}
		}
	}
	return "", false
}

// quotedTokens extracts double-quoted strings, honouring backslash escapes.
func quotedTokens(text string) []string {
	var tokens []string
	inQuote := false
	var current strings.Builder
	for i := 0; i < len(text); i++ {
		switch c := text[i]; {
		case c == '"':
			if inQuote && current.Len() > 0 {
				tokens = append(tokens, current.String())
			}
			current.Reset()
			inQuote = !inQuote
		case c == '\\' && i+1 < len(text):
			i++
			if inQuote {
				current.WriteByte(text[i])
			}
		case inQuote:
			current.WriteByte(c)
		}
	}
	return tokens
}

// shannonEntropy is the entropy of s in bits per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]float64)
	n := 0.0
	for _, c := range s {
		freq[c]++
		n++
	}
	entropy := 0.0
	for _, count := range freq {
		p := count / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
