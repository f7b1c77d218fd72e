package engine

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tkingovr/wafguard/internal/policy"
)

// Remote is a rule source fetched over HTTP.
type Remote struct {
	Key string `yaml:"key" json:"key"`
	URL string `yaml:"url" json:"url"`
}

// RuleSources lists where rules come from, loaded in field order.
type RuleSources struct {
	Paths   []string
	Inline  []string
	Remotes []Remote

	// OverwriteOnSuccess loads all remotes into a fresh set that replaces the
	// local and inline rules only if every remote loads. Otherwise remotes
	// are merged into the local set one by one.
	OverwriteOnSuccess bool
}

// LoadReport summarizes a BuildRuleSet run.
type LoadReport struct {
	Loaded    int  `json:"loaded"`
	Failed    int  `json:"failed"`
	Remote    bool `json:"remote"`    // remote rules replaced the local set
	Discarded bool `json:"discarded"` // a remote failure discarded the fresh remote set
}

// BuildRuleSet loads every source into a rule set. Load failures are logged
// and skipped; the returned set is always usable.
func BuildRuleSet(ctx context.Context, src RuleSources, client *http.Client, logger *slog.Logger) (*policy.RuleSet, LoadReport) {
	if logger == nil {
		logger = slog.Default()
	}
	var report LoadReport
	rules := policy.NewRuleSet()

	for _, path := range src.Paths {
		n, err := rules.LoadPath(path)
		if err != nil {
			report.Failed++
			logger.Error("failed to load rules", "path", path, "error", err)
			continue
		}
		report.Loaded += n
		logger.Info("rules loaded", "path", path, "count", n)
	}
	for i, text := range src.Inline {
		n, err := rules.LoadInline(text)
		if err != nil {
			report.Failed++
			logger.Error("failed to load inline rules", "index", i, "error", err)
			continue
		}
		report.Loaded += n
		logger.Info("inline rules loaded", "index", i, "count", n)
	}

	if len(src.Remotes) == 0 {
		return rules, report
	}

	if !src.OverwriteOnSuccess {
		for _, r := range src.Remotes {
			n, err := rules.LoadRemote(ctx, client, r.Key, r.URL)
			if err != nil {
				report.Failed++
				logger.Error("failed to load remote rules", "url", r.URL, "error", err)
				continue
			}
			report.Loaded += n
			logger.Info("remote rules loaded", "url", r.URL, "count", n)
		}
		return rules, report
	}

	fresh := policy.NewRuleSet()
	loaded := 0
	for _, r := range src.Remotes {
		n, err := fresh.LoadRemote(ctx, client, r.Key, r.URL)
		if err != nil {
			report.Failed++
			report.Discarded = true
			logger.Error("failed to load remote rules, keeping local rules", "url", r.URL, "error", err)
			return rules, report
		}
		loaded += n
		logger.Info("remote rules loaded", "url", r.URL, "count", n)
	}
	report.Loaded = loaded
	report.Remote = true
	return fresh, report
}
