package filter

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tkingovr/wafguard/api"
	"github.com/tkingovr/wafguard/internal/engine"
	"github.com/tkingovr/wafguard/internal/metrics"
	"github.com/tkingovr/wafguard/internal/policy"
)

// DefaultConnector identifies the filter to the engine and in audit records.
const DefaultConnector = "wafguard v0.1.0 (ModSecurity-compatible filter)"

// EngineHandle is the shared engine a Config hands transactions out of.
type EngineHandle interface {
	Connector() string
	NewTransaction(ctx context.Context, listener engine.RuleMatchListener) engine.Transaction
}

// Observer receives rule matches and audit records. Calls are made inline
// from the filter and must not block.
type Observer interface {
	RuleMatched(txID string, m api.RuleMatch)
	Audit(rec *api.AuditRecord, text string)
}

// LogObserver writes audit records to a logger at warn level and ignores
// rule matches.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) RuleMatched(string, api.RuleMatch) {}

func (o LogObserver) Audit(_ *api.AuditRecord, text string) {
	o.Logger.Warn(text)
}

// Options configures NewConfig.
type Options struct {
	Connector string
	Rules     engine.RuleSources

	// HTTPClient fetches remote rules; nil uses http.DefaultClient.
	HTTPClient *http.Client

	Logger   *slog.Logger
	Observer Observer
	Metrics  *metrics.Metrics
}

// Config is shared by every exchange. It is immutable once built; reloading
// rules builds a new Config.
type Config struct {
	connector string
	engine    EngineHandle
	rules     *policy.RuleSet
	report    engine.LoadReport
	logger    *slog.Logger
	observer  Observer
	metrics   *metrics.Metrics
}

// NewConfig loads the configured rule sources into a fresh engine.
func NewConfig(ctx context.Context, opts Options) *Config {
	opts = withDefaults(opts)
	rules, report := engine.BuildRuleSet(ctx, opts.Rules, opts.HTTPClient, opts.Logger)
	opts.Logger.Info("rule set built",
		"rules", rules.Len(),
		"failed_sources", report.Failed,
		"remote", report.Remote,
	)

	cfg := NewConfigWithEngine(engine.New(opts.Connector, rules, opts.Logger), opts)
	cfg.rules = rules
	cfg.report = report
	opts.Metrics.SetRulesLoaded(rules.Len())
	return cfg
}

// NewConfigWithEngine builds a Config around an existing engine handle.
// opts.Rules and opts.HTTPClient are ignored.
func NewConfigWithEngine(h EngineHandle, opts Options) *Config {
	opts = withDefaults(opts)
	return &Config{
		connector: h.Connector(),
		engine:    h,
		logger:    opts.Logger,
		observer:  opts.Observer,
		metrics:   opts.Metrics,
	}
}

func withDefaults(opts Options) Options {
	if opts.Connector == "" {
		opts.Connector = DefaultConnector
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = LogObserver{Logger: opts.Logger}
	}
	return opts
}

// Connector returns the connector identity.
func (c *Config) Connector() string {
	return c.connector
}

// Rules returns the rule set built by NewConfig, or nil when the Config
// wraps an external engine.
func (c *Config) Rules() *policy.RuleSet {
	return c.rules
}

// LoadReport summarizes how the rule sources loaded.
func (c *Config) LoadReport() engine.LoadReport {
	return c.report
}

// Logger returns the logger shared by the filters.
func (c *Config) Logger() *slog.Logger {
	return c.logger
}
