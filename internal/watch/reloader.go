package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tkingovr/wafguard/internal/filter"
	"github.com/tkingovr/wafguard/internal/metrics"
)

// BuildFunc builds a fresh filter config from the configured rule sources.
type BuildFunc func(ctx context.Context) *filter.Config

// Reloader holds the filter config handed to new exchanges and replaces it
// wholesale when the rules change. Exchanges already running keep the
// config they started with.
type Reloader struct {
	build   BuildFunc
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex // serializes reloads
	current atomic.Pointer[filter.Config]
}

// NewReloader builds the initial config.
func NewReloader(ctx context.Context, build BuildFunc, logger *slog.Logger, m *metrics.Metrics) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{build: build, logger: logger, metrics: m}
	r.current.Store(build(ctx))
	return r
}

// Current returns the config for new exchanges.
func (r *Reloader) Current() *filter.Config {
	return r.current.Load()
}

// Reload rebuilds the config. If any rule source fails to load the previous
// config stays in place.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.build(ctx)
	report := cfg.LoadReport()
	if report.Failed > 0 {
		r.metrics.RecordRuleReload(false, 0)
		return fmt.Errorf("%d rule source(s) failed to load, keeping previous rules", report.Failed)
	}

	r.current.Store(cfg)
	n := 0
	if rules := cfg.Rules(); rules != nil {
		n = rules.Len()
	}
	r.metrics.RecordRuleReload(true, n)
	r.logger.Info("rules reloaded", "rules", n, "remote", report.Remote)
	return nil
}

// Run reloads on every settled change seen by fw until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context, fw *FileWatcher) error {
	return fw.Watch(ctx, func() {
		if err := r.Reload(ctx); err != nil {
			r.logger.Error("rule reload failed", "error", err)
		}
	})
}
