package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wafguard"

// Metrics holds the Prometheus collectors for inspection outcomes.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	exchanges      *prometheus.CounterVec
	interventions  *prometheus.CounterVec
	ruleMatches    *prometheus.CounterVec
	bodyLimits     *prometheus.CounterVec
	bypassed       *prometheus.CounterVec
	auditRecords   *prometheus.CounterVec
	auditDropped   prometheus.Counter
	engineErrors   *prometheus.CounterVec
	malformedConns prometheus.Counter
	ruleReloads    *prometheus.CounterVec
	rulesLoaded    prometheus.Gauge
}

// New registers the collectors on registry. A nil registry gets a fresh one
// carrying the Go and process collectors.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(registry)

	return &Metrics{
		registry: registry,

		exchanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchanges_total",
				Help:      "Exchanges seen by the filter, by final outcome",
			},
			[]string{"outcome"},
		),

		interventions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interventions_total",
				Help:      "Block replies issued, by direction and status code",
			},
			[]string{"direction", "status"},
		),

		ruleMatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_matches_total",
				Help:      "Rule matches reported by the engine",
			},
			[]string{"phase", "disruptive"},
		),

		bodyLimits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "body_limit_reached_total",
				Help:      "Bodies whose inspection completed early on the engine's size limit",
			},
			[]string{"direction"},
		),

		bypassed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bypassed_total",
				Help:      "Exchange sides skipped without inspection, by reason",
			},
			[]string{"reason"},
		),

		auditRecords: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_records_total",
				Help:      "Audit records emitted, by format",
			},
			[]string{"format"},
		),

		auditDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_records_dropped_total",
				Help:      "Audit records dropped because the sink queue was full",
			},
		),

		engineErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_errors_total",
				Help:      "Errors returned by engine feed operations, by phase",
			},
			[]string{"phase"},
		),

		malformedConns: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_connections_total",
				Help:      "Exchanges rejected because of missing or invalid connection addresses",
			},
		),

		ruleReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_reloads_total",
				Help:      "Rule reloads triggered by file changes, by result",
			},
			[]string{"result"},
		),

		rulesLoaded: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rules_loaded",
				Help:      "Rules in the active rule set",
			},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// RecordExchange records the outcome of a finished exchange:
// "blocked", "passed" or "bypassed".
func (m *Metrics) RecordExchange(outcome string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(outcome).Inc()
}

// RecordIntervention records an issued block reply.
func (m *Metrics) RecordIntervention(direction string, status int) {
	if m == nil {
		return
	}
	m.interventions.WithLabelValues(direction, strconv.Itoa(status)).Inc()
}

// RecordRuleMatch records a rule match reported by the engine.
func (m *Metrics) RecordRuleMatch(phase string, disruptive bool) {
	if m == nil {
		return
	}
	m.ruleMatches.WithLabelValues(phase, strconv.FormatBool(disruptive)).Inc()
}

// RecordBodyLimit records a body whose inspection was cut short by the limit.
func (m *Metrics) RecordBodyLimit(direction string) {
	if m == nil {
		return
	}
	m.bodyLimits.WithLabelValues(direction).Inc()
}

// RecordBypass records a skipped exchange side.
func (m *Metrics) RecordBypass(reason string) {
	if m == nil {
		return
	}
	m.bypassed.WithLabelValues(reason).Inc()
}

// RecordAudit records an emitted audit record.
func (m *Metrics) RecordAudit(format string) {
	if m == nil {
		return
	}
	m.auditRecords.WithLabelValues(format).Inc()
}

// RecordAuditDropped records an audit record the sink could not queue.
func (m *Metrics) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// RecordEngineError records a failed engine operation.
func (m *Metrics) RecordEngineError(phase string) {
	if m == nil {
		return
	}
	m.engineErrors.WithLabelValues(phase).Inc()
}

// RecordMalformedConnection records an exchange with unusable addresses.
func (m *Metrics) RecordMalformedConnection() {
	if m == nil {
		return
	}
	m.malformedConns.Inc()
}

// RecordRuleReload records a hot reload attempt and the resulting rule count.
func (m *Metrics) RecordRuleReload(ok bool, rules int) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.ruleReloads.WithLabelValues(result).Inc()
	if ok {
		m.rulesLoaded.Set(float64(rules))
	}
}

// SetRulesLoaded sets the active rule count.
func (m *Metrics) SetRulesLoaded(n int) {
	if m == nil {
		return
	}
	m.rulesLoaded.Set(float64(n))
}
