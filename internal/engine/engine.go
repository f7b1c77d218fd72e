package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tkingovr/wafguard/api"
	"github.com/tkingovr/wafguard/internal/policy"
)

// RuleMatchListener is notified synchronously every time a rule matches.
// Implementations must not block.
type RuleMatchListener interface {
	OnRuleMatch(m *api.RuleMatch)
}

// Transaction is one request/response exchange inside the engine.
//
// Feed methods record data; Process methods close a phase and evaluate the
// rules bound to it. The verdict after any step is available from
// Intervention.
type Transaction interface {
	ID() string

	ProcessConnection(client, server api.Endpoint) error
	ProcessURI(uri, method, protocol string) error
	AddRequestHeader(name, value string) error
	ProcessRequestHeaders() error
	// AppendRequestBody buffers p and reports whether the append succeeded
	// along with the cumulative buffered length.
	AppendRequestBody(p []byte) (bool, int)
	RequestBodyLength() int
	ProcessRequestBody() error

	AddResponseHeader(name, value string) error
	ProcessResponseHeaders(status int, protocol string) error
	AppendResponseBody(p []byte) (bool, int)
	ResponseBodyLength() int
	ProcessResponseBody() error

	// ProcessLogging closes the transaction. Calling it more than once is a no-op.
	ProcessLogging() error

	Intervention() api.Intervention
	RuleEngineState() api.RuleEngineState
	AuditFormat() api.AuditFormat
	// AuditRelevant reports whether the audit engine wants a record for this
	// transaction even without an intervention.
	AuditRelevant() bool
	AuditRecord() *api.AuditRecord
}

// Engine owns a compiled rule set and hands out transactions against it.
// It is read-only after New and safe for concurrent use.
type Engine struct {
	connector string
	rules     *policy.RuleSet
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an engine identified by connector evaluating rules.
func New(connector string, rules *policy.RuleSet, logger *slog.Logger) *Engine {
	if rules == nil {
		rules = policy.NewRuleSet()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		connector: connector,
		rules:     rules,
		logger:    logger,
		now:       time.Now,
	}
}

// Connector returns the connector identity reported in audit records.
func (e *Engine) Connector() string {
	return e.connector
}

// Rules returns the rule set backing the engine.
func (e *Engine) Rules() *policy.RuleSet {
	return e.rules
}

// Settings returns the effective engine settings.
func (e *Engine) Settings() policy.EngineSettings {
	return e.rules.Settings()
}

// NewTransaction starts a transaction. listener may be nil.
func (e *Engine) NewTransaction(ctx context.Context, listener RuleMatchListener) Transaction {
	if ctx == nil {
		ctx = context.Background()
	}
	return &transaction{
		ctx:      ctx,
		id:       uuid.New().String(),
		engine:   e,
		settings: e.rules.Settings(),
		listener: listener,
		start:    e.now(),
	}
}
