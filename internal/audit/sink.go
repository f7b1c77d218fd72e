package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tkingovr/wafguard/api"
	"github.com/tkingovr/wafguard/internal/metrics"
)

// DefaultQueueSize is the number of audit records a Sink buffers before dropping.
const DefaultQueueSize = 1024

// Sink receives rule matches and audit records from filter transactions.
// It never blocks the caller: records are handed to a background writer
// through a bounded queue and dropped when the queue is full.
type Sink struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan *api.AuditRecord
	done   chan struct{}
}

// NewSink starts a sink writing to store. store may be nil, in which case
// records are only logged.
func NewSink(store Store, queueSize int, logger *slog.Logger, m *metrics.Metrics) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Sink{
		store:   store,
		logger:  logger,
		metrics: m,
		queue:   make(chan *api.AuditRecord, queueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// RuleMatched logs matches of rules flagged for logging.
func (s *Sink) RuleMatched(txID string, m api.RuleMatch) {
	if !m.Log && !m.Disruptive {
		return
	}
	s.logger.Info("rule matched",
		"transaction", txID,
		"rule_id", m.RuleID,
		"phase", m.Phase,
		"disruptive", m.Disruptive,
		"msg", m.Message,
	)
}

// Audit logs the formatted record and queues it for the store.
func (s *Sink) Audit(rec *api.AuditRecord, text string) {
	s.logger.Warn(text)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.store == nil {
		return
	}
	select {
	case s.queue <- rec:
	default:
		s.metrics.RecordAuditDropped()
		s.logger.Error("audit queue full, dropping record", "id", rec.ID)
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return nil
}

func (s *Sink) run() {
	defer close(s.done)
	for rec := range s.queue {
		if err := s.store.Write(context.Background(), rec); err != nil {
			s.logger.Error("failed to write audit record", "id", rec.ID, "error", err)
		}
	}
}
