package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkingovr/wafguard/api"
)

// DefaultMaxMemory bounds how many records a JSONLStore keeps for queries.
const DefaultMaxMemory = 10000

// segmentLayout names the per-day audit files: audit-2006-01-02.jsonl.
const segmentLayout = "audit-2006-01-02.jsonl"

// JSONLStore appends audit records to one JSON-lines file per day and keeps
// the newest records in memory for the admin API.
type JSONLStore struct {
	dir string

	mu     sync.Mutex
	seg    *segment
	recent *ring

	subs *fanout
}

// NewJSONLStore creates a JSONL audit store writing to dir. maxMem <= 0
// selects DefaultMaxMemory.
func NewJSONLStore(dir string, maxMem int) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	if maxMem <= 0 {
		maxMem = DefaultMaxMemory
	}
	return &JSONLStore{
		dir:    dir,
		recent: newRing(maxMem),
		subs:   newFanout(),
	}, nil
}

// Write fills in a missing ID and timestamp, appends the record to the
// segment for its day, and publishes it to subscribers.
func (s *JSONLStore) Write(_ context.Context, rec *api.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	s.mu.Lock()
	name := rec.Timestamp.Format(segmentLayout)
	if s.seg == nil || s.seg.name != name {
		if err := s.roll(name); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if err := s.seg.append(rec); err != nil {
		s.mu.Unlock()
		return err
	}
	s.recent.push(rec)
	s.mu.Unlock()

	s.subs.publish(rec)
	return nil
}

// roll closes the current segment and opens name. Caller holds mu.
func (s *JSONLStore) roll(name string) error {
	if s.seg != nil {
		if err := s.seg.close(); err != nil {
			return err
		}
		s.seg = nil
	}
	seg, err := openSegment(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	seg.name = name
	s.seg = seg
	return nil
}

// Query returns the retained records matching f, oldest first, after
// skipping f.Offset matches and stopping at f.Limit.
func (s *JSONLStore) Query(_ context.Context, f api.QueryFilter) ([]*api.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*api.AuditRecord
	skip := f.Offset
	s.recent.each(func(r *api.AuditRecord) bool {
		if !matchesFilter(r, f) {
			return true
		}
		if skip > 0 {
			skip--
			return true
		}
		out = append(out, r)
		return f.Limit <= 0 || len(out) < f.Limit
	})
	return out, nil
}

func (s *JSONLStore) Stats(_ context.Context) (*api.AuditStats, error) {
	stats := &api.AuditStats{
		ByRule:   make(map[int]int),
		ByStatus: make(map[int]int),
		ByClient: make(map[string]int),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent.each(func(r *api.AuditRecord) bool {
		stats.TotalRecords++
		if r.Intervened() {
			stats.Interventions++
			stats.ByStatus[r.Intervention.Status]++
		}
		for _, m := range r.Matches {
			stats.ByRule[m.RuleID]++
		}
		if r.Client.IP != "" {
			stats.ByClient[r.Client.IP]++
		}
		return true
	})
	return stats, nil
}

// Subscribe streams records written from now on. The subscription ends
// when cancel is called, ctx is done, or the store is closed; the channel
// is closed then. Records are dropped for a subscriber that falls behind.
func (s *JSONLStore) Subscribe(ctx context.Context) (<-chan *api.AuditRecord, func()) {
	return s.subs.subscribe(ctx)
}

// Close flushes the open segment and ends every subscription.
func (s *JSONLStore) Close() error {
	s.subs.closeAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg == nil {
		return nil
	}
	err := s.seg.close()
	s.seg = nil
	return err
}

// segment is one day's audit file.
type segment struct {
	name string
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

func openSegment(path string) (*segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening audit segment: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &segment{file: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// append writes rec as one line and flushes it to the file.
func (g *segment) append(rec *api.AuditRecord) error {
	if err := g.enc.Encode(rec); err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}
	return g.buf.Flush()
}

func (g *segment) close() error {
	flushErr := g.buf.Flush()
	if err := g.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// ring keeps the newest records, overwriting the oldest once full.
type ring struct {
	buf   []*api.AuditRecord
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]*api.AuditRecord, size)}
}

func (r *ring) push(rec *api.AuditRecord) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = rec
		r.n++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

// each visits records oldest first until fn returns false.
func (r *ring) each(fn func(*api.AuditRecord) bool) {
	for i := 0; i < r.n; i++ {
		if !fn(r.buf[(r.start+i)%len(r.buf)]) {
			return
		}
	}
}

// subscriberBuffer is how many records a slow subscriber may lag behind.
const subscriberBuffer = 100

// fanout hands each published record to every live subscriber without
// blocking the writer.
type fanout struct {
	mu     sync.RWMutex
	subs   map[uint64]chan *api.AuditRecord
	next   uint64
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[uint64]chan *api.AuditRecord)}
}

func (f *fanout) subscribe(ctx context.Context) (<-chan *api.AuditRecord, func()) {
	ch := make(chan *api.AuditRecord, subscriberBuffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() { f.drop(id) }
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			cancel()
		}()
	}
	return ch, cancel
}

func (f *fanout) drop(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *fanout) publish(rec *api.AuditRecord) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

func matchesFilter(r *api.AuditRecord, f api.QueryFilter) bool {
	switch {
	case !f.Since.IsZero() && r.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && r.Timestamp.After(f.Until):
		return false
	case f.ClientIP != "" && r.Client.IP != f.ClientIP:
		return false
	case f.Intervened && !r.Intervened():
		return false
	}
	if f.RuleID == 0 {
		return true
	}
	for _, m := range r.Matches {
		if m.RuleID == f.RuleID {
			return true
		}
	}
	return false
}

var _ Store = (*JSONLStore)(nil)
