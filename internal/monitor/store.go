// Package monitor keeps the bounded log of provider call outcomes and derives
// stats, percentiles and health labels from it.
package monitor

import (
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/xiaopang/tavernai/internal/logger"
	"github.com/xiaopang/tavernai/internal/model"
	"github.com/xiaopang/tavernai/internal/store"
)

const (
	DefaultCapacity     = 1000
	DefaultPersistLimit = 500
)

// Observer receives every metric after it is recorded.
type Observer interface {
	Observe(m model.Metric)
}

// Store owns the metric log. All stats are recomputed from it on demand.
type Store struct {
	mu       sync.RWMutex
	metrics  []model.Metric
	capacity int
	enabled  bool

	persistMu    sync.Mutex
	kv           store.KV
	persistLimit int

	archiver  store.Archiver
	observers []Observer
	now       func() time.Time
	log       *logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity sets the history bound.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithPersistence writes the most recent limit entries to kv after each record.
func WithPersistence(kv store.KV, limit int) Option {
	return func(s *Store) {
		s.kv = kv
		if limit >= 0 && limit <= DefaultPersistLimit {
			s.persistLimit = limit
		}
	}
}

// WithArchiver keeps every recorded metric in long-term history as well.
func WithArchiver(a store.Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for swallowed persistence errors.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observers = append(s.observers, o) }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		capacity:     DefaultCapacity,
		persistLimit: DefaultPersistLimit,
		enabled:      true,
		now:          time.Now,
		log:          logger.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record stamps m with a fresh id and the current time, appends it and drops
// the oldest entries beyond capacity. It never fails.
func (s *Store) Record(m model.Metric) {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	m.ID = uuid.NewString()
	m.Timestamp = s.now()
	if m.ResponseTimeMs < 0 {
		m.ResponseTimeMs = 0
	}
	if m.TokenCount < 0 {
		m.TokenCount = 0
	}
	s.metrics = append(s.metrics, m)
	s.truncateLocked()
	observers := s.observers
	s.mu.Unlock()

	for _, o := range observers {
		o.Observe(m)
	}
	if s.archiver != nil {
		if err := s.archiver.ArchiveMetric(&m); err != nil {
			s.log.Warn("failed to archive metric", "id", m.ID, "error", err)
		}
	}
	s.persist()
}

func (s *Store) truncateLocked() {
	if excess := len(s.metrics) - s.capacity; excess > 0 {
		kept := make([]model.Metric, s.capacity)
		copy(kept, s.metrics[excess:])
		s.metrics = kept
	}
}

// Metrics returns a copy of the log in insertion order.
func (s *Store) Metrics() []model.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Metric(nil), s.metrics...)
}

// Len returns the number of entries held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.metrics)
}

// Capacity returns the history bound.
func (s *Store) Capacity() int { return s.capacity }

// Recent returns entries strictly newer than now-window.
func (s *Store) Recent(window time.Duration) []model.Metric {
	cutoff := s.now().Add(-window)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Metric
	for _, m := range s.metrics {
		if m.Timestamp.After(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// SetEnabled turns recording on or off.
func (s *Store) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// Enabled reports whether Record currently appends.
func (s *Store) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Clear drops every entry and the persisted snapshot.
func (s *Store) Clear() {
	s.mu.Lock()
	s.metrics = nil
	s.mu.Unlock()

	if s.kv == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.kv.Delete(store.KeyPerformanceMetrics); err != nil {
		s.log.Error("failed to clear persisted metrics", "error", err)
	}
}

// persist writes the newest persistLimit entries. Errors are logged only.
func (s *Store) persist() {
	if s.kv == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	start := len(s.metrics) - s.persistLimit
	if start < 0 {
		start = 0
	}
	snapshot := append([]model.Metric(nil), s.metrics[start:]...)
	s.mu.RUnlock()

	data, err := sonic.Marshal(snapshot)
	if err != nil {
		s.log.Error("failed to encode metrics", "error", err)
		return
	}
	if err := s.kv.Put(store.KeyPerformanceMetrics, data); err != nil {
		s.log.Error("failed to persist metrics", "error", err)
	}
}

// Load replaces the log with the persisted snapshot. Missing or corrupt data
// leaves the log empty.
func (s *Store) Load() int {
	if s.kv == nil {
		return 0
	}
	data, err := s.kv.Get(store.KeyPerformanceMetrics)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error("failed to load metrics", "error", err)
		}
		return 0
	}

	var loaded []model.Metric
	if err := sonic.Unmarshal(data, &loaded); err != nil {
		s.log.Error("discarding corrupt persisted metrics", "error", err)
		return 0
	}
	valid := loaded[:0]
	for _, m := range loaded {
		if validMetric(&m) {
			valid = append(valid, m)
		}
	}

	s.mu.Lock()
	s.metrics = append([]model.Metric(nil), valid...)
	s.truncateLocked()
	n := len(s.metrics)
	s.mu.Unlock()

	s.log.Info("loaded performance metrics", "count", n)
	return n
}

func validMetric(m *model.Metric) bool {
	return m.ID != "" && m.Provider != "" && m.Operation != "" && !m.Timestamp.IsZero() &&
		m.ResponseTimeMs >= 0 && m.TokenCount >= 0
}
