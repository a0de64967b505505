// Package adaptive picks HTTP server limits per environment and tightens them
// when the process heap grows past a threshold.
package adaptive

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/xiaopang/tavernai/internal/config"
	"github.com/xiaopang/tavernai/internal/logger"
)

const (
	minConnections = 5
	minTimeout     = time.Second
)

// Limits are the server limits in effect.
type Limits struct {
	MaxConnections   int           `json:"max_connections"`
	Timeout          time.Duration `json:"timeout"`
	KeepAliveTimeout time.Duration `json:"keep_alive_timeout"`
	HeadersTimeout   time.Duration `json:"headers_timeout"`
	RequestTimeout   time.Duration `json:"request_timeout"`
	BodyLimitBytes   int64         `json:"body_limit_bytes"`
	Compression      bool          `json:"compression"`
}

// LimitsFor returns the baseline limits of an environment.
func LimitsFor(env config.Environment) Limits {
	switch env {
	case config.EnvTest:
		return Limits{
			MaxConnections:   10,
			Timeout:          5 * time.Second,
			KeepAliveTimeout: time.Second,
			HeadersTimeout:   2 * time.Second,
			RequestTimeout:   3 * time.Second,
			BodyLimitBytes:   1 << 20,
		}
	case config.EnvDevelopment:
		return Limits{
			MaxConnections:   50,
			Timeout:          30 * time.Second,
			KeepAliveTimeout: 5 * time.Second,
			HeadersTimeout:   10 * time.Second,
			RequestTimeout:   15 * time.Second,
			BodyLimitBytes:   10 << 20,
			Compression:      true,
		}
	default:
		return Limits{
			MaxConnections:   1000,
			Timeout:          120 * time.Second,
			KeepAliveTimeout: 65 * time.Second,
			HeadersTimeout:   60 * time.Second,
			RequestTimeout:   30 * time.Second,
			BodyLimitBytes:   50 << 20,
			Compression:      true,
		}
	}
}

// Manager holds the live limits.
type Manager struct {
	mu        sync.RWMutex
	limits    Limits
	threshold uint64
	factor    float64
	interval  time.Duration
	readHeap  func() uint64
	log       *logger.Logger
}

// NewManager starts from the environment baseline.
func NewManager(env config.Environment, cfg config.AdaptiveConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	factor := cfg.ShrinkFactor
	if factor <= 0 || factor > 1 {
		factor = 0.8
	}
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Manager{
		limits:    LimitsFor(env),
		threshold: uint64(cfg.MemoryThresholdMB) << 20,
		factor:    factor,
		interval:  interval,
		readHeap:  heapInUse,
		log:       log,
	}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Limits returns a snapshot of the current limits.
func (m *Manager) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// MaxConnections 当前并发上限
func (m *Manager) MaxConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits.MaxConnections
}

// Sample shrinks MaxConnections and Timeout when heapBytes is over the
// threshold. It reports whether the limits changed. A zero threshold disables
// shrinking.
func (m *Manager) Sample(heapBytes uint64) bool {
	if m.threshold == 0 || heapBytes <= m.threshold {
		return false
	}
	m.mu.Lock()
	prev := m.limits
	m.limits.MaxConnections = max(minConnections, int(math.Round(float64(prev.MaxConnections)*m.factor)))
	m.limits.Timeout = max(minTimeout, time.Duration(math.Round(float64(prev.Timeout)*m.factor)))
	cur := m.limits
	m.mu.Unlock()

	if cur.MaxConnections == prev.MaxConnections && cur.Timeout == prev.Timeout {
		return false
	}
	m.log.Warn("memory threshold exceeded, tightening limits",
		"heap_mb", heapBytes>>20,
		"max_connections", cur.MaxConnections,
		"timeout", cur.Timeout)
	return true
}

// Run samples the heap until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(m.readHeap())
		}
	}
}
