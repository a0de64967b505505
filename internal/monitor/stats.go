package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/xiaopang/tavernai/internal/model"
)

// tokenRateWindow is the trailing window used by TokensPerSecond.
const tokenRateWindow = time.Minute

func matches(m *model.Metric, provider model.ProviderName) bool {
	return provider == "" || m.Provider == provider
}

// Stats aggregates all entries for provider, or every entry when provider is
// empty. The mean covers failed calls as well.
func (s *Store) Stats(provider model.ProviderName) model.ProviderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := model.ProviderStats{Provider: provider}
	var totalTime int64
	for i := range s.metrics {
		m := &s.metrics[i]
		if !matches(m, provider) {
			continue
		}
		accumulate(&st, m)
		totalTime += m.ResponseTimeMs
	}
	finish(&st, totalTime)
	return st
}

// ProviderStats returns one entry per provider in first-seen order.
func (s *Store) ProviderStats() []model.ProviderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index := make(map[model.ProviderName]int)
	var out []model.ProviderStats
	var times []int64
	for i := range s.metrics {
		m := &s.metrics[i]
		idx, ok := index[m.Provider]
		if !ok {
			idx = len(out)
			index[m.Provider] = idx
			out = append(out, model.ProviderStats{Provider: m.Provider})
			times = append(times, 0)
		}
		accumulate(&out[idx], m)
		times[idx] += m.ResponseTimeMs
	}
	for i := range out {
		finish(&out[i], times[i])
	}
	return out
}

func accumulate(st *model.ProviderStats, m *model.Metric) {
	st.TotalRequests++
	if m.Success {
		st.SuccessfulRequests++
		st.TotalTokens += int64(m.TokenCount)
		return
	}
	st.FailedRequests++
	if st.LastErrorTime == nil || !m.Timestamp.Before(*st.LastErrorTime) {
		ts := m.Timestamp
		st.LastErrorTime = &ts
		st.LastError = m.Error
	}
}

func finish(st *model.ProviderStats, totalTime int64) {
	if st.TotalRequests == 0 {
		return
	}
	st.AverageResponseTimeMs = float64(totalTime) / float64(st.TotalRequests)
	st.UptimePercent = 100 * float64(st.SuccessfulRequests) / float64(st.TotalRequests)
}

// Overall summarizes the whole log.
func (s *Store) Overall() model.OverallStats {
	st := s.Stats("")
	o := model.OverallStats{
		TotalRequests:         st.TotalRequests,
		SuccessfulRequests:    st.SuccessfulRequests,
		FailedRequests:        st.FailedRequests,
		AverageResponseTimeMs: st.AverageResponseTimeMs,
		TotalTokens:           st.TotalTokens,
		SuccessRate:           st.UptimePercent,
	}
	return o
}

// Percentiles computes nearest-rank response time percentiles over successful
// entries. An empty set yields zeros.
func (s *Store) Percentiles(provider model.ProviderName) model.Percentiles {
	s.mu.RLock()
	var times []int64
	for i := range s.metrics {
		m := &s.metrics[i]
		if m.Success && matches(m, provider) {
			times = append(times, m.ResponseTimeMs)
		}
	}
	s.mu.RUnlock()

	if len(times) == 0 {
		return model.Percentiles{}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return model.Percentiles{
		P50: nearestRank(times, 50),
		P90: nearestRank(times, 90),
		P95: nearestRank(times, 95),
		P99: nearestRank(times, 99),
	}
}

// nearestRank returns sorted[ceil(p/100*n)-1], computed in integers.
func nearestRank(sorted []int64, p int) int64 {
	n := len(sorted)
	idx := (p*n+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// ErrorRate returns the failed percentage of entries with timestamp at or
// after now-window. A zero window covers the whole log.
func (s *Store) ErrorRate(provider model.ProviderName, window time.Duration) float64 {
	var start time.Time
	if window > 0 {
		start = s.now().Add(-window)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var total, failed int
	for i := range s.metrics {
		m := &s.metrics[i]
		if !matches(m, provider) || m.Timestamp.Before(start) {
			continue
		}
		total++
		if !m.Success {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(failed) / float64(total)
}

// TokensPerSecond is the token throughput of successful calls in the last
// minute that reported usage.
func (s *Store) TokensPerSecond(provider model.ProviderName) float64 {
	start := s.now().Add(-tokenRateWindow)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var tokens, ms int64
	for i := range s.metrics {
		m := &s.metrics[i]
		if !m.Success || m.TokenCount <= 0 || !matches(m, provider) || m.Timestamp.Before(start) {
			continue
		}
		tokens += int64(m.TokenCount)
		ms += m.ResponseTimeMs
	}
	if ms == 0 {
		return 0
	}
	return float64(tokens) / (float64(ms) / 1000)
}

// Track times fn and records its outcome. The error from fn is returned as is.
func (s *Store) Track(ctx context.Context, provider model.ProviderName, op model.Operation, modelName string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	m := model.Metric{
		Provider:       provider,
		Operation:      op,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Success:        err == nil,
		Model:          modelName,
	}
	if err != nil {
		m.Error = err.Error()
	}
	s.Record(m)
	return err
}
