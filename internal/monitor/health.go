package monitor

import (
	"time"

	"github.com/xiaopang/tavernai/internal/model"
)

const (
	// HealthWindow is the trailing window considered by Health.
	HealthWindow = time.Hour

	healthySuccessRate  = 0.95
	healthyMaxAvgMs     = 2000
	degradedSuccessRate = 0.80
	degradedMaxAvgMs    = 5000
)

// Health labels provider from its entries in the last hour. A provider with no
// recent entries is unhealthy.
func (s *Store) Health(provider model.ProviderName) model.HealthLabel {
	cutoff := s.now().Add(-HealthWindow)

	s.mu.RLock()
	var total, ok int
	var sumMs int64
	for i := range s.metrics {
		m := &s.metrics[i]
		if m.Provider != provider || !m.Timestamp.After(cutoff) {
			continue
		}
		total++
		sumMs += m.ResponseTimeMs
		if m.Success {
			ok++
		}
	}
	s.mu.RUnlock()

	return classify(total, ok, sumMs)
}

func classify(total, ok int, sumMs int64) model.HealthLabel {
	if total == 0 {
		return model.HealthUnhealthy
	}
	rate := float64(ok) / float64(total)
	avg := float64(sumMs) / float64(total)
	switch {
	case rate >= healthySuccessRate && avg < healthyMaxAvgMs:
		return model.HealthHealthy
	case rate >= degradedSuccessRate && avg < degradedMaxAvgMs:
		return model.HealthDegraded
	default:
		return model.HealthUnhealthy
	}
}
