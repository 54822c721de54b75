package metrics

import (
	"strings"

	"multiai-chat/internal/domain"
)

const (
	corruptErrorRate = 0.2
	corruptLatencyMs = 30000.0
	staleLatencyMs   = 15000.0
)

// HealthSummary aggregates the most recent records across all backends.
// Rates are percentages.
type HealthSummary struct {
	TimeoutRate    float64 `json:"timeoutRate"`
	TruncationRate float64 `json:"truncationRate"`
	AvgLatencyMs   float64 `json:"avgLatencyMs"`
	AvgTokenDrift  float64 `json:"avgTokenDrift"`
	Samples        int     `json:"samples"`
}

// BackendHealth describes one backend over its most recent records.
type BackendHealth struct {
	Health          domain.Health `json:"health"`
	AvgLatencyMs    float64       `json:"avgLatencyMs"`
	ErrorCount      int           `json:"errorCount"`
	TruncationCount int           `json:"truncationCount"`
	FallbackCount   int           `json:"fallbackCount"`
	Samples         int           `json:"samples"`
}

// HealthSummary computes rates over the last 50 records.
func (c *Collector) HealthSummary() HealthSummary {
	recent := c.tail(summaryWindow, nil)
	if len(recent) == 0 {
		return HealthSummary{}
	}

	var timeouts, truncations, drifts int
	var latency, drift float64
	for _, m := range recent {
		if isTimeout(m) {
			timeouts++
		}
		if m.WasTruncated {
			truncations++
		}
		latency += m.LatencyMs
		if d, ok := m.DriftPercentage(); ok {
			drift += d
			drifts++
		}
	}
	n := float64(len(recent))
	s := HealthSummary{
		TimeoutRate:    float64(timeouts) / n * 100,
		TruncationRate: float64(truncations) / n * 100,
		AvgLatencyMs:   latency / n,
		Samples:        len(recent),
	}
	if drifts > 0 {
		s.AvgTokenDrift = drift / float64(drifts)
	}
	return s
}

// BackendHealth classifies id from its last 20 records: corrupted above a 20%
// error rate or 30s average latency, stale on any truncation or digest
// fallback or above 15s average latency.
func (c *Collector) BackendHealth(id domain.BackendID) BackendHealth {
	recent := c.tail(backendWindow, func(m domain.TurnMetrics) bool { return m.BackendID == id })
	var h BackendHealth
	h.Samples = len(recent)
	if h.Samples == 0 {
		return h
	}

	var latency float64
	for _, m := range recent {
		if m.Error != "" {
			h.ErrorCount++
		}
		if m.WasTruncated {
			h.TruncationCount++
		}
		if m.WasDigestFallback {
			h.FallbackCount++
		}
		latency += m.LatencyMs
	}
	n := float64(h.Samples)
	h.AvgLatencyMs = latency / n
	errorRate := float64(h.ErrorCount) / n

	switch {
	case errorRate > corruptErrorRate || h.AvgLatencyMs > corruptLatencyMs:
		h.Health = domain.Corrupted
	case h.TruncationCount > 0 || h.FallbackCount > 0 || h.AvgLatencyMs > staleLatencyMs:
		h.Health = domain.Stale
	default:
		h.Health = domain.Healthy
	}
	return h
}

func isTimeout(m domain.TurnMetrics) bool {
	if m.TimedOut {
		return true
	}
	e := strings.ToLower(m.Error)
	return strings.Contains(e, "timeout") || strings.Contains(e, "timed out")
}
