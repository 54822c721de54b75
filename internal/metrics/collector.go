// Package metrics records per-backend turn measurements and derives health
// from them.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"multiai-chat/internal/domain"
)

const (
	defaultCapacity      = 100
	defaultSnapshotEvery = 25

	summaryWindow = 50
	backendWindow = 20

	driftLogThreshold = 15.0
)

// SnapshotFunc receives a copy of the retained metrics. It is called without
// any collector lock held.
type SnapshotFunc func(snapshot []domain.TurnMetrics)

// Options configures a Collector. Zero values take the defaults.
type Options struct {
	Capacity      int
	SnapshotEvery int
	OnSnapshot    SnapshotFunc
	// Registerer receives the Prometheus collectors; nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
	Namespace  string
	Logger     *zap.Logger
}

// Collector keeps the most recent TurnMetrics in a bounded buffer. It is safe
// for concurrent use.
type Collector struct {
	capacity      int
	snapshotEvery int
	onSnapshot    SnapshotFunc
	logger        *zap.Logger

	turnsTotal     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	truncations    *prometheus.CounterVec
	digestFallback *prometheus.CounterVec
	tokenDrift     *prometheus.HistogramVec

	mu            sync.Mutex
	recent        []domain.TurnMetrics
	sinceSnapshot int
}

// NewCollector creates a Collector.
func NewCollector(opts Options) *Collector {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = defaultSnapshotEvery
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	factory := promauto.With(opts.Registerer)

	return &Collector{
		capacity:      opts.Capacity,
		snapshotEvery: opts.SnapshotEvery,
		onSnapshot:    opts.OnSnapshot,
		logger:        opts.Logger.With(zap.String("component", "metrics")),
		recent:        make([]domain.TurnMetrics, 0, opts.Capacity),

		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: opts.Namespace,
				Name:      "backend_responses_total",
				Help:      "Backend responses by outcome",
			},
			[]string{"backend", "status"}, // status: ok, error, timeout
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: opts.Namespace,
				Name:      "backend_response_duration_seconds",
				Help:      "Backend response latency in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30, 60, 120},
			},
			[]string{"backend"},
		),
		truncations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: opts.Namespace,
				Name:      "history_truncations_total",
				Help:      "Prompts whose history was truncated to fit the budget",
			},
			[]string{"backend"},
		),
		digestFallback: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: opts.Namespace,
				Name:      "digest_fallbacks_total",
				Help:      "Prompts sent without a digest after a digest failure",
			},
			[]string{"backend"},
		),
		tokenDrift: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: opts.Namespace,
				Name:      "token_estimate_drift_percent",
				Help:      "Absolute drift between estimated and actual prompt tokens",
				Buckets:   []float64{5, 10, 15, 25, 50, 100},
			},
			[]string{"backend"},
		),
	}
}

// Record stores m, dropping the oldest entry beyond capacity, and fires the
// snapshot hook every SnapshotEvery records.
func (c *Collector) Record(m domain.TurnMetrics) {
	c.observe(m)

	c.mu.Lock()
	c.recent = append(c.recent, m)
	if n := len(c.recent); n > c.capacity {
		c.recent = append(c.recent[:0], c.recent[n-c.capacity:]...)
	}
	c.sinceSnapshot++
	var snap []domain.TurnMetrics
	if c.sinceSnapshot >= c.snapshotEvery {
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()

	if snap != nil {
		c.emit(snap)
	}
}

// ForceSnapshot fires the snapshot hook with the retained metrics, if any.
func (c *Collector) ForceSnapshot() bool {
	c.mu.Lock()
	var snap []domain.TurnMetrics
	if len(c.recent) > 0 {
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()

	if snap == nil {
		return false
	}
	c.emit(snap)
	return true
}

func (c *Collector) snapshotLocked() []domain.TurnMetrics {
	c.sinceSnapshot = 0
	return append([]domain.TurnMetrics(nil), c.recent...)
}

func (c *Collector) emit(snap []domain.TurnMetrics) {
	c.logger.Info("metrics snapshot", zap.Int("samples", len(snap)))
	if c.onSnapshot != nil {
		c.onSnapshot(snap)
	}
}

func (c *Collector) observe(m domain.TurnMetrics) {
	backend := m.BackendID.String()
	status := "ok"
	switch {
	case isTimeout(m):
		status = "timeout"
	case m.Error != "":
		status = "error"
	}
	c.turnsTotal.WithLabelValues(backend, status).Inc()
	c.latency.WithLabelValues(backend).Observe(m.LatencyMs / 1000)

	if m.WasTruncated {
		c.truncations.WithLabelValues(backend).Inc()
		c.logger.Debug("history truncated", zap.String("backend", backend), zap.Int("turn", m.TurnNumber))
	}
	if m.WasDigestFallback {
		c.digestFallback.WithLabelValues(backend).Inc()
		c.logger.Debug("digest fallback", zap.String("backend", backend), zap.Int("turn", m.TurnNumber))
	}
	if drift, ok := m.DriftPercentage(); ok {
		c.tokenDrift.WithLabelValues(backend).Observe(drift)
		if drift > driftLogThreshold {
			c.logger.Warn("high token drift",
				zap.String("backend", backend),
				zap.Float64("drift_pct", drift))
		}
	}
}

func (c *Collector) tail(n int, keep func(domain.TurnMetrics) bool) []domain.TurnMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.TurnMetrics
	for i := len(c.recent) - 1; i >= 0 && len(out) < n; i-- {
		if keep == nil || keep(c.recent[i]) {
			out = append(out, c.recent[i])
		}
	}
	return out
}

// SessionMetrics returns the retained metrics of one session, oldest first.
func (c *Collector) SessionMetrics(sessionID string) []domain.TurnMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.TurnMetrics
	for _, m := range c.recent {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of retained records.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recent)
}

// DebugSummary renders the health summary and the health of ids. With no ids
// it covers every backend seen in the retained metrics.
func (c *Collector) DebugSummary(ids ...domain.BackendID) string {
	if len(ids) == 0 {
		ids = c.seenBackends()
	}
	h := c.HealthSummary()

	var b strings.Builder
	b.WriteString("=== Metrics Summary ===\n")
	fmt.Fprintf(&b, "Recent Samples: %d\n", h.Samples)
	fmt.Fprintf(&b, "Timeout Rate: %.1f%%\n", h.TimeoutRate)
	fmt.Fprintf(&b, "Truncation Rate: %.1f%%\n", h.TruncationRate)
	fmt.Fprintf(&b, "Avg Latency: %.0fms\n", h.AvgLatencyMs)
	fmt.Fprintf(&b, "Avg Token Drift: %.1f%%\n", h.AvgTokenDrift)
	b.WriteString("\n=== Backend Health ===\n")
	for _, id := range ids {
		bh := c.BackendHealth(id)
		fmt.Fprintf(&b, "%s: %s (%d samples)\n", id, bh.Health, bh.Samples)
	}
	return b.String()
}

func (c *Collector) seenBackends() []domain.BackendID {
	c.mu.Lock()
	seen := make(map[domain.BackendID]bool)
	var ids []domain.BackendID
	for _, m := range c.recent {
		if !seen[m.BackendID] {
			seen[m.BackendID] = true
			ids = append(ids, m.BackendID)
		}
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
