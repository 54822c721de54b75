package budget

import (
	"math"
	"sync"

	"go.uber.org/zap"
)

const (
	driftWindow        = 20
	driftWarnThreshold = 15.0
)

type usagePair struct {
	requestID string
	estimated int
	actual    int
}

// DriftTracker compares estimated against actual token counts for the most
// recent requests.
type DriftTracker struct {
	logger *zap.Logger

	mu    sync.Mutex
	pairs []usagePair
}

// NewDriftTracker creates an empty tracker.
func NewDriftTracker(logger *zap.Logger) *DriftTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DriftTracker{logger: logger}
}

// Record stores one pair. Non-positive actual counts are ignored.
func (t *DriftTracker) Record(requestID string, estimated, actual int) {
	if actual <= 0 {
		return
	}
	drift := math.Abs(float64(estimated-actual)) / float64(actual) * 100
	if drift > driftWarnThreshold {
		t.logger.Warn("token estimate drift above threshold",
			zap.String("request_id", requestID),
			zap.Int("estimated", estimated),
			zap.Int("actual", actual),
			zap.Float64("drift_pct", drift))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pairs = append(t.pairs, usagePair{requestID: requestID, estimated: estimated, actual: actual})
	if n := len(t.pairs); n > driftWindow {
		t.pairs = append(t.pairs[:0:0], t.pairs[n-driftWindow:]...)
	}
}

// Accuracy returns the mean estimated/actual ratio; ok is false when nothing
// has been recorded.
func (t *DriftTracker) Accuracy() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pairs) == 0 {
		return 0, false
	}
	var sum float64
	for _, p := range t.pairs {
		sum += float64(p.estimated) / float64(p.actual)
	}
	return sum / float64(len(t.pairs)), true
}

// Len returns the number of retained pairs.
func (t *DriftTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pairs)
}
