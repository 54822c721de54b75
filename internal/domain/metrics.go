package domain

import (
	"math"
	"time"
)

// TurnMetrics is the per-backend measurement recorded for one turn.
type TurnMetrics struct {
	SessionID         string    `json:"sessionId" cbor:"sessionId"`
	TurnNumber        int       `json:"turnNumber" cbor:"turnNumber"`
	Timestamp         time.Time `json:"timestamp" cbor:"timestamp"`
	BackendID         BackendID `json:"backendId" cbor:"backendId"`
	LatencyMs         float64   `json:"latencyMs" cbor:"latencyMs"`
	EstimatedTokens   int       `json:"estimatedTokens" cbor:"estimatedTokens"`
	ActualTokens      *int      `json:"actualTokens,omitempty" cbor:"actualTokens,omitempty"`
	WasTruncated      bool      `json:"wasTruncated" cbor:"wasTruncated"`
	WasDigestFallback bool      `json:"wasDigestFallback" cbor:"wasDigestFallback"`
	Error             string    `json:"error,omitempty" cbor:"error,omitempty"`
	TimedOut          bool      `json:"timedOut,omitempty" cbor:"timedOut,omitempty"`
}

// DriftPercentage returns |estimated-actual|/actual as a percentage. ok is
// false when no actual count is known.
func (m TurnMetrics) DriftPercentage() (float64, bool) {
	if m.ActualTokens == nil || *m.ActualTokens <= 0 {
		return 0, false
	}
	actual := float64(*m.ActualTokens)
	return math.Abs(float64(m.EstimatedTokens)-actual) / actual * 100, true
}
