// Package budget keeps backend prompts inside per-backend token budgets.
//
// Token counts are estimated at four characters per token. The estimate is
// deliberately simple and monotone; drift against provider-reported usage is
// tracked for calibration but never changes truncation.
package budget

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"multiai-chat/internal/domain"
	"multiai-chat/internal/prepare"
)

const (
	// DigestReserve is the slot kept free for the digest in every prompt.
	DigestReserve = 600
	// MinAvailable floors the history budget.
	MinAvailable = 100
	// FallbackBudget applies to backends without a configured budget.
	FallbackBudget = 3000
)

// DefaultBudgets are the per-backend prompt budgets in tokens.
var DefaultBudgets = map[domain.BackendID]int{
	domain.BackendClaude:  4000,
	domain.BackendChatGPT: 3500,
	domain.BackendGemini:  4000,
	domain.BackendMistral: 3000,
}

// PromptSize is the diagnostic outcome of ValidatePromptSize.
type PromptSize struct {
	Fits            bool `json:"fits"`
	EstimatedTokens int  `json:"estimatedTokens"`
	Budget          int  `json:"budget"`
}

// Manager applies token budgets. It is safe for concurrent use.
type Manager struct {
	budgets map[domain.BackendID]int
	drift   *DriftTracker
	logger  *zap.Logger
}

// New creates a Manager. overrides replace entries of DefaultBudgets;
// non-positive values are ignored.
func New(overrides map[domain.BackendID]int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "budget"))

	budgets := make(map[domain.BackendID]int, len(DefaultBudgets)+len(overrides))
	for id, n := range DefaultBudgets {
		budgets[id] = n
	}
	for id, n := range overrides {
		if n > 0 {
			budgets[id] = n
		}
	}
	return &Manager{
		budgets: budgets,
		drift:   NewDriftTracker(logger),
		logger:  logger,
	}
}

// Estimate returns the estimated token count of text, never less than one.
func Estimate(text string) int {
	return max(1, utf8.RuneCountInString(text)/4)
}

// Budget returns the total prompt budget for id.
func (m *Manager) Budget(id domain.BackendID) int {
	if n, ok := m.budgets[id]; ok {
		return n
	}
	return FallbackBudget
}

// Reserved returns the tokens held back for a digest of digestTokens.
func Reserved(digestTokens int) int {
	return max(DigestReserve, digestTokens)
}

// Available returns the history budget for id after reserving tokens.
func (m *Manager) Available(id domain.BackendID, reserved int) int {
	return max(MinAvailable, m.Budget(id)-reserved)
}

// Truncate keeps the most recent messages that fit the available budget,
// preserving chronological order. When not even the newest message fits, it
// alone is kept so a non-empty history never becomes empty.
func (m *Manager) Truncate(history []prepare.TemporaryMessage, id domain.BackendID, reserved int) ([]prepare.TemporaryMessage, bool) {
	if len(history) == 0 {
		return history, false
	}
	available := m.Available(id, reserved)

	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := Estimate(history[i].Content)
		if total+n > available {
			break
		}
		total += n
		start = i
	}

	if start == 0 {
		return history, false
	}
	if start == len(history) {
		m.logger.Warn("newest message exceeds budget, keeping it alone",
			zap.String("backend", id.String()),
			zap.Int("available", available),
			zap.Int("messages", len(history)))
		return history[len(history)-1:], true
	}

	m.logger.Debug("history truncated",
		zap.String("backend", id.String()),
		zap.Int("available", available),
		zap.Int("dropped", start),
		zap.Int("kept", len(history)-start))
	return history[start:], true
}

// ValidatePromptSize reports whether content, history and digest together fit
// the raw budget of id. It never blocks a send.
func (m *Manager) ValidatePromptSize(content string, history []prepare.TemporaryMessage, digest string, id domain.BackendID) PromptSize {
	total := Estimate(content) + Estimate(digest)
	for _, msg := range history {
		total += Estimate(msg.Content)
	}
	budget := m.Budget(id)
	return PromptSize{Fits: total <= budget, EstimatedTokens: total, Budget: budget}
}

// RecordActualUsage feeds the drift tracker.
func (m *Manager) RecordActualUsage(requestID string, estimated, actual int) {
	m.drift.Record(requestID, estimated, actual)
}

// EstimationAccuracy is the mean estimated/actual ratio over recent requests.
func (m *Manager) EstimationAccuracy() (float64, bool) {
	return m.drift.Accuracy()
}

// DebugInfo renders the budget figures for id.
func (m *Manager) DebugInfo(id domain.BackendID) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Token budget for %s:\n", id)
	fmt.Fprintf(&b, "  Total budget: %d tokens\n", m.Budget(id))
	fmt.Fprintf(&b, "  Available (after digest): %d tokens\n", m.Available(id, DigestReserve))
	fmt.Fprintf(&b, "  Reserved for digest: %d tokens\n", DigestReserve)
	if acc, ok := m.EstimationAccuracy(); ok {
		fmt.Fprintf(&b, "  Estimation accuracy: %.1f%%\n", acc*100)
	}
	return b.String()
}
