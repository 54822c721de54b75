package budget

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"multiai-chat/internal/domain"
	"multiai-chat/internal/prepare"
)

func genHistory(maxLen, maxRunes int) *rapid.Generator[[]prepare.TemporaryMessage] {
	return rapid.Custom(func(t *rapid.T) []prepare.TemporaryMessage {
		contents := rapid.SliceOfN(rapid.StringN(0, maxRunes, -1), 1, maxLen).Draw(t, "contents")
		return msgs(contents...)
	})
}

func TestProperty_TruncateNoOpWithinBudget(t *testing.T) {
	m := New(nil, nil)
	rapid.Check(t, func(rt *rapid.T) {
		history := genHistory(30, 200).Draw(rt, "history")
		reserved := rapid.IntRange(0, 5000).Draw(rt, "reserved")
		id := rapid.SampledFrom([]domain.BackendID{domain.BackendClaude, domain.BackendMistral, "other"}).Draw(rt, "backend")

		total := 0
		for _, msg := range history {
			total += Estimate(msg.Content)
		}
		got, truncated := m.Truncate(history, id, reserved)
		if total <= m.Available(id, reserved) {
			require.False(rt, truncated)
			require.Equal(rt, history, got)
		} else {
			require.True(rt, truncated)
		}
	})
}

func TestProperty_TruncateNeverEmptiesHistory(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		budget := rapid.IntRange(1, 2000).Draw(rt, "budget")
		m := New(map[domain.BackendID]int{"b": budget}, nil)
		history := genHistory(20, 3000).Draw(rt, "history")
		reserved := rapid.IntRange(0, 2000).Draw(rt, "reserved")

		got, truncated := m.Truncate(history, "b", reserved)
		require.NotEmpty(rt, got)
		require.Equal(rt, history[len(history)-1], got[len(got)-1], "newest message always survives")
		require.Equal(rt, history[len(history)-len(got):], got, "result is a suffix")

		if Estimate(history[len(history)-1].Content) > m.Available("b", reserved) {
			require.True(rt, truncated)
			require.Len(rt, got, 1)
		}
		if truncated && len(got) > 1 {
			total := 0
			for _, msg := range got {
				total += Estimate(msg.Content)
			}
			require.LessOrEqual(rt, total, m.Available("b", reserved))
		}
	})
}
