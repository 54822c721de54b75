// Package digest maintains the bounded running summary injected into backend
// system prompts.
package digest

import (
	"strconv"
	"strings"
	"time"

	"multiai-chat/internal/domain"
)

const (
	// DefaultCeiling is the token footprint above which a digest is pruned.
	DefaultCeiling = 500
	// DefaultRefreshInterval is the number of turns without an update after
	// which a refresh is due.
	DefaultRefreshInterval = 5

	staleAge    = 5 * time.Minute
	staleTokens = 450
)

// Prune drops the oldest constraints, then the oldest decisions, until the
// footprint is within ceiling or both lists are empty. Version and Timestamp
// are left untouched, so pruning an already pruned digest returns it as is.
func Prune(d domain.DigestData, ceiling int) domain.DigestData {
	decisions := d.KeyDecisions
	constraints := d.FactsAndConstraints
	for domain.DigestTokens(d.Goal, decisions, constraints, d.OpenQuestions) > ceiling &&
		(len(decisions) > 0 || len(constraints) > 0) {
		if len(constraints) > 0 {
			constraints = constraints[1:]
		} else {
			decisions = decisions[1:]
		}
	}
	d.KeyDecisions = append([]string(nil), decisions...)
	d.FactsAndConstraints = append([]string(nil), constraints...)
	return d
}

// Cleared returns an empty digest that supersedes both d and a stored
// version floor. LastUpdatedTurn advances to turn so no refresh is due.
func Cleared(d domain.DigestData, floor, turn int, now time.Time) domain.DigestData {
	return domain.DigestData{
		Version:         max(d.Version, floor) + 1,
		LastUpdatedTurn: max(d.LastUpdatedTurn, turn),
		Timestamp:       now,
	}
}

// Format renders d as a block for a system prompt. An empty digest renders as
// the empty string.
func Format(d domain.DigestData) string {
	if d.IsEmpty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n--- Panel Digest (v")
	b.WriteString(strconv.Itoa(d.Version))
	b.WriteString(") ---\n")
	if d.Goal != "" {
		b.WriteString("Goal: " + d.Goal + "\n")
	}
	writeList(&b, "Key Decisions", d.KeyDecisions)
	writeList(&b, "Constraints", d.FactsAndConstraints)
	writeList(&b, "Open Questions", d.OpenQuestions)
	b.WriteString("--- End Digest ---\n")
	return b.String()
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(strings.Join(items, "; "))
	b.WriteString("\n")
}

// Classify reports the health of d at now. An empty digest is healthy; one
// that is old or close to the ceiling is stale.
func Classify(d domain.DigestData, now time.Time) domain.Health {
	if d.IsEmpty() {
		return domain.Healthy
	}
	if now.Sub(d.Timestamp) > staleAge || d.TokenCount() > staleTokens {
		return domain.Stale
	}
	return domain.Healthy
}
