package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DigestData is the structured running summary of a conversation.
type DigestData struct {
	Goal                string    `json:"goal" cbor:"goal"`
	KeyDecisions        []string  `json:"keyDecisions" cbor:"keyDecisions"`
	FactsAndConstraints []string  `json:"factsAndConstraints" cbor:"factsAndConstraints"`
	OpenQuestions       []string  `json:"openQuestions" cbor:"openQuestions"`
	Version             int       `json:"version" cbor:"version"`
	LastUpdatedTurn     int       `json:"lastUpdatedTurn" cbor:"lastUpdatedTurn"`
	Timestamp           time.Time `json:"timestamp" cbor:"timestamp"`
}

// TokenCount estimates the digest footprint at four characters per token.
func (d DigestData) TokenCount() int {
	return DigestTokens(d.Goal, d.KeyDecisions, d.FactsAndConstraints, d.OpenQuestions)
}

// IsEmpty reports whether the digest has nothing worth injecting.
func (d DigestData) IsEmpty() bool {
	return d.Goal == "" && len(d.KeyDecisions) == 0 &&
		len(d.FactsAndConstraints) == 0 && len(d.OpenQuestions) == 0
}

// DigestTokens estimates the footprint of the given digest parts.
func DigestTokens(goal string, decisions, constraints, questions []string) int {
	n := utf8.RuneCountInString(goal) +
		utf8.RuneCountInString(strings.Join(decisions, "")) +
		utf8.RuneCountInString(strings.Join(constraints, "")) +
		utf8.RuneCountInString(strings.Join(questions, ""))
	return n / 4
}
