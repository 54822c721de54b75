// Package router decides which backends answer a user turn.
package router

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"multiai-chat/internal/domain"
)

// DefaultGroupPhrases address the whole panel. Matching is plain substring
// containment on the lowercased message.
var DefaultGroupPhrases = []string{
	"everybody", "everyone", "all", "you all", "all of you",
	"you guys", "guys", "you gals", "gals", "ladies",
	"team", "folks", "gang", "y'all", "peeps", "people",
	"one and all", "each and everyone", "anybody", "anyone",
}

// DefaultAnalysisKeywords mark document-analysis requests.
var DefaultAnalysisKeywords = []string{
	"analyze", "document", "summarize", "review", "examine", "read", "parse", "extract", "upload",
}

const (
	defaultLongMessageThreshold = 500
	defaultAnalysisQuorum       = 4
)

// mentionPatterns are applied to each backend name; %s is the quoted name.
var mentionPatterns = []string{
	`\b%s\b[,:.]`,
	`\b%s\b\s+(?:what|how|can|could|would|should|do|tell|please|help)`,
	`^\s*%s\b`,
	`@%s\b`,
	`hey\s+%s\b`,
	`%s\s*[?!]`,
}

// Namer resolves a backend's display name.
type Namer interface {
	DisplayName(id domain.BackendID) string
}

// Options tunes the heuristics. Zero values take the defaults.
type Options struct {
	GroupPhrases     []string
	AnalysisKeywords []string
	// AnalysisBackend answers document-analysis requests when exactly
	// AnalysisQuorum backends are active.
	AnalysisBackend      domain.BackendID
	AnalysisQuorum       int
	LongMessageThreshold int
}

// Router selects participants for a message. It is safe for concurrent use
// and has no side effects beyond caching compiled patterns.
type Router struct {
	namer Namer
	opts  Options

	mu       sync.RWMutex
	patterns map[string][]*regexp.Regexp
}

// New creates a Router. namer may be nil, in which case raw ids are the only
// names recognised.
func New(namer Namer, opts Options) *Router {
	if len(opts.GroupPhrases) == 0 {
		opts.GroupPhrases = DefaultGroupPhrases
	}
	if len(opts.AnalysisKeywords) == 0 {
		opts.AnalysisKeywords = DefaultAnalysisKeywords
	}
	if opts.AnalysisBackend == "" {
		opts.AnalysisBackend = domain.BackendClaude
	}
	if opts.AnalysisQuorum <= 0 {
		opts.AnalysisQuorum = defaultAnalysisQuorum
	}
	if opts.LongMessageThreshold <= 0 {
		opts.LongMessageThreshold = defaultLongMessageThreshold
	}
	return &Router{
		namer:    namer,
		opts:     opts,
		patterns: make(map[string][]*regexp.Regexp),
	}
}

// SelectParticipants returns the backends that should answer message, in the
// order they appear in active.
func (r *Router) SelectParticipants(message string, active []domain.BackendID) []domain.BackendID {
	active = dedupe(active)
	if len(active) == 0 {
		return nil
	}
	lower := strings.ToLower(message)

	if r.isGroupAddress(lower) {
		return active
	}
	if mentioned := r.mentioned(lower, active); len(mentioned) > 0 {
		return mentioned
	}
	if picked := r.byContent(lower, active); len(picked) > 0 {
		return picked
	}
	return active
}

func (r *Router) isGroupAddress(lower string) bool {
	for _, phrase := range r.opts.GroupPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func (r *Router) mentioned(lower string, active []domain.BackendID) []domain.BackendID {
	var out []domain.BackendID
	for _, id := range active {
		if r.mentions(lower, id) {
			out = append(out, id)
		}
	}
	return out
}

func (r *Router) mentions(lower string, id domain.BackendID) bool {
	names := []string{strings.ToLower(string(id))}
	if r.namer != nil {
		if dn := strings.ToLower(strings.TrimSpace(r.namer.DisplayName(id))); dn != "" && dn != names[0] {
			names = append(names, dn)
		}
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		for _, re := range r.compiled(name) {
			if re.MatchString(lower) {
				return true
			}
		}
	}
	return false
}

// byContent applies the content heuristics. An empty result defers to the
// default so heuristics never override a multi-backend selection outside the
// two documented cases.
func (r *Router) byContent(lower string, active []domain.BackendID) []domain.BackendID {
	if containsAny(lower, r.opts.AnalysisKeywords) &&
		len(active) == r.opts.AnalysisQuorum &&
		domain.ContainsBackend(active, r.opts.AnalysisBackend) {
		return []domain.BackendID{r.opts.AnalysisBackend}
	}
	if utf8.RuneCountInString(lower) > r.opts.LongMessageThreshold {
		return active[:1]
	}
	return nil
}

func (r *Router) compiled(name string) []*regexp.Regexp {
	r.mu.RLock()
	res, ok := r.patterns[name]
	r.mu.RUnlock()
	if ok {
		return res
	}

	quoted := regexp.QuoteMeta(name)
	res = make([]*regexp.Regexp, 0, len(mentionPatterns))
	for _, p := range mentionPatterns {
		res = append(res, regexp.MustCompile(strings.ReplaceAll(p, "%s", quoted)))
	}

	r.mu.Lock()
	r.patterns[name] = res
	r.mu.Unlock()
	return res
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func dedupe(ids []domain.BackendID) []domain.BackendID {
	out := make([]domain.BackendID, 0, len(ids))
	seen := make(map[domain.BackendID]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
