package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"multiai-chat/internal/backend"
	"multiai-chat/internal/budget"
	"multiai-chat/internal/domain"
	"multiai-chat/internal/metrics"
	"multiai-chat/internal/repository"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

const longAnswer = "Postgres is the right default for this workload. It handles relational data well, " +
	"has mature tooling, and the team already knows it."

type call struct {
	content      string
	history      []domain.ChatMessage
	systemPrompt string
}

// recorder is an adapter that records its calls and answers with reply.
type recorder struct {
	mu    sync.Mutex
	calls []call
	reply backend.Reply
	err   error
}

func (r *recorder) Send(_ context.Context, content string, history []domain.ChatMessage, systemPrompt string) (backend.Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{content: content, history: history, systemPrompt: systemPrompt})
	return r.reply, r.err
}

func (r *recorder) last(t *testing.T) call {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.calls)
	return r.calls[len(r.calls)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// hang blocks until its context ends.
var hang = backend.AdapterFunc(func(ctx context.Context, _ string, _ []domain.ChatMessage, _ string) (backend.Reply, error) {
	<-ctx.Done()
	return backend.Reply{}, ctx.Err()
})

type fixture struct {
	orch     *Orchestrator
	registry *backend.Registry
	store    *repository.Memory
	metrics  *metrics.Collector
	logs     *observer.ObservedLogs
}

type fixtureOpts struct {
	adapters map[domain.BackendID]backend.Adapter
	timeouts map[domain.BackendID]time.Duration
	store    repository.Store
	digests  repository.DigestStore
	counter  budget.Counter
	now      func() time.Time
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	reg := backend.NewRegistry()
	for _, id := range backend.Order {
		a, ok := fo.adapters[id]
		if !ok {
			continue
		}
		require.NoError(t, reg.Register(backend.Info{ID: id, Timeout: fo.timeouts[id]}, a))
	}
	mem := repository.NewMemory(0)
	var store repository.Store = mem
	if fo.store != nil {
		store = fo.store
	}
	digests := fo.digests
	if digests == nil {
		digests = mem
	}
	col := metrics.NewCollector(metrics.Options{Registerer: prometheus.NewRegistry(), Logger: logger})

	o, err := New(Config{
		Registry: reg,
		Store:    store,
		Digests:  digests,
		Metrics:  col,
		Budget:   budget.New(nil, logger),
		Counter:  fo.counter,
		Logger:   logger,
		Now:      fo.now,
	})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return &fixture{orch: o, registry: reg, store: mem, metrics: col, logs: logs}
}

func ok(text string) *recorder {
	return &recorder{reply: backend.Reply{Text: text}}
}

// ---------------------------------------------------------------------------
// Full turns
// ---------------------------------------------------------------------------

func TestRunTurn_ThreeParticipantsOneTimesOut(t *testing.T) {
	claude, chatgpt := ok(longAnswer), ok("MySQL would also work.")
	f := newFixture(t, fixtureOpts{
		adapters: map[domain.BackendID]backend.Adapter{
			domain.BackendClaude:  claude,
			domain.BackendChatGPT: chatgpt,
			domain.BackendGemini:  hang,
		},
		timeouts: map[domain.BackendID]time.Duration{domain.BackendGemini: 50 * time.Millisecond},
	})
	ctx := context.Background()

	res, err := f.orch.RunTurn(ctx, TurnInput{SessionID: "s1", Text: "Which database should we use?"})
	require.NoError(t, err)

	require.Equal(t, 1, res.Turn.Number)
	require.Equal(t, []domain.BackendID{"claude", "chatgpt", "gemini"}, res.Turn.Participants)
	require.Len(t, res.Responses, 3)
	for _, r := range res.Responses {
		require.Equal(t, res.Turn.ID, r.TurnID)
	}
	for i := 1; i < len(res.Responses); i++ {
		require.False(t, res.Responses[i].Timestamp.Before(res.Responses[i-1].Timestamp))
	}

	slow := res.Responses[2]
	require.Equal(t, domain.BackendGemini, slow.BackendID)
	require.True(t, slow.Failed())
	require.Equal(t, "[Gemini Error]: Request timed out. Please try again.", slow.Text)
	require.GreaterOrEqual(t, slow.LatencyMs, 50.0)

	require.Equal(t, []domain.BackendID{"gemini"}, res.Routing.Dropped)
	require.ElementsMatch(t, []domain.BackendID{"claude", "chatgpt"}, res.Routing.Responders)

	// User message plus three responses, failures included.
	history, err := f.store.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.True(t, history[0].IsFromUser)
	require.Equal(t, res.Turn.ID, history[0].TurnID)
	meta, saved, err := f.store.Meta(ctx, "s1")
	require.NoError(t, err)
	require.True(t, saved)
	require.Equal(t, 1, meta.LastTurn)

	// Every response is measured.
	recorded := f.metrics.SessionMetrics("s1")
	require.Len(t, recorded, 3)
	gem := f.orch.BackendHealth(domain.BackendGemini)
	require.Equal(t, 1, gem.ErrorCount)
	require.Equal(t, domain.Corrupted, gem.Health)
	require.InDelta(t, 100.0/3, f.orch.SystemHealth().TimeoutRate, 0.01)

	// Only the long successful answer feeds the digest.
	d, err := f.orch.Digest(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, d.Version)
	require.Equal(t, []string{"Postgres is the right default for this workload"}, d.KeyDecisions)

	require.Equal(t, 1, f.logs.FilterMessage("turn routed").Len())
	require.Equal(t, 1, f.logs.FilterMessage("backend call failed").Len())
}

func TestRunTurn_MentionRoutesToOneBackend(t *testing.T) {
	claude, chatgpt := ok("Sure."), ok("unused")
	f := newFixture(t, fixtureOpts{adapters: map[domain.BackendID]backend.Adapter{
		domain.BackendClaude: claude, domain.BackendChatGPT: chatgpt,
	}})

	res, err := f.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "Claude, what do you think?"})
	require.NoError(t, err)
	require.Equal(t, []domain.BackendID{"claude"}, res.Turn.Participants)
	require.Len(t, res.Responses, 1)
	require.Equal(t, 0, chatgpt.count())
	require.Equal(t, []domain.BackendID{"claude", "chatgpt"}, res.Routing.Requested)
	require.Empty(t, res.Routing.Dropped)
}

func TestRunTurn_HistoryIsRelabelledPerParticipant(t *testing.T) {
	claude, chatgpt := ok("Claude says hi."), ok("ChatGPT says hi.")
	f := newFixture(t, fixtureOpts{adapters: map[domain.BackendID]backend.Adapter{
		domain.BackendClaude: claude, domain.BackendChatGPT: chatgpt,
	}})
	ctx := context.Background()

	_, err := f.orch.RunTurn(ctx, TurnInput{SessionID: "s", Text: "hello everyone"})
	require.NoError(t, err)
	first := chatgpt.last(t)
	require.Equal(t, "hello everyone", first.content)
	require.Empty(t, first.history, "the current message is sent as content, not history")

	_, err = f.orch.RunTurn(ctx, TurnInput{SessionID: "s", Text: "and again, everyone"})
	require.NoError(t, err)

	hist := chatgpt.last(t).history
	require.Len(t, hist, 3)
	require.Equal(t, domain.ChatMessage{Role: "user", Content: "**[User]**: hello everyone"}, hist[0])

	var own, other domain.ChatMessage
	for _, m := range hist[1:] {
		if m.Role == domain.RoleAssistant {
			own = m
		} else {
			other = m
		}
	}
	require.Equal(t, "ChatGPT says hi.", own.Content)
	require.Equal(t, "[Claude]: Claude says hi.", other.Content)
}

func TestRunTurn_DigestReachesNextTurnsSystemPrompt(t *testing.T) {
	claude := ok(longAnswer)
	f := newFixture(t, fixtureOpts{adapters: map[domain.BackendID]backend.Adapter{domain.BackendClaude: claude}})
	ctx := context.Background()

	_, err := f.orch.RunTurn(ctx, TurnInput{SessionID: "s", Text: "pick a database"})
	require.NoError(t, err)
	first := claude.last(t).systemPrompt
	require.True(t, strings.HasPrefix(first, "You are Claude, a helpful AI assistant created by Anthropic."))
	require.Contains(t, first, "IMPORTANT ATTRIBUTION RULE")
	require.NotContains(t, first, "Panel Digest")

	res, err := f.orch.RunTurn(ctx, TurnInput{SessionID: "s", Text: "and hosting?", Persona: PersonaBusinessAdvisor})
	require.NoError(t, err)
	require.Equal(t, 2, res.Turn.Number)
	second := claude.last(t).systemPrompt
	require.True(t, strings.HasPrefix(second, "You are a strategic business advisor."))
	require.Contains(t, second, "--- Panel Digest (v1) ---")
	require.Contains(t, second, "Key Decisions: Postgres is the right default for this workload")

	stored, found, err := f.store.LoadDigest(ctx, "s")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, stored.Version)
}

func TestRunTurn_FailuresBecomeTaggedResponses(t *testing.T) {
	noKey := &recorder{err: fmt.Errorf("%w for anthropic", backend.ErrNoCredential)}
	quota := &recorder{err: &backend.BackendError{StatusCode: 429, Message: "quota exceeded"}}
	panicky := backend.AdapterFunc(func(context.Context, string, []domain.ChatMessage, string) (backend.Reply, error) {
		panic("nil map")
	})
	f := newFixture(t, fixtureOpts{adapters: map[domain.BackendID]backend.Adapter{
		domain.BackendClaude: noKey, domain.BackendChatGPT: quota, domain.BackendMistral: panicky,
	}})

	res, err := f.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "hi all"})
	require.NoError(t, err)
	require.Len(t, res.Responses, 3)

	byID := map[domain.BackendID]domain.ModelResponse{}
	for _, r := range res.Responses {
		require.True(t, r.Failed())
		byID[r.BackendID] = r
	}
	require.Equal(t, "[Claude Error]: No API key found. Please add your API key in settings.", byID["claude"].Text)
	require.True(t, strings.HasPrefix(byID["chatgpt"].Text, "[ChatGPT Error]: "))
	require.Contains(t, byID["chatgpt"].Text, "quota exceeded")
	require.Equal(t, "[Mistral Error]: adapter panic: nil map", byID["mistral"].Text)
	require.Empty(t, res.Routing.Responders)

	d, err := f.orch.Digest(context.Background(), "s")
	require.NoError(t, err)
	require.Zero(t, d.Version, "failed responses never feed the digest")
}

func TestRunTurn_TokenUsage(t *testing.T) {
	reported := &recorder{reply: backend.Reply{Text: "ok", Usage: &domain.TokenUsage{InputTokens: 42, OutputTokens: 3}}}
	silent := ok("ok")
	f := newFixture(t, fixtureOpts{
		adapters: map[domain.BackendID]backend.Adapter{domain.BackendClaude: reported, domain.BackendGemini: silent},
		counter:  fixedCounter(77),
	})
	_, err := f.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "hi everyone"})
	require.NoError(t, err)

	actual := map[domain.BackendID]int{}
	for _, m := range f.metrics.SessionMetrics("s") {
		require.NotNil(t, m.ActualTokens)
		require.Positive(t, m.EstimatedTokens)
		actual[m.BackendID] = *m.ActualTokens
	}
	require.Equal(t, map[domain.BackendID]int{"claude": 42, "gemini": 77}, actual)
}

type fixedCounter int

func (c fixedCounter) CountTokens(string) (int, error) { return int(c), nil }

// ---------------------------------------------------------------------------
// Input validation and storage failures
// ---------------------------------------------------------------------------

func TestRunTurn_InvalidInput(t *testing.T) {
	f := newFixture(t, fixtureOpts{adapters: map[domain.BackendID]backend.Adapter{domain.BackendClaude: ok("x")}})
	cases := map[string]TurnInput{
		"missing_session_id": {Text: "hi"},
		"empty_message":      {SessionID: "s", Text: "   "},
		"unknown_persona":    {SessionID: "s", Text: "hi", Persona: "pirate"},
		"unknown_backend":    {SessionID: "s", Text: "hi", ActiveBackends: []domain.BackendID{"claude", "grok"}},
	}
	for reason, in := range cases {
		t.Run(reason, func(t *testing.T) {
			_, err := f.orch.RunTurn(context.Background(), in)
			var oe *Error
			require.ErrorAs(t, err, &oe)
			require.Equal(t, ErrorInvalidInput, oe.Code)
			require.Equal(t, reason, oe.Reason)
		})
	}
}

type failingStore struct {
	repository.Store
	failUser     bool
	failResponse bool
}

func (s *failingStore) Append(ctx context.Context, sessionID string, msg domain.Message) error {
	if msg.IsFromUser && s.failUser {
		return errors.New("dynamo down")
	}
	if !msg.IsFromUser && s.failResponse {
		return errors.New("dynamo throttled")
	}
	return s.Store.Append(ctx, sessionID, msg)
}

func TestRunTurn_UserMessagePersistFailure(t *testing.T) {
	claude := ok("x")
	f := newFixture(t, fixtureOpts{
		adapters: map[domain.BackendID]backend.Adapter{domain.BackendClaude: claude},
		store:    &failingStore{Store: repository.NewMemory(0), failUser: true},
	})
	_, err := f.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "hi"})
	var oe *Error
	require.ErrorAs(t, err, &oe)
	require.Equal(t, ErrorInternal, oe.Code)
	require.Equal(t, "store_write_error", oe.Reason)
	require.Zero(t, claude.count())
}

func TestRunTurn_FailedTurnKeepsItsNumber(t *testing.T) {
	fs := &failingStore{Store: repository.NewMemory(0), failUser: true}
	f := newFixture(t, fixtureOpts{
		adapters: map[domain.BackendID]backend.Adapter{domain.BackendClaude: ok("x")},
		store:    fs,
	})
	_, err := f.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "hi"})
	require.Error(t, err)

	fs.failUser = false
	res, err := f.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "hi again"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Turn.Number)
}

func TestRunTurn_CommitFailureStillReturnsResponses(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		adapters: map[domain.BackendID]backend.Adapter{domain.BackendClaude: ok("x"), domain.BackendGemini: ok("y")},
		store:    &failingStore{Store: repository.NewMemory(0), failResponse: true},
	})
	res, err := f.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "hi all"})
	var oe *Error
	require.ErrorAs(t, err, &oe)
	require.Equal(t, ErrorInternal, oe.Code)
	require.Len(t, res.Responses, 2)
	require.Len(t, f.metrics.SessionMetrics("s"), 2)
}

// ---------------------------------------------------------------------------
// Sessions and health
// ---------------------------------------------------------------------------

func TestSession_DigestRestoredAfterRestart(t *testing.T) {
	shared := repository.NewMemory(0)
	adapters := map[domain.BackendID]backend.Adapter{domain.BackendClaude: ok(longAnswer)}

	first := newFixture(t, fixtureOpts{adapters: adapters, store: shared, digests: shared})
	for i := 0; i < 2; i++ {
		_, err := first.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}
	first.orch.Close()

	second := newFixture(t, fixtureOpts{adapters: adapters, store: shared, digests: shared})
	res, err := second.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "q2"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Turn.Number)
	d, err := second.orch.Digest(context.Background(), "s")
	require.NoError(t, err)
	require.Equal(t, 3, d.Version)
}

func TestSession_TurnNumberSurvivesRestartWithoutDigest(t *testing.T) {
	shared := repository.NewMemory(0)
	adapters := map[domain.BackendID]backend.Adapter{domain.BackendClaude: ok("Sure.")}

	first := newFixture(t, fixtureOpts{adapters: adapters, store: shared, digests: shared})
	for i := 0; i < 3; i++ {
		_, err := first.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}
	first.orch.Close()
	_, found, err := shared.LoadDigest(context.Background(), "s")
	require.NoError(t, err)
	require.False(t, found, "short replies never produce a digest")

	second := newFixture(t, fixtureOpts{adapters: adapters, store: shared, digests: shared})
	res, err := second.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "q3"})
	require.NoError(t, err)
	require.Equal(t, 4, res.Turn.Number)
	for _, m := range second.metrics.SessionMetrics("s") {
		require.Equal(t, 4, m.TurnNumber)
	}
}

func TestDigest_ColdInstanceReadsStoredDigest(t *testing.T) {
	shared := repository.NewMemory(0)
	adapters := map[domain.BackendID]backend.Adapter{domain.BackendClaude: ok(longAnswer)}

	first := newFixture(t, fixtureOpts{adapters: adapters, store: shared, digests: shared})
	_, err := first.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "pick a database"})
	require.NoError(t, err)
	first.orch.Close()

	cold := newFixture(t, fixtureOpts{adapters: adapters, store: shared, digests: shared})
	d, err := cold.orch.Digest(context.Background(), "s")
	require.NoError(t, err)
	require.Equal(t, 1, d.Version)
	require.Len(t, d.KeyDecisions, 1)

	d, err = cold.orch.Digest(context.Background(), "unknown")
	require.NoError(t, err)
	require.Zero(t, d.Version)
}

func TestResetDigest_SurvivesRestart(t *testing.T) {
	shared := repository.NewMemory(0)
	adapters := map[domain.BackendID]backend.Adapter{domain.BackendClaude: ok(longAnswer)}
	ctx := context.Background()

	first := newFixture(t, fixtureOpts{adapters: adapters, store: shared, digests: shared})
	for i := 0; i < 3; i++ {
		_, err := first.orch.RunTurn(ctx, TurnInput{SessionID: "s", Text: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, first.orch.ResetDigest(ctx, "s"))
	stored, _, err := shared.LoadDigest(ctx, "s")
	require.NoError(t, err)
	require.True(t, stored.IsEmpty())
	require.Equal(t, 4, stored.Version)

	_, err = first.orch.RunTurn(ctx, TurnInput{SessionID: "s", Text: "q3"})
	require.NoError(t, err)
	live, err := first.orch.Digest(ctx, "s")
	require.NoError(t, err)
	stored, _, err = shared.LoadDigest(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, live, stored)
	require.Equal(t, 5, stored.Version)
	require.Len(t, stored.KeyDecisions, 1)
	first.orch.Close()

	second := newFixture(t, fixtureOpts{adapters: adapters, store: shared, digests: shared})
	res, err := second.orch.RunTurn(ctx, TurnInput{SessionID: "s", Text: "q4"})
	require.NoError(t, err)
	require.Equal(t, 5, res.Turn.Number)
	d, err := second.orch.Digest(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, 6, d.Version)
	require.Len(t, d.KeyDecisions, 2, "decisions made before the reset stay gone")
}

func TestResetDigest_WithoutRunningSession(t *testing.T) {
	shared := repository.NewMemory(0)
	ctx := context.Background()
	require.NoError(t, shared.SaveDigest(ctx, "s", domain.DigestData{KeyDecisions: []string{"Use Postgres"}, Version: 7, LastUpdatedTurn: 9}))

	f := newFixture(t, fixtureOpts{
		adapters: map[domain.BackendID]backend.Adapter{domain.BackendClaude: ok("x")},
		store:    shared,
		digests:  shared,
	})
	require.NoError(t, f.orch.ResetDigest(ctx, "s"))
	stored, found, err := shared.LoadDigest(ctx, "s")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, stored.IsEmpty())
	require.Equal(t, 8, stored.Version)
	require.Equal(t, 9, stored.LastUpdatedTurn)

	require.NoError(t, f.orch.ResetDigest(ctx, "never-seen"))
	_, found, err = shared.LoadDigest(ctx, "never-seen")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDigestHealth(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	f := newFixture(t, fixtureOpts{
		adapters: map[domain.BackendID]backend.Adapter{domain.BackendClaude: ok(longAnswer)},
		now:      clock,
	})
	ctx := context.Background()

	h, err := f.orch.DigestHealth(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, domain.Healthy, h)

	_, err = f.orch.RunTurn(ctx, TurnInput{SessionID: "s", Text: "hi"})
	require.NoError(t, err)
	h, err = f.orch.DigestHealth(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, domain.Healthy, h)

	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()
	h, err = f.orch.DigestHealth(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, domain.Stale, h)

	require.NoError(t, f.orch.ResetDigest(ctx, "s"))
	h, err = f.orch.DigestHealth(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, domain.Healthy, h)
}

func TestEndSessionAndClose(t *testing.T) {
	var snapshots int
	reg := backend.NewRegistry()
	require.NoError(t, reg.Register(backend.Info{ID: domain.BackendClaude}, ok("x")))
	col := metrics.NewCollector(metrics.Options{OnSnapshot: func([]domain.TurnMetrics) { snapshots++ }})
	o, err := New(Config{Registry: reg, Store: repository.NewMemory(0), Metrics: col, Budget: budget.New(nil, nil)})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := o.RunTurn(ctx, TurnInput{SessionID: "s", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Turn.Number)

	o.EndSession("s")
	res, err = o.RunTurn(ctx, TurnInput{SessionID: "s", Text: "hi again"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Turn.Number, "the counter resumes from the stored session")

	o.Close()
	o.Close()
	require.Equal(t, 1, snapshots)
	_, err = o.RunTurn(ctx, TurnInput{SessionID: "s", Text: "hi"})
	var oe *Error
	require.ErrorAs(t, err, &oe)
	require.Equal(t, ErrorInternal, oe.Code)
}

// parked is an adapter whose backend is switched off.
type parked struct{ *recorder }

func (parked) Selectable() bool { return false }

func TestRunTurn_DefaultPanelSkipsUnselectableBackends(t *testing.T) {
	local := parked{ok("local")}
	f := newFixture(t, fixtureOpts{adapters: map[domain.BackendID]backend.Adapter{
		domain.BackendClaude: ok("x"), domain.BackendOllama: local,
	}})

	res, err := f.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "hi everyone"})
	require.NoError(t, err)
	require.Equal(t, []domain.BackendID{"claude"}, res.Routing.Requested)
	require.Zero(t, local.count())

	res, err = f.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "hi", ActiveBackends: []domain.BackendID{"ollama"}})
	require.NoError(t, err)
	require.Equal(t, []domain.BackendID{"ollama"}, res.Turn.Participants)
	require.Equal(t, 1, local.count())
}

func TestRunTurn_NoSelectableBackends(t *testing.T) {
	f := newFixture(t, fixtureOpts{adapters: map[domain.BackendID]backend.Adapter{domain.BackendOllama: parked{ok("x")}}})
	_, err := f.orch.RunTurn(context.Background(), TurnInput{SessionID: "s", Text: "hi"})
	var oe *Error
	require.ErrorAs(t, err, &oe)
	require.Equal(t, ErrorInvalidInput, oe.Code)
	require.Equal(t, "no_backends_available", oe.Reason)
}

func TestNew_Validation(t *testing.T) {
	reg := backend.NewRegistry()
	store := repository.NewMemory(0)
	col := metrics.NewCollector(metrics.Options{})
	mgr := budget.New(nil, nil)

	_, err := New(Config{Store: store, Metrics: col, Budget: mgr})
	require.ErrorContains(t, err, "registry must not be nil")
	_, err = New(Config{Registry: reg, Metrics: col, Budget: mgr})
	require.ErrorContains(t, err, "store must not be nil")
	_, err = New(Config{Registry: reg, Store: store, Budget: mgr})
	require.ErrorContains(t, err, "metrics collector must not be nil")
	_, err = New(Config{Registry: reg, Store: store, Metrics: col})
	require.ErrorContains(t, err, "budget manager must not be nil")
}
