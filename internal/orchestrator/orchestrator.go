// Package orchestrator runs panel turns: it routes a user message to the
// participating backends, calls them concurrently, and commits their
// responses, metrics and digest updates once every call has finished.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"multiai-chat/internal/backend"
	"multiai-chat/internal/budget"
	"multiai-chat/internal/digest"
	"multiai-chat/internal/domain"
	"multiai-chat/internal/metrics"
	"multiai-chat/internal/prepare"
	"multiai-chat/internal/repository"
	"multiai-chat/internal/router"
)

const instrumentationName = "multiai-chat/internal/orchestrator"

var errNoBackends = errors.New("orchestrator: no backends available")

// Config wires an Orchestrator. Registry, Store, Metrics and Budget are
// required; everything else has a default.
type Config struct {
	Registry *backend.Registry
	Store    repository.Store
	Metrics  *metrics.Collector
	Budget   *budget.Manager

	// Digests restores and persists session digests. Optional.
	Digests repository.DigestStore
	// Counter measures prompts when an adapter reports no usage. Optional.
	Counter  budget.Counter
	Router   *router.Router
	Preparer *prepare.Preparer
	Digest   digest.Options
	Tracer   trace.Tracer
	Logger   *zap.Logger
	Now      func() time.Time
	NewID    func() string
}

// Orchestrator runs turns. It is safe for concurrent use; turns of the same
// session are serialised only where they touch the session's digest actor.
type Orchestrator struct {
	registry *backend.Registry
	store    repository.Store
	digests  repository.DigestStore
	metrics  *metrics.Collector
	budget   *budget.Manager
	counter  budget.Counter
	router   *router.Router
	preparer *prepare.Preparer
	digest   digest.Options
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	mu       sync.Mutex
	sessions map[string]*digest.Actor
	closed   bool
}

// TurnInput is one user message addressed to the panel.
type TurnInput struct {
	SessionID string
	Text      string
	// ActiveBackends are the backends switched on for the session. Empty
	// means every registered backend that is selectable.
	ActiveBackends []domain.BackendID
	Persona        Persona
}

// TurnResult is a committed turn. Responses are ordered by completion time.
type TurnResult struct {
	Turn      domain.Turn
	Responses []domain.ModelResponse
	Routing   domain.RoutingLog
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("orchestrator: registry must not be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store must not be nil")
	}
	if cfg.Metrics == nil {
		return nil, errors.New("orchestrator: metrics collector must not be nil")
	}
	if cfg.Budget == nil {
		return nil, errors.New("orchestrator: budget manager must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Router == nil {
		cfg.Router = router.New(cfg.Registry, router.Options{})
	}
	if cfg.Preparer == nil {
		cfg.Preparer = prepare.New(cfg.Registry)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(instrumentationName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	logger := cfg.Logger.With(zap.String("component", "orchestrator"))
	if cfg.Digest.Logger == nil {
		cfg.Digest.Logger = cfg.Logger
	}
	if cfg.Digest.Now == nil {
		cfg.Digest.Now = cfg.Now
	}

	return &Orchestrator{
		registry: cfg.Registry,
		store:    cfg.Store,
		digests:  cfg.Digests,
		metrics:  cfg.Metrics,
		budget:   cfg.Budget,
		counter:  cfg.Counter,
		router:   cfg.Router,
		preparer: cfg.Preparer,
		digest:   cfg.Digest,
		tracer:   cfg.Tracer,
		logger:   logger,
		now:      cfg.Now,
		newID:    cfg.NewID,
		sessions: make(map[string]*digest.Actor),
	}, nil
}

// RunTurn runs one turn to completion. Every participant produces exactly one
// response, failed calls included. A non-nil error with a populated result
// means the responses were produced but could not all be committed.
func (o *Orchestrator) RunTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	text := strings.TrimSpace(in.Text)
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return TurnResult{}, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	if text == "" {
		return TurnResult{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if !in.Persona.Valid() {
		return TurnResult{}, newError(ErrorInvalidInput, "unknown_persona", fmt.Errorf("persona %q", in.Persona))
	}
	active, err := o.activeBackends(in.ActiveBackends)
	if errors.Is(err, errNoBackends) {
		return TurnResult{}, newError(ErrorInvalidInput, "no_backends_available", err)
	}
	if err != nil {
		return TurnResult{}, newError(ErrorInvalidInput, "unknown_backend", err)
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.RunTurn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("panel.active", len(active)),
		))
	defer span.End()

	// Created.
	sess, err := o.session(ctx, sessionID)
	if err != nil {
		span.SetStatus(codes.Error, "session")
		return TurnResult{}, newError(ErrorInternal, "session_unavailable", err)
	}
	participants := o.router.SelectParticipants(text, active)
	turn := domain.Turn{
		ID:           o.newID(),
		SessionID:    sessionID,
		UserText:     text,
		Participants: participants,
		StartedAt:    o.now(),
	}
	userMsg := domain.Message{
		ID:         o.newID(),
		SessionID:  sessionID,
		Content:    text,
		Timestamp:  turn.StartedAt,
		IsFromUser: true,
		TurnID:     turn.ID,
	}
	if err := o.store.Append(ctx, sessionID, userMsg); err != nil {
		span.SetStatus(codes.Error, "persist user message")
		return TurnResult{}, newError(ErrorInternal, "store_write_error", err)
	}
	history, err := o.store.History(ctx, sessionID)
	if err != nil {
		span.SetStatus(codes.Error, "load history")
		return TurnResult{}, newError(ErrorInternal, "history_load_error", err)
	}
	// Numbers are allocated only once the user message is stored.
	if turn.Number, err = sess.NextTurn(ctx); err != nil {
		span.SetStatus(codes.Error, "turn number")
		return TurnResult{}, newError(ErrorInternal, "turn_number_error", err)
	}
	span.SetAttributes(attribute.String("turn.id", turn.ID), attribute.Int("turn.number", turn.Number))
	logger := o.logger.With(zap.String("session_id", sessionID), zap.String("turn_id", turn.ID), zap.Int("turn", turn.Number))

	digestContext, digestFallback := o.digestContext(ctx, sess, logger)

	// Dispatching.
	outcomes := make([]outcome, len(participants))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range participants {
		g.Go(func() error {
			outcomes[i] = o.dispatch(gctx, turn, id, history, digestContext, in.Persona)
			return nil
		})
	}
	_ = g.Wait()

	// Aggregating.
	for _, oc := range outcomes {
		if oc.resp.TurnID != turn.ID {
			panic(fmt.Sprintf("orchestrator: response from %s carries turn %q, expected %q", oc.resp.BackendID, oc.resp.TurnID, turn.ID))
		}
	}
	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].resp.Timestamp.Before(outcomes[j].resp.Timestamp)
	})
	responses := make([]domain.ModelResponse, len(outcomes))
	for i, oc := range outcomes {
		responses[i] = oc.resp
	}

	// Committed.
	commitErr := o.commit(ctx, turn, responses, logger)
	for _, oc := range outcomes {
		o.record(turn, oc, digestFallback)
	}
	o.updateDigest(ctx, sess, sessionID, turn.Number, responses, logger)

	routing := routingLog(turn, active, responses, o.now())
	logger.Info("turn routed",
		zap.Strings("requested", ids(routing.Requested)),
		zap.Strings("dispatched", ids(routing.Dispatched)),
		zap.Strings("responders", ids(routing.Responders)),
		zap.Strings("dropped", ids(routing.Dropped)))

	result := TurnResult{Turn: turn, Responses: responses, Routing: routing}
	if commitErr != nil {
		span.RecordError(commitErr)
		span.SetStatus(codes.Error, "commit")
		return result, newError(ErrorInternal, "store_write_error", commitErr)
	}
	return result, nil
}

// activeBackends resolves the requested panel. An empty request means every
// registered backend that is currently selectable.
func (o *Orchestrator) activeBackends(requested []domain.BackendID) ([]domain.BackendID, error) {
	if len(requested) == 0 {
		var all []domain.BackendID
		for _, id := range o.registry.IDs() {
			if entry, _ := o.registry.Lookup(id); backend.IsSelectable(entry.Adapter) {
				all = append(all, id)
			}
		}
		if len(all) == 0 {
			return nil, errNoBackends
		}
		return all, nil
	}
	out := make([]domain.BackendID, 0, len(requested))
	for _, id := range requested {
		if _, ok := o.registry.Lookup(id); !ok {
			return nil, fmt.Errorf("backend %q is not registered", id)
		}
		if !domain.ContainsBackend(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// digestContext reads the digest once for the whole turn so every
// participant sees the same version. A failed read continues without it.
func (o *Orchestrator) digestContext(ctx context.Context, sess *digest.Actor, logger *zap.Logger) (string, bool) {
	d, err := sess.Snapshot(ctx)
	if err != nil {
		logger.Warn("digest unavailable, continuing without it", zap.Error(err))
		return "", true
	}
	return digest.Format(d), false
}

type outcome struct {
	resp     domain.ModelResponse
	meta     prepare.MessageMetadata
	actual   *int
	timedOut bool
}

// dispatch makes one participant's call. It never fails: errors become a
// tagged response.
func (o *Orchestrator) dispatch(ctx context.Context, turn domain.Turn, id domain.BackendID, history []domain.Message, digestContext string, persona Persona) (oc outcome) {
	entry, _ := o.registry.Lookup(id)
	name := entry.Info.DisplayName

	ctx, span := o.tracer.Start(ctx, "orchestrator.dispatch",
		trace.WithAttributes(attribute.String("backend.id", string(id))))
	defer span.End()

	prepared := o.prepare(turn, id, history, digestContext)
	systemPrompt := SystemPrompt(persona, id, name, prepared.DigestContext)
	chat := prepare.ToChat(prepared.FilteredMessages)

	oc.meta = prepared.Metadata
	oc.resp = domain.ModelResponse{TurnID: turn.ID, BackendID: id, MessageID: o.newID()}

	start := o.now()
	reply, err := o.send(ctx, entry, turn.UserText, chat, systemPrompt)
	oc.resp.Timestamp = o.now()
	oc.resp.LatencyMs = float64(oc.resp.Timestamp.Sub(start)) / float64(time.Millisecond)

	if err != nil {
		desc := backend.Describe(err)
		oc.resp.Text = fmt.Sprintf("[%s Error]: %s", name, desc)
		oc.resp.Error = err.Error()
		oc.timedOut = backend.IsTimeout(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(backend.Classify(err)))
		o.logger.Warn("backend call failed",
			zap.String("turn_id", turn.ID),
			zap.String("backend", id.String()),
			zap.String("kind", string(backend.Classify(err))),
			zap.Bool("timeout", oc.timedOut),
			zap.Error(err))
		return oc
	}

	oc.resp.Text = reply.Text
	oc.resp.Usage = reply.Usage
	oc.actual = o.actualTokens(reply.Usage, systemPrompt, chat, turn.UserText)
	if oc.actual != nil {
		o.budget.RecordActualUsage(oc.resp.MessageID, oc.meta.EstimatedTokens, *oc.actual)
	}
	return oc
}

// send calls the adapter under the backend's timeout. A panicking adapter is
// reported as a failed call.
func (o *Orchestrator) send(ctx context.Context, entry backend.Entry, content string, chat []domain.ChatMessage, systemPrompt string) (reply backend.Reply, err error) {
	ctx, cancel := context.WithTimeout(ctx, entry.Info.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return entry.Adapter.Send(ctx, content, chat, systemPrompt)
}

func (o *Orchestrator) prepare(turn domain.Turn, id domain.BackendID, history []domain.Message, digestContext string) prepare.PreparedMessage {
	filtered := o.preparer.Prepare(history, turn.UserText, id)
	reserved := budget.Reserved(budget.Estimate(digestContext))
	truncated, wasTruncated := o.budget.Truncate(filtered, id, reserved)
	size := o.budget.ValidatePromptSize(turn.UserText, truncated, digestContext, id)
	if !size.Fits {
		o.logger.Debug("prompt exceeds budget",
			zap.String("backend", id.String()),
			zap.Int("estimated", size.EstimatedTokens),
			zap.Int("budget", size.Budget))
	}
	return prepare.PreparedMessage{
		Content:          turn.UserText,
		FilteredMessages: truncated,
		DigestContext:    digestContext,
		Metadata: prepare.MessageMetadata{
			TurnNumber:      turn.Number,
			WasTruncated:    wasTruncated,
			UsedDigest:      digestContext != "",
			EstimatedTokens: size.EstimatedTokens,
		},
	}
}

// actualTokens prefers the adapter's reported input tokens and falls back to
// counting the prompt locally.
func (o *Orchestrator) actualTokens(usage *domain.TokenUsage, systemPrompt string, chat []domain.ChatMessage, content string) *int {
	if usage != nil && usage.InputTokens > 0 {
		n := usage.InputTokens
		return &n
	}
	if o.counter == nil {
		return nil
	}
	var b strings.Builder
	b.WriteString(systemPrompt)
	for _, m := range chat {
		b.WriteString("\n")
		b.WriteString(m.Content)
	}
	b.WriteString("\n")
	b.WriteString(content)
	n, err := o.counter.CountTokens(b.String())
	if err != nil || n <= 0 {
		if err != nil {
			o.logger.Debug("token count unavailable", zap.Error(err))
		}
		return nil
	}
	return &n
}

// commit appends every response individually, then records session activity
// and the turn number once.
func (o *Orchestrator) commit(ctx context.Context, turn domain.Turn, responses []domain.ModelResponse, logger *zap.Logger) error {
	sessionID := turn.SessionID
	var errs []error
	for _, r := range responses {
		msg := domain.Message{
			ID:        r.MessageID,
			SessionID: sessionID,
			Content:   r.Text,
			Timestamp: r.Timestamp,
			BackendID: r.BackendID,
			TurnID:    r.TurnID,
		}
		if err := o.store.Append(ctx, sessionID, msg); err != nil {
			logger.Error("persist response failed", zap.String("backend", r.BackendID.String()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	meta := repository.SessionMeta{LastActivity: o.now(), LastTurn: turn.Number}
	if err := o.store.Save(ctx, sessionID, meta); err != nil {
		logger.Error("save session failed", zap.Error(err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) record(turn domain.Turn, oc outcome, digestFallback bool) {
	o.metrics.Record(domain.TurnMetrics{
		SessionID:         turn.SessionID,
		TurnNumber:        turn.Number,
		Timestamp:         oc.resp.Timestamp,
		BackendID:         oc.resp.BackendID,
		LatencyMs:         oc.resp.LatencyMs,
		EstimatedTokens:   oc.meta.EstimatedTokens,
		ActualTokens:      oc.actual,
		WasTruncated:      oc.meta.WasTruncated,
		WasDigestFallback: digestFallback,
		Error:             oc.resp.Error,
		TimedOut:          oc.timedOut,
	})
}

// updateDigest folds substantial successful responses into the digest, in
// completion order, and persists the result.
func (o *Orchestrator) updateDigest(ctx context.Context, sess *digest.Actor, sessionID string, turnNumber int, responses []domain.ModelResponse, logger *zap.Logger) {
	var (
		latest  domain.DigestData
		updated bool
	)
	for _, r := range responses {
		if r.Failed() || !digestWorthy(r.Text) {
			continue
		}
		d, err := sess.Append(ctx, extractSummary(r.Text), turnNumber)
		if err != nil {
			logger.Warn("digest update failed", zap.String("backend", r.BackendID.String()), zap.Error(err))
			return
		}
		latest, updated = d, true
	}
	if !updated || o.digests == nil {
		return
	}
	err := o.digests.SaveDigest(ctx, sessionID, latest)
	switch {
	case errors.Is(err, repository.ErrStaleDigest):
		logger.Info("stored digest is newer, keeping it", zap.Int("version", latest.Version))
	case err != nil:
		logger.Warn("persist digest failed", zap.Int("version", latest.Version), zap.Error(err))
	}
}

func routingLog(turn domain.Turn, active []domain.BackendID, responses []domain.ModelResponse, at time.Time) domain.RoutingLog {
	rl := domain.RoutingLog{
		TurnID:     turn.ID,
		Requested:  active,
		Dispatched: turn.Participants,
		Timestamp:  at,
	}
	for _, r := range responses {
		if r.Failed() {
			rl.Dropped = append(rl.Dropped, r.BackendID)
		} else {
			rl.Responders = append(rl.Responders, r.BackendID)
		}
	}
	return rl
}

func ids(in []domain.BackendID) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = string(id)
	}
	return out
}
