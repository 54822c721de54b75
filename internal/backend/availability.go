package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"multiai-chat/internal/domain"
)

// State is the last known availability of a local backend.
type State int

const (
	StateUnknown State = iota
	StateAvailable
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Probe checks whether a backend can serve requests right now.
type Probe func(ctx context.Context) error

// Availability tracks whether a local backend is reachable. It starts in
// StateUnknown and only changes on Refresh. Callers share one instance by
// reference.
type Availability struct {
	probe  Probe
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	state     State
	lastErr   error
	checkedAt time.Time
}

// NewAvailability creates a monitor backed by probe.
func NewAvailability(probe Probe, logger *zap.Logger) (*Availability, error) {
	if probe == nil {
		return nil, errors.New("backend: probe must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Availability{
		probe:  probe,
		logger: logger.With(zap.String("component", "availability")),
		now:    time.Now,
	}, nil
}

// Refresh runs the probe and records the result.
func (a *Availability) Refresh(ctx context.Context) State {
	err := a.probe(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkedAt = a.now()
	a.lastErr = err
	if err != nil {
		a.state = StateUnavailable
		a.logger.Warn("local backend unavailable", zap.Error(err))
	} else {
		a.state = StateAvailable
		a.logger.Info("local backend available")
	}
	return a.state
}

// State returns the last recorded state without probing.
func (a *Availability) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// LastError returns the error of the most recent failed probe.
func (a *Availability) LastError() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastErr
}

// CheckedAt returns when the probe last ran; zero if never.
func (a *Availability) CheckedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.checkedAt
}

// Gate wraps adapter so calls fail fast while the backend is unavailable.
// An unknown state triggers one probe before the first call. The gated
// adapter is Selectable unless the last probe failed.
func (a *Availability) Gate(adapter Adapter) Adapter {
	return &gated{avail: a, next: adapter}
}

type gated struct {
	avail *Availability
	next  Adapter
}

func (g *gated) Send(ctx context.Context, content string, history []domain.ChatMessage, systemPrompt string) (Reply, error) {
	state := g.avail.State()
	if state == StateUnknown {
		state = g.avail.Refresh(ctx)
	}
	if state != StateAvailable {
		return Reply{}, &NetworkError{Reason: "local service is not running", Err: g.avail.LastError()}
	}
	return g.next.Send(ctx, content, history, systemPrompt)
}

func (g *gated) Selectable() bool {
	return g.avail.State() != StateUnavailable
}
