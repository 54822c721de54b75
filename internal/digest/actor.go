package digest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"multiai-chat/internal/domain"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("digest: closed")

// Options tunes an Actor. Zero values take the defaults.
type Options struct {
	Ceiling         int
	RefreshInterval int
	Now             func() time.Time
	Logger          *zap.Logger

	// Initial seeds a restored conversation. The turn counter resumes from
	// Initial.LastUpdatedTurn or LastTurn, whichever is larger.
	Initial  domain.DigestData
	LastTurn int
}

type state struct {
	data domain.DigestData
	turn int
}

type request struct {
	fn   func(*state)
	done chan struct{}
}

// Actor owns one conversation's digest and turn counter. All state lives in
// a single goroutine; methods send it requests and wait for the reply.
type Actor struct {
	ceiling  int
	interval int
	now      func() time.Time
	logger   *zap.Logger

	seed state

	reqs      chan request
	stop      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// NewActor starts the owning goroutine. Call Close to stop it.
func NewActor(opts Options) *Actor {
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	a := &Actor{
		ceiling:  opts.Ceiling,
		interval: opts.RefreshInterval,
		now:      opts.Now,
		logger:   opts.Logger.With(zap.String("component", "digest")),
		reqs:     make(chan request),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
		seed:     state{data: opts.Initial, turn: max(opts.LastTurn, opts.Initial.LastUpdatedTurn)},
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	defer close(a.exited)
	st := a.seed
	for {
		select {
		case req := <-a.reqs:
			req.fn(&st)
			close(req.done)
		case <-a.stop:
			return
		}
	}
}

// do runs fn on the owning goroutine. Once a request is accepted it always
// completes.
func (a *Actor) do(ctx context.Context, fn func(*state)) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case a.reqs <- req:
	case <-a.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return nil
}

// Append records summary as a key decision made at turn. The version is
// bumped by one, and the digest is pruned when it outgrows the ceiling or a
// refresh was due before the update.
func (a *Actor) Append(ctx context.Context, summary string, turn int) (domain.DigestData, error) {
	var out domain.DigestData
	err := a.do(ctx, func(st *state) {
		refreshDue := turn-st.data.LastUpdatedTurn > a.interval

		d := st.data
		d.KeyDecisions = append(append([]string(nil), d.KeyDecisions...), summary)
		d.Version++
		d.LastUpdatedTurn = turn
		d.Timestamp = a.now()

		if tokens := d.TokenCount(); tokens > a.ceiling || refreshDue {
			d = Prune(d, a.ceiling)
			a.logger.Debug("digest pruned",
				zap.Int("version", d.Version),
				zap.Int("tokens_before", tokens),
				zap.Int("tokens_after", d.TokenCount()),
				zap.Bool("refresh_due", refreshDue))
		}
		st.data = d
		out = d
	})
	return out, err
}

// Snapshot returns a copy of the current digest.
func (a *Actor) Snapshot(ctx context.Context) (domain.DigestData, error) {
	var out domain.DigestData
	err := a.do(ctx, func(st *state) { out = st.data })
	return out, err
}

// Format renders the current digest for a system prompt.
func (a *Actor) Format(ctx context.Context) (string, error) {
	d, err := a.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return Format(d), nil
}

// NeedsRefresh reports whether more than the refresh interval has passed
// since the last update.
func (a *Actor) NeedsRefresh(ctx context.Context, turn int) (bool, error) {
	var due bool
	err := a.do(ctx, func(st *state) {
		due = turn-st.data.LastUpdatedTurn > a.interval
	})
	return due, err
}

// Refresh prunes the digest immediately.
func (a *Actor) Refresh(ctx context.Context, turn int) error {
	return a.do(ctx, func(st *state) {
		st.data = Prune(st.data, a.ceiling)
		a.logger.Debug("digest refreshed", zap.Int("turn", turn), zap.Int("tokens", st.data.TokenCount()))
	})
}

// Reset clears the digest and returns the cleared copy. Its version moves
// past both the current one and floor, so it supersedes any stored digest.
// The turn counter is kept.
func (a *Actor) Reset(ctx context.Context, floor int) (domain.DigestData, error) {
	var out domain.DigestData
	err := a.do(ctx, func(st *state) {
		st.data = Cleared(st.data, floor, st.turn, a.now())
		out = st.data
		a.logger.Info("digest reset", zap.Int("version", out.Version))
	})
	return out, err
}

// NextTurn allocates the next turn number, starting at 1.
func (a *Actor) NextTurn(ctx context.Context) (int, error) {
	var n int
	err := a.do(ctx, func(st *state) {
		st.turn++
		n = st.turn
	})
	return n, err
}

// Close stops the owning goroutine. It is safe to call more than once.
func (a *Actor) Close() {
	a.closeOnce.Do(func() { close(a.stop) })
	<-a.exited
}
