package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"multiai-chat/internal/digest"
)

var errClosed = errors.New("orchestrator: closed")

// session returns the digest actor of sessionID, starting one on first use.
// The stored digest and turn counter, when available, seed the new actor.
func (o *Orchestrator) session(ctx context.Context, sessionID string) (*digest.Actor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errClosed
	}
	if a, ok := o.sessions[sessionID]; ok {
		return a, nil
	}

	opts := o.digest
	meta, ok, err := o.store.Meta(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load session meta: %w", err)
	}
	if ok {
		opts.LastTurn = meta.LastTurn
	}
	if o.digests != nil {
		d, ok, err := o.digests.LoadDigest(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: load digest: %w", err)
		}
		if ok {
			opts.Initial = d
			o.logger.Debug("digest restored",
				zap.String("session_id", sessionID),
				zap.Int("version", d.Version),
				zap.Int("last_turn", d.LastUpdatedTurn))
		}
	}
	a := digest.NewActor(opts)
	o.sessions[sessionID] = a
	return a, nil
}

// lookupSession returns the running actor of sessionID, if any.
func (o *Orchestrator) lookupSession(sessionID string) (*digest.Actor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.sessions[sessionID]
	return a, ok
}

// ResetDigest clears the digest of sessionID and persists the cleared copy
// with a version above the stored one. The turn counter continues. A session
// with neither a running actor nor a stored digest has nothing to reset.
func (o *Orchestrator) ResetDigest(ctx context.Context, sessionID string) error {
	var floor int
	stored := false
	if o.digests != nil {
		d, ok, err := o.digests.LoadDigest(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("orchestrator: load digest: %w", err)
		}
		floor, stored = d.Version, ok
	}
	if _, running := o.lookupSession(sessionID); !running && !stored {
		return nil
	}

	a, err := o.session(ctx, sessionID)
	if err != nil {
		return err
	}
	cleared, err := a.Reset(ctx, floor)
	if err != nil {
		return fmt.Errorf("orchestrator: reset digest: %w", err)
	}
	if o.digests == nil {
		return nil
	}
	if err := o.digests.SaveDigest(ctx, sessionID, cleared); err != nil {
		return fmt.Errorf("orchestrator: persist reset digest: %w", err)
	}
	o.logger.Info("digest reset", zap.String("session_id", sessionID), zap.Int("version", cleared.Version))
	return nil
}

// EndSession stops the session's digest actor. A later turn starts a new one.
func (o *Orchestrator) EndSession(sessionID string) {
	o.mu.Lock()
	a, ok := o.sessions[sessionID]
	delete(o.sessions, sessionID)
	o.mu.Unlock()
	if ok {
		a.Close()
	}
}

// Close stops every session and flushes a final metrics snapshot.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	sessions := o.sessions
	o.sessions = make(map[string]*digest.Actor)
	o.mu.Unlock()

	for _, a := range sessions {
		a.Close()
	}
	o.metrics.ForceSnapshot()
}
