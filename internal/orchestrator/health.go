package orchestrator

import (
	"context"
	"fmt"

	"multiai-chat/internal/digest"
	"multiai-chat/internal/domain"
	"multiai-chat/internal/metrics"
)

// SystemHealth summarises the most recent turns across all backends.
func (o *Orchestrator) SystemHealth() metrics.HealthSummary {
	return o.metrics.HealthSummary()
}

// BackendHealth reports the health of one backend.
func (o *Orchestrator) BackendHealth(id domain.BackendID) metrics.BackendHealth {
	return o.metrics.BackendHealth(id)
}

// DigestHealth classifies the digest of sessionID. A session with no running
// actor falls back to the stored digest, and to healthy when there is none.
func (o *Orchestrator) DigestHealth(ctx context.Context, sessionID string) (domain.Health, error) {
	var d domain.DigestData
	if a, ok := o.lookupSession(sessionID); ok {
		snap, err := a.Snapshot(ctx)
		if err != nil {
			return domain.Corrupted, err
		}
		d = snap
	} else if o.digests != nil {
		stored, found, err := o.digests.LoadDigest(ctx, sessionID)
		if err != nil {
			return domain.Corrupted, err
		}
		if found {
			d = stored
		}
	}
	return digest.Classify(d, o.now()), nil
}

// Digest returns the current digest of sessionID. Like DigestHealth, a
// session with no running actor falls back to the stored digest.
func (o *Orchestrator) Digest(ctx context.Context, sessionID string) (domain.DigestData, error) {
	if a, ok := o.lookupSession(sessionID); ok {
		return a.Snapshot(ctx)
	}
	if o.digests == nil {
		return domain.DigestData{}, nil
	}
	d, _, err := o.digests.LoadDigest(ctx, sessionID)
	if err != nil {
		return domain.DigestData{}, fmt.Errorf("orchestrator: load digest: %w", err)
	}
	return d, nil
}

// Backends lists the registered backends in canonical order.
func (o *Orchestrator) Backends() []domain.BackendID {
	return o.registry.IDs()
}
