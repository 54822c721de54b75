package repository

import (
	"context"
	"errors"
	"time"

	"multiai-chat/internal/codec"
	"multiai-chat/internal/domain"
)

// ErrStaleDigest is returned by SaveDigest when the stored digest already
// has the same or a newer version.
var ErrStaleDigest = errors.New("repository: stored digest is newer")

// SessionMeta is the bookkeeping kept next to a session's messages.
type SessionMeta struct {
	LastActivity time.Time
	// LastTurn is the number of the latest committed turn.
	LastTurn int
}

// Store is the conversation persistence consumed by the orchestrator. It
// accepts only domain.Message, never a request-scoped view.
type Store interface {
	Append(ctx context.Context, sessionID string, msg domain.Message) error
	// Save records meta unless a later turn is already recorded.
	Save(ctx context.Context, sessionID string, meta SessionMeta) error
	Meta(ctx context.Context, sessionID string) (SessionMeta, bool, error)
	History(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// DigestStore persists a session's running digest. SaveDigest never replaces
// a newer version; it reports that case with ErrStaleDigest.
type DigestStore interface {
	SaveDigest(ctx context.Context, sessionID string, d domain.DigestData) error
	LoadDigest(ctx context.Context, sessionID string) (domain.DigestData, bool, error)
}

// SnapshotStore persists metrics snapshots.
type SnapshotStore interface {
	SaveMetricsSnapshot(ctx context.Context, entries []domain.TurnMetrics, at time.Time) error
	LatestMetricsSnapshot(ctx context.Context) (codec.MetricsSnapshot, bool, error)
}
