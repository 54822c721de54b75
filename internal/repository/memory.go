package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"multiai-chat/internal/codec"
	"multiai-chat/internal/domain"
)

// Memory is an in-process Store for local runs and tests. It is safe for
// concurrent use.
type Memory struct {
	historyLimit int

	mu        sync.Mutex
	messages  map[string][]domain.Message
	seen      map[string]bool
	meta      map[string]SessionMeta
	digests   map[string]domain.DigestData
	snapshots []codec.MetricsSnapshot
}

var (
	_ Store         = (*Memory)(nil)
	_ DigestStore   = (*Memory)(nil)
	_ SnapshotStore = (*Memory)(nil)
)

// NewMemory creates an empty Memory store. historyLimit <= 0 uses the
// default.
func NewMemory(historyLimit int) *Memory {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Memory{
		historyLimit: historyLimit,
		messages:     make(map[string][]domain.Message),
		seen:         make(map[string]bool),
		meta:         make(map[string]SessionMeta),
		digests:      make(map[string]domain.DigestData),
	}
}

// Append implements Store.
func (m *Memory) Append(_ context.Context, sessionID string, msg domain.Message) error {
	if err := validSession(sessionID); err != nil {
		return err
	}
	if msg.ID == "" || msg.Timestamp.IsZero() {
		return errors.New("repository: Append: message id and timestamp are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionID + "/" + msg.ID
	if m.seen[key] {
		return fmt.Errorf("repository: Append: message %s already stored", msg.ID)
	}
	m.seen[key] = true
	msg.SessionID = sessionID
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	return nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, sessionID string, meta SessionMeta) error {
	if err := validSession(sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.meta[sessionID]; ok && cur.LastTurn > meta.LastTurn {
		return nil
	}
	m.meta[sessionID] = meta
	return nil
}

// Meta implements Store.
func (m *Memory) Meta(_ context.Context, sessionID string) (SessionMeta, bool, error) {
	if err := validSession(sessionID); err != nil {
		return SessionMeta{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[sessionID]
	return meta, ok, nil
}

// History implements Store. Messages are ordered the way the DynamoDB sort
// key orders them: by timestamp, then ID.
func (m *Memory) History(_ context.Context, sessionID string) ([]domain.Message, error) {
	if err := validSession(sessionID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := append([]domain.Message(nil), m.messages[sessionID]...)
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > m.historyLimit {
		out = out[len(out)-m.historyLimit:]
	}
	return out, nil
}

// SaveDigest implements DigestStore.
func (m *Memory) SaveDigest(_ context.Context, sessionID string, d domain.DigestData) error {
	if err := validSession(sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.digests[sessionID]; ok && cur.Version >= d.Version {
		return fmt.Errorf("repository: SaveDigest v%d: %w", d.Version, ErrStaleDigest)
	}
	m.digests[sessionID] = d
	return nil
}

// LoadDigest implements DigestStore.
func (m *Memory) LoadDigest(_ context.Context, sessionID string) (domain.DigestData, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.digests[sessionID]
	return d, ok, nil
}

// SaveMetricsSnapshot implements SnapshotStore. Snapshots go through the
// codec so both stores hold the same bytes.
func (m *Memory) SaveMetricsSnapshot(_ context.Context, entries []domain.TurnMetrics, at time.Time) error {
	payload, err := codec.EncodeSnapshot(entries, at)
	if err != nil {
		return fmt.Errorf("repository: SaveMetricsSnapshot: %w", err)
	}
	snap, err := codec.DecodeSnapshot(payload)
	if err != nil {
		return fmt.Errorf("repository: SaveMetricsSnapshot: %w", err)
	}
	m.mu.Lock()
	m.snapshots = append(m.snapshots, snap)
	m.mu.Unlock()
	return nil
}

// LatestMetricsSnapshot implements SnapshotStore.
func (m *Memory) LatestMetricsSnapshot(_ context.Context) (codec.MetricsSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return codec.MetricsSnapshot{}, false, nil
	}
	return m.snapshots[len(m.snapshots)-1], true, nil
}
