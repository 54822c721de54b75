package backend

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"multiai-chat/internal/domain"
)

const defaultTimeout = 60 * time.Second

// Entry is a registered backend.
type Entry struct {
	Info    Info
	Adapter Adapter
}

// Registry maps backend identifiers to adapters.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.BackendID]Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.BackendID]Entry)}
}

// Register adds an adapter. Zero fields of info are filled from the built-in
// catalog.
func (r *Registry) Register(info Info, adapter Adapter) error {
	if adapter == nil {
		return errors.New("backend: adapter must not be nil")
	}
	if strings.TrimSpace(string(info.ID)) == "" {
		return errors.New("backend: id must not be empty")
	}
	if known, ok := knownBackends[info.ID]; ok {
		if info.DisplayName == "" {
			info.DisplayName = known.DisplayName
		}
		if info.SecretName == "" {
			info.SecretName = known.SecretName
		}
		if info.Timeout <= 0 {
			info.Timeout = known.Timeout
		}
		if !info.Local {
			info.Local = known.Local
		}
	}
	if info.DisplayName == "" {
		info.DisplayName = string(info.ID)
	}
	if info.Timeout <= 0 {
		info.Timeout = defaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[info.ID]; dup {
		return fmt.Errorf("backend: %q already registered", info.ID)
	}
	r.entries[info.ID] = Entry{Info: info, Adapter: adapter}
	return nil
}

// Lookup returns the entry registered for id.
func (r *Registry) Lookup(id domain.BackendID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// DisplayName implements the name lookup used by the router and preparer.
func (r *Registry) DisplayName(id domain.BackendID) string {
	if e, ok := r.Lookup(id); ok {
		return e.Info.DisplayName
	}
	return DisplayName(id)
}

// IDs returns the registered backends in canonical order, followed by any
// custom ones sorted by id.
func (r *Registry) IDs() []domain.BackendID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.BackendID, 0, len(r.entries))
	seen := make(map[domain.BackendID]bool, len(r.entries))
	for _, id := range Order {
		if _, ok := r.entries[id]; ok {
			out = append(out, id)
			seen[id] = true
		}
	}
	var extra []domain.BackendID
	for id := range r.entries {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}
