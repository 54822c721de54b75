// Package secrets resolves provider API keys for the backend adapters.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"multiai-chat/internal/backend"
	"multiai-chat/internal/integrations/paramstore"
)

// Store is the parameter store used by ParamStore.
// *paramstore.Client satisfies it.
type Store interface {
	GetParameter(ctx context.Context, name string) (string, error)
	PutParameter(ctx context.Context, name, value string) error
	DeleteParameter(ctx context.Context, name string) error
}

// tokenPayload is the expected JSON shape stored in SSM for an API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// ParamStore reads "<prefix>/<provider>-token" parameters. Successful lookups
// are cached for the life of the process; misses and failures are not, so a
// key added later is picked up on the next call.
type ParamStore struct {
	store  Store
	prefix string

	mu    sync.RWMutex
	cache map[string]string
}

var _ backend.Credentials = (*ParamStore)(nil)

// NewParamStore creates a ParamStore rooted at prefix.
func NewParamStore(store Store, prefix string) (*ParamStore, error) {
	if store == nil {
		return nil, errors.New("secrets: paramstore store must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("secrets: parameter prefix must not be empty")
	}
	return &ParamStore{store: store, prefix: prefix, cache: make(map[string]string)}, nil
}

// ParameterName returns the SSM parameter holding providerID's token.
func (p *ParamStore) ParameterName(providerID string) string {
	return p.prefix + "/" + providerID + "-token"
}

// GetSecret implements backend.Credentials.
func (p *ParamStore) GetSecret(ctx context.Context, providerID string) (string, bool, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return "", false, errors.New("secrets: provider id is empty")
	}

	p.mu.RLock()
	token, ok := p.cache[providerID]
	p.mu.RUnlock()
	if ok {
		return token, true, nil
	}

	raw, err := p.store.GetParameter(ctx, p.ParameterName(providerID))
	if err != nil {
		if errors.Is(err, paramstore.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("secrets: fetch %s token: %w", providerID, err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", false, fmt.Errorf("secrets: unmarshal %s token as JSON: %w", providerID, err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", false, nil
	}

	p.mu.Lock()
	p.cache[providerID] = tp.Token
	p.mu.Unlock()
	return tp.Token, true, nil
}

// SetSecret stores token for providerID and refreshes the cache.
func (p *ParamStore) SetSecret(ctx context.Context, providerID, token string) error {
	providerID = strings.TrimSpace(providerID)
	token = strings.TrimSpace(token)
	if providerID == "" {
		return errors.New("secrets: provider id is empty")
	}
	if token == "" {
		return errors.New("secrets: token is empty")
	}
	raw, err := json.Marshal(tokenPayload{Token: token})
	if err != nil {
		return fmt.Errorf("secrets: marshal %s token: %w", providerID, err)
	}
	if err := p.store.PutParameter(ctx, p.ParameterName(providerID), string(raw)); err != nil {
		return fmt.Errorf("secrets: store %s token: %w", providerID, err)
	}
	p.mu.Lock()
	p.cache[providerID] = token
	p.mu.Unlock()
	return nil
}

// DeleteSecret removes providerID's token. Deleting a missing token is not an
// error.
func (p *ParamStore) DeleteSecret(ctx context.Context, providerID string) error {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return errors.New("secrets: provider id is empty")
	}
	if err := p.store.DeleteParameter(ctx, p.ParameterName(providerID)); err != nil {
		return fmt.Errorf("secrets: delete %s token: %w", providerID, err)
	}
	p.mu.Lock()
	delete(p.cache, providerID)
	p.mu.Unlock()
	return nil
}

// Env reads keys from environment variables named <PROVIDER>_API_KEY.
type Env struct {
	lookup func(string) (string, bool)
}

var _ backend.Credentials = Env{}

// NewEnv creates an Env source. A nil lookup uses os.LookupEnv.
func NewEnv(lookup func(string) (string, bool)) Env {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return Env{lookup: lookup}
}

// VariableName returns the environment variable consulted for providerID.
func VariableName(providerID string) string {
	r := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return strings.ToUpper(r.Replace(strings.TrimSpace(providerID))) + "_API_KEY"
}

// GetSecret implements backend.Credentials.
func (e Env) GetSecret(_ context.Context, providerID string) (string, bool, error) {
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(VariableName(providerID))
	v = strings.TrimSpace(v)
	return v, ok && v != "", nil
}

// Chain consults sources in order and returns the first secret found. A
// source error stops the search.
type Chain []backend.Credentials

// GetSecret implements backend.Credentials.
func (c Chain) GetSecret(ctx context.Context, providerID string) (string, bool, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		v, ok, err := src.GetSecret(ctx, providerID)
		if err != nil {
			return "", false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return "", false, nil
}
