// Package backend defines the contract between the turn orchestrator and the
// per-provider adapters, plus the registry that maps backend identifiers to
// adapters.
package backend

import (
	"context"
	"fmt"
	"strings"

	"multiai-chat/internal/domain"
)

// Reply is what an adapter returns for a successful call.
type Reply struct {
	Text  string
	Usage *domain.TokenUsage
}

// Adapter translates the uniform send call into one provider's wire protocol.
// Retries and model substitution are the adapter's own business.
type Adapter interface {
	Send(ctx context.Context, content string, history []domain.ChatMessage, systemPrompt string) (Reply, error)
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, content string, history []domain.ChatMessage, systemPrompt string) (Reply, error)

func (f AdapterFunc) Send(ctx context.Context, content string, history []domain.ChatMessage, systemPrompt string) (Reply, error) {
	return f(ctx, content, history, systemPrompt)
}

// Selectable is implemented by adapters whose backend may be switched off at
// run time. Backends that report false are left out of the default panel.
type Selectable interface {
	Selectable() bool
}

// IsSelectable reports whether adapter may join the default panel.
func IsSelectable(adapter Adapter) bool {
	s, ok := adapter.(Selectable)
	return !ok || s.Selectable()
}

// Credentials is the secret-storage collaborator.
type Credentials interface {
	GetSecret(ctx context.Context, providerID string) (string, bool, error)
}

// RequireSecret looks up the credential for providerID, mapping a missing or
// empty secret to ErrNoCredential.
func RequireSecret(ctx context.Context, creds Credentials, providerID string) (string, error) {
	if creds == nil {
		return "", ErrNoCredential
	}
	secret, ok, err := creds.GetSecret(ctx, providerID)
	if err != nil {
		return "", fmt.Errorf("backend: credential %q: %w", providerID, err)
	}
	if !ok || strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("%w for %s", ErrNoCredential, providerID)
	}
	return secret, nil
}
