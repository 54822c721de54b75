// Package ollama talks to a local Ollama daemon: an availability probe and a
// chat adapter over the native /api/chat endpoint.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"multiai-chat/internal/backend"
	"multiai-chat/internal/domain"
	"multiai-chat/internal/integrations/transport"
)

const (
	defaultBaseURL = "http://localhost:11434"
	// DefaultModel is the model the probe requires and chat uses.
	DefaultModel = "llama3.1:8b"
	probeTimeout = 5 * time.Second
)

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

type chatResponse struct {
	Model           string             `json:"model"`
	Message         domain.ChatMessage `json:"message"`
	Done            bool               `json:"done"`
	PromptEvalCount int                `json:"prompt_eval_count"`
	EvalCount       int                `json:"eval_count"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Client is a backend.Adapter for a local Ollama daemon. It needs no
// credential.
type Client struct {
	baseURL   string
	model     string
	transport *transport.Client
	logger    *zap.Logger
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithTransport(t *transport.Client) Option {
	return func(c *Client) {
		c.transport = t
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an Ollama client.
func NewClient(opts ...Option) *Client {
	c := &Client{baseURL: defaultBaseURL, model: DefaultModel}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.transport == nil {
		c.transport = transport.New()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "ollama"))
	return c
}

// Probe reports an error unless the daemon answers and has the configured
// model pulled. It satisfies backend.Probe.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var tags tagsResponse
	if err := c.transport.GetJSON(ctx, c.baseURL+"/api/tags", nil, &tags); err != nil {
		return fmt.Errorf("ollama: list models: %w", err)
	}
	for _, m := range tags.Models {
		if strings.Contains(m.Name, c.model) {
			return nil
		}
	}
	return fmt.Errorf("ollama: model %s not pulled", c.model)
}

// Send implements backend.Adapter.
func (c *Client) Send(ctx context.Context, content string, history []domain.ChatMessage, systemPrompt string) (backend.Reply, error) {
	msgs := make([]domain.ChatMessage, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: content})

	var payload chatResponse
	err := c.transport.PostJSON(ctx, c.baseURL+"/api/chat", nil, chatRequest{Model: c.model, Messages: msgs}, &payload)
	if err != nil {
		var netErr *backend.NetworkError
		if errors.As(err, &netErr) && netErr.Timeout {
			netErr.Reason = "Llama took too long to respond; the first request after start can be slow"
		}
		return backend.Reply{}, err
	}

	text := strings.TrimSpace(payload.Message.Content)
	if text == "" {
		return backend.Reply{}, &backend.BackendError{Message: "empty response from " + c.model}
	}
	reply := backend.Reply{Text: text}
	if payload.PromptEvalCount > 0 || payload.EvalCount > 0 {
		reply.Usage = &domain.TokenUsage{
			InputTokens:  payload.PromptEvalCount,
			OutputTokens: payload.EvalCount,
			TotalTokens:  payload.PromptEvalCount + payload.EvalCount,
		}
	}
	return reply, nil
}
