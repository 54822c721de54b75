// Package anthropic implements the Claude backend adapter over the Messages
// API.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"multiai-chat/internal/backend"
	"multiai-chat/internal/domain"
	"multiai-chat/internal/integrations/transport"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
	// Provider is the credential id for Claude.
	Provider = "anthropic"
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
	System    string    `json:"system,omitempty"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Client is a backend.Adapter for Claude.
type Client struct {
	baseURL   string
	model     string
	maxTokens int
	provider  string
	creds     backend.Credentials
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

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithProvider overrides the credential id looked up on every call.
func WithProvider(provider string) Option {
	return func(c *Client) {
		if p := strings.TrimSpace(provider); p != "" {
			c.provider = p
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

// NewClient creates a Claude adapter.
func NewClient(creds backend.Credentials, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, errors.New("anthropic: credentials must not be nil")
	}
	c := &Client{
		baseURL:   defaultBaseURL,
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
		provider:  Provider,
		creds:     creds,
	}
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
	c.logger = c.logger.With(zap.String("component", "anthropic"))
	return c, nil
}

// Send implements backend.Adapter.
func (c *Client) Send(ctx context.Context, content string, history []domain.ChatMessage, systemPrompt string) (backend.Reply, error) {
	apiKey, err := backend.RequireSecret(ctx, c.creds, c.provider)
	if err != nil {
		return backend.Reply{}, err
	}

	msgs := make([]message, 0, len(history)+1)
	for _, m := range history {
		if m.Role == domain.RoleSystem {
			continue
		}
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, message{Role: domain.RoleUser, Content: content})

	header := http.Header{}
	header.Set("x-api-key", apiKey)
	header.Set("anthropic-version", apiVersion)

	var payload messagesResponse
	err = c.transport.PostJSON(ctx, c.baseURL+"/v1/messages", header, messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  msgs,
		System:    systemPrompt,
	}, &payload)
	if err != nil {
		return backend.Reply{}, err
	}

	var b strings.Builder
	for _, block := range payload.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return backend.Reply{}, &backend.BackendError{Message: "no text content in response"}
	}
	c.logger.Debug("claude reply",
		zap.String("model", payload.Model),
		zap.String("stop_reason", payload.StopReason),
		zap.Int("input_tokens", payload.Usage.InputTokens),
		zap.Int("output_tokens", payload.Usage.OutputTokens))

	return backend.Reply{
		Text: text,
		Usage: &domain.TokenUsage{
			InputTokens:  payload.Usage.InputTokens,
			OutputTokens: payload.Usage.OutputTokens,
			TotalTokens:  payload.Usage.InputTokens + payload.Usage.OutputTokens,
		},
	}, nil
}
