package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"multiai-chat/internal/backend"
	"multiai-chat/internal/domain"
	"multiai-chat/internal/integrations/transport"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultAttempts   = 2
	defaultRetryDelay = 2 * time.Second
)

// Config describes one OpenAI-compatible provider.
type Config struct {
	// Provider is the credential id passed to the credential store.
	Provider string
	BaseURL  string
	Model    string
	// FallbackModel is tried once when the provider rejects Model.
	FallbackModel string
	MaxTokens     int
	// CompletionTokens sends max_completion_tokens instead of max_tokens.
	CompletionTokens bool
	// Attempts bounds the number of tries on timeout.
	Attempts   int
	RetryDelay time.Duration
	// AttemptTimeout bounds each try; zero leaves only the caller's deadline.
	AttemptTimeout time.Duration
}

// CallBudget is the longest a call can take when every attempt times out,
// retry pauses included. Zero means attempts are bounded only by the caller.
func (c Config) CallBudget() time.Duration {
	if c.AttemptTimeout <= 0 {
		return 0
	}
	n := time.Duration(max(c.Attempts, 1))
	return n*c.AttemptTimeout + (n-1)*c.RetryDelay
}

// ChatGPTConfig is the OpenAI preset.
func ChatGPTConfig() Config {
	return Config{
		Provider:         "openai",
		BaseURL:          defaultBaseURL,
		Model:            "gpt-5",
		FallbackModel:    "gpt-4o",
		MaxTokens:        2048,
		CompletionTokens: true,
		Attempts:         defaultAttempts,
		RetryDelay:       defaultRetryDelay,
		AttemptTimeout:   120 * time.Second,
	}
}

// MistralConfig is the Mistral preset.
func MistralConfig() Config {
	return Config{
		Provider:  "mistral",
		BaseURL:   "https://api.mistral.ai/v1",
		Model:     "mistral-large-latest",
		MaxTokens: 4096,
		Attempts:  1,
	}
}

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model               string               `json:"model"`
	Messages            []domain.ChatMessage `json:"messages"`
	MaxTokens           int                  `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                  `json:"max_completion_tokens,omitempty"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int                `json:"index"`
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Client is a backend.Adapter for OpenAI-compatible chat completion APIs.
type Client struct {
	cfg       Config
	creds     backend.Credentials
	transport *transport.Client
	logger    *zap.Logger
}

type Option func(*Client)

// WithTransport replaces the default transport.
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

// NewClient creates a Client for cfg. The API key is looked up through creds
// on every call so a newly stored key takes effect without a restart.
func NewClient(creds backend.Credentials, cfg Config, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, errors.New("openai: credentials must not be nil")
	}
	cfg.Provider = strings.TrimSpace(cfg.Provider)
	if cfg.Provider == "" {
		return nil, errors.New("openai: provider must not be empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	c := &Client{cfg: cfg, creds: creds}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = transport.New()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "openai"), zap.String("provider", cfg.Provider))
	return c, nil
}

// CallBudget implements the panel's dispatch timeout check.
func (c *Client) CallBudget() time.Duration {
	return c.cfg.CallBudget()
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Send implements backend.Adapter. Timeouts are retried up to Attempts times;
// a model-not-found rejection switches to FallbackModel once per attempt.
func (c *Client) Send(ctx context.Context, content string, history []domain.ChatMessage, systemPrompt string) (backend.Reply, error) {
	apiKey, err := backend.RequireSecret(ctx, c.creds, c.cfg.Provider)
	if err != nil {
		return backend.Reply{}, err
	}
	messages := buildMessages(content, history, systemPrompt)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		reply, err := c.sendWithFallback(ctx, apiKey, messages)
		if err == nil {
			return reply, nil
		}
		if !backend.IsTimeout(err) || ctx.Err() != nil {
			return backend.Reply{}, err
		}
		lastErr = err
		c.logger.Warn("chat completion timed out",
			zap.Int("attempt", attempt),
			zap.Int("attempts", c.cfg.Attempts),
			zap.Error(err))
		if attempt < c.cfg.Attempts {
			if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
				break
			}
		}
	}
	if c.cfg.Attempts == 1 {
		return backend.Reply{}, lastErr
	}
	return backend.Reply{}, &backend.NetworkError{
		Reason:  fmt.Sprintf("%s timed out after %d attempts", c.cfg.Model, c.cfg.Attempts),
		Timeout: true,
		Err:     lastErr,
	}
}

func (c *Client) sendWithFallback(ctx context.Context, apiKey string, messages []domain.ChatMessage) (backend.Reply, error) {
	reply, err := c.sendWithModel(ctx, apiKey, c.cfg.Model, messages)
	var bErr *backend.BackendError
	if err == nil || !errors.As(err, &bErr) || !bErr.ModelNotFound() ||
		c.cfg.FallbackModel == "" || c.cfg.FallbackModel == c.cfg.Model {
		return reply, err
	}
	c.logger.Info("model rejected, using fallback",
		zap.String("model", c.cfg.Model),
		zap.String("fallback", c.cfg.FallbackModel),
		zap.String("reason", bErr.Message))
	return c.sendWithModel(ctx, apiKey, c.cfg.FallbackModel, messages)
}

func (c *Client) sendWithModel(ctx context.Context, apiKey, model string, messages []domain.ChatMessage) (backend.Reply, error) {
	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}

	req := chatRequest{Model: model, Messages: messages}
	if c.cfg.CompletionTokens {
		req.MaxCompletionTokens = c.cfg.MaxTokens
	} else {
		req.MaxTokens = c.cfg.MaxTokens
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)

	var payload chatResponse
	if err := c.transport.PostJSON(ctx, chatURL(c.cfg.BaseURL), header, req, &payload); err != nil {
		return backend.Reply{}, err
	}
	if len(payload.Choices) == 0 {
		return backend.Reply{}, &backend.BackendError{Message: "no choices in response"}
	}
	text := strings.TrimSpace(payload.Choices[0].Message.Content)
	if text == "" {
		return backend.Reply{}, &backend.BackendError{Message: "empty completion"}
	}

	reply := backend.Reply{Text: text}
	if u := payload.Usage; u != nil {
		reply.Usage = &domain.TokenUsage{
			InputTokens:  u.PromptTokens,
			OutputTokens: u.CompletionTokens,
			TotalTokens:  u.TotalTokens,
		}
	}
	return reply, nil
}

func buildMessages(content string, history []domain.ChatMessage, systemPrompt string) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history)+2)
	if systemPrompt != "" {
		out = append(out, domain.ChatMessage{Role: domain.RoleSystem, Content: systemPrompt})
	}
	out = append(out, history...)
	return append(out, domain.ChatMessage{Role: domain.RoleUser, Content: content})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
