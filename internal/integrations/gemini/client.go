// Package gemini implements the Gemini backend adapter over the
// generateContent API.
package gemini

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"multiai-chat/internal/backend"
	"multiai-chat/internal/domain"
	"multiai-chat/internal/integrations/transport"
)

const (
	defaultBaseURL         = "https://generativelanguage.googleapis.com/v1beta"
	defaultMaxOutputTokens = 2048
	// Provider is the credential id for Gemini.
	Provider = "gemini"
)

// DefaultModels are tried in order until one is accepted.
var DefaultModels = []string{"gemini-1.5-flash-latest", "gemini-1.5-pro-latest", "gemini-pro"}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"system_instruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generation_config,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Client is a backend.Adapter for Gemini.
type Client struct {
	baseURL         string
	models          []string
	maxOutputTokens int
	provider        string
	creds           backend.Credentials
	transport       *transport.Client
	logger          *zap.Logger
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

// WithModels replaces the model preference list.
func WithModels(models ...string) Option {
	return func(c *Client) {
		var kept []string
		for _, m := range models {
			if m = strings.TrimSpace(m); m != "" {
				kept = append(kept, m)
			}
		}
		if len(kept) > 0 {
			c.models = kept
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

// NewClient creates a Gemini adapter.
func NewClient(creds backend.Credentials, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, errors.New("gemini: credentials must not be nil")
	}
	c := &Client{
		baseURL:         defaultBaseURL,
		models:          DefaultModels,
		maxOutputTokens: defaultMaxOutputTokens,
		provider:        Provider,
		creds:           creds,
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
	c.logger = c.logger.With(zap.String("component", "gemini"))
	return c, nil
}

func (c *Client) generateURL(model string) string {
	return c.baseURL + "/models/" + url.PathEscape(model) + ":generateContent"
}

// Send implements backend.Adapter. Models are tried in order while the
// provider reports the current one as not found.
func (c *Client) Send(ctx context.Context, text string, history []domain.ChatMessage, systemPrompt string) (backend.Reply, error) {
	apiKey, err := backend.RequireSecret(ctx, c.creds, c.provider)
	if err != nil {
		return backend.Reply{}, err
	}
	req := buildRequest(text, history, systemPrompt, c.maxOutputTokens)

	for i, model := range c.models {
		reply, err := c.sendWithModel(ctx, apiKey, model, req)
		if err == nil {
			return reply, nil
		}
		var bErr *backend.BackendError
		if i < len(c.models)-1 && errors.As(err, &bErr) && isNotFound(bErr) {
			c.logger.Info("model not found, trying next", zap.String("model", model), zap.String("reason", bErr.Message))
			continue
		}
		return backend.Reply{}, err
	}
	return backend.Reply{}, &backend.BackendError{Message: "no Gemini models configured"}
}

func isNotFound(err *backend.BackendError) bool {
	return err.ModelNotFound() || strings.Contains(strings.ToLower(err.Message), "not found")
}

func (c *Client) sendWithModel(ctx context.Context, apiKey, model string, req generateRequest) (backend.Reply, error) {
	header := http.Header{}
	header.Set("x-goog-api-key", apiKey)

	var payload generateResponse
	if err := c.transport.PostJSON(ctx, c.generateURL(model), header, req, &payload); err != nil {
		return backend.Reply{}, err
	}
	if len(payload.Candidates) == 0 {
		return backend.Reply{}, &backend.BackendError{Message: "no candidates in response"}
	}

	var b strings.Builder
	for _, p := range payload.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return backend.Reply{}, &backend.BackendError{Message: "empty candidate (finish reason " + payload.Candidates[0].FinishReason + ")"}
	}

	reply := backend.Reply{Text: out}
	if u := payload.UsageMetadata; u != nil {
		reply.Usage = &domain.TokenUsage{
			InputTokens:  u.PromptTokenCount,
			OutputTokens: u.CandidatesTokenCount,
			TotalTokens:  u.TotalTokenCount,
		}
	}
	return reply, nil
}

// buildRequest maps chat roles onto Gemini's user/model roles.
func buildRequest(text string, history []domain.ChatMessage, systemPrompt string, maxOutputTokens int) generateRequest {
	contents := make([]content, 0, len(history)+1)
	for _, m := range history {
		role := "user"
		switch m.Role {
		case domain.RoleSystem:
			continue
		case domain.RoleAssistant:
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	contents = append(contents, content{Role: "user", Parts: []part{{Text: text}}})

	req := generateRequest{Contents: contents}
	if systemPrompt != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: systemPrompt}}}
	}
	if maxOutputTokens > 0 {
		req.GenerationConfig = &generationConfig{MaxOutputTokens: maxOutputTokens}
	}
	return req
}
