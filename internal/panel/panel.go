// Package panel assembles a ready-to-use orchestrator from configuration:
// one adapter per enabled backend, the metrics collector with snapshot
// persistence, and the token budget.
package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"multiai-chat/internal/backend"
	"multiai-chat/internal/budget"
	"multiai-chat/internal/config"
	"multiai-chat/internal/digest"
	"multiai-chat/internal/domain"
	"multiai-chat/internal/integrations/anthropic"
	"multiai-chat/internal/integrations/gemini"
	"multiai-chat/internal/integrations/ollama"
	"multiai-chat/internal/integrations/openai"
	"multiai-chat/internal/integrations/transport"
	"multiai-chat/internal/metrics"
	"multiai-chat/internal/orchestrator"
	"multiai-chat/internal/repository"
)

const snapshotWriteTimeout = 5 * time.Second

// Deps are the collaborators Build cannot create from configuration.
type Deps struct {
	Store       repository.Store
	Credentials backend.Credentials

	// Digests persists session digests. Optional.
	Digests repository.DigestStore
	// Snapshots receives metrics snapshots. Optional.
	Snapshots repository.SnapshotStore
	// Registerer receives the Prometheus collectors. Optional.
	Registerer prometheus.Registerer
	// Counter measures prompts when a backend reports no usage. Optional.
	Counter    budget.Counter
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Panel is an assembled orchestrator together with the parts callers may
// want to inspect.
type Panel struct {
	*orchestrator.Orchestrator

	Registry *backend.Registry
	Metrics  *metrics.Collector
	// Local holds the availability tracker of every local backend.
	Local map[domain.BackendID]*backend.Availability
}

// Build wires every enabled backend in cfg.
func Build(cfg *config.Config, deps Deps) (*Panel, error) {
	if cfg == nil {
		return nil, errors.New("panel: config must not be nil")
	}
	if deps.Store == nil {
		return nil, errors.New("panel: store must not be nil")
	}
	if deps.Credentials == nil {
		return nil, errors.New("panel: credentials must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Panel{
		Registry: backend.NewRegistry(),
		Local:    make(map[domain.BackendID]*backend.Availability),
	}
	for _, id := range cfg.Enabled() {
		info := cfg.Info(id)
		adapter, err := p.adapterFor(info, cfg.Backends[id], deps, logger)
		if err != nil {
			return nil, err
		}
		if b, ok := adapter.(budgeted); ok && b.CallBudget() > info.Timeout {
			logger.Info("backend timeout raised to cover retries",
				zap.String("backend", string(id)),
				zap.Duration("configured", info.Timeout),
				zap.Duration("timeout", b.CallBudget()))
			info.Timeout = b.CallBudget()
		}
		if err := p.Registry.Register(info, adapter); err != nil {
			return nil, fmt.Errorf("panel: register %s: %w", id, err)
		}
	}

	p.Metrics = metrics.NewCollector(metrics.Options{
		Capacity:      cfg.Metrics.Capacity,
		SnapshotEvery: cfg.Metrics.SnapshotEvery,
		Namespace:     cfg.Metrics.Namespace,
		Registerer:    deps.Registerer,
		OnSnapshot:    persistSnapshots(deps.Snapshots, logger),
		Logger:        logger,
	})

	orch, err := orchestrator.New(orchestrator.Config{
		Registry: p.Registry,
		Store:    deps.Store,
		Digests:  deps.Digests,
		Metrics:  p.Metrics,
		Budget:   budget.New(cfg.Budgets(), logger),
		Counter:  deps.Counter,
		Digest: digest.Options{
			Ceiling:         cfg.Digest.Ceiling,
			RefreshInterval: cfg.Digest.RefreshInterval,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	p.Orchestrator = orch
	return p, nil
}

// RefreshLocal probes every local backend once.
func (p *Panel) RefreshLocal(ctx context.Context) map[domain.BackendID]backend.State {
	out := make(map[domain.BackendID]backend.State, len(p.Local))
	for id, a := range p.Local {
		out[id] = a.Refresh(ctx)
	}
	return out
}

// budgeted adapters retry internally and need a dispatch timeout that covers
// every attempt.
type budgeted interface {
	CallBudget() time.Duration
}

func (p *Panel) adapterFor(info backend.Info, b config.BackendConfig, deps Deps, logger *zap.Logger) (backend.Adapter, error) {
	id := info.ID
	t := newTransport(b, deps.HTTPClient)
	secret := info.SecretName
	if secret == "" {
		secret = string(id)
	}

	switch id {
	case domain.BackendClaude:
		return anthropic.NewClient(deps.Credentials,
			anthropic.WithProvider(secret),
			anthropic.WithBaseURL(b.BaseURL),
			anthropic.WithModel(b.Model),
			anthropic.WithMaxTokens(b.MaxTokens),
			anthropic.WithTransport(t),
			anthropic.WithLogger(logger))

	case domain.BackendChatGPT:
		return openai.NewClient(deps.Credentials, openAIConfig(openai.ChatGPTConfig(), b, secret),
			openai.WithTransport(t), openai.WithLogger(logger))

	case domain.BackendMistral:
		return openai.NewClient(deps.Credentials, openAIConfig(openai.MistralConfig(), b, secret),
			openai.WithTransport(t), openai.WithLogger(logger))

	case domain.BackendGemini:
		models := b.Models
		if len(models) == 0 && b.Model != "" {
			models = []string{b.Model}
		}
		return gemini.NewClient(deps.Credentials,
			gemini.WithProvider(secret),
			gemini.WithBaseURL(b.BaseURL),
			gemini.WithModels(models...),
			gemini.WithTransport(t),
			gemini.WithLogger(logger))

	case domain.BackendOllama:
		client := ollama.NewClient(
			ollama.WithBaseURL(b.BaseURL),
			ollama.WithModel(b.Model),
			ollama.WithTransport(t),
			ollama.WithLogger(logger))
		avail, err := backend.NewAvailability(client.Probe, logger)
		if err != nil {
			return nil, fmt.Errorf("panel: %s availability: %w", id, err)
		}
		p.Local[id] = avail
		return avail.Gate(client), nil
	}

	// Anything else is an OpenAI-compatible endpoint.
	if b.BaseURL == "" || b.Model == "" {
		return nil, fmt.Errorf("panel: backend %q needs base_url and model", id)
	}
	return openai.NewClient(deps.Credentials, openAIConfig(openai.Config{Attempts: 1}, b, secret),
		openai.WithTransport(t), openai.WithLogger(logger))
}

func openAIConfig(base openai.Config, b config.BackendConfig, secret string) openai.Config {
	base.Provider = secret
	if b.BaseURL != "" {
		base.BaseURL = b.BaseURL
	}
	if b.Model != "" {
		base.Model = b.Model
	}
	if b.FallbackModel != "" {
		base.FallbackModel = b.FallbackModel
	}
	if b.MaxTokens > 0 {
		base.MaxTokens = b.MaxTokens
	}
	if b.AttemptTimeout > 0 {
		base.AttemptTimeout = b.AttemptTimeout
	}
	if b.RetryDelay > 0 {
		base.RetryDelay = b.RetryDelay
	}
	return base
}

func newTransport(b config.BackendConfig, httpClient *http.Client) *transport.Client {
	opts := []transport.Option{transport.WithRateLimit(b.RateLimit, b.Burst)}
	if httpClient != nil {
		opts = append(opts, transport.WithHTTPClient(httpClient))
	}
	return transport.New(opts...)
}

func persistSnapshots(store repository.SnapshotStore, logger *zap.Logger) metrics.SnapshotFunc {
	if store == nil {
		return nil
	}
	return func(entries []domain.TurnMetrics) {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
		defer cancel()
		if err := store.SaveMetricsSnapshot(ctx, entries, time.Now()); err != nil {
			logger.Warn("persist metrics snapshot failed", zap.Int("samples", len(entries)), zap.Error(err))
		}
	}
}
