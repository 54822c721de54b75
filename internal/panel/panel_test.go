package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"multiai-chat/internal/backend"
	"multiai-chat/internal/config"
	"multiai-chat/internal/domain"
	"multiai-chat/internal/orchestrator"
	"multiai-chat/internal/repository"
	"multiai-chat/internal/secrets"
)

func envOf(vars map[string]string) secrets.Env {
	return secrets.NewEnv(func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	})
}

func TestBuild_Validation(t *testing.T) {
	store := repository.NewMemory(0)
	creds := envOf(nil)

	_, err := Build(nil, Deps{Store: store, Credentials: creds})
	require.ErrorContains(t, err, "config must not be nil")
	_, err = Build(config.Default(), Deps{Credentials: creds})
	require.ErrorContains(t, err, "store must not be nil")
	_, err = Build(config.Default(), Deps{Store: store})
	require.ErrorContains(t, err, "credentials must not be nil")
}

func TestBuild_RegistersEnabledBackends(t *testing.T) {
	cfg := config.Default()
	off := false
	b := cfg.Backends[domain.BackendMistral]
	b.Enabled = &off
	cfg.Backends[domain.BackendMistral] = b

	p, err := Build(cfg, Deps{
		Store:       repository.NewMemory(0),
		Credentials: envOf(nil),
		Registerer:  prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	require.Equal(t, []domain.BackendID{"claude", "chatgpt", "gemini", "ollama"}, p.Backends())
	require.Contains(t, p.Local, domain.BackendOllama)
	require.Equal(t, backend.StateUnknown, p.Local[domain.BackendOllama].State())

	entry, ok := p.Registry.Lookup(domain.BackendOllama)
	require.True(t, ok)
	require.True(t, entry.Info.Local)
	require.Equal(t, "Llama", entry.Info.DisplayName)
}

func TestBuild_CustomBackendNeedsEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Backends["grok"] = config.BackendConfig{Model: "grok-2"}

	_, err := Build(cfg, Deps{Store: repository.NewMemory(0), Credentials: envOf(nil)})
	require.ErrorContains(t, err, `backend "grok" needs base_url and model`)
}

func TestBuild_CustomBackendRunsTurn(t *testing.T) {
	var gotPath, gotAuth, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"grok-2","choices":[{"index":0,"message":{"role":"assistant","content":"Grok here."}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Backends: map[domain.BackendID]config.BackendConfig{
			"grok": {DisplayName: "Grok", BaseURL: srv.URL, Model: "grok-2", Secret: "xai"},
		},
		Digest:       config.Default().Digest,
		Metrics:      config.MetricsConfig{SnapshotEvery: 1},
		HistoryLimit: 50,
	}
	require.NoError(t, cfg.Validate())

	mem := repository.NewMemory(0)
	p, err := Build(cfg, Deps{
		Store:       mem,
		Digests:     mem,
		Snapshots:   mem,
		Credentials: envOf(map[string]string{"XAI_API_KEY": "sk-test"}),
		HTTPClient:  srv.Client(),
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	res, err := p.RunTurn(context.Background(), orchestrator.TurnInput{SessionID: "s", Text: "hello"})
	require.NoError(t, err)
	require.Len(t, res.Responses, 1)
	require.Equal(t, "Grok here.", res.Responses[0].Text)
	require.Equal(t, "/v1/chat/completions", gotPath)
	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Equal(t, "grok-2", gotModel)

	snap, found, err := mem.LatestMetricsSnapshot(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, snap.Entries, 1)
	require.Equal(t, 12, *snap.Entries[0].ActualTokens)
}

func TestRefreshLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1:8b"}]}`))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	b := cfg.Backends[domain.BackendOllama]
	b.BaseURL = srv.URL
	cfg.Backends[domain.BackendOllama] = b

	p, err := Build(cfg, Deps{Store: repository.NewMemory(0), Credentials: envOf(nil), HTTPClient: srv.Client()})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	states := p.RefreshLocal(context.Background())
	require.Equal(t, map[domain.BackendID]backend.State{domain.BackendOllama: backend.StateAvailable}, states)
}

func TestBuild_ChatGPTRetriesWithinDispatchTimeout(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"Second try."}}]}`))
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Backends: map[domain.BackendID]config.BackendConfig{
			domain.BackendChatGPT: {
				BaseURL:        srv.URL,
				Timeout:        50 * time.Millisecond,
				AttemptTimeout: 150 * time.Millisecond,
				RetryDelay:     10 * time.Millisecond,
			},
		},
		Digest:       config.Default().Digest,
		HistoryLimit: 50,
	}
	require.NoError(t, cfg.Validate())

	p, err := Build(cfg, Deps{
		Store:       repository.NewMemory(0),
		Credentials: envOf(map[string]string{"OPENAI_API_KEY": "sk-test"}),
		HTTPClient:  srv.Client(),
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	entry, ok := p.Registry.Lookup(domain.BackendChatGPT)
	require.True(t, ok)
	require.Equal(t, 310*time.Millisecond, entry.Info.Timeout)

	res, err := p.RunTurn(context.Background(), orchestrator.TurnInput{SessionID: "s", Text: "hello"})
	require.NoError(t, err)
	require.Len(t, res.Responses, 1)
	require.Equal(t, "Second try.", res.Responses[0].Text)
	require.EqualValues(t, 2, requests.Load())
}

func TestBuild_ClaudeUsesConfiguredSecret(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Hi."}]}`))
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Backends: map[domain.BackendID]config.BackendConfig{
			domain.BackendClaude: {BaseURL: srv.URL, Secret: "claude-team"},
		},
		Digest:       config.Default().Digest,
		HistoryLimit: 50,
	}
	p, err := Build(cfg, Deps{
		Store: repository.NewMemory(0),
		Credentials: envOf(map[string]string{
			"ANTHROPIC_API_KEY":   "sk-default",
			"CLAUDE_TEAM_API_KEY": "sk-team",
		}),
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	res, err := p.RunTurn(context.Background(), orchestrator.TurnInput{SessionID: "s", Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, "Hi.", res.Responses[0].Text)
	require.Equal(t, "sk-team", gotKey)
}

func TestBuild_DefaultPanelSkipsUnavailableLocalBackend(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := config.Default()
	b := cfg.Backends[domain.BackendOllama]
	b.BaseURL = deadURL
	cfg.Backends[domain.BackendOllama] = b

	p, err := Build(cfg, Deps{Store: repository.NewMemory(0), Credentials: envOf(nil)})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	states := p.RefreshLocal(context.Background())
	require.Equal(t, backend.StateUnavailable, states[domain.BackendOllama])

	// Without keys the remote backends fail fast, before any network call.
	res, err := p.RunTurn(context.Background(), orchestrator.TurnInput{SessionID: "s", Text: "hello everyone"})
	require.NoError(t, err)
	require.Equal(t, []domain.BackendID{"claude", "chatgpt", "gemini", "mistral"}, res.Routing.Requested)
	require.Equal(t, []domain.BackendID{"claude", "chatgpt", "gemini", "mistral"}, res.Turn.Participants)
	require.NotContains(t, res.Routing.Dropped, domain.BackendOllama)

	// Asking for it explicitly still reaches it and reports why it failed.
	res, err = p.RunTurn(context.Background(), orchestrator.TurnInput{
		SessionID:      "s",
		Text:           "hello",
		ActiveBackends: []domain.BackendID{domain.BackendOllama},
	})
	require.NoError(t, err)
	require.Len(t, res.Responses, 1)
	require.Equal(t, "[Llama Error]: network error: local service is not running", res.Responses[0].Text)
}
