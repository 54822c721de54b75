package secrets

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"multiai-chat/internal/integrations/paramstore"
)

// ---------------------------------------------------------------------------
// ParamStore
// ---------------------------------------------------------------------------

// fakeGetter is a minimal Store stub keyed by parameter name.
type fakeGetter struct {
	values map[string]string
	err    error
	putErr error
	calls  int
}

func (f *fakeGetter) PutParameter(_ context.Context, name, value string) error {
	if f.putErr != nil {
		return f.putErr
	}
	if f.values == nil {
		f.values = map[string]string{}
	}
	f.values[name] = value
	return nil
}

func (f *fakeGetter) DeleteParameter(_ context.Context, name string) error {
	if f.putErr != nil {
		return f.putErr
	}
	delete(f.values, name)
	return nil
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.values[name]
	if !ok {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, paramstore.ErrNotFound)
	}
	return v, nil
}

func TestNewParamStore_Validation(t *testing.T) {
	_, err := NewParamStore(nil, "/panel")
	require.EqualError(t, err, "secrets: paramstore store must not be nil")
	_, err = NewParamStore(&fakeGetter{}, " / ")
	require.EqualError(t, err, "secrets: parameter prefix must not be empty")
}

func TestParamStore_ParameterName(t *testing.T) {
	p, err := NewParamStore(&fakeGetter{}, "/panel/")
	require.NoError(t, err)
	require.Equal(t, "/panel/anthropic-token", p.ParameterName("anthropic"))
}

func TestParamStore_CachesOnlySuccess(t *testing.T) {
	g := &fakeGetter{values: map[string]string{"/panel/openai-token": `{"token":"sk-from-ssm"}`}}
	p, err := NewParamStore(g, "/panel")
	require.NoError(t, err)
	ctx := context.Background()

	v, ok, err := p.GetSecret(ctx, "openai")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sk-from-ssm", v)
	_, _, _ = p.GetSecret(ctx, "openai")
	require.Equal(t, 1, g.calls, "successful lookups are cached")

	_, ok, err = p.GetSecret(ctx, "gemini")
	require.NoError(t, err)
	require.False(t, ok)
	g.values["/panel/gemini-token"] = `{"token":"g-key"}`
	v, ok, err = p.GetSecret(ctx, "gemini")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "g-key", v)
}

func TestParamStore_SetSecret(t *testing.T) {
	g := &fakeGetter{}
	p, err := NewParamStore(g, "/panel")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.SetSecret(ctx, "anthropic", " sk-ant "))
	require.JSONEq(t, `{"token":"sk-ant"}`, g.values["/panel/anthropic-token"])

	v, ok, err := p.GetSecret(ctx, "anthropic")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sk-ant", v)
	require.Zero(t, g.calls, "SetSecret primes the cache")

	require.ErrorContains(t, p.SetSecret(ctx, "anthropic", " "), "token is empty")
	g.putErr = errors.New("denied")
	require.ErrorContains(t, p.SetSecret(ctx, "openai", "k"), "denied")
}

func TestParamStore_DeleteSecret(t *testing.T) {
	g := &fakeGetter{}
	p, err := NewParamStore(g, "/panel")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.SetSecret(ctx, "gemini", "g-key"))
	require.NoError(t, p.DeleteSecret(ctx, "gemini"))
	require.NotContains(t, g.values, "/panel/gemini-token")

	_, ok, err := p.GetSecret(ctx, "gemini")
	require.NoError(t, err)
	require.False(t, ok, "the cache entry is dropped with the parameter")

	require.ErrorContains(t, p.DeleteSecret(ctx, " "), "provider id is empty")
	g.putErr = errors.New("denied")
	require.ErrorContains(t, p.DeleteSecret(ctx, "gemini"), "delete gemini token: denied")
}

func TestParamStore_EmptyToken(t *testing.T) {
	g := &fakeGetter{values: map[string]string{"/panel/mistral-token": `{"other":"x"}`}}
	p, _ := NewParamStore(g, "/panel")
	_, ok, err := p.GetSecret(context.Background(), "mistral")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParamStore_MalformedJSON(t *testing.T) {
	g := &fakeGetter{values: map[string]string{"/panel/openai-token": `{"broken`}}
	p, _ := NewParamStore(g, "/panel")
	_, _, err := p.GetSecret(context.Background(), "openai")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal")
}

func TestParamStore_GetterError(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	p, _ := NewParamStore(g, "/panel")
	_, ok, err := p.GetSecret(context.Background(), "openai")
	require.False(t, ok)
	require.ErrorContains(t, err, "ssm unavailable")
}

// ---------------------------------------------------------------------------
// Env and Chain
// ---------------------------------------------------------------------------

func TestVariableName(t *testing.T) {
	require.Equal(t, "OPENAI_API_KEY", VariableName("openai"))
	require.Equal(t, "MY_PROVIDER_API_KEY", VariableName("my-provider"))
}

func TestEnv(t *testing.T) {
	env := NewEnv(func(k string) (string, bool) {
		switch k {
		case "ANTHROPIC_API_KEY":
			return " sk-ant ", true
		case "GEMINI_API_KEY":
			return "", true
		}
		return "", false
	})
	v, ok, err := env.GetSecret(context.Background(), "anthropic")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sk-ant", v)

	_, ok, _ = env.GetSecret(context.Background(), "gemini")
	require.False(t, ok)
	_, ok, _ = env.GetSecret(context.Background(), "openai")
	require.False(t, ok)
}

func TestChain(t *testing.T) {
	env := NewEnv(func(k string) (string, bool) {
		if k == "OPENAI_API_KEY" {
			return "from-env", true
		}
		return "", false
	})
	g := &fakeGetter{values: map[string]string{
		"/panel/openai-token":  `{"token":"from-ssm"}`,
		"/panel/mistral-token": `{"token":"m-ssm"}`,
	}}
	ps, _ := NewParamStore(g, "/panel")
	chain := Chain{env, nil, ps}
	ctx := context.Background()

	v, ok, err := chain.GetSecret(ctx, "openai")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "from-env", v)

	v, ok, err = chain.GetSecret(ctx, "mistral")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "m-ssm", v)

	_, ok, err = chain.GetSecret(ctx, "gemini")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = Chain{&ParamStore{store: &fakeGetter{err: errors.New("boom")}, prefix: "/p", cache: map[string]string{}}}.GetSecret(ctx, "x")
	require.ErrorContains(t, err, "boom")
}
