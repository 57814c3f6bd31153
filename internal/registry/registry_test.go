package registry

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveUsesBuiltinCatalog(t *testing.T) {
	reg, err := New([]Spec{
		{ID: "anthropic-main", Kind: domain.ProviderAnthropic, BaseURL: "https://api.anthropic.com"},
	}, testLogger())
	require.NoError(t, err)

	resolved, err := reg.Resolve("anthropic-main", "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderAnthropic, resolved.Kind)
	assert.Equal(t, "https://api.anthropic.com", resolved.BaseURL)
	assert.True(t, resolved.Model.SupportsTools)
	assert.Positive(t, resolved.Model.ContextWindow)
}

func TestResolveErrors(t *testing.T) {
	reg, err := New([]Spec{
		{ID: "openai-main", Kind: domain.ProviderOpenAI},
	}, testLogger())
	require.NoError(t, err)

	_, err = reg.Resolve("nope", "gpt-4o")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	_, err = reg.Resolve("openai-main", "not-a-model")
	assert.ErrorIs(t, err, domain.ErrUnknownModel)
}

func TestResolveDoesNoNetworkIO(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	reg, err := New([]Spec{
		{ID: "local", Kind: domain.ProviderOllama, BaseURL: srv.URL,
			Models: []domain.ModelInfo{{ID: "llama3.2", SupportsTools: true}}},
	}, testLogger())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := reg.Resolve("local", "llama3.2")
		require.NoError(t, err)
	}
	assert.Zero(t, hits.Load(), "Resolve must never contact the backend")
}

func TestRefreshModelsFetchesOllamaTags(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		hits.Add(1)
		w.Write([]byte(`{"models":[{"name":"llama3.2","size":2000000000},{"name":"qwen2.5-coder","size":4000000000}]}`))
	}))
	defer srv.Close()

	reg, err := New([]Spec{
		{ID: "local", Kind: domain.ProviderOllama, BaseURL: srv.URL},
	}, testLogger())
	require.NoError(t, err)

	require.NoError(t, reg.RefreshModels(context.Background(), "local"))
	models, err := reg.Models("local")
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3.2", models[0].ID)

	// Second refresh within the TTL is served from the snapshot.
	require.NoError(t, reg.RefreshModels(context.Background(), "local"))
	assert.Equal(t, int32(1), hits.Load())

	// Invalidate drops freshness; the next refresh refetches.
	reg.Invalidate()
	require.NoError(t, reg.RefreshModels(context.Background(), "local"))
	assert.Equal(t, int32(2), hits.Load())
}

func TestRefreshModelsTTLExpiry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"models":[{"name":"llama3.2"}]}`))
	}))
	defer srv.Close()

	reg, err := New([]Spec{
		{ID: "local", Kind: domain.ProviderOllama, BaseURL: srv.URL},
	}, testLogger(), WithCatalogTTL(time.Nanosecond))
	require.NoError(t, err)

	require.NoError(t, reg.RefreshModels(context.Background(), "local"))
	time.Sleep(time.Millisecond)
	require.NoError(t, reg.RefreshModels(context.Background(), "local"))
	assert.Equal(t, int32(2), hits.Load())
}

func TestRefreshModelsStaticCatalogIsNoop(t *testing.T) {
	reg, err := New([]Spec{
		{ID: "openai-main", Kind: domain.ProviderOpenAI},
	}, testLogger())
	require.NoError(t, err)

	require.NoError(t, reg.RefreshModels(context.Background(), "openai-main"))
}

func TestInFlightResolutionSurvivesReplace(t *testing.T) {
	reg, err := New([]Spec{
		{ID: "openai-main", Kind: domain.ProviderOpenAI, BaseURL: "https://old.example.com"},
	}, testLogger())
	require.NoError(t, err)

	resolved, err := reg.Resolve("openai-main", "gpt-4o")
	require.NoError(t, err)

	require.NoError(t, reg.Replace([]Spec{
		{ID: "other", Kind: domain.ProviderAnthropic},
	}))

	// The captured resolution is unaffected by the swap.
	assert.Equal(t, "https://old.example.com", resolved.BaseURL)
	assert.Equal(t, "gpt-4o", resolved.Model.ID)

	// New lookups see only the new snapshot.
	_, err = reg.Resolve("openai-main", "gpt-4o")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestNewRejectsDuplicateProviders(t *testing.T) {
	_, err := New([]Spec{
		{ID: "dup", Kind: domain.ProviderOpenAI},
		{ID: "dup", Kind: domain.ProviderAnthropic},
	}, testLogger())
	assert.Error(t, err)
}

func TestCustomModelsOverrideCatalog(t *testing.T) {
	reg, err := New([]Spec{
		{ID: "proxy", Kind: domain.ProviderOpenAI,
			Models: []domain.ModelInfo{{ID: "my-tuned-model", ContextWindow: 8192}}},
	}, testLogger())
	require.NoError(t, err)

	models, err := reg.Models("proxy")
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "my-tuned-model", models[0].ID)

	_, err = reg.Resolve("proxy", "gpt-4o")
	assert.ErrorIs(t, err, domain.ErrUnknownModel)
}
