// Package registry enumerates configured backends, their model catalogs,
// and capability flags. A registry snapshot is immutable: settings changes
// replace it wholesale, so an in-flight request always finishes against
// the ResolvedModel it captured at start.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"modelrelay/internal/adapter/wire"
	"modelrelay/internal/domain"
)

// defaultCatalogTTL bounds how long a dynamically fetched model list is
// reused before RefreshModels contacts the daemon again.
const defaultCatalogTTL = 5 * time.Minute

// Spec configures one provider entry.
type Spec struct {
	ID      string
	Kind    domain.ProviderKind
	BaseURL string
	// Models extends or, when non-empty for a static-catalog backend,
	// replaces the built-in catalog.
	Models []domain.ModelInfo
}

// Registry holds the current provider snapshot. All read paths are
// lock-free; RefreshModels and Replace swap the snapshot pointer
// atomically.
type Registry struct {
	snap   atomic.Pointer[snapshot]
	client *http.Client
	ttl    time.Duration
	logger *slog.Logger
}

type snapshot struct {
	providers []domain.ProviderDescriptor
	index     map[string]int
	fetchedAt map[string]time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient sets the client used for dynamic catalog fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// WithCatalogTTL overrides the dynamic catalog cache lifetime.
func WithCatalogTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// New builds a registry from provider specs. Static-catalog backends get
// their built-in model tables immediately; dynamic catalogs start empty
// until RefreshModels is called.
func New(specs []Spec, logger *slog.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    defaultCatalogTTL,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	snap, err := buildSnapshot(specs)
	if err != nil {
		return nil, err
	}
	r.snap.Store(snap)
	return r, nil
}

func buildSnapshot(specs []Spec) (*snapshot, error) {
	snap := &snapshot{
		index:     make(map[string]int, len(specs)),
		fetchedAt: make(map[string]time.Time),
	}
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, domain.NewRelayError("registry.New", domain.ErrUnknownProvider, "provider with empty id")
		}
		if _, dup := snap.index[spec.ID]; dup {
			return nil, domain.NewRelayError("registry.New", domain.ErrUnknownProvider, "duplicate provider "+spec.ID)
		}

		models := spec.Models
		if len(models) == 0 {
			models = builtinCatalog(spec.Kind)
		}
		desc := domain.ProviderDescriptor{
			ID:             spec.ID,
			Kind:           spec.Kind,
			BaseURL:        strings.TrimRight(spec.BaseURL, "/"),
			Models:         models,
			DynamicCatalog: spec.Kind == domain.ProviderOllama,
		}
		snap.index[desc.ID] = len(snap.providers)
		snap.providers = append(snap.providers, desc)
	}
	return snap, nil
}

// List returns the providers in configuration order.
func (r *Registry) List() []domain.ProviderDescriptor {
	snap := r.snap.Load()
	out := make([]domain.ProviderDescriptor, len(snap.providers))
	copy(out, snap.providers)
	return out
}

// Models returns the model catalog for a provider.
func (r *Registry) Models(providerID string) ([]domain.ModelInfo, error) {
	snap := r.snap.Load()
	i, ok := snap.index[providerID]
	if !ok {
		return nil, domain.NewRelayError("registry.Models", domain.ErrUnknownProvider, providerID)
	}
	return snap.providers[i].Models, nil
}

// Resolve looks up a (provider, model) pair in the current snapshot. It
// performs no network I/O: dynamic catalogs resolve against whatever the
// last RefreshModels observed.
func (r *Registry) Resolve(providerID, modelID string) (domain.ResolvedModel, error) {
	snap := r.snap.Load()
	i, ok := snap.index[providerID]
	if !ok {
		return domain.ResolvedModel{}, domain.NewRelayError("registry.Resolve", domain.ErrUnknownProvider, providerID)
	}
	desc := snap.providers[i]
	for _, m := range desc.Models {
		if m.ID == modelID {
			return domain.ResolvedModel{
				ProviderID: desc.ID,
				Kind:       desc.Kind,
				BaseURL:    desc.BaseURL,
				Model:      m,
			}, nil
		}
	}
	return domain.ResolvedModel{}, domain.NewRelayError("registry.Resolve", domain.ErrUnknownModel,
		fmt.Sprintf("%s/%s", providerID, modelID))
}

// RefreshModels fetches a dynamic provider's model list and swaps in a new
// snapshot. Fetches within the catalog TTL are skipped. Static-catalog
// providers are a no-op.
func (r *Registry) RefreshModels(ctx context.Context, providerID string) error {
	snap := r.snap.Load()
	i, ok := snap.index[providerID]
	if !ok {
		return domain.NewRelayError("registry.RefreshModels", domain.ErrUnknownProvider, providerID)
	}
	desc := snap.providers[i]
	if !desc.DynamicCatalog {
		return nil
	}
	if at, fetched := snap.fetchedAt[providerID]; fetched && time.Since(at) < r.ttl {
		return nil
	}

	models, err := r.fetchOllamaTags(ctx, desc.BaseURL)
	if err != nil {
		return err
	}

	r.logger.Debug("model catalog refreshed", "provider", providerID, "models", len(models))
	r.swap(func(next *snapshot) {
		i, ok := next.index[providerID]
		if !ok {
			return
		}
		next.providers[i].Models = models
		next.fetchedAt[providerID] = time.Now()
	})
	return nil
}

// Invalidate drops dynamic catalog freshness so the next RefreshModels
// refetches. Called by the host on credential or settings changes.
func (r *Registry) Invalidate() {
	r.swap(func(next *snapshot) {
		next.fetchedAt = make(map[string]time.Time)
	})
}

// Replace rebuilds the registry from new specs, wholesale.
func (r *Registry) Replace(specs []Spec) error {
	snap, err := buildSnapshot(specs)
	if err != nil {
		return err
	}
	r.snap.Store(snap)
	return nil
}

// swap clones the current snapshot, applies mutate, and stores the clone.
func (r *Registry) swap(mutate func(*snapshot)) {
	old := r.snap.Load()
	next := &snapshot{
		providers: make([]domain.ProviderDescriptor, len(old.providers)),
		index:     make(map[string]int, len(old.index)),
		fetchedAt: make(map[string]time.Time, len(old.fetchedAt)),
	}
	copy(next.providers, old.providers)
	for k, v := range old.index {
		next.index[k] = v
	}
	for k, v := range old.fetchedAt {
		next.fetchedAt[k] = v
	}
	mutate(next)
	r.snap.Store(next)
}

func (r *Registry) fetchOllamaTags(ctx context.Context, baseURL string) ([]domain.ModelInfo, error) {
	if baseURL == "" {
		baseURL = wire.DefaultOllamaBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return nil, domain.WrapOp("registry.RefreshModels", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, domain.NewRelayError("registry.RefreshModels", domain.ErrNetwork, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.NewRelayError("registry.RefreshModels", domain.ErrNetwork, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewRelayError("registry.RefreshModels", domain.ErrNetwork,
			fmt.Sprintf("status %d: %s", resp.StatusCode, body))
	}

	var tags wire.OllamaTagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, domain.NewRelayError("registry.RefreshModels", domain.ErrDecoding, err.Error())
	}

	models := make([]domain.ModelInfo, 0, len(tags.Models))
	for _, tag := range tags.Models {
		models = append(models, domain.ModelInfo{
			ID:            tag.Name,
			DisplayName:   tag.Name,
			ContextWindow: 8192, // daemon does not report it; callers may override via Spec.Models
			SupportsTools: true,
		})
	}
	return models, nil
}
