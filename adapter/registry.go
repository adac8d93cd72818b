package adapter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/paneflow/cache"
	"github.com/jonwraymond/paneflow/observe"
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithModelCache sets the cache for provider model lists. The default is an
// in-memory cache with a five minute TTL.
func WithModelCache(c cache.Cache[[]ModelInfo]) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.models = c
		}
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l observe.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry holds adapters by provider name.
//
// Contract:
// - Concurrency: all methods are safe for concurrent use.
// - Model lists are cached per provider; concurrent misses for the same
//   provider share one discovery call.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter

	models cache.Cache[[]ModelInfo]
	group  singleflight.Group
	logger observe.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
		models:   cache.NewMemory[[]ModelInfo](cache.DefaultPolicy()),
		logger:   observe.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an adapter under its Name.
func (r *Registry) Register(a Adapter) error {
	name := a.Name()
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownProvider)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for provider.
func (r *Registry) Get(provider string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[provider]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return a, nil
}

// Providers returns the registered provider names in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

func modelsKey(provider string) string {
	return "models:" + provider
}

// Models returns the models served by provider, from cache when fresh.
func (r *Registry) Models(ctx context.Context, provider string) ([]ModelInfo, error) {
	a, err := r.Get(provider)
	if err != nil {
		return nil, err
	}

	if models, ok := r.models.Get(ctx, modelsKey(provider)); ok {
		return models, nil
	}

	v, err, _ := r.group.Do(provider, func() (any, error) {
		models, err := a.Models(ctx)
		if err != nil {
			return nil, err
		}
		if err := r.models.Set(ctx, modelsKey(provider), models, 0); err != nil {
			r.logger.Warn(ctx, "failed to cache models",
				observe.Field{Key: "provider", Value: provider},
				observe.Field{Key: "error", Value: err},
			)
		}
		return models, nil
	})
	if err != nil {
		return nil, fmt.Errorf("adapter: %s models: %w", provider, err)
	}
	return v.([]ModelInfo), nil
}

// DiscoverModels returns the model lists of every provider. Providers that
// fail or serve no models are left out.
func (r *Registry) DiscoverModels(ctx context.Context) map[string][]ModelInfo {
	out := make(map[string][]ModelInfo)
	for _, provider := range r.Providers() {
		models, err := r.Models(ctx, provider)
		if err != nil {
			r.logger.Warn(ctx, "model discovery failed",
				observe.Field{Key: "provider", Value: provider},
				observe.Field{Key: "error", Value: err},
			)
			continue
		}
		if len(models) > 0 {
			out[provider] = models
		}
	}

	var total int
	for _, models := range out {
		total += len(models)
	}
	r.logger.Debug(ctx, "model discovery complete",
		observe.Field{Key: "providers", Value: len(out)},
		observe.Field{Key: "models", Value: total},
	)
	return out
}

// LookupModel finds a model by id. A qualified "provider:model" id searches
// only that provider; a bare id searches every provider.
func (r *Registry) LookupModel(ctx context.Context, id string) (ModelInfo, bool) {
	provider, model, err := ParseModelID(id)
	if err != nil {
		for _, models := range r.DiscoverModels(ctx) {
			if m, ok := findModel(models, id); ok {
				return m, true
			}
		}
		return ModelInfo{}, false
	}

	models, err := r.Models(ctx, provider)
	if err != nil {
		return ModelInfo{}, false
	}
	if m, ok := findModel(models, model); ok {
		return m, true
	}
	return findModel(models, id)
}

func findModel(models []ModelInfo, id string) (ModelInfo, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// ValidateModel reports whether id names an available model.
func (r *Registry) ValidateModel(ctx context.Context, id string) bool {
	_, ok := r.LookupModel(ctx, id)
	return ok
}

// ClearCache drops the cached model list of every provider.
func (r *Registry) ClearCache(ctx context.Context) error {
	var errs []error
	for _, provider := range r.Providers() {
		if err := r.models.Delete(ctx, modelsKey(provider)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
