package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
)

// Route binds a public model key to an adapter and its provider-side settings.
type Route struct {
	ModelKey      string
	Adapter       Adapter
	ProviderModel string
	Kind          domain.JobKind
	Credits       int
	OutputFormat  string
}

// Registry resolves model keys to adapter routes.
type Registry struct {
	routes   map[string]*Route
	adapters map[string]Adapter
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		routes:   make(map[string]*Route),
		adapters: make(map[string]Adapter),
	}
}

// NewRegistryFromConfig builds the adapters configured under providers and
// registers a route for every model.
// Models whose adapter has no credentials are logged and skipped.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()

	kieCfg := ConfigFrom(cfg.Providers.Kie)
	if kieCfg.APIKey != "" {
		r.AddAdapter(config.AdapterKieMarket, NewKieMarketAdapter(kieCfg))
		r.AddAdapter(config.AdapterKieVeo, NewKieVeoAdapter(kieCfg))
	}
	if cfg.Providers.Kling.AccessKey != "" && cfg.Providers.Kling.SecretKey != "" {
		r.AddAdapter(config.AdapterKling, NewKlingAdapter(KlingConfig{
			Config:    ConfigFrom(cfg.Providers.Kling.HTTPProviderConfig),
			AccessKey: cfg.Providers.Kling.AccessKey,
			SecretKey: cfg.Providers.Kling.SecretKey,
		}))
	}

	for i := range cfg.Models {
		m := cfg.Models[i]
		adapter, ok := r.adapter(m.Adapter)
		if m.APIKey != "" {
			adapter, ok = perModelAdapter(m, cfg), true
		}
		if !ok || adapter == nil {
			logger.Warn("Skipping model route: adapter not configured, model=%s, adapter=%s", m.Key, m.Adapter)
			continue
		}
		r.Register(&Route{
			ModelKey:      m.Key,
			Adapter:       adapter,
			ProviderModel: m.ProviderModel,
			Kind:          domain.JobKind(m.Kind),
			Credits:       m.Credits,
			OutputFormat:  m.OutputFormat,
		})
	}

	if len(r.routes) == 0 {
		return nil, fmt.Errorf("no model routes available: configure provider credentials")
	}
	return r, nil
}

// perModelAdapter builds a dedicated adapter for a model that overrides the API key.
func perModelAdapter(m config.ModelConfig, cfg *config.Config) Adapter {
	c := ConfigFrom(cfg.Providers.Kie)
	c.APIKey = m.APIKey
	switch m.Adapter {
	case config.AdapterKieMarket:
		return NewKieMarketAdapter(c)
	case config.AdapterKieVeo:
		return NewKieVeoAdapter(c)
	default:
		return nil
	}
}

// AddAdapter registers an adapter under name.
func (r *Registry) AddAdapter(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

func (r *Registry) adapter(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Register adds or replaces a model route.
func (r *Registry) Register(route *Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route.ModelKey] = route
	if _, ok := r.adapters[route.Adapter.Name()]; !ok {
		r.adapters[route.Adapter.Name()] = route.Adapter
	}
}

// Resolve returns the route for modelKey or domain.ErrUnknownModel.
func (r *Registry) Resolve(modelKey string) (*Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[modelKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownModel, modelKey)
	}
	return route, nil
}

// Models lists the registered routes ordered by model key.
func (r *Registry) Models() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelKey < out[j].ModelKey })
	return out
}
