package provider

import (
	"slices"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"

	"github.com/sells-group/credit-broker/internal/model"
)

// SettingsUpdater is implemented by adapters whose token responses carry
// connection settings that can change on refresh.
type SettingsUpdater interface {
	UpdateSettings(tok *oauth2.Token, settings *model.Settings)
}

// Registry maps a provider to its adapter.
type Registry struct {
	adapters map[model.Provider]Adapter
}

// NewRegistry builds a registry from adapters. A later adapter for the same
// provider replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// DefaultRegistry builds every supported adapter, applying per-provider
// overrides from cfgs (keyed by provider name).
func DefaultRegistry(cfgs map[string]Config) *Registry {
	return NewRegistry(
		NewQuickBooks(cfgs[string(model.ProviderQuickBooks)]),
		NewSalesforce(cfgs[string(model.ProviderSalesforce)]),
		NewMicrosoft(cfgs[string(model.ProviderMicrosoft)]),
		NewNotion(cfgs[string(model.ProviderNotion)]),
	)
}

// Get returns the adapter for p.
func (r *Registry) Get(p model.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, eris.Errorf("provider: unsupported provider %q", p)
	}
	return a, nil
}

// Providers lists registered providers in name order.
func (r *Registry) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func withDefaults(cfg, def Config) Config {
	if cfg.TokenURL == "" {
		cfg.TokenURL = def.TokenURL
	}
	if cfg.SandboxTokenURL == "" {
		cfg.SandboxTokenURL = def.SandboxTokenURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.SandboxBaseURL == "" {
		cfg.SandboxBaseURL = def.SandboxBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = def.APIVersion
	}
	if cfg.RateLimit.Count <= 0 || cfg.RateLimit.Window <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = def.SessionLifetime
	}
	return cfg
}
