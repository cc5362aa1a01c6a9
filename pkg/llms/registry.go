package llms

import (
	"fmt"
	"sort"

	"github.com/TanyuSylvain/unify-llm/pkg/config"
)

// Registry resolves model ids to provider adapters. It is built once at
// process start and immutable afterwards.
type Registry struct {
	providers map[string]Provider  // family -> adapter
	models    map[string]ModelInfo // model id -> capability record
	order     []string             // model ids in registration order
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		models:    make(map[string]ModelInfo),
	}
}

// Register adds a provider and its models.
func (r *Registry) Register(provider Provider, models []ModelInfo) error {
	name := provider.Name()
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	for _, m := range models {
		m.ProviderName = name
		if _, exists := r.models[m.ModelID]; exists {
			return fmt.Errorf("model %q already registered", m.ModelID)
		}
		r.models[m.ModelID] = m
		r.order = append(r.order, m.ModelID)
	}
	return nil
}

// BuildRegistry constructs the registry from configured provider families.
// Families without an API key were already dropped by config.FromEnv.
func BuildRegistry(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()
	for _, family := range config.Families {
		pcfg, ok := cfg.Providers[family]
		if !ok {
			continue
		}

		var provider Provider
		if family == config.FamilyGemini {
			provider = NewGeminiProvider(pcfg)
		} else {
			provider = NewOpenAICompatProvider(pcfg)
		}

		if err := r.Register(provider, catalog[family]); err != nil {
			return nil, fmt.Errorf("failed to register provider %s: %w", family, err)
		}
	}
	return r, nil
}

// Resolve maps a model id to its adapter and capability record.
func (r *Registry) Resolve(modelID string) (Provider, ModelInfo, error) {
	info, ok := r.models[modelID]
	if !ok {
		return nil, ModelInfo{}, fmt.Errorf("unknown model: %s", modelID)
	}
	provider := r.providers[info.ProviderName]
	return provider, info, nil
}

// Models returns all capability records in registration order.
func (r *Registry) Models() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// Providers returns the registered family names, sorted.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderModels returns the capability records for one family.
func (r *Registry) ProviderModels(name string) ([]ModelInfo, error) {
	if _, ok := r.providers[name]; !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	var out []ModelInfo
	for _, id := range r.order {
		if r.models[id].ProviderName == name {
			out = append(out, r.models[id])
		}
	}
	return out, nil
}

// Empty reports whether no provider could be registered.
func (r *Registry) Empty() bool {
	return len(r.providers) == 0
}
