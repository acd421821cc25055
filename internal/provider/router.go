package provider

import (
	"fmt"
	"strings"
	"sync"
)

// Router resolves model ids to the provider serving them. Exact model-id
// matches win; otherwise well-known id prefixes route by vendor.
type Router struct {
	mu        sync.RWMutex
	providers []Provider
	byModel   map[string]Provider
}

// NewRouter creates a router over the given providers.
func NewRouter(providers ...Provider) *Router {
	r := &Router{byModel: make(map[string]Provider)}
	for _, p := range providers {
		r.Add(p)
	}
	return r
}

// Add registers a provider and indexes its models.
func (r *Router) Add(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	for _, model := range p.Models() {
		r.byModel[model] = p
	}
}

// ForModel returns the provider serving the model.
func (r *Router) ForModel(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.byModel[model]; ok {
		return p, nil
	}

	var vendor string
	switch {
	case strings.HasPrefix(model, "claude"):
		vendor = "anthropic"
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		vendor = "openai"
	case strings.HasPrefix(model, "gemini"):
		vendor = "google"
	}
	for _, p := range r.providers {
		if p.Name() == vendor {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no provider serves model %q", model)
}

// Models lists every model id served by any registered provider.
func (r *Router) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, p := range r.providers {
		out = append(out, p.Models()...)
	}
	return out
}
