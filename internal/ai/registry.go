package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, newError(name, KindConfig, fmt.Errorf("unknown ai provider %q (have %s)", name, strings.Join(r.Names(), ", ")))
	}
	return f(ctx, model)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ProviderSettings carries the per-backend connection details used by
// RegisterBuiltins.
type ProviderSettings struct {
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string
	GeminiAPIKey      string
	GeminiModel       string
}

// RegisterBuiltins wires the ollama, openrouter and gemini factories. An empty
// model falls back to the backend's configured default.
func (r *Registry) RegisterBuiltins(s ProviderSettings) {
	r.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		return NewOllamaProvider(s.OllamaBaseURL, pick(model, s.OllamaModel)), nil
	})
	r.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		if s.OpenRouterAPIKey == "" {
			return nil, newError("openrouter", KindConfig, errors.New("OPENROUTER_API_KEY is not set"))
		}
		return NewOpenRouterProvider(s.OpenRouterBaseURL, s.OpenRouterAPIKey, pick(model, s.OpenRouterModel), s.OpenRouterSiteURL, s.OpenRouterAppName), nil
	})
	r.Register("gemini", func(ctx context.Context, model string) (Provider, error) {
		return NewGeminiProvider(ctx, s.GeminiAPIKey, pick(model, s.GeminiModel))
	})
}

func pick(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
