// Package models resolves configured model identifiers to static capability
// and pricing metadata.
package models

import (
	"sort"
	"sync"
)

type ModelInfo struct {
	MaxTokens      int     `json:"max_tokens"`
	ContextWindow  int     `json:"context_window"`
	SupportsImages bool    `json:"supports_images"`
	InputPrice     float64 `json:"input_price"`  // USD per million tokens
	OutputPrice    float64 `json:"output_price"` // USD per million tokens
	Description    string  `json:"description,omitempty"`
}

type Model struct {
	ID   string    `json:"id"`
	Info ModelInfo `json:"info"`
}

// FallbackID is resolved when neither the configuration nor the backend
// names a model.
const FallbackID = "default"

var fallbackInfo = ModelInfo{
	MaxTokens:     4096,
	ContextWindow: 128000,
}

type Registry struct {
	mu       sync.RWMutex
	catalog  map[string]ModelInfo
	defaults map[string]string
}

func NewRegistry() *Registry {
	r := &Registry{
		catalog:  make(map[string]ModelInfo),
		defaults: make(map[string]string),
	}
	for id, info := range builtinCatalog {
		r.catalog[id] = info
	}
	for backend, id := range builtinDefaults {
		r.defaults[backend] = id
	}
	return r
}

func (r *Registry) Register(id string, info ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog[id] = info
}

func (r *Registry) SetDefault(backend, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[backend] = id
}

// Resolve returns the model a backend should use. An empty configuredID
// selects the backend default. override, when set, replaces the catalog info.
func (r *Registry) Resolve(backend, configuredID string, override *ModelInfo) Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defaultID, ok := r.defaults[backend]
	if !ok {
		defaultID = FallbackID
	}

	id := configuredID
	if id == "" {
		id = defaultID
	}

	if override != nil {
		return Model{ID: id, Info: *override}
	}
	if info, ok := r.catalog[id]; ok {
		return Model{ID: id, Info: info}
	}
	if info, ok := r.catalog[defaultID]; ok {
		return Model{ID: id, Info: info}
	}
	return Model{ID: id, Info: fallbackInfo}
}

func (r *Registry) List() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Model, 0, len(r.catalog))
	for id, info := range r.catalog {
		out = append(out, Model{ID: id, Info: info})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cost prices a completion in USD.
func Cost(info ModelInfo, inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*info.InputPrice + float64(outputTokens)*info.OutputPrice) / 1_000_000
}

var builtinDefaults = map[string]string{
	"openai":            "gpt-4o-mini",
	"openai-compatible": FallbackID,
	"ticketed":          FallbackID,
	"anthropic":         "claude-3-5-sonnet-20241022",
	"gemini":            "gemini-2.0-flash",
}

var builtinCatalog = map[string]ModelInfo{
	FallbackID: fallbackInfo,
	"gpt-4o": {
		MaxTokens: 16384, ContextWindow: 128000, SupportsImages: true,
		InputPrice: 2.5, OutputPrice: 10,
	},
	"gpt-4o-mini": {
		MaxTokens: 16384, ContextWindow: 128000, SupportsImages: true,
		InputPrice: 0.15, OutputPrice: 0.6,
	},
	"claude-3-5-sonnet-20241022": {
		MaxTokens: 8192, ContextWindow: 200000, SupportsImages: true,
		InputPrice: 3, OutputPrice: 15,
	},
	"claude-3-5-haiku-20241022": {
		MaxTokens: 8192, ContextWindow: 200000,
		InputPrice: 0.8, OutputPrice: 4,
	},
	"gemini-2.0-flash": {
		MaxTokens: 8192, ContextWindow: 1048576, SupportsImages: true,
		InputPrice: 0.1, OutputPrice: 0.4,
	},
	"gemini-1.5-pro": {
		MaxTokens: 8192, ContextWindow: 2097152, SupportsImages: true,
		InputPrice: 1.25, OutputPrice: 5,
	},
}
