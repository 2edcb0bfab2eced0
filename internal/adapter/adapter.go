// Package adapter connects generative capabilities to model providers.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Request is one completion call on behalf of a capability.
type Request struct {
	// SystemPrompt frames the model's role, usually from the capability
	// descriptor.
	SystemPrompt string

	// Prompt is the rendered user prompt with capability inputs bound.
	Prompt string

	// Model overrides the adapter's configured model for this call.
	Model string

	// MaxTokens bounds the response length. Zero = adapter default.
	MaxTokens int
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the model's completion.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Adapter is the abstraction over any model provider.
type Adapter interface {
	// Complete sends one prompt and returns the model's response.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the adapter identifier (e.g. "anthropic").
	Name() string
}

// Registry maps adapter names to configured adapters. Capabilities pick
// an adapter by name; the empty name resolves to the default.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	defaultName string
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. The first registered adapter becomes the
// default unless SetDefault picks another.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.adapters) == 0 {
		r.defaultName = a.Name()
	}
	r.adapters[a.Name()] = a
}

// SetDefault picks the adapter used when capabilities name none.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("unknown adapter %q", name)
	}
	r.defaultName = name
	return nil
}

// Get resolves an adapter by name. Empty name = the default.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q", name)
	}
	return a, nil
}

// Names returns the registered adapter names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
