package capability

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// ErrUnknownCapability is returned when a lookup names no registered
// capability.
var ErrUnknownCapability = errors.New("unknown capability")

// Registry stores capability descriptors by ID. It is read-mostly after
// load and safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	caps   map[string]*Capability
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		caps:   make(map[string]*Capability),
		logger: logger,
	}
}

// Register stores a descriptor by ID. Re-registering an existing ID
// overwrites the prior entry — last write wins. The overwrite is logged at
// WARN so a silently shadowed capability is at least visible in the logs.
func (r *Registry) Register(c *Capability) error {
	if err := c.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[c.ID]; exists {
		r.logger.Warn("capability overwritten on re-register",
			slog.String("capability_id", c.ID),
			slog.String("type", string(c.Type)),
		)
	}
	r.caps[c.ID] = c
	return nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, id)
	}
	return c, nil
}

// Remove deletes a descriptor. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caps, id)
}

// List returns all descriptors sorted by ID, so the order is stable for
// the lifetime of the process.
func (r *Registry) List() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}
