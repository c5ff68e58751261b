package connector

import (
	"fmt"
	"sync"

	"github.com/ocx/backend/internal/model"
)

// Registry is the process-wide map from Platform to its Connector
// implementation, instance-scoped rather than a package-level singleton
// so tests can build an isolated registry.
type Registry struct {
	mu         sync.RWMutex
	connectors map[model.Platform]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[model.Platform]Connector)}
}

// Register wires a platform's connector implementation. Re-registering a
// platform replaces the existing entry.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Platform()] = c
}

// Get returns the connector registered for platform, or an error if none
// has been wired.
func (r *Registry) Get(platform model.Platform) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[platform]
	if !ok {
		return nil, fmt.Errorf("connector: no connector registered for platform %q", platform)
	}
	return c, nil
}

// Platforms lists every platform with a registered connector.
func (r *Registry) Platforms() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Platform, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	return out
}
