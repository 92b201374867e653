// Package catalog implements the behavior catalog (spec §4.H): because
// behaviors (code) cannot be serialized across nodes, remote spawn
// requires every node to independently register the same behavior under
// the same name before the cluster starts. Spawn then carries the name,
// never the implementation.
package catalog

import (
	"reflect"
	"sync"

	"github.com/noexrun/noex/errdefs"
	"github.com/noexrun/noex/process"
)

// Factory builds a fresh Behavior instance for a spawn request.
type Factory func() process.Behavior

// Catalog is a process-wide name → factory map, populated at boot
// before the cluster starts accepting remote spawns.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Factory
}

// New constructs an empty catalog.
func New() *Catalog {
	return &Catalog{entries: make(map[string]Factory)}
}

// Register binds name to factory. Re-registering the same name with an
// identical factory is idempotent (spec §4.H: "register is idempotent
// for identical entries"); registering a different factory under an
// already-bound name signals BehaviorConflict (spec §9 Open Question 3,
// resolved: reject unless same factory pointer).
func (c *Catalog) Register(name string, factory Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[name]; ok {
		if samePointer(existing, factory) {
			return nil
		}
		return errdefs.NewBehaviorConflict(name)
	}
	c.entries[name] = factory
	return nil
}

func samePointer(a, b Factory) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// Get resolves name to its factory, or signals BehaviorNotFound (spec
// §4.H: "get(name) returns the factory or signals BehaviorNotFound").
func (c *Catalog) Get(name string) (Factory, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.entries[name]
	if !ok {
		return nil, errdefs.NewBehaviorNotFound(name)
	}
	return f, nil
}

// Has reports whether name is registered, without allocating an error.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}
