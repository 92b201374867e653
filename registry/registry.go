// Package registry implements the local name registry (spec §4.F):
// a flat name → process.Ref mapping, automatically pruned when the
// owning process terminates.
package registry

import (
	"context"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/noexrun/noex/errdefs"
	"github.com/noexrun/noex/internal/events"
	"github.com/noexrun/noex/process"
)

// Registry maps flat string names to local process references.
// Backed by an immutable radix tree keyed on the name so prefix
// enumeration (GetNames with a prefix) is an O(k) walk rather than a
// full scan, the same structure the teacher keeps
// for its own indexed network state.
type Registry struct {
	mu   sync.Mutex
	tree *iradix.Tree

	unsubscribe func()
}

// New constructs an empty registry subscribed to kernel's lifecycle bus
// for automatic cleanup on process termination (spec §4.F: "no
// finalization step required of user code").
func New(bus *events.Bus) *Registry {
	r := &Registry{tree: iradix.New()}
	if bus != nil {
		r.unsubscribe = bus.Subscribe(context.Background(), r.onLifecycle)
	}
	return r
}

func (r *Registry) onLifecycle(lc events.Lifecycle) {
	if lc.Kind != events.Terminated && lc.Kind != events.Crashed {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale [][]byte // a ref may be registered under several names
	r.tree.Walk(func(k []byte, v interface{}) bool {
		if v.(process.Ref).ID == lc.ServerId {
			stale = append(stale, k)
		}
		return false
	})
	for _, k := range stale {
		r.tree, _, _ = r.tree.Delete(k)
	}
}

// Close unsubscribes from the lifecycle bus.
func (r *Registry) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// Register associates name with ref. A name already bound to a live
// process signals RegistryConflict (spec §4.F, testable property
// table: "register -> caller retries with different name").
func (r *Registry) Register(name string, ref process.Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tree.Get([]byte(name)); ok {
		return errdefs.NewRegistryConflict(name)
	}
	r.tree, _, _ = r.tree.Insert([]byte(name), ref)
	return nil
}

// Unregister removes name, if present. Double-unregister is a no-op
// (spec §8 testable properties: "Double-unregister is a no-op").
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree, _, _ = r.tree.Delete([]byte(name))
}

// Lookup resolves name, signaling GlobalNameNotFound-shaped failure
// when absent — spec §4.F "lookup (throws if missing)". The local
// registry reuses the same error kind used by the global registry's
// lookup for symmetry; callers that want an optional result use
// Whereis instead.
func (r *Registry) Lookup(name string) (process.Ref, error) {
	ref, ok := r.Whereis(name)
	if !ok {
		return process.Ref{}, errdefs.NewGlobalNameNotFound(name)
	}
	return ref, nil
}

// Whereis resolves name, returning ok=false rather than an error when
// absent (spec §4.F "whereis (returns optional)").
func (r *Registry) Whereis(name string) (process.Ref, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.tree.Get([]byte(name))
	if !ok {
		return process.Ref{}, false
	}
	return v.(process.Ref), true
}

// IsRegistered reports whether name is currently bound.
func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.Whereis(name)
	return ok
}

// GetNames returns every currently registered name, optionally
// restricted to those sharing prefix (empty prefix lists everything).
func (r *Registry) GetNames(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	walk := func(k []byte, _ interface{}) bool {
		names = append(names, string(k))
		return false
	}
	if prefix == "" {
		r.tree.Walk(walk)
	} else {
		r.tree.WalkPrefix([]byte(prefix), walk)
	}
	return names
}
