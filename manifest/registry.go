package manifest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vanadium-vm/vanadium/vmerr"
)

// RegistryCapacity bounds the persistent registry (spec.md §3, §6).
const RegistryCapacity = 32

// ErrRegistryFull is returned by Put when the registry is at capacity
// and name names a new app rather than an existing one (spec.md §3:
// "reinsert replaces").
var ErrRegistryFull = errors.New("manifest: registry full")

// ErrNotRegistered is returned by Lookup when name has no entry.
var ErrNotRegistered = errors.New("manifest: app not registered")

// Entry is one persistent registry record (spec.md §3): the app's
// name, its registered vapp_hash, and up to MaxStorageSlots 32-byte
// persistent storage slots.
type Entry struct {
	Name     string
	VappHash [32]byte
	Storage  [MaxStorageSlots][32]byte
}

// Registry is the SE's persistent, capacity-bounded, name-keyed V-App
// directory (spec.md §3). It is grounded on the teacher's
// node.ServiceRegistry -- a mutex-guarded map plus a stable slice for
// iteration order -- stripped of dependency resolution and health
// checking, which this registry has no use for.
type Registry struct {
	mu       sync.Mutex
	byName   map[string]*Entry
	order    []string
	capacity int
}

// NewRegistry returns an empty registry with the fixed capacity of 32
// entries spec.md §3 specifies.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Entry, RegistryCapacity), capacity: RegistryCapacity}
}

// Put registers or replaces an entry by name (spec.md §3: "keyed by
// name (reinsert replaces)"). Only a genuinely new name can trip
// ErrRegistryFull; reinserting an existing name never does.
func (r *Registry) Put(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[e.Name]; !exists && len(r.order) >= r.capacity {
		return vmerr.New(vmerr.Resource, "manifest.Registry.Put", ErrRegistryFull)
	}
	entry := e
	if _, exists := r.byName[e.Name]; !exists {
		r.order = append(r.order, e.Name)
	}
	r.byName[e.Name] = &entry
	return nil
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return Entry{}, vmerr.New(vmerr.Protocol, "manifest.Registry.Lookup", ErrNotRegistered)
	}
	return *e, nil
}

// Delete removes name's entry, if any, clearing its persistent
// storage -- used on app reinstall (spec.md §3).
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return
	}
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Count returns the number of registered apps.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// SetStorage overwrites one persistent storage slot of a registered
// app (spec.md §6's storage slot layout).
func (r *Registry) SetStorage(name string, slot int, value [32]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return vmerr.New(vmerr.Protocol, "manifest.Registry.SetStorage", ErrNotRegistered)
	}
	if slot < 0 || slot >= MaxStorageSlots {
		return vmerr.New(vmerr.Protocol, "manifest.Registry.SetStorage", fmt.Errorf("manifest: storage slot %d out of range", slot))
	}
	e.Storage[slot] = value
	return nil
}
