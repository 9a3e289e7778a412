// Package registry tracks the RAS error sources of one machine and assigns
// each a signal vector.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/rasemu/internal/devices/ras"
)

// DefaultVectorBase is the first vector handed out when none is configured.
const DefaultVectorBase Vector = 0x8000

// MaxSources bounds the number of sources one registry accepts.
const MaxSources = 64

var (
	ErrDuplicateComponent = errors.New("registry: duplicate component")
	ErrNotInitialized     = errors.New("registry: no sources registered")
	ErrSealed             = errors.New("registry: sealed")
	ErrFull               = errors.New("registry: too many sources")
	ErrNotFound           = errors.New("registry: component not found")
)

// ComponentID identifies one error source.
type ComponentID struct {
	InstanceID uint32
	VendorID   uint32
}

func (c ComponentID) String() string {
	return fmt.Sprintf("%04x:%08x", c.VendorID, c.InstanceID)
}

// ComponentIDOf returns the component id of a bank identity.
func ComponentIDOf(id ras.Identity) ComponentID {
	return ComponentID{InstanceID: id.InstanceID, VendorID: id.VendorID}
}

// Vector is the signal vector firmware uses to name a source.
type Vector uint32

// Bank is the register bank behind a source. PendingRecord must read the
// bank under its own lock and must not modify it.
type Bank interface {
	PendingRecord() (int, ras.ErrorRecord, bool)
}

// RegisteredSource is an immutable registry entry.
type RegisteredSource struct {
	ID     ComponentID
	Vector Vector
	Bank   Bank
}

// Registry is an ordered set of sources. It is filled during bring-up and
// read-only once sealed.
type Registry struct {
	mu      sync.RWMutex
	next    Vector
	sealed  bool
	sources []RegisteredSource
	index   map[ComponentID]int
}

// New returns an empty registry whose first vector is base. A zero base
// selects DefaultVectorBase.
func New(base Vector) *Registry {
	if base == 0 {
		base = DefaultVectorBase
	}
	return &Registry{
		next:  base,
		index: make(map[ComponentID]int),
	}
}

// Register adds a source and returns its vector.
func (r *Registry) Register(id ComponentID, bank Bank) (Vector, error) {
	if bank == nil {
		return 0, fmt.Errorf("registry: component %s has no bank", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return 0, fmt.Errorf("%w: cannot register %s", ErrSealed, id)
	}
	if _, ok := r.index[id]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateComponent, id)
	}
	if len(r.sources) >= MaxSources {
		return 0, fmt.Errorf("%w: limit %d", ErrFull, MaxSources)
	}

	v := r.next
	r.next++
	r.index[id] = len(r.sources)
	r.sources = append(r.sources, RegisteredSource{ID: id, Vector: v, Bank: bank})
	return v, nil
}

// Seal ends bring-up. Later registrations fail with ErrSealed.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// All returns the sources in registration order.
func (r *Registry) All() ([]RegisteredSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sources) == 0 {
		return nil, ErrNotInitialized
	}
	return append([]RegisteredSource(nil), r.sources...), nil
}

// Lookup returns the source registered for id.
func (r *Registry) Lookup(id ComponentID) (RegisteredSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[id]
	if !ok {
		return RegisteredSource{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.sources[i], nil
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}
