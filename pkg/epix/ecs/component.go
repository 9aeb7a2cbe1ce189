package ecs

import (
	"reflect"
	"sync"

	"github.com/rotisserie/eris"
	"pkg.world.dev/epix/pkg/assert"
)

// Component is the interface that all components must implement.
// Components are pure data containers that can be attached to entities.
type Component interface { //nolint:iface // We may add more methods in the future.
	// Name returns a unique string identifier for the component type.
	// This should be consistent across program executions.
	Name() string
}

// SparseComponent is implemented by components that should be stored in a sparse set instead of an
// archetype table. Sparse storage makes adding and removing the component cheap at the cost of
// slower iteration, which suits short-lived markers.
type SparseComponent interface {
	Component
	SparseStorage()
}

// TypeID is the dense identifier of a registered component or resource type.
type TypeID uint32

// StorageType is where the values of a type live.
type StorageType uint8

const (
	// StorageTable stores values in the columns of an archetype table.
	StorageTable StorageType = iota
	// StorageSparse stores values in a per-type sparse set.
	StorageSparse
	// StorageResource stores a single value in the world's resource map.
	StorageResource
)

// TypeInfo describes the layout of a registered type.
type TypeInfo struct {
	ID      TypeID
	Name    string
	Type    reflect.Type
	Size    uintptr
	Align   uintptr
	Storage StorageType

	newColumn columnFactory
}

// Registry assigns every component and resource type a stable TypeID in registration order.
// Registration is idempotent.
type Registry struct {
	mu     sync.RWMutex
	infos  []TypeInfo
	byType map[reflect.Type]TypeID
	byName map[string]TypeID
}

func newRegistry() *Registry {
	return &Registry{
		infos:  make([]TypeInfo, 0),
		byType: make(map[reflect.Type]TypeID),
		byName: make(map[string]TypeID),
	}
}

// register registers a new type and returns its ID. If the type is already registered, no-op.
func (r *Registry) register(t reflect.Type, name string, storage StorageType, factory columnFactory) (TypeID, error) {
	if name == "" {
		return 0, eris.New("component name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.byType[t]; exists {
		return id, nil
	}
	if other, exists := r.byName[name]; exists {
		return 0, eris.Errorf("name %s is already used by %s", name, r.infos[other].Type)
	}

	id := TypeID(len(r.infos)) //nolint:gosec // won't overflow
	r.infos = append(r.infos, TypeInfo{
		ID:        id,
		Name:      name,
		Type:      t,
		Size:      t.Size(),
		Align:     uintptr(t.Align()),
		Storage:   storage,
		newColumn: factory,
	})
	r.byType[t] = id
	r.byName[name] = id
	assert.That(len(r.infos) == len(r.byType), "registry index out of sync")

	return id, nil
}

// ID returns the id registered for t.
func (r *Registry) ID(t reflect.Type) (TypeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byType[t]
	return id, ok
}

// Info returns the layout descriptor of id. Expects a registered id.
func (r *Registry) Info(id TypeID) TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.That(int(id) < len(r.infos), "type id %d is not registered", id)
	return r.infos[id]
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.infos)
}

// Lookup returns the id of the component registered under name.
func (r *Registry) Lookup(name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok || r.infos[id].Storage == StorageResource {
		return 0, eris.Wrapf(ErrComponentNotRegistered, "component %s", name)
	}
	return int(id), nil
}

// NumTypes returns the number of registered types.
func (r *Registry) NumTypes() int {
	return r.Len()
}

// Components returns the name to type mapping of every registered component.
func (r *Registry) Components() map[string]reflect.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]reflect.Type, len(r.infos))
	for _, info := range r.infos {
		if info.Storage != StorageResource {
			out[info.Name] = info.Type
		}
	}
	return out
}

// componentTypeID returns the id of a component value's type.
func (r *Registry) componentTypeID(c Component) (TypeID, error) {
	id, ok := r.ID(reflect.TypeOf(c))
	if !ok {
		return 0, eris.Wrapf(ErrComponentNotRegistered, "component %s", c.Name())
	}
	return id, nil
}

// -------------------------------------------------------------------------------------------------
// Generic registration
// -------------------------------------------------------------------------------------------------

// RegisterComponent registers the component type T with the world and returns its id.
func RegisterComponent[T Component](w *World) (TypeID, error) {
	return registerComponent[T](w.registry)
}

func registerComponent[T Component](r *Registry) (TypeID, error) {
	var zero T
	storage := StorageTable
	if _, ok := any(zero).(SparseComponent); ok {
		storage = StorageSparse
	}
	id, err := r.register(reflect.TypeFor[T](), zero.Name(), storage, newColumnFactory[T]())
	if err != nil {
		return 0, eris.Wrapf(err, "failed to register component %s", zero.Name())
	}
	return id, nil
}

// ComponentID returns the id of component type T.
func ComponentID[T Component](w *World) (TypeID, error) {
	id, ok := w.registry.ID(reflect.TypeFor[T]())
	if !ok {
		var zero T
		return 0, eris.Wrapf(ErrComponentNotRegistered, "component %s", zero.Name())
	}
	return id, nil
}

func registerResource[T any](r *Registry) TypeID {
	t := reflect.TypeFor[T]()
	id, err := r.register(t, t.String(), StorageResource, nil)
	assert.That(err == nil, "resource type names are unique: %v", err)
	return id
}

func resourceID[T any](r *Registry) (TypeID, bool) {
	return r.ID(reflect.TypeFor[T]())
}
