package ecs

import (
	"reflect"

	"github.com/rotisserie/eris"
	"pkg.world.dev/epix/pkg/assert"
)

// resourceData is a single world-global value. value always holds a *T.
type resourceData struct {
	value any
	ticks ComponentTicks
}

// InsertResource inserts a resource into the world, replacing and marking changed an existing one.
func InsertResource[T any](w *World, value T) {
	id := registerResource[T](w.registry)
	tick := w.ChangeTick()

	if r, ok := w.resources[id]; ok {
		ptr, ok := r.value.(*T)
		assert.That(ok, "resource holds a different type")
		*ptr = value
		r.ticks.SetChanged(tick)
		return
	}

	v := value
	w.resources[id] = &resourceData{value: &v, ticks: newComponentTicks(tick)}
}

// Resource returns a pointer to the resource of type T. The pointer must not be written through;
// use ResourceMut to modify the resource.
func Resource[T any](w *World) (*T, error) {
	r, err := resource[T](w)
	if err != nil {
		return nil, err
	}
	return r.value.(*T), nil //nolint:errcheck // checked on insert
}

// ResourceMut returns a pointer to the resource of type T and marks it changed.
func ResourceMut[T any](w *World) (*T, error) {
	r, err := resource[T](w)
	if err != nil {
		return nil, err
	}
	r.ticks.SetChanged(w.ChangeTick())
	return r.value.(*T), nil //nolint:errcheck // checked on insert
}

// ResourceTicks returns the change ticks of the resource of type T.
func ResourceTicks[T any](w *World) (ComponentTicks, error) {
	r, err := resource[T](w)
	if err != nil {
		return ComponentTicks{}, err
	}
	return r.ticks, nil
}

// HasResource reports whether a resource of type T exists.
func HasResource[T any](w *World) bool {
	_, err := resource[T](w)
	return err == nil
}

// RemoveResource removes the resource of type T.
func RemoveResource[T any](w *World) error {
	id, ok := resourceID[T](w.registry)
	if !ok {
		return eris.Wrapf(ErrResourceNotFound, "resource %s", reflect.TypeFor[T]())
	}
	if _, ok := w.resources[id]; !ok {
		return eris.Wrapf(ErrResourceNotFound, "resource %s", reflect.TypeFor[T]())
	}
	delete(w.resources, id)
	return nil
}

func resource[T any](w *World) (*resourceData, error) {
	id, ok := resourceID[T](w.registry)
	if !ok {
		return nil, eris.Wrapf(ErrResourceNotFound, "resource %s", reflect.TypeFor[T]())
	}
	return w.resourceByID(id)
}

func (w *World) resourceByID(id TypeID) (*resourceData, error) {
	r, ok := w.resources[id]
	if !ok {
		return nil, eris.Wrapf(ErrResourceNotFound, "resource %s", w.registry.Info(id).Name)
	}
	return r, nil
}
