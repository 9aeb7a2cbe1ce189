package ecs

import "github.com/rotisserie/eris"

var (
	// ErrIndexOutOfBounds is returned when a row or slot index is outside the storage.
	ErrIndexOutOfBounds = eris.New("index out of bounds")
	// ErrEmptySlot is returned when a slot exists but holds no value.
	ErrEmptySlot = eris.New("slot is empty")
	// ErrGenerationMismatch is returned when an id refers to a slot that has since been reused.
	ErrGenerationMismatch = eris.New("generation mismatch")
	// ErrNotPresent is returned when a sparse set does not hold the entity.
	ErrNotPresent = eris.New("value not present")

	// ErrEntityNotFound is returned when attempting to operate on a non-existent entity.
	ErrEntityNotFound = eris.New("entity does not exist")
	// ErrComponentNotFound is returned when the entity doesn't have the requested component.
	ErrComponentNotFound = eris.New("entity does not have the component")
	// ErrComponentNotRegistered is returned when a component type is used before registration.
	ErrComponentNotRegistered = eris.New("component is not registered")
	// ErrResourceNotFound is returned when a resource has not been inserted into the world.
	ErrResourceNotFound = eris.New("resource does not exist")

	ErrWorldMismatch     = eris.New("used with a different world than it was initialized with")
	ErrConflictingAccess = eris.New("system parameters have conflicting access")
	ErrSystemPanicked    = eris.New("system panicked")
	ErrQueryMismatch     = eris.New("entity does not match the query")
	ErrQueryNotSingle    = eris.New("query does not have exactly one result")
)
