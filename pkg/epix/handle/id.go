package handle

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind is the variant of an ID.
type Kind uint8

const (
	// KindIndex identifies a value by its slot in a store. Slots are reused, so the id carries the
	// slot's generation.
	KindIndex Kind = iota
	// KindUUID identifies a value by a content-stable external id.
	KindUUID
)

// ID identifies a value in a Store. It is either an index into the store (with a generation) or a
// UUID. The zero value is the index id of slot 0, generation 0.
type ID struct {
	kind       Kind
	index      uint32
	generation uint32
	uuid       uuid.UUID
}

// IndexID returns an index id.
func IndexID(index, generation uint32) ID {
	return ID{kind: KindIndex, index: index, generation: generation}
}

// UUIDID returns a uuid id.
func UUIDID(u uuid.UUID) ID {
	return ID{kind: KindUUID, uuid: u}
}

func (id ID) Kind() Kind {
	return id.kind
}

func (id ID) IsIndex() bool {
	return id.kind == KindIndex
}

func (id ID) IsUUID() bool {
	return id.kind == KindUUID
}

// Index returns the slot index and generation of an index id.
func (id ID) Index() (index, generation uint32, ok bool) {
	if id.kind != KindIndex {
		return 0, 0, false
	}
	return id.index, id.generation, true
}

// UUID returns the uuid of a uuid id.
func (id ID) UUID() (uuid.UUID, bool) {
	if id.kind != KindUUID {
		return uuid.Nil, false
	}
	return id.uuid, true
}

func (id ID) String() string {
	if id.kind == KindUUID {
		return id.uuid.String()
	}
	return fmt.Sprintf("%dv%d", id.index, id.generation)
}
