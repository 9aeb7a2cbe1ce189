package ecs

import (
	"fmt"
	"math"
	"sync"

	"github.com/rotisserie/eris"
	"pkg.world.dev/epix/pkg/assert"
)

// Entity identifies an entity. The low 32 bits are the slot index and the high 32 bits the
// generation of the slot, so a despawned entity's id never aliases the entity that reuses its slot.
type Entity uint64

// MaxEntityIndex is the maximum entity index that can be allocated.
const MaxEntityIndex = math.MaxUint32 - 1

func newEntity(index, generation uint32) Entity {
	return Entity(uint64(generation)<<32 | uint64(index))
}

// Index returns the slot index of the entity.
func (e Entity) Index() uint32 {
	return uint32(e) //nolint:gosec // low bits
}

// Generation returns how many times the slot has been reused.
func (e Entity) Generation() uint32 {
	return uint32(e >> 32) //nolint:gosec // high bits
}

func (e Entity) String() string {
	return fmt.Sprintf("%dv%d", e.Index(), e.Generation())
}

// EntityLocation is where an entity's data lives.
type EntityLocation struct {
	Archetype    ArchetypeID
	ArchetypeRow int
	Table        tableID
	TableRow     int
}

type entityState uint8

const (
	entityFree entityState = iota
	entityReserved
	entityAlive
)

type entityMeta struct {
	generation uint32
	state      entityState
	location   EntityLocation
}

// entityManager allocates entity ids and maps them to their location. Reservation can happen
// concurrently from systems, everything else happens with exclusive world access.
type entityManager struct {
	mu    sync.RWMutex
	metas []entityMeta // Entity index -> metadata
	free  []uint32     // A queue of free indices
	alive int
}

func newEntityManager() entityManager {
	return entityManager{
		metas: make([]entityMeta, 0),
		free:  make([]uint32, 0),
	}
}

// reserve allocates an entity id without placing it. The entity is not alive until place is
// called.
func (em *entityManager) reserve() (Entity, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if len(em.free) > 0 {
		// Pop from the front of the free list (FIFO).
		index := em.free[0]
		em.free = em.free[1:]
		meta := &em.metas[index]
		meta.state = entityReserved
		return newEntity(index, meta.generation), nil
	}

	// No free IDs, use the next sequential index.
	if len(em.metas) > MaxEntityIndex {
		return 0, eris.New("max number of entities exceeded")
	}
	index := uint32(len(em.metas)) //nolint:gosec // checked above
	em.metas = append(em.metas, entityMeta{state: entityReserved})
	return newEntity(index, 0), nil
}

// place marks a reserved entity alive at loc.
func (em *entityManager) place(e Entity, loc EntityLocation) {
	em.mu.Lock()
	defer em.mu.Unlock()

	meta := &em.metas[e.Index()]
	assert.That(meta.generation == e.Generation() && meta.state == entityReserved, "entity %s is not reserved", e)
	meta.state = entityAlive
	meta.location = loc
	em.alive++
}

// release frees an entity, alive or reserved, bumping the generation of its slot.
func (em *entityManager) release(e Entity) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	meta, err := em.meta(e)
	if err != nil {
		return err
	}
	if meta.state == entityFree {
		return eris.Wrapf(ErrEntityNotFound, "entity %s", e)
	}
	if meta.state == entityAlive {
		em.alive--
	}
	meta.state = entityFree
	meta.generation++
	meta.location = EntityLocation{}
	em.free = append(em.free, e.Index())
	return nil
}

// get returns the location of an alive entity.
func (em *entityManager) get(e Entity) (EntityLocation, error) {
	em.mu.RLock()
	defer em.mu.RUnlock()

	meta, err := em.meta(e)
	if err != nil {
		return EntityLocation{}, err
	}
	if meta.state != entityAlive {
		return EntityLocation{}, eris.Wrapf(ErrEntityNotFound, "entity %s", e)
	}
	return meta.location, nil
}

// setLocation updates the location of an alive entity.
func (em *entityManager) setLocation(e Entity, loc EntityLocation) {
	em.mu.Lock()
	defer em.mu.Unlock()

	meta := &em.metas[e.Index()]
	assert.That(meta.generation == e.Generation() && meta.state == entityAlive, "entity %s is not alive", e)
	meta.location = loc
}

func (em *entityManager) isAlive(e Entity) bool {
	_, err := em.get(e)
	return err == nil
}

func (em *entityManager) len() int {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.alive
}

// meta returns the metadata of e. Expects the caller to hold the lock.
func (em *entityManager) meta(e Entity) (*entityMeta, error) {
	if int(e.Index()) >= len(em.metas) {
		return nil, eris.Wrapf(ErrEntityNotFound, "entity %s", e)
	}
	meta := &em.metas[e.Index()]
	if meta.generation != e.Generation() {
		return nil, eris.Wrapf(ErrEntityNotFound, "entity %s, current generation %d", e, meta.generation)
	}
	return meta, nil
}
