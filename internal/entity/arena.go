package entity

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

// Loader materializes an entity that isn't yet resident in an EntitySet,
// typically by loading its StateFragment from storage and falling back to a
// fresh Entity when none exists.
type Loader func(ctx context.Context, id proto.EntityId, collection proto.CollectionId) (*Entity, error)

type arenaEntry struct {
	mu     sync.Mutex
	entity *Entity
}

// EntitySet is the in-memory arena of materialized entities, keyed by
// EntityId over a lock-free concurrent map so cross-entity work proceeds in
// parallel while each entity's own mutations stay serialized through its
// own mutex (spec.md §5 "per-entity async mutex... cross-entity work is
// parallel", §9 "arena + stable indices").
type EntitySet struct {
	entities *xsync.MapOf[proto.EntityId, *arenaEntry]
	load     Loader
}

// NewEntitySet constructs an empty arena backed by load for cold entities.
func NewEntitySet(load Loader) *EntitySet {
	return &EntitySet{
		entities: xsync.NewMapOf[proto.EntityId, *arenaEntry](),
		load:     load,
	}
}

// With materializes (loading on first touch) the entity for id/collection
// and runs fn against it while holding that entity's own mutex, so two
// concurrent callers touching the same entity never interleave, while
// callers touching different entities run unimpeded.
func (s *EntitySet) With(ctx context.Context, id proto.EntityId, collection proto.CollectionId, fn func(*Entity) error) error {
	entry, _ := s.entities.LoadOrCompute(id, func() *arenaEntry { return &arenaEntry{} })
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.entity == nil {
		e, err := s.load(ctx, id, collection)
		if err != nil {
			return fmt.Errorf("entity: load %s: %w", id, err)
		}
		entry.entity = e
	}
	return fn(entry.entity)
}

// Evict drops id from the arena so a cold entity's memory isn't held
// forever after its state has been persisted.
func (s *EntitySet) Evict(id proto.EntityId) {
	s.entities.Delete(id)
}

// Len reports how many entities are currently materialized in the arena.
func (s *EntitySet) Len() int {
	return s.entities.Size()
}
