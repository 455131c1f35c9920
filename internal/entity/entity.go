// Package entity materializes entities from StateFragments and folds
// incoming events into them, dispatching on the lineage classification of
// the incoming frontier against the current head (spec.md §4.3). It is the
// only package that owns both a property.Backend set and a causal head.
package entity

import (
	"fmt"
	"sort"

	"github.com/sandwichfarm/causalnet/internal/property"
	"github.com/sandwichfarm/causalnet/internal/proto"
)

// Entity is one materialized object: a causal head, and one property.Backend
// instance per backend tag present in its operations.
type Entity struct {
	Id         proto.EntityId
	Collection proto.CollectionId
	Head       proto.Clock
	backends   map[string]property.Backend
}

// NewEntity returns a fresh entity with no history, the "before creation"
// entity implied by an empty head.
func NewEntity(id proto.EntityId, collection proto.CollectionId) *Entity {
	return &Entity{
		Id:         id,
		Collection: collection,
		Head:       proto.NewClock(),
		backends:   make(map[string]property.Backend),
	}
}

// newBackend constructs an empty backend instance for the given tag. The
// tag vocabulary is fixed by spec.md §4.4: lww, pncounter, text.
func newBackend(tag string) (property.Backend, error) {
	switch tag {
	case "lww":
		return property.NewLWWBackend(), nil
	case "pncounter":
		return property.NewPNCounterBackend(), nil
	case "text":
		return property.NewTextBackend(), nil
	default:
		return nil, fmt.Errorf("entity: unknown backend tag %q", tag)
	}
}

// Materialize rebuilds an Entity from a previously serialized StateFragment,
// decoding one backend instance per buffer.
func Materialize(frag *proto.StateFragment) (*Entity, error) {
	e := &Entity{
		Id:         frag.EntityId,
		Collection: frag.Collection,
		Head:       frag.Head.Clone(),
		backends:   make(map[string]property.Backend, len(frag.StateBuffers)),
	}
	for tag, buf := range frag.StateBuffers {
		b, err := newBackend(tag)
		if err != nil {
			return nil, err
		}
		if err := b.Decode(buf); err != nil {
			return nil, fmt.Errorf("entity: decode %s backend: %w", tag, err)
		}
		e.backends[tag] = b
	}
	return e, nil
}

// ToStateFragment serializes the entity's current head and backend state
// for storage, decode(encode(x)) = x per backend.
func (e *Entity) ToStateFragment() (*proto.StateFragment, error) {
	frag := &proto.StateFragment{
		EntityId:     e.Id,
		Collection:   e.Collection,
		Head:         e.Head.Clone(),
		StateBuffers: make(map[string][]byte, len(e.backends)),
	}
	for tag, b := range e.backends {
		buf, err := b.Encode()
		if err != nil {
			return nil, fmt.Errorf("entity: encode %s backend: %w", tag, err)
		}
		frag.StateBuffers[tag] = buf
	}
	return frag, nil
}

// Properties returns the entity's current lww-backed named property values
// as JSON buffers, used to build reactor snapshots and to serve predicate
// evaluation. Entities with no lww backend return an empty map; counters
// and text slots aren't addressed by name this way.
func (e *Entity) Properties() map[string][]byte {
	b, ok := e.backends["lww"]
	if !ok {
		return map[string][]byte{}
	}
	lww, ok := b.(*property.LWWBackend)
	if !ok {
		return map[string][]byte{}
	}
	return lww.Properties()
}

// backendFor returns the backend for tag, lazily creating one if this is
// the entity's first operation against that tag.
func (e *Entity) backendFor(tag string) (property.Backend, error) {
	if b, ok := e.backends[tag]; ok {
		return b, nil
	}
	b, err := newBackend(tag)
	if err != nil {
		return nil, err
	}
	e.backends[tag] = b
	return b, nil
}

// deliver dispatches one event's operations to each backend tag it touches,
// under the given causal context. All backends must accept before the
// caller advances head; a failing tag aborts the whole event (spec.md
// §4.3 "only after all backends accept does the event become applied").
func (e *Entity) deliver(ev *proto.Event, ctx property.CausalContext) error {
	tags := make([]string, 0, len(ev.Operations))
	for tag := range ev.Operations {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		b, err := e.backendFor(tag)
		if err != nil {
			return err
		}
		if err := b.Apply(ev.Operations[tag], ctx); err != nil {
			return fmt.Errorf("entity: apply event %s to %s backend: %w", ev.Id, tag, err)
		}
	}
	return nil
}

// reduceHead enforces (I1): after a head update, drop any id that is an
// ancestor of another id in the same head, using isAncestor to test
// reachability within the accumulated DAG slice the caller has walked.
func reduceHead(ids []proto.EventId, isAncestor func(candidate, of proto.EventId) bool) proto.Clock {
	keep := make([]proto.EventId, 0, len(ids))
	for i, a := range ids {
		dominated := false
		for j, b := range ids {
			if i == j {
				continue
			}
			if isAncestor(a, b) {
				dominated = true
				break
			}
		}
		if !dominated {
			keep = append(keep, a)
		}
	}
	return proto.NewClock(keep...)
}
