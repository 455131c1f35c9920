package proto

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Clock is an unordered set of EventIds: the "what has been observed"
// antichain at the head of an entity, or the parent pointer of an event.
// The empty clock denotes "before creation".
type Clock map[EventId]struct{}

// NewClock builds a Clock from a slice of ids, deduplicating as it goes.
func NewClock(ids ...EventId) Clock {
	c := make(Clock, len(ids))
	for _, id := range ids {
		c[id] = struct{}{}
	}
	return c
}

// Contains reports whether id is a member of the clock.
func (c Clock) Contains(id EventId) bool {
	_, ok := c[id]
	return ok
}

// Add inserts id into the clock, returning the same map for chaining.
func (c Clock) Add(id EventId) Clock {
	c[id] = struct{}{}
	return c
}

// Ids returns the clock's members as a sorted slice, for deterministic
// iteration and canonical encoding.
func (c Clock) Ids() []EventId {
	out := make([]EventId, 0, len(c))
	for id := range c {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Equal reports set equality between two clocks.
func (c Clock) Equal(other Clock) bool {
	if len(c) != len(other) {
		return false
	}
	for id := range c {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of the clock.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for id := range c {
		out[id] = struct{}{}
	}
	return out
}

// Operation is a single opaque, backend-specific mutation blob.
type Operation []byte

// OperationSet maps a property backend tag (e.g. "lww", "pncounter", "text")
// to the ordered operations an event applies against that backend.
type OperationSet map[string][]Operation

// Event is an immutable, content-addressed node in an entity's causal DAG.
// Its Id is derived from every other field; constructing an Event always
// computes and fixes the Id, so two events with identical payload always
// carry identical ids and the DAG can never contain a cycle.
type Event struct {
	Id         EventId
	EntityId   EntityId
	Collection CollectionId
	Operations OperationSet
	Parent     Clock
}

// NewEvent constructs an Event and derives its content-addressed Id.
func NewEvent(entityID EntityId, collection CollectionId, ops OperationSet, parent Clock) *Event {
	ev := &Event{
		EntityId:   entityID,
		Collection: collection,
		Operations: ops,
		Parent:     parent,
	}
	ev.Id = NewEventId(ev.canonicalBytes())
	return ev
}

// canonicalBytes produces a deterministic encoding of every field but Id,
// used only to derive the content address. Field order and the sorted
// iteration of maps keep the encoding stable across runs.
func (e *Event) canonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(string(e.EntityId))
	buf.WriteByte(0)
	buf.WriteString(string(e.Collection))
	buf.WriteByte(0)

	tags := make([]string, 0, len(e.Operations))
	for tag := range e.Operations {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		buf.WriteString(tag)
		buf.WriteByte(0)
		ops := e.Operations[tag]
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(ops)))
		buf.Write(n[:])
		for _, op := range ops {
			binary.BigEndian.PutUint32(n[:], uint32(len(op)))
			buf.Write(n[:])
			buf.Write(op)
		}
	}

	for _, id := range e.Parent.Ids() {
		buf.Write(id[:])
	}
	return buf.Bytes()
}

// Attested wraps any value with an opaque set of validator proofs from
// policy agents. Attestations never affect causal semantics; they gate
// acceptance at trust boundaries only.
type Attested[T any] struct {
	Value        T
	Attestations [][]byte
}

// NewAttested wraps value with no attestations, for locally originated data.
func NewAttested[T any](value T) Attested[T] {
	return Attested[T]{Value: value}
}
