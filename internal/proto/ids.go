// Package proto defines the wire-level vocabulary shared by every other
// causalnet package: events, clocks, entity state, and the identifiers that
// thread through the lineage, entity, reactor, relay, and transport layers.
package proto

import (
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// EventId is the content address of an Event: the xxhash64 digest of its
// canonical encoding. Two events with identical content always produce the
// same id, which is what lets the lineage comparison treat ids as set
// members rather than needing a separate equality check.
type EventId [8]byte

// NewEventId hashes the canonical bytes of an event into its EventId.
func NewEventId(canonical []byte) EventId {
	var id EventId
	h := xxhash.Sum64(canonical)
	for i := 0; i < 8; i++ {
		id[i] = byte(h >> (8 * (7 - i)))
	}
	return id
}

func (id EventId) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id EventId) IsZero() bool {
	return id == EventId{}
}

// ParseEventId decodes a hex-encoded EventId, as found in wire frames and
// log lines.
func ParseEventId(s string) (EventId, error) {
	var id EventId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse event id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parse event id %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// EntityId identifies a single entity aggregate within a collection. It is
// opaque to the store; callers mint their own (a UUID, a natural key hash,
// anything stable and unique within the collection).
type EntityId string

func (id EntityId) String() string { return string(id) }

// NewEntityId mints a random EntityId for newly created entities.
func NewEntityId() EntityId {
	return EntityId(uuid.NewString())
}

// CollectionId names a set of entities sharing a schema and a set of
// property backends.
type CollectionId string

func (id CollectionId) String() string { return string(id) }

// SubscriptionId identifies one reactive predicate subscription, local or
// relayed to a remote peer.
type SubscriptionId string

// NewSubscriptionId mints a random SubscriptionId.
func NewSubscriptionId() SubscriptionId {
	return SubscriptionId(uuid.NewString())
}

func (id SubscriptionId) String() string { return string(id) }

// RemoteQueryId identifies a subscription as registered with a specific
// remote peer, independent of the local SubscriptionId(s) it fans out to.
type RemoteQueryId string

// NewRemoteQueryId mints a random RemoteQueryId.
func NewRemoteQueryId() RemoteQueryId {
	return RemoteQueryId(uuid.NewString())
}

func (id RemoteQueryId) String() string { return string(id) }

// PeerId identifies a remote node across a transport session.
type PeerId string

func (id PeerId) String() string { return string(id) }
