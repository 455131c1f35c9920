package proto

// StateFragment is the serialized form of an entity: one opaque byte buffer
// per property backend plus the head clock those buffers were produced
// from. Replaying every event reachable from Head under each backend's
// merge rules must reproduce exactly the bytes in StateBuffers.
type StateFragment struct {
	EntityId     EntityId
	Collection   CollectionId
	StateBuffers map[string][]byte
	Head         Clock
}

// EntityState is an alias kept distinct from StateFragment in naming only
// to match the external-interface vocabulary of set_state/get_state; the
// shape is identical.
type EntityState = StateFragment

// Selection describes which entities a fetch_states call should return.
// Collection is required; Predicate is an opaque, backend-agnostic filter
// expression evaluated by internal/predicate.
type Selection struct {
	Collection CollectionId
	Predicate  []byte
}
