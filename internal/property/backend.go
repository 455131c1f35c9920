// Package property implements the per-property convergence backends: the
// LWW causal register, a PN-counter, and an opaque collaborative-text CRDT
// slot. Each backend is symmetric under decode(encode(x)) = x and
// deterministic given the same operations and causal context.
package property

import (
	"errors"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

// ErrInsufficientCausalInfo is returned by a backend's Apply when it cannot
// determine the causal relationship between a new writer and the existing
// one from the available DAG context. The caller must fetch more DAG and
// retry; a backend must never silently guess (spec.md §4.4.1, §9).
var ErrInsufficientCausalInfo = errors.New("property: insufficient causal info to resolve concurrent write")

// Relation is the outcome of comparing two event ids against the
// accumulated DAG, independent of current head membership: a stored writer
// id that has been evicted from head must still compete correctly if it is
// still findable in the DAG slice (spec.md §4.4.1).
type Relation int

const (
	// RelUnknown means neither id's relationship to the other could be
	// established from the available DAG context.
	RelUnknown Relation = iota
	RelDescends
	RelAscends
	RelConcurrent
)

// CausalContext is what a backend's Apply is given alongside the raw
// operations: the applying event's identity and parent frontier, the
// concurrent siblings in its ReadySet (when merging a divergent layer), and
// a Compare probe over the accumulated DAG.
type CausalContext struct {
	EventId proto.EventId
	Parent  proto.Clock

	// Concurrent lists the other events present in the same ReadySet, for
	// backends that need to consult siblings (none of the three backends
	// here do, but the contract carries it per spec.md §4.4).
	Concurrent []proto.EventId

	// Compare reports how a relates to b within the accumulated DAG slice
	// the caller has walked so far. It must search the whole accumulated
	// DAG, not just current head membership, or the LWW backend's
	// "stored but not in head" rule cannot be satisfied correctly.
	Compare func(a, b proto.EventId) Relation
}

// Backend is the three-method contract every property backend satisfies.
type Backend interface {
	// Decode rebuilds backend state from a previously Encoded buffer.
	Decode(buf []byte) error
	// Apply mutates state from ops under the given causal context.
	Apply(ops []proto.Operation, ctx CausalContext) error
	// Encode produces a canonical buffer such that Decode(Encode()) is a no-op.
	Encode() ([]byte, error)
}
