package property

import (
	"fmt"
	"sort"

	"github.com/bytedance/sonic"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

// pnOp is the wire shape of one PN-counter delta operation.
type pnOp struct {
	Property string `json:"property"`
	Delta    int64  `json:"delta"`
}

// EncodePNDelta builds the operation bytes for a signed delta write.
func EncodePNDelta(property string, delta int64) (proto.Operation, error) {
	buf, err := sonic.Marshal(pnOp{Property: property, Delta: delta})
	if err != nil {
		return nil, fmt.Errorf("property: encode pn delta: %w", err)
	}
	return proto.Operation(buf), nil
}

// PNCounterBackend sums signed deltas per property, deduplicating by the
// applying event's id so replay and out-of-order delivery are both safe
// (spec.md §4.4.2). It needs no causal context beyond dedup: commutative
// and idempotent by construction.
type PNCounterBackend struct {
	sums    map[string]int64
	applied map[proto.EventId]struct{}
}

// NewPNCounterBackend returns an empty PN-counter backend.
func NewPNCounterBackend() *PNCounterBackend {
	return &PNCounterBackend{
		sums:    make(map[string]int64),
		applied: make(map[proto.EventId]struct{}),
	}
}

// Get returns the current sum for property.
func (b *PNCounterBackend) Get(property string) int64 {
	return b.sums[property]
}

func (b *PNCounterBackend) Apply(ops []proto.Operation, ctx CausalContext) error {
	if _, seen := b.applied[ctx.EventId]; seen {
		return nil
	}
	for _, raw := range ops {
		var op pnOp
		if err := sonic.Unmarshal(raw, &op); err != nil {
			return fmt.Errorf("property: decode pn op: %w", err)
		}
		b.sums[op.Property] += op.Delta
	}
	b.applied[ctx.EventId] = struct{}{}
	return nil
}

// wirePNState is the canonical encoding: a sorted property->sum map
// followed by the set of event ids already folded in, so replaying the
// same event after a decode/encode round-trip is still a no-op.
type wirePNState struct {
	Sums    map[string]int64 `json:"sums"`
	Applied []string         `json:"applied"`
}

func (b *PNCounterBackend) Encode() ([]byte, error) {
	wire := wirePNState{Sums: b.sums}
	for id := range b.applied {
		wire.Applied = append(wire.Applied, id.String())
	}
	sort.Strings(wire.Applied)
	buf, err := sonic.ConfigStd.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("property: encode pn state: %w", err)
	}
	return buf, nil
}

func (b *PNCounterBackend) Decode(buf []byte) error {
	b.sums = make(map[string]int64)
	b.applied = make(map[proto.EventId]struct{})
	if len(buf) == 0 {
		return nil
	}
	var wire wirePNState
	if err := sonic.Unmarshal(buf, &wire); err != nil {
		return fmt.Errorf("property: decode pn state: %w", err)
	}
	b.sums = wire.Sums
	for _, s := range wire.Applied {
		id, err := proto.ParseEventId(s)
		if err != nil {
			return fmt.Errorf("property: decode pn applied id: %w", err)
		}
		b.applied[id] = struct{}{}
	}
	return nil
}
