package property

import (
	"bytes"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

// lwwCell is the stored value for one property: the winning writer's value
// and the id of the event that wrote it.
type lwwCell struct {
	Value  []byte `json:"value"` // raw JSON literal
	Writer proto.EventId `json:"writer"`
}

// lwwWireCell mirrors lwwCell with a hex-encoded writer id, since EventId's
// raw [8]byte form doesn't round-trip through JSON object keys/values
// predictably across encoders.
type lwwWireCell struct {
	Value  rawJSON `json:"value"`
	Writer string           `json:"writer"`
}

// rawJSON avoids re-encoding an already-JSON value buffer.
type rawJSON []byte

func (m rawJSON) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

func (m *rawJSON) UnmarshalJSON(data []byte) error {
	*m = append((*m)[:0], data...)
	return nil
}

// lwwWriteOp is the wire shape of one LWW write operation: a property name
// and the JSON-encoded literal being written.
type lwwWriteOp struct {
	Property string           `json:"property"`
	Value    rawJSON `json:"value"`
}

// EncodeLWWWrite builds the operation bytes for a single-property LWW
// write, used by callers constructing new events.
func EncodeLWWWrite(property string, valueJSON []byte) (proto.Operation, error) {
	buf, err := sonic.Marshal(lwwWriteOp{Property: property, Value: valueJSON})
	if err != nil {
		return nil, fmt.Errorf("property: encode lww write: %w", err)
	}
	return proto.Operation(buf), nil
}

// LWWBackend is the per-property last-write-wins causal register (spec.md
// §4.4.1): each property independently tracks its current value and the id
// of the event that wrote it, with causal precedence and a lexicographic
// tiebreak for genuinely concurrent writes.
type LWWBackend struct {
	cells map[string]lwwCell
}

// NewLWWBackend returns an empty LWW backend.
func NewLWWBackend() *LWWBackend {
	return &LWWBackend{cells: make(map[string]lwwCell)}
}

// Get returns the current JSON value for property, if any.
func (b *LWWBackend) Get(property string) ([]byte, bool) {
	cell, ok := b.cells[property]
	if !ok {
		return nil, false
	}
	return cell.Value, true
}

// Properties returns every property's current JSON value, for building
// reactor snapshots and serving predicate evaluation without exposing the
// backend's internal writer bookkeeping.
func (b *LWWBackend) Properties() map[string][]byte {
	out := make(map[string][]byte, len(b.cells))
	for prop, cell := range b.cells {
		out[prop] = cell.Value
	}
	return out
}

func (b *LWWBackend) Decode(buf []byte) error {
	b.cells = make(map[string]lwwCell)
	if len(buf) == 0 {
		return nil
	}
	var wire map[string]lwwWireCell
	if err := sonic.Unmarshal(buf, &wire); err != nil {
		return fmt.Errorf("property: decode lww state: %w", err)
	}
	for prop, wc := range wire {
		writer, err := proto.ParseEventId(wc.Writer)
		if err != nil {
			return fmt.Errorf("property: decode lww writer for %q: %w", prop, err)
		}
		b.cells[prop] = lwwCell{Value: []byte(wc.Value), Writer: writer}
	}
	return nil
}

func (b *LWWBackend) Encode() ([]byte, error) {
	wire := make(map[string]lwwWireCell, len(b.cells))
	for prop, cell := range b.cells {
		wire[prop] = lwwWireCell{Value: rawJSON(cell.Value), Writer: cell.Writer.String()}
	}
	buf, err := sonic.ConfigStd.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("property: encode lww state: %w", err)
	}
	return buf, nil
}

func (b *LWWBackend) Apply(ops []proto.Operation, ctx CausalContext) error {
	for _, raw := range ops {
		var op lwwWriteOp
		if err := sonic.Unmarshal(raw, &op); err != nil {
			return fmt.Errorf("property: decode lww op: %w", err)
		}

		existing, hasExisting := b.cells[op.Property]
		if !hasExisting {
			b.cells[op.Property] = lwwCell{Value: []byte(op.Value), Writer: ctx.EventId}
			continue
		}

		newer := ctx.EventId
		older := existing.Writer

		if newer == older {
			// Same writer re-applying its own write: idempotent no-op.
			continue
		}

		relation := ctx.Compare(newer, older)
		switch relation {
		case RelDescends:
			b.cells[op.Property] = lwwCell{Value: []byte(op.Value), Writer: newer}
		case RelAscends:
			// existing descends from the would-be new writer: reject.
		case RelConcurrent:
			if bytes.Compare(newer[:], older[:]) > 0 {
				b.cells[op.Property] = lwwCell{Value: []byte(op.Value), Writer: newer}
			}
		case RelUnknown:
			return fmt.Errorf("property: apply %q: %w", op.Property, ErrInsufficientCausalInfo)
		}
	}
	return nil
}
