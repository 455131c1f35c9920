package property

import (
	"fmt"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

// TextBackend holds an opaque collaborative-text CRDT document (spec.md
// §4.4.3, modeled on Yrs/Yjs-style update logs): operations are binary
// update blobs applied to the document in the order they're delivered.
// Commutativity and idempotence are properties of the underlying CRDT's
// internal vector logic, not of this wrapper; this backend only needs to
// dedup by event id and hand each update's bytes to the document in turn.
//
// There is no off-the-shelf Yrs-equivalent Go CRDT library in the example
// pack to bind to (see DESIGN.md), so the document itself is a minimal
// append-only update log: later code that actually renders text folds the
// updates through whatever CRDT runtime it links, this backend's job is
// only to store and order them deterministically.
type TextBackend struct {
	updates []textUpdate
	applied map[proto.EventId]struct{}
}

type textUpdate struct {
	EventId proto.EventId
	Blob    []byte
}

// NewTextBackend returns an empty text backend.
func NewTextBackend() *TextBackend {
	return &TextBackend{applied: make(map[proto.EventId]struct{})}
}

// Updates returns the ordered update log, for a CRDT runtime to fold.
func (b *TextBackend) Updates() [][]byte {
	out := make([][]byte, 0, len(b.updates))
	for _, u := range b.updates {
		out = append(out, u.Blob)
	}
	return out
}

func (b *TextBackend) Apply(ops []proto.Operation, ctx CausalContext) error {
	if _, seen := b.applied[ctx.EventId]; seen {
		return nil
	}
	for _, raw := range ops {
		blob := make([]byte, len(raw))
		copy(blob, raw)
		b.updates = append(b.updates, textUpdate{EventId: ctx.EventId, Blob: blob})
	}
	b.applied[ctx.EventId] = struct{}{}
	return nil
}

const (
	idLen = len(proto.EventId{})
)

func (b *TextBackend) Encode() ([]byte, error) {
	var out []byte
	for _, u := range b.updates {
		var lenBuf [4]byte
		putUint32(lenBuf[:], uint32(len(u.Blob)))
		out = append(out, u.EventId[:]...)
		out = append(out, lenBuf[:]...)
		out = append(out, u.Blob...)
	}
	return out, nil
}

func (b *TextBackend) Decode(buf []byte) error {
	b.updates = nil
	b.applied = make(map[proto.EventId]struct{})

	for len(buf) > 0 {
		if len(buf) < idLen+4 {
			return fmt.Errorf("property: decode text log: truncated header")
		}
		var id proto.EventId
		copy(id[:], buf[:idLen])
		buf = buf[idLen:]

		n := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
		buf = buf[4:]

		if uint32(len(buf)) < n {
			return fmt.Errorf("property: decode text log: truncated blob")
		}
		blob := make([]byte, n)
		copy(blob, buf[:n])
		buf = buf[n:]

		b.updates = append(b.updates, textUpdate{EventId: id, Blob: blob})
		b.applied[id] = struct{}{}
	}
	return nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
