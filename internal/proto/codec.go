package proto

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
)

// wireEvent is the sonic-marshaled shape of an Event: hex ids and
// base64-encoded operation blobs (operations are opaque, possibly non-UTF8
// bytes) so the encoding is stable across JSON map key ordering and
// round-trips through both storage blobs and the node's debug dump surface.
type wireEvent struct {
	Id         string              `json:"id"`
	EntityId   string              `json:"entity_id"`
	Collection string              `json:"collection"`
	Operations map[string][]string `json:"operations"`
	Parent     []string            `json:"parent"`
}

// EncodeEvent produces the canonical JSON encoding of an event used for
// storage persistence and the node's dump_entity_events debug surface
// (SPEC_FULL §13). It is distinct from Event.canonicalBytes, which derives
// the content-addressed Id and never includes the Id itself.
func EncodeEvent(ev *Event) ([]byte, error) {
	w := wireEvent{
		Id:         ev.Id.String(),
		EntityId:   string(ev.EntityId),
		Collection: string(ev.Collection),
		Operations: make(map[string][]string, len(ev.Operations)),
		Parent:     idsToHex(ev.Parent.Ids()),
	}
	for tag, ops := range ev.Operations {
		strs := make([]string, len(ops))
		for i, op := range ops {
			strs[i] = base64.StdEncoding.EncodeToString(op)
		}
		w.Operations[tag] = strs
	}
	buf, err := sonic.ConfigStd.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("proto: encode event: %w", err)
	}
	return buf, nil
}

// DecodeEvent reverses EncodeEvent, trusting the embedded Id rather than
// recomputing it: storage blobs and bridged peer events are already
// content-addressed by the time they reach here.
func DecodeEvent(buf []byte) (*Event, error) {
	var w wireEvent
	if err := sonic.Unmarshal(buf, &w); err != nil {
		return nil, fmt.Errorf("proto: decode event: %w", err)
	}
	id, err := ParseEventId(w.Id)
	if err != nil {
		return nil, fmt.Errorf("proto: decode event id: %w", err)
	}
	parent, err := hexToClock(w.Parent)
	if err != nil {
		return nil, fmt.Errorf("proto: decode event parent: %w", err)
	}
	ops := make(OperationSet, len(w.Operations))
	for tag, strs := range w.Operations {
		blobs := make([]Operation, len(strs))
		for i, s := range strs {
			decoded, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("proto: decode event operation %s: %w", tag, err)
			}
			blobs[i] = Operation(decoded)
		}
		ops[tag] = blobs
	}
	return &Event{
		Id:         id,
		EntityId:   EntityId(w.EntityId),
		Collection: CollectionId(w.Collection),
		Operations: ops,
		Parent:     parent,
	}, nil
}

type wireStateFragment struct {
	EntityId     string            `json:"entity_id"`
	Collection   string            `json:"collection"`
	StateBuffers map[string]string `json:"state_buffers"`
	Head         []string          `json:"head"`
}

// EncodeStateFragment produces the canonical JSON encoding of a
// StateFragment for storage persistence.
func EncodeStateFragment(frag *StateFragment) ([]byte, error) {
	w := wireStateFragment{
		EntityId:     string(frag.EntityId),
		Collection:   string(frag.Collection),
		StateBuffers: make(map[string]string, len(frag.StateBuffers)),
		Head:         idsToHex(frag.Head.Ids()),
	}
	for tag, buf := range frag.StateBuffers {
		w.StateBuffers[tag] = base64.StdEncoding.EncodeToString(buf)
	}
	buf, err := sonic.ConfigStd.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("proto: encode state fragment: %w", err)
	}
	return buf, nil
}

// DecodeStateFragment reverses EncodeStateFragment.
func DecodeStateFragment(buf []byte) (*StateFragment, error) {
	var w wireStateFragment
	if err := sonic.Unmarshal(buf, &w); err != nil {
		return nil, fmt.Errorf("proto: decode state fragment: %w", err)
	}
	head, err := hexToClock(w.Head)
	if err != nil {
		return nil, fmt.Errorf("proto: decode state fragment head: %w", err)
	}
	buffers := make(map[string][]byte, len(w.StateBuffers))
	for tag, s := range w.StateBuffers {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("proto: decode state buffer %s: %w", tag, err)
		}
		buffers[tag] = decoded
	}
	return &StateFragment{
		EntityId:     EntityId(w.EntityId),
		Collection:   CollectionId(w.Collection),
		StateBuffers: buffers,
		Head:         head,
	}, nil
}

func idsToHex(ids []EventId) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func hexToClock(hexes []string) (Clock, error) {
	ids := make([]EventId, len(hexes))
	for i, h := range hexes {
		id, err := ParseEventId(h)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return NewClock(ids...), nil
}
