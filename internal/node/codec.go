package node

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

// wireUpdate is the envelope an Update or Delta travels the wire as. node
// does not import internal/relay, so it carries its own minimal codec rather
// than sharing internal/relay's.
type wireUpdate struct {
	EntityId   string            `json:"entity_id"`
	Collection string            `json:"collection"`
	State      json.RawMessage   `json:"state,omitempty"`
	Events     []json.RawMessage `json:"events,omitempty"`
}

// EncodeUpdate renders an Update as the payload cmd/causalnet wraps in its
// envelope and sends in a transport Header frame.
func EncodeUpdate(upd Update) ([]byte, error) {
	w, err := toWireUpdate(upd.EntityId, upd.Collection, upd.State, upd.Events)
	if err != nil {
		return nil, err
	}
	buf, err := sonic.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("node: encode update: %w", err)
	}
	return buf, nil
}

// DecodeUpdate reverses EncodeUpdate.
func DecodeUpdate(buf []byte) (Update, error) {
	var w wireUpdate
	if err := sonic.Unmarshal(buf, &w); err != nil {
		return Update{}, fmt.Errorf("node: decode update: %w", err)
	}
	id, collection, state, events, err := fromWireUpdate(w)
	if err != nil {
		return Update{}, err
	}
	return Update{EntityId: id, Collection: collection, State: state, Events: events}, nil
}

// EncodeDelta renders a Delta as the payload cmd/causalnet wraps in its
// envelope and sends in a transport Header frame (an initial query response
// or one-shot fetch item; spec.md §4.8 "Apply delta").
func EncodeDelta(d Delta) ([]byte, error) {
	w, err := toWireUpdate(d.EntityId, d.Collection, d.State, d.Events)
	if err != nil {
		return nil, err
	}
	buf, err := sonic.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("node: encode delta: %w", err)
	}
	return buf, nil
}

// DecodeDelta reverses EncodeDelta.
func DecodeDelta(buf []byte) (Delta, error) {
	var w wireUpdate
	if err := sonic.Unmarshal(buf, &w); err != nil {
		return Delta{}, fmt.Errorf("node: decode delta: %w", err)
	}
	id, collection, state, events, err := fromWireUpdate(w)
	if err != nil {
		return Delta{}, err
	}
	return Delta{EntityId: id, Collection: collection, State: state, Events: events}, nil
}

func toWireUpdate(id proto.EntityId, collection proto.CollectionId, state *proto.StateFragment, events []*proto.Event) (wireUpdate, error) {
	w := wireUpdate{EntityId: string(id), Collection: string(collection)}
	if state != nil {
		buf, err := proto.EncodeStateFragment(state)
		if err != nil {
			return wireUpdate{}, fmt.Errorf("node: encode update state: %w", err)
		}
		w.State = buf
	}
	if len(events) > 0 {
		w.Events = make([]json.RawMessage, len(events))
		for i, ev := range events {
			buf, err := proto.EncodeEvent(ev)
			if err != nil {
				return wireUpdate{}, fmt.Errorf("node: encode update event: %w", err)
			}
			w.Events[i] = buf
		}
	}
	return w, nil
}

func fromWireUpdate(w wireUpdate) (proto.EntityId, proto.CollectionId, *proto.StateFragment, []*proto.Event, error) {
	var state *proto.StateFragment
	if len(w.State) > 0 {
		frag, err := proto.DecodeStateFragment(w.State)
		if err != nil {
			return "", "", nil, nil, fmt.Errorf("node: decode update state: %w", err)
		}
		state = frag
	}
	events := make([]*proto.Event, len(w.Events))
	for i, buf := range w.Events {
		ev, err := proto.DecodeEvent(buf)
		if err != nil {
			return "", "", nil, nil, fmt.Errorf("node: decode update event: %w", err)
		}
		events[i] = ev
	}
	return proto.EntityId(w.EntityId), proto.CollectionId(w.Collection), state, events, nil
}
