package relay

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

// wireDelta is the envelope one Delta travels the wire as, reusing
// proto.EncodeStateFragment/EncodeEvent for the nested payloads rather than
// re-deriving a second serialization for the same types (spec.md §4.6
// deltas carry exactly the state/event shapes §6 already defines). Events
// nest as raw JSON objects (proto.EncodeEvent's own output) rather than
// base64 blobs.
type wireDelta struct {
	Kind     string            `json:"kind"` // "snapshot" | "event_bridge"
	EntityId string            `json:"entity_id"`
	State    json.RawMessage   `json:"state,omitempty"`
	Events   []json.RawMessage `json:"events,omitempty"`
}

func encodeDelta(d Delta) (wireDelta, error) {
	switch v := d.(type) {
	case StateSnapshot:
		buf, err := proto.EncodeStateFragment(v.State)
		if err != nil {
			return wireDelta{}, fmt.Errorf("relay: encode snapshot delta: %w", err)
		}
		return wireDelta{Kind: "snapshot", EntityId: string(v.EntityId), State: buf}, nil
	case EventBridge:
		events := make([]json.RawMessage, len(v.Events))
		for i, ev := range v.Events {
			buf, err := proto.EncodeEvent(ev)
			if err != nil {
				return wireDelta{}, fmt.Errorf("relay: encode bridge delta: %w", err)
			}
			events[i] = buf
		}
		return wireDelta{Kind: "event_bridge", EntityId: string(v.EntityId), Events: events}, nil
	default:
		return wireDelta{}, fmt.Errorf("relay: unknown delta type %T", d)
	}
}

func decodeDelta(w wireDelta) (Delta, error) {
	switch w.Kind {
	case "snapshot":
		frag, err := proto.DecodeStateFragment(w.State)
		if err != nil {
			return nil, fmt.Errorf("relay: decode snapshot delta: %w", err)
		}
		return StateSnapshot{EntityId: proto.EntityId(w.EntityId), State: frag}, nil
	case "event_bridge":
		events := make([]*proto.Event, len(w.Events))
		for i, buf := range w.Events {
			ev, err := proto.DecodeEvent(buf)
			if err != nil {
				return nil, fmt.Errorf("relay: decode bridge delta: %w", err)
			}
			events[i] = ev
		}
		return EventBridge{EntityId: proto.EntityId(w.EntityId), Events: events}, nil
	default:
		return nil, fmt.Errorf("relay: unknown wire delta kind %q", w.Kind)
	}
}

func encodeDeltas(ds []Delta) ([]wireDelta, error) {
	out := make([]wireDelta, len(ds))
	for i, d := range ds {
		w, err := encodeDelta(d)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

func decodeDeltas(ws []wireDelta) ([]Delta, error) {
	out := make([]Delta, len(ws))
	for i, w := range ws {
		d, err := decodeDelta(w)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// wireMessage is the tagged envelope every relay.Message travels the wire
// as, matching the JSON-envelope convention internal/proto's codec uses for
// Event/StateFragment.
type wireMessage struct {
	Kind          string      `json:"kind"`
	QueryId       string      `json:"query_id,omitempty"`
	Collection    string      `json:"collection,omitempty"`
	Predicate     []byte      `json:"predicate,omitempty"`
	Version       int         `json:"version,omitempty"`
	InitialDeltas []wireDelta `json:"initial_deltas,omitempty"`
	Items         []wireDelta `json:"items,omitempty"`
	Deltas        []wireDelta `json:"deltas,omitempty"`
}

// EncodeMessage renders a relay.Message as the payload cmd/causalnet wraps in
// its envelope and sends in a transport Header frame.
func EncodeMessage(msg Message) ([]byte, error) {
	var w wireMessage
	switch v := msg.(type) {
	case QuerySubscribe:
		w = wireMessage{Kind: "query_subscribe", QueryId: string(v.QueryId), Collection: string(v.Collection), Predicate: v.Predicate, Version: v.Version}
	case QueryUpdate:
		w = wireMessage{Kind: "query_update", QueryId: string(v.QueryId), Predicate: v.Predicate, Version: v.Version}
	case QueryUnsubscribe:
		w = wireMessage{Kind: "query_unsubscribe", QueryId: string(v.QueryId)}
	case QuerySubscribed:
		deltas, err := encodeDeltas(v.InitialDeltas)
		if err != nil {
			return nil, err
		}
		w = wireMessage{Kind: "query_subscribed", QueryId: string(v.QueryId), InitialDeltas: deltas}
	case SubscriptionUpdate:
		items, err := encodeDeltas(v.Items)
		if err != nil {
			return nil, err
		}
		w = wireMessage{Kind: "subscription_update", QueryId: string(v.QueryId), Items: items}
	case Fetch:
		w = wireMessage{Kind: "fetch", Collection: string(v.Collection), Predicate: v.Predicate}
	case FetchResponse:
		deltas, err := encodeDeltas(v.Deltas)
		if err != nil {
			return nil, err
		}
		w = wireMessage{Kind: "fetch_response", Deltas: deltas}
	default:
		return nil, fmt.Errorf("relay: unknown message type %T", msg)
	}
	buf, err := sonic.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("relay: encode message: %w", err)
	}
	return buf, nil
}

// DecodeMessage reverses EncodeMessage.
func DecodeMessage(buf []byte) (Message, error) {
	var w wireMessage
	if err := sonic.Unmarshal(buf, &w); err != nil {
		return nil, fmt.Errorf("relay: decode message: %w", err)
	}
	switch w.Kind {
	case "query_subscribe":
		return QuerySubscribe{QueryId: proto.RemoteQueryId(w.QueryId), Collection: proto.CollectionId(w.Collection), Predicate: w.Predicate, Version: w.Version}, nil
	case "query_update":
		return QueryUpdate{QueryId: proto.RemoteQueryId(w.QueryId), Predicate: w.Predicate, Version: w.Version}, nil
	case "query_unsubscribe":
		return QueryUnsubscribe{QueryId: proto.RemoteQueryId(w.QueryId)}, nil
	case "query_subscribed":
		deltas, err := decodeDeltas(w.InitialDeltas)
		if err != nil {
			return nil, err
		}
		return QuerySubscribed{QueryId: proto.RemoteQueryId(w.QueryId), InitialDeltas: deltas}, nil
	case "subscription_update":
		items, err := decodeDeltas(w.Items)
		if err != nil {
			return nil, err
		}
		return SubscriptionUpdate{QueryId: proto.RemoteQueryId(w.QueryId), Items: items}, nil
	case "fetch":
		return Fetch{Collection: proto.CollectionId(w.Collection), Predicate: w.Predicate}, nil
	case "fetch_response":
		deltas, err := decodeDeltas(w.Deltas)
		if err != nil {
			return nil, err
		}
		return FetchResponse{Deltas: deltas}, nil
	default:
		return nil, fmt.Errorf("relay: unknown wire message kind %q", w.Kind)
	}
}
