package node

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/sandwichfarm/causalnet/internal/proto"
	"github.com/sandwichfarm/causalnet/internal/reactor"
)

// Delta is one entity's initial-query-response or one-shot-fetch payload
// (spec.md §4.8 "Apply delta"): either a full state snapshot or a bridge of
// causally ordered events.
type Delta struct {
	EntityId   proto.EntityId
	Collection proto.CollectionId
	State      *proto.StateFragment
	Events     []*proto.Event
}

type deltaResult struct {
	change reactor.EntityChange
	err    error
}

// ApplyDeltas processes deltas in parallel, one goroutine per entity (cross-
// entity work is independent per spec.md §5), and drains results in ready
// order rather than submission order (SPEC_FULL §13 "ready-chunk parallel
// delta application"). When notify is non-nil, it is invoked synchronously
// with each entity's EntityChange as that entity's apply completes, so a
// caller publishing to the reactor does so per-entity in ready order
// instead of waiting for every delta in the batch to finish; notify may be
// nil, in which case the caller only gets the aggregated slice this
// function returns once every delta has settled. A failing delta is
// logged and skipped; ApplyDeltas only returns an error if every delta in
// the batch failed.
func (n *Node) ApplyDeltas(ctx context.Context, peer proto.PeerId, deltas []Delta, notify func(reactor.EntityChange)) ([]reactor.EntityChange, error) {
	if len(deltas) == 0 {
		return nil, nil
	}

	results := make(chan deltaResult, len(deltas))
	for _, d := range deltas {
		d := d
		go func() {
			change, err := n.ApplyUpdate(ctx, peer, Update{
				EntityId:   d.EntityId,
				Collection: d.Collection,
				State:      d.State,
				Events:     d.Events,
			})
			results <- deltaResult{change: change, err: err}
		}()
	}

	changes := make([]reactor.EntityChange, 0, len(deltas))
	var firstErr error
	for i := 0; i < len(deltas); i++ {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			if n.logger != nil {
				n.logger.Error("node: apply delta failed", "peer", string(peer), "error", r.err)
			}
			continue
		}
		if notify != nil {
			notify(r.change)
		}
		changes = append(changes, r.change)
	}
	if firstErr != nil && len(changes) == 0 {
		return nil, firstErr
	}
	return changes, nil
}

// DumpEntityEventsJSON renders dump_entity_events (spec.md §6) as a JSON
// array for the debug/test surface SPEC_FULL §13 assigns to this package.
func (n *Node) DumpEntityEventsJSON(ctx context.Context, id proto.EntityId) ([]byte, error) {
	events, err := n.DumpEntityEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("node: dump_entity_events %s: %w", id, err)
	}
	rendered := make([]json.RawMessage, 0, len(events))
	for _, att := range events {
		buf, err := proto.EncodeEvent(att.Value)
		if err != nil {
			return nil, fmt.Errorf("node: render dumped event %s: %w", att.Value.Id, err)
		}
		rendered = append(rendered, buf)
	}
	out, err := sonic.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("node: marshal dump_entity_events %s: %w", id, err)
	}
	return out, nil
}
