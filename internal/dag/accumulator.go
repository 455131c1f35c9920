// Package dag provides the event-accumulation and forward-view machinery
// the entity engine uses once lineage.Compare reports DivergedSince: an
// LRU-cached event getter that records DAG structure as it fetches
// (EventAccumulator), and the ready-ordered, role-tagged ForwardView
// (spec.md §4.2) property backends apply one ReadySet at a time.
package dag

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sandwichfarm/causalnet/internal/lineage"
	"github.com/sandwichfarm/causalnet/internal/property"
	"github.com/sandwichfarm/causalnet/internal/proto"
)

const defaultCacheSize = 1000

// EventSource is the underlying collaborator an EventAccumulator draws
// uncached events from, typically internal/storage or a peer fetch.
type EventSource interface {
	GetEvents(ctx context.Context, ids []proto.EventId) ([]*proto.Event, error)
}

// EventCache is the narrow cross-connection existence-cache collaborator
// an EventAccumulator optionally consults (internal/cache.EventCache
// satisfies this directly). It is an existence index, not a body cache:
// a hit only tells the accumulator an id is worth asking storage for, it
// never substitutes for the fetch itself.
type EventCache interface {
	Contains(ctx context.Context, id proto.EventId) (bool, error)
	Observe(ctx context.Context, id proto.EventId) error
}

// EventAccumulator wraps an EventSource with a bounded per-request LRU and
// records the parent-pointer structure of every event it has ever fetched,
// so a later layering pass doesn't need to refetch to learn the shape of
// the DAG it already walked during lineage comparison. shared, when
// non-nil, is the cross-connection existence cache (SPEC_FULL §5 "shared
// resources"): every event this accumulator fetches or is seeded with
// gets observed into it, and GetEvent consults it to decide whether an id
// absent from this accumulator's own per-request DAG slice is still worth
// a storage round trip.
type EventAccumulator struct {
	source EventSource
	cache  *lru.Cache[proto.EventId, *proto.Event]
	shared EventCache
	dagOf  map[proto.EventId][]proto.EventId
}

// NewEventAccumulator builds an accumulator with the given LRU capacity
// (falls back to 1000, matching the shared event-id cache default in
// SPEC_FULL §10.1). shared may be nil, in which case the accumulator runs
// purely off its own per-request cache and the EventSource.
func NewEventAccumulator(source EventSource, capacity int, shared EventCache) (*EventAccumulator, error) {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	cache, err := lru.New[proto.EventId, *proto.Event](capacity)
	if err != nil {
		return nil, fmt.Errorf("dag: new lru cache: %w", err)
	}
	return &EventAccumulator{
		source: source,
		cache:  cache,
		shared: shared,
		dagOf:  make(map[proto.EventId][]proto.EventId),
	}, nil
}

// GetEvents implements lineage.GetEvents, fetching through the cache and
// recording each event's parent pointers into the accumulated DAG. Every
// freshly fetched event is observed into the shared cache, so a sibling
// connection's accumulator learns of it without waiting on this one.
func (a *EventAccumulator) GetEvents(ctx context.Context, ids []proto.EventId) ([]*proto.Event, error) {
	out := make([]*proto.Event, 0, len(ids))
	missing := make([]proto.EventId, 0, len(ids))

	for _, id := range ids {
		if ev, ok := a.cache.Get(id); ok {
			out = append(out, ev)
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		fetched, err := a.source.GetEvents(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("dag: fetch events: %w", err)
		}
		for _, ev := range fetched {
			a.accumulate(ev)
			a.observeShared(ctx, ev.Id)
			out = append(out, ev)
		}
	}

	return out, nil
}

// observeShared records id as known in the shared existence cache, when
// one is configured. Best-effort: cache.go documents a cache miss as
// never an error in itself, so a failure here is dropped rather than
// failing the walk that already holds the fetched event.
func (a *EventAccumulator) observeShared(ctx context.Context, id proto.EventId) {
	if a.shared == nil {
		return
	}
	_ = a.shared.Observe(ctx, id)
}

// EstimateCost implements lineage.GetEvents: one unit per event fetched,
// regardless of cache hit, since cache hits still pay a lookup cost and the
// budget models retrieval attempts rather than wall-clock time.
func (a *EventAccumulator) EstimateCost(batchSize int) int {
	return batchSize
}

// Seed records an event the caller already holds (e.g. one just received
// over the transport and not yet persisted to the storage collaborator) so
// later GetEvents/IntoForwardView calls see it without needing a round trip
// through the EventSource. It also observes the event into the shared
// cache, ahead of it ever landing in storage, so a concurrent connection's
// GetEvent can learn of it immediately.
func (a *EventAccumulator) Seed(ctx context.Context, ev *proto.Event) {
	a.accumulate(ev)
	a.observeShared(ctx, ev.Id)
}

func (a *EventAccumulator) accumulate(ev *proto.Event) {
	a.cache.Add(ev.Id, ev)
	a.dagOf[ev.Id] = ev.Parent.Ids()
}

// Contains reports whether id has been observed (accumulated) during this
// accumulator's lifetime, regardless of current cache eviction state. This
// is the DAG-membership check the LWW backend uses to resolve "stored but
// not in head" writer competitions (spec.md §4.4.1).
func (a *EventAccumulator) Contains(id proto.EventId) bool {
	_, ok := a.dagOf[id]
	return ok
}

// Relation reports how a and b relate within the DAG slice accumulated so
// far, distinguishing "genuinely concurrent" (both ids are known, no path
// connects them) from "unknown" (at least one id has never been observed).
// Conflating these two is exactly the bug spec.md §9 calls out: a backend
// must get InsufficientCausalInfo in the unknown case, never a silent pick.
func (a *EventAccumulator) Relation(ax, bx proto.EventId) property.Relation {
	if ax == bx {
		return property.RelDescends
	}
	if !a.Contains(ax) || !a.Contains(bx) {
		return property.RelUnknown
	}
	if isDescendantDag(a.dagOf, ax, bx) {
		return property.RelDescends
	}
	if isDescendantDag(a.dagOf, bx, ax) {
		return property.RelAscends
	}
	return property.RelConcurrent
}

// GetEvent returns a single previously accumulated event, checking the
// cache first and falling through to the recorded structure for
// membership (the event body itself may have been evicted). When id is
// absent from this accumulator's own per-request DAG slice, it consults
// the shared existence cache before giving up: another connection may
// already have observed the same id, in which case it is still worth a
// storage round trip rather than an immediate miss.
func (a *EventAccumulator) GetEvent(ctx context.Context, id proto.EventId) (*proto.Event, bool, error) {
	if ev, ok := a.cache.Get(id); ok {
		return ev, true, nil
	}
	if !a.Contains(id) {
		if a.shared == nil {
			return nil, false, nil
		}
		known, err := a.shared.Contains(ctx, id)
		if err != nil || !known {
			return nil, false, nil
		}
	}
	fetched, err := a.source.GetEvents(ctx, []proto.EventId{id})
	if err != nil {
		return nil, false, fmt.Errorf("dag: refetch event: %w", err)
	}
	if len(fetched) == 0 {
		return nil, false, nil
	}
	return fetched[0], true, nil
}

// IntoForwardView consumes the accumulated DAG structure into a ForwardView
// rooted at meet (spec.md §4.2): the events reachable from subjectHead or
// otherHead that are not themselves reachable from meet, with subjectHead's
// reverse path to meet tagged Primary and everything else Concurrency. Only
// meaningful once a DivergedSince (or Descends/NotDescends, with meet set
// to the appropriate frontier) comparison has populated the accumulator
// with the traversed slice of the DAG. events supplies event bodies for the
// view; entries outside the view are dropped, not errors.
func (a *EventAccumulator) IntoForwardView(meet, subjectHead, otherHead proto.Clock, events map[proto.EventId]*proto.Event) *ForwardView {
	snapshot := make(map[proto.EventId][]proto.EventId, len(a.dagOf))
	for id, parents := range a.dagOf {
		snapshot[id] = parents
	}

	excluded := computeAncestryFromDag(snapshot, meet)
	reachable := computeAncestryFromDag(snapshot, subjectHead)
	for id := range computeAncestryFromDag(snapshot, otherHead) {
		reachable[id] = struct{}{}
	}

	viewEvents := make(map[proto.EventId]*proto.Event, len(reachable))
	for id := range reachable {
		if _, dead := excluded[id]; dead {
			continue
		}
		if ev, ok := events[id]; ok {
			viewEvents[id] = ev
		}
	}

	return NewForwardView(snapshot, viewEvents, meet, subjectHead)
}

// AllAccumulated returns every event body this accumulator has recorded the
// structure of, refetching through the source for any id the LRU cache has
// since evicted. Callers use this to hand ForwardView.IterReadySets a
// complete body map after a lineage comparison has already walked the
// relevant DAG slice.
func (a *EventAccumulator) AllAccumulated(ctx context.Context) (map[proto.EventId]*proto.Event, error) {
	ids := make([]proto.EventId, 0, len(a.dagOf))
	for id := range a.dagOf {
		ids = append(ids, id)
	}
	events, err := a.GetEvents(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("dag: load accumulated events: %w", err)
	}
	out := make(map[proto.EventId]*proto.Event, len(events))
	for _, ev := range events {
		out[ev.Id] = ev
	}
	return out, nil
}

var _ lineage.GetEvents = (*EventAccumulator)(nil)

// computeAncestryFromDag walks backward from every id in head through
// parent pointers in dagSnapshot, returning the full set of ids reachable
// (including head itself). Missing dag entries end that branch.
func computeAncestryFromDag(dagSnapshot map[proto.EventId][]proto.EventId, head proto.Clock) map[proto.EventId]struct{} {
	visited := make(map[proto.EventId]struct{})
	stack := head.Ids()
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		parents, ok := dagSnapshot[id]
		if !ok {
			continue
		}
		stack = append(stack, parents...)
	}
	return visited
}

// isDescendantDag reports whether ancestor is reachable backward from
// descendant through dagSnapshot's parent pointers. A missing dag entry for
// a node still on the search stack is a dead end, not a fetch error: this
// function is intentionally infallible.
func isDescendantDag(dagSnapshot map[proto.EventId][]proto.EventId, descendant, ancestor proto.EventId) bool {
	if descendant == ancestor {
		return true
	}
	visited := make(map[proto.EventId]struct{})
	stack := []proto.EventId{descendant}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == ancestor {
			return true
		}
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		parents, ok := dagSnapshot[id]
		if !ok {
			continue
		}
		stack = append(stack, parents...)
	}
	return false
}
