package dag

import (
	"sort"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

// EventRole tags an event within a ReadySet as being on the subject's own
// path to the meet (Primary) or as a concurrent event the subject has not
// yet applied (Concurrency).
type EventRole int

const (
	Primary EventRole = iota
	Concurrency
)

func (r EventRole) String() string {
	if r == Primary {
		return "Primary"
	}
	return "Concurrency"
}

// ReadySet is a maximal antichain of events whose parents are all either in
// the meet or in an earlier ReadySet, sorted by EventId ascending for
// deterministic sibling ordering (spec.md §4.2 "Tie-break within a ReadySet").
type ReadySet struct {
	Events []RoledEvent
}

// RoledEvent pairs an event with its Primary/Concurrency role.
type RoledEvent struct {
	Event *proto.Event
	Role  EventRole
}

// PrimaryEvents returns only the events tagged Primary.
func (r ReadySet) PrimaryEvents() []*proto.Event {
	var out []*proto.Event
	for _, re := range r.Events {
		if re.Role == Primary {
			out = append(out, re.Event)
		}
	}
	return out
}

// ConcurrencyEvents returns only the events tagged Concurrency.
func (r ReadySet) ConcurrencyEvents() []*proto.Event {
	var out []*proto.Event
	for _, re := range r.Events {
		if re.Role == Concurrency {
			out = append(out, re.Event)
		}
	}
	return out
}

// ForwardView is the set of events reachable from subjectHead and from
// otherHead that are NOT reachable from meet, with membership testing and
// the topological ReadySet sequence (spec.md §4.2). IterReadySets computes
// that sequence in full in one call; it is not produced lazily.
type ForwardView struct {
	events      map[proto.EventId]*proto.Event
	dagOf       map[proto.EventId][]proto.EventId
	primaryPath map[proto.EventId]struct{}
	meet        proto.Clock
}

// NewForwardView builds a ForwardView from an already-accumulated DAG
// snapshot, a meet frontier, and the subject head whose reverse-reachable
// path to the meet is tagged Primary.
func NewForwardView(dagSnapshot map[proto.EventId][]proto.EventId, events map[proto.EventId]*proto.Event, meet, subjectHead proto.Clock) *ForwardView {
	fv := &ForwardView{
		events: events,
		dagOf:  dagSnapshot,
		meet:   meet.Clone(),
	}
	fv.primaryPath = computePrimaryPath(dagSnapshot, meet, subjectHead)
	return fv
}

// computePrimaryPath walks backward from subjectHead toward meet, marking
// every event visited as Primary. Events outside the view (unknown to
// dagSnapshot) are dead ends, not errors.
func computePrimaryPath(dagSnapshot map[proto.EventId][]proto.EventId, meet, subjectHead proto.Clock) map[proto.EventId]struct{} {
	visited := make(map[proto.EventId]struct{})
	stack := subjectHead.Ids()
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[id]; ok {
			continue
		}
		if meet.Contains(id) {
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

// Contains reports whether id is a member of the forward view.
func (fv *ForwardView) Contains(id proto.EventId) bool {
	_, ok := fv.events[id]
	return ok
}

// IterReadySets computes the full sequence of topologically ordered
// ReadySets via Kahn's algorithm restricted to the forward view: in-degree
// counts only parents present in the view (a parent in the meet or outside
// the view entirely contributes zero in-degree, i.e. is a dead end per
// spec.md §9's open question).
func (fv *ForwardView) IterReadySets() []ReadySet {
	inDegree := make(map[proto.EventId]int, len(fv.events))
	children := make(map[proto.EventId][]proto.EventId, len(fv.events))

	for id := range fv.events {
		parents := fv.dagOf[id]
		degree := 0
		for _, p := range parents {
			if _, inView := fv.events[p]; inView {
				degree++
				children[p] = append(children[p], id)
			}
		}
		inDegree[id] = degree
	}

	var ready []proto.EventId
	for id, d := range inDegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	var sets []ReadySet
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return string(ready[i][:]) < string(ready[j][:]) })

		set := ReadySet{Events: make([]RoledEvent, 0, len(ready))}
		var next []proto.EventId
		for _, id := range ready {
			role := Concurrency
			if _, primary := fv.primaryPath[id]; primary {
				role = Primary
			}
			set.Events = append(set.Events, RoledEvent{Event: fv.events[id], Role: role})

			for _, child := range children[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sets = append(sets, set)
		ready = next
	}

	return sets
}

// AllEvents returns every event in the view in no particular order.
func (fv *ForwardView) AllEvents() []*proto.Event {
	out := make([]*proto.Event, 0, len(fv.events))
	for _, ev := range fv.events {
		out = append(out, ev)
	}
	return out
}
