package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/sandwichfarm/causalnet/internal/dag"
	"github.com/sandwichfarm/causalnet/internal/lineage"
	"github.com/sandwichfarm/causalnet/internal/property"
	"github.com/sandwichfarm/causalnet/internal/proto"
)

// ErrIncomparableHistory is returned by ApplyIncoming when the incoming
// frontier shares no ancestry with the entity's current head: the two
// cannot be reconciled as the same entity (spec.md §4.3 "Incomparable ⇒
// reject").
var ErrIncomparableHistory = errors.New("entity: incoming frontier is incomparable with current head")

// BudgetExceededError wraps a lineage.BudgetExceeded result, exposing the
// exhausted budget and the frontiers the walk had reached. ApplyIncoming
// takes no frontier state, so retrying it with a larger budget starts the
// walk again from incomingHead and the current head.
type BudgetExceededError struct {
	Ordering lineage.Ordering
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("entity: lineage comparison exhausted budget %d", e.Ordering.OriginalBudget)
}

// ApplyIncoming folds the events reachable from incomingHead into the
// entity, advancing head according to the lineage classification of
// incomingHead against the entity's current head. acc supplies both event
// bodies and the DAG structure layering draws on.
func (e *Entity) ApplyIncoming(ctx context.Context, acc *dag.EventAccumulator, incomingHead proto.Clock, budget int) error {
	if incomingHead.Equal(e.Head) {
		return nil
	}

	// An empty head is "before creation": every incoming event is new.
	ordering := lineage.Ordering{Kind: lineage.Descends}
	if len(e.Head) > 0 {
		var err error
		ordering, err = lineage.Compare(ctx, acc, incomingHead, e.Head, budget)
		if err != nil {
			return fmt.Errorf("entity: compare lineage: %w", err)
		}
	}

	switch ordering.Kind {
	case lineage.Equal:
		return nil
	case lineage.BudgetExceeded:
		return &BudgetExceededError{Ordering: ordering}
	case lineage.Incomparable:
		return ErrIncomparableHistory
	}

	// NotDescends (incoming only partially ahead of head) and DivergedSince
	// (both sides hold events the other lacks) both converge correctly
	// through a meet-rooted layered merge; spec.md only names distinct
	// behavior for Equal, Descends and Incomparable.
	var meet proto.Clock
	switch ordering.Kind {
	case lineage.Descends:
		meet = e.Head.Clone()
	case lineage.DivergedSince:
		meet = proto.NewClock(ordering.Meet...)
	case lineage.NotDescends:
		meet = proto.NewClock(ordering.CommonAncestors...)
	default:
		return fmt.Errorf("entity: unexpected lineage kind %s", ordering.Kind)
	}

	events, err := acc.AllAccumulated(ctx)
	if err != nil {
		return fmt.Errorf("entity: load accumulated events: %w", err)
	}

	view := acc.IntoForwardView(meet, e.Head, incomingHead, events)
	sets := view.IterReadySets()
	appliedAny := false
	for _, set := range sets {
		toApply := set.ConcurrencyEvents()
		concurrentIds := make([]proto.EventId, 0, len(toApply))
		for _, ev := range toApply {
			concurrentIds = append(concurrentIds, ev.Id)
		}

		for _, ev := range toApply {
			evCtx := property.CausalContext{
				EventId:    ev.Id,
				Parent:     ev.Parent,
				Concurrent: siblingsExcluding(concurrentIds, ev.Id),
				Compare:    acc.Relation,
			}
			if err := e.deliver(ev, evCtx); err != nil {
				return err
			}
			appliedAny = true
		}
	}

	newHeadIds := unionClockIds(e.Head, incomingHead)
	if appliedAny {
		e.Head = reduceHead(newHeadIds, func(candidate, of proto.EventId) bool {
			return acc.Relation(of, candidate) == property.RelDescends
		})
	} else {
		e.Head = proto.NewClock(newHeadIds...)
	}

	return nil
}

func siblingsExcluding(ids []proto.EventId, self proto.EventId) []proto.EventId {
	out := make([]proto.EventId, 0, len(ids))
	for _, id := range ids {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

func unionClockIds(a, b proto.Clock) []proto.EventId {
	seen := make(map[proto.EventId]struct{}, len(a)+len(b))
	out := make([]proto.EventId, 0, len(a)+len(b))
	for _, id := range a.Ids() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b.Ids() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
