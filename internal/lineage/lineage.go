// Package lineage compares two causal frontiers (clocks) and classifies
// their relationship by walking parent pointers on demand, charging a cost
// budget as it goes. It never reports a partial answer: a comparison either
// concludes or reports BudgetExceeded.
package lineage

import (
	"context"
	"fmt"
	"sort"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

// Kind enumerates the possible outcomes of a lineage comparison.
type Kind int

const (
	// Equal means the two frontiers are set-equal.
	Equal Kind = iota
	// Descends means subject descends from (or equals) other.
	Descends
	// NotDescends means subject does not descend from other but they
	// share at least one common ancestor. Reported whenever some, but not
	// all, of other's original ids lie in subject's ancestry; CommonAncestors
	// carries exactly those ids (the original source's "PartiallyDescends"
	// case is folded in here).
	NotDescends
	// DivergedSince means both sides hold events the other lacks, but
	// they share a well-defined meet.
	DivergedSince
	// Incomparable means no common ancestor exists.
	Incomparable
	// BudgetExceeded means the traversal exhausted its budget before a
	// conclusive answer. Carries enough state to resume with a larger
	// budget without restarting from the original heads.
	BudgetExceeded
)

func (k Kind) String() string {
	switch k {
	case Equal:
		return "Equal"
	case Descends:
		return "Descends"
	case NotDescends:
		return "NotDescends"
	case DivergedSince:
		return "DivergedSince"
	case Incomparable:
		return "Incomparable"
	case BudgetExceeded:
		return "BudgetExceeded"
	default:
		return "Unknown"
	}
}

// Ordering is the full classification of a lineage comparison.
type Ordering struct {
	Kind Kind

	// CommonAncestors is populated for NotDescends.
	CommonAncestors []proto.EventId

	// Meet is populated for DivergedSince: the full set of events both
	// subject and other descend from. This is the common-ancestor set the
	// traversal accumulated, not reduced to its maximal antichain — the
	// comparison only retains flat ancestor-id membership, not the edges
	// between ancestors needed to tell which common ancestors are
	// themselves descended from others in the set. Downstream consumers
	// (ForwardView's view construction) only need membership, so the
	// over-inclusive set is harmless there, but callers wanting the true
	// frontier must reduce it themselves.
	Meet []proto.EventId

	// The following three fields are populated for BudgetExceeded, and
	// let a caller resume the comparison with a larger budget instead of
	// restarting from the original subject/other frontiers.
	OriginalBudget int
	SubjectFrontier []proto.EventId
	OtherFrontier   []proto.EventId
}

// GetEvents fetches a batch of events by id. Implementations may hit a
// cache, local storage, or the network; EstimateCost lets different
// backends charge the comparison budget according to their own retrieval
// cost model (SPEC §13 "cost-based budget estimation").
type GetEvents interface {
	GetEvents(ctx context.Context, ids []proto.EventId) ([]*proto.Event, error)
	EstimateCost(batchSize int) int
}

// Compare classifies the relationship between subject and other, fetching
// ancestor events through getter as needed and charging budget for each
// batch fetched. budget must be positive.
func Compare(ctx context.Context, getter GetEvents, subject, other proto.Clock, budget int) (Ordering, error) {
	if len(subject) == 0 || len(other) == 0 {
		return Ordering{Kind: Incomparable}, nil
	}
	if subject.Equal(other) {
		return Ordering{Kind: Equal}, nil
	}

	c := newComparison(subject, other, budget)
	for {
		done, result, err := c.step(ctx, getter)
		if err != nil {
			return Ordering{}, err
		}
		if done {
			return result, nil
		}
	}
}

// comparison holds the expanding traversal state for one Compare call,
// mirroring the original source's Comparison stepper: two working
// frontiers, and two accumulated "seen" sets, plus a snapshot of other's
// original ids used to distinguish Descends from DivergedSince/NotDescends.
type comparison struct {
	subjectFrontier proto.Clock
	otherFrontier   proto.Clock
	subjectSet      proto.Clock
	otherSet        proto.Clock
	originalOther   proto.Clock

	remainingBudget int
	originalBudget  int
}

func newComparison(subject, other proto.Clock, budget int) *comparison {
	return &comparison{
		subjectFrontier: subject.Clone(),
		otherFrontier:   other.Clone(),
		subjectSet:      subject.Clone(),
		otherSet:        other.Clone(),
		originalOther:   other.Clone(),
		remainingBudget: budget,
		originalBudget:  budget,
	}
}

// step fetches one batch of frontier events and advances the traversal,
// returning (true, Ordering, nil) once a conclusive answer (or
// BudgetExceeded) is reached.
func (c *comparison) step(ctx context.Context, getter GetEvents) (bool, Ordering, error) {
	ids := unionIds(c.subjectFrontier, c.otherFrontier)
	if len(ids) == 0 {
		return true, c.checkResult(), nil
	}

	cost := getter.EstimateCost(len(ids))
	if c.remainingBudget <= 0 {
		return true, c.budgetExceeded(), nil
	}
	c.remainingBudget -= cost

	events, err := getter.GetEvents(ctx, ids)
	if err != nil {
		return false, Ordering{}, fmt.Errorf("lineage: fetch events: %w", err)
	}

	c.processEvents(events)

	if result, ok := c.checkEarly(); ok {
		return true, result, nil
	}

	if c.remainingBudget <= 0 && (len(c.subjectFrontier) > 0 || len(c.otherFrontier) > 0) {
		return true, c.budgetExceeded(), nil
	}

	if len(c.subjectFrontier) == 0 && len(c.otherFrontier) == 0 {
		return true, c.checkResult(), nil
	}

	return false, Ordering{}, nil
}

func (c *comparison) processEvents(events []*proto.Event) {
	for _, ev := range events {
		if c.subjectFrontier.Contains(ev.Id) {
			delete(c.subjectFrontier, ev.Id)
			for _, p := range ev.Parent.Ids() {
				if !c.subjectSet.Contains(p) {
					c.subjectFrontier.Add(p)
				}
				c.subjectSet.Add(p)
			}
		}
		if c.otherFrontier.Contains(ev.Id) {
			delete(c.otherFrontier, ev.Id)
			for _, p := range ev.Parent.Ids() {
				if !c.otherSet.Contains(p) {
					c.otherFrontier.Add(p)
				}
				c.otherSet.Add(p)
			}
		}
	}
}

// checkEarly returns Descends as soon as every original-other id has been
// observed to be in subject's accumulated ancestor set, without waiting for
// both frontiers to fully exhaust.
func (c *comparison) checkEarly() (Ordering, bool) {
	if isSubset(c.originalOther, c.subjectSet) {
		return Ordering{Kind: Descends}, true
	}
	return Ordering{}, false
}

func (c *comparison) checkResult() Ordering {
	if isSubset(c.originalOther, c.subjectSet) {
		return Ordering{Kind: Descends}
	}

	common := intersect(c.subjectSet, c.otherSet)
	if len(common) == 0 {
		return Ordering{Kind: Incomparable}
	}

	otherInSubject := intersect(c.originalOther, c.subjectSet)
	if len(otherInSubject) > 0 {
		ids := make([]proto.EventId, 0, len(otherInSubject))
		for id := range otherInSubject {
			ids = append(ids, id)
		}
		sortIds(ids)
		return Ordering{Kind: NotDescends, CommonAncestors: ids}
	}

	// Both sides hold events the other lacks and share ancestry: this is
	// a genuine divergence. Meet carries the whole common-ancestor set,
	// not its reduced frontier (see Ordering.Meet's doc comment).
	meetIds := make([]proto.EventId, 0, len(common))
	for id := range common {
		meetIds = append(meetIds, id)
	}
	sortIds(meetIds)
	return Ordering{Kind: DivergedSince, Meet: meetIds}
}

func (c *comparison) budgetExceeded() Ordering {
	return Ordering{
		Kind:            BudgetExceeded,
		OriginalBudget:  c.originalBudget,
		SubjectFrontier: c.subjectFrontier.Ids(),
		OtherFrontier:   c.otherFrontier.Ids(),
	}
}

func unionIds(a, b proto.Clock) []proto.EventId {
	seen := make(map[proto.EventId]struct{}, len(a)+len(b))
	out := make([]proto.EventId, 0, len(a)+len(b))
	for id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func isSubset(sub, super proto.Clock) bool {
	for id := range sub {
		if !super.Contains(id) {
			return false
		}
	}
	return true
}

func intersect(a, b proto.Clock) proto.Clock {
	out := make(proto.Clock)
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for id := range small {
		if large.Contains(id) {
			out.Add(id)
		}
	}
	return out
}

func sortIds(ids []proto.EventId) {
	sort.Slice(ids, func(i, j int) bool {
		return string(ids[i][:]) < string(ids[j][:])
	})
}
