// Package node wires storage, the policy agent, and the reactor together
// into the receive path spec.md §4.8 describes: validate incoming peer
// messages, stage event bodies, fold them through the entity engine,
// persist the result, and publish entity changes to local subscribers.
package node

import (
	"context"
	"fmt"

	"github.com/sandwichfarm/causalnet/internal/dag"
	"github.com/sandwichfarm/causalnet/internal/entity"
	"github.com/sandwichfarm/causalnet/internal/lineage"
	"github.com/sandwichfarm/causalnet/internal/metrics"
	"github.com/sandwichfarm/causalnet/internal/ops"
	"github.com/sandwichfarm/causalnet/internal/proto"
	"github.com/sandwichfarm/causalnet/internal/reactor"
)

// Storage is the narrow collaborator Node needs from spec.md §6's storage
// interface; internal/storage.Storage satisfies it directly.
type Storage interface {
	AddEvent(ctx context.Context, ev proto.Attested[*proto.Event]) (bool, error)
	GetEvents(ctx context.Context, ids []proto.EventId) ([]*proto.Event, error)
	EstimateCost(batchSize int) int
	GetState(ctx context.Context, id proto.EntityId) (proto.Attested[*proto.StateFragment], bool, error)
	SetState(ctx context.Context, frag proto.Attested[*proto.StateFragment]) (bool, error)
	FetchStates(ctx context.Context, sel proto.Selection) ([]proto.Attested[*proto.StateFragment], error)
	DumpEntityEvents(ctx context.Context, id proto.EntityId) ([]proto.Attested[*proto.Event], error)
}

// EventCache is the narrow cross-connection existence-cache collaborator
// Node optionally consults to skip a redundant storage.AddEvent call for
// an id another connection has already staged (internal/cache.EventCache
// satisfies this directly). nil disables the check entirely.
type EventCache interface {
	Contains(ctx context.Context, id proto.EventId) (bool, error)
	Observe(ctx context.Context, id proto.EventId) error
}

// PolicyAgent is spec.md §6's policy collaborator.
type PolicyAgent interface {
	ValidateReceivedEvent(ctx context.Context, peer proto.PeerId, ev proto.Attested[*proto.Event]) error
	ValidateReceivedState(ctx context.Context, peer proto.PeerId, state proto.Attested[*proto.StateFragment]) error
	AttestState(ctx context.Context, state *proto.StateFragment) ([][]byte, bool)
	FilterPredicate(ctx context.Context, collection proto.CollectionId, predicate []byte) ([]byte, error)
	CanAccessCollection(ctx context.Context, collection proto.CollectionId) error
}

// AllowAllPolicy is the permissive default PolicyAgent: it accepts every
// event and state unconditionally, attests nothing, and passes predicates
// through unfiltered. Suitable for single-operator deployments and tests.
type AllowAllPolicy struct{}

func (AllowAllPolicy) ValidateReceivedEvent(context.Context, proto.PeerId, proto.Attested[*proto.Event]) error {
	return nil
}

func (AllowAllPolicy) ValidateReceivedState(context.Context, proto.PeerId, proto.Attested[*proto.StateFragment]) error {
	return nil
}

func (AllowAllPolicy) AttestState(context.Context, *proto.StateFragment) ([][]byte, bool) {
	return nil, false
}

func (AllowAllPolicy) FilterPredicate(_ context.Context, _ proto.CollectionId, predicate []byte) ([]byte, error) {
	return predicate, nil
}

func (AllowAllPolicy) CanAccessCollection(context.Context, proto.CollectionId) error {
	return nil
}

// Update is one streaming subscription item (spec.md §4.8 "Apply update"):
// either bare events, or a state snapshot plus the events that produced it,
// when the sender believes the receiver can adopt its state wholesale.
type Update struct {
	EntityId   proto.EntityId
	Collection proto.CollectionId
	State      *proto.StateFragment
	Events     []*proto.Event
}

// Node is the receive-path glue: it owns the in-memory entity arena and
// dispatches every incoming update or delta through storage, the policy
// agent, and the reactor.
type Node struct {
	storage Storage
	policy  PolicyAgent
	reactor *reactor.Reactor
	arena   *entity.EntitySet

	budget   int
	cacheCap int

	cache   EventCache
	logger  *ops.Logger
	metrics *metrics.Registry
}

// New constructs a Node. budget is the default lineage comparison cost
// budget (SPEC_FULL §10.1 config.Lineage.DefaultBudget); cacheCap sizes
// each per-request dag.EventAccumulator's LRU. reg may be nil, in which case
// no lineage comparison metrics are recorded. cache may be nil, in which
// case every dag.EventAccumulator this node builds runs without the
// cross-connection existence cache and every staged event is always
// written through to storage.
func New(storage Storage, policy PolicyAgent, react *reactor.Reactor, budget, cacheCap int, logger *ops.Logger, reg *metrics.Registry, cache EventCache) *Node {
	n := &Node{storage: storage, policy: policy, reactor: react, budget: budget, cacheCap: cacheCap, logger: logger, metrics: reg, cache: cache}
	n.arena = entity.NewEntitySet(n.loadEntity)
	return n
}

func (n *Node) loadEntity(ctx context.Context, id proto.EntityId, collection proto.CollectionId) (*entity.Entity, error) {
	state, ok, err := n.storage.GetState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("node: load entity %s: %w", id, err)
	}
	if !ok {
		return entity.NewEntity(id, collection), nil
	}
	return entity.Materialize(state.Value)
}

func (n *Node) newAccumulator() (*dag.EventAccumulator, error) {
	acc, err := dag.NewEventAccumulator(n.storage, n.cacheCap, n.cache)
	if err != nil {
		return nil, fmt.Errorf("node: new event accumulator: %w", err)
	}
	return acc, nil
}

// ApplyUpdate validates and folds one streaming subscription item into the
// addressed entity, persists the result, and returns the resulting
// EntityChange for the caller to publish to the reactor.
func (n *Node) ApplyUpdate(ctx context.Context, peer proto.PeerId, upd Update) (reactor.EntityChange, error) {
	if err := n.validate(ctx, peer, upd); err != nil {
		return reactor.EntityChange{}, err
	}

	acc, err := n.newAccumulator()
	if err != nil {
		return reactor.EntityChange{}, err
	}
	for _, ev := range upd.Events {
		acc.Seed(ctx, ev)
	}

	var change reactor.EntityChange
	err = n.arena.With(ctx, upd.EntityId, upd.Collection, func(e *entity.Entity) error {
		before := e.Properties()

		if upd.State != nil {
			adopted, err := n.tryAdoptState(ctx, e, upd.State, acc)
			if err != nil {
				return err
			}
			if adopted {
				return n.persist(ctx, e, before, &change)
			}
		}

		for _, ev := range upd.Events {
			if n.alreadyStaged(ctx, ev.Id) {
				continue
			}
			if _, err := n.storage.AddEvent(ctx, proto.NewAttested(ev)); err != nil {
				return fmt.Errorf("node: stage event %s: %w", ev.Id, err)
			}
			if n.cache != nil {
				_ = n.cache.Observe(ctx, ev.Id)
			}
		}
		incomingHead := headOf(upd.Events, e.Head)
		if len(incomingHead) == 0 {
			return nil
		}
		if err := e.ApplyIncoming(ctx, acc, incomingHead, n.budget); err != nil {
			return fmt.Errorf("node: apply incoming: %w", err)
		}
		return n.persist(ctx, e, before, &change)
	})
	if err != nil {
		return reactor.EntityChange{}, err
	}
	change.Events = upd.Events
	return change, nil
}

// tryAdoptState adopts frag wholesale when it descends the entity's current
// head, replacing backend state outright. When the incoming state
// represents a diverged branch (anything other than Descends), it reports
// false so the caller falls back to per-event application with upd.Events
// (spec.md §4.8 "falling back to per-event application if the incoming
// state cannot be adopted wholesale").
func (n *Node) tryAdoptState(ctx context.Context, e *entity.Entity, frag *proto.StateFragment, acc *dag.EventAccumulator) (bool, error) {
	if frag.Head.Equal(e.Head) {
		return true, nil
	}
	if len(e.Head) == 0 {
		adopted, err := entity.Materialize(frag)
		if err != nil {
			return false, fmt.Errorf("node: materialize incoming state: %w", err)
		}
		*e = *adopted
		return true, nil
	}

	ordering, err := lineage.Compare(ctx, acc, frag.Head, e.Head, n.budget)
	if err != nil {
		return false, fmt.Errorf("node: compare incoming state head: %w", err)
	}
	if n.metrics != nil {
		n.metrics.LineageComparisons.WithLabelValues(ordering.Kind.String()).Inc()
		n.metrics.LineageBudgetSpent.Observe(float64(n.budget))
	}
	if ordering.Kind != lineage.Descends {
		return false, nil
	}
	adopted, err := entity.Materialize(frag)
	if err != nil {
		return false, fmt.Errorf("node: materialize incoming state: %w", err)
	}
	*e = *adopted
	return true, nil
}

// alreadyStaged reports whether id is already known to the shared
// existence cache, letting the caller skip a redundant storage.AddEvent
// round trip for an event another peer connection already staged
// (storage.AddEvent is itself idempotent via ON CONFLICT DO NOTHING, so a
// false negative here just costs the round trip it would have cost
// anyway). A nil cache or a cache error both mean "stage it"; this check
// exists purely to skip work, never to gate correctness.
func (n *Node) alreadyStaged(ctx context.Context, id proto.EventId) bool {
	if n.cache == nil {
		return false
	}
	known, err := n.cache.Contains(ctx, id)
	return err == nil && known
}

func (n *Node) persist(ctx context.Context, e *entity.Entity, before map[string][]byte, change *reactor.EntityChange) error {
	frag, err := e.ToStateFragment()
	if err != nil {
		return fmt.Errorf("node: encode state fragment: %w", err)
	}
	if _, err := n.storage.SetState(ctx, proto.NewAttested(frag)); err != nil {
		return fmt.Errorf("node: persist state: %w", err)
	}

	after := e.Properties()
	change.Snapshot = reactor.Snapshot{Id: e.Id, Collection: e.Collection, Properties: after}
	change.ChangedFields = changedFields(before, after)
	return nil
}

func changedFields(before, after map[string][]byte) []string {
	var changed []string
	for k, v := range after {
		if old, ok := before[k]; !ok || string(old) != string(v) {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}

func headOf(events []*proto.Event, fallback proto.Clock) proto.Clock {
	if len(events) == 0 {
		return fallback
	}
	ids := make([]proto.EventId, len(events))
	for i, ev := range events {
		ids[i] = ev.Id
	}
	return proto.NewClock(ids...)
}

func (n *Node) validate(ctx context.Context, peer proto.PeerId, upd Update) error {
	if err := n.policy.CanAccessCollection(ctx, upd.Collection); err != nil {
		return fmt.Errorf("node: access denied for collection %s: %w", upd.Collection, err)
	}
	for _, ev := range upd.Events {
		if err := n.policy.ValidateReceivedEvent(ctx, peer, proto.NewAttested(ev)); err != nil {
			return fmt.Errorf("node: validate event %s: %w", ev.Id, err)
		}
	}
	if upd.State != nil {
		if err := n.policy.ValidateReceivedState(ctx, peer, proto.NewAttested(upd.State)); err != nil {
			return fmt.Errorf("node: validate state %s: %w", upd.EntityId, err)
		}
	}
	return nil
}

// Reactor returns the reactor this node publishes entity changes to, so
// callers (the relay, the transport dispatch loop) can call Notify after
// ApplyUpdate/ApplyDeltas.
func (n *Node) Reactor() *reactor.Reactor {
	return n.reactor
}

// DumpEntityEvents implements the §6 debug surface directly against
// storage, for tooling and tests.
func (n *Node) DumpEntityEvents(ctx context.Context, id proto.EntityId) ([]proto.Attested[*proto.Event], error) {
	return n.storage.DumpEntityEvents(ctx, id)
}
