// Package reactor holds live predicate subscriptions, indexes them so an
// entity change touches only the subscriptions it could plausibly affect,
// re-evaluates those predicates, and emits ordered change sets (spec.md
// §4.5). The reactor owns every Subscription; callers address them only by
// SubscriptionId, breaking the Entity <-> Reactor <-> Subscription cycle the
// source has (spec.md §9).
package reactor

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/causalnet/internal/metrics"
	"github.com/sandwichfarm/causalnet/internal/ops"
	"github.com/sandwichfarm/causalnet/internal/predicate"
	"github.com/sandwichfarm/causalnet/internal/proto"
)

// Snapshot is the minimal read view of an entity the reactor and predicate
// evaluator need: its current property values, keyed by top-level property
// name, as raw JSON (typically property.LWWBackend.Get results).
type Snapshot struct {
	Id         proto.EntityId
	Collection proto.CollectionId
	Properties map[string][]byte
}

// Lookup adapts a Snapshot into a predicate.Lookup.
func (s Snapshot) Lookup() predicate.Lookup {
	return func(name string) ([]byte, bool) {
		v, ok := s.Properties[name]
		return v, ok
	}
}

// EntityChange is one entity's post-apply state, with the events that
// produced it in causal order (oldest first, per spec.md §5 ordering
// guarantees) and the set of top-level property names those events touched.
type EntityChange struct {
	Snapshot      Snapshot
	Events        []*proto.Event
	ChangedFields []string
}

// ItemKind is the Add/Remove/Update classification of one subscription's
// reaction to an entity change (spec.md §4.5 step 3).
type ItemKind int

const (
	ItemAdd ItemKind = iota
	ItemRemove
	ItemUpdate
)

func (k ItemKind) String() string {
	switch k {
	case ItemAdd:
		return "add"
	case ItemRemove:
		return "remove"
	case ItemUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Item is one entity's membership transition within a subscription's
// ChangeSet.
type Item struct {
	EntityId proto.EntityId
	Kind     ItemKind
	Snapshot Snapshot
}

// ChangeSet is what a subscription's callback receives once per Notify
// batch: every Add/Remove/Update produced by that batch for this
// subscription, tagged with the predicate version active when it was
// produced.
type ChangeSet struct {
	SubscriptionId proto.SubscriptionId
	Version        uint64
	Items          []Item
}

// Subscription is a live predicate query: the reactor mutates its
// membership set only during Notify and UpdatePredicate, under the
// subscription's own mutex, so
// callback invocation order is preserved even though Notify calls run
// concurrently across subscriptions (spec.md §5 "reactor's index updates
// are serialized per subscription").
type Subscription struct {
	Id         proto.SubscriptionId
	Collection proto.CollectionId

	mu         sync.Mutex
	predicate  predicate.Expr
	version    uint64
	membership map[proto.EntityId]struct{}
	callback   func(ChangeSet)
}

// Predicate returns the subscription's currently bound predicate.
func (s *Subscription) Predicate() predicate.Expr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.predicate
}

// Version returns the subscription's current predicate version.
func (s *Subscription) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Members returns a snapshot of the subscription's current membership_set.
func (s *Subscription) Members() []proto.EntityId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.EntityId, 0, len(s.membership))
	for id := range s.membership {
		out = append(out, id)
	}
	return out
}

// Reactor is the message-passing owner of every subscription and the
// indices that narrow candidate selection on an entity change (spec.md §9
// "reactor actor" pattern): entities and subscriptions address each other
// only by id, via the reactor's maps.
type Reactor struct {
	logger  *ops.Logger
	metrics *metrics.Registry

	subs *xsync.MapOf[proto.SubscriptionId, *Subscription]

	idxMu          sync.RWMutex
	fieldWatchers  map[proto.CollectionId]map[string]*fieldIndex
	wildcard       map[proto.CollectionId]map[proto.SubscriptionId]struct{}
	entityWatchers map[proto.EntityId]map[proto.SubscriptionId]struct{}
}

// fieldIndex is the comparison index for one (collection, field path): exact
// equality clauses are recorded in byValue under their literal; every other
// clause shape (range, IN, BETWEEN, IS NULL) falls into any, since a value
// change could flip any of them regardless of the new value. candidates does
// not consult the new value, so a change to the field touches every
// subscription in both sets.
type fieldIndex struct {
	byValue map[string]map[proto.SubscriptionId]struct{}
	any     map[proto.SubscriptionId]struct{}
}

func newFieldIndex() *fieldIndex {
	return &fieldIndex{
		byValue: make(map[string]map[proto.SubscriptionId]struct{}),
		any:     make(map[proto.SubscriptionId]struct{}),
	}
}

// New constructs an empty Reactor.
func New(logger *ops.Logger) *Reactor {
	return &Reactor{
		logger:         logger,
		subs:           xsync.NewMapOf[proto.SubscriptionId, *Subscription](),
		fieldWatchers:  make(map[proto.CollectionId]map[string]*fieldIndex),
		wildcard:       make(map[proto.CollectionId]map[proto.SubscriptionId]struct{}),
		entityWatchers: make(map[proto.EntityId]map[proto.SubscriptionId]struct{}),
	}
}

// SetMetrics attaches a metrics registry for subscription/notification
// counters. Safe to call once before the reactor starts serving traffic;
// nil (the default) disables metrics recording.
func (r *Reactor) SetMetrics(reg *metrics.Registry) {
	r.metrics = reg
}

// Subscribe registers a new live predicate query and returns its handle.
// initial seeds the subscription's starting membership_set (the caller has
// typically just evaluated predicate against every currently known entity
// in collection); the reactor does not scan storage itself.
func Subscribe(r *Reactor, collection proto.CollectionId, expr predicate.Expr, initial []proto.EntityId, callback func(ChangeSet)) *Subscription {
	sub := &Subscription{
		Id:         proto.NewSubscriptionId(),
		Collection: collection,
		predicate:  expr,
		version:    1,
		membership: make(map[proto.EntityId]struct{}, len(initial)),
		callback:   callback,
	}
	for _, id := range initial {
		sub.membership[id] = struct{}{}
	}

	r.subs.Store(sub.Id, sub)
	r.installIndex(sub, expr)
	for _, id := range initial {
		r.addEntityWatcher(id, sub.Id)
	}
	if r.metrics != nil {
		r.metrics.ReactorSubscriptions.Inc()
	}
	return sub
}

// Unsubscribe removes a subscription and every index entry referencing it.
func (r *Reactor) Unsubscribe(id proto.SubscriptionId) {
	sub, ok := r.subs.LoadAndDelete(id)
	if !ok {
		return
	}
	r.uninstallIndex(sub, sub.Predicate())
	for _, eid := range sub.Members() {
		r.removeEntityWatcher(eid, id)
	}
	if r.metrics != nil {
		r.metrics.ReactorSubscriptions.Dec()
	}
}

// Get returns the subscription for id, if still live.
func (r *Reactor) Get(id proto.SubscriptionId) (*Subscription, bool) {
	return r.subs.Load(id)
}

func (r *Reactor) installIndex(sub *Subscription, expr predicate.Expr) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()

	if predicate.IsWildcard(expr) {
		set, ok := r.wildcard[sub.Collection]
		if !ok {
			set = make(map[proto.SubscriptionId]struct{})
			r.wildcard[sub.Collection] = set
		}
		set[sub.Id] = struct{}{}
		return
	}

	byField, ok := r.fieldWatchers[sub.Collection]
	if !ok {
		byField = make(map[string]*fieldIndex)
		r.fieldWatchers[sub.Collection] = byField
	}

	predicate.Walk(expr, func(path predicate.Path, clause predicate.Expr) {
		field := path.String()
		idx, ok := byField[field]
		if !ok {
			idx = newFieldIndex()
			byField[field] = idx
		}
		if cmp, ok := clause.(predicate.Comparison); ok && cmp.Op == predicate.OpEq {
			key := cmp.Value.String()
			set, ok := idx.byValue[key]
			if !ok {
				set = make(map[proto.SubscriptionId]struct{})
				idx.byValue[key] = set
			}
			set[sub.Id] = struct{}{}
			return
		}
		idx.any[sub.Id] = struct{}{}
	})
}

func (r *Reactor) uninstallIndex(sub *Subscription, expr predicate.Expr) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()

	if predicate.IsWildcard(expr) {
		if set, ok := r.wildcard[sub.Collection]; ok {
			delete(set, sub.Id)
		}
		return
	}

	byField, ok := r.fieldWatchers[sub.Collection]
	if !ok {
		return
	}
	predicate.Walk(expr, func(path predicate.Path, clause predicate.Expr) {
		idx, ok := byField[path.String()]
		if !ok {
			return
		}
		for _, set := range idx.byValue {
			delete(set, sub.Id)
		}
		delete(idx.any, sub.Id)
	})
}

func (r *Reactor) addEntityWatcher(entity proto.EntityId, sub proto.SubscriptionId) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	set, ok := r.entityWatchers[entity]
	if !ok {
		set = make(map[proto.SubscriptionId]struct{})
		r.entityWatchers[entity] = set
	}
	set[sub] = struct{}{}
}

func (r *Reactor) removeEntityWatcher(entity proto.EntityId, sub proto.SubscriptionId) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	set, ok := r.entityWatchers[entity]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.entityWatchers, entity)
	}
}

// candidates returns every subscription id that might be affected by a
// change to collection/entity touching changedFields (spec.md §4.5 step 1).
func (r *Reactor) candidates(collection proto.CollectionId, entity proto.EntityId, changedFields []string) map[proto.SubscriptionId]struct{} {
	r.idxMu.RLock()
	defer r.idxMu.RUnlock()

	out := make(map[proto.SubscriptionId]struct{})
	for id := range r.wildcard[collection] {
		out[id] = struct{}{}
	}
	if byField, ok := r.fieldWatchers[collection]; ok {
		for _, field := range changedFields {
			idx, ok := byField[field]
			if !ok {
				continue
			}
			for id := range idx.any {
				out[id] = struct{}{}
			}
			for _, set := range idx.byValue {
				for id := range set {
					out[id] = struct{}{}
				}
			}
		}
	}
	for id := range r.entityWatchers[entity] {
		out[id] = struct{}{}
	}
	return out
}

// Notify evaluates every subscription whose membership could be affected by
// batch, in order, and invokes each affected subscription's callback at most
// once with all its Add/Remove/Update items from this batch (spec.md §4.5).
// Events on each change are delivered in the order batch provides them
// (causal order, oldest first, per spec.md §5).
func (r *Reactor) Notify(batch []EntityChange) {
	perSub := make(map[proto.SubscriptionId][]Item)
	order := make([]proto.SubscriptionId, 0)

	for _, change := range batch {
		cands := r.candidates(change.Snapshot.Collection, change.Snapshot.Id, change.ChangedFields)
		ids := make([]proto.SubscriptionId, 0, len(cands))
		for id := range cands {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, subID := range ids {
			sub, ok := r.subs.Load(subID)
			if !ok {
				continue
			}
			item, changed := r.evaluateOne(sub, change)
			if !changed {
				continue
			}
			if _, seen := perSub[subID]; !seen {
				order = append(order, subID)
			}
			perSub[subID] = append(perSub[subID], item)
		}
	}

	for _, subID := range order {
		sub, ok := r.subs.Load(subID)
		if !ok {
			continue
		}
		items := perSub[subID]
		cs := ChangeSet{SubscriptionId: subID, Version: sub.Version(), Items: items}
		if r.logger != nil {
			adds, removes, updates := 0, 0, 0
			for _, it := range items {
				switch it.Kind {
				case ItemAdd:
					adds++
				case ItemRemove:
					removes++
				case ItemUpdate:
					updates++
				}
			}
			r.logger.LogReactorNotify(string(subID), adds, removes, updates)
		}
		if r.metrics != nil {
			for _, it := range items {
				r.metrics.ReactorNotifications.WithLabelValues(it.Kind.String()).Inc()
			}
		}
		sub.callback(cs)
	}
}

// evaluateOne re-evaluates sub's predicate against change, updates
// membership_set and the entity watcher index, and reports the Item to
// emit (if any) per spec.md §4.5 step 3.
func (r *Reactor) evaluateOne(sub *Subscription, change EntityChange) (Item, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	matchedNow, err := predicate.Eval(sub.predicate, change.Snapshot.Lookup())
	if err != nil {
		if r.logger != nil {
			r.logger.Error("[REACTOR] predicate eval failed", "subscription", string(sub.Id), "error", err)
		}
		return Item{}, false
	}
	_, wasMember := sub.membership[change.Snapshot.Id]

	var kind ItemKind
	switch {
	case !matchedNow && wasMember:
		kind = ItemRemove
		delete(sub.membership, change.Snapshot.Id)
	case matchedNow && !wasMember:
		kind = ItemAdd
		sub.membership[change.Snapshot.Id] = struct{}{}
	case matchedNow && wasMember:
		kind = ItemUpdate
	default:
		return Item{}, false
	}

	if kind == ItemAdd {
		r.addEntityWatcher(change.Snapshot.Id, sub.Id)
	} else if kind == ItemRemove {
		r.removeEntityWatcher(change.Snapshot.Id, sub.Id)
	}

	return Item{EntityId: change.Snapshot.Id, Kind: kind, Snapshot: change.Snapshot}, true
}

// UpdatePredicate atomically rebinds sub's predicate, reconciles membership
// against currentEntities (every entity the caller believes currently
// exists in the collection), and emits the resulting Add/Remove batch
// tagged with the new version (spec.md §4.5 "Predicate changes").
func (r *Reactor) UpdatePredicate(sub *Subscription, expr predicate.Expr, currentEntities []Snapshot) {
	oldExpr := sub.Predicate()
	r.uninstallIndex(sub, oldExpr)

	sub.mu.Lock()
	sub.predicate = expr
	sub.version++
	version := sub.version
	oldMembership := sub.membership
	sub.membership = make(map[proto.EntityId]struct{})
	sub.mu.Unlock()

	r.installIndex(sub, expr)

	var items []Item
	seen := make(map[proto.EntityId]struct{})
	for _, snap := range currentEntities {
		seen[snap.Id] = struct{}{}
		matched, err := predicate.Eval(expr, snap.Lookup())
		if err != nil {
			continue
		}
		_, was := oldMembership[snap.Id]
		sub.mu.Lock()
		if matched {
			sub.membership[snap.Id] = struct{}{}
		}
		sub.mu.Unlock()

		switch {
		case matched && !was:
			r.addEntityWatcher(snap.Id, sub.Id)
			items = append(items, Item{EntityId: snap.Id, Kind: ItemAdd, Snapshot: snap})
		case matched && was:
			items = append(items, Item{EntityId: snap.Id, Kind: ItemUpdate, Snapshot: snap})
		case !matched && was:
			r.removeEntityWatcher(snap.Id, sub.Id)
			items = append(items, Item{EntityId: snap.Id, Kind: ItemRemove, Snapshot: snap})
		}
	}
	for id := range oldMembership {
		if _, ok := seen[id]; !ok {
			r.removeEntityWatcher(id, sub.Id)
			items = append(items, Item{EntityId: id, Kind: ItemRemove})
		}
	}

	if len(items) == 0 {
		return
	}
	sub.callback(ChangeSet{SubscriptionId: sub.Id, Version: version, Items: items})
}

// Count returns the number of currently live subscriptions, for diagnostics.
func (r *Reactor) Count() int {
	n := 0
	r.subs.Range(func(_ proto.SubscriptionId, _ *Subscription) bool {
		n++
		return true
	})
	return n
}
