// Package relay implements the remote subscription relay (spec.md §4.6):
// mirroring a local predicate subscription onto an upstream peer when it
// cannot be fully satisfied from local storage, folding the peer's deltas
// back into the local reactor, deduplicating identical remote queries by
// refcount, and reconciling state across reconnects.
package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sandwichfarm/causalnet/internal/metrics"
	"github.com/sandwichfarm/causalnet/internal/ops"
	"github.com/sandwichfarm/causalnet/internal/proto"
)

// ErrPeerBackpressured is returned when a peer's outbound queue is full; the
// caller is expected to drop the connection rather than accumulate
// unbounded state (spec.md §5 "Backpressure").
var ErrPeerBackpressured = errors.New("relay: peer outbox full, drop connection")

// Delta is either a StateSnapshot or an EventBridge.
type Delta interface{ isDelta() }

// StateSnapshot carries an entity's full materialized state, used for
// initial population or when the receiver has no compatible history.
type StateSnapshot struct {
	EntityId proto.EntityId
	State    *proto.StateFragment
}

func (StateSnapshot) isDelta() {}

// EventBridge carries a causally ordered sequence of events, used for
// incremental updates when the receiver has a compatible ancestor.
type EventBridge struct {
	EntityId proto.EntityId
	Events   []*proto.Event
}

func (EventBridge) isDelta() {}

// Message is one of the relay wire messages spec.md §4.6 names.
type Message interface{ isMessage() }

type QuerySubscribe struct {
	QueryId    proto.RemoteQueryId
	Collection proto.CollectionId
	Predicate  []byte
	Version    int
}

func (QuerySubscribe) isMessage() {}

type QueryUpdate struct {
	QueryId   proto.RemoteQueryId
	Predicate []byte
	Version   int
}

func (QueryUpdate) isMessage() {}

type QueryUnsubscribe struct {
	QueryId proto.RemoteQueryId
}

func (QueryUnsubscribe) isMessage() {}

type QuerySubscribed struct {
	QueryId       proto.RemoteQueryId
	InitialDeltas []Delta
}

func (QuerySubscribed) isMessage() {}

type SubscriptionUpdate struct {
	QueryId proto.RemoteQueryId
	Items   []Delta
}

func (SubscriptionUpdate) isMessage() {}

type Fetch struct {
	Collection proto.CollectionId
	Predicate  []byte
}

func (Fetch) isMessage() {}

type FetchResponse struct {
	Deltas []Delta
}

func (FetchResponse) isMessage() {}

// remoteQuery is one entry in a peer's `remote_query_id -> (collection,
// predicate, local_subscribers[])` table.
type remoteQuery struct {
	id         proto.RemoteQueryId
	collection proto.CollectionId
	predicate  []byte
	version    int
	seeded     bool

	subscribers map[proto.SubscriptionId]subscriberEntry
}

type subscriberEntry struct {
	onInitial func([]Delta)
	onUpdate  func([]Delta)
}

// Peer is one remote peer's relay state: its remote query table, a bounded
// outbound queue, and any fetches awaiting a response.
type Peer struct {
	Id proto.PeerId

	mu          sync.Mutex
	byKey       map[string]*remoteQuery
	byQueryId   map[proto.RemoteQueryId]*remoteQuery
	pendingFetch []chan FetchResponse

	outbox  chan Message
	logger  *ops.Logger
	metrics *metrics.Registry
}

// NewPeer constructs a Peer with a bounded outbound queue of capacity
// outboxCapacity. Sends past capacity fail with ErrPeerBackpressured. reg
// may be nil.
func NewPeer(id proto.PeerId, outboxCapacity int, logger *ops.Logger, reg *metrics.Registry) *Peer {
	return &Peer{
		Id:        id,
		byKey:     make(map[string]*remoteQuery),
		byQueryId: make(map[proto.RemoteQueryId]*remoteQuery),
		outbox:    make(chan Message, outboxCapacity),
		logger:    logger,
		metrics:   reg,
	}
}

// Outbox returns the channel the transport layer drains to actually send
// messages to this peer.
func (p *Peer) Outbox() <-chan Message {
	return p.outbox
}

func dedupKey(collection proto.CollectionId, predicate []byte) string {
	return string(collection) + "\x00" + string(predicate)
}

func (p *Peer) enqueue(msg Message) error {
	select {
	case p.outbox <- msg:
		return nil
	default:
		return fmt.Errorf("%w: peer %s", ErrPeerBackpressured, p.Id)
	}
}

// Subscribe mirrors a local subscription onto this peer, deduplicating by
// (collection, predicate) with any other local subscriber already relayed
// to the same upstream query (spec.md §4.6 "Deduplication across
// contexts"). onInitial fires once with the peer's first QuerySubscribed
// snapshot; onUpdate fires for every subsequent SubscriptionUpdate. A
// subscriber that joins a query which is already seeded is only registered:
// its onInitial gets no call until the peer's next QuerySubscribed for that
// query.
func (p *Peer) Subscribe(sub proto.SubscriptionId, collection proto.CollectionId, predicate []byte, onInitial, onUpdate func([]Delta)) (proto.RemoteQueryId, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := dedupKey(collection, predicate)
	rq, ok := p.byKey[key]
	if !ok {
		rq = &remoteQuery{
			id:          proto.NewRemoteQueryId(),
			collection:  collection,
			predicate:   predicate,
			subscribers: make(map[proto.SubscriptionId]subscriberEntry),
		}
		p.byKey[key] = rq
		p.byQueryId[rq.id] = rq
		if err := p.enqueue(QuerySubscribe{QueryId: rq.id, Collection: collection, Predicate: predicate, Version: rq.version}); err != nil {
			delete(p.byKey, key)
			delete(p.byQueryId, rq.id)
			return "", err
		}
	}
	rq.subscribers[sub] = subscriberEntry{onInitial: onInitial, onUpdate: onUpdate}
	return rq.id, nil
}

// Unsubscribe drops sub from queryId's subscriber set, sending
// QueryUnsubscribe upstream once the refcount reaches zero.
func (p *Peer) Unsubscribe(sub proto.SubscriptionId, queryId proto.RemoteQueryId) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rq, ok := p.byQueryId[queryId]
	if !ok {
		return nil
	}
	delete(rq.subscribers, sub)
	if len(rq.subscribers) > 0 {
		return nil
	}
	delete(p.byQueryId, queryId)
	delete(p.byKey, dedupKey(rq.collection, rq.predicate))
	return p.enqueue(QueryUnsubscribe{QueryId: queryId})
}

// UpdatePredicate atomically rebinds queryId to a new predicate. The query
// is considered unseeded again until the peer's QuerySubscribed for the new
// version is observed (spec.md §4.6 "A predicate update is not considered
// complete until...").
func (p *Peer) UpdatePredicate(queryId proto.RemoteQueryId, predicate []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rq, ok := p.byQueryId[queryId]
	if !ok {
		return fmt.Errorf("relay: unknown query %s", queryId)
	}
	delete(p.byKey, dedupKey(rq.collection, rq.predicate))
	rq.predicate = predicate
	rq.version++
	rq.seeded = false
	p.byKey[dedupKey(rq.collection, rq.predicate)] = rq
	return p.enqueue(QueryUpdate{QueryId: queryId, Predicate: predicate, Version: rq.version})
}

// HandleQuerySubscribed processes the peer's initial snapshot for a query,
// marking it seeded and notifying every current subscriber. This is also
// how a post-reconnect re-seed is applied: subscribers treat onInitial as a
// full replace, not a delta (spec.md §4.6 "Reconnection").
func (p *Peer) HandleQuerySubscribed(msg QuerySubscribed) {
	p.mu.Lock()
	rq, ok := p.byQueryId[msg.QueryId]
	if !ok {
		p.mu.Unlock()
		return
	}
	rq.seeded = true
	callbacks := make([]func([]Delta), 0, len(rq.subscribers))
	for _, entry := range rq.subscribers {
		callbacks = append(callbacks, entry.onInitial)
	}
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.LogRelayDelta(string(p.Id), string(msg.QueryId), "snapshot")
	}
	if p.metrics != nil {
		p.metrics.RelayDeltas.WithLabelValues(deltaKindLabel(msg.InitialDeltas)).Add(float64(len(msg.InitialDeltas)))
	}
	for _, cb := range callbacks {
		if cb != nil {
			cb(msg.InitialDeltas)
		}
	}
}

// deltaKindLabel reports the dominant delta kind in a batch for the
// RelayDeltas counter; batches are homogeneous in practice (a
// QuerySubscribed/SubscriptionUpdate carries either snapshots or bridges,
// never both).
func deltaKindLabel(deltas []Delta) string {
	for _, d := range deltas {
		switch d.(type) {
		case StateSnapshot:
			return "snapshot"
		case EventBridge:
			return "event_bridge"
		}
	}
	return "empty"
}

// HandleSubscriptionUpdate processes an incremental update. Per spec.md
// §4.6 "Delivery invariants", updates for a query observed before its
// QuerySubscribed are dropped rather than buffered out of order.
func (p *Peer) HandleSubscriptionUpdate(msg SubscriptionUpdate) error {
	p.mu.Lock()
	rq, ok := p.byQueryId[msg.QueryId]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	if !rq.seeded {
		p.mu.Unlock()
		return fmt.Errorf("relay: subscription update for %s received before QuerySubscribed", msg.QueryId)
	}
	callbacks := make([]func([]Delta), 0, len(rq.subscribers))
	for _, entry := range rq.subscribers {
		callbacks = append(callbacks, entry.onUpdate)
	}
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.LogRelayDelta(string(p.Id), string(msg.QueryId), "update")
	}
	if p.metrics != nil {
		p.metrics.RelayDeltas.WithLabelValues(deltaKindLabel(msg.Items)).Add(float64(len(msg.Items)))
	}
	for _, cb := range callbacks {
		if cb != nil {
			cb(msg.Items)
		}
	}
	return nil
}

// Fetch issues a one-shot query and returns a channel resolved by the next
// FetchResponse this peer delivers. Fetches are correlated FIFO: responses
// must arrive in request order, since neither message carries a request id
// (spec.md §4.6 names no correlation field).
func (p *Peer) Fetch(collection proto.CollectionId, predicate []byte) (<-chan FetchResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enqueue(Fetch{Collection: collection, Predicate: predicate}); err != nil {
		return nil, err
	}
	ch := make(chan FetchResponse, 1)
	p.pendingFetch = append(p.pendingFetch, ch)
	return ch, nil
}

// HandleFetchResponse resolves the oldest still-pending Fetch.
func (p *Peer) HandleFetchResponse(msg FetchResponse) {
	p.mu.Lock()
	if len(p.pendingFetch) == 0 {
		p.mu.Unlock()
		return
	}
	ch := p.pendingFetch[0]
	p.pendingFetch = p.pendingFetch[1:]
	p.mu.Unlock()

	ch <- msg
	close(ch)
}

// Reconnect re-subscribes every remote query after a transport loss,
// marking each unseeded so its next QuerySubscribed is treated as a full
// re-seed (spec.md §4.6 "Reconnection").
func (p *Peer) Reconnect() error {
	p.mu.Lock()
	queries := make([]*remoteQuery, 0, len(p.byQueryId))
	for _, rq := range p.byQueryId {
		rq.seeded = false
		queries = append(queries, rq)
	}
	p.mu.Unlock()

	for _, rq := range queries {
		if err := p.enqueue(QuerySubscribe{QueryId: rq.id, Collection: rq.collection, Predicate: rq.predicate, Version: rq.version}); err != nil {
			return err
		}
	}
	return nil
}

// QueryCount reports the number of distinct remote queries currently
// tracked for this peer, for diagnostics and tests.
func (p *Peer) QueryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byQueryId)
}

// Manager tracks every connected peer's relay state.
type Manager struct {
	mu    sync.RWMutex
	peers map[proto.PeerId]*Peer
}

// NewManager constructs an empty peer manager.
func NewManager() *Manager {
	return &Manager{peers: make(map[proto.PeerId]*Peer)}
}

// Register adds or replaces the tracked Peer for id.
func (m *Manager) Register(p *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.Id] = p
}

// Unregister stops tracking id.
func (m *Manager) Unregister(id proto.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}

// Get returns the tracked Peer for id, if any.
func (m *Manager) Get(id proto.PeerId) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

// PeerCount reports how many peers are currently tracked.
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}
