package relay

import (
	"testing"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

func TestSubscribeDedupesByCollectionAndPredicate(t *testing.T) {
	p := NewPeer("peer-1", 8, nil, nil)

	id1, err := p.Subscribe("sub-1", "people", []byte("status = 'active'"), nil, nil)
	if err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	id2, err := p.Subscribe("sub-2", "people", []byte("status = 'active'"), nil, nil)
	if err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected identical (collection, predicate) to dedup to one query, got %s and %s", id1, id2)
	}
	if p.QueryCount() != 1 {
		t.Fatalf("expected 1 tracked query, got %d", p.QueryCount())
	}

	msg := <-p.Outbox()
	if _, ok := msg.(QuerySubscribe); !ok {
		t.Fatalf("expected a single QuerySubscribe to have been enqueued, got %T", msg)
	}
	select {
	case extra := <-p.Outbox():
		t.Fatalf("expected no second QuerySubscribe, got %+v", extra)
	default:
	}
}

func TestUnsubscribeDropsQueryAtZeroRefcount(t *testing.T) {
	p := NewPeer("peer-1", 8, nil, nil)
	id, _ := p.Subscribe("sub-1", "people", []byte("TRUE"), nil, nil)
	<-p.Outbox() // QuerySubscribe

	id2, _ := p.Subscribe("sub-2", "people", []byte("TRUE"), nil, nil)
	if id != id2 {
		t.Fatalf("expected dedup")
	}

	if err := p.Unsubscribe("sub-1", id); err != nil {
		t.Fatalf("unsubscribe sub-1: %v", err)
	}
	if p.QueryCount() != 1 {
		t.Fatalf("expected query to survive while sub-2 remains, got %d", p.QueryCount())
	}

	if err := p.Unsubscribe("sub-2", id); err != nil {
		t.Fatalf("unsubscribe sub-2: %v", err)
	}
	if p.QueryCount() != 0 {
		t.Fatalf("expected query to be dropped once refcount reaches zero, got %d", p.QueryCount())
	}
	msg := <-p.Outbox()
	if _, ok := msg.(QueryUnsubscribe); !ok {
		t.Fatalf("expected QueryUnsubscribe, got %T", msg)
	}
}

func TestSubscriptionUpdateBeforeSeedIsRejected(t *testing.T) {
	p := NewPeer("peer-1", 8, nil, nil)
	id, _ := p.Subscribe("sub-1", "people", []byte("TRUE"), nil, nil)
	<-p.Outbox()

	err := p.HandleSubscriptionUpdate(SubscriptionUpdate{QueryId: id, Items: []Delta{StateSnapshot{EntityId: "p1"}}})
	if err == nil {
		t.Fatalf("expected an update before QuerySubscribed to be rejected")
	}
}

func TestQuerySubscribedSeedsAndNotifies(t *testing.T) {
	p := NewPeer("peer-1", 8, nil, nil)
	var initial []Delta
	id, _ := p.Subscribe("sub-1", "people", []byte("TRUE"), func(d []Delta) { initial = d }, nil)
	<-p.Outbox()

	snapshot := StateSnapshot{EntityId: "p1", State: &proto.StateFragment{EntityId: "p1"}}
	p.HandleQuerySubscribed(QuerySubscribed{QueryId: id, InitialDeltas: []Delta{snapshot}})

	if len(initial) != 1 {
		t.Fatalf("expected onInitial to be called with one delta, got %d", len(initial))
	}

	// A second query on the same peer, now seeded, must deliver through onUpdate.
	var update []Delta
	var updated bool
	id2, _ := p.Subscribe("sub-2", "other", []byte("TRUE"), nil, func(d []Delta) { update = d; updated = true })
	<-p.Outbox()
	p.HandleQuerySubscribed(QuerySubscribed{QueryId: id2, InitialDeltas: nil})
	if err := p.HandleSubscriptionUpdate(SubscriptionUpdate{QueryId: id2, Items: []Delta{snapshot}}); err != nil {
		t.Fatalf("handle update: %v", err)
	}
	if !updated || len(update) != 1 {
		t.Fatalf("expected onUpdate to fire once seeded, got updated=%v update=%+v", updated, update)
	}
}

func TestReconnectResubscribesAndUnseeds(t *testing.T) {
	p := NewPeer("peer-1", 8, nil, nil)
	id, _ := p.Subscribe("sub-1", "people", []byte("TRUE"), nil, nil)
	<-p.Outbox()
	p.HandleQuerySubscribed(QuerySubscribed{QueryId: id})

	if err := p.Reconnect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	msg := <-p.Outbox()
	resub, ok := msg.(QuerySubscribe)
	if !ok || resub.QueryId != id {
		t.Fatalf("expected re-subscribe for %s, got %+v", id, msg)
	}

	// Until the next QuerySubscribed, an update must be rejected again.
	err := p.HandleSubscriptionUpdate(SubscriptionUpdate{QueryId: id})
	if err == nil {
		t.Fatalf("expected update to be rejected until reconnection re-seed observed")
	}
}

func TestFetchResolvesFIFO(t *testing.T) {
	p := NewPeer("peer-1", 8, nil, nil)
	ch1, err := p.Fetch("people", []byte("TRUE"))
	if err != nil {
		t.Fatalf("fetch 1: %v", err)
	}
	ch2, err := p.Fetch("people", []byte("status = 'active'"))
	if err != nil {
		t.Fatalf("fetch 2: %v", err)
	}
	<-p.Outbox()
	<-p.Outbox()

	p.HandleFetchResponse(FetchResponse{Deltas: []Delta{StateSnapshot{EntityId: "first"}}})
	p.HandleFetchResponse(FetchResponse{Deltas: []Delta{StateSnapshot{EntityId: "second"}}})

	r1 := <-ch1
	r2 := <-ch2
	if r1.Deltas[0].(StateSnapshot).EntityId != "first" {
		t.Fatalf("expected first fetch to resolve first, got %+v", r1)
	}
	if r2.Deltas[0].(StateSnapshot).EntityId != "second" {
		t.Fatalf("expected second fetch to resolve second, got %+v", r2)
	}
}

func TestBackpressureReturnsErrorWhenOutboxFull(t *testing.T) {
	p := NewPeer("peer-1", 1, nil, nil)
	if _, err := p.Subscribe("sub-1", "a", []byte("TRUE"), nil, nil); err != nil {
		t.Fatalf("first subscribe should fit in the outbox: %v", err)
	}
	if _, err := p.Subscribe("sub-2", "b", []byte("TRUE"), nil, nil); err == nil {
		t.Fatalf("expected backpressure error once outbox is full")
	}
}

func TestManagerTracksPeers(t *testing.T) {
	m := NewManager()
	p := NewPeer("peer-1", 4, nil, nil)
	m.Register(p)
	if m.PeerCount() != 1 {
		t.Fatalf("expected 1 peer, got %d", m.PeerCount())
	}
	if _, ok := m.Get("peer-1"); !ok {
		t.Fatalf("expected to find registered peer")
	}
	m.Unregister("peer-1")
	if m.PeerCount() != 0 {
		t.Fatalf("expected 0 peers after unregister, got %d", m.PeerCount())
	}
}
