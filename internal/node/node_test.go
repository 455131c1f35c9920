package node

import (
	"context"
	"testing"

	"github.com/sandwichfarm/causalnet/internal/config"
	"github.com/sandwichfarm/causalnet/internal/property"
	"github.com/sandwichfarm/causalnet/internal/proto"
	"github.com/sandwichfarm/causalnet/internal/reactor"
	"github.com/sandwichfarm/causalnet/internal/storage"
)

func newTestNode(t *testing.T) (*Node, *storage.Storage) {
	t.Helper()
	cfg := &config.Storage{Driver: "sqlite", DSN: "file:" + t.Name() + "?mode=memory&cache=shared", BusyTimeoutMs: 1000, MaxOpenConns: 1}
	store, err := storage.New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	react := reactor.New(nil)
	n := New(store, AllowAllPolicy{}, react, 2000, 1000, nil, nil, nil)
	return n, store
}

func writeOp(prop, valueJSON string) proto.Operation {
	op, err := property.EncodeLWWWrite(prop, []byte(valueJSON))
	if err != nil {
		panic(err)
	}
	return op
}

func TestApplyUpdateLinearHistory(t *testing.T) {
	n, _ := newTestNode(t)
	ctx := context.Background()

	ev1 := proto.NewEvent("e1", "people", proto.OperationSet{
		"lww": {writeOp("status", `"active"`)},
	}, proto.NewClock())

	change, err := n.ApplyUpdate(ctx, "peer-1", Update{EntityId: "e1", Collection: "people", Events: []*proto.Event{ev1}})
	if err != nil {
		t.Fatalf("apply update 1: %v", err)
	}
	if string(change.Snapshot.Properties["status"]) != `"active"` {
		t.Fatalf("expected status active, got %+v", change.Snapshot.Properties)
	}

	ev2 := proto.NewEvent("e1", "people", proto.OperationSet{
		"lww": {writeOp("status", `"inactive"`)},
	}, proto.NewClock(ev1.Id))

	change, err = n.ApplyUpdate(ctx, "peer-1", Update{EntityId: "e1", Collection: "people", Events: []*proto.Event{ev2}})
	if err != nil {
		t.Fatalf("apply update 2: %v", err)
	}
	if string(change.Snapshot.Properties["status"]) != `"inactive"` {
		t.Fatalf("expected status inactive after second update, got %+v", change.Snapshot.Properties)
	}
	found := false
	for _, f := range change.ChangedFields {
		if f == "status" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected status in changed fields, got %v", change.ChangedFields)
	}
}

func TestApplyDeltasReturnsAllEntities(t *testing.T) {
	n, _ := newTestNode(t)
	ctx := context.Background()

	ev1 := proto.NewEvent("e1", "people", proto.OperationSet{"lww": {writeOp("status", `"active"`)}}, proto.NewClock())
	ev2 := proto.NewEvent("e2", "people", proto.OperationSet{"lww": {writeOp("status", `"active"`)}}, proto.NewClock())

	var notified []reactor.EntityChange
	changes, err := n.ApplyDeltas(ctx, "peer-1", []Delta{
		{EntityId: "e1", Collection: "people", Events: []*proto.Event{ev1}},
		{EntityId: "e2", Collection: "people", Events: []*proto.Event{ev2}},
	}, func(c reactor.EntityChange) { notified = append(notified, c) })
	if err != nil {
		t.Fatalf("apply deltas: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 entity changes, got %d", len(changes))
	}
	if len(notified) != 2 {
		t.Fatalf("expected notify to be called once per ready entity, got %d", len(notified))
	}
}

func TestDumpEntityEventsJSON(t *testing.T) {
	n, _ := newTestNode(t)
	ctx := context.Background()

	ev1 := proto.NewEvent("e1", "people", proto.OperationSet{"lww": {writeOp("status", `"active"`)}}, proto.NewClock())
	if _, err := n.ApplyUpdate(ctx, "peer-1", Update{EntityId: "e1", Collection: "people", Events: []*proto.Event{ev1}}); err != nil {
		t.Fatalf("apply update: %v", err)
	}

	buf, err := n.DumpEntityEventsJSON(ctx, "e1")
	if err != nil {
		t.Fatalf("dump entity events json: %v", err)
	}
	if len(buf) == 0 || buf[0] != '[' {
		t.Fatalf("expected a JSON array, got %s", buf)
	}
}
