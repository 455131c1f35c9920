package lineage

import (
	"context"
	"testing"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

// fakeGetter serves events from an in-memory map, charging one unit of
// budget per event in the requested batch.
type fakeGetter struct {
	events map[proto.EventId]*proto.Event
}

func newFakeGetter() *fakeGetter {
	return &fakeGetter{events: make(map[proto.EventId]*proto.Event)}
}

func (f *fakeGetter) put(ev *proto.Event) *proto.Event {
	f.events[ev.Id] = ev
	return ev
}

func (f *fakeGetter) GetEvents(ctx context.Context, ids []proto.EventId) ([]*proto.Event, error) {
	out := make([]*proto.Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := f.events[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeGetter) EstimateCost(batchSize int) int {
	return batchSize
}

func mkEvent(f *fakeGetter, entity proto.EntityId, parents ...proto.EventId) *proto.Event {
	ev := proto.NewEvent(entity, "t", proto.OperationSet{"lww": {proto.Operation(parents2bytes(parents))}}, proto.NewClock(parents...))
	return f.put(ev)
}

// parents2bytes makes each synthetic event's operation payload depend on its
// parents so that distinct parent sets never collide on content address.
func parents2bytes(parents []proto.EventId) []byte {
	var b []byte
	for _, p := range parents {
		b = append(b, p[:]...)
	}
	return b
}

func TestCompare_EmptyClocks(t *testing.T) {
	f := newFakeGetter()
	result, err := Compare(context.Background(), f, proto.Clock{}, proto.NewClock(proto.EventId{1}), 100)
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != Incomparable {
		t.Fatalf("want Incomparable, got %v", result.Kind)
	}
}

func TestCompare_SelfComparison(t *testing.T) {
	f := newFakeGetter()
	a := mkEvent(f, "e1")
	clock := proto.NewClock(a.Id)
	result, err := Compare(context.Background(), f, clock, clock, 100)
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != Equal {
		t.Fatalf("want Equal, got %v", result.Kind)
	}
}

func TestCompare_LinearHistory(t *testing.T) {
	f := newFakeGetter()
	a := mkEvent(f, "e1")
	b := mkEvent(f, "e1", a.Id)
	c := mkEvent(f, "e1", b.Id)
	d := mkEvent(f, "e1", c.Id)

	result, err := Compare(context.Background(), f, proto.NewClock(d.Id), proto.NewClock(a.Id), 100)
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != Descends {
		t.Fatalf("want Descends, got %v", result.Kind)
	}
}

func TestCompare_ConcurrentHistoryDiverges(t *testing.T) {
	f := newFakeGetter()
	a := mkEvent(f, "e1")
	b := mkEvent(f, "e1", a.Id)
	// c shares b's parent, so it needs its own operation to get a distinct id.
	c := f.put(proto.NewEvent("e1", "t", proto.OperationSet{"lww": {proto.Operation("c-branch")}}, proto.NewClock(a.Id)))

	result, err := Compare(context.Background(), f, proto.NewClock(b.Id), proto.NewClock(c.Id), 100)
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != DivergedSince {
		t.Fatalf("want DivergedSince, got %v", result.Kind)
	}
	if len(result.Meet) != 1 || result.Meet[0] != a.Id {
		t.Fatalf("want meet {A}, got %v", result.Meet)
	}
}

func TestCompare_Incomparable(t *testing.T) {
	f := newFakeGetter()
	a := mkEvent(f, "e1")
	b := mkEvent(f, "e2")

	result, err := Compare(context.Background(), f, proto.NewClock(a.Id), proto.NewClock(b.Id), 100)
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != Incomparable {
		t.Fatalf("want Incomparable, got %v", result.Kind)
	}
}

func TestCompare_BudgetExceeded(t *testing.T) {
	f := newFakeGetter()
	a := mkEvent(f, "e1")
	b := mkEvent(f, "e1", a.Id)
	c := mkEvent(f, "e1", b.Id)
	d := mkEvent(f, "e1", c.Id)

	result, err := Compare(context.Background(), f, proto.NewClock(d.Id), proto.NewClock(a.Id), 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != BudgetExceeded {
		t.Fatalf("want BudgetExceeded, got %v", result.Kind)
	}
	if result.OriginalBudget != 1 {
		t.Fatalf("want original budget 1, got %d", result.OriginalBudget)
	}

	// Resuming with a larger budget from the residual frontiers should
	// still reach a conclusive answer.
	resumeSubject := proto.NewClock(result.SubjectFrontier...)
	resumeOther := proto.NewClock(result.OtherFrontier...)
	resumed, err := Compare(context.Background(), f, resumeSubject, resumeOther, 100)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Kind != Descends && resumed.Kind != Equal {
		t.Fatalf("want resumed comparison to conclude, got %v", resumed.Kind)
	}
}

func TestCompare_NotDescendsCarriesCommonAncestors(t *testing.T) {
	f := newFakeGetter()
	a := mkEvent(f, "e1")
	b := mkEvent(f, "e1", a.Id)
	c := mkEvent(f, "e1", b.Id)
	d := mkEvent(f, "e1", c.Id)
	x := mkEvent(f, "e2") // unrelated root

	// subject = {D} (descends A->B->C->D). other = {C, X}: subject
	// literally contains C as an ancestor, but does not descend from X,
	// so subject does not fully descend other even though C is shared.
	result, err := Compare(context.Background(), f, proto.NewClock(d.Id), proto.NewClock(c.Id, x.Id), 100)
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != NotDescends {
		t.Fatalf("want NotDescends, got %v", result.Kind)
	}
	if len(result.CommonAncestors) != 1 || result.CommonAncestors[0] != c.Id {
		t.Fatalf("want common ancestor {C}, got %v", result.CommonAncestors)
	}
}
