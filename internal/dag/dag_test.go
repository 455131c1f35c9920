package dag

import (
	"context"
	"testing"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

type memSource struct {
	events map[proto.EventId]*proto.Event
}

func (m *memSource) GetEvents(ctx context.Context, ids []proto.EventId) ([]*proto.Event, error) {
	out := make([]*proto.Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := m.events[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func mkEvent(entity proto.EntityId, seed byte, parents ...proto.EventId) *proto.Event {
	ops := proto.OperationSet{"lww": {proto.Operation{seed}}}
	return proto.NewEvent(entity, "t", ops, proto.NewClock(parents...))
}

func TestEventAccumulator_ContainsAndCache(t *testing.T) {
	a := mkEvent("e1", 1)
	src := &memSource{events: map[proto.EventId]*proto.Event{a.Id: a}}

	acc, err := NewEventAccumulator(src, 10, nil)
	if err != nil {
		t.Fatal(err)
	}

	if acc.Contains(a.Id) {
		t.Fatal("should not contain event before fetch")
	}

	got, err := acc.GetEvents(context.Background(), []proto.EventId{a.Id})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Id != a.Id {
		t.Fatalf("want [a], got %v", got)
	}
	if !acc.Contains(a.Id) {
		t.Fatal("should contain event after fetch")
	}
}

func TestComputeAncestryFromDag(t *testing.T) {
	a := mkEvent("e1", 1)
	b := mkEvent("e1", 2, a.Id)
	c := mkEvent("e1", 3, b.Id)

	dagSnapshot := map[proto.EventId][]proto.EventId{
		a.Id: a.Parent.Ids(),
		b.Id: b.Parent.Ids(),
		c.Id: c.Parent.Ids(),
	}

	ancestry := computeAncestryFromDag(dagSnapshot, proto.NewClock(c.Id))
	for _, id := range []proto.EventId{a.Id, b.Id, c.Id} {
		if _, ok := ancestry[id]; !ok {
			t.Fatalf("expected %v in ancestry", id)
		}
	}
}

func TestIsDescendantDag(t *testing.T) {
	a := mkEvent("e1", 1)
	b := mkEvent("e1", 2, a.Id)
	c := mkEvent("e1", 3, b.Id)
	x := mkEvent("e2", 9)

	dagSnapshot := map[proto.EventId][]proto.EventId{
		a.Id: a.Parent.Ids(),
		b.Id: b.Parent.Ids(),
		c.Id: c.Parent.Ids(),
	}

	if !isDescendantDag(dagSnapshot, c.Id, a.Id) {
		t.Fatal("c should descend from a")
	}
	if isDescendantDag(dagSnapshot, a.Id, c.Id) {
		t.Fatal("a should not descend from c")
	}
	if isDescendantDag(dagSnapshot, c.Id, x.Id) {
		t.Fatal("c should not descend from unrelated x")
	}
}

func TestEventAccumulator_IntoForwardViewDiamondPartition(t *testing.T) {
	a := mkEvent("e1", 1)
	b := mkEvent("e1", 2, a.Id)
	c := mkEvent("e1", 3, a.Id)
	d := mkEvent("e1", 4, b.Id, c.Id)

	src := &memSource{events: map[proto.EventId]*proto.Event{a.Id: a, b.Id: b, c.Id: c, d.Id: d}}
	acc, err := NewEventAccumulator(src, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := acc.GetEvents(ctx, []proto.EventId{a.Id, b.Id, c.Id, d.Id}); err != nil {
		t.Fatal(err)
	}
	events, err := acc.AllAccumulated(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// meet = {A}, subjectHead (e.Head) = {B}, otherHead (incoming) = {D}:
	// B is on the subject's own path to the meet, C and D are new.
	view := acc.IntoForwardView(proto.NewClock(a.Id), proto.NewClock(b.Id), proto.NewClock(d.Id), events)

	var primary, toApply []*proto.Event
	for _, set := range view.IterReadySets() {
		primary = append(primary, set.PrimaryEvents()...)
		toApply = append(toApply, set.ConcurrencyEvents()...)
	}

	foundB := false
	for _, ev := range primary {
		if ev.Id == b.Id {
			foundB = true
		}
	}
	if !foundB {
		t.Fatal("expected B tagged Primary")
	}

	foundC, foundD := false, false
	for _, ev := range toApply {
		if ev.Id == c.Id {
			foundC = true
		}
		if ev.Id == d.Id {
			foundD = true
		}
	}
	if !foundC || !foundD {
		t.Fatal("expected C and D tagged Concurrency")
	}
}

func TestForwardView_PrimaryConcurrencyTagging(t *testing.T) {
	a := mkEvent("e1", 1)
	b := mkEvent("e1", 2, a.Id)
	c := mkEvent("e1", 3, a.Id)
	d := mkEvent("e1", 4, b.Id, c.Id)

	dagSnapshot := map[proto.EventId][]proto.EventId{
		a.Id: a.Parent.Ids(),
		b.Id: b.Parent.Ids(),
		c.Id: c.Parent.Ids(),
		d.Id: d.Parent.Ids(),
	}
	events := map[proto.EventId]*proto.Event{b.Id: b, c.Id: c, d.Id: d}

	fv := NewForwardView(dagSnapshot, events, proto.NewClock(a.Id), proto.NewClock(b.Id))

	sets := fv.IterReadySets()
	if len(sets) == 0 {
		t.Fatal("expected at least one ready set")
	}

	roleOf := make(map[proto.EventId]EventRole)
	for _, set := range sets {
		for _, re := range set.Events {
			roleOf[re.Event.Id] = re.Role
		}
	}

	if roleOf[b.Id] != Primary {
		t.Fatalf("expected B to be Primary, got %v", roleOf[b.Id])
	}
	if roleOf[c.Id] != Concurrency {
		t.Fatalf("expected C to be Concurrency, got %v", roleOf[c.Id])
	}
}
