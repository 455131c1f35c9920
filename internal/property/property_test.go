package property

import (
	"testing"

	"github.com/sandwichfarm/causalnet/internal/proto"
)

func mustID(t *testing.T, b byte) proto.EventId {
	t.Helper()
	var id proto.EventId
	id[0] = b
	return id
}

func TestLWW_FirstWriteAccepted(t *testing.T) {
	b := NewLWWBackend()
	eventA := mustID(t, 1)

	op, err := EncodeLWWWrite("title", []byte(`"hello"`))
	if err != nil {
		t.Fatal(err)
	}

	ctx := CausalContext{EventId: eventA, Compare: func(a, b proto.EventId) Relation { return RelUnknown }}
	if err := b.Apply([]proto.Operation{op}, ctx); err != nil {
		t.Fatal(err)
	}

	val, ok := b.Get("title")
	if !ok || string(val) != `"hello"` {
		t.Fatalf("want hello, got %q ok=%v", val, ok)
	}
}

func TestLWW_CausalDescendsWins(t *testing.T) {
	b := NewLWWBackend()
	eventA := mustID(t, 1)
	eventB := mustID(t, 2) // descends from A

	opA, _ := EncodeLWWWrite("title", []byte(`"from-a"`))
	ctxA := CausalContext{EventId: eventA, Compare: func(a, bb proto.EventId) Relation { return RelUnknown }}
	if err := b.Apply([]proto.Operation{opA}, ctxA); err != nil {
		t.Fatal(err)
	}

	opB, _ := EncodeLWWWrite("title", []byte(`"from-b"`))
	ctxB := CausalContext{
		EventId: eventB,
		Compare: func(x, y proto.EventId) Relation {
			if x == eventB && y == eventA {
				return RelDescends
			}
			return RelUnknown
		},
	}
	if err := b.Apply([]proto.Operation{opB}, ctxB); err != nil {
		t.Fatal(err)
	}

	val, _ := b.Get("title")
	if string(val) != `"from-b"` {
		t.Fatalf("expected descendant write to win, got %q", val)
	}
}

func TestLWW_AscendingWriteRejected(t *testing.T) {
	b := NewLWWBackend()
	eventA := mustID(t, 1)
	eventB := mustID(t, 2)

	opB, _ := EncodeLWWWrite("title", []byte(`"from-b"`))
	ctxB := CausalContext{EventId: eventB, Compare: func(a, bb proto.EventId) Relation { return RelUnknown }}
	if err := b.Apply([]proto.Operation{opB}, ctxB); err != nil {
		t.Fatal(err)
	}

	// A is an ancestor of B: applying A afterward must be rejected.
	opA, _ := EncodeLWWWrite("title", []byte(`"from-a"`))
	ctxA := CausalContext{
		EventId: eventA,
		Compare: func(x, y proto.EventId) Relation {
			if x == eventA && y == eventB {
				return RelAscends
			}
			return RelUnknown
		},
	}
	if err := b.Apply([]proto.Operation{opA}, ctxA); err != nil {
		t.Fatal(err)
	}

	val, _ := b.Get("title")
	if string(val) != `"from-b"` {
		t.Fatalf("expected B's write to survive, got %q", val)
	}
}

func TestLWW_ConcurrentLexicographicFallback(t *testing.T) {
	low := mustID(t, 1)
	high := mustID(t, 2)

	concurrentCompare := func(a, b proto.EventId) Relation { return RelConcurrent }

	// Apply low first, then high: high > low, so high wins.
	b1 := NewLWWBackend()
	opLow, _ := EncodeLWWWrite("title", []byte(`"low"`))
	opHigh, _ := EncodeLWWWrite("title", []byte(`"high"`))
	b1.Apply([]proto.Operation{opLow}, CausalContext{EventId: low, Compare: concurrentCompare})
	b1.Apply([]proto.Operation{opHigh}, CausalContext{EventId: high, Compare: concurrentCompare})
	v1, _ := b1.Get("title")
	if string(v1) != `"high"` {
		t.Fatalf("want high to win by lexicographic tiebreak, got %q", v1)
	}

	// Apply in the opposite order: result must be the same (high wins),
	// proving the tiebreak is order-independent.
	b2 := NewLWWBackend()
	b2.Apply([]proto.Operation{opHigh}, CausalContext{EventId: high, Compare: concurrentCompare})
	b2.Apply([]proto.Operation{opLow}, CausalContext{EventId: low, Compare: concurrentCompare})
	v2, _ := b2.Get("title")
	if string(v2) != `"high"` {
		t.Fatalf("want high to win regardless of application order, got %q", v2)
	}
}

func TestLWW_InsufficientCausalInfo(t *testing.T) {
	b := NewLWWBackend()
	eventA := mustID(t, 1)
	eventB := mustID(t, 2)

	opA, _ := EncodeLWWWrite("title", []byte(`"from-a"`))
	b.Apply([]proto.Operation{opA}, CausalContext{EventId: eventA, Compare: func(a, bb proto.EventId) Relation { return RelUnknown }})

	opB, _ := EncodeLWWWrite("title", []byte(`"from-b"`))
	err := b.Apply([]proto.Operation{opB}, CausalContext{EventId: eventB, Compare: func(a, bb proto.EventId) Relation { return RelUnknown }})
	if err == nil {
		t.Fatal("expected insufficient causal info error")
	}
}

func TestLWW_EncodeDecodeRoundTrip(t *testing.T) {
	b := NewLWWBackend()
	eventA := mustID(t, 1)
	op, _ := EncodeLWWWrite("title", []byte(`"hello"`))
	b.Apply([]proto.Operation{op}, CausalContext{EventId: eventA, Compare: func(a, bb proto.EventId) Relation { return RelUnknown }})

	buf, err := b.Encode()
	if err != nil {
		t.Fatal(err)
	}

	decoded := NewLWWBackend()
	if err := decoded.Decode(buf); err != nil {
		t.Fatal(err)
	}
	val, ok := decoded.Get("title")
	if !ok || string(val) != `"hello"` {
		t.Fatalf("round trip mismatch: %q ok=%v", val, ok)
	}
}

func TestPNCounter_DedupByEventId(t *testing.T) {
	b := NewPNCounterBackend()
	ev := mustID(t, 1)
	op, _ := EncodePNDelta("likes", 3)

	ctx := CausalContext{EventId: ev}
	b.Apply([]proto.Operation{op}, ctx)
	b.Apply([]proto.Operation{op}, ctx) // replay of the same event: no-op

	if got := b.Get("likes"); got != 3 {
		t.Fatalf("want 3 after dedup, got %d", got)
	}
}

func TestPNCounter_SignedSum(t *testing.T) {
	b := NewPNCounterBackend()
	opInc, _ := EncodePNDelta("likes", 5)
	opDec, _ := EncodePNDelta("likes", -2)

	b.Apply([]proto.Operation{opInc}, CausalContext{EventId: mustID(t, 1)})
	b.Apply([]proto.Operation{opDec}, CausalContext{EventId: mustID(t, 2)})

	if got := b.Get("likes"); got != 3 {
		t.Fatalf("want 3, got %d", got)
	}
}

func TestTextBackend_EncodeDecodeRoundTrip(t *testing.T) {
	b := NewTextBackend()
	ev := mustID(t, 1)
	b.Apply([]proto.Operation{[]byte("update-1")}, CausalContext{EventId: ev})

	buf, err := b.Encode()
	if err != nil {
		t.Fatal(err)
	}

	decoded := NewTextBackend()
	if err := decoded.Decode(buf); err != nil {
		t.Fatal(err)
	}
	updates := decoded.Updates()
	if len(updates) != 1 || string(updates[0]) != "update-1" {
		t.Fatalf("round trip mismatch: %v", updates)
	}
}
