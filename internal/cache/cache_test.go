package cache

import (
	"context"
	"testing"

	"github.com/sandwichfarm/causalnet/internal/config"
	"github.com/sandwichfarm/causalnet/internal/proto"
)

func TestLocalOnlyCache(t *testing.T) {
	c, err := New(&config.Cache{Capacity: 4})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	id := proto.NewEventId([]byte("a"))
	ok, err := c.Contains(ctx, id)
	if err != nil || ok {
		t.Fatalf("expected miss before observe, got ok=%v err=%v", ok, err)
	}

	if err := c.Observe(ctx, id); err != nil {
		t.Fatalf("observe: %v", err)
	}
	ok, err = c.Contains(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected hit after observe, got ok=%v err=%v", ok, err)
	}

	if err := c.Ping(ctx); err != nil {
		t.Errorf("expected local-only cache to ping healthy, got %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("expected len 1, got %d", c.Len())
	}
}

func TestEvictionFallsThrough(t *testing.T) {
	c, err := New(&config.Cache{Capacity: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	a := proto.NewEventId([]byte("a"))
	b := proto.NewEventId([]byte("b"))
	_ = c.Observe(ctx, a)
	_ = c.Observe(ctx, b) // evicts a under capacity 1

	ok, err := c.Contains(ctx, a)
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if ok {
		t.Errorf("expected a to have been evicted")
	}
}
