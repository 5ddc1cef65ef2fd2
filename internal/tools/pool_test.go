package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestPoolRecyclesIdleConnections(t *testing.T) {
	var opened []*fakeMCP
	pool := NewPool(func(ctx context.Context, d Descriptor) (MCPClient, error) {
		c := newFakeMCP(MCPTool{Name: "t"})
		opened = append(opened, c)
		return c, nil
	}, 5*time.Minute, nil)
	now := time.Now()
	pool.now = func() time.Time { return now }

	desc := Descriptor{Key: "t", Provider: ProviderMCPStdio, Config: json.RawMessage(`{"command":"srv"}`)}
	if _, _, err := pool.Acquire(context.Background(), "v1", desc); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	pool.now = func() time.Time { return now.Add(10 * time.Minute) }
	if n := pool.Sweep(); n != 0 {
		t.Fatalf("referenced connection must not be recycled")
	}

	pool.Release("v1")
	pool.now = func() time.Time { return now.Add(12 * time.Minute) }
	if n := pool.Sweep(); n != 0 {
		t.Fatalf("connection released just now should stay open")
	}
	pool.now = func() time.Time { return now.Add(20 * time.Minute) }
	if n := pool.Sweep(); n != 1 {
		t.Fatalf("expected idle connection recycled")
	}
	if !opened[0].closed {
		t.Fatalf("recycled connection should be closed")
	}

	if _, _, err := pool.Acquire(context.Background(), "v2", desc); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if len(opened) != 2 {
		t.Fatalf("expected redial after recycle")
	}
}

func TestPoolRedialsBrokenConnection(t *testing.T) {
	var opened []*fakeMCP
	pool := NewPool(func(ctx context.Context, d Descriptor) (MCPClient, error) {
		c := newFakeMCP()
		opened = append(opened, c)
		return c, nil
	}, time.Minute, nil)
	desc := Descriptor{Key: "t", Provider: ProviderMCPSSE, Config: json.RawMessage(`{"url":"http://a"}`)}
	pool.Acquire(context.Background(), "v1", desc)
	opened[0].Close()
	pool.Acquire(context.Background(), "v1", desc)
	if len(opened) != 2 {
		t.Fatalf("expected broken connection to be replaced, dialled %d", len(opened))
	}
}

func TestConnKeyIgnoresKeyOrder(t *testing.T) {
	a := Descriptor{Provider: ProviderMCPStdio, Config: json.RawMessage(`{"command":"x","args":["1"]}`)}
	b := Descriptor{Provider: ProviderMCPStdio, Config: json.RawMessage(`{"args":["1"],"command":"x"}`)}
	if connKey(a) != connKey(b) {
		t.Fatalf("equivalent configs should share a connection")
	}
}

func TestPoolCloseClosesAll(t *testing.T) {
	var opened []*fakeMCP
	pool := NewPool(func(ctx context.Context, d Descriptor) (MCPClient, error) {
		c := newFakeMCP()
		opened = append(opened, c)
		return c, nil
	}, time.Minute, nil)
	pool.Acquire(context.Background(), "v1", Descriptor{Provider: ProviderMCPStdio, Config: json.RawMessage(`{"command":"a"}`)})
	pool.Acquire(context.Background(), "v1", Descriptor{Provider: ProviderMCPStdio, Config: json.RawMessage(`{"command":"b"}`)})
	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i, c := range opened {
		if !c.closed {
			t.Fatalf("connection %d left open", i)
		}
	}
}
