package kvcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestSetGetDelete(t *testing.T) {
	c := New()
	ctx := context.Background()
	if err := c.Set(ctx, "stream:1", "hls", 0); err != nil {
		t.Fatal(err)
	}
	v, ok := c.Get(ctx, "stream:1")
	if !ok || v != "hls" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	c.Delete(ctx, "stream:1")
	if _, ok := c.Get(ctx, "stream:1"); ok {
		t.Fatal("expected key gone after Delete")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Set(ctx, "k", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected expired key to be gone")
	}
}

func TestKeysPrefix(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Set(ctx, "epg:1", "a", 0)
	c.Set(ctx, "epg:2", "b", 0)
	c.Set(ctx, "lineup:channels", "c", 0)
	got := c.Keys(ctx, "epg:")
	if len(got) != 2 {
		t.Fatalf("Keys(epg:) = %v, want 2 entries", got)
	}
}

func TestIncrement(t *testing.T) {
	c := New()
	ctx := context.Background()
	v, err := c.Increment(ctx, "metrics:counter", 1)
	if err != nil || v != 1 {
		t.Fatalf("Increment = %d, %v", v, err)
	}
	v, _ = c.Increment(ctx, "metrics:counter", 5)
	if v != 6 {
		t.Fatalf("Increment cumulative = %d, want 6", v)
	}
}

func TestConnectExternalPromotesBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.ConnectExternal(ctx, mr.Addr())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, connected := c.Healthy(); connected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, connected := c.Healthy()
	if !connected {
		t.Fatal("external backend never connected")
	}

	if err := c.Set(ctx, "session:abc", "streaming", 0); err != nil {
		t.Fatal(err)
	}
	if got, err := mr.Get("session:abc"); err != nil || got != "streaming" {
		t.Fatalf("external mirror: got %q, err %v", got, err)
	}
}
