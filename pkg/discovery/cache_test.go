package discovery

import (
	"context"
	"testing"
	"time"
)

func TestCachedDiscovererServesFromCache(t *testing.T) {
	d, reg, cleanup := newTestDiscoverer(t)
	defer cleanup()
	cached := NewCachedDiscoverer(d, WithCacheTTL(time.Minute))

	registerInstance(t, reg, "billing", "a", true)

	first, err := cached.DiscoverInstances(context.Background(), "billing", true)
	if err != nil {
		t.Fatalf("DiscoverInstances: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("DiscoverInstances = %d instances, want 1", len(first))
	}

	// Register a second instance directly against the registry without
	// going through the cache; a cache hit must not see it yet.
	registerInstance(t, reg, "billing", "b", true)

	second, err := cached.DiscoverInstances(context.Background(), "billing", true)
	if err != nil {
		t.Fatalf("DiscoverInstances: %v", err)
	}
	if len(second) != 1 {
		t.Errorf("DiscoverInstances after cache hit = %d instances, want 1 (stale cache)", len(second))
	}
}

func TestCachedDiscovererExpires(t *testing.T) {
	d, reg, cleanup := newTestDiscoverer(t)
	defer cleanup()
	cached := NewCachedDiscoverer(d, WithCacheTTL(10*time.Millisecond))

	registerInstance(t, reg, "billing", "a", true)
	if _, err := cached.DiscoverInstances(context.Background(), "billing", true); err != nil {
		t.Fatalf("DiscoverInstances: %v", err)
	}

	registerInstance(t, reg, "billing", "b", true)
	time.Sleep(20 * time.Millisecond)

	got, err := cached.DiscoverInstances(context.Background(), "billing", true)
	if err != nil {
		t.Fatalf("DiscoverInstances: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("DiscoverInstances after TTL expiry = %d instances, want 2", len(got))
	}
}

func TestCachedDiscovererInvalidate(t *testing.T) {
	d, reg, cleanup := newTestDiscoverer(t)
	defer cleanup()
	cached := NewCachedDiscoverer(d, WithCacheTTL(time.Minute))

	registerInstance(t, reg, "billing", "a", true)
	if _, err := cached.DiscoverInstances(context.Background(), "billing", true); err != nil {
		t.Fatalf("DiscoverInstances: %v", err)
	}

	registerInstance(t, reg, "billing", "b", true)
	cached.Invalidate("billing")

	got, err := cached.DiscoverInstances(context.Background(), "billing", true)
	if err != nil {
		t.Fatalf("DiscoverInstances: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("DiscoverInstances after Invalidate = %d instances, want 2", len(got))
	}
}
