package cloudguard

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryCounterStoreWindowExpiry(t *testing.T) {
	store := NewInMemoryCounterStore()
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		count, err := store.Increment(ctx, "rate_limit:10.0.0.1", 20*time.Millisecond)
		if err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
		if count != want {
			t.Fatalf("count = %d, want %d", count, want)
		}
	}

	time.Sleep(30 * time.Millisecond)
	count, err := store.Increment(ctx, "rate_limit:10.0.0.1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expired window should restart at 1, got %d", count)
	}
}

func TestInMemoryCounterStoreResetAndGet(t *testing.T) {
	store := NewInMemoryCounterStore()
	ctx := context.Background()

	store.Increment(ctx, "rate_limit:10.0.0.1", time.Minute)
	store.Increment(ctx, "rate_limit:10.0.0.1", time.Minute)

	counter, err := store.Get(ctx, "rate_limit:10.0.0.1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if counter == nil || counter.Count != 2 {
		t.Fatalf("counter = %+v, want count 2", counter)
	}

	if err := store.Reset(ctx, "rate_limit:10.0.0.1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	counter, err = store.Get(ctx, "rate_limit:10.0.0.1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if counter != nil {
		t.Fatalf("reset key should be gone, got %+v", counter)
	}
}

func TestInMemoryCounterStoreCleanup(t *testing.T) {
	store := NewInMemoryCounterStore()
	ctx := context.Background()

	store.Increment(ctx, "rate_limit:stale", 5*time.Millisecond)
	store.Increment(ctx, "rate_limit:fresh", time.Minute)
	time.Sleep(10 * time.Millisecond)
	store.Cleanup()

	store.mu.Lock()
	_, staleExists := store.counters["rate_limit:stale"]
	_, freshExists := store.counters["rate_limit:fresh"]
	store.mu.Unlock()
	if staleExists {
		t.Fatalf("stale counter should be reclaimed")
	}
	if !freshExists {
		t.Fatalf("fresh counter should survive cleanup")
	}
}
