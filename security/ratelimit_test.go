package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 2, 0, nil)
	defer rl.Stop()

	if !rl.Allow("client-1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("client-1") {
		t.Error("second request within burst should be allowed")
	}
	if rl.Allow("client-1") {
		t.Error("third request should exceed burst")
	}

	// A different identifier has its own bucket
	if !rl.Allow("client-2") {
		t.Error("different identifier should not share the bucket")
	}
}

func TestRateLimiterLRUEviction(t *testing.T) {
	rl := NewRateLimiter(10, 10, 3, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}
	if got := rl.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	// Touch id-0 so id-1 becomes least recently used
	rl.Allow("id-0")

	rl.Allow("id-3")
	if got := rl.Len(); got != 3 {
		t.Errorf("Len() = %d after eviction, want 3", got)
	}

	// Evicted id-1 gets a fresh bucket; surviving entries keep theirs
	if !rl.Allow("id-1") {
		t.Error("evicted identifier should start with a fresh bucket")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, 0, nil)
	defer rl.Stop()

	rl.Allow("stale")
	time.Sleep(20 * time.Millisecond)
	rl.Allow("fresh")

	rl.Cleanup(10 * time.Millisecond)

	if got := rl.Len(); got != 1 {
		t.Errorf("Len() = %d after cleanup, want 1", got)
	}
}

func TestRateLimiterConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, 100, nil)
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rl.Allow(fmt.Sprintf("id-%d", (n+j)%150))
			}
		}(i)
	}
	wg.Wait()

	if got := rl.Len(); got > 100 {
		t.Errorf("Len() = %d, want at most 100", got)
	}
}

func TestRateLimiterStopIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, 1, 0, nil)
	rl.Stop()
	rl.Stop()
}
