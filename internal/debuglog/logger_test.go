package debuglog

import (
	"fmt"
	"testing"
	"time"
)

func TestLimiterSuppressesAndCounts(t *testing.T) {
	l := limiter{entries: make(map[string]*limitEntry)}
	now := time.UnixMilli(1_700_000_000_000)

	ok, n := l.allow("peer-a", time.Second, now)
	if !ok || n != 0 {
		t.Fatalf("first emission: ok=%v n=%d", ok, n)
	}
	for i := 0; i < 5; i++ {
		ok, _ = l.allow("peer-a", time.Second, now.Add(100*time.Millisecond))
		if ok {
			t.Fatalf("expected suppression inside interval")
		}
	}
	ok, n = l.allow("peer-a", time.Second, now.Add(1100*time.Millisecond))
	if !ok || n != 5 {
		t.Fatalf("reopen: ok=%v suppressed=%d, want 5", ok, n)
	}
	// The count resets after being reported.
	ok, n = l.allow("peer-a", time.Second, now.Add(2200*time.Millisecond))
	if !ok || n != 0 {
		t.Fatalf("second reopen: ok=%v suppressed=%d, want 0", ok, n)
	}
}

func TestLimiterKeysIndependent(t *testing.T) {
	l := limiter{entries: make(map[string]*limitEntry)}
	now := time.UnixMilli(1_700_000_000_000)
	l.allow("peer-a", time.Second, now)
	ok, _ := l.allow("peer-b", time.Second, now)
	if !ok {
		t.Fatalf("expected distinct keys to be independent")
	}
}

func TestLimiterEvictsStalestAtCapacity(t *testing.T) {
	l := limiter{entries: make(map[string]*limitEntry)}
	now := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < limiterKeys; i++ {
		l.allow(fmt.Sprintf("key-%d", i), time.Second, now.Add(time.Duration(i)*time.Millisecond))
	}
	if len(l.entries) != limiterKeys {
		t.Fatalf("expected %d entries, got %d", limiterKeys, len(l.entries))
	}
	l.allow("overflow", time.Second, now.Add(time.Second))
	if len(l.entries) != limiterKeys {
		t.Fatalf("expected bounded key space, got %d", len(l.entries))
	}
	if _, ok := l.entries["key-0"]; ok {
		t.Fatalf("expected stalest key evicted")
	}
	if _, ok := l.entries["overflow"]; !ok {
		t.Fatalf("expected new key admitted")
	}
}
