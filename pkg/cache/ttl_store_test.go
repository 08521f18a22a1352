package cache

import (
	"testing"
	"time"
)

func TestIncrInitializesAndCounts(t *testing.T) {
	s := NewTTLStore()
	if got := s.Incr("orders:bot-1", time.Minute); got != 1 {
		t.Fatalf("first incr = %d, want 1", got)
	}
	if got := s.Incr("orders:bot-1", time.Minute); got != 2 {
		t.Fatalf("second incr = %d, want 2", got)
	}
}

func TestIncrResetsAfterExpiry(t *testing.T) {
	s := NewTTLStore()
	s.Incr("orders:bot-1", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if got := s.Incr("orders:bot-1", time.Minute); got != 1 {
		t.Fatalf("incr after expiry = %d, want reset to 1", got)
	}
}

func TestIncrByFloatAccumulatesNegative(t *testing.T) {
	s := NewTTLStore()
	s.IncrByFloat("loss:bot-1", -5.0, time.Minute)
	got := s.IncrByFloat("loss:bot-1", -2.5, time.Minute)
	if got != -7.5 {
		t.Fatalf("accumulated loss = %v, want -7.5", got)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := NewTTLStore()
	if _, ok := s.Get("nope"); ok {
		t.Fatal("expected missing key to report not-ok")
	}
}

func TestSetNXOnlySetsOnce(t *testing.T) {
	s := NewTTLStore()
	if !s.SetNX("cooldown:bot-1", 1, time.Minute) {
		t.Fatal("first SetNX should succeed")
	}
	if s.SetNX("cooldown:bot-1", 2, time.Minute) {
		t.Fatal("second SetNX on an unexpired key must not take effect")
	}
	v, ok := s.Get("cooldown:bot-1")
	if !ok || v != 1 {
		t.Fatalf("expected value to remain 1 after rejected SetNX, got %v ok=%v", v, ok)
	}
}

func TestDeleteRemovesImmediately(t *testing.T) {
	s := NewTTLStore()
	s.Incr("k", time.Minute)
	s.Delete("k")
	if s.Exists("k") {
		t.Fatal("expected key to be gone after Delete")
	}
}

func TestTTLReportsRemainingTime(t *testing.T) {
	s := NewTTLStore()
	s.Incr("k", time.Minute)
	ttl := s.TTL("k")
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v, want in (0, 1m]", ttl)
	}
}
