package core

import (
	"testing"
	"time"
)

// TestRateLimiterBanSchedule is scenario S7: a low-reputation sender's 11th
// request in the same 60-second window is rejected, and once rejections
// reach the ban threshold the sender is banned for 300*violations seconds.
func TestRateLimiterBanSchedule(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitTable())
	sender := addr(5)
	now := time.Unix(1700000000, 0)

	for i := 0; i < 10; i++ {
		if err := rl.Allow(sender, TierLow, now); err != nil {
			t.Fatalf("request %d within budget rejected: %v", i+1, err)
		}
	}

	if err := rl.Allow(sender, TierLow, now); err != ErrRateLimited {
		t.Fatalf("11th request in window: got %v, want ErrRateLimited", err)
	}

	// 9 more violations bring the consecutive-violation count to 10, which
	// triggers the ban.
	for i := 0; i < 9; i++ {
		if err := rl.Allow(sender, TierLow, now); err != ErrRateLimited {
			t.Fatalf("violation %d: got %v, want ErrRateLimited", i+2, err)
		}
	}

	if !rl.IsBanned(sender, now) {
		t.Fatalf("expected sender banned after 10 consecutive violations")
	}

	w := rl.windows[sender]
	want := now.Add(3000 * time.Second)
	if !w.bannedUntil.Equal(want) {
		t.Fatalf("ban expiry = %v, want %v (3000s for 10 violations)", w.bannedUntil, want)
	}
}

// TestRateLimiterAllowDoesNotDoubleCount is invariant 7: each Allow call
// advances the window's request count by exactly one, so two calls at the
// same (addr, now) leave the same state two genuinely separate admission
// checks would produce, no more.
func TestRateLimiterAllowDoesNotDoubleCount(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitTable())
	sender := addr(6)
	now := time.Unix(1700000000, 0)

	if err := rl.Allow(sender, TierNormal, now); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if got := rl.windows[sender].count; got != 1 {
		t.Fatalf("count after 1 call = %d, want 1", got)
	}

	if err := rl.Allow(sender, TierNormal, now); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got := rl.windows[sender].count; got != 2 {
		t.Fatalf("count after 2 calls = %d, want 2 (no double-counting within a call)", got)
	}
}
