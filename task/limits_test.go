package task

import "testing"

func TestLimitsConcurrencyCap(t *testing.T) {
	l := NewLimits(LimitConfig{Type: "heavy", MaxConcurrency: 2})

	if !l.Acquire("heavy") || !l.Acquire("heavy") {
		t.Fatal("Acquire() declined under the concurrency cap")
	}
	if l.Acquire("heavy") {
		t.Error("Acquire() allowed a third concurrent task with cap 2")
	}

	l.Release("heavy")
	if !l.Acquire("heavy") {
		t.Error("Acquire() declined after Release freed a slot")
	}
	if got := l.ActiveCount("heavy"); got != 2 {
		t.Errorf("ActiveCount() = %d, want 2", got)
	}
}

func TestLimitsRateLimit(t *testing.T) {
	l := NewLimits(LimitConfig{Type: "burst", RateLimit: 1, RateBurst: 2})

	if !l.Acquire("burst") || !l.Acquire("burst") {
		t.Fatal("Acquire() declined within the burst allowance")
	}
	if l.Acquire("burst") {
		t.Error("Acquire() allowed dispatch past the burst allowance")
	}
}

func TestLimitsUnconfiguredTypeUnlimited(t *testing.T) {
	l := NewLimits()
	for i := 0; i < 100; i++ {
		if !l.Acquire("anything") {
			t.Fatal("Acquire() limited an unconfigured type")
		}
	}
}
