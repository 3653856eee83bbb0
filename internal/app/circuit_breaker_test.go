package app

import (
	"testing"
	"time"

	"copybot/internal/store"
)

func TestCircuitBreaker_PauseAndExpire(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker()
	cb.now = func() time.Time { return now }

	wallet := testAddr(1)
	cb.Pause("base", wallet, now.Add(time.Hour), store.WalletStats{Closed: 5, ConsecutiveLosses: 3})

	st := cb.State("base", wallet)
	if !st.Paused(now) {
		t.Fatal("expected wallet paused")
	}
	if st.TrippedAtClosed != 5 || st.TrippedStreak != 3 {
		t.Errorf("unexpected trip record %+v", st)
	}
	if cb.PausedCount() != 1 {
		t.Errorf("expected 1 paused, got %d", cb.PausedCount())
	}

	if !cb.State("BASE", wallet).Paused(now) {
		t.Error("expected case-insensitive lookup")
	}

	now = now.Add(2 * time.Hour)
	st = cb.State("base", wallet)
	if st.Paused(now) || !st.PausedUntil.IsZero() {
		t.Errorf("expected expired pause cleared, got %+v", st)
	}
	if st.TrippedAtClosed != 5 {
		t.Error("trip record should survive the pause expiring")
	}
	if cb.PausedCount() != 0 {
		t.Errorf("expected 0 paused, got %d", cb.PausedCount())
	}
}

func TestCircuitBreaker_UnknownWallet(t *testing.T) {
	cb := NewCircuitBreaker()
	st := cb.State("base", testAddr(9))
	if st.Paused(time.Now()) {
		t.Error("unknown wallet should not be paused")
	}
}
