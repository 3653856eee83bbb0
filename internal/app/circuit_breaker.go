package app

import (
	"strings"
	"sync"
	"time"

	"copybot/internal/store"
)

// BreakerState is a wallet's circuit breaker. TrippedAtClosed is the wallet's
// closed-trade count when the last pause was set; a loss streak only pauses
// the wallet again once more trades have closed since then.
type BreakerState struct {
	PausedUntil     time.Time `json:"paused_until"`
	TrippedStreak   int       `json:"tripped_streak"`
	TrippedAtClosed int       `json:"tripped_at_closed"`
}

func (b BreakerState) Paused(now time.Time) bool {
	return now.Before(b.PausedUntil)
}

// CircuitBreaker holds per-wallet pause state in memory. It is rebuilt from
// scratch on restart.
type CircuitBreaker struct {
	mu     sync.Mutex
	states map[string]BreakerState
	now    func() time.Time
}

func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		states: make(map[string]BreakerState),
		now:    time.Now,
	}
}

func breakerKey(chain, wallet string) string {
	return strings.ToLower(chain + "|" + wallet)
}

// State returns the wallet's breaker. An elapsed pause is cleared.
func (cb *CircuitBreaker) State(chain, wallet string) BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	k := breakerKey(chain, wallet)
	st := cb.states[k]
	if !st.PausedUntil.IsZero() && !st.Paused(cb.now()) {
		st.PausedUntil = time.Time{}
		cb.states[k] = st
	}
	return st
}

// Pause records a pause triggered by the wallet's current stats.
func (cb *CircuitBreaker) Pause(chain, wallet string, until time.Time, stats store.WalletStats) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.states[breakerKey(chain, wallet)] = BreakerState{
		PausedUntil:     until,
		TrippedStreak:   stats.ConsecutiveLosses,
		TrippedAtClosed: stats.Closed,
	}
}

// PausedCount is the number of wallets paused right now.
func (cb *CircuitBreaker) PausedCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	n := 0
	for _, st := range cb.states {
		if st.Paused(now) {
			n++
		}
	}
	return n
}
