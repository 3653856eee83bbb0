package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DedupWindow remembers processed signals for a bounded horizon. It is shared
// by the transfer stream and the polling fallback so an event delivered by
// both is acted on once.
type DedupWindow struct {
	logger *zap.Logger

	mu      sync.Mutex
	horizon time.Duration
	seen    map[string]time.Time // key -> first seen

	now func() time.Time
}

func NewDedupWindow(logger *zap.Logger, horizon time.Duration) *DedupWindow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DedupWindow{
		logger:  logger.Named("dedup"),
		horizon: horizon,
		seen:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// DedupKey builds the canonical key txHash|wallet|token|side.
func DedupKey(txHash, wallet, token, side string) string {
	return strings.ToLower(strings.Join([]string{txHash, wallet, token, side}, "|"))
}

// Seen reports whether key was marked within the horizon.
func (d *DedupWindow) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[key]
	if !ok {
		return false
	}
	return d.now().Sub(at) < d.horizon
}

// Mark records key as processed. The first-seen time is kept on repeats.
func (d *DedupWindow) Mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.horizon {
		return
	}
	d.seen[key] = now
}

// Prune evicts entries older than the horizon and returns how many went.
func (d *DedupWindow) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.horizon)
	removed := 0
	for k, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, k)
			removed++
		}
	}
	return removed
}

func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *DedupWindow) SetHorizon(h time.Duration) {
	if h <= 0 {
		return
	}
	d.mu.Lock()
	d.horizon = h
	d.mu.Unlock()
}

// Run prunes on interval until ctx is canceled.
func (d *DedupWindow) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.Prune(); n > 0 {
				d.logger.Debug("pruned dedup window",
					zap.Int("removed", n),
					zap.Int("remaining", d.Len()),
				)
			}
		}
	}
}
