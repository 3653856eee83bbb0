package store

import (
	"sort"
	"time"
)

const snapshotVersion = 1

// Snapshot is the serialized form of a MemoryStore.
type Snapshot struct {
	Version  int                 `json:"version"`
	SavedAt  time.Time           `json:"saved_at"`
	Wallets  []TrackedWallet     `json:"wallets"`
	Trades   []*CopyTrade        `json:"trades"`
	Rugs     []RugRecord         `json:"rugs"`
	History  []WalletTrade       `json:"history,omitempty"`
	Clusters map[string][]string `json:"clusters,omitempty"`
}

// Export captures the store state. Only the maxClosed most recent closed or
// skipped trades are kept; open trades are always included. maxClosed <= 0
// keeps everything.
func (s *MemoryStore) Export(maxClosed int) *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Version:  snapshotVersion,
		SavedAt:  s.now(),
		Wallets:  make([]TrackedWallet, 0, len(s.wallets)),
		Trades:   make([]*CopyTrade, 0, len(s.trades)),
		Rugs:     make([]RugRecord, 0, len(s.rugs)),
		Clusters: make(map[string][]string, len(s.clusters)),
	}

	for _, w := range s.wallets {
		snap.Wallets = append(snap.Wallets, *w)
	}

	var inactive []*CopyTrade
	for _, t := range s.trades {
		if t.Status == StatusOpen {
			snap.Trades = append(snap.Trades, t.Clone())
			continue
		}
		inactive = append(inactive, t)
	}
	sort.Slice(inactive, func(i, j int) bool { return inactive[i].UpdatedAt.After(inactive[j].UpdatedAt) })
	if maxClosed > 0 && len(inactive) > maxClosed {
		inactive = inactive[:maxClosed]
	}
	for _, t := range inactive {
		snap.Trades = append(snap.Trades, t.Clone())
	}

	for _, r := range s.rugs {
		snap.Rugs = append(snap.Rugs, *r)
	}
	for _, h := range s.history {
		snap.History = append(snap.History, h...)
	}
	for k, mates := range s.clusters {
		snap.Clusters[k] = append([]string(nil), mates...)
	}

	sort.Slice(snap.Wallets, func(i, j int) bool {
		return key(snap.Wallets[i].Chain, snap.Wallets[i].Address) < key(snap.Wallets[j].Chain, snap.Wallets[j].Address)
	})
	sort.SliceStable(snap.History, func(i, j int) bool { return snap.History[i].Timestamp.Before(snap.History[j].Timestamp) })
	return snap
}

// Import replaces the store state with snap and returns the number of trades
// loaded. A second open trade on an already-open token is dropped.
func (s *MemoryStore) Import(snap *Snapshot) int {
	if snap == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.wallets = make(map[string]*TrackedWallet, len(snap.Wallets))
	s.trades = make(map[string]*CopyTrade, len(snap.Trades))
	s.openByToken = make(map[string]string)
	s.skipped = make(map[string]string)
	s.rugs = make(map[string]*RugRecord, len(snap.Rugs))
	s.history = make(map[string][]WalletTrade)
	s.clusters = make(map[string][]string, len(snap.Clusters))

	for _, w := range snap.Wallets {
		w := w
		s.wallets[key(w.Chain, w.Address)] = &w
	}

	loaded := 0
	for _, t := range snap.Trades {
		if t == nil || t.ID == "" {
			continue
		}
		t = t.Clone()
		normalizeTrade(t)

		switch t.Status {
		case StatusOpen:
			tokenKey := key(t.Chain, t.Token)
			if _, dup := s.openByToken[tokenKey]; dup {
				continue
			}
			s.openByToken[tokenKey] = t.ID
		case StatusSkipped:
			s.skipped[key(t.Chain, t.Token, t.Wallet)] = t.ID
		case StatusClosed:
			if t.ClosedAt == nil {
				closedAt := t.UpdatedAt
				t.ClosedAt = &closedAt
			}
		default:
			continue
		}
		s.trades[t.ID] = t
		loaded++
	}

	for _, r := range snap.Rugs {
		r := r
		s.rugs[key(r.Chain, r.Token)] = &r
	}
	for _, h := range snap.History {
		k := key(h.Chain, h.Wallet)
		s.history[k] = append(s.history[k], h)
	}
	for k, mates := range snap.Clusters {
		s.clusters[k] = append([]string(nil), mates...)
	}
	return loaded
}
