package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is the reference Store. All state lives in process memory and is
// persisted through Export/Import snapshots.
type MemoryStore struct {
	mu sync.RWMutex

	wallets     map[string]*TrackedWallet
	trades      map[string]*CopyTrade
	openByToken map[string]string // chain|token -> trade id
	skipped     map[string]string // chain|token|wallet -> trade id
	rugs        map[string]*RugRecord
	history     map[string][]WalletTrade
	clusters    map[string][]string

	now func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     make(map[string]*TrackedWallet),
		trades:      make(map[string]*CopyTrade),
		openByToken: make(map[string]string),
		skipped:     make(map[string]string),
		rugs:        make(map[string]*RugRecord),
		history:     make(map[string][]WalletTrade),
		clusters:    make(map[string][]string),
		now:         time.Now,
	}
}

func key(parts ...string) string {
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, "|")
}

func (s *MemoryStore) TrackedWallets(_ context.Context) ([]TrackedWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TrackedWallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

func (s *MemoryStore) TrackedWallet(_ context.Context, chain, address string) (TrackedWallet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[key(chain, address)]
	if !ok {
		return TrackedWallet{}, false, nil
	}
	return *w, true, nil
}

func (s *MemoryStore) UpsertWallet(_ context.Context, w TrackedWallet) error {
	if w.Address == "" || w.Chain == "" {
		return fmt.Errorf("wallet address and chain are required")
	}
	w.Address = strings.ToLower(w.Address)
	w.Chain = strings.ToLower(w.Chain)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k := key(w.Chain, w.Address)
	if existing, ok := s.wallets[k]; ok && !existing.FirstSeen.IsZero() {
		w.FirstSeen = existing.FirstSeen
	}
	if w.FirstSeen.IsZero() {
		w.FirstSeen = now
	}
	if w.LastSeen.IsZero() {
		w.LastSeen = now
	}
	s.wallets[k] = &w
	return nil
}

func (s *MemoryStore) RecordWalletTrade(_ context.Context, t WalletTrade) error {
	t.Wallet = strings.ToLower(t.Wallet)
	t.Chain = strings.ToLower(t.Chain)
	t.Token = strings.ToLower(t.Token)
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(t.Chain, t.Wallet)
	if t.TxHash != "" {
		for _, seen := range s.history[k] {
			if seen.TxHash == t.TxHash && seen.Token == t.Token && seen.Side == t.Side {
				return nil
			}
		}
	}
	s.history[k] = append(s.history[k], t)
	return nil
}

func (s *MemoryStore) WalletHistory(_ context.Context, chain, wallet string, since time.Time) ([]WalletTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.history[key(chain, wallet)]
	out := make([]WalletTrade, 0, len(all))
	for _, t := range all {
		if !since.IsZero() && t.Timestamp.Before(since) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) WalletCluster(_ context.Context, chain, wallet string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.clusters[key(chain, wallet)]...), nil
}

// SetCluster links wallets as cluster-mates of each other.
func (s *MemoryStore) SetCluster(_ context.Context, chain string, wallets []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range wallets {
		mates := make([]string, 0, len(wallets)-1)
		for _, other := range wallets {
			if !strings.EqualFold(other, w) {
				mates = append(mates, strings.ToLower(other))
			}
		}
		s.clusters[key(chain, w)] = mates
	}
	return nil
}

// OpenTrade inserts an open position. Only one open trade may exist per
// token, and a skipped record for the same triple is replaced.
func (s *MemoryStore) OpenTrade(_ context.Context, t *CopyTrade) (*CopyTrade, error) {
	if t == nil {
		return nil, fmt.Errorf("nil trade")
	}
	t = t.Clone()
	normalizeTrade(t)

	s.mu.Lock()
	defer s.mu.Unlock()

	tokenKey := key(t.Chain, t.Token)
	if _, ok := s.openByToken[tokenKey]; ok {
		return nil, ErrDuplicateOpen
	}

	skipKey := key(t.Chain, t.Token, t.Wallet)
	if id, ok := s.skipped[skipKey]; ok {
		delete(s.trades, id)
		delete(s.skipped, skipKey)
	}

	now := s.now()
	t.ID = uuid.NewString()
	t.Status = StatusOpen
	if t.Side == "" {
		t.Side = SideBuy
	}
	if t.CurrentPrice == 0 {
		t.CurrentPrice = t.EntryPrice
	}
	if len(t.Insiders) == 0 {
		t.Insiders = []string{t.Wallet}
	}
	t.AccumulationCount = len(t.Insiders)
	t.OpenedAt = now
	t.UpdatedAt = now

	s.trades[t.ID] = t
	s.openByToken[tokenKey] = t.ID
	return t.Clone(), nil
}

// AccumulateTrade grows an open position by addUSD bought at price. The entry
// price becomes the USD-weighted average.
func (s *MemoryStore) AccumulateTrade(_ context.Context, id, wallet string, addUSD, price float64) (*CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != StatusOpen {
		return nil, ErrNotOpen
	}
	if addUSD <= 0 || price <= 0 {
		return nil, fmt.Errorf("accumulate requires positive size and price")
	}

	oldSize := decimal.NewFromFloat(t.PositionUSD)
	add := decimal.NewFromFloat(addUSD)
	total := oldSize.Add(add)

	units := add.Div(decimal.NewFromFloat(price))
	if t.EntryPrice > 0 {
		units = units.Add(oldSize.Div(decimal.NewFromFloat(t.EntryPrice)))
	}
	if units.IsPositive() {
		t.EntryPrice = total.Div(units).InexactFloat64()
	}

	t.PositionUSD = total.Round(2).InexactFloat64()
	t.CurrentPrice = price
	if !t.HasInsider(wallet) {
		t.Insiders = append(t.Insiders, strings.ToLower(wallet))
	}
	t.AccumulationCount = len(t.Insiders)
	t.UpdatedAt = s.now()
	return t.Clone(), nil
}

// UpdateTradePrice sets the current price. The peak only ever increases.
func (s *MemoryStore) UpdateTradePrice(_ context.Context, id string, price, peakPnLPct float64) (*CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != StatusOpen {
		return nil, ErrNotOpen
	}
	t.CurrentPrice = price
	if peakPnLPct > t.PeakPnLPct {
		t.PeakPnLPct = peakPnLPct
	}
	t.UpdatedAt = s.now()
	return t.Clone(), nil
}

func (s *MemoryStore) SetPoolAddress(_ context.Context, id, pool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return ErrNotFound
	}
	t.PoolAddress = strings.ToLower(pool)
	t.UpdatedAt = s.now()
	return nil
}

// CloseTrade closes an open trade at exitPrice and realizes its P&L.
func (s *MemoryStore) CloseTrade(_ context.Context, id string, exitPrice float64, reason string) (*CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != StatusOpen {
		return nil, ErrNotOpen
	}

	now := s.now()
	t.Status = StatusClosed
	t.CloseReason = reason
	t.ExitPrice = exitPrice
	t.CurrentPrice = exitPrice
	t.RealizedPnLUSD = t.PnLUSD(exitPrice)
	t.UpdatedAt = now
	t.ClosedAt = &now

	delete(s.openByToken, key(t.Chain, t.Token))
	return t.Clone(), nil
}

// RecordSkip upserts a skipped record for the (wallet, token, chain) triple.
func (s *MemoryStore) RecordSkip(_ context.Context, t *CopyTrade) (*CopyTrade, error) {
	if t == nil {
		return nil, fmt.Errorf("nil trade")
	}
	t = t.Clone()
	normalizeTrade(t)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.openByToken[key(t.Chain, t.Token)]; ok && s.trades[id].HasInsider(t.Wallet) {
		return nil, ErrOpenPosition
	}

	now := s.now()
	skipKey := key(t.Chain, t.Token, t.Wallet)
	if id, ok := s.skipped[skipKey]; ok {
		existing := s.trades[id]
		existing.SkipReason = t.SkipReason
		existing.SkipDetail = t.SkipDetail
		if t.EntryPrice > 0 {
			existing.EntryPrice = t.EntryPrice
			existing.CurrentPrice = t.EntryPrice
		}
		if t.LiquidityAtEntry > 0 {
			existing.LiquidityAtEntry = t.LiquidityAtEntry
		}
		existing.UpdatedAt = now
		return existing.Clone(), nil
	}

	t.ID = uuid.NewString()
	t.Status = StatusSkipped
	if t.Side == "" {
		t.Side = SideBuy
	}
	t.OpenedAt = now
	t.UpdatedAt = now

	s.trades[t.ID] = t
	s.skipped[skipKey] = t.ID
	return t.Clone(), nil
}

func (s *MemoryStore) Trade(_ context.Context, id string) (*CopyTrade, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

func (s *MemoryStore) ListOpenTrades(_ context.Context) ([]*CopyTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*CopyTrade, 0, len(s.openByToken))
	for _, id := range s.openByToken {
		out = append(out, s.trades[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) OpenTradesByToken(_ context.Context, chain, token string) ([]*CopyTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openByToken[key(chain, token)]
	if !ok {
		return nil, nil
	}
	return []*CopyTrade{s.trades[id].Clone()}, nil
}

func (s *MemoryStore) OpenExposureUSD(_ context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, id := range s.openByToken {
		total = total.Add(decimal.NewFromFloat(s.trades[id].PositionUSD))
	}
	return total.Round(2).InexactFloat64(), nil
}

// WalletStats derives win/loss counts from closed trades the wallet took part
// in. The loss streak counts back from the most recent close.
func (s *MemoryStore) WalletStats(_ context.Context, chain, wallet string) (WalletStats, error) {
	s.mu.RLock()
	closed := make([]*CopyTrade, 0)
	for _, t := range s.trades {
		if t.Status != StatusClosed || !strings.EqualFold(t.Chain, chain) || !t.HasInsider(wallet) {
			continue
		}
		closed = append(closed, t)
	}
	s.mu.RUnlock()

	sort.Slice(closed, func(i, j int) bool { return closed[i].ClosedAt.Before(*closed[j].ClosedAt) })

	var stats WalletStats
	for _, t := range closed {
		stats.Closed++
		if t.RealizedPnLUSD > 0 {
			stats.Wins++
			stats.ConsecutiveLosses = 0
		} else {
			stats.Losses++
			stats.ConsecutiveLosses++
		}
	}
	return stats, nil
}

func (s *MemoryStore) IncrementRug(_ context.Context, chain, token string) (RugRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(chain, token)
	r, ok := s.rugs[k]
	if !ok {
		r = &RugRecord{Token: strings.ToLower(token), Chain: strings.ToLower(chain)}
		s.rugs[k] = r
	}
	r.Count++
	r.LastRugAt = s.now()
	return *r, nil
}

func (s *MemoryStore) RugRecord(_ context.Context, chain, token string) (RugRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rugs[key(chain, token)]; ok {
		return *r, nil
	}
	return RugRecord{Token: strings.ToLower(token), Chain: strings.ToLower(chain)}, nil
}

func normalizeTrade(t *CopyTrade) {
	t.Wallet = strings.ToLower(t.Wallet)
	t.Token = strings.ToLower(t.Token)
	t.Chain = strings.ToLower(t.Chain)
	t.PoolAddress = strings.ToLower(t.PoolAddress)
	for i, w := range t.Insiders {
		t.Insiders[i] = strings.ToLower(w)
	}
}
