package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"copybot/clients/logstream"
	"copybot/config"
	"copybot/internal/store"

	"github.com/ethereum/go-ethereum/common"
)

func TestEvaluateRug(t *testing.T) {
	tests := []struct {
		name     string
		current  float64
		maxEntry float64
		want     bool
	}{
		{"drained", 0, 10000, true},
		{"negative", -5, 10000, true},
		{"below floor", 900, 1200, true},
		{"60% drop", 4000, 10000, true},
		{"exactly 50% drop", 5000, 10000, false},
		{"small drop", 9000, 10000, false},
		{"grew", 20000, 10000, false},
		{"no entry reference", 5000, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateRug(tt.current, tt.maxEntry, 1000, 50); got != tt.want {
				t.Errorf("EvaluateRug(%v, %v) = %v, want %v", tt.current, tt.maxEntry, got, tt.want)
			}
		})
	}
}

// openTestTrade opens a position through the trader so it carries real
// entry data.
func openTestTrade(t *testing.T, f *traderFixture, wallet, token, pool string, price, liquidity float64) *store.CopyTrade {
	t.Helper()
	f.track("base", wallet, 80)
	f.tokens.set(token, price, liquidity, pool)
	if err := f.buy("base", wallet, token, len(f.bus.all())+1); err != nil {
		t.Fatalf("buy: %v", err)
	}
	open, _ := f.store.OpenTradesByToken(context.Background(), "base", token)
	if len(open) != 1 {
		t.Fatalf("expected open trade on %s", token)
	}
	return open[0]
}

func TestHandleBurn_RugIncrementsOnce(t *testing.T) {
	ctx := context.Background()
	f := newTraderFixture()
	token, pool := testAddr(100), testAddr(200)
	openTestTrade(t, f, testAddr(1), token, pool, 0.001, 10000)
	f.track("base", testAddr(2), 80)
	_ = f.buy("base", testAddr(2), token, 100) // second insider, same position

	liq := NewLiquiditySubscriptions(nil, DefaultLiquidityConfig(), nil, f.store, f.tokens, f.trader, f.bus, f.locks, nil, nil, nil)
	defer liq.Stop()

	f.tokens.set(token, 0.001, 0, pool)
	if got := liq.HandleBurn(ctx, "base", token, pool); got != rugConfirmed {
		t.Fatalf("expected rug, got %s", got)
	}
	// A second burn in the same drain finds nothing open.
	if got := liq.HandleBurn(ctx, "base", token, pool); got != rugNoPosition {
		t.Fatalf("expected no_position, got %s", got)
	}

	rug, _ := f.store.RugRecord(ctx, "base", token)
	if rug.Count != 1 {
		t.Errorf("expected a single rug increment, got %d", rug.Count)
	}
}

func TestHandleBurn_BenignSchedulesOneRecheck(t *testing.T) {
	ctx := context.Background()
	f := newTraderFixture()
	token, pool := testAddr(100), testAddr(200)
	openTestTrade(t, f, testAddr(1), token, pool, 0.001, 10000)

	cfg := DefaultLiquidityConfig()
	cfg.RecheckDelay = time.Hour
	liq := NewLiquiditySubscriptions(nil, cfg, nil, f.store, f.tokens, f.trader, f.bus, f.locks, nil, nil, nil)
	defer liq.Stop()

	f.tokens.set(token, 0.001, 9000, pool)
	if got := liq.HandleBurn(ctx, "base", token, pool); got != rugRecheck {
		t.Fatalf("expected recheck scheduled, got %s", got)
	}
	if got := liq.HandleBurn(ctx, "base", token, pool); got != rugBenign {
		t.Fatalf("expected benign while a recheck is pending, got %s", got)
	}

	open, _ := f.store.OpenTradesByToken(ctx, "base", token)
	if len(open) != 1 {
		t.Error("benign burn must not close the position")
	}
}

func TestHandleBurn_RecheckCatchesSlowRug(t *testing.T) {
	ctx := context.Background()
	f := newTraderFixture()
	token, pool := testAddr(100), testAddr(200)
	openTestTrade(t, f, testAddr(1), token, pool, 0.001, 10000)

	cfg := DefaultLiquidityConfig()
	cfg.RecheckDelay = 20 * time.Millisecond
	liq := NewLiquiditySubscriptions(nil, cfg, nil, f.store, f.tokens, f.trader, f.bus, f.locks, nil, nil, nil)
	defer liq.Stop()

	f.tokens.set(token, 0.001, 9000, pool)
	if got := liq.HandleBurn(ctx, "base", token, pool); got != rugRecheck {
		t.Fatalf("expected recheck scheduled, got %s", got)
	}
	f.tokens.set(token, 0.001, 500, pool)

	waitFor(t, "recheck close", func() bool {
		open, _ := f.store.OpenTradesByToken(ctx, "base", token)
		return len(open) == 0
	})
	rug, _ := f.store.RugRecord(ctx, "base", token)
	if rug.Count != 1 {
		t.Errorf("expected rug recorded by recheck, got %d", rug.Count)
	}
}

func TestHandleBurn_UnavailableQueuesRetry(t *testing.T) {
	ctx := context.Background()
	f := newTraderFixture()
	token, pool := testAddr(100), testAddr(200)
	openTestTrade(t, f, testAddr(1), token, pool, 0.001, 10000)

	liq := NewLiquiditySubscriptions(nil, DefaultLiquidityConfig(), nil, f.store, f.tokens, f.trader, f.bus, f.locks, nil, nil, nil)
	defer liq.Stop()

	f.tokens.setErr(errBoom)
	if got := liq.HandleBurn(ctx, "base", token, pool); got != rugUnavailable {
		t.Fatalf("expected unavailable, got %s", got)
	}
	if liq.PendingRetries() != 1 {
		t.Fatalf("expected 1 queued retry, got %d", liq.PendingRetries())
	}

	// Data comes back drained; the next sync runs the queued check.
	f.tokens.setErr(nil)
	f.tokens.set(token, 0.001, 0, pool)
	liq.Sync(ctx)

	if liq.PendingRetries() != 0 {
		t.Errorf("expected retries drained, got %d", liq.PendingRetries())
	}
	open, _ := f.store.OpenTradesByToken(ctx, "base", token)
	if len(open) != 0 {
		t.Error("expected retried check to close the position")
	}
}

func TestLiquiditySubscriptions_StreamBurnClosesPosition(t *testing.T) {
	ctx := context.Background()
	f := newTraderFixture()
	token, pool := testAddr(100), testAddr(200)
	openTestTrade(t, f, testAddr(1), token, pool, 0.001, 10000)

	dialer := &fakeDialer{}
	chains := []config.ChainConfig{{Name: "base", StreamURL: "wss://example.invalid"}}
	liq := NewLiquiditySubscriptions(nil, DefaultLiquidityConfig(), chains, f.store, f.tokens, f.trader, f.bus, f.locks, nil, dialer.dial, nil)
	defer liq.Stop()

	liq.Sync(ctx)
	waitFor(t, "pool subscription", func() bool {
		c := dialer.last()
		return c != nil && c.subscribeCount() == 1
	})
	conn := dialer.last()

	filter := conn.filters()[0]
	if len(filter.Addresses) != 1 || filter.Addresses[0] != common.HexToAddress(pool) {
		t.Fatalf("expected filter on pool, got %+v", filter.Addresses)
	}

	conn.ackAll(1)
	waitFor(t, "ack", func() bool {
		st := liq.Status()
		return len(st) == 1 && st[0].Subscriptions == 1
	})

	f.tokens.set(token, 0.001, 0, pool)
	conn.push(logstream.Message{Kind: logstream.KindLog, SubscriptionID: "0xsub1", Log: burnLog(pool, 7)})

	waitFor(t, "rug close", func() bool {
		open, _ := f.store.OpenTradesByToken(ctx, "base", token)
		return len(open) == 0
	})
	waitFor(t, "pool unsubscribed", func() bool { return conn.unsubscribeCount() == 1 })
}

func TestLiquiditySubscriptions_ResolvesMissingPool(t *testing.T) {
	ctx := context.Background()
	f := newTraderFixture()
	token, pool := testAddr(100), testAddr(200)

	tr, err := f.store.OpenTrade(ctx, &store.CopyTrade{Wallet: testAddr(1), Token: token, Chain: "base", EntryPrice: 1, PositionUSD: 100})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.tokens.set(token, 1, 10000, pool)

	liq := NewLiquiditySubscriptions(nil, DefaultLiquidityConfig(), nil, f.store, f.tokens, f.trader, f.bus, f.locks, nil, nil, nil)
	defer liq.Stop()
	liq.Sync(ctx)

	got, _, _ := f.store.Trade(ctx, tr.ID)
	if got.PoolAddress != pool {
		t.Errorf("expected pool %s resolved, got %q", pool, got.PoolAddress)
	}
}

// multiOpenStore holds several open trades on one token, which the memory
// store itself never allows.
type multiOpenStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	extra  map[string]*store.CopyTrade
	closes int
}

func newMultiOpenStore(trades ...*store.CopyTrade) *multiOpenStore {
	s := &multiOpenStore{MemoryStore: store.NewMemoryStore(), extra: make(map[string]*store.CopyTrade)}
	for _, t := range trades {
		t.Status = store.StatusOpen
		s.extra[t.ID] = t
	}
	return s
}

func (s *multiOpenStore) OpenTradesByToken(ctx context.Context, chain, token string) ([]*store.CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.CopyTrade
	for _, t := range s.extra {
		if t.Status == store.StatusOpen && strings.EqualFold(t.Chain, chain) && strings.EqualFold(t.Token, token) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *multiOpenStore) CloseTrade(ctx context.Context, id string, exitPrice float64, reason string) (*store.CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.extra[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != store.StatusOpen {
		return nil, store.ErrNotOpen
	}
	t.Status = store.StatusClosed
	t.CloseReason = reason
	t.ExitPrice = exitPrice
	t.RealizedPnLUSD = t.PnLUSD(exitPrice)
	s.closes++
	return t.Clone(), nil
}

func multiOpenFixture(n int, token, pool string) (*traderFixture, *multiOpenStore) {
	f := newTraderFixture()
	trades := make([]*store.CopyTrade, 0, n)
	for i := 0; i < n; i++ {
		trades = append(trades, &store.CopyTrade{
			ID:               fmt.Sprintf("trade-%d", i),
			Wallet:           testAddr(i + 1),
			Token:            token,
			Chain:            "base",
			EntryPrice:       0.001,
			CurrentPrice:     0.001,
			PositionUSD:      100,
			LiquidityAtEntry: 10000,
			PoolAddress:      pool,
			Insiders:         []string{testAddr(i + 1)},
		})
	}
	ms := newMultiOpenStore(trades...)
	f.trader = NewCopyTrader(nil, ms, f.engine, f.breaker, f.tokens, f.safety, f.decimals, nil, f.bus, f.locks, nil)
	return f, ms
}

func TestHandleBurn_ClosesEveryOpenTradeOnce(t *testing.T) {
	ctx := context.Background()
	token, pool := testAddr(100), testAddr(200)
	f, ms := multiOpenFixture(3, token, pool)

	liq := NewLiquiditySubscriptions(nil, DefaultLiquidityConfig(), nil, ms, f.tokens, f.trader, f.bus, f.locks, nil, nil, nil)
	defer liq.Stop()

	f.tokens.set(token, 0.001, 0, pool)
	if got := liq.HandleBurn(ctx, "base", token, pool); got != rugConfirmed {
		t.Fatalf("expected rug, got %s", got)
	}

	if ms.closes != 3 {
		t.Errorf("expected 3 closes, got %d", ms.closes)
	}
	closed := f.bus.kinds(EventClosed)
	if len(closed) != 3 {
		t.Fatalf("expected 3 closed events, got %d", len(closed))
	}
	for _, ev := range closed {
		if ev.Reason != CloseLiquidityRug {
			t.Errorf("expected liquidity_rug, got %s", ev.Reason)
		}
	}
	rug, _ := ms.RugRecord(ctx, "base", token)
	if rug.Count != 1 {
		t.Errorf("expected one rug increment for 3 trades, got %d", rug.Count)
	}
	if len(f.bus.kinds(EventRugDetected)) != 1 {
		t.Error("expected a single rug_detected event")
	}
}

func TestCloseToken_ClosesEveryOpenTrade(t *testing.T) {
	ctx := context.Background()
	token := testAddr(100)
	f, ms := multiOpenFixture(4, token, testAddr(200))

	n, err := f.trader.CloseToken(ctx, "base", token, 0.002, CloseInsiderExited, "sold", testAddr(1))
	if err != nil {
		t.Fatalf("close token: %v", err)
	}
	if n != 4 || ms.closes != 4 {
		t.Errorf("expected 4 closes, got %d / %d", n, ms.closes)
	}
	if open, _ := ms.OpenTradesByToken(ctx, "base", token); len(open) != 0 {
		t.Errorf("expected nothing open, got %d", len(open))
	}
	if n, _ := f.trader.CloseToken(ctx, "base", token, 0.002, CloseInsiderExited, "sold", testAddr(1)); n != 0 {
		t.Errorf("second close should find nothing, got %d", n)
	}
}

func TestHandleBurnLog_DedupsByTxAndPool(t *testing.T) {
	ctx := context.Background()
	f := newTraderFixture()
	token, pool := testAddr(100), testAddr(200)
	openTestTrade(t, f, testAddr(1), token, pool, 0.001, 10000)

	cfg := DefaultLiquidityConfig()
	cfg.RecheckDelay = time.Hour
	dedup := NewDedupWindow(nil, time.Hour)
	liq := NewLiquiditySubscriptions(nil, cfg, nil, f.store, f.tokens, f.trader, f.bus, f.locks, dedup, nil, nil)
	defer liq.Stop()

	// No data yet: the log stays eligible for redelivery.
	f.tokens.setErr(errBoom)
	key := BurnDedupKey("base", "0x07", pool)
	if got := liq.handleBurnLog(ctx, "base", token, pool, key); got != rugUnavailable {
		t.Fatalf("expected unavailable, got %s", got)
	}
	if dedup.Seen(key) {
		t.Fatal("unavailable check must not mark the log")
	}

	f.tokens.setErr(nil)
	f.tokens.set(token, 0.001, 9000, pool)
	if got := liq.handleBurnLog(ctx, "base", token, pool, key); got != rugRecheck {
		t.Fatalf("expected recheck, got %s", got)
	}
	calls := f.tokens.callCount()
	if got := liq.handleBurnLog(ctx, "base", token, pool, key); got != rugDuplicate {
		t.Fatalf("expected duplicate, got %s", got)
	}
	if f.tokens.callCount() != calls {
		t.Error("duplicate log should not look up liquidity")
	}

	// Same tx on another pool is its own event.
	if BurnDedupKey("base", "0x07", testAddr(201)) == key {
		t.Error("expected pool in the key")
	}
}

func TestLiquiditySubscriptions_RepeatedBurnLogChecksOnce(t *testing.T) {
	ctx := context.Background()
	f := newTraderFixture()
	token, pool := testAddr(100), testAddr(200)
	openTestTrade(t, f, testAddr(1), token, pool, 0.001, 10000)

	cfg := DefaultLiquidityConfig()
	cfg.RecheckDelay = time.Hour
	dialer := &fakeDialer{}
	chains := []config.ChainConfig{{Name: "base", StreamURL: "wss://example.invalid"}}
	liq := NewLiquiditySubscriptions(nil, cfg, chains, f.store, f.tokens, f.trader, f.bus, f.locks, NewDedupWindow(nil, time.Hour), dialer.dial, nil)

	liq.Sync(ctx)
	waitFor(t, "pool subscription", func() bool {
		c := dialer.last()
		return c != nil && c.subscribeCount() == 1
	})
	conn := dialer.last()
	conn.ackAll(1)
	waitFor(t, "ack", func() bool {
		st := liq.Status()
		return len(st) == 1 && st[0].Subscriptions == 1
	})

	f.tokens.set(token, 0.001, 9000, pool)
	base := f.tokens.callCount()
	for _, tx := range []int{7, 7, 8} {
		conn.push(logstream.Message{Kind: logstream.KindLog, SubscriptionID: "0xsub1", Log: burnLog(pool, tx)})
	}

	waitFor(t, "two checks", func() bool { return f.tokens.callCount() >= base+2 })
	liq.Stop()

	if got := f.tokens.callCount() - base; got != 2 {
		t.Errorf("expected one check per distinct burn, got %d", got)
	}
}
