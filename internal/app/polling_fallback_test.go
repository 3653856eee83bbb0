package app

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"copybot/clients/explorer"
	"copybot/config"
	"copybot/internal/store"
)

type streamingFlag bool

func (s streamingFlag) IsStreaming(chain string) bool { return bool(s) }

type signalRecorder struct {
	mu      sync.Mutex
	signals []TransferSignal
	failTx  map[string]bool
}

func (r *signalRecorder) HandleSignal(ctx context.Context, sig TransferSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTx[sig.TxHash] {
		return errBoom
	}
	r.signals = append(r.signals, sig)
	return nil
}

func (r *signalRecorder) all() []TransferSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TransferSignal(nil), r.signals...)
}

type pollFixture struct {
	chain    config.ChainConfig
	wallet   string
	token    string
	router   string
	history  *mockHistory
	recorder *signalRecorder
	poller   *PollingFallback
}

func newPollFixture(streaming bool) *pollFixture {
	f := &pollFixture{
		wallet:   testAddr(1),
		token:    testAddr(100),
		router:   testAddr(900),
		history:  newMockHistory(),
		recorder: &signalRecorder{failTx: map[string]bool{}},
	}
	f.chain = config.ChainConfig{
		Name:        "base",
		ExplorerURL: "https://api.basescan.org/api",
		DexRouters:  []string{f.router},
	}
	wallets := &staticWallets{}
	wallets.set("base", f.wallet)

	gate := NewSignalGate(nil, NewDedupWindow(nil, time.Hour), nil, f.recorder, nil)
	f.poller = NewPollingFallback(nil, DefaultPollingConfig(), []config.ChainConfig{f.chain}, wallets, f.history, streamingFlag(streaming), gate, nil)
	return f
}

func (f *pollFixture) transfer(hash string, block uint64, from, to string, age time.Duration) {
	f.history.add(f.wallet, explorer.TokenTransfer{
		Hash:      hash,
		Block:     block,
		Token:     f.token,
		Symbol:    "TKN",
		Decimals:  18,
		From:      from,
		To:        to,
		Value:     big.NewInt(1000),
		Timestamp: time.Now().Add(-age),
	})
}

func TestPollingFallback_BuyAndSell(t *testing.T) {
	f := newPollFixture(false)
	f.transfer("0xa1", 10, testAddr(500), f.wallet, time.Minute) // buy
	f.transfer("0xa2", 11, f.wallet, f.router, 30*time.Second)   // sell into router
	f.transfer("0xa3", 12, f.wallet, testAddr(501), time.Second) // plain send, ignored

	f.poller.Poll(context.Background())

	got := f.recorder.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(got))
	}
	if got[0].Side != store.SideBuy || got[1].Side != store.SideSell {
		t.Errorf("expected buy then sell, got %s then %s", got[0].Side, got[1].Side)
	}
	if got[0].Source != SourcePoll || got[0].Symbol != "TKN" || got[0].Decimals != 18 {
		t.Errorf("unexpected signal %+v", got[0])
	}
}

func TestPollingFallback_CursorSkipsSeen(t *testing.T) {
	f := newPollFixture(false)
	f.transfer("0xb1", 10, testAddr(500), f.wallet, time.Minute)
	f.poller.Poll(context.Background())

	f.transfer("0xb2", 11, testAddr(500), f.wallet, time.Second)
	f.poller.Poll(context.Background())

	got := f.recorder.all()
	if len(got) != 2 || got[1].TxHash != "0xb2" {
		t.Fatalf("expected only the new transfer on second poll, got %+v", got)
	}
}

func TestPollingFallback_FailureRetriedNextPoll(t *testing.T) {
	f := newPollFixture(false)
	f.transfer("0xc1", 10, testAddr(500), f.wallet, time.Minute)
	f.transfer("0xc2", 11, testAddr(500), f.wallet, time.Second)
	f.recorder.failTx["0xc1"] = true

	f.poller.Poll(context.Background())
	if len(f.recorder.all()) != 0 {
		t.Fatal("nothing after a failed transfer should be handed off")
	}

	delete(f.recorder.failTx, "0xc1")
	f.poller.Poll(context.Background())
	got := f.recorder.all()
	if len(got) != 2 || got[0].TxHash != "0xc1" {
		t.Fatalf("expected both transfers in order on retry, got %+v", got)
	}
}

func TestPollingFallback_LookbackWindow(t *testing.T) {
	f := newPollFixture(false)
	f.transfer("0xd1", 10, testAddr(500), f.wallet, time.Hour)

	f.poller.Poll(context.Background())
	if len(f.recorder.all()) != 0 {
		t.Error("transfers older than the lookback should be ignored")
	}
}

func TestPollingFallback_SkipsStreamingChains(t *testing.T) {
	f := newPollFixture(true)
	f.transfer("0xe1", 10, testAddr(500), f.wallet, time.Minute)

	f.poller.Poll(context.Background())
	if f.history.calls != 0 {
		t.Errorf("expected no explorer calls while streaming, got %d", f.history.calls)
	}
}

func TestPollingFallback_RateLimitCooldown(t *testing.T) {
	f := newPollFixture(false)
	f.history.err = explorer.ErrRateLimited

	f.poller.Poll(context.Background())
	if !f.poller.CoolingDown("base") {
		t.Fatal("expected cooldown after rate limit")
	}

	f.poller.Poll(context.Background())
	if f.history.calls != 1 {
		t.Errorf("expected no calls during cooldown, got %d", f.history.calls)
	}

	f.poller.now = func() time.Time { return time.Now().Add(time.Hour) }
	if f.poller.CoolingDown("base") {
		t.Error("cooldown should expire")
	}
}

func TestPollCursor_Before(t *testing.T) {
	c := pollCursor{block: 10, logIndex: 3}
	if !c.before(11, 0) || !c.before(10, 4) {
		t.Error("later positions should be after the cursor")
	}
	if c.before(10, 3) || c.before(9, 99) {
		t.Error("same or earlier positions should not be after the cursor")
	}
}
