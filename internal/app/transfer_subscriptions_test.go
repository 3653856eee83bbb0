package app

import (
	"context"
	"testing"
	"time"

	"copybot/clients/logstream"
	"copybot/config"
	"copybot/internal/evm"
	"copybot/internal/store"

	"github.com/ethereum/go-ethereum/common"
)

func TestClassifyTransfer(t *testing.T) {
	w := common.HexToAddress(testAddr(1))
	router := common.HexToAddress(testAddr(900))
	other := common.HexToAddress(testAddr(500))
	watched := evm.NewAddressSet([]string{testAddr(1)})
	routers := evm.NewAddressSet([]string{testAddr(900)})

	tests := []struct {
		name     string
		from, to common.Address
		side     store.Side
		ok       bool
	}{
		{"buy", other, w, store.SideBuy, true},
		{"buy from router", router, w, store.SideBuy, true},
		{"sell into router", w, router, store.SideSell, true},
		{"plain send", w, other, "", false},
		{"unrelated", other, router, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			who, side, ok := classifyTransfer(tt.from, tt.to, watched, routers)
			if ok != tt.ok || side != tt.side {
				t.Fatalf("classifyTransfer = %s/%v, want %s/%v", side, ok, tt.side, tt.ok)
			}
			if ok && who != w {
				t.Errorf("expected wallet %s, got %s", w.Hex(), who.Hex())
			}
		})
	}
}

type streamFixture struct {
	wallets  *staticWallets
	dialer   *fakeDialer
	recorder *signalRecorder
	subs     *TransferSubscriptions
}

func newStreamFixture(routers []string, stream StreamConfig) *streamFixture {
	f := &streamFixture{
		wallets:  &staticWallets{},
		dialer:   &fakeDialer{},
		recorder: &signalRecorder{failTx: map[string]bool{}},
	}
	f.wallets.set("base", testAddr(1))

	chains := []config.ChainConfig{{Name: "base", StreamURL: "wss://example.invalid", DexRouters: routers}}
	gate := NewSignalGate(nil, NewDedupWindow(nil, time.Hour), nil, f.recorder, nil)
	cfg := DefaultTransferSubscriptionsConfig()
	cfg.Stream = stream
	f.subs = NewTransferSubscriptions(nil, cfg, chains, f.wallets, gate, f.dialer.dial, nil)
	return f
}

func TestTransferSubscriptions_SubscribeAndDispatch(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture([]string{testAddr(900)}, DefaultStreamConfig())
	defer f.subs.Stop()

	f.subs.Sync(ctx)
	waitFor(t, "buy and sell subscriptions", func() bool {
		c := f.dialer.last()
		return c != nil && c.subscribeCount() == 2
	})
	conn := f.dialer.last()

	filters := conn.filters()
	wallet := evm.PadAddress(common.HexToAddress(testAddr(1)))
	router := evm.PadAddress(common.HexToAddress(testAddr(900)))
	if filters[0].Topics[0][0] != evm.TransferEvent || filters[0].Topics[2][0] != wallet || len(filters[0].Topics[1]) != 0 {
		t.Errorf("unexpected buy filter %+v", filters[0].Topics)
	}
	if filters[1].Topics[1][0] != wallet || filters[1].Topics[2][0] != router {
		t.Errorf("unexpected sell filter %+v", filters[1].Topics)
	}

	if f.subs.IsStreaming("base") {
		t.Error("should not count as streaming before acks")
	}
	conn.ackAll(1)
	waitFor(t, "streaming", func() bool { return f.subs.IsStreaming("base") })

	conn.push(logstream.Message{
		Kind:           logstream.KindLog,
		SubscriptionID: "0xsub1",
		Log:            transferLog(testAddr(100), testAddr(500), testAddr(1), 1000, 1),
	})
	waitFor(t, "buy signal", func() bool { return len(f.recorder.all()) == 1 })

	sig := f.recorder.all()[0]
	if sig.Side != store.SideBuy || sig.Wallet != testAddr(1) || sig.Token != testAddr(100) {
		t.Errorf("unexpected signal %+v", sig)
	}
	if sig.Source != SourceStream || sig.Decimals != -1 {
		t.Errorf("expected stream signal with unknown decimals, got %+v", sig)
	}
}

func TestTransferSubscriptions_ReplaceOnWalletChange(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture([]string{testAddr(900)}, DefaultStreamConfig())
	defer f.subs.Stop()

	f.subs.Sync(ctx)
	waitFor(t, "subscriptions", func() bool {
		c := f.dialer.last()
		return c != nil && c.subscribeCount() == 2
	})
	conn := f.dialer.last()
	conn.ackAll(1)
	waitFor(t, "streaming", func() bool { return f.subs.IsStreaming("base") })

	// Same set: nothing changes.
	f.subs.Sync(ctx)
	if conn.subscribeCount() != 2 || conn.unsubscribeCount() != 0 {
		t.Fatalf("unchanged set should not resubscribe")
	}

	f.wallets.set("base", testAddr(1), testAddr(2))
	f.subs.Sync(ctx)

	if conn.unsubscribeCount() != 2 {
		t.Errorf("expected both old subscriptions dropped, got %d", conn.unsubscribeCount())
	}
	if conn.subscribeCount() != 4 {
		t.Errorf("expected fresh buy and sell subscriptions, got %d total", conn.subscribeCount())
	}
	if f.dialer.count() != 1 {
		t.Errorf("replacement should reuse the connection, got %d dials", f.dialer.count())
	}
	st := f.subs.Status()
	if len(st) != 1 || st[0].Watched != 2 || st[0].Pending != 2 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestTransferSubscriptions_NoRoutersBuyOnly(t *testing.T) {
	f := newStreamFixture(nil, DefaultStreamConfig())
	defer f.subs.Stop()

	f.subs.Sync(context.Background())
	waitFor(t, "buy subscription", func() bool {
		c := f.dialer.last()
		return c != nil && c.subscribeCount() == 1
	})
}

func TestTransferSubscriptions_EmptySetClosesStream(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(nil, DefaultStreamConfig())
	defer f.subs.Stop()

	f.subs.Sync(ctx)
	waitFor(t, "connection", func() bool { return f.dialer.last() != nil })
	conn := f.dialer.last()

	f.wallets.set("base")
	f.subs.Sync(ctx)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("expected connection closed")
	}
	if len(f.subs.Status()) != 0 {
		t.Errorf("expected no live chains, got %+v", f.subs.Status())
	}
}

func TestTransferSubscriptions_RateLimitFallsBack(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture(nil, StreamConfig{
		BackoffBase:         time.Millisecond,
		BackoffMax:          2 * time.Millisecond,
		RateLimitMaxRetries: 2,
	})
	defer f.subs.Stop()
	f.dialer.setErr(&logstream.HandshakeError{StatusCode: 429})

	f.subs.Sync(ctx)
	waitFor(t, "fallback", func() bool {
		st := f.subs.Status()
		return len(st) == 1 && st[0].FellBack
	})

	f.dialer.setErr(nil)
	f.subs.Sync(ctx)
	if f.dialer.count() != 0 {
		t.Error("a fallen-back chain must not reconnect")
	}
	if f.subs.IsStreaming("base") {
		t.Error("fallen-back chain is not streaming")
	}
}

func TestTransferSubscriptions_ReplaceBeforeAckDropsLateSubscriptions(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture([]string{testAddr(900)}, DefaultStreamConfig())
	defer f.subs.Stop()

	f.subs.Sync(ctx)
	waitFor(t, "subscriptions", func() bool {
		c := f.dialer.last()
		return c != nil && c.subscribeCount() == 2
	})
	conn := f.dialer.last()

	// The wallet set changes while both subscribes are still in flight.
	f.wallets.set("base", testAddr(1), testAddr(2))
	f.subs.Sync(ctx)
	if conn.subscribeCount() != 4 {
		t.Fatalf("expected fresh subscriptions, got %d total", conn.subscribeCount())
	}

	// Acks for the replaced and the fresh subscribes both arrive.
	conn.ackAll(1)
	waitFor(t, "late subscriptions dropped", func() bool { return conn.unsubscribeCount() == 2 })
	waitFor(t, "streaming", func() bool { return f.subs.IsStreaming("base") })

	conn.mu.Lock()
	dropped := append([]string(nil), conn.unsubscribes...)
	conn.mu.Unlock()
	if dropped[0] != "0xsub1" || dropped[1] != "0xsub2" {
		t.Errorf("expected the replaced subscriptions dropped, got %v", dropped)
	}
	st := f.subs.Status()
	if len(st) != 1 || st[0].Subscriptions != 2 || st[0].Pending != 0 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestTransferSubscriptions_ReconnectsAfterDrop(t *testing.T) {
	ctx := context.Background()
	f := newStreamFixture([]string{testAddr(900)}, StreamConfig{
		BackoffBase:         5 * time.Millisecond,
		BackoffMax:          20 * time.Millisecond,
		RateLimitMaxRetries: 5,
	})
	defer f.subs.Stop()

	f.subs.Sync(ctx)
	waitFor(t, "subscriptions", func() bool {
		c := f.dialer.last()
		return c != nil && c.subscribeCount() == 2
	})
	first := f.dialer.last()
	first.ackAll(1)
	waitFor(t, "streaming", func() bool { return f.subs.IsStreaming("base") })

	// Drop the connection while dials fail; state clears and the stream
	// keeps retrying.
	f.dialer.setErr(errBoom)
	first.Close()
	waitFor(t, "state cleared", func() bool {
		st := f.subs.Status()
		return len(st) == 1 && !st[0].Connected && st[0].Subscriptions == 0 && st[0].Pending == 0
	})
	if f.subs.IsStreaming("base") {
		t.Error("a dropped chain is not streaming")
	}

	f.dialer.setErr(nil)
	waitFor(t, "redial", func() bool { return f.dialer.count() == 2 })
	second := f.dialer.last()
	waitFor(t, "resubscribe", func() bool { return second.subscribeCount() == 2 })
	if first.subscribeCount() != 2 {
		t.Errorf("old connection should see no new subscribes, got %d", first.subscribeCount())
	}

	second.ackAll(10)
	waitFor(t, "streaming again", func() bool { return f.subs.IsStreaming("base") })
}
