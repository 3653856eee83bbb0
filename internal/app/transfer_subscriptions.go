package app

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"copybot/clients/logstream"
	"copybot/config"
	"copybot/internal/evm"
	"copybot/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	purposeBuy  = "buy"
	purposeSell = "sell"

	managerTransfer  = "transfer"
	managerLiquidity = "liquidity"
)

// ChainStatus is a chain's streaming state for /stats.
type ChainStatus struct {
	Chain         string `json:"chain"`
	Connected     bool   `json:"connected"`
	FellBack      bool   `json:"fell_back"`
	Watched       int    `json:"watched"`
	Subscriptions int    `json:"subscriptions"`
	Pending       int    `json:"pending"`
}

// classifyTransfer decides whether a transfer is an insider buy or sell.
// Membership is tested against local sets only.
func classifyTransfer(from, to common.Address, watched, routers evm.AddressSet) (common.Address, store.Side, bool) {
	if watched.Has(to) {
		return to, store.SideBuy, true
	}
	if watched.Has(from) && routers.Has(to) {
		return from, store.SideSell, true
	}
	return common.Address{}, "", false
}

// transferChain is one chain's connection and subscription state. It is
// rebuilt on every reconnect.
type transferChain struct {
	m      *TransferSubscriptions
	name   string
	stream *chainStream

	mu         sync.Mutex
	conn       StreamConn
	desired    evm.AddressSet
	desiredKey string
	routers    evm.AddressSet
	watched    evm.AddressSet      // Snapshot the live subscriptions were built from
	pending    map[uint64]string   // correlation id -> purpose
	active     map[string]string   // purpose -> subscription id
	subPurpose map[string]string   // subscription id -> purpose
	superseded map[uint64]struct{} // replaced before their ack; dropped when it arrives
}

func (c *transferChain) resetLocked() {
	c.conn = nil
	c.watched = nil
	c.pending = make(map[uint64]string)
	c.active = make(map[string]string)
	c.subPurpose = make(map[string]string)
	c.superseded = make(map[uint64]struct{})
}

func (c *transferChain) onConnected(conn StreamConn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
	c.conn = conn
	c.subscribeLocked()
}

// subscribeLocked snapshots the desired set and issues the buy and sell
// subscriptions.
func (c *transferChain) subscribeLocked() {
	if c.conn == nil || len(c.desired) == 0 {
		return
	}
	c.watched = c.desired
	padded := evm.PadAddresses(c.watched.Slice())

	buy := logstream.FilterQuery{
		Topics: [][]common.Hash{{evm.TransferEvent}, nil, padded},
	}
	if id, err := c.conn.Subscribe(buy); err != nil {
		c.m.logger.Warn("buy subscribe failed", zap.String("chain", c.name), zap.Error(err))
	} else {
		c.pending[id] = purposeBuy
	}

	if len(c.routers) == 0 {
		c.m.logger.Debug("no routers configured, sell signals disabled", zap.String("chain", c.name))
		return
	}
	sell := logstream.FilterQuery{
		Topics: [][]common.Hash{{evm.TransferEvent}, padded, evm.PadAddresses(c.routers.Slice())},
	}
	if id, err := c.conn.Subscribe(sell); err != nil {
		c.m.logger.Warn("sell subscribe failed", zap.String("chain", c.name), zap.Error(err))
	} else {
		c.pending[id] = purposeSell
	}
}

// replace swaps in a new wallet set. A live connection drops both
// subscriptions and subscribes again from scratch.
func (c *transferChain) replace(set evm.AddressSet, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.desired = set
	c.desiredKey = key
	if c.conn == nil {
		return
	}

	for purpose, subID := range c.active {
		if _, err := c.conn.Unsubscribe(subID); err != nil {
			c.m.logger.Debug("unsubscribe failed",
				zap.String("chain", c.name),
				zap.String("purpose", purpose),
				zap.Error(err),
			)
		}
	}

	superseded := c.superseded
	for id := range c.pending {
		superseded[id] = struct{}{}
	}
	conn := c.conn
	c.resetLocked()
	c.conn = conn
	c.superseded = superseded
	c.m.metrics.subscriptions(managerTransfer, c.name, 0)
	c.subscribeLocked()

	c.m.logger.Info("replaced transfer subscriptions",
		zap.String("chain", c.name),
		zap.Int("wallets", len(set)),
	)
}

func (c *transferChain) onMessage(msg logstream.Message) {
	switch msg.Kind {
	case logstream.KindAck:
		c.mu.Lock()
		if _, old := c.superseded[msg.ID]; old {
			delete(c.superseded, msg.ID)
			if msg.SubscriptionID != "" && c.conn != nil {
				if _, err := c.conn.Unsubscribe(msg.SubscriptionID); err != nil {
					c.m.logger.Debug("unsubscribe failed", zap.String("chain", c.name), zap.Error(err))
				}
			}
			c.mu.Unlock()
			return
		}
		purpose, ok := c.pending[msg.ID]
		if ok && msg.SubscriptionID != "" {
			delete(c.pending, msg.ID)
			c.active[purpose] = msg.SubscriptionID
			c.subPurpose[msg.SubscriptionID] = purpose
		}
		n := len(c.active)
		c.mu.Unlock()
		if ok {
			c.m.metrics.subscriptions(managerTransfer, c.name, n)
			c.m.logger.Debug("subscription acknowledged",
				zap.String("chain", c.name),
				zap.String("purpose", purpose),
				zap.String("subscription", msg.SubscriptionID),
			)
		}

	case logstream.KindRejection:
		c.mu.Lock()
		purpose := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		delete(c.superseded, msg.ID)
		c.mu.Unlock()
		c.m.logger.Warn("subscription rejected",
			zap.String("chain", c.name),
			zap.String("purpose", purpose),
			zap.Error(msg.Err),
		)

	case logstream.KindLog:
		c.onLog(msg)
	}
}

func (c *transferChain) onLog(msg logstream.Message) {
	tr, err := evm.DecodeTransfer(msg.Log)
	if err != nil {
		c.m.logger.Debug("dropped undecodable log", zap.String("chain", c.name), zap.Error(err))
		return
	}
	if tr.Removed {
		return
	}

	c.mu.Lock()
	watched, routers := c.watched, c.routers
	_, known := c.subPurpose[msg.SubscriptionID]
	c.mu.Unlock()

	if !known && msg.SubscriptionID != "" {
		c.m.logger.Debug("log for unknown subscription",
			zap.String("chain", c.name),
			zap.String("subscription", msg.SubscriptionID),
		)
	}

	wallet, side, ok := classifyTransfer(tr.From, tr.To, watched, routers)
	if !ok {
		return
	}

	c.m.dispatch(TransferSignal{
		Chain:      c.name,
		Wallet:     evm.Lower(wallet),
		Token:      evm.Lower(tr.Token),
		Side:       side,
		TxHash:     strings.ToLower(tr.TxHash.Hex()),
		Amount:     tr.Amount,
		Decimals:   -1,
		Source:     SourceStream,
		ObservedAt: c.m.now(),
	})
}

func (c *transferChain) onDisconnected() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.m.metrics.subscriptions(managerTransfer, c.name, 0)
}

func (c *transferChain) status() ChainStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChainStatus{
		Chain:         c.name,
		Connected:     c.stream.isConnected(),
		FellBack:      c.stream.fellBack.Load(),
		Watched:       len(c.watched),
		Subscriptions: len(c.active),
		Pending:       len(c.pending),
	}
}

// TransferSubscriptionsConfig holds transfer manager settings.
type TransferSubscriptionsConfig struct {
	SyncInterval time.Duration
	Stream       StreamConfig
}

func DefaultTransferSubscriptionsConfig() TransferSubscriptionsConfig {
	return TransferSubscriptionsConfig{
		SyncInterval: 2 * time.Minute,
		Stream:       DefaultStreamConfig(),
	}
}

// TransferSubscriptions watches qualified wallets' token transfers on every
// chain with a stream URL and feeds buy and sell signals to the gate.
type TransferSubscriptions struct {
	logger  *zap.Logger
	config  TransferSubscriptionsConfig
	chains  map[string]config.ChainConfig
	wallets WalletSource
	gate    *SignalGate
	dial    StreamDialer
	metrics *Metrics

	mu       sync.Mutex
	live     map[string]*transferChain
	fellBack map[string]bool // Rate-limited out until restart

	ctx     context.Context
	syncing atomic.Bool
	wg      sync.WaitGroup // Handler goroutines
	now     func() time.Time
}

func NewTransferSubscriptions(
	logger *zap.Logger,
	cfg TransferSubscriptionsConfig,
	chains []config.ChainConfig,
	wallets WalletSource,
	gate *SignalGate,
	dial StreamDialer,
	metrics *Metrics,
) *TransferSubscriptions {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]config.ChainConfig, len(chains))
	for _, ch := range chains {
		byName[ch.Name] = ch
	}
	return &TransferSubscriptions{
		logger:   logger.Named("transfer-subs"),
		config:   cfg,
		chains:   byName,
		wallets:  wallets,
		gate:     gate,
		dial:     dial,
		metrics:  metrics,
		live:     make(map[string]*transferChain),
		fellBack: make(map[string]bool),
		ctx:      context.Background(),
		now:      time.Now,
	}
}

// Run syncs immediately, then on every interval, until ctx is canceled.
// Connections are closed before it returns.
func (m *TransferSubscriptions) Run(ctx context.Context) {
	m.ctx = ctx
	defer m.Stop()

	m.Sync(ctx)

	ticker := time.NewTicker(m.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sync(ctx)
		}
	}
}

// Sync reconciles connections with the current qualified wallet set.
// Overlapping calls return immediately.
func (m *TransferSubscriptions) Sync(ctx context.Context) {
	if !m.syncing.CompareAndSwap(false, true) {
		m.logger.Debug("transfer sync already running, skipping tick")
		return
	}
	defer m.syncing.Store(false)

	qualified, err := m.wallets.QualifiedWallets(ctx)
	if err != nil {
		m.logger.Warn("failed to load qualified wallets", zap.Error(err))
		return
	}

	names := make([]string, 0, len(m.chains))
	for name := range m.chains {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ch := m.chains[name]
		set := evm.NewAddressSet(qualified[name])
		m.syncChain(ctx, ch, set)
	}
}

func (m *TransferSubscriptions) syncChain(ctx context.Context, ch config.ChainConfig, set evm.AddressSet) {
	m.mu.Lock()
	c, exists := m.live[ch.Name]
	if exists && c.stream.fellBack.Load() {
		delete(m.live, ch.Name)
		m.fellBack[ch.Name] = true
		exists = false
	}
	fellBack := m.fellBack[ch.Name]
	m.mu.Unlock()

	if fellBack || ch.StreamURL == "" {
		return
	}

	if len(set) == 0 {
		if exists {
			m.mu.Lock()
			delete(m.live, ch.Name)
			m.mu.Unlock()
			c.stream.stop()
			m.logger.Info("no wallets left, closed transfer stream", zap.String("chain", ch.Name))
		}
		return
	}

	key := set.Key()
	if exists {
		c.mu.Lock()
		changed := c.desiredKey != key
		c.mu.Unlock()
		if changed {
			c.replace(set, key)
		}
		return
	}

	c = &transferChain{
		m:          m,
		name:       ch.Name,
		desired:    set,
		desiredKey: key,
		routers:    evm.NewAddressSet(ch.DexRouters),
	}
	c.resetLocked()
	c.stream = newChainStream(m.logger, managerTransfer, ch.Name, ch.StreamURL, m.dial, c, m.config.Stream, m.metrics)

	m.mu.Lock()
	m.live[ch.Name] = c
	m.mu.Unlock()

	c.stream.start(ctx)
	m.logger.Info("started transfer stream",
		zap.String("chain", ch.Name),
		zap.Int("wallets", len(set)),
		zap.Int("routers", len(c.routers)),
	)
}

// dispatch hands a signal to the gate on a tracked goroutine.
func (m *TransferSubscriptions) dispatch(sig TransferSignal) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _ = m.gate.Process(m.ctx, sig)
	}()
}

// IsStreaming reports whether chain has a live, acknowledged connection.
func (m *TransferSubscriptions) IsStreaming(chain string) bool {
	m.mu.Lock()
	c, ok := m.live[chain]
	m.mu.Unlock()
	if !ok {
		return false
	}

	c.mu.Lock()
	subscribed := len(c.active) > 0
	c.mu.Unlock()
	return subscribed && c.stream.isConnected()
}

func (m *TransferSubscriptions) Status() []ChainStatus {
	m.mu.Lock()
	live := make([]*transferChain, 0, len(m.live))
	for _, c := range m.live {
		live = append(live, c)
	}
	fellBack := make([]string, 0, len(m.fellBack))
	for name := range m.fellBack {
		fellBack = append(fellBack, name)
	}
	m.mu.Unlock()

	out := make([]ChainStatus, 0, len(live)+len(fellBack))
	for _, c := range live {
		out = append(out, c.status())
	}
	for _, name := range fellBack {
		out = append(out, ChainStatus{Chain: name, FellBack: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out
}

// Stop closes every connection intentionally and waits for in-flight
// handlers.
func (m *TransferSubscriptions) Stop() {
	m.mu.Lock()
	live := make([]*transferChain, 0, len(m.live))
	for name, c := range m.live {
		live = append(live, c)
		delete(m.live, name)
	}
	m.mu.Unlock()

	for _, c := range live {
		c.stream.stop()
	}
	m.wg.Wait()
}
