package app

import (
	"context"
	"fmt"
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
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Rug check outcomes, used as metric labels.
const (
	rugConfirmed   = "rug"
	rugBenign      = "benign"
	rugRecheck     = "recheck_scheduled"
	rugUnavailable = "unavailable"
	rugNoPosition  = "no_position"
	rugDuplicate   = "duplicate"
)

// burnDedupHorizon bounds how long a private burn window remembers logs.
const burnDedupHorizon = time.Hour

// BurnDedupKey identifies one burn log delivery: a transaction draining a
// pool is checked once however many times it is delivered.
func BurnDedupKey(chain, txHash, pool string) string {
	return strings.ToLower(strings.Join([]string{"burn", chain, txHash, pool}, "|"))
}

// EvaluateRug reports whether a token's pool has been rugged: liquidity is
// gone, below the absolute floor, or more than dropPct below the highest
// liquidity any open trade entered at.
func EvaluateRug(current, maxEntry, floor, dropPct float64) bool {
	if current <= 0 {
		return true
	}
	if current < floor {
		return true
	}
	if maxEntry <= 0 {
		return false
	}
	drop := decimal.NewFromFloat(maxEntry).Sub(decimal.NewFromFloat(current)).
		Div(decimal.NewFromFloat(maxEntry)).
		Mul(decimal.NewFromInt(100))
	return drop.GreaterThan(decimal.NewFromFloat(dropPct))
}

// LiquidityConfig holds the rug detection settings.
type LiquidityConfig struct {
	SyncInterval       time.Duration
	RugFloorUSD        float64
	RugDropPct         float64
	RecheckDelay       time.Duration
	RugExitFeePct      float64
	ResolveConcurrency int
	Stream             StreamConfig
}

func DefaultLiquidityConfig() LiquidityConfig {
	return LiquidityConfig{
		SyncInterval:       1 * time.Minute,
		RugFloorUSD:        1000,
		RugDropPct:         50,
		RecheckDelay:       45 * time.Second,
		RugExitFeePct:      30,
		ResolveConcurrency: 4,
		Stream:             DefaultStreamConfig(),
	}
}

type pendingCheck struct {
	chain string
	token string
	pool  string
}

// liquidityChain is one chain's pool subscriptions.
type liquidityChain struct {
	m      *LiquiditySubscriptions
	name   string
	stream *chainStream

	mu      sync.Mutex
	conn    StreamConn
	desired map[string]string // pool -> token
	pending map[uint64]string // correlation id -> pool
	active  map[string]string // pool -> subscription id
	subPool map[string]string // subscription id -> pool
}

func (c *liquidityChain) resetLocked() {
	c.conn = nil
	c.pending = make(map[uint64]string)
	c.active = make(map[string]string)
	c.subPool = make(map[string]string)
}

func (c *liquidityChain) subscribePoolLocked(pool string) {
	if c.conn == nil {
		return
	}
	addr, ok := evm.ParseAddress(pool)
	if !ok {
		c.m.logger.Debug("skipping invalid pool address", zap.String("chain", c.name), zap.String("pool", pool))
		return
	}
	id, err := c.conn.Subscribe(logstream.FilterQuery{
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{evm.BurnEvents},
	})
	if err != nil {
		c.m.logger.Warn("pool subscribe failed", zap.String("chain", c.name), zap.String("pool", pool), zap.Error(err))
		return
	}
	c.pending[id] = pool
}

func (c *liquidityChain) unsubscribePoolLocked(pool string) {
	subID, ok := c.active[pool]
	if !ok {
		return
	}
	delete(c.active, pool)
	delete(c.subPool, subID)
	if c.conn == nil {
		return
	}
	if _, err := c.conn.Unsubscribe(subID); err != nil {
		c.m.logger.Debug("pool unsubscribe failed", zap.String("chain", c.name), zap.String("pool", pool), zap.Error(err))
	}
}

func (c *liquidityChain) isSubscribingLocked(pool string) bool {
	if _, ok := c.active[pool]; ok {
		return true
	}
	for _, p := range c.pending {
		if p == pool {
			return true
		}
	}
	return false
}

// setPools diffs the desired pools against the live subscriptions.
func (c *liquidityChain) setPools(desired map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.desired = desired
	for pool := range c.active {
		if _, ok := desired[pool]; !ok {
			c.unsubscribePoolLocked(pool)
		}
	}
	for pool := range desired {
		if !c.isSubscribingLocked(pool) {
			c.subscribePoolLocked(pool)
		}
	}
	c.m.metrics.subscriptions(managerLiquidity, c.name, len(c.active))
}

func (c *liquidityChain) dropPool(pool string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.desired, pool)
	c.unsubscribePoolLocked(pool)
	c.m.metrics.subscriptions(managerLiquidity, c.name, len(c.active))
}

func (c *liquidityChain) onConnected(conn StreamConn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
	c.conn = conn
	pools := make([]string, 0, len(c.desired))
	for pool := range c.desired {
		pools = append(pools, pool)
	}
	sort.Strings(pools)
	for _, pool := range pools {
		c.subscribePoolLocked(pool)
	}
}

func (c *liquidityChain) onMessage(msg logstream.Message) {
	switch msg.Kind {
	case logstream.KindAck:
		c.mu.Lock()
		pool, ok := c.pending[msg.ID]
		if ok && msg.SubscriptionID != "" {
			delete(c.pending, msg.ID)
			if _, wanted := c.desired[pool]; wanted {
				c.active[pool] = msg.SubscriptionID
				c.subPool[msg.SubscriptionID] = pool
			} else if c.conn != nil {
				// Closed while the subscribe was in flight.
				_, _ = c.conn.Unsubscribe(msg.SubscriptionID)
			}
		}
		n := len(c.active)
		c.mu.Unlock()
		c.m.metrics.subscriptions(managerLiquidity, c.name, n)

	case logstream.KindRejection:
		c.mu.Lock()
		pool := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		c.m.logger.Warn("pool subscription rejected",
			zap.String("chain", c.name),
			zap.String("pool", pool),
			zap.Error(msg.Err),
		)

	case logstream.KindLog:
		burn, err := evm.DecodeBurn(msg.Log)
		if err != nil {
			c.m.logger.Debug("dropped undecodable log", zap.String("chain", c.name), zap.Error(err))
			return
		}
		if burn.Removed {
			return
		}
		pool := evm.Lower(burn.Pool)

		c.mu.Lock()
		token, ok := c.desired[pool]
		c.mu.Unlock()
		if !ok {
			return
		}

		key := BurnDedupKey(c.name, burn.TxHash.Hex(), pool)
		if c.m.dedup.Seen(key) {
			c.m.metrics.rugCheck(rugDuplicate)
			return
		}

		c.m.logger.Info("pool burn observed",
			zap.String("chain", c.name),
			zap.String("pool", shortID(pool)),
			zap.String("token", shortID(token)),
			zap.String("kind", string(burn.Kind)),
			zap.String("tx", shortID(burn.TxHash.Hex())),
		)
		c.m.dispatch(c.name, token, pool, key)
	}
}

func (c *liquidityChain) onDisconnected() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.m.metrics.subscriptions(managerLiquidity, c.name, 0)
}

func (c *liquidityChain) status() ChainStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChainStatus{
		Chain:         c.name,
		Connected:     c.stream.isConnected(),
		FellBack:      c.stream.fellBack.Load(),
		Watched:       len(c.desired),
		Subscriptions: len(c.active),
		Pending:       len(c.pending),
	}
}

// LiquiditySubscriptions watches burn events on the pools behind open
// trades and closes every position on a token whose liquidity collapses.
type LiquiditySubscriptions struct {
	logger  *zap.Logger
	store   store.Store
	tokens  TokenInfoProvider
	trader  *CopyTrader
	bus     EventPublisher
	locks   *KeyedMutex
	dedup   *DedupWindow
	dial    StreamDialer
	metrics *Metrics
	chains  map[string]config.ChainConfig

	cfgMu  sync.RWMutex
	config LiquidityConfig

	resolve singleflight.Group
	sem     *semaphore.Weighted

	mu       sync.Mutex
	live     map[string]*liquidityChain
	fellBack map[string]bool
	retries  map[string]pendingCheck // chain|token -> check waiting for data
	timers   map[string]*time.Timer  // chain|token -> pending re-check
	stopped  bool

	ctx     context.Context
	syncing atomic.Bool
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewLiquiditySubscriptions(
	logger *zap.Logger,
	cfg LiquidityConfig,
	chains []config.ChainConfig,
	st store.Store,
	tokens TokenInfoProvider,
	trader *CopyTrader,
	bus EventPublisher,
	locks *KeyedMutex,
	dedup *DedupWindow,
	dial StreamDialer,
	metrics *Metrics,
) *LiquiditySubscriptions {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if dedup == nil {
		dedup = NewDedupWindow(logger, burnDedupHorizon)
	}
	if cfg.ResolveConcurrency <= 0 {
		cfg.ResolveConcurrency = 1
	}
	byName := make(map[string]config.ChainConfig, len(chains))
	for _, ch := range chains {
		byName[ch.Name] = ch
	}
	return &LiquiditySubscriptions{
		logger:   logger.Named("liquidity-subs"),
		store:    st,
		tokens:   tokens,
		trader:   trader,
		bus:      bus,
		locks:    locks,
		dedup:    dedup,
		dial:     dial,
		metrics:  metrics,
		chains:   byName,
		config:   cfg,
		sem:      semaphore.NewWeighted(int64(cfg.ResolveConcurrency)),
		live:     make(map[string]*liquidityChain),
		fellBack: make(map[string]bool),
		retries:  make(map[string]pendingCheck),
		timers:   make(map[string]*time.Timer),
		ctx:      context.Background(),
		now:      time.Now,
	}
}

// UpdateConfig applies new rug thresholds. Stream and concurrency settings
// keep their startup values.
func (m *LiquiditySubscriptions) UpdateConfig(cfg LiquidityConfig) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.config.RugFloorUSD = cfg.RugFloorUSD
	m.config.RugDropPct = cfg.RugDropPct
	m.config.RecheckDelay = cfg.RecheckDelay
	m.config.RugExitFeePct = cfg.RugExitFeePct
}

func (m *LiquiditySubscriptions) cfg() LiquidityConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.config
}

func (m *LiquiditySubscriptions) Run(ctx context.Context) {
	m.ctx = ctx
	defer m.Stop()

	m.Sync(ctx)

	ticker := time.NewTicker(m.cfg().SyncInterval)
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

// Sync resolves missing pools, reconciles pool subscriptions with open
// trades and runs queued checks. Overlapping calls return immediately.
func (m *LiquiditySubscriptions) Sync(ctx context.Context) {
	if !m.syncing.CompareAndSwap(false, true) {
		m.logger.Debug("liquidity sync already running, skipping tick")
		return
	}
	defer m.syncing.Store(false)

	open, err := m.store.ListOpenTrades(ctx)
	if err != nil {
		m.logger.Warn("failed to list open trades", zap.Error(err))
		return
	}

	m.resolvePools(ctx, open)

	desired := make(map[string]map[string]string) // chain -> pool -> token
	for _, t := range open {
		if t.PoolAddress == "" {
			continue
		}
		if desired[t.Chain] == nil {
			desired[t.Chain] = make(map[string]string)
		}
		desired[t.Chain][strings.ToLower(t.PoolAddress)] = strings.ToLower(t.Token)
	}

	for name, ch := range m.chains {
		m.syncChain(ctx, ch, desired[name])
	}

	m.runRetries(ctx)
}

// resolvePools fills in missing pool addresses. Trades on the same token
// share one lookup and lookups are throttled.
func (m *LiquiditySubscriptions) resolvePools(ctx context.Context, open []*store.CopyTrade) {
	var g errgroup.Group
	for _, t := range open {
		if t.PoolAddress != "" {
			continue
		}
		t := t
		g.Go(func() error {
			pool, err := m.resolvePool(ctx, t.Chain, t.Token)
			if err != nil {
				m.logger.Debug("pool resolution failed",
					zap.String("chain", t.Chain),
					zap.String("token", shortID(t.Token)),
					zap.Error(err),
				)
				return nil
			}
			if err := m.store.SetPoolAddress(ctx, t.ID, pool); err != nil {
				m.logger.Debug("failed to persist pool", zap.String("id", shortID(t.ID)), zap.Error(err))
				return nil
			}
			t.PoolAddress = pool
			return nil
		})
	}
	_ = g.Wait()
}

func (m *LiquiditySubscriptions) resolvePool(ctx context.Context, chain, token string) (string, error) {
	key := strings.ToLower(chain + "|" + token)
	v, err, _ := m.resolve.Do(key, func() (any, error) {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer m.sem.Release(1)

		info, err := m.tokens.TokenInfo(ctx, chain, token)
		if err != nil {
			return "", err
		}
		if info.PoolAddress == "" {
			return "", fmt.Errorf("no pool for %s", token)
		}
		return strings.ToLower(info.PoolAddress), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *LiquiditySubscriptions) syncChain(ctx context.Context, ch config.ChainConfig, pools map[string]string) {
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

	if len(pools) == 0 {
		if exists {
			m.mu.Lock()
			delete(m.live, ch.Name)
			m.mu.Unlock()
			c.stream.stop()
			m.logger.Info("no open pools, closed liquidity stream", zap.String("chain", ch.Name))
		}
		return
	}

	if exists {
		c.setPools(pools)
		return
	}

	c = &liquidityChain{m: m, name: ch.Name, desired: pools}
	c.resetLocked()
	c.stream = newChainStream(m.logger, managerLiquidity, ch.Name, ch.StreamURL, m.dial, c, m.cfg().Stream, m.metrics)

	m.mu.Lock()
	m.live[ch.Name] = c
	m.mu.Unlock()

	c.stream.start(ctx)
	m.logger.Info("started liquidity stream", zap.String("chain", ch.Name), zap.Int("pools", len(pools)))
}

func (m *LiquiditySubscriptions) dispatch(chain, token, pool, key string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.handleBurnLog(m.ctx, chain, token, pool, key)
	}()
}

// HandleBurn runs a liquidity check for a burn on pool, allowing one
// delayed re-check if the pool still looks healthy.
func (m *LiquiditySubscriptions) HandleBurn(ctx context.Context, chain, token, pool string) string {
	unlock := m.locks.Lock("pool|" + strings.ToLower(chain+"|"+pool))
	defer unlock()
	return m.check(ctx, chain, token, pool, true)
}

// handleBurnLog is HandleBurn for one delivered log. The key is marked once
// the check reaches a verdict; an unavailable check leaves it open to
// redelivery.
func (m *LiquiditySubscriptions) handleBurnLog(ctx context.Context, chain, token, pool, key string) string {
	unlock := m.locks.Lock("pool|" + strings.ToLower(chain+"|"+pool))
	defer unlock()

	if m.dedup.Seen(key) {
		m.metrics.rugCheck(rugDuplicate)
		return rugDuplicate
	}
	outcome := m.check(ctx, chain, token, pool, true)
	if outcome != rugUnavailable {
		m.dedup.Mark(key)
	}
	return outcome
}

func (m *LiquiditySubscriptions) check(ctx context.Context, chain, token, pool string, allowRecheck bool) string {
	cfg := m.cfg()

	open, err := m.store.OpenTradesByToken(ctx, chain, token)
	if err != nil {
		m.logger.Warn("failed to load open trades", zap.String("token", shortID(token)), zap.Error(err))
		m.queueRetry(chain, token, pool)
		m.metrics.rugCheck(rugUnavailable)
		return rugUnavailable
	}
	if len(open) == 0 {
		m.metrics.rugCheck(rugNoPosition)
		return rugNoPosition
	}

	maxEntry := 0.0
	for _, t := range open {
		if t.LiquidityAtEntry > maxEntry {
			maxEntry = t.LiquidityAtEntry
		}
	}

	info, err := m.tokens.TokenInfo(ctx, chain, token)
	if err != nil || info == nil {
		m.logger.Info("liquidity unavailable, retrying next sync",
			zap.String("chain", chain),
			zap.String("token", shortID(token)),
			zap.Error(err),
		)
		m.queueRetry(chain, token, pool)
		m.metrics.rugCheck(rugUnavailable)
		return rugUnavailable
	}

	if EvaluateRug(info.LiquidityUSD, maxEntry, cfg.RugFloorUSD, cfg.RugDropPct) {
		m.confirmRug(ctx, chain, token, pool, info.PriceUSD, info.LiquidityUSD, maxEntry, open)
		m.metrics.rugCheck(rugConfirmed)
		return rugConfirmed
	}

	m.logger.Debug("burn looks benign",
		zap.String("token", shortID(token)),
		zap.Float64("liquidity_usd", info.LiquidityUSD),
		zap.Float64("max_entry_usd", maxEntry),
		zap.Bool("recheck", allowRecheck),
	)
	if allowRecheck && m.scheduleRecheck(chain, token, pool, cfg.RecheckDelay) {
		m.metrics.rugCheck(rugRecheck)
		return rugRecheck
	}
	m.metrics.rugCheck(rugBenign)
	return rugBenign
}

func (m *LiquiditySubscriptions) confirmRug(
	ctx context.Context,
	chain, token, pool string,
	price, liquidity, maxEntry float64,
	open []*store.CopyTrade,
) {
	cfg := m.cfg()

	if price <= 0 {
		price = open[0].CurrentPrice
	}
	fee := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(cfg.RugExitFeePct).Div(decimal.NewFromInt(100)))
	exit := decimal.NewFromFloat(price).Mul(fee).InexactFloat64()
	if exit <= 0 {
		exit = price
	}

	detail := fmt.Sprintf("liquidity $%.0f (entry max $%.0f)", liquidity, maxEntry)
	closed, err := m.trader.CloseToken(ctx, chain, token, exit, CloseLiquidityRug, detail, "")
	if err != nil {
		m.logger.Error("failed to close rugged positions",
			zap.String("chain", chain),
			zap.String("token", shortID(token)),
			zap.Int("closed", closed),
			zap.Error(err),
		)
		m.queueRetry(chain, token, pool)
	}
	if closed == 0 {
		return
	}

	rec, err := m.store.IncrementRug(ctx, chain, token)
	if err != nil {
		m.logger.Error("failed to record rug", zap.String("token", shortID(token)), zap.Error(err))
	}

	m.cancelRecheck(chain, token)
	m.clearRetry(chain, token)

	m.mu.Lock()
	c := m.live[chain]
	m.mu.Unlock()
	if c != nil {
		c.dropPool(pool)
	}

	m.logger.Warn("liquidity rug confirmed",
		zap.String("chain", chain),
		zap.String("token", shortID(token)),
		zap.String("pool", shortID(pool)),
		zap.Float64("liquidity_usd", liquidity),
		zap.Float64("max_entry_usd", maxEntry),
		zap.Int("closed", closed),
		zap.Int("rug_count", rec.Count),
	)

	if m.bus != nil {
		m.bus.Publish(TradeEvent{
			Kind:      EventRugDetected,
			Trade:     open[0],
			Chain:     chain,
			Token:     token,
			Reason:    CloseLiquidityRug,
			Detail:    fmt.Sprintf("%s, closed %d", detail, closed),
			Price:     exit,
			Timestamp: m.now(),
		})
	}
}

// scheduleRecheck arms the single delayed re-check for a token. Returns false
// if one is already pending or the manager stopped.
func (m *LiquiditySubscriptions) scheduleRecheck(chain, token, pool string, delay time.Duration) bool {
	key := strings.ToLower(chain + "|" + token)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}
	if _, ok := m.timers[key]; ok {
		return false
	}

	m.timers[key] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, key)
		if m.stopped {
			m.mu.Unlock()
			return
		}
		m.wg.Add(1)
		m.mu.Unlock()
		defer m.wg.Done()

		unlock := m.locks.Lock("pool|" + strings.ToLower(chain+"|"+pool))
		defer unlock()
		m.check(m.ctx, chain, token, pool, false)
	})
	return true
}

func (m *LiquiditySubscriptions) cancelRecheck(chain, token string) {
	key := strings.ToLower(chain + "|" + token)
	m.mu.Lock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
	m.mu.Unlock()
}

func (m *LiquiditySubscriptions) queueRetry(chain, token, pool string) {
	m.mu.Lock()
	m.retries[strings.ToLower(chain+"|"+token)] = pendingCheck{chain: chain, token: token, pool: pool}
	m.mu.Unlock()
}

func (m *LiquiditySubscriptions) clearRetry(chain, token string) {
	m.mu.Lock()
	delete(m.retries, strings.ToLower(chain+"|"+token))
	m.mu.Unlock()
}

func (m *LiquiditySubscriptions) runRetries(ctx context.Context) {
	m.mu.Lock()
	queued := make([]pendingCheck, 0, len(m.retries))
	for key, pc := range m.retries {
		queued = append(queued, pc)
		delete(m.retries, key)
	}
	m.mu.Unlock()

	for _, pc := range queued {
		if ctx.Err() != nil {
			return
		}
		unlock := m.locks.Lock("pool|" + strings.ToLower(pc.chain+"|"+pc.pool))
		m.check(ctx, pc.chain, pc.token, pc.pool, true)
		unlock()
	}
}

// PendingRetries is the number of checks waiting for data.
func (m *LiquiditySubscriptions) PendingRetries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retries)
}

func (m *LiquiditySubscriptions) Status() []ChainStatus {
	m.mu.Lock()
	live := make([]*liquidityChain, 0, len(m.live))
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

// Stop clears pending re-checks, closes every connection and waits for
// in-flight checks.
func (m *LiquiditySubscriptions) Stop() {
	m.mu.Lock()
	m.stopped = true
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
	live := make([]*liquidityChain, 0, len(m.live))
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
