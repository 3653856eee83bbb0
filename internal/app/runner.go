package app

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	clts "copybot/clients"
	"copybot/config"
	"copybot/internal/evm"
	"copybot/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ensure Runner implements ConfigObserver
var _ config.ConfigObserver = (*Runner)(nil)

// Build info - populated from embedded VCS info at init time
var (
	BuildCommit = "dev"
	BuildTime   = "unknown"
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if setting.Value != "" {
					BuildCommit = setting.Value
				}
			case "vcs.time":
				BuildTime = setting.Value
			}
		}
	}
}

const (
	loadTimeout        = 30 * time.Second
	washHistoryHorizon = 7 * 24 * time.Hour
	alertBuffer        = 256
)

// Runner owns every engine component and their lifecycles.
type Runner struct {
	clients    *clts.Clients
	liveConfig *config.LiveConfig
	store      *store.MemoryStore
	registry   *prometheus.Registry
	metrics    *Metrics
	dial       StreamDialer

	bus           *EventBus
	dedup         *DedupWindow
	locks         *KeyedMutex
	breaker       *CircuitBreaker
	engine        *DecisionEngine
	washDetector  *WashDetector
	washScanner   *WashScanner
	qualification *QualificationProvider
	trader        *CopyTrader
	gate          *SignalGate
	transfers     *TransferSubscriptions
	liquidity     *LiquiditySubscriptions
	polling       *PollingFallback
	prices        *PriceRefresher
	forwarder     *AlertForwarder
	persister     *CachePersister

	healthServer *http.Server
	startTime    time.Time
}

// NewRunner wires every component from the current config. dial may be nil
// to use real WebSocket connections.
func NewRunner(clients *clts.Clients, liveConfig *config.LiveConfig, st *store.MemoryStore, dial StreamDialer) *Runner {
	cfg := liveConfig.Get()
	logger := clients.Logger

	if st == nil {
		st = store.NewMemoryStore()
	}
	if dial == nil {
		dial = LogStreamDialer(logger, cfg.Streaming.PingInterval)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Runner{
		clients:    clients,
		liveConfig: liveConfig,
		store:      st,
		registry:   registry,
		metrics:    NewMetrics(registry),
		dial:       dial,
	}
	r.build(cfg)
	return r
}

func (r *Runner) build(cfg *config.Config) {
	logger := r.clients.Logger

	chainIDs := make(map[string]int64, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		chainIDs[ch.Name] = ch.ChainID
	}
	streamCfg := StreamConfig{
		BackoffBase:         cfg.Streaming.BackoffBase,
		BackoffMax:          cfg.Streaming.BackoffMax,
		RateLimitMaxRetries: cfg.Streaming.RateLimitMaxRetries,
	}

	r.bus = NewEventBus(logger, r.metrics)
	r.dedup = NewDedupWindow(logger, cfg.Dedup.Horizon)
	r.locks = NewKeyedMutex()
	r.breaker = NewCircuitBreaker()
	r.engine = NewDecisionEngine(DecisionConfigFrom(cfg))
	r.washDetector = NewWashDetector(WashConfigFrom(cfg))
	r.washScanner = NewWashScanner(logger, r.store, r.washDetector, washHistoryHorizon, r.metrics)
	r.qualification = NewQualificationProvider(logger, r.store, r.washScanner, qualificationConfigFrom(cfg))

	r.trader = NewCopyTrader(
		logger,
		r.store,
		r.engine,
		r.breaker,
		r.clients.DexScreener,
		r.clients.GoPlus,
		r.clients.ERC20,
		r.qualification,
		r.bus,
		r.locks,
		func(chain string) int64 { return chainIDs[chain] },
	)
	r.gate = NewSignalGate(logger, r.dedup, r.locks, r.trader, r.metrics)

	r.transfers = NewTransferSubscriptions(
		logger,
		TransferSubscriptionsConfig{SyncInterval: cfg.Streaming.SyncInterval, Stream: streamCfg},
		cfg.Chains,
		r.qualification,
		r.gate,
		r.dial,
		r.metrics,
	)

	r.liquidity = NewLiquiditySubscriptions(
		logger,
		liquidityConfigFrom(cfg, streamCfg),
		cfg.Chains,
		r.store,
		r.clients.DexScreener,
		r.trader,
		r.bus,
		r.locks,
		r.dedup,
		r.dial,
		r.metrics,
	)

	r.polling = NewPollingFallback(
		logger,
		PollingConfig{
			Interval:          cfg.Polling.Interval,
			Lookback:          cfg.Polling.Lookback,
			PerWalletLimit:    cfg.Polling.PerWalletLimit,
			RateLimitCooldown: cfg.Polling.RateLimitCooldown,
		},
		cfg.Chains,
		r.qualification,
		r.clients.Explorer,
		r.transfers,
		r.gate,
		r.metrics,
	)

	r.prices = NewPriceRefresher(
		logger,
		r.store,
		r.clients.DexScreener,
		r.engine,
		r.trader,
		priceRefresherConfigFrom(cfg),
		r.metrics,
	)

	r.forwarder = NewAlertForwarder(logger, r.clients.Notifier, cfg.Chains)
	r.persister = NewCachePersister(logger, r.clients.Gist, r.store, cfg.Cache.SaveInterval, cfg.Cache.FileName, cfg.Cache.MaxClosed)
}

func qualificationConfigFrom(cfg *config.Config) QualificationConfig {
	return QualificationConfig{
		MinWalletScore:     cfg.Risk.MinWalletScore,
		MaxWalletsPerChain: cfg.Risk.MaxWalletsPerChain,
	}
}

func liquidityConfigFrom(cfg *config.Config, stream StreamConfig) LiquidityConfig {
	return LiquidityConfig{
		SyncInterval:       cfg.Streaming.SyncInterval,
		RugFloorUSD:        cfg.Liquidity.RugFloorUSD,
		RugDropPct:         cfg.Liquidity.RugDropPct,
		RecheckDelay:       cfg.Liquidity.RecheckDelay,
		RugExitFeePct:      cfg.Liquidity.RugExitFeePct,
		ResolveConcurrency: cfg.Liquidity.ResolveConcurrency,
		Stream:             stream,
	}
}

func priceRefresherConfigFrom(cfg *config.Config) PriceRefresherConfig {
	return PriceRefresherConfig{
		Interval:         cfg.Exits.RefreshInterval,
		MaxPriceFailures: cfg.Exits.MaxPriceFailures,
		PriceFailureTTL:  cfg.Exits.PriceFailureTTL,
	}
}

// OnConfigUpdate is called when the config changes.
// Implements config.ConfigObserver interface.
func (r *Runner) OnConfigUpdate(cfg *config.Config) {
	r.clients.Logger.Info("config update received, propagating to components")

	r.engine.UpdateConfig(DecisionConfigFrom(cfg))
	r.washDetector.UpdateConfig(WashConfigFrom(cfg))
	r.qualification.UpdateConfig(qualificationConfigFrom(cfg))
	r.dedup.SetHorizon(cfg.Dedup.Horizon)
	r.liquidity.UpdateConfig(liquidityConfigFrom(cfg, StreamConfig{}))
	r.prices.UpdateConfig(priceRefresherConfigFrom(cfg))
}

// Run starts every loop and blocks until ctx is canceled. Connections are
// closed intentionally and a final snapshot is saved before it returns.
func (r *Runner) Run(ctx context.Context) error {
	r.startTime = time.Now()
	logger := r.clients.Logger
	cfg := r.liveConfig.Get()

	// Register as config observer for hot-reload
	r.liveConfig.AddObserver(r)

	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	if _, err := r.persister.Load(loadCtx); err != nil {
		logger.Warn("failed to restore store snapshot, starting fresh", zap.Error(err))
	}
	cancel()

	seeded, err := r.seedWallets(ctx, cfg.SeedWallets)
	if err != nil {
		return fmt.Errorf("seed wallets: %w", err)
	}

	if cfg.HealthServer.Enabled {
		r.startHealthServer(cfg.HealthServer.Port)
	}

	logger.Info("starting copy engine",
		zap.Int("chains", len(cfg.Chains)),
		zap.Int("seededWallets", seeded),
		zap.Bool("polling", cfg.Polling.Enabled),
		zap.Int("notifiers", notifierCount(r.clients)),
	)

	alerts := r.bus.Subscribe("alerts", alertBuffer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { r.dedup.Run(gctx, cfg.Dedup.PruneInterval); return nil })
	g.Go(func() error { r.washScanner.Run(gctx, cfg.WashTrading.ScanInterval); return nil })
	g.Go(func() error { r.transfers.Run(gctx); return nil })
	g.Go(func() error { r.liquidity.Run(gctx); return nil })
	g.Go(func() error { r.prices.Run(gctx); return nil })
	g.Go(func() error { r.persister.Run(gctx); return nil })
	g.Go(func() error { r.forwarder.Run(gctx, alerts); return nil })
	if cfg.Polling.Enabled {
		g.Go(func() error { r.polling.Run(gctx); return nil })
	}

	<-ctx.Done()
	logger.Info("shutting down")

	err = g.Wait()
	r.bus.Close()
	r.stopHealthServer()

	logger.Info("copy engine stopped")
	return err
}

// seedWallets upserts "chain:address:score" entries into the store.
func (r *Runner) seedWallets(ctx context.Context, entries []string) (int, error) {
	seeded := 0
	now := time.Now()
	for _, entry := range entries {
		w, ok := parseSeedWallet(entry)
		if !ok {
			r.clients.Logger.Warn("ignoring malformed seed wallet", zap.String("entry", entry))
			continue
		}
		existing, found, err := r.store.TrackedWallet(ctx, w.Chain, w.Address)
		if err != nil {
			return seeded, err
		}
		if found {
			w.FirstSeen = existing.FirstSeen
			w.Label = existing.Label
		} else {
			w.FirstSeen = now
		}
		w.LastSeen = now
		if err := r.store.UpsertWallet(ctx, w); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

func parseSeedWallet(entry string) (store.TrackedWallet, bool) {
	parts := strings.Split(strings.TrimSpace(entry), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return store.TrackedWallet{}, false
	}
	addr, ok := evm.ParseAddress(parts[1])
	if !ok || parts[0] == "" {
		return store.TrackedWallet{}, false
	}
	score := 100.0
	if len(parts) == 3 {
		v, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return store.TrackedWallet{}, false
		}
		score = v
	}
	return store.TrackedWallet{
		Chain:   strings.ToLower(parts[0]),
		Address: evm.Lower(addr),
		Score:   score,
		Label:   "seed",
	}, true
}

func notifierCount(c *clts.Clients) int {
	type counter interface{ Count() int }
	if n, ok := c.Notifier.(counter); ok {
		return n.Count()
	}
	return 0
}

// ServiceStats holds comprehensive service statistics.
type ServiceStats struct {
	// Build info
	Build struct {
		Commit    string `json:"commit"`
		Time      string `json:"time,omitempty"`
		GoVersion string `json:"go_version"`
	} `json:"build"`

	// Service info
	StartTime string `json:"start_time"`
	Uptime    string `json:"uptime"`
	UptimeSec int64  `json:"uptime_seconds"`

	Streams struct {
		Transfer  []ChainStatus `json:"transfer"`
		Liquidity []ChainStatus `json:"liquidity"`
	} `json:"streams"`

	Trades struct {
		Open         int     `json:"open"`
		ExposureUSD  float64 `json:"exposure_usd"`
		MaxExposure  float64 `json:"max_exposure_usd"`
		PausedWallet int     `json:"paused_wallets"`
	} `json:"trades"`

	Wallets struct {
		Tracked     int                       `json:"tracked"`
		Qualified   map[string]int            `json:"qualified"`
		WashTraders []WashReport              `json:"wash_traders,omitempty"`
		Top         map[string][]RankedWallet `json:"top,omitempty"`
	} `json:"wallets"`

	Caches struct {
		DedupEntries   int `json:"dedup_entries"`
		KeyLocks       int `json:"key_locks"`
		PendingRetries int `json:"pending_liquidity_retries"`
	} `json:"caches"`

	// Runtime stats
	Runtime struct {
		Goroutines  int    `json:"goroutines"`
		HeapAllocMB uint64 `json:"heap_alloc_mb"`
		SysMB       uint64 `json:"sys_mb"`
		NumGC       uint32 `json:"num_gc"`
		GOOS        string `json:"goos"`
		GOARCH      string `json:"goarch"`
	} `json:"runtime"`
}

// GetStats snapshots the engine's state for /stats.
func (r *Runner) GetStats(ctx context.Context) ServiceStats {
	var stats ServiceStats
	cfg := r.liveConfig.Get()

	stats.Build.Commit = BuildCommit
	stats.Build.Time = BuildTime
	stats.Build.GoVersion = runtime.Version()

	if !r.startTime.IsZero() {
		uptime := time.Since(r.startTime)
		stats.StartTime = r.startTime.UTC().Format(time.RFC3339)
		stats.Uptime = uptime.Round(time.Second).String()
		stats.UptimeSec = int64(uptime.Seconds())
	}

	stats.Streams.Transfer = r.transfers.Status()
	stats.Streams.Liquidity = r.liquidity.Status()

	if open, err := r.store.ListOpenTrades(ctx); err == nil {
		stats.Trades.Open = len(open)
	}
	if exposure, err := r.store.OpenExposureUSD(ctx); err == nil {
		stats.Trades.ExposureUSD = exposure
	}
	stats.Trades.MaxExposure = cfg.Risk.MaxExposureUSD
	stats.Trades.PausedWallet = r.breaker.PausedCount()

	if tracked, err := r.store.TrackedWallets(ctx); err == nil {
		stats.Wallets.Tracked = len(tracked)
	}
	stats.Wallets.Qualified = make(map[string]int)
	stats.Wallets.Top = make(map[string][]RankedWallet)
	if ranked, err := r.qualification.Ranked(ctx); err == nil {
		for chain, wallets := range ranked {
			stats.Wallets.Qualified[chain] = len(wallets)
			top := wallets
			if len(top) > 10 {
				top = top[:10]
			}
			stats.Wallets.Top[chain] = top
		}
	}
	stats.Wallets.WashTraders = r.washScanner.Flagged()

	stats.Caches.DedupEntries = r.dedup.Len()
	stats.Caches.KeyLocks = r.locks.Len()
	stats.Caches.PendingRetries = r.liquidity.PendingRetries()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stats.Runtime.Goroutines = runtime.NumGoroutine()
	stats.Runtime.HeapAllocMB = mem.HeapAlloc / 1024 / 1024
	stats.Runtime.SysMB = mem.Sys / 1024 / 1024
	stats.Runtime.NumGC = mem.NumGC
	stats.Runtime.GOOS = runtime.GOOS
	stats.Runtime.GOARCH = runtime.GOARCH

	return stats
}
