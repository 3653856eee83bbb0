package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"copybot/internal/store"

	"go.uber.org/zap"
)

// PriceRefresherConfig holds price refresh settings.
type PriceRefresherConfig struct {
	Interval         time.Duration
	MaxPriceFailures int           // Consecutive failures before a stale_price close
	PriceFailureTTL  time.Duration // A failure streak older than this starts over
}

func DefaultPriceRefresherConfig() PriceRefresherConfig {
	return PriceRefresherConfig{
		Interval:         1 * time.Minute,
		MaxPriceFailures: 10,
		PriceFailureTTL:  30 * time.Minute,
	}
}

// priceFailure is the failure streak of one token's price lookups.
type priceFailure struct {
	count   int
	expires time.Time
}

// PriceRefresher marks open trades to market and applies the exit rules.
type PriceRefresher struct {
	logger  *zap.Logger
	store   store.Store
	tokens  TokenInfoProvider
	engine  *DecisionEngine
	trader  *CopyTrader
	metrics *Metrics

	mu       sync.Mutex
	config   PriceRefresherConfig
	failures map[string]*priceFailure // chain|token -> streak

	running atomic.Bool
	now     func() time.Time
}

func NewPriceRefresher(
	logger *zap.Logger,
	st store.Store,
	tokens TokenInfoProvider,
	engine *DecisionEngine,
	trader *CopyTrader,
	config PriceRefresherConfig,
	metrics *Metrics,
) *PriceRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceRefresher{
		logger:   logger.Named("price-refresher"),
		store:    st,
		tokens:   tokens,
		engine:   engine,
		trader:   trader,
		metrics:  metrics,
		config:   config,
		failures: make(map[string]*priceFailure),
		now:      time.Now,
	}
}

func (pr *PriceRefresher) UpdateConfig(cfg PriceRefresherConfig) {
	pr.mu.Lock()
	pr.config = cfg
	pr.mu.Unlock()
}

func (pr *PriceRefresher) Run(ctx context.Context) {
	pr.mu.Lock()
	interval := pr.config.Interval
	pr.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pr.Refresh(ctx); err != nil {
				pr.logger.Warn("price refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh runs one pass. Overlapping calls return immediately.
func (pr *PriceRefresher) Refresh(ctx context.Context) error {
	if !pr.running.CompareAndSwap(false, true) {
		pr.logger.Debug("price refresh already running, skipping tick")
		return nil
	}
	defer pr.running.Store(false)

	open, err := pr.store.ListOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("list open trades: %w", err)
	}

	byChain := make(map[string][]*store.CopyTrade)
	for _, t := range open {
		byChain[t.Chain] = append(byChain[t.Chain], t)
	}

	for chain, trades := range byChain {
		tokens := make([]string, 0, len(trades))
		seen := make(map[string]bool, len(trades))
		for _, t := range trades {
			if !seen[t.Token] {
				seen[t.Token] = true
				tokens = append(tokens, t.Token)
			}
		}

		infos, err := pr.tokens.TokenInfos(ctx, chain, tokens)
		if err != nil {
			pr.logger.Warn("batch price lookup failed",
				zap.String("chain", chain),
				zap.Int("tokens", len(tokens)),
				zap.Error(err),
			)
			infos = nil
		}

		for _, t := range trades {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			info := infos[strings.ToLower(t.Token)]
			if info == nil || info.PriceUSD <= 0 {
				pr.noteFailure(ctx, t)
				continue
			}
			pr.clearFailure(t.Chain, t.Token)
			pr.apply(ctx, t, info.PriceUSD)
		}
	}

	exposure, err := pr.store.OpenExposureUSD(ctx)
	if err == nil {
		remaining, _ := pr.store.ListOpenTrades(ctx)
		pr.metrics.exposure(exposure, len(remaining))
	}
	return nil
}

func (pr *PriceRefresher) apply(ctx context.Context, t *store.CopyTrade, price float64) {
	exit := pr.engine.EvaluateExit(t, price)

	if exit.Close {
		detail := fmt.Sprintf("pnl %.1f%%, peak %.1f%%", exit.PnLPct, exit.Peak)
		if _, err := pr.trader.CloseTrade(ctx, t, price, exit.Reason, detail); err != nil {
			pr.logger.Warn("failed to close trade",
				zap.String("id", shortID(t.ID)),
				zap.String("reason", exit.Reason),
				zap.Error(err),
			)
		}
		return
	}

	if _, err := pr.store.UpdateTradePrice(ctx, t.ID, price, exit.Peak); err != nil {
		pr.logger.Debug("failed to update price",
			zap.String("id", shortID(t.ID)),
			zap.Error(err),
		)
	}
}

// noteFailure extends the token's failure streak and closes the trade at its
// last price once the streak reaches the limit.
func (pr *PriceRefresher) noteFailure(ctx context.Context, t *store.CopyTrade) {
	pr.metrics.priceFailure()

	pr.mu.Lock()
	now := pr.now()
	key := strings.ToLower(t.Chain + "|" + t.Token)
	f, ok := pr.failures[key]
	if !ok || now.After(f.expires) {
		f = &priceFailure{}
		pr.failures[key] = f
	}
	f.count++
	f.expires = now.Add(pr.config.PriceFailureTTL)
	count := f.count
	limit := pr.config.MaxPriceFailures
	pr.mu.Unlock()

	pr.logger.Debug("price unavailable",
		zap.String("id", shortID(t.ID)),
		zap.String("token", shortID(t.Token)),
		zap.Int("failures", count),
	)

	if limit <= 0 || count < limit {
		return
	}

	detail := fmt.Sprintf("%d consecutive price failures", count)
	if _, err := pr.trader.CloseTrade(ctx, t, t.CurrentPrice, CloseStalePrice, detail); err != nil {
		pr.logger.Warn("failed to close stale trade", zap.String("id", shortID(t.ID)), zap.Error(err))
		return
	}
	pr.clearFailure(t.Chain, t.Token)
}

func (pr *PriceRefresher) clearFailure(chain, token string) {
	pr.mu.Lock()
	delete(pr.failures, strings.ToLower(chain+"|"+token))
	pr.mu.Unlock()
}

// Failures returns the live failure streak for a token.
func (pr *PriceRefresher) Failures(chain, token string) int {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	f, ok := pr.failures[strings.ToLower(chain+"|"+token)]
	if !ok || pr.now().After(f.expires) {
		return 0
	}
	return f.count
}
