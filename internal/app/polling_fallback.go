package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"copybot/clients/explorer"
	"copybot/config"
	"copybot/internal/evm"

	"go.uber.org/zap"
)

// StreamingStatus reports whether a chain is covered by a live stream.
type StreamingStatus interface {
	IsStreaming(chain string) bool
}

// PollingConfig holds the explorer polling settings.
type PollingConfig struct {
	Interval          time.Duration
	Lookback          time.Duration
	PerWalletLimit    int
	RateLimitCooldown time.Duration
}

func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		Interval:          30 * time.Second,
		Lookback:          10 * time.Minute,
		PerWalletLimit:    50,
		RateLimitCooldown: 2 * time.Minute,
	}
}

// pollCursor is the newest transfer already handed to the gate for a wallet.
type pollCursor struct {
	block    uint64
	logIndex uint
}

func (c pollCursor) before(block uint64, logIndex uint) bool {
	if block != c.block {
		return c.block < block
	}
	return c.logIndex < logIndex
}

// PollingFallback scans explorer transfer history for chains the transfer
// stream is not covering. Signals go through the same gate as the stream.
type PollingFallback struct {
	logger    *zap.Logger
	config    PollingConfig
	chains    []config.ChainConfig
	wallets   WalletSource
	history   TransferHistoryProvider
	streaming StreamingStatus
	gate      *SignalGate
	metrics   *Metrics

	mu      sync.Mutex
	cursors map[string]pollCursor      // chain|wallet -> cursor
	limits  map[string]*rateLimitState // chain -> explorer rate limit

	running atomic.Bool
	now     func() time.Time
}

func NewPollingFallback(
	logger *zap.Logger,
	cfg PollingConfig,
	chains []config.ChainConfig,
	wallets WalletSource,
	history TransferHistoryProvider,
	streaming StreamingStatus,
	gate *SignalGate,
	metrics *Metrics,
) *PollingFallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollingFallback{
		logger:    logger.Named("polling-fallback"),
		config:    cfg,
		chains:    chains,
		wallets:   wallets,
		history:   history,
		streaming: streaming,
		gate:      gate,
		metrics:   metrics,
		cursors:   make(map[string]pollCursor),
		limits:    make(map[string]*rateLimitState),
		now:       time.Now,
	}
}

func (p *PollingFallback) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one pass over every uncovered chain. Overlapping calls return
// immediately.
func (p *PollingFallback) Poll(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Debug("poll already running, skipping tick")
		return
	}
	defer p.running.Store(false)

	qualified, err := p.wallets.QualifiedWallets(ctx)
	if err != nil {
		p.logger.Warn("failed to load qualified wallets", zap.Error(err))
		return
	}

	for _, ch := range p.chains {
		wallets := qualified[ch.Name]
		if len(wallets) == 0 || ch.ExplorerURL == "" {
			continue
		}
		if p.streaming != nil && p.streaming.IsStreaming(ch.Name) {
			continue
		}
		limit := p.limit(ch.Name)
		if limit.active(p.now()) {
			_, until := limit.snapshot()
			p.logger.Debug("explorer cooling down", zap.String("chain", ch.Name), zap.Time("until", until))
			continue
		}
		p.pollChain(ctx, ch, wallets)
	}
}

func (p *PollingFallback) pollChain(ctx context.Context, ch config.ChainConfig, wallets []string) {
	watched := evm.NewAddressSet(wallets)
	routers := evm.NewAddressSet(ch.DexRouters)
	signals := 0

	for _, wallet := range wallets {
		if ctx.Err() != nil {
			return
		}

		txs, err := p.history.TokenTransfers(ctx, ch.ExplorerURL, ch.ExplorerAPIKey, wallet, p.config.PerWalletLimit)
		if errors.Is(err, explorer.ErrRateLimited) {
			n := p.limit(ch.Name).hit(p.now(), p.config.RateLimitCooldown)
			p.metrics.rateLimited("explorer", ch.Name)
			p.logger.Warn("explorer rate limited, cooling down",
				zap.String("chain", ch.Name),
				zap.Int("count", n),
				zap.Duration("cooldown", p.config.RateLimitCooldown),
			)
			return
		}
		if err != nil {
			p.logger.Debug("explorer lookup failed",
				zap.String("chain", ch.Name),
				zap.String("wallet", shortID(wallet)),
				zap.Error(err),
			)
			continue
		}

		signals += p.processWallet(ctx, ch.Name, wallet, txs, watched, routers)
	}

	if signals > 0 {
		p.logger.Info("polled transfers",
			zap.String("chain", ch.Name),
			zap.Int("wallets", len(wallets)),
			zap.Int("signals", signals),
		)
	}
}

// processWallet hands the wallet's new transfers to the gate, oldest first.
// The cursor stops at the first failed hand-off so it is retried next poll.
func (p *PollingFallback) processWallet(
	ctx context.Context,
	chain, wallet string,
	txs []explorer.TokenTransfer,
	watched, routers evm.AddressSet,
) int {
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].Block != txs[j].Block {
			return txs[i].Block < txs[j].Block
		}
		return txs[i].LogIndex < txs[j].LogIndex
	})

	key := strings.ToLower(chain + "|" + wallet)
	p.mu.Lock()
	cursor, hasCursor := p.cursors[key]
	p.mu.Unlock()

	cutoff := p.now().Add(-p.config.Lookback)
	walletAddr, _ := evm.ParseAddress(wallet)
	handled := 0

	for _, tx := range txs {
		if hasCursor && !cursor.before(tx.Block, tx.LogIndex) {
			continue
		}
		if !tx.Timestamp.IsZero() && tx.Timestamp.Before(cutoff) {
			cursor, hasCursor = pollCursor{block: tx.Block, logIndex: tx.LogIndex}, true
			continue
		}

		from, okFrom := evm.ParseAddress(tx.From)
		to, okTo := evm.ParseAddress(tx.To)
		token, okToken := evm.ParseAddress(tx.Token)
		if !okFrom || !okTo || !okToken {
			continue
		}

		who, side, ok := classifyTransfer(from, to, watched, routers)
		if !ok || who != walletAddr {
			cursor, hasCursor = pollCursor{block: tx.Block, logIndex: tx.LogIndex}, true
			continue
		}

		sig := TransferSignal{
			Chain:      chain,
			Wallet:     evm.Lower(who),
			Token:      evm.Lower(token),
			Symbol:     tx.Symbol,
			Side:       side,
			TxHash:     strings.ToLower(tx.Hash),
			Amount:     tx.Value,
			Decimals:   tx.Decimals,
			Source:     SourcePoll,
			ObservedAt: tx.Timestamp,
		}
		if _, err := p.gate.Process(ctx, sig); err != nil {
			break
		}
		handled++
		cursor, hasCursor = pollCursor{block: tx.Block, logIndex: tx.LogIndex}, true
	}

	if hasCursor {
		p.mu.Lock()
		p.cursors[key] = cursor
		p.mu.Unlock()
	}
	return handled
}

func (p *PollingFallback) limit(chain string) *rateLimitState {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limits[chain]
	if !ok {
		l = &rateLimitState{}
		p.limits[chain] = l
	}
	return l
}

// CoolingDown reports whether chain's explorer is in a rate-limit cooldown.
func (p *PollingFallback) CoolingDown(chain string) bool {
	return p.limit(chain).active(p.now())
}
