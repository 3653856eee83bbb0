package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"copybot/internal/store"

	"go.uber.org/zap"
)

// QualificationConfig holds the wallet ranking settings.
type QualificationConfig struct {
	MinWalletScore     float64
	MaxWalletsPerChain int
}

// QualificationProvider ranks tracked wallets by score minus their wash
// penalty. It reads the store on every call.
type QualificationProvider struct {
	logger *zap.Logger
	store  store.Store
	wash   *WashScanner

	mu     sync.RWMutex
	config QualificationConfig
}

func NewQualificationProvider(logger *zap.Logger, st store.Store, wash *WashScanner, cfg QualificationConfig) *QualificationProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QualificationProvider{
		logger: logger.Named("qualification"),
		store:  st,
		wash:   wash,
		config: cfg,
	}
}

func (q *QualificationProvider) UpdateConfig(cfg QualificationConfig) {
	q.mu.Lock()
	q.config = cfg
	q.mu.Unlock()
}

// RankedWallet is a tracked wallet with its effective score.
type RankedWallet struct {
	Address string  `json:"address"`
	Chain   string  `json:"chain"`
	Score   float64 `json:"score"`
	Penalty float64 `json:"penalty"`
}

// Ranked returns the qualified wallets per chain, best first.
func (q *QualificationProvider) Ranked(ctx context.Context) (map[string][]RankedWallet, error) {
	q.mu.RLock()
	cfg := q.config
	q.mu.RUnlock()

	wallets, err := q.store.TrackedWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracked wallets: %w", err)
	}

	out := make(map[string][]RankedWallet)
	for _, w := range wallets {
		penalty := q.wash.Penalty(w.Chain, w.Address)
		score := w.Score - penalty
		if score < cfg.MinWalletScore {
			continue
		}
		out[w.Chain] = append(out[w.Chain], RankedWallet{
			Address: strings.ToLower(w.Address),
			Chain:   w.Chain,
			Score:   score,
			Penalty: penalty,
		})
	}

	for chain, ranked := range out {
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].Score != ranked[j].Score {
				return ranked[i].Score > ranked[j].Score
			}
			return ranked[i].Address < ranked[j].Address
		})
		if cfg.MaxWalletsPerChain > 0 && len(ranked) > cfg.MaxWalletsPerChain {
			ranked = ranked[:cfg.MaxWalletsPerChain]
		}
		out[chain] = ranked
	}
	return out, nil
}

func (q *QualificationProvider) QualifiedWallets(ctx context.Context) (map[string][]string, error) {
	ranked, err := q.Ranked(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(ranked))
	for chain, wallets := range ranked {
		addrs := make([]string, len(wallets))
		for i, w := range wallets {
			addrs[i] = w.Address
		}
		out[chain] = addrs
	}
	return out, nil
}

// WalletScore is the wallet's penalized score. Untracked wallets return false.
func (q *QualificationProvider) WalletScore(ctx context.Context, chain, wallet string) (float64, bool) {
	w, ok, err := q.store.TrackedWallet(ctx, chain, wallet)
	if err != nil || !ok {
		return 0, false
	}
	return w.Score - q.wash.Penalty(chain, wallet), true
}

// WashScanner periodically analyzes every tracked wallet and caches the
// reports for the qualification provider.
type WashScanner struct {
	logger   *zap.Logger
	store    store.Store
	detector *WashDetector
	metrics  *Metrics
	horizon  time.Duration

	mu      sync.RWMutex
	reports map[string]WashReport // chain|wallet -> last report

	now func() time.Time
}

func NewWashScanner(logger *zap.Logger, st store.Store, detector *WashDetector, horizon time.Duration, metrics *Metrics) *WashScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WashScanner{
		logger:   logger.Named("wash-scanner"),
		store:    st,
		detector: detector,
		metrics:  metrics,
		horizon:  horizon,
		reports:  make(map[string]WashReport),
		now:      time.Now,
	}
}

func (s *WashScanner) Run(ctx context.Context, interval time.Duration) {
	if err := s.Scan(ctx); err != nil {
		s.logger.Warn("wash scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				s.logger.Warn("wash scan failed", zap.Error(err))
			}
		}
	}
}

// Scan analyzes every tracked wallet once.
func (s *WashScanner) Scan(ctx context.Context) error {
	wallets, err := s.store.TrackedWallets(ctx)
	if err != nil {
		return fmt.Errorf("tracked wallets: %w", err)
	}

	since := time.Time{}
	if s.horizon > 0 {
		since = s.now().Add(-s.horizon)
	}

	reports := make(map[string]WashReport, len(wallets))
	flagged := 0
	for _, w := range wallets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r, err := s.analyze(ctx, w.Chain, w.Address, since)
		if err != nil {
			s.logger.Debug("wash analysis failed", zap.String("wallet", shortID(w.Address)), zap.Error(err))
			continue
		}
		reports[washKey(w.Chain, w.Address)] = r
		if r.WashTrader {
			flagged++
			s.logger.Info("wash trader flagged",
				zap.String("chain", w.Chain),
				zap.String("wallet", shortID(w.Address)),
				zap.Float64("score", r.Score),
				zap.Float64("pair_ratio", r.PairRatio),
				zap.Float64("mirror_ratio", r.MirrorRatio),
				zap.Float64("penalty", r.Penalty),
			)
		}
	}

	s.mu.Lock()
	s.reports = reports
	s.mu.Unlock()

	s.metrics.washTraders(flagged)
	s.logger.Debug("wash scan complete", zap.Int("wallets", len(wallets)), zap.Int("flagged", flagged))
	return nil
}

func (s *WashScanner) analyze(ctx context.Context, chain, wallet string, since time.Time) (WashReport, error) {
	history, err := s.store.WalletHistory(ctx, chain, wallet, since)
	if err != nil {
		return WashReport{}, fmt.Errorf("history: %w", err)
	}
	mates, err := s.store.WalletCluster(ctx, chain, wallet)
	if err != nil {
		return WashReport{}, fmt.Errorf("cluster: %w", err)
	}

	var cluster []store.WalletTrade
	for _, mate := range mates {
		if strings.EqualFold(mate, wallet) {
			continue
		}
		trades, err := s.store.WalletHistory(ctx, chain, mate, since)
		if err != nil {
			return WashReport{}, fmt.Errorf("cluster history: %w", err)
		}
		cluster = append(cluster, trades...)
	}

	r := s.detector.Analyze(history, cluster)
	r.Wallet = strings.ToLower(wallet)
	r.Chain = chain
	r.AnalyzedAt = s.now()
	return r, nil
}

// Penalty is the cached penalty for a wallet, 0 if never analyzed.
func (s *WashScanner) Penalty(chain, wallet string) float64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reports[washKey(chain, wallet)].Penalty
}

func (s *WashScanner) Report(chain, wallet string) (WashReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[washKey(chain, wallet)]
	return r, ok
}

// Flagged returns every cached report marked as a wash trader.
func (s *WashScanner) Flagged() []WashReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WashReport, 0)
	for _, r := range s.reports {
		if r.WashTrader {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func washKey(chain, wallet string) string {
	return strings.ToLower(chain + "|" + wallet)
}
