package app

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"copybot/config"
	"copybot/internal/store"
)

// WashConfig holds the wash-trading thresholds. None of them are derived;
// they are tuning knobs.
type WashConfig struct {
	MinTrades      int
	PairWindow     time.Duration
	PriceTolerance float64
	SizeTolerance  float64
	MirrorWindow   time.Duration
	PairWeight     float64
	MirrorWeight   float64
	Threshold      float64
	PenaltySteps   []config.PenaltyStep
}

func DefaultWashConfig() WashConfig {
	return WashConfigFrom(config.Defaults())
}

func WashConfigFrom(cfg *config.Config) WashConfig {
	w := cfg.WashTrading
	steps := append([]config.PenaltyStep(nil), w.PenaltySteps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].MinScore > steps[j].MinScore })

	return WashConfig{
		MinTrades:      w.MinTrades,
		PairWindow:     w.PairWindow,
		PriceTolerance: w.PriceTolerance,
		SizeTolerance:  w.SizeTolerance,
		MirrorWindow:   w.MirrorWindow,
		PairWeight:     w.PairWeight,
		MirrorWeight:   w.MirrorWeight,
		Threshold:      w.Threshold,
		PenaltySteps:   steps,
	}
}

// WashReport is the outcome of analyzing one wallet.
type WashReport struct {
	Wallet      string    `json:"wallet"`
	Chain       string    `json:"chain"`
	Trades      int       `json:"trades"`
	Pairs       int       `json:"pairs"`
	PairRatio   float64   `json:"pair_ratio"`
	MirrorRatio float64   `json:"mirror_ratio"`
	Score       float64   `json:"score"`
	WashTrader  bool      `json:"wash_trader"`
	Penalty     float64   `json:"penalty"`
	AnalyzedAt  time.Time `json:"analyzed_at"`
}

// WashDetector scores wallets for self-dealing. Analyze has no side effects.
type WashDetector struct {
	mu     sync.RWMutex
	config WashConfig
}

func NewWashDetector(cfg WashConfig) *WashDetector {
	return &WashDetector{config: cfg}
}

func (d *WashDetector) UpdateConfig(cfg WashConfig) {
	sort.Slice(cfg.PenaltySteps, func(i, j int) bool { return cfg.PenaltySteps[i].MinScore > cfg.PenaltySteps[j].MinScore })
	d.mu.Lock()
	d.config = cfg
	d.mu.Unlock()
}

func (d *WashDetector) Config() WashConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Analyze scores history, the wallet's own trades, against cluster, trades
// by wallets linked to it. Below MinTrades the wallet is clean.
func (d *WashDetector) Analyze(history, cluster []store.WalletTrade) WashReport {
	cfg := d.Config()

	report := WashReport{Trades: len(history)}
	if len(history) > 0 {
		report.Wallet = history[0].Wallet
		report.Chain = history[0].Chain
	}
	if len(history) == 0 || len(history) < cfg.MinTrades {
		return report
	}

	report.Pairs = countOffsettingPairs(history, cfg)
	report.PairRatio = float64(2*report.Pairs) / float64(len(history))
	report.MirrorRatio = mirrorRatio(history, cluster, cfg.MirrorWindow)

	score := cfg.PairWeight*report.PairRatio + cfg.MirrorWeight*report.MirrorRatio
	report.Score = math.Max(0, math.Min(1, score))
	report.WashTrader = report.Score > cfg.Threshold
	report.Penalty = penaltyFor(report.Score, cfg.PenaltySteps)
	return report
}

// countOffsettingPairs greedily matches each buy, oldest first, to the
// nearest unmatched sell of the same token within the window and tolerances.
func countOffsettingPairs(history []store.WalletTrade, cfg WashConfig) int {
	trades := append([]store.WalletTrade(nil), history...)
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Timestamp.Before(trades[j].Timestamp) })

	used := make([]bool, len(trades))
	pairs := 0
	for i, buy := range trades {
		if buy.Side != store.SideBuy || used[i] {
			continue
		}

		best := -1
		var bestGap time.Duration
		for j, sell := range trades {
			if used[j] || sell.Side != store.SideSell || !strings.EqualFold(sell.Token, buy.Token) {
				continue
			}
			gap := absDuration(sell.Timestamp.Sub(buy.Timestamp))
			if gap > cfg.PairWindow {
				continue
			}
			if !withinTolerance(buy.Price, sell.Price, cfg.PriceTolerance) ||
				!withinTolerance(buy.SizeUSD, sell.SizeUSD, cfg.SizeTolerance) {
				continue
			}
			if best < 0 || gap < bestGap {
				best, bestGap = j, gap
			}
		}
		if best >= 0 {
			used[i], used[best] = true, true
			pairs++
		}
	}
	return pairs
}

// mirrorRatio is the fraction of history answered by a cluster-mate trading
// the opposite side of the same token within window.
func mirrorRatio(history, cluster []store.WalletTrade, window time.Duration) float64 {
	if len(history) == 0 || len(cluster) == 0 {
		return 0
	}
	mirrored := 0
	for _, t := range history {
		for _, c := range cluster {
			if strings.EqualFold(c.Wallet, t.Wallet) {
				continue
			}
			if c.Side == t.Side.Opposite() && strings.EqualFold(c.Token, t.Token) &&
				absDuration(c.Timestamp.Sub(t.Timestamp)) <= window {
				mirrored++
				break
			}
		}
	}
	return float64(mirrored) / float64(len(history))
}

// withinTolerance is |a-b|/a <= tol. Zero or negative values never match.
func withinTolerance(a, b, tol float64) bool {
	if a <= 0 || b <= 0 {
		return false
	}
	return math.Abs(a-b)/a <= tol
}

func penaltyFor(score float64, steps []config.PenaltyStep) float64 {
	for _, s := range steps {
		if score >= s.MinScore {
			return s.Penalty
		}
	}
	return 0
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
