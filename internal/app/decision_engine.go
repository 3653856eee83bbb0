package app

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"copybot/clients/dexscreener"
	"copybot/clients/goplus"
	"copybot/config"
	"copybot/internal/store"

	"github.com/shopspring/decimal"
)

// Skip reasons.
const (
	SkipWalletPaused      = "wallet_paused"
	SkipConsecutiveLosses = "consecutive_losses"
	SkipLowWinRate        = "low_win_rate"
	SkipRuggedBefore      = "rugged_before"
	SkipAlreadyHolding    = "already_holding"
	SkipExposureCap       = "exposure_cap"
	SkipExcludedToken     = "excluded_token"
	SkipSafetyUnavailable = "safety_unavailable"
	SkipSafetyKill        = "safety_kill"
	SkipPriceUnavailable  = "price_unavailable"
	SkipLowLiquidity      = "low_liquidity"
)

// Close reasons.
const (
	CloseInsiderExited = "insider_exited"
	CloseLiquidityRug  = "liquidity_rug"
	CloseTakeProfit    = "take_profit"
	CloseTrailingStop  = "trailing_stop"
	CloseStopLoss      = "stop_loss"
	CloseStalePrice    = "stale_price"
)

// Action is what the engine decided to do with a buy signal.
type Action string

const (
	ActionOpen       Action = "open"
	ActionAccumulate Action = "accumulate"
	ActionSkip       Action = "skip"
)

// DecisionConfig holds the thresholds the engine applies.
type DecisionConfig struct {
	MaxExposureUSD       float64
	BasePositionUSD      float64
	MinPositionUSD       float64
	MaxPositionUSD       float64
	AccumulationFraction float64
	MinLiquidityUSD      float64
	MaxTaxPct            float64
	ExcludedSymbols      []string

	ConsecutiveLosses int
	PauseWindow       time.Duration
	MinSample         int
	MinWinRate        float64

	StopLossPct    float64
	TakeProfitPct  float64
	TrailingLadder []config.TrailingStep
}

// DefaultDecisionConfig returns sensible defaults.
func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfigFrom(config.Defaults())
}

// DecisionConfigFrom extracts the engine's settings from cfg.
func DecisionConfigFrom(cfg *config.Config) DecisionConfig {
	ladder := append([]config.TrailingStep(nil), cfg.Exits.TrailingLadder...)
	sort.Slice(ladder, func(i, j int) bool { return ladder[i].PeakPct < ladder[j].PeakPct })

	return DecisionConfig{
		MaxExposureUSD:       cfg.Risk.MaxExposureUSD,
		BasePositionUSD:      cfg.Risk.BasePositionUSD,
		MinPositionUSD:       cfg.Risk.MinPositionUSD,
		MaxPositionUSD:       cfg.Risk.MaxPositionUSD,
		AccumulationFraction: cfg.Risk.AccumulationFraction,
		MinLiquidityUSD:      cfg.Risk.MinLiquidityUSD,
		MaxTaxPct:            cfg.Risk.MaxTaxPct,
		ExcludedSymbols:      append([]string(nil), cfg.Risk.ExcludedSymbols...),
		ConsecutiveLosses:    cfg.Breaker.ConsecutiveLosses,
		PauseWindow:          cfg.Breaker.PauseWindow,
		MinSample:            cfg.Breaker.MinSample,
		MinWinRate:           cfg.Breaker.MinWinRate,
		StopLossPct:          cfg.Exits.StopLossPct,
		TakeProfitPct:        cfg.Exits.TakeProfitPct,
		TrailingLadder:       ladder,
	}
}

// BuyInput is everything the engine needs to judge one insider buy. The
// caller reads it fresh from the store for every signal.
type BuyInput struct {
	Wallet      string
	Token       string
	Chain       string
	Symbol      string
	WalletScore float64
	Now         time.Time

	Breaker     BreakerState
	Stats       store.WalletStats
	Rug         store.RugRecord
	Existing    *store.CopyTrade // open trade on the token, any wallet
	ExposureUSD float64

	Safety *goplus.SafetyReport
	Info   *dexscreener.TokenInfo
}

// Decision is the engine's verdict.
type Decision struct {
	Action     Action
	Reason     string
	Detail     string
	SizeUSD    float64   // Position size on open, increment on accumulate
	PauseUntil time.Time // Set when the wallet should be paused

	Price        float64
	LiquidityUSD float64
}

func skip(reason, detail string) Decision {
	return Decision{Action: ActionSkip, Reason: reason, Detail: detail}
}

// DecisionEngine turns buy signals and price moves into actions. It holds no
// trading state; everything it judges comes in through its inputs.
type DecisionEngine struct {
	mu       sync.RWMutex
	config   DecisionConfig
	excluded map[string]struct{}
}

func NewDecisionEngine(cfg DecisionConfig) *DecisionEngine {
	e := &DecisionEngine{}
	e.UpdateConfig(cfg)
	return e
}

func (e *DecisionEngine) UpdateConfig(cfg DecisionConfig) {
	excluded := make(map[string]struct{}, len(cfg.ExcludedSymbols))
	for _, s := range cfg.ExcludedSymbols {
		excluded[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}

	e.mu.Lock()
	e.config = cfg
	e.excluded = excluded
	e.mu.Unlock()
}

func (e *DecisionEngine) Config() DecisionConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// Screen runs the checks that need no external lookups: circuit breaker,
// rug history, existing position and exposure. A non-skip result tells the
// caller whether it is looking at an open or an accumulation.
func (e *DecisionEngine) Screen(in BuyInput) Decision {
	cfg := e.Config()

	// 1. Circuit breaker
	if in.Breaker.Paused(in.Now) {
		return skip(SkipWalletPaused, "paused until "+in.Breaker.PausedUntil.UTC().Format(time.RFC3339))
	}
	if cfg.ConsecutiveLosses > 0 && in.Stats.ConsecutiveLosses >= cfg.ConsecutiveLosses &&
		in.Stats.Closed > in.Breaker.TrippedAtClosed {
		d := skip(SkipConsecutiveLosses, fmt.Sprintf("%d consecutive losses", in.Stats.ConsecutiveLosses))
		d.PauseUntil = in.Now.Add(cfg.PauseWindow)
		return d
	}
	if cfg.MinSample > 0 && in.Stats.Closed >= cfg.MinSample && in.Stats.WinRate() < cfg.MinWinRate {
		return skip(SkipLowWinRate, fmt.Sprintf("win rate %.0f%% over %d trades", in.Stats.WinRate()*100, in.Stats.Closed))
	}

	// 2. Rugged before
	if in.Rug.Count > 0 {
		return skip(SkipRuggedBefore, fmt.Sprintf("rugged %d time(s)", in.Rug.Count))
	}

	// 3. Existing position
	action := ActionOpen
	size := e.PositionSize(in.WalletScore)
	if in.Existing != nil {
		if in.Existing.HasInsider(in.Wallet) {
			return skip(SkipAlreadyHolding, "insider already in position "+shortID(in.Existing.ID))
		}
		action = ActionAccumulate
		size = e.AccumulationSize(in.Existing.PositionUSD)
	}

	// 4. Exposure
	projected := decimal.NewFromFloat(in.ExposureUSD).Add(decimal.NewFromFloat(size))
	if projected.GreaterThan(decimal.NewFromFloat(cfg.MaxExposureUSD)) {
		return skip(SkipExposureCap, fmt.Sprintf("projected $%s over cap $%.0f", projected.StringFixed(2), cfg.MaxExposureUSD))
	}

	return Decision{Action: action, SizeUSD: size}
}

// DecideBuy runs the full check sequence.
func (e *DecisionEngine) DecideBuy(in BuyInput) Decision {
	d := e.Screen(in)
	if d.Action == ActionSkip {
		return d
	}
	cfg := e.Config()

	symbol := in.Symbol
	if symbol == "" && in.Info != nil {
		symbol = in.Info.Symbol
	}
	if symbol == "" && in.Safety != nil {
		symbol = in.Safety.Symbol
	}

	// 5. Classification
	if e.IsExcludedSymbol(symbol) {
		return skip(SkipExcludedToken, symbol)
	}

	// 6. Safety
	if in.Safety == nil {
		return skip(SkipSafetyUnavailable, "")
	}
	if flags := in.Safety.KillFlags(cfg.MaxTaxPct); len(flags) > 0 {
		return skip(SkipSafetyKill, strings.Join(flags, ","))
	}

	// 7. Liquidity
	if in.Info == nil || in.Info.PriceUSD <= 0 {
		return skip(SkipPriceUnavailable, "")
	}
	d.Price = in.Info.PriceUSD
	d.LiquidityUSD = in.Info.LiquidityUSD
	if in.Info.LiquidityUSD < cfg.MinLiquidityUSD {
		d.Action = ActionSkip
		d.Reason = SkipLowLiquidity
		d.Detail = fmt.Sprintf("liquidity $%.0f below $%.0f", in.Info.LiquidityUSD, cfg.MinLiquidityUSD)
		return d
	}

	return d
}

// PositionSize scales the base size by wallet score: 0.5x at score 0, 1.5x
// at 100, clamped to the configured bounds.
func (e *DecisionEngine) PositionSize(score float64) float64 {
	cfg := e.Config()

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	mult := decimal.NewFromFloat(0.5).Add(decimal.NewFromFloat(score).Div(decimal.NewFromInt(100)))
	size := decimal.NewFromFloat(cfg.BasePositionUSD).Mul(mult)

	if min := decimal.NewFromFloat(cfg.MinPositionUSD); size.LessThan(min) {
		size = min
	}
	if max := decimal.NewFromFloat(cfg.MaxPositionUSD); cfg.MaxPositionUSD > 0 && size.GreaterThan(max) {
		size = max
	}
	return size.Round(2).InexactFloat64()
}

// AccumulationSize is the increment added when another insider buys in.
func (e *DecisionEngine) AccumulationSize(current float64) float64 {
	cfg := e.Config()
	return decimal.NewFromFloat(current).
		Mul(decimal.NewFromFloat(cfg.AccumulationFraction)).
		Round(2).InexactFloat64()
}

// IsExcludedSymbol matches configured symbols plus LP receipt shapes.
func (e *DecisionEngine) IsExcludedSymbol(symbol string) bool {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return false
	}

	e.mu.RLock()
	_, ok := e.excluded[s]
	e.mu.RUnlock()
	if ok {
		return true
	}
	return strings.HasSuffix(s, "-LP") || strings.HasPrefix(s, "UNI-V") || strings.HasSuffix(s, "_LP")
}

// ExitDecision is the price refresher's verdict for one open trade.
type ExitDecision struct {
	Close  bool
	Reason string
	PnLPct float64
	Peak   float64
}

// EvaluateExit checks take profit, then the trailing ladder, then the hard
// stop. The returned Peak never drops below the trade's stored peak.
func (e *DecisionEngine) EvaluateExit(t *store.CopyTrade, price float64) ExitDecision {
	cfg := e.Config()

	pnl := t.PnLPct(price)
	peak := t.PeakPnLPct
	if pnl > peak {
		peak = pnl
	}
	out := ExitDecision{PnLPct: pnl, Peak: peak}

	if cfg.TakeProfitPct > 0 && pnl >= cfg.TakeProfitPct {
		out.Close, out.Reason = true, CloseTakeProfit
		return out
	}
	if stop, ok := TrailingStop(cfg.TrailingLadder, peak); ok && pnl <= stop {
		out.Close, out.Reason = true, CloseTrailingStop
		return out
	}
	if cfg.StopLossPct > 0 && pnl <= -cfg.StopLossPct {
		out.Close, out.Reason = true, CloseStopLoss
		return out
	}
	return out
}

// TrailingStop returns the tightest stop among the rungs peak has reached.
// Ladder order does not matter.
func TrailingStop(ladder []config.TrailingStep, peak float64) (float64, bool) {
	stop, ok := 0.0, false
	for _, step := range ladder {
		if peak < step.PeakPct {
			continue
		}
		if !ok || step.StopPct > stop {
			stop, ok = step.StopPct, true
		}
	}
	return stop, ok
}
