package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"copybot/clients/dexscreener"
	"copybot/clients/goplus"
	"copybot/clients/notifier"
	"copybot/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ScoreSource returns a wallet's effective ranking score.
type ScoreSource interface {
	WalletScore(ctx context.Context, chain, wallet string) (float64, bool)
}

// CopyTrader applies engine decisions to the store. It is the SignalGate's
// handler: buys open or accumulate, sells close every position on the token.
type CopyTrader struct {
	logger   *zap.Logger
	store    store.Store
	engine   *DecisionEngine
	breaker  *CircuitBreaker
	tokens   TokenInfoProvider
	safety   SafetyProvider
	decimals DecimalsSource
	scores   ScoreSource
	bus      EventPublisher
	locks    *KeyedMutex
	chainID  func(chain string) int64

	now func() time.Time
}

func NewCopyTrader(
	logger *zap.Logger,
	st store.Store,
	engine *DecisionEngine,
	breaker *CircuitBreaker,
	tokens TokenInfoProvider,
	safety SafetyProvider,
	decimals DecimalsSource,
	scores ScoreSource,
	bus EventPublisher,
	locks *KeyedMutex,
	chainID func(chain string) int64,
) *CopyTrader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &CopyTrader{
		logger:   logger.Named("copy-trader"),
		store:    st,
		engine:   engine,
		breaker:  breaker,
		tokens:   tokens,
		safety:   safety,
		decimals: decimals,
		scores:   scores,
		bus:      bus,
		locks:    locks,
		chainID:  chainID,
		now:      time.Now,
	}
}

// tokenLockKey serializes every mutation of one token's position.
func tokenLockKey(chain, token string) string {
	return "token|" + strings.ToLower(chain+"|"+token)
}

// exposureLockKey guards the exposure read through the open or accumulate
// it allows. Always taken after a token lock, never before.
const exposureLockKey = "exposure"

// HandleSignal applies one insider trade. The trade lands in wallet history
// only once the handler succeeds, so gate retries do not repeat it.
func (ct *CopyTrader) HandleSignal(ctx context.Context, sig TransferSignal) error {
	var (
		price float64
		err   error
	)
	switch sig.Side {
	case store.SideBuy:
		price, err = ct.handleBuy(ctx, sig)
	case store.SideSell:
		price, err = ct.handleSell(ctx, sig)
	default:
		return fmt.Errorf("unknown side %q", sig.Side)
	}
	if err != nil {
		return err
	}
	ct.recordHistory(ctx, sig, price)
	return nil
}

func (ct *CopyTrader) handleBuy(ctx context.Context, sig TransferSignal) (float64, error) {
	unlock := ct.locks.Lock(tokenLockKey(sig.Chain, sig.Token))
	defer unlock()

	in, err := ct.buyInput(ctx, sig)
	if err != nil {
		return 0, err
	}

	if d := ct.engine.Screen(in); d.Action == ActionSkip {
		// Still priced: the insider's trade feeds wash analysis.
		in.Info = ct.fetchInfo(ctx, sig.Chain, sig.Token)
		return priceOf(in.Info), ct.applySkip(ctx, in, d)
	}

	in.Safety = ct.fetchSafety(ctx, sig.Chain, sig.Token)
	in.Info = ct.fetchInfo(ctx, sig.Chain, sig.Token)
	price := priceOf(in.Info)

	unlockExposure := ct.locks.Lock(exposureLockKey)
	defer unlockExposure()

	if in.ExposureUSD, err = ct.store.OpenExposureUSD(ctx); err != nil {
		return price, fmt.Errorf("exposure: %w", err)
	}

	d := ct.engine.DecideBuy(in)
	switch d.Action {
	case ActionOpen:
		return price, ct.applyOpen(ctx, in, d)
	case ActionAccumulate:
		return price, ct.applyAccumulate(ctx, in, d)
	default:
		return price, ct.applySkip(ctx, in, d)
	}
}

func priceOf(info *dexscreener.TokenInfo) float64 {
	if info == nil {
		return 0
	}
	return info.PriceUSD
}

// buyInput reads the store state the engine needs. Nothing here is cached.
func (ct *CopyTrader) buyInput(ctx context.Context, sig TransferSignal) (BuyInput, error) {
	in := BuyInput{
		Wallet:  strings.ToLower(sig.Wallet),
		Token:   strings.ToLower(sig.Token),
		Chain:   sig.Chain,
		Symbol:  sig.Symbol,
		Now:     ct.now(),
		Breaker: ct.breaker.State(sig.Chain, sig.Wallet),
	}

	if ct.scores != nil {
		if score, ok := ct.scores.WalletScore(ctx, sig.Chain, sig.Wallet); ok {
			in.WalletScore = score
		}
	} else if w, ok, err := ct.store.TrackedWallet(ctx, sig.Chain, sig.Wallet); err == nil && ok {
		in.WalletScore = w.Score
	}

	var err error
	if in.Stats, err = ct.store.WalletStats(ctx, sig.Chain, sig.Wallet); err != nil {
		return in, fmt.Errorf("wallet stats: %w", err)
	}
	if in.Rug, err = ct.store.RugRecord(ctx, sig.Chain, sig.Token); err != nil {
		return in, fmt.Errorf("rug record: %w", err)
	}
	open, err := ct.store.OpenTradesByToken(ctx, sig.Chain, sig.Token)
	if err != nil {
		return in, fmt.Errorf("open trades: %w", err)
	}
	if len(open) > 0 {
		in.Existing = open[0]
	}
	if in.ExposureUSD, err = ct.store.OpenExposureUSD(ctx); err != nil {
		return in, fmt.Errorf("exposure: %w", err)
	}
	return in, nil
}

func (ct *CopyTrader) fetchSafety(ctx context.Context, chain, token string) *goplus.SafetyReport {
	if ct.safety == nil {
		return nil
	}
	id := int64(0)
	if ct.chainID != nil {
		id = ct.chainID(chain)
	}
	report, err := ct.safety.TokenSafety(ctx, id, token)
	if err != nil {
		ct.logger.Debug("safety lookup failed",
			zap.String("chain", chain),
			zap.String("token", shortID(token)),
			zap.Error(err),
		)
		return nil
	}
	return report
}

func (ct *CopyTrader) fetchInfo(ctx context.Context, chain, token string) *dexscreener.TokenInfo {
	if ct.tokens == nil {
		return nil
	}
	info, err := ct.tokens.TokenInfo(ctx, chain, token)
	if err != nil {
		ct.logger.Debug("token lookup failed",
			zap.String("chain", chain),
			zap.String("token", shortID(token)),
			zap.Error(err),
		)
		return nil
	}
	return info
}

func (ct *CopyTrader) applyOpen(ctx context.Context, in BuyInput, d Decision) error {
	t := &store.CopyTrade{
		Wallet:           in.Wallet,
		Token:            in.Token,
		Symbol:           symbolOf(in),
		Chain:            in.Chain,
		Side:             store.SideBuy,
		EntryPrice:       d.Price,
		CurrentPrice:     d.Price,
		PositionUSD:      d.SizeUSD,
		LiquidityAtEntry: d.LiquidityUSD,
		LiquidityOK:      true,
	}
	if in.Info != nil {
		t.PoolAddress = strings.ToLower(in.Info.PoolAddress)
	}

	opened, err := ct.store.OpenTrade(ctx, t)
	if errors.Is(err, store.ErrDuplicateOpen) {
		return ct.applySkip(ctx, in, skip(SkipAlreadyHolding, "open raced with an existing position"))
	}
	if err != nil {
		return fmt.Errorf("open trade: %w", err)
	}

	ct.logger.Info("opened copy trade",
		zap.String("id", shortID(opened.ID)),
		zap.String("chain", opened.Chain),
		zap.String("token", shortID(opened.Token)),
		zap.String("wallet", shortID(in.Wallet)),
		zap.Float64("size_usd", opened.PositionUSD),
		zap.Float64("price", opened.EntryPrice),
		zap.Float64("liquidity_usd", opened.LiquidityAtEntry),
	)
	ct.publish(EventOpened, opened, in.Wallet, "", "", opened.EntryPrice)
	return nil
}

func (ct *CopyTrader) applyAccumulate(ctx context.Context, in BuyInput, d Decision) error {
	updated, err := ct.store.AccumulateTrade(ctx, in.Existing.ID, in.Wallet, d.SizeUSD, d.Price)
	if errors.Is(err, store.ErrNotOpen) || errors.Is(err, store.ErrNotFound) {
		// Closed between read and write; the next delivery sees fresh state.
		return fmt.Errorf("accumulate %s: %w", shortID(in.Existing.ID), err)
	}
	if err != nil {
		return fmt.Errorf("accumulate trade: %w", err)
	}

	ct.logger.Info("accumulated copy trade",
		zap.String("id", shortID(updated.ID)),
		zap.String("token", shortID(updated.Token)),
		zap.String("wallet", shortID(in.Wallet)),
		zap.Float64("added_usd", d.SizeUSD),
		zap.Float64("position_usd", updated.PositionUSD),
		zap.Int("insiders", updated.AccumulationCount),
	)
	ct.publish(EventAccumulated, updated, in.Wallet, "", "", d.Price)
	return nil
}

func (ct *CopyTrader) applySkip(ctx context.Context, in BuyInput, d Decision) error {
	if !d.PauseUntil.IsZero() {
		ct.breaker.Pause(in.Chain, in.Wallet, d.PauseUntil, in.Stats)
		ct.logger.Warn("paused wallet",
			zap.String("chain", in.Chain),
			zap.String("wallet", shortID(in.Wallet)),
			zap.Time("until", d.PauseUntil),
			zap.Int("consecutive_losses", in.Stats.ConsecutiveLosses),
		)
	}

	t := &store.CopyTrade{
		Wallet:           in.Wallet,
		Token:            in.Token,
		Symbol:           symbolOf(in),
		Chain:            in.Chain,
		Side:             store.SideBuy,
		EntryPrice:       d.Price,
		CurrentPrice:     d.Price,
		PositionUSD:      d.SizeUSD,
		LiquidityAtEntry: d.LiquidityUSD,
		SkipReason:       d.Reason,
		SkipDetail:       d.Detail,
	}
	rec, err := ct.store.RecordSkip(ctx, t)
	if errors.Is(err, store.ErrOpenPosition) {
		// The wallet already rides the open trade; report against it.
		rec, err = ct.openRecord(ctx, in)
	}
	if err != nil {
		return fmt.Errorf("record skip: %w", err)
	}

	ct.logger.Info("skipped buy signal",
		zap.String("chain", in.Chain),
		zap.String("token", shortID(in.Token)),
		zap.String("wallet", shortID(in.Wallet)),
		zap.String("reason", d.Reason),
		zap.String("detail", d.Detail),
	)
	ct.publish(EventSkipped, rec, in.Wallet, d.Reason, d.Detail, d.Price)
	return nil
}

// openRecord returns the open trade the buy was skipped against.
func (ct *CopyTrader) openRecord(ctx context.Context, in BuyInput) (*store.CopyTrade, error) {
	if in.Existing != nil {
		return in.Existing, nil
	}
	open, err := ct.store.OpenTradesByToken(ctx, in.Chain, in.Token)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, store.ErrNotOpen
	}
	return open[0], nil
}

func (ct *CopyTrader) handleSell(ctx context.Context, sig TransferSignal) (float64, error) {
	price := priceOf(ct.fetchInfo(ctx, sig.Chain, sig.Token))

	closed, err := ct.CloseToken(ctx, sig.Chain, sig.Token, price, CloseInsiderExited, "sold by "+notifier.ShortAddress(sig.Wallet), sig.Wallet)
	if err != nil {
		return price, err
	}
	if closed > 0 {
		ct.logger.Info("insider exited, closed positions",
			zap.String("chain", sig.Chain),
			zap.String("token", shortID(sig.Token)),
			zap.String("wallet", shortID(sig.Wallet)),
			zap.Int("closed", closed),
		)
	}
	return price, nil
}

// CloseToken closes every open trade on the token. A non-positive price
// falls back to each trade's last observed price. Returns how many closed.
func (ct *CopyTrader) CloseToken(ctx context.Context, chain, token string, price float64, reason, detail, wallet string) (int, error) {
	unlock := ct.locks.Lock(tokenLockKey(chain, token))
	defer unlock()

	open, err := ct.store.OpenTradesByToken(ctx, chain, token)
	if err != nil {
		return 0, fmt.Errorf("open trades: %w", err)
	}

	closed := 0
	for _, t := range open {
		exit := price
		if exit <= 0 {
			exit = t.CurrentPrice
		}
		if _, err := ct.closeTrade(ctx, t, exit, reason, detail, wallet); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// CloseTrade closes one trade under its token lock. A trade that is no
// longer open is ignored.
func (ct *CopyTrader) CloseTrade(ctx context.Context, t *store.CopyTrade, price float64, reason, detail string) (bool, error) {
	unlock := ct.locks.Lock(tokenLockKey(t.Chain, t.Token))
	defer unlock()

	cur, ok, err := ct.store.Trade(ctx, t.ID)
	if err != nil {
		return false, fmt.Errorf("trade: %w", err)
	}
	if !ok || cur.Status != store.StatusOpen {
		return false, nil
	}
	return ct.closeTrade(ctx, cur, price, reason, detail, "")
}

func (ct *CopyTrader) closeTrade(ctx context.Context, t *store.CopyTrade, price float64, reason, detail, wallet string) (bool, error) {
	closed, err := ct.store.CloseTrade(ctx, t.ID, price, reason)
	if errors.Is(err, store.ErrNotOpen) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("close trade %s: %w", shortID(t.ID), err)
	}

	ct.logger.Info("closed copy trade",
		zap.String("id", shortID(closed.ID)),
		zap.String("token", shortID(closed.Token)),
		zap.String("reason", reason),
		zap.Float64("exit_price", closed.ExitPrice),
		zap.Float64("pnl_usd", closed.RealizedPnLUSD),
	)
	ct.publish(EventClosed, closed, wallet, reason, detail, price)
	return true, nil
}

// recordHistory stores the insider's own trade for wash analysis. Stream
// signals carry no decimals, so they are resolved on chain.
func (ct *CopyTrader) recordHistory(ctx context.Context, sig TransferSignal, price float64) {
	if sig.Decimals < 0 && sig.Amount != nil && price > 0 && ct.decimals != nil {
		if d, err := ct.decimals.TokenDecimals(ctx, sig.Chain, sig.Token); err != nil {
			ct.logger.Debug("decimals lookup failed",
				zap.String("chain", sig.Chain),
				zap.String("token", shortID(sig.Token)),
				zap.Error(err),
			)
		} else {
			sig.Decimals = d
		}
	}

	wt := store.WalletTrade{
		Wallet:    strings.ToLower(sig.Wallet),
		Chain:     sig.Chain,
		Token:     strings.ToLower(sig.Token),
		Side:      sig.Side,
		Price:     price,
		SizeUSD:   transferUSD(sig.Amount, sig.Decimals, price),
		TxHash:    sig.TxHash,
		Timestamp: sig.ObservedAt,
	}
	if wt.Timestamp.IsZero() {
		wt.Timestamp = ct.now()
	}
	if err := ct.store.RecordWalletTrade(ctx, wt); err != nil {
		ct.logger.Debug("failed to record wallet trade", zap.Error(err))
	}
}

func (ct *CopyTrader) publish(kind EventKind, t *store.CopyTrade, wallet, reason, detail string, price float64) {
	if ct.bus == nil {
		return
	}
	ct.bus.Publish(TradeEvent{
		Kind:      kind,
		Trade:     t,
		Wallet:    wallet,
		Chain:     t.Chain,
		Token:     t.Token,
		Reason:    reason,
		Detail:    detail,
		Price:     price,
		Timestamp: ct.now(),
	})
}

// transferUSD values a raw token amount. Unknown decimals or price give 0.
func transferUSD(amount *big.Int, decimals int, price float64) float64 {
	if amount == nil || decimals < 0 || price <= 0 {
		return 0
	}
	units := decimal.NewFromBigInt(amount, int32(-decimals))
	return units.Mul(decimal.NewFromFloat(price)).Round(2).InexactFloat64()
}

func symbolOf(in BuyInput) string {
	if in.Symbol != "" {
		return in.Symbol
	}
	if in.Info != nil && in.Info.Symbol != "" {
		return in.Info.Symbol
	}
	if in.Safety != nil {
		return in.Safety.Symbol
	}
	return ""
}
