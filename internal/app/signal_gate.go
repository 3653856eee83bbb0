package app

import (
	"context"
	"math/big"
	"strings"
	"time"

	"copybot/internal/store"

	"go.uber.org/zap"
)

// SignalSource is where a transfer signal was observed.
type SignalSource string

const (
	SourceStream SignalSource = "stream"
	SourcePoll   SignalSource = "poll"
)

// TransferSignal is a normalized "wallet touched token" event.
type TransferSignal struct {
	Chain      string
	Wallet     string
	Token      string
	Symbol     string // Known for explorer rows, empty for stream logs
	Side       store.Side
	TxHash     string
	Amount     *big.Int
	Decimals   int // -1 when unknown
	Source     SignalSource
	ObservedAt time.Time
}

func (s TransferSignal) DedupKey() string {
	return DedupKey(s.TxHash, s.Wallet, s.Token, string(s.Side))
}

// LockKey serializes buys and sells for one (wallet, token, chain).
func (s TransferSignal) LockKey() string {
	return strings.ToLower(s.Wallet + "|" + s.Token + "|" + s.Chain)
}

// SignalHandler acts on a signal. A nil error marks the signal processed.
type SignalHandler interface {
	HandleSignal(ctx context.Context, sig TransferSignal) error
}

type SignalHandlerFunc func(ctx context.Context, sig TransferSignal) error

func (f SignalHandlerFunc) HandleSignal(ctx context.Context, sig TransferSignal) error {
	return f(ctx, sig)
}

// SignalGate applies dedup and per-key serialization in front of the handler.
type SignalGate struct {
	logger  *zap.Logger
	dedup   *DedupWindow
	locks   *KeyedMutex
	handler SignalHandler
	metrics *Metrics
}

func NewSignalGate(logger *zap.Logger, dedup *DedupWindow, locks *KeyedMutex, handler SignalHandler, metrics *Metrics) *SignalGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &SignalGate{
		logger:  logger.Named("signal-gate"),
		dedup:   dedup,
		locks:   locks,
		handler: handler,
		metrics: metrics,
	}
}

// Process hands sig to the handler unless it was already processed. The
// signal is marked only after the handler succeeds, so a failure leaves it
// eligible for redelivery. Returns whether the handler ran.
func (g *SignalGate) Process(ctx context.Context, sig TransferSignal) (bool, error) {
	key := sig.DedupKey()
	if g.dedup.Seen(key) {
		g.metrics.duplicate(sig.Source)
		return false, nil
	}

	unlock := g.locks.Lock(sig.LockKey())
	defer unlock()

	// Another delivery may have finished while we waited on the lock.
	if g.dedup.Seen(key) {
		g.metrics.duplicate(sig.Source)
		return false, nil
	}

	g.metrics.signal(sig.Chain, sig.Source, string(sig.Side))

	if err := g.handler.HandleSignal(ctx, sig); err != nil {
		g.metrics.signalError(sig.Chain)
		g.logger.Warn("signal handler failed, leaving unmarked",
			zap.String("chain", sig.Chain),
			zap.String("wallet", shortID(sig.Wallet)),
			zap.String("token", shortID(sig.Token)),
			zap.String("side", string(sig.Side)),
			zap.String("tx", shortID(sig.TxHash)),
			zap.Error(err),
		)
		return true, err
	}

	g.dedup.Mark(key)
	return true, nil
}
