package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateOpen is returned when an open races with an existing open
	// position on the same token.
	ErrDuplicateOpen = errors.New("open trade already exists for token")
	ErrNotFound      = errors.New("not found")
	ErrNotOpen       = errors.New("trade is not open")
	// ErrOpenPosition is returned by RecordSkip when the wallet is already
	// an insider on the token's open trade.
	ErrOpenPosition = errors.New("wallet already holds the open trade")
)

// Store is the persistence contract the engine depends on. Addresses are
// compared case-insensitively.
type Store interface {
	TrackedWallets(ctx context.Context) ([]TrackedWallet, error)
	TrackedWallet(ctx context.Context, chain, address string) (TrackedWallet, bool, error)
	UpsertWallet(ctx context.Context, w TrackedWallet) error

	RecordWalletTrade(ctx context.Context, t WalletTrade) error
	WalletHistory(ctx context.Context, chain, wallet string, since time.Time) ([]WalletTrade, error)
	WalletCluster(ctx context.Context, chain, wallet string) ([]string, error)
	SetCluster(ctx context.Context, chain string, wallets []string) error

	OpenTrade(ctx context.Context, t *CopyTrade) (*CopyTrade, error)
	AccumulateTrade(ctx context.Context, id, wallet string, addUSD, price float64) (*CopyTrade, error)
	UpdateTradePrice(ctx context.Context, id string, price, peakPnLPct float64) (*CopyTrade, error)
	SetPoolAddress(ctx context.Context, id, pool string) error
	CloseTrade(ctx context.Context, id string, exitPrice float64, reason string) (*CopyTrade, error)
	RecordSkip(ctx context.Context, t *CopyTrade) (*CopyTrade, error)

	Trade(ctx context.Context, id string) (*CopyTrade, bool, error)
	ListOpenTrades(ctx context.Context) ([]*CopyTrade, error)
	OpenTradesByToken(ctx context.Context, chain, token string) ([]*CopyTrade, error)
	OpenExposureUSD(ctx context.Context) (float64, error)
	WalletStats(ctx context.Context, chain, wallet string) (WalletStats, error)

	IncrementRug(ctx context.Context, chain, token string) (RugRecord, error)
	RugRecord(ctx context.Context, chain, token string) (RugRecord, error)
}
