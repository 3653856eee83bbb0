package app

import (
	"context"

	"copybot/clients/dexscreener"
	"copybot/clients/erc20"
	"copybot/clients/explorer"
	"copybot/clients/goplus"
)

// TokenInfoProvider looks up price, liquidity and pool for tokens.
// *dexscreener.Client satisfies it.
type TokenInfoProvider interface {
	TokenInfo(ctx context.Context, chain, token string) (*dexscreener.TokenInfo, error)
	TokenInfos(ctx context.Context, chain string, tokens []string) (map[string]*dexscreener.TokenInfo, error)
}

// SafetyProvider returns a token security report. *goplus.Client satisfies it.
type SafetyProvider interface {
	TokenSafety(ctx context.Context, chainID int64, token string) (*goplus.SafetyReport, error)
}

// DecimalsSource resolves a token's ERC-20 decimals. *erc20.Client
// satisfies it.
type DecimalsSource interface {
	TokenDecimals(ctx context.Context, chain, token string) (int, error)
}

// TransferHistoryProvider lists a wallet's recent token transfers.
// *explorer.Client satisfies it.
type TransferHistoryProvider interface {
	TokenTransfers(ctx context.Context, baseURL, apiKey, wallet string, limit int) ([]explorer.TokenTransfer, error)
}

// WalletSource yields the lower-case wallets worth watching, keyed by chain.
type WalletSource interface {
	QualifiedWallets(ctx context.Context) (map[string][]string, error)
}

var (
	_ TokenInfoProvider       = (*dexscreener.Client)(nil)
	_ SafetyProvider          = (*goplus.Client)(nil)
	_ DecimalsSource          = (*erc20.Client)(nil)
	_ TransferHistoryProvider = (*explorer.Client)(nil)
)
