// Package store holds the copy-trading domain model and the Store contract the
// engine depends on, plus an in-memory reference implementation.
package store

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// TradeStatus is the lifecycle state of a CopyTrade.
type TradeStatus string

const (
	StatusOpen    TradeStatus = "open"
	StatusClosed  TradeStatus = "closed"
	StatusSkipped TradeStatus = "skipped"
)

// TrackedWallet is an insider wallet followed on a chain.
type TrackedWallet struct {
	Address   string    `json:"address"`
	Chain     string    `json:"chain"`
	Score     float64   `json:"score"`
	Label     string    `json:"label,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// CopyTrade is a paper position mirroring one or more insiders on a token.
type CopyTrade struct {
	ID     string      `json:"id"`
	Wallet string      `json:"wallet"`
	Token  string      `json:"token"`
	Symbol string      `json:"symbol,omitempty"`
	Chain  string      `json:"chain"`
	Side   Side        `json:"side"`
	Status TradeStatus `json:"status"`

	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	PositionUSD  float64 `json:"position_usd"`

	LiquidityAtEntry float64 `json:"liquidity_at_entry"`
	LiquidityOK      bool    `json:"liquidity_ok"`
	PoolAddress      string  `json:"pool_address,omitempty"`

	AccumulationCount int      `json:"accumulation_count"`
	Insiders          []string `json:"insiders"`
	PeakPnLPct        float64  `json:"peak_pnl_pct"`

	CloseReason    string  `json:"close_reason,omitempty"`
	SkipReason     string  `json:"skip_reason,omitempty"`
	SkipDetail     string  `json:"skip_detail,omitempty"`
	ExitPrice      float64 `json:"exit_price,omitempty"`
	RealizedPnLUSD float64 `json:"realized_pnl_usd,omitempty"`

	OpenedAt  time.Time  `json:"opened_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Clone returns a deep copy.
func (t *CopyTrade) Clone() *CopyTrade {
	if t == nil {
		return nil
	}
	out := *t
	out.Insiders = append([]string(nil), t.Insiders...)
	if t.ClosedAt != nil {
		closedAt := *t.ClosedAt
		out.ClosedAt = &closedAt
	}
	return &out
}

// HasInsider reports whether wallet already contributed to the position.
func (t *CopyTrade) HasInsider(wallet string) bool {
	wallet = strings.ToLower(wallet)
	for _, w := range t.Insiders {
		if w == wallet {
			return true
		}
	}
	return false
}

// PnLPct is the unrealized return at price, in percent.
func (t *CopyTrade) PnLPct(price float64) float64 {
	if t.EntryPrice <= 0 {
		return 0
	}
	entry := decimal.NewFromFloat(t.EntryPrice)
	pct := decimal.NewFromFloat(price).Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	return pct.Round(4).InexactFloat64()
}

// PnLUSD is the P&L of the whole position if closed at price.
func (t *CopyTrade) PnLUSD(price float64) float64 {
	if t.EntryPrice <= 0 {
		return 0
	}
	size := decimal.NewFromFloat(t.PositionUSD)
	ratio := decimal.NewFromFloat(price).Div(decimal.NewFromFloat(t.EntryPrice))
	return size.Mul(ratio.Sub(decimal.NewFromInt(1))).Round(2).InexactFloat64()
}

// RugRecord counts confirmed liquidity rugs per token.
type RugRecord struct {
	Token     string    `json:"token"`
	Chain     string    `json:"chain"`
	Count     int       `json:"count"`
	LastRugAt time.Time `json:"last_rug_at"`
}

// WalletTrade is an insider's own trade, input to wash-trading analysis.
type WalletTrade struct {
	Wallet    string    `json:"wallet"`
	Chain     string    `json:"chain"`
	Token     string    `json:"token"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	SizeUSD   float64   `json:"size_usd"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WalletStats summarises closed copy trades attributed to a wallet.
type WalletStats struct {
	Closed            int `json:"closed"`
	Wins              int `json:"wins"`
	Losses            int `json:"losses"`
	ConsecutiveLosses int `json:"consecutive_losses"`
}

// WinRate is wins over closed trades, 0 when nothing closed.
func (s WalletStats) WinRate() float64 {
	if s.Closed == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Closed)
}
