package notifier

import (
	"fmt"
	"strings"
	"time"
)

// AlertKind is the copy-trade lifecycle event being announced.
type AlertKind string

const (
	AlertOpened      AlertKind = "opened"
	AlertAccumulated AlertKind = "accumulated"
	AlertClosed      AlertKind = "closed"
	AlertSkipped     AlertKind = "skipped"
	AlertRugDetected AlertKind = "rug_detected"
)

// CopyTradeAlert contains all the data needed for a copy-trade notification.
type CopyTradeAlert struct {
	Kind AlertKind

	// Position
	TradeID     string
	Chain       string
	Token       string
	Symbol      string
	Wallet      string // Insider whose signal triggered the event
	PositionUSD float64
	EntryPrice  float64
	Price       float64 // Current or exit price
	Insiders    int

	// Outcome
	Reason string // Machine-readable skip/close reason
	Detail string
	PnLPct float64
	PnLUSD float64

	// Links
	TokenURL  string
	WalletURL string

	Timestamp time.Time
}

// Title is a one-line summary used as the message heading.
func (a CopyTradeAlert) Title() string {
	name := a.Symbol
	if name == "" {
		name = ShortAddress(a.Token)
	}

	switch a.Kind {
	case AlertOpened:
		return fmt.Sprintf("🟢 Copy opened: %s on %s", name, a.Chain)
	case AlertAccumulated:
		return fmt.Sprintf("➕ Accumulated: %s on %s", name, a.Chain)
	case AlertClosed:
		return fmt.Sprintf("🔴 Closed (%s): %s on %s", a.Reason, name, a.Chain)
	case AlertSkipped:
		return fmt.Sprintf("⏭️ Skipped (%s): %s on %s", a.Reason, name, a.Chain)
	case AlertRugDetected:
		return fmt.Sprintf("🚨 Liquidity rug: %s on %s", name, a.Chain)
	default:
		return fmt.Sprintf("%s: %s on %s", a.Kind, name, a.Chain)
	}
}

// ShortAddress abbreviates a hex address as 0x1234…abcd.
func ShortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

// FormatUSD renders a dollar amount with thousands separators.
func FormatUSD(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := fmt.Sprintf("%.2f", v)
	intPart, frac, _ := strings.Cut(whole, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + "$" + b.String() + "." + frac
}

// FormatPrice keeps significant digits for sub-cent token prices.
func FormatPrice(p float64) string {
	switch {
	case p == 0:
		return "$0"
	case p < 0.0001:
		return fmt.Sprintf("$%.4e", p)
	case p < 1:
		return fmt.Sprintf("$%.6f", p)
	default:
		return fmt.Sprintf("$%.4f", p)
	}
}

// Notifier is the interface for sending copy-trade alerts to various channels.
type Notifier interface {
	// SendCopyTradeAlert sends a copy-trade notification.
	SendCopyTradeAlert(alert CopyTradeAlert)

	// Close cleans up any resources.
	Close() error
}

// MultiNotifier broadcasts alerts to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a new MultiNotifier with the given notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	// Filter out nil notifiers
	var active []Notifier
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &MultiNotifier{notifiers: active}
}

// SendCopyTradeAlert sends the alert to all registered notifiers.
func (m *MultiNotifier) SendCopyTradeAlert(alert CopyTradeAlert) {
	for _, n := range m.notifiers {
		n.SendCopyTradeAlert(alert)
	}
}

// Close closes all registered notifiers.
func (m *MultiNotifier) Close() error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Count returns the number of active notifiers.
func (m *MultiNotifier) Count() int {
	return len(m.notifiers)
}
