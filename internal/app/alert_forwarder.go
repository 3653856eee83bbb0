package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"copybot/clients/notifier"
	"copybot/config"

	"go.uber.org/zap"
)

// AlertForwarder turns bus events into notifier alerts.
type AlertForwarder struct {
	logger   *zap.Logger
	notifier notifier.Notifier
	chains   map[string]config.ChainConfig
}

func NewAlertForwarder(logger *zap.Logger, n notifier.Notifier, chains []config.ChainConfig) *AlertForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]config.ChainConfig, len(chains))
	for _, ch := range chains {
		byName[ch.Name] = ch
	}
	return &AlertForwarder{
		logger:   logger.Named("alert-forwarder"),
		notifier: n,
		chains:   byName,
	}
}

// Run forwards events until the channel closes or ctx is canceled.
func (f *AlertForwarder) Run(ctx context.Context, events <-chan TradeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.Forward(ev)
		}
	}
}

func (f *AlertForwarder) Forward(ev TradeEvent) {
	if f.notifier == nil {
		return
	}
	alert := f.BuildAlert(ev)
	f.notifier.SendCopyTradeAlert(alert)
	f.logger.Debug("forwarded alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("token", shortID(alert.Token)),
		zap.String("reason", alert.Reason),
	)
}

func (f *AlertForwarder) BuildAlert(ev TradeEvent) notifier.CopyTradeAlert {
	alert := notifier.CopyTradeAlert{
		Kind:      notifier.AlertKind(ev.Kind),
		Chain:     ev.Chain,
		Token:     ev.Token,
		Wallet:    ev.Wallet,
		Price:     ev.Price,
		Reason:    ev.Reason,
		Detail:    ev.Detail,
		Timestamp: ev.Timestamp,
	}

	if t := ev.Trade; t != nil {
		alert.TradeID = t.ID
		alert.Symbol = nz(t.Symbol, shortID(t.Token))
		alert.PositionUSD = t.PositionUSD
		alert.EntryPrice = t.EntryPrice
		alert.Insiders = len(t.Insiders)
		if alert.Wallet == "" {
			alert.Wallet = t.Wallet
		}
		if ev.Kind == EventClosed {
			alert.Price = t.ExitPrice
			alert.PnLPct = t.PnLPct(t.ExitPrice)
			alert.PnLUSD = t.RealizedPnLUSD
		}
		if ev.Kind == EventRugDetected && ev.Price > 0 {
			alert.PnLPct = t.PnLPct(ev.Price)
		}
	}

	alert.TokenURL = fmt.Sprintf("https://dexscreener.com/%s/%s", strings.ToLower(ev.Chain), ev.Token)
	if ch, ok := f.chains[ev.Chain]; ok && alert.Wallet != "" {
		alert.WalletURL = explorerAddressURL(ch.ExplorerURL, alert.Wallet)
	}
	return alert
}

// explorerAddressURL maps an explorer API endpoint such as
// https://api.basescan.org/api to its site's address page.
func explorerAddressURL(apiURL, addr string) string {
	u, err := url.Parse(apiURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.TrimPrefix(u.Host, "api.")
	host = strings.TrimPrefix(host, "api-")
	return fmt.Sprintf("https://%s/address/%s", host, addr)
}
