package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can be built without a registry in tests.
type Metrics struct {
	SignalsTotal        *prometheus.CounterVec
	SignalDuplicates    *prometheus.CounterVec
	SignalErrors        *prometheus.CounterVec
	TradeEvents         *prometheus.CounterVec
	StreamConnected     *prometheus.GaugeVec
	StreamReconnects    *prometheus.CounterVec
	ActiveSubscriptions *prometheus.GaugeVec
	RateLimits          *prometheus.CounterVec
	OpenExposureUSD     prometheus.Gauge
	OpenTrades          prometheus.Gauge
	WashTraders         prometheus.Gauge
	PriceFailures       prometheus.Counter
	RugChecks           *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		SignalsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "copybot",
			Name:      "signals_total",
			Help:      "Transfer signals handed to the signal gate.",
		}, []string{"chain", "source", "side"}),

		SignalDuplicates: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "copybot",
			Name:      "signal_duplicates_total",
			Help:      "Signals dropped by the dedup window.",
		}, []string{"source"}),

		SignalErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "copybot",
			Name:      "signal_errors_total",
			Help:      "Signals whose handler failed and were left unmarked for redelivery.",
		}, []string{"chain"}),

		TradeEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "copybot",
			Name:      "trade_events_total",
			Help:      "Copy-trade lifecycle events by kind and reason.",
		}, []string{"kind", "reason"}),

		StreamConnected: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "copybot",
			Name:      "stream_connected",
			Help:      "1 while a chain's log stream is connected.",
		}, []string{"manager", "chain"}),

		StreamReconnects: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "copybot",
			Name:      "stream_reconnects_total",
			Help:      "Log stream reconnect attempts.",
		}, []string{"manager", "chain"}),

		ActiveSubscriptions: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "copybot",
			Name:      "active_subscriptions",
			Help:      "Acknowledged eth_subscribe subscriptions.",
		}, []string{"manager", "chain"}),

		RateLimits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "copybot",
			Name:      "rate_limits_total",
			Help:      "Rate-limit responses from upstream providers.",
		}, []string{"upstream", "chain"}),

		OpenExposureUSD: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "copybot",
			Name:      "open_exposure_usd",
			Help:      "Total USD size of open copy trades.",
		}),

		OpenTrades: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "copybot",
			Name:      "open_trades",
			Help:      "Number of open copy trades.",
		}),

		WashTraders: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "copybot",
			Name:      "wash_traders",
			Help:      "Tracked wallets currently flagged as wash traders.",
		}),

		PriceFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "copybot",
			Name:      "price_failures_total",
			Help:      "Failed price lookups during price refresh.",
		}),

		RugChecks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "copybot",
			Name:      "rug_checks_total",
			Help:      "Liquidity checks after pool burns, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) signal(chain string, source SignalSource, side string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(chain, string(source), side).Inc()
}

func (m *Metrics) duplicate(source SignalSource) {
	if m == nil {
		return
	}
	m.SignalDuplicates.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) signalError(chain string) {
	if m == nil {
		return
	}
	m.SignalErrors.WithLabelValues(chain).Inc()
}

func (m *Metrics) tradeEvent(kind EventKind, reason string) {
	if m == nil {
		return
	}
	m.TradeEvents.WithLabelValues(string(kind), reason).Inc()
}

func (m *Metrics) streamConnected(manager, chain string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.StreamConnected.WithLabelValues(manager, chain).Set(v)
}

func (m *Metrics) streamReconnect(manager, chain string) {
	if m == nil {
		return
	}
	m.StreamReconnects.WithLabelValues(manager, chain).Inc()
}

func (m *Metrics) subscriptions(manager, chain string, n int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.WithLabelValues(manager, chain).Set(float64(n))
}

func (m *Metrics) rateLimited(upstream, chain string) {
	if m == nil {
		return
	}
	m.RateLimits.WithLabelValues(upstream, chain).Inc()
}

func (m *Metrics) exposure(usd float64, open int) {
	if m == nil {
		return
	}
	m.OpenExposureUSD.Set(usd)
	m.OpenTrades.Set(float64(open))
}

func (m *Metrics) washTraders(n int) {
	if m == nil {
		return
	}
	m.WashTraders.Set(float64(n))
}

func (m *Metrics) priceFailure() {
	if m == nil {
		return
	}
	m.PriceFailures.Inc()
}

func (m *Metrics) rugCheck(outcome string) {
	if m == nil {
		return
	}
	m.RugChecks.WithLabelValues(outcome).Inc()
}
