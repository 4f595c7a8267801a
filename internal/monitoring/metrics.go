package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Trading metrics
	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_trades_total",
			Help: "Total number of trades executed",
		},
		[]string{"session", "symbol", "side"},
	)

	tradeNotional = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trader_trade_notional",
			Help:    "Distribution of executed trade notionals",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
		[]string{"session", "symbol"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_rejections_total",
			Help: "Trade attempts rejected, by reason code",
		},
		[]string{"session", "reason"},
	)

	// Safety metrics
	breakerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_breaker_trips_total",
			Help: "Circuit breaker trips, by scope",
		},
		[]string{"session", "scope"},
	)

	// Risk metrics
	marketStress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_market_stress",
			Help: "Composite market stress score",
		},
		[]string{"session"},
	)

	sessionBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_balance",
			Help: "Available quote balance",
		},
		[]string{"session"},
	)

	openPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Open positions held",
		},
		[]string{"session"},
	)

	// Error metrics
	brokerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_broker_errors_total",
			Help: "Broker call failures, by code",
		},
		[]string{"session", "code"},
	)
)

func init() {
	prometheus.MustRegister(tradesTotal)
	prometheus.MustRegister(tradeNotional)
	prometheus.MustRegister(rejectionsTotal)
	prometheus.MustRegister(breakerTripsTotal)
	prometheus.MustRegister(marketStress)
	prometheus.MustRegister(sessionBalance)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(brokerErrorsTotal)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTrade records an executed trade.
func RecordTrade(session, symbol, side string, notional float64) {
	tradesTotal.WithLabelValues(session, symbol, side).Inc()
	tradeNotional.WithLabelValues(session, symbol).Observe(notional)
}

// RecordRejection counts a safety or arbiter rejection by reason code.
func RecordRejection(session, reason string) {
	rejectionsTotal.WithLabelValues(session, reason).Inc()
}

// RecordBreakerTrip counts a circuit breaker trip.
func RecordBreakerTrip(session, scope string) {
	breakerTripsTotal.WithLabelValues(session, scope).Inc()
}

// UpdateMarketStress publishes the latest stress score.
func UpdateMarketStress(session string, stress float64) {
	marketStress.WithLabelValues(session).Set(stress)
}

// UpdateBalance publishes the session's quote balance and position count.
func UpdateBalance(session string, balance float64, positions int) {
	sessionBalance.WithLabelValues(session).Set(balance)
	openPositions.WithLabelValues(session).Set(float64(positions))
}

// RecordBrokerError counts a broker failure by normalized code.
func RecordBrokerError(session, code string) {
	brokerErrorsTotal.WithLabelValues(session, code).Inc()
}
