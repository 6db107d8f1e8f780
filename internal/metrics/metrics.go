// Package metrics holds the Prometheus collectors for the matching engine,
// the deposit reconciler and the wallet.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const namespace = "cryptoexchange"

// Metrics groups every collector the exchange exports.
type Metrics struct {
	OrdersPlaced   *prometheus.CounterVec
	OrdersRejected *prometheus.CounterVec
	OrdersResting  *prometheus.GaugeVec
	Trades         *prometheus.CounterVec
	TradedVolume   *prometheus.CounterVec
	FeesCollected  *prometheus.CounterVec
	MatchLatency   *prometheus.HistogramVec

	DepositsCredited  *prometheus.CounterVec
	DepositAmount     *prometheus.CounterVec
	ReconcileErrors   *prometheus.CounterVec
	ReconcileSkipped  *prometheus.CounterVec
	ReconcileDuration *prometheus.HistogramVec
	CursorHeight      *prometheus.GaugeVec

	Withdrawals *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders accepted by the matching engine.",
		}, []string{"market", "side"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected before reaching the book.",
		}, []string{"market", "reason"}),
		OrdersResting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orders_resting",
			Help:      "Orders currently resting on the book.",
		}, []string{"market", "side"}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Executed trades.",
		}, []string{"market"}),
		TradedVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traded_volume_base_total",
			Help:      "Executed quantity in the base coin.",
		}, []string{"market"}),
		FeesCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_collected_quote_total",
			Help:      "Fees credited to the fee account, in the quote coin.",
		}, []string{"market"}),
		MatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_duration_seconds",
			Help:      "Time from lock acquisition to commit of one order.",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"market"}),

		DepositsCredited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_credited_total",
			Help:      "Deposits credited to user balances.",
		}, []string{"coin"}),
		DepositAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposit_amount_total",
			Help:      "Sum of credited deposit amounts.",
		}, []string{"coin"}),
		ReconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_errors_total",
			Help:      "Failed address syncs by kind.",
		}, []string{"coin", "kind"}),
		ReconcileSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_skipped_total",
			Help:      "Address syncs skipped because the previous one was still running.",
		}, []string{"coin"}),
		ReconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of one address sync.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"coin"}),
		CursorHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_height",
			Help:      "Highest committed scan height per coin.",
		}, []string{"coin"}),

		Withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Withdrawal attempts by result.",
		}, []string{"coin", "result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.OrdersPlaced, m.OrdersRejected, m.OrdersResting, m.Trades,
			m.TradedVolume, m.FeesCollected, m.MatchLatency,
			m.DepositsCredited, m.DepositAmount, m.ReconcileErrors,
			m.ReconcileSkipped, m.ReconcileDuration, m.CursorHeight,
			m.Withdrawals,
		)
	}
	return m
}

// Add increments c by an exact decimal, converted to float64.
func Add(c prometheus.Counter, v decimal.Decimal) {
	if v.IsPositive() {
		c.Add(v.InexactFloat64())
	}
}
