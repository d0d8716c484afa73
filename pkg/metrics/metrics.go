package metrics

import "github.com/prometheus/client_golang/prometheus"

var OrdersSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "exchange_orders_submitted_total",
	Help: "Orders that reached the matching engine",
}, []string{"kind", "side"})

var OrdersRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "exchange_orders_rejected_total",
	Help: "Orders refused before matching",
}, []string{"reason"})

var Matches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "exchange_matches_total",
	Help: "Settled matches",
}, []string{"instrument", "kind"})

var SettlementFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "exchange_settlement_failures_total",
	Help: "Matches whose settlement was rolled back",
})

var Cancels = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "exchange_cancels_total",
	Help: "Cancel requests by outcome",
}, []string{"removed"})

var SessionOpen = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "exchange_session_open",
	Help: "1 while the trading session is open",
})

var RestingOrders = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "exchange_resting_orders",
	Help: "Limit orders resting in the book",
})

var ProcessingDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "exchange_command_duration_seconds",
	Help:    "Engine command durations, settlement included",
	Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
}, []string{"command"})

var PublishDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "exchange_publish_dropped_total",
	Help: "Book updates dropped because a sink was full",
}, []string{"sink"})

func init() {
	prometheus.MustRegister(
		OrdersSubmitted, OrdersRejected, Matches, SettlementFailures, Cancels,
		SessionOpen, RestingOrders, ProcessingDurations, PublishDropped,
	)
}
