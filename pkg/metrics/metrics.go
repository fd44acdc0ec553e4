package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersPlaced counts committed placements by market.
var OrdersPlaced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "perpcore_orders_placed_total",
		Help: "Total number of orders accepted into the book",
	},
	[]string{"market"},
)

// OrdersRejected counts placement rejections by reason code.
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "perpcore_orders_rejected_total",
		Help: "Total number of order placements rejected during validation",
	},
	[]string{"reason"},
)

// OrdersCancelled counts committed cancellations.
var OrdersCancelled = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "perpcore_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	},
)

// OrdersMatched counts committed fills by market.
var OrdersMatched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "perpcore_orders_matched_total",
		Help: "Total number of committed order matches",
	},
	[]string{"market"},
)

// MatchingErrors counts failed match attempts by reason code.
var MatchingErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "perpcore_matching_errors_total",
		Help: "Total number of match attempts rejected during validation",
	},
	[]string{"reason"},
)

// Liquidations counts committed liquidation fills by market.
var Liquidations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "perpcore_liquidations_total",
		Help: "Total number of committed liquidation fills",
	},
	[]string{"market"},
)

// MatchLatency records latency of match execution including settlement.
var MatchLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "perpcore_match_latency_seconds",
		Help:    "Latency in seconds of match validation and settlement",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(OrdersPlaced, OrdersRejected, OrdersCancelled,
		OrdersMatched, MatchingErrors, Liquidations, MatchLatency)
}
