// Package metrics exposes the dispatch engine counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OffersOpenedTotal tracks offer attempts opened.
var OffersOpenedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "printfarm_dispatch_offers_opened_total",
		Help: "Total offer attempts opened",
	},
)

// OffersClosedTotal tracks finalized offer attempts by outcome.
var OffersClosedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "printfarm_dispatch_offers_closed_total",
		Help: "Total offer attempts finalized",
	},
	[]string{"outcome"},
)

// StaleResponsesTotal tracks accept/reject refused after the attempt closed.
var StaleResponsesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "printfarm_dispatch_stale_responses_total",
		Help: "Total farmer responses refused as stale",
	},
)

// OrdersTotal tracks orders reaching a dispatch outcome.
var OrdersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "printfarm_dispatch_orders_total",
		Help: "Total orders by dispatch outcome",
	},
	[]string{"outcome"}, // assigned | unassignable | cancelled
)

// PresenceEventsTotal tracks presence events applied to the registry.
var PresenceEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "printfarm_presence_events_total",
		Help: "Total presence events applied",
	},
	[]string{"type"},
)

// PresenceLookupFailuresTotal tracks transient presence lookup failures.
var PresenceLookupFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "printfarm_presence_lookup_failures_total",
		Help: "Total transient presence lookup failures",
	},
)

// PublishRetriesTotal tracks bus publish retries from the outbound buffer.
var PublishRetriesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "printfarm_events_publish_retries_total",
		Help: "Total bus publish retries",
	},
)

// OnlineFarmers tracks the current size of the online farmer set.
var OnlineFarmers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "printfarm_presence_online_farmers",
		Help: "Current online farmers",
	},
)
