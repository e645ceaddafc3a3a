// Package telemetry exposes the sync core's prometheus collectors. The
// ops server serves them at /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flocksync_feed_events_total",
		Help: "Change-feed events routed, by table and event type.",
	}, []string{"table", "type"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flocksync_feed_events_dropped_total",
		Help: "Change-feed events dropped because the dispatch queue was full.",
	})

	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flocksync_feed_reconnects_total",
		Help: "Change-feed reconnections followed by a full resync.",
	})

	DirectoryReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flocksync_directory_reloads_total",
		Help: "Directory reloads by origin (triggered counts raw requests, run counts coalesced executions).",
	}, []string{"stage"})

	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flocksync_optimistic_reconciliations_total",
		Help: "Provisional messages reconciled, by path (confirm or echo).",
	}, []string{"path"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flocksync_store_errors_total",
		Help: "Store call failures, by operation.",
	}, []string{"op"})

	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flocksync_store_retries_total",
		Help: "Store calls retried after a transient failure.",
	})

	CacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flocksync_cache_entries",
		Help: "Entries held per local cache.",
	}, []string{"cache"})
)
