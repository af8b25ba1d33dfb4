package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HistoryFetches records historical page fetches by result (success|failure).
	HistoryFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifeed_history_fetches_total",
			Help: "Total number of history API page fetches",
		},
		[]string{"result"},
	)

	// RecordsIngested counts notification records fed into the store from the push channel.
	RecordsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifeed_push_records_total",
			Help: "Total number of records ingested from the push channel",
		},
	)

	// FramesDropped counts malformed push frames that were logged and discarded.
	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifeed_push_frames_dropped_total",
			Help: "Total number of malformed push frames dropped",
		},
	)

	// Reconnects counts push channel reconnection attempts.
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifeed_push_reconnects_total",
			Help: "Total number of push channel reconnection attempts",
		},
	)

	// UnreadEntries tracks the current unread display entry count.
	UnreadEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifeed_unread_entries",
			Help: "Number of unread display entries",
		},
	)
)
