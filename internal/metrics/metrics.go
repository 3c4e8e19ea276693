// Package metrics provides Prometheus metrics for the tree synchronization engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Change ingestion
	changesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_changes_received_total",
			Help: "Raw file change records received from watchers",
		},
		[]string{"type"},
	)

	changeBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treesync_change_batch_size",
			Help:    "Number of records per incoming change batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	movesDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treesync_moves_detected_total",
			Help: "Delete/add pairs classified as moves",
		},
	)

	// Reconciliation
	nodeMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_node_mutations_total",
			Help: "Node cache mutations applied by the reconciler",
		},
		[]string{"op"},
	)

	changesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_changes_dropped_total",
			Help: "Classified changes dropped without a cache mutation",
		},
		[]string{"reason"},
	)

	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treesync_reconcile_duration_seconds",
			Help:    "Time to apply one change batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	cacheNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_cache_nodes",
			Help: "Number of nodes in the node cache",
		},
	)

	// Refresh queue
	refreshQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_refresh_queue_depth",
			Help: "Directory paths waiting for a coalesced refresh",
		},
	)

	refreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_refreshes_total",
			Help: "Directory refreshes dispatched by the queue",
		},
		[]string{"status"},
	)

	flushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treesync_refresh_flush_duration_seconds",
			Help:    "Time to run one refresh flush",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Watches
	watchSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_watch_subscriptions",
			Help: "Active file watch subscriptions",
		},
	)

	watchReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treesync_watch_reconnects_total",
			Help: "Times all watch subscriptions were re-established",
		},
	)

	watcherErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treesync_watcher_errors_total",
			Help: "Errors reported by file watchers",
		},
	)

	// Event fan-out
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_events_published_total",
			Help: "Tree events published to subscribers",
		},
		[]string{"type"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treesync_events_dropped_total",
			Help: "Tree events dropped for slow subscribers",
		},
	)

	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_event_subscribers",
			Help: "Active tree event subscribers",
		},
	)
)

// RecordChangeBatch records an incoming batch and the type of each record.
func RecordChangeBatch(types []string) {
	changeBatchSize.Observe(float64(len(types)))
	for _, t := range types {
		changesReceivedTotal.WithLabelValues(t).Inc()
	}
}

// RecordMoves records classified move pairs.
func RecordMoves(n int) {
	movesDetectedTotal.Add(float64(n))
}

// RecordNodeMutation records a cache mutation (add, remove, move).
func RecordNodeMutation(op string) {
	nodeMutationsTotal.WithLabelValues(op).Inc()
}

// RecordDroppedChange records a change that could not be applied.
func RecordDroppedChange(reason string) {
	changesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordReconcile records the duration of a reconciliation pass.
func RecordReconcile(duration time.Duration) {
	reconcileDuration.Observe(duration.Seconds())
}

// SetCacheNodes sets the node cache size.
func SetCacheNodes(count int) {
	cacheNodes.Set(float64(count))
}

// SetRefreshQueueDepth sets the number of pending refresh paths.
func SetRefreshQueueDepth(depth int) {
	refreshQueueDepth.Set(float64(depth))
}

// RecordRefresh records one dispatched directory refresh.
func RecordRefresh(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	refreshesTotal.WithLabelValues(status).Inc()
}

// RecordFlush records the duration of a refresh flush.
func RecordFlush(duration time.Duration) {
	flushDuration.Observe(duration.Seconds())
}

// SetWatchSubscriptions sets the number of active watches.
func SetWatchSubscriptions(count int) {
	watchSubscriptions.Set(float64(count))
}

// RecordWatchReconnect records a reconnect of all watches.
func RecordWatchReconnect() {
	watchReconnectsTotal.Inc()
}

// RecordWatcherError records an error surfaced by a watcher backend.
func RecordWatcherError() {
	watcherErrorsTotal.Inc()
}

// RecordEventPublished records a published tree event.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event dropped for a slow subscriber.
func RecordEventDropped() {
	eventsDroppedTotal.Inc()
}

// SetSubscribersActive sets the number of event subscribers.
func SetSubscribersActive(count int) {
	subscribersActive.Set(float64(count))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
