//  _ _ _                           _
// | (_) |__   ___ ___  _   _  ___| |__
// | | | '_ \ / __/ _ \| | | |/ __| '_ \
// | | | |_) | (_| (_) | |_| | (__| | | |
// |_|_|_.__/ \___\___/ \__,_|\___|_| |_|
//
//  Copyright © 2012 - 2026 The libcouch Authors. All rights reserved.
//
//  CONTACT: hello@libcouch.org
//

// Package monitoring holds the Prometheus metric vectors shared across
// databases. Per-database metric sets curry these vectors with a database
// label.
package monitoring

import "github.com/prometheus/client_golang/prometheus"

type PrometheusMetrics struct {
	Registerer prometheus.Registerer

	AsyncOperations     *prometheus.GaugeVec
	CommitDurations     *prometheus.HistogramVec
	DocsUpdated         *prometheus.CounterVec
	CompactionRestarts  *prometheus.CounterVec
	CompactionBytes     *prometheus.CounterVec
	PurgeOperations     *prometheus.CounterVec
	DelayedCommitFlush  *prometheus.CounterVec
	WriteRetries        *prometheus.CounterVec
}

// NewPrometheusMetrics builds the shared vectors and registers them with
// the given registerer. Passing nil registers nothing (all vectors still
// work, they just stay unexported).
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = noop
	}
	pm := &PrometheusMetrics{
		Registerer: reg,
		AsyncOperations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "libcouch_async_operations_running",
			Help: "Currently running background operations",
		}, []string{"operation", "database"}),
		CommitDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "libcouch_commit_duration_seconds",
			Help:    "Duration of header commits including configured fsyncs",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"database"}),
		DocsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libcouch_documents_updated_total",
			Help: "Documents that received a new update sequence",
		}, []string{"database"}),
		CompactionRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libcouch_compaction_restarts_total",
			Help: "Compactions respawned because the target fell behind",
		}, []string{"database"}),
		CompactionBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libcouch_compaction_bytes_copied_total",
			Help: "Bytes copied into compaction targets",
		}, []string{"database"}),
		PurgeOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libcouch_purge_operations_total",
			Help: "Completed purge batches",
		}, []string{"database"}),
		DelayedCommitFlush: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libcouch_delayed_commit_flushes_total",
			Help: "Header commits triggered by the delayed-commit timer",
		}, []string{"database"}),
		WriteRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libcouch_write_retries_total",
			Help: "Write batches bounced back to clients after a compaction swap",
		}, []string{"database"}),
	}
	reg.MustRegister(pm.AsyncOperations, pm.CommitDurations, pm.DocsUpdated,
		pm.CompactionRestarts, pm.CompactionBytes, pm.PurgeOperations,
		pm.DelayedCommitFlush, pm.WriteRetries)
	return pm
}
