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

package db

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chinnucsk/libcouch/monitoring"
)

// Metrics is the per-database metric set, curried from the shared
// monitoring vectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	compactionRunning  prometheus.Gauge
	compactionRestarts prometheus.Counter
	compactionBytes    prometheus.Counter
	commitDurations    prometheus.Observer
	docsUpdated        prometheus.Counter
	purgeOperations    prometheus.Counter
	delayedFlushes     prometheus.Counter
	writeRetries       prometheus.Counter
}

// NewMetrics curries the shared vectors with the database name.
func NewMetrics(pm *monitoring.PrometheusMetrics, dbName string) *Metrics {
	if pm == nil {
		return nil
	}
	return &Metrics{
		compactionRunning: pm.AsyncOperations.With(prometheus.Labels{
			"operation": "compact_database",
			"database":  dbName,
		}),
		compactionRestarts: pm.CompactionRestarts.With(prometheus.Labels{"database": dbName}),
		compactionBytes:    pm.CompactionBytes.With(prometheus.Labels{"database": dbName}),
		commitDurations:    pm.CommitDurations.With(prometheus.Labels{"database": dbName}),
		docsUpdated:        pm.DocsUpdated.With(prometheus.Labels{"database": dbName}),
		purgeOperations:    pm.PurgeOperations.With(prometheus.Labels{"database": dbName}),
		delayedFlushes:     pm.DelayedCommitFlush.With(prometheus.Labels{"database": dbName}),
		writeRetries:       pm.WriteRetries.With(prometheus.Labels{"database": dbName}),
	}
}

func (m *Metrics) compactionStarted() {
	if m == nil {
		return
	}
	m.compactionRunning.Set(1)
}

func (m *Metrics) compactionEnded() {
	if m == nil {
		return
	}
	m.compactionRunning.Set(0)
}

func (m *Metrics) compactionRestarted() {
	if m == nil {
		return
	}
	m.compactionRestarts.Inc()
}

func (m *Metrics) compactionCopied(n int64) {
	if m == nil {
		return
	}
	m.compactionBytes.Add(float64(n))
}

func (m *Metrics) observeCommit(d time.Duration) {
	if m == nil {
		return
	}
	m.commitDurations.Observe(d.Seconds())
}

func (m *Metrics) addDocsUpdated(n int) {
	if m == nil {
		return
	}
	m.docsUpdated.Add(float64(n))
}

func (m *Metrics) purged() {
	if m == nil {
		return
	}
	m.purgeOperations.Inc()
}

func (m *Metrics) delayedFlush() {
	if m == nil {
		return
	}
	m.delayedFlushes.Inc()
}

func (m *Metrics) writeRetried() {
	if m == nil {
		return
	}
	m.writeRetries.Inc()
}
