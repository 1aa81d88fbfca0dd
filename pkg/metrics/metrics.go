// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics owns the Prometheus instruments of the ingestion pipeline.
//
// A Metrics value is bound to the registerer it was built with, so every run,
// test or embedded pipeline can use its own registry. All recording methods
// are safe on a nil *Metrics, which lets components run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "lineage"

// Rejection reasons used as the "reason" label.
const (
	ReasonQueueFull = "queue_full"
	ReasonMemory    = "memory_pressure"
	ReasonShutdown  = "shutting_down"
)

// Metrics holds the pipeline's counters, gauges and histograms.
type Metrics struct {
	// Cache
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	cacheErrors prometheus.Counter
	cacheEvicts prometheus.Counter

	// Coalescing
	eventsReceived     prometheus.Counter
	eventsDeduplicated prometheus.Counter
	coalescedBatches   prometheus.Counter

	// Work
	filesProcessed prometheus.Counter
	filesFailed    prometheus.Counter
	rejected       *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	activeWorkers  prometheus.Gauge
	parseDuration  prometheus.Histogram

	// Graph writes
	batchOps             prometheus.Counter
	batchRetries         prometheus.Counter
	batchSplits          prometheus.Counter
	itemsFailed          prometheus.Counter
	entitiesCreated      prometheus.Counter
	relationshipsCreated *prometheus.CounterVec
	batchSize            prometheus.Histogram
	batchDuration        prometheus.Histogram
	flushDuration        prometheus.Histogram

	// Runs
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
}

// New builds the instruments and registers them with reg. A nil reg leaves
// the instruments unregistered, which is useful for throwaway pipelines.
func New(reg prometheus.Registerer) *Metrics {
	durations := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: name, Help: help})
	}

	m := &Metrics{
		cacheHits:   counter("cache_hits_total", "Parse cache hits"),
		cacheMisses: counter("cache_misses_total", "Parse cache misses"),
		cacheErrors: counter("cache_errors_total", "Parse cache storage errors treated as misses"),
		cacheEvicts: counter("cache_evictions_total", "Parse cache entries evicted by LRU or TTL"),

		eventsReceived:     counter("events_received_total", "File change events received by the coalescer"),
		eventsDeduplicated: counter("events_deduplicated_total", "File change events collapsed into an already pending path"),
		coalescedBatches:   counter("coalesced_batches_total", "Batches handed from the coalescer to the pipeline"),

		filesProcessed: counter("files_processed_total", "Files parsed and extracted successfully"),
		filesFailed:    counter("files_failed_total", "Files that failed to read, parse or extract"),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "submissions_rejected_total", Help: "Work submissions rejected by back-pressure",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "queue_depth", Help: "Work items waiting in the priority queue",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "active_workers", Help: "Workers currently running an item",
		}),
		parseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace, Name: "parse_seconds", Help: "Time spent parsing one file", Buckets: durations,
		}),

		batchOps:        counter("batch_operations_total", "Batch transactions committed against the graph store"),
		batchRetries:    counter("batch_retries_total", "Batch transactions retried after a transient failure"),
		batchSplits:     counter("batch_splits_total", "Failed batches split into smaller sub-batches"),
		itemsFailed:     counter("items_failed_total", "Items written to the failure log"),
		entitiesCreated: counter("entities_created_total", "Entities upserted into the graph store"),
		relationshipsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "relationships_created_total", Help: "Relationships upserted into the graph store",
		}, []string{"source"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace, Name: "batch_size", Help: "Items per committed batch transaction",
			Buckets: []float64{1, 5, 10, 25, 50, 75, 100, 250},
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace, Name: "batch_seconds", Help: "Duration of one batch transaction attempt", Buckets: durations,
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace, Name: "flush_seconds", Help: "Duration of a full buffer flush including retries", Buckets: durations,
		}),

		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "runs_total", Help: "Ingestion runs by final status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace, Name: "run_seconds", Help: "Duration of an ingestion run", Buckets: durations,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.cacheHits, m.cacheMisses, m.cacheErrors, m.cacheEvicts,
			m.eventsReceived, m.eventsDeduplicated, m.coalescedBatches,
			m.filesProcessed, m.filesFailed, m.rejected, m.queueDepth, m.activeWorkers, m.parseDuration,
			m.batchOps, m.batchRetries, m.batchSplits, m.itemsFailed, m.entitiesCreated, m.relationshipsCreated,
			m.batchSize, m.batchDuration, m.flushDuration,
			m.runs, m.runDuration,
		)
	}
	return m
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) CacheError() {
	if m != nil {
		m.cacheErrors.Inc()
	}
}

func (m *Metrics) CacheEvicted(n int) {
	if m != nil && n > 0 {
		m.cacheEvicts.Add(float64(n))
	}
}

func (m *Metrics) EventReceived(duplicate bool) {
	if m == nil {
		return
	}
	m.eventsReceived.Inc()
	if duplicate {
		m.eventsDeduplicated.Inc()
	}
}

func (m *Metrics) BatchCoalesced() {
	if m != nil {
		m.coalescedBatches.Inc()
	}
}

func (m *Metrics) FileProcessed(parse time.Duration) {
	if m == nil {
		return
	}
	m.filesProcessed.Inc()
	if parse > 0 {
		m.parseDuration.Observe(parse.Seconds())
	}
}

func (m *Metrics) FileFailed() {
	if m != nil {
		m.filesFailed.Inc()
	}
}

func (m *Metrics) SubmissionRejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) SetActiveWorkers(n int) {
	if m != nil {
		m.activeWorkers.Set(float64(n))
	}
}

// BatchCommitted records one successful batch transaction.
func (m *Metrics) BatchCommitted(items int, took time.Duration) {
	if m == nil {
		return
	}
	m.batchOps.Inc()
	m.batchSize.Observe(float64(items))
	m.batchDuration.Observe(took.Seconds())
}

func (m *Metrics) BatchRetried() {
	if m != nil {
		m.batchRetries.Inc()
	}
}

func (m *Metrics) BatchSplit() {
	if m != nil {
		m.batchSplits.Inc()
	}
}

func (m *Metrics) ItemsFailed(n int) {
	if m != nil && n > 0 {
		m.itemsFailed.Add(float64(n))
	}
}

func (m *Metrics) EntitiesCreated(n int) {
	if m != nil && n > 0 {
		m.entitiesCreated.Add(float64(n))
	}
}

func (m *Metrics) RelationshipsCreated(source string, n int) {
	if m != nil && n > 0 {
		m.relationshipsCreated.WithLabelValues(source).Add(float64(n))
	}
}

func (m *Metrics) Flushed(took time.Duration) {
	if m != nil {
		m.flushDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) RunFinished(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(took.Seconds())
}
