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

package graph

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kraklabs/lineage/pkg/lineage"
	"github.com/kraklabs/lineage/pkg/metrics"
)

// DefaultBatchSize is the number of items that triggers an automatic flush.
const DefaultBatchSize = 100

// DefaultSplitSizes is the ladder a failing batch is split down.
var DefaultSplitSizes = []int{50, 10, 1}

// WriterConfig configures a BatchWriter.
type WriterConfig struct {
	// BatchSize is the buffer capacity per item kind.
	BatchSize int
	Retry     RetryPolicy
	// SplitSizes is a descending ladder of sub-batch sizes. A failed batch
	// is re-sent in chunks of the first size smaller than its own.
	SplitSizes []int
	// RunID tags failure records.
	RunID      string
	FailureLog *FailureLog
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// Sleep waits out a backoff delay. Nil sleeps on a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// BatchResult summarises one or more flushes.
type BatchResult struct {
	EntitiesCommitted      int           `json:"entities_committed"`
	RelationshipsCommitted int           `json:"relationships_committed"`
	Failed                 int           `json:"failed"`
	Transactions           int           `json:"transactions"`
	Retries                int           `json:"retries"`
	Splits                 int           `json:"splits"`
	Duration               time.Duration `json:"duration"`
}

func (r *BatchResult) add(o BatchResult) {
	r.EntitiesCommitted += o.EntitiesCommitted
	r.RelationshipsCommitted += o.RelationshipsCommitted
	r.Failed += o.Failed
	r.Transactions += o.Transactions
	r.Retries += o.Retries
	r.Splits += o.Splits
	r.Duration += o.Duration
}

// BatchWriter buffers entities and relationships and writes them to a
// BatchStore in bounded transactions.
//
// Enqueue calls are safe from many goroutines. At most one flush runs at a
// time; entities are always flushed before relationships. A batch that keeps
// failing is split down the configured ladder until every item is either
// committed or written to the failure log.
type BatchWriter struct {
	store   BatchStore
	cfg     WriterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time

	mu       sync.Mutex
	entities []lineage.Entity
	rels     []lineage.Relationship

	flushMu sync.Mutex

	statsMu sync.Mutex
	totals  BatchResult
}

// NewBatchWriter creates a writer in front of store.
func NewBatchWriter(store BatchStore, cfg WriterConfig) *BatchWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if len(cfg.SplitSizes) == 0 {
		cfg.SplitSizes = DefaultSplitSizes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &BatchWriter{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		sleep:   sleep,
		now:     time.Now,
	}
}

// EnqueueEntity buffers e, flushing entities when the buffer is full. Item
// failures never surface here; an error means the item was invalid or ctx
// ended during the flush.
func (w *BatchWriter) EnqueueEntity(ctx context.Context, e lineage.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	w.entities = append(w.entities, e)
	var full []lineage.Entity
	if len(w.entities) >= w.cfg.BatchSize {
		full, w.entities = w.entities, nil
	}
	w.mu.Unlock()

	if full == nil {
		return nil
	}
	_, err := w.flush(ctx, full, nil)
	return err
}

// EnqueueRelationship buffers r, flushing relationships when the buffer is
// full.
func (w *BatchWriter) EnqueueRelationship(ctx context.Context, r lineage.Relationship) error {
	if err := r.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	w.rels = append(w.rels, r)
	var full []lineage.Relationship
	if len(w.rels) >= w.cfg.BatchSize {
		full, w.rels = w.rels, nil
	}
	w.mu.Unlock()

	if full == nil {
		return nil
	}
	_, err := w.flush(ctx, nil, full)
	return err
}

// Pending returns the number of buffered items.
func (w *BatchWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entities) + len(w.rels)
}

// Flush writes everything buffered and returns the outcome of this flush.
func (w *BatchWriter) Flush(ctx context.Context) (BatchResult, error) {
	w.mu.Lock()
	entities, rels := w.entities, w.rels
	w.entities, w.rels = nil, nil
	w.mu.Unlock()
	return w.flush(ctx, entities, rels)
}

// Stats returns the totals of every flush so far.
func (w *BatchWriter) Stats() BatchResult {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.totals
}

func (w *BatchWriter) flush(ctx context.Context, entities []lineage.Entity, rels []lineage.Relationship) (BatchResult, error) {
	if len(entities) == 0 && len(rels) == 0 {
		return BatchResult{}, nil
	}
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	start := w.now()
	var res BatchResult
	var err error

	if len(entities) > 0 {
		var n int
		n, err = commitAll(ctx, w, FailureEntity, entities, w.store.UpsertEntities, entityID, &res)
		res.EntitiesCommitted = n
		w.metrics.EntitiesCreated(n)
	}
	if len(rels) > 0 {
		if err != nil {
			recordFailures(w, FailureRelationship, rels, relationshipID, err, 0, &res)
		} else {
			var n int
			n, err = commitAll(ctx, w, FailureRelationship, rels, w.store.UpsertRelationships, relationshipID, &res)
			res.RelationshipsCommitted = n
			countBySource(w.metrics, rels, n)
		}
	}

	res.Duration = w.now().Sub(start)
	w.metrics.Flushed(res.Duration)
	w.logger.Debug("batch.flush",
		"entities", res.EntitiesCommitted,
		"relationships", res.RelationshipsCommitted,
		"failed", res.Failed,
		"transactions", res.Transactions,
		"duration", res.Duration,
	)

	w.statsMu.Lock()
	w.totals.add(res)
	w.statsMu.Unlock()
	return res, err
}

func entityID(e lineage.Entity) string             { return e.ID }
func relationshipID(r lineage.Relationship) string { return r.ID }

func countBySource(m *metrics.Metrics, rels []lineage.Relationship, committed int) {
	if m == nil || committed == 0 {
		return
	}
	if committed == len(rels) {
		bySource := map[lineage.Source]int{}
		for _, r := range rels {
			bySource[r.Source]++
		}
		for src, n := range bySource {
			m.RelationshipsCreated(string(src), n)
		}
		return
	}
	m.RelationshipsCreated("mixed", committed)
}

// commitAll writes items in transactions, splitting on persistent failure.
// It returns how many items were committed. The error is non-nil only when
// ctx ended; the items not yet written are then in the failure log.
func commitAll[T any](
	ctx context.Context,
	w *BatchWriter,
	kind string,
	items []T,
	write func(context.Context, []T) error,
	id func(T) string,
	res *BatchResult,
) (int, error) {
	committed := 0
	chunks := [][]T{items}
	for len(chunks) > 0 {
		chunk := chunks[0]
		chunks = chunks[1:]

		if err := ctx.Err(); err != nil {
			recordFailures(w, kind, chunk, id, err, 0, res)
			for _, rest := range chunks {
				recordFailures(w, kind, rest, id, err, 0, res)
			}
			return committed, err
		}

		attempts, err := writeWithRetry(ctx, w, kind, chunk, write, res)
		if err == nil {
			committed += len(chunk)
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			recordFailures(w, kind, chunk, id, err, attempts, res)
			for _, rest := range chunks {
				recordFailures(w, kind, rest, id, ctxErr, 0, res)
			}
			return committed, ctxErr
		}

		if len(chunk) == 1 {
			recordFailures(w, kind, chunk, id, err, attempts, res)
			continue
		}

		size := nextSplitSize(w.cfg.SplitSizes, len(chunk))
		res.Splits++
		w.metrics.BatchSplit()
		w.logger.Warn("batch.split",
			"kind", kind,
			"from", len(chunk),
			"to", size,
			"transient", IsTransient(err),
			"err", err,
		)
		chunks = append(splitChunks(chunk, size), chunks...)
	}
	return committed, nil
}

// writeWithRetry makes up to MaxAttempts attempts at one chunk. Data errors
// are returned after the first attempt. It returns the number of attempts
// made.
func writeWithRetry[T any](ctx context.Context, w *BatchWriter, kind string, chunk []T, write func(context.Context, []T) error, res *BatchResult) (int, error) {
	b := w.cfg.Retry.Start()
	for {
		start := w.now()
		err := write(ctx, chunk)
		if err == nil {
			res.Transactions++
			w.metrics.BatchCommitted(len(chunk), w.now().Sub(start))
			return b.Attempt + 1, nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return b.Attempt + 1, err
		}
		delay, ok := b.Next()
		if !ok {
			return b.Attempt, err
		}
		res.Retries++
		w.metrics.BatchRetried()
		w.logger.Warn("batch.retry",
			"kind", kind,
			"size", len(chunk),
			"attempt", b.Attempt,
			"delay", delay,
			"err", err,
		)
		if err := w.sleep(ctx, delay); err != nil {
			return b.Attempt, err
		}
	}
}

func nextSplitSize(ladder []int, n int) int {
	for _, s := range ladder {
		if s > 0 && s < n {
			return s
		}
	}
	return 1
}

func splitChunks[T any](items []T, size int) [][]T {
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// recordFailures writes items to the failure log. Without a log the items
// are reported through the logger so none disappear silently.
func recordFailures[T any](w *BatchWriter, kind string, items []T, id func(T) string, cause error, attempts int, res *BatchResult) {
	if len(items) == 0 {
		return
	}
	res.Failed += len(items)
	w.metrics.ItemsFailed(len(items))
	now := w.now()
	for _, item := range items {
		itemID := id(item)
		w.logger.Error("batch.item.failed",
			"kind", kind,
			"id", itemID,
			"attempts", attempts,
			"err", cause,
		)
		if w.cfg.FailureLog == nil {
			continue
		}
		rec := newFailureRecord(w.cfg.RunID, kind, itemID, item, cause, attempts, now)
		if err := w.cfg.FailureLog.Append(rec); err != nil {
			w.logger.Error("batch.failurelog.append",
				"id", itemID,
				"path", w.cfg.FailureLog.Path(),
				"err", err,
			)
		}
	}
}
