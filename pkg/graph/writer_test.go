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
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/lineage/pkg/lineage"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

var errTransient = &StoreError{Op: "test", Transient: true, Err: errors.New("connection reset")}

// scriptedStore fails calls according to its hooks and records every
// transaction it accepts.
type scriptedStore struct {
	mu sync.Mutex

	// failEntity returns an error for a batch, given the call number.
	failEntity func(call int, batch []lineage.Entity) error
	failRel    func(call int, batch []lineage.Relationship) error

	entityCalls int
	relCalls    int
	committed   [][]string
	order       []string
}

func (s *scriptedStore) UpsertEntities(ctx context.Context, batch []lineage.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entityCalls++
	if s.failEntity != nil {
		if err := s.failEntity(s.entityCalls, batch); err != nil {
			return err
		}
	}
	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	s.committed = append(s.committed, ids)
	s.order = append(s.order, "entities")
	return nil
}

func (s *scriptedStore) UpsertRelationships(ctx context.Context, batch []lineage.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relCalls++
	if s.failRel != nil {
		if err := s.failRel(s.relCalls, batch); err != nil {
			return err
		}
	}
	ids := make([]string, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}
	s.committed = append(s.committed, ids)
	s.order = append(s.order, "relationships")
	return nil
}

func (s *scriptedStore) committedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.committed {
		n += len(b)
	}
	return n
}

func table(i int) lineage.Entity {
	return lineage.Entity{
		ID:         lineage.AssetID(fmt.Sprintf("t%03d", i)),
		Kind:       lineage.KindTable,
		Name:       fmt.Sprintf("t%03d", i),
		Attributes: map[string]any{lineage.AttrDefined: true},
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestWriter(t *testing.T, store BatchStore, cfg WriterConfig) (*BatchWriter, *sleepRecorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "failures.jsonl")
	log, err := OpenFailureLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	cfg.FailureLog = log
	cfg.RunID = "run-test"

	w := NewBatchWriter(store, cfg)
	rec := &sleepRecorder{}
	w.sleep = rec.sleep
	return w, rec, path
}

func TestBatchWriter_AutoFlushAtCapacity(t *testing.T) {
	store := &scriptedStore{}
	w, _, _ := newTestWriter(t, store, WriterConfig{})
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		require.NoError(t, w.EnqueueEntity(ctx, table(i)))
	}
	assert.Equal(t, 1, store.entityCalls, "buffer of 100 flushed automatically")
	assert.Equal(t, 20, w.Pending())

	res, err := w.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, res.EntitiesCommitted)
	assert.Equal(t, 1, res.Transactions)

	total := w.Stats()
	assert.Equal(t, 120, total.EntitiesCommitted)
	assert.Equal(t, 2, total.Transactions)
	assert.Equal(t, 0, total.Failed)
	assert.Equal(t, 0, w.Pending())
}

func TestBatchWriter_EntitiesBeforeRelationships(t *testing.T) {
	store := &scriptedStore{}
	w, _, _ := newTestWriter(t, store, WriterConfig{})
	ctx := context.Background()

	a, b := table(1), table(2)
	rel := lineage.NewParsedRelationship(a.ID, b.ID, lineage.RelReadsFrom, "", testNow)
	require.NoError(t, w.EnqueueRelationship(ctx, rel))
	require.NoError(t, w.EnqueueEntity(ctx, a))
	require.NoError(t, w.EnqueueEntity(ctx, b))

	res, err := w.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EntitiesCommitted)
	assert.Equal(t, 1, res.RelationshipsCommitted)
	assert.Equal(t, []string{"entities", "relationships"}, store.order)
}

func TestBatchWriter_RetriesTransientWithBackoff(t *testing.T) {
	store := &scriptedStore{failEntity: func(call int, _ []lineage.Entity) error {
		if call <= 2 {
			return errTransient
		}
		return nil
	}}
	w, sleeps, _ := newTestWriter(t, store, WriterConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.EnqueueEntity(ctx, table(i)))
	}
	res, err := w.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, res.EntitiesCommitted)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, 0, res.Splits)
	assert.Equal(t, 0, res.Failed)
	require.Len(t, sleeps.delays, 2)
	assert.GreaterOrEqual(t, sleeps.delays[0], time.Second)
	assert.GreaterOrEqual(t, sleeps.delays[1], 2*time.Second)
}

func TestBatchWriter_IsolatesMalformedItem(t *testing.T) {
	bad := table(42).ID
	store := &scriptedStore{failEntity: func(_ int, batch []lineage.Entity) error {
		for _, e := range batch {
			if e.ID == bad {
				return &StoreError{Op: "test", Err: errors.New("property type not supported")}
			}
		}
		return nil
	}}
	w, sleeps, path := newTestWriter(t, store, WriterConfig{})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, w.EnqueueEntity(ctx, table(i)))
	}
	res, err := w.Flush(ctx)
	require.NoError(t, err)

	total := w.Stats()
	assert.Equal(t, 99, total.EntitiesCommitted)
	assert.Equal(t, 1, total.Failed)
	assert.Equal(t, 0, total.Retries, "data errors are not retried")
	assert.Empty(t, sleeps.delays)
	assert.Equal(t, 99, store.committedCount())
	assert.Equal(t, BatchResult{}, res, "the full buffer was flushed by the enqueue")

	records, err := ReadFailures(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, bad, records[0].ID)
	assert.Equal(t, FailureEntity, records[0].Kind)
	assert.Equal(t, "run-test", records[0].RunID)
	assert.Equal(t, 1, records[0].Attempts)

	e, err := records[0].Entity()
	require.NoError(t, err)
	assert.Equal(t, bad, e.ID)
}

func TestBatchWriter_SplitLadder(t *testing.T) {
	bad := table(7).ID
	var sizes []int
	store := &scriptedStore{failEntity: func(_ int, batch []lineage.Entity) error {
		sizes = append(sizes, len(batch))
		for _, e := range batch {
			if e.ID == bad {
				return &StoreError{Op: "test", Err: errors.New("bad row")}
			}
		}
		return nil
	}}
	w, _, _ := newTestWriter(t, store, WriterConfig{})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, w.EnqueueEntity(ctx, table(i)))
	}

	// 100, then 50 (bad) + 50, then 10 (bad) + 4x10, then 10x1.
	assert.Equal(t, 100, sizes[0])
	assert.Equal(t, 50, sizes[1])
	assert.Equal(t, 10, sizes[2])
	assert.Equal(t, 1, sizes[3])
	assert.Equal(t, 3, w.Stats().Splits)
}

func TestBatchWriter_PersistentTransientFailureTerminates(t *testing.T) {
	store := &scriptedStore{failEntity: func(int, []lineage.Entity) error { return errTransient }}
	w, sleeps, path := newTestWriter(t, store, WriterConfig{SplitSizes: []int{1}})
	ctx := context.Background()

	require.NoError(t, w.EnqueueEntity(ctx, table(1)))
	require.NoError(t, w.EnqueueEntity(ctx, table(2)))
	res, err := w.Flush(ctx)
	require.NoError(t, err)

	// 5 attempts at size 2, then 5 attempts for each single item.
	assert.Equal(t, 15, store.entityCalls)
	assert.Equal(t, 12, res.Retries)
	assert.Len(t, sleeps.delays, 12)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, res.EntitiesCommitted)

	records, err := ReadFailures(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 5, records[0].Attempts)
}

func TestBatchWriter_CancelledFlushLogsRemaining(t *testing.T) {
	store := &scriptedStore{failRel: func(int, []lineage.Relationship) error { return errTransient }}
	w, _, path := newTestWriter(t, store, WriterConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	w.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	a, b, c := table(1), table(2), table(3)
	require.NoError(t, w.EnqueueRelationship(ctx, lineage.NewParsedRelationship(a.ID, b.ID, lineage.RelReadsFrom, "", testNow)))
	require.NoError(t, w.EnqueueRelationship(ctx, lineage.NewParsedRelationship(a.ID, c.ID, lineage.RelReadsFrom, "", testNow)))

	res, err := w.Flush(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, res.Failed)

	records, err := ReadFailures(path)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, FailureRelationship, records[0].Kind)
}

func TestBatchWriter_RejectsInvalidItems(t *testing.T) {
	w, _, _ := newTestWriter(t, &scriptedStore{}, WriterConfig{})
	err := w.EnqueueEntity(context.Background(), lineage.Entity{Kind: lineage.KindTable})
	assert.ErrorIs(t, err, lineage.ErrInvalidEntity)

	rel := lineage.NewParsedRelationship("asset:a", "asset:b", lineage.RelReadsFrom, "", testNow)
	rel.Confidence = 0.5
	assert.ErrorIs(t, w.EnqueueRelationship(context.Background(), rel), lineage.ErrInvalidRelationship)
	assert.Equal(t, 0, w.Pending())
}

func TestBatchWriter_ConcurrentEnqueue(t *testing.T) {
	store := &scriptedStore{}
	w, _, _ := newTestWriter(t, store, WriterConfig{BatchSize: 10})
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = w.EnqueueEntity(ctx, table(g*100+i))
			}
		}(g)
	}
	wg.Wait()
	_, err := w.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, 200, store.committedCount())
	assert.Equal(t, 200, w.Stats().EntitiesCommitted)
}

func TestNextSplitSize(t *testing.T) {
	ladder := []int{50, 10, 1}
	assert.Equal(t, 50, nextSplitSize(ladder, 100))
	assert.Equal(t, 10, nextSplitSize(ladder, 50))
	assert.Equal(t, 10, nextSplitSize(ladder, 20))
	assert.Equal(t, 1, nextSplitSize(ladder, 10))
	assert.Equal(t, 1, nextSplitSize(ladder, 2))
}

func TestReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.jsonl")
	log, err := OpenFailureLog(path)
	require.NoError(t, err)
	e := table(1)
	rel := lineage.NewParsedRelationship(e.ID, table(2).ID, lineage.RelReadsFrom, "", testNow)
	require.NoError(t, log.Append(newFailureRecord("r1", FailureEntity, e.ID, e, errTransient, 5, testNow)))
	require.NoError(t, log.Append(newFailureRecord("r1", FailureRelationship, rel.ID, rel, errTransient, 5, testNow)))
	require.NoError(t, log.Append(FailureRecord{Kind: "bogus", ID: "x"}))
	require.NoError(t, log.Close())

	records, err := ReadFailures(path)
	require.NoError(t, err)
	require.Len(t, records, 3)

	store := NewMemoryStore()
	w := NewBatchWriter(store, WriterConfig{})
	res, err := Replay(context.Background(), w, records)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntitiesCommitted)
	assert.Equal(t, 1, res.RelationshipsCommitted)
	assert.Equal(t, 1, res.Failed)

	got, err := store.Relationship(context.Background(), rel.ID)
	require.NoError(t, err)
	assert.Equal(t, lineage.StatusApproved, got.Status)
}

func TestReadFailures_Missing(t *testing.T) {
	records, err := ReadFailures(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, records)
}
