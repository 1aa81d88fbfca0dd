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

package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/lineage/pkg/cache"
	"github.com/kraklabs/lineage/pkg/graph"
	"github.com/kraklabs/lineage/pkg/inference"
	"github.com/kraklabs/lineage/pkg/lineage"
	"github.com/kraklabs/lineage/pkg/metrics"
	"github.com/kraklabs/lineage/pkg/workerpool"
)

// Triggers recorded on runs.
const (
	TriggerCLI      = "cli"
	TriggerWatch    = "watch"
	TriggerBackfill = "backfill"
	TriggerReplay   = "replay"
)

// DefaultSubmitTimeout bounds how long a run keeps retrying a rejected
// submission before recording the file as rejected.
const DefaultSubmitTimeout = 30 * time.Second

const (
	submitBackoffInitial = 50 * time.Millisecond
	submitBackoffMax     = time.Second
	maxInferenceFiles    = 100
)

// ParseCache is the subset of cache.ContentCache the pipeline uses.
// cache.Nop satisfies it when caching is disabled.
type ParseCache interface {
	Get(h cache.Hash) ([]byte, bool)
	Put(h cache.Hash, path string, payload []byte) error
}

// Config tunes a Pipeline.
type Config struct {
	// Root is the project directory. Entity file paths are recorded
	// relative to it.
	Root string

	Dialect       string
	ColumnLineage bool
	MaxFileSize   int64

	// BatchSize is the writer buffer size. 1 writes every item in its own
	// transaction.
	BatchSize      int
	Retry          graph.RetryPolicy
	SplitSizes     []int
	FailureLogPath string

	SubmitTimeout time.Duration

	// Infer runs the Inferencer after the parsed graph is written.
	Infer           bool
	MaxExcerptBytes int
}

// Deps are the collaborators of a Pipeline. Store and Parsers are
// required. A nil Pool runs files one after another on the caller's
// goroutine; a nil Executor parses on the worker goroutine.
type Deps struct {
	Store      graph.Store
	Cache      ParseCache
	Parsers    *ParserRegistry
	Pool       *workerpool.Pool
	Executor   *workerpool.Executor
	Inferencer inference.Inferencer
	Runs       *RunStore
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// Now and Sleep replace the clock and backoff sleeps.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Request is one ingestion invocation.
type Request struct {
	// Paths are files to ingest. Directories must already be expanded
	// with Discover.
	Paths    []string
	Priority workerpool.Priority
	Trigger  string

	// FileDone is called once per submitted file after it was processed,
	// failed or was dropped. It may be called from many goroutines.
	FileDone func(path string)
}

// Pipeline sequences a run: read and parse each file on the worker pool,
// extract entities and parser edges, batch-write them, optionally ask the
// Inferencer for more edges, and record the outcome.
type Pipeline struct {
	cfg       Config
	deps      Deps
	extractor *Extractor
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	// runMu serialises runs; watch mode may deliver batches while a run
	// is still draining.
	runMu sync.Mutex
}

// NewPipeline wires a pipeline.
func NewPipeline(cfg Config, deps Deps) *Pipeline {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.MaxExcerptBytes <= 0 {
		cfg.MaxExcerptBytes = inference.DefaultMaxExcerptBytes
	}
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	return &Pipeline{
		cfg:       cfg,
		deps:      deps,
		extractor: &Extractor{ColumnLineage: cfg.ColumnLineage, Now: now},
		logger:    logger,
		now:       now,
		sleep:     sleep,
	}
}

// runState is what the tasks of one run share.
type runState struct {
	run    *Run
	writer *graph.BatchWriter
	logger *slog.Logger
	wg     sync.WaitGroup
	done   func(path string)

	mu       sync.Mutex
	entities []lineage.Entity
	excerpts []inference.FileExcerpt
}

// Run ingests req.Paths and returns the finished run record. The error is
// non-nil only when the run failed as a whole; per-file problems are in the
// record.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Run, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if req.Trigger == "" {
		req.Trigger = TriggerCLI
	}
	run := NewRun(uuid.NewString(), req.Trigger, p.now())
	run.Priority = req.Priority.String()
	logger := p.logger.With("run_id", run.ID)
	logger.Info("pipeline.run.start", "files", len(req.Paths), "priority", run.Priority, "trigger", req.Trigger)

	if err := p.deps.Store.Ping(ctx); err != nil {
		return p.finish(run, logger, fmt.Errorf("graph store unreachable: %w", err))
	}

	var flog *graph.FailureLog
	if p.cfg.FailureLogPath != "" {
		var err error
		flog, err = graph.OpenFailureLog(p.cfg.FailureLogPath)
		if err != nil {
			return p.finish(run, logger, err)
		}
		defer flog.Close()
		run.FailureLog = flog.Path()
	}

	st := &runState{
		run:    run,
		logger: logger,
		done:   req.FileDone,
		writer: graph.NewBatchWriter(p.deps.Store, graph.WriterConfig{
			BatchSize:  p.cfg.BatchSize,
			Retry:      p.cfg.Retry,
			SplitSizes: p.cfg.SplitSizes,
			RunID:      run.ID,
			FailureLog: flog,
			Logger:     logger,
			Metrics:    p.deps.Metrics,
			Sleep:      p.sleep,
		}),
	}

	for _, path := range req.Paths {
		if ctx.Err() != nil {
			break
		}
		run.Update(func(c *RunCounts) { c.FilesSubmitted++ })
		task := &fileTask{p: p, st: st, path: path, ctx: ctx}
		st.wg.Add(1)
		if p.deps.Pool == nil {
			_ = task.Run(ctx)
			continue
		}
		if err := p.submit(ctx, path, req.Priority, task); err != nil {
			st.fileDone(path)
			run.Update(func(c *RunCounts) { c.FilesRejected++ })
			run.Fail(path, StageSubmit, err)
			logger.Warn("pipeline.submit.rejected", "path", path, "err", err)
		}
	}
	st.wg.Wait()

	if _, err := st.writer.Flush(ctx); err != nil && ctx.Err() == nil {
		logger.Error("pipeline.flush.failed", "err", err)
	}
	if p.cfg.Infer && p.deps.Inferencer != nil && ctx.Err() == nil {
		p.infer(ctx, st)
	}

	totals := st.writer.Stats()
	run.Update(func(c *RunCounts) {
		c.EntitiesWritten = totals.EntitiesCommitted
		c.RelationshipsWritten = totals.RelationshipsCommitted
		c.ItemsFailed += totals.Failed
		c.Batches = totals.Transactions
		c.Retries = totals.Retries
		c.Splits = totals.Splits
	})

	if err := ctx.Err(); err != nil {
		return p.finish(run, logger, fmt.Errorf("run cancelled: %w", err))
	}
	return p.finish(run, logger, nil)
}

// submit retries back-pressure rejections with backoff until the submit
// timeout. Shutdown rejections are final.
func (p *Pipeline) submit(ctx context.Context, path string, prio workerpool.Priority, task workerpool.Task) error {
	deadline := p.now().Add(p.cfg.SubmitTimeout)
	delay := submitBackoffInitial
	for {
		err := p.deps.Pool.Submit(path, prio, task)
		var rejected *workerpool.RejectedError
		if err == nil || !errors.As(err, &rejected) || errors.Is(err, workerpool.ErrShuttingDown) {
			return err
		}
		if !p.now().Before(deadline) {
			return err
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
		delay = min(delay*2, submitBackoffMax)
	}
}

func (p *Pipeline) finish(run *Run, logger *slog.Logger, fatal error) (*Run, error) {
	run.Finish(p.now(), fatal)
	p.deps.Metrics.RunFinished(string(run.Status), run.Duration())
	if p.deps.Runs != nil {
		if err := p.deps.Runs.Save(run); err != nil {
			logger.Warn("pipeline.run.save.failed", "err", err)
		}
	}

	snap := run.Snapshot()
	attrs := []any{
		"status", snap.Status,
		"files", snap.Counts.FilesProcessed,
		"failed", snap.Counts.FilesFailed,
		"rejected", snap.Counts.FilesRejected,
		"cache_hits", snap.Counts.CacheHits,
		"entities", snap.Counts.EntitiesWritten,
		"relationships", snap.Counts.RelationshipsWritten,
		"items_failed", snap.Counts.ItemsFailed,
		"duration", run.Duration(),
	}
	if fatal != nil {
		logger.Error("pipeline.run.failed", append(attrs, "err", fatal)...)
		return run, fatal
	}
	logger.Info("pipeline.run.done", attrs...)
	return run, nil
}

// fileTask processes one file on a pool worker.
type fileTask struct {
	p    *Pipeline
	st   *runState
	path string
	// ctx is the run's context; the worker's context is merged in Run.
	ctx context.Context
}

func (st *runState) fileDone(path string) {
	if st.done != nil {
		st.done(path)
	}
	st.wg.Done()
}

func (t *fileTask) Run(workerCtx context.Context) error {
	defer t.st.fileDone(t.path)
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(workerCtx, cancel)
	defer stop()
	return t.p.processFile(ctx, t.st, t.path)
}

func (t *fileTask) Discard(err error) {
	defer t.st.fileDone(t.path)
	t.st.run.Update(func(c *RunCounts) { c.FilesFailed++ })
	t.st.run.Fail(t.path, StageSubmit, err)
}

func (p *Pipeline) processFile(ctx context.Context, st *runState, path string) error {
	start := p.now()
	fail := func(stage string, err error) error {
		st.run.Update(func(c *RunCounts) { c.FilesFailed++ })
		st.run.Fail(path, stage, err)
		p.deps.Metrics.FileFailed()
		st.logger.Warn("pipeline.file.failed", "path", path, "stage", stage, "err", err)
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fail(StageRead, err)
	}
	if info.IsDir() {
		return fail(StageRead, fmt.Errorf("%s is a directory", path))
	}
	if p.cfg.MaxFileSize > 0 && info.Size() > p.cfg.MaxFileSize {
		return fail(StageRead, fmt.Errorf("file is %d bytes, limit is %d", info.Size(), p.cfg.MaxFileSize))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fail(StageRead, err)
	}

	parsed, err := p.parse(ctx, st, path, raw)
	if err != nil {
		if ctx.Err() != nil {
			return fail(StageParse, ctx.Err())
		}
		return fail(StageParse, err)
	}

	rel := p.relPath(path)
	ext := p.extractor.Extract(rel, parsed)
	for _, e := range ext.Entities {
		if err := st.writer.EnqueueEntity(ctx, e); err != nil {
			if ctx.Err() != nil {
				return fail(StageWrite, ctx.Err())
			}
			st.run.Update(func(c *RunCounts) { c.ItemsFailed++ })
			st.run.Fail(path, StageExtract, err)
		}
	}
	for _, r := range ext.Relationships {
		if err := st.writer.EnqueueRelationship(ctx, r); err != nil {
			if ctx.Err() != nil {
				return fail(StageWrite, ctx.Err())
			}
			st.run.Update(func(c *RunCounts) { c.ItemsFailed++ })
			st.run.Fail(path, StageExtract, err)
		}
	}

	if p.cfg.Infer && p.deps.Inferencer != nil {
		st.collect(ext.Entities, rel, raw, p.cfg.MaxExcerptBytes)
	}

	took := p.now().Sub(start)
	st.run.Update(func(c *RunCounts) { c.FilesProcessed++ })
	p.deps.Metrics.FileProcessed(took)
	st.logger.Debug("pipeline.file.done",
		"path", rel,
		"entities", len(ext.Entities),
		"relationships", len(ext.Relationships),
		"took", took,
	)
	return nil
}

// parse returns the parse result for raw, from the cache when possible.
func (p *Pipeline) parse(ctx context.Context, st *runState, path string, raw []byte) (*ParsedObjects, error) {
	h := cache.HashContent(raw)
	if payload, ok := p.deps.Cache.Get(h); ok {
		var parsed ParsedObjects
		if err := json.Unmarshal(payload, &parsed); err == nil {
			st.run.Update(func(c *RunCounts) { c.CacheHits++ })
			return &parsed, nil
		}
		st.logger.Warn("pipeline.cache.decode.failed", "path", path, "hash", h.String())
	}
	st.run.Update(func(c *RunCounts) { c.CacheMisses++ })

	parser, ok := p.deps.Parsers.ForPath(path)
	if !ok {
		return nil, &ParseError{Msg: fmt.Sprintf("no parser for %q files", filepath.Ext(path))}
	}

	st.run.Update(func(c *RunCounts) { c.ParseInvocations++ })
	parse := func() (*ParsedObjects, error) { return parser.Parse(ctx, raw, p.cfg.Dialect) }
	var parsed *ParsedObjects
	var err error
	if p.deps.Executor != nil {
		parsed, err = workerpool.Run(ctx, p.deps.Executor, parse)
	} else {
		parsed, err = parse()
	}
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(parsed)
	if err == nil {
		err = p.deps.Cache.Put(h, path, payload)
	}
	if err != nil {
		st.logger.Warn("pipeline.cache.put.failed", "path", path, "err", err)
	}
	return parsed, nil
}

func (p *Pipeline) relPath(path string) string {
	if p.cfg.Root == "" {
		return filepath.ToSlash(filepath.Clean(path))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(filepath.Clean(path))
	}
	root, err := filepath.Abs(p.cfg.Root)
	if err != nil {
		return filepath.ToSlash(filepath.Clean(path))
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(filepath.Clean(path))
	}
	return filepath.ToSlash(rel)
}

func (st *runState) collect(entities []lineage.Entity, path string, raw []byte, maxBytes int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.entities = append(st.entities, entities...)
	if len(st.excerpts) >= maxInferenceFiles {
		return
	}
	if len(raw) > maxBytes {
		raw = raw[:maxBytes]
	}
	st.excerpts = append(st.excerpts, inference.FileExcerpt{Path: path, Content: string(raw)})
}

// infer asks the Inferencer for more edges and writes the ones that resolve
// to known entities. Inference problems never fail the run.
func (p *Pipeline) infer(ctx context.Context, st *runState) {
	st.mu.Lock()
	in := inference.Context{RunID: st.run.ID, Entities: st.entities, Files: st.excerpts}
	st.mu.Unlock()
	if len(in.Files) == 0 {
		return
	}

	props, err := p.deps.Inferencer.ProposeEdges(ctx, in)
	if err != nil {
		st.run.Fail("", StageInfer, err)
		st.logger.Warn("pipeline.infer.failed", "err", err)
		return
	}

	rels, unresolved := inference.NewResolver(in.Entities).Relationships(props, p.now())
	for _, u := range unresolved {
		st.logger.Info("pipeline.infer.unresolved",
			"source", u.Proposal.SourceHint,
			"target", u.Proposal.TargetHint,
			"type", u.Proposal.Kind,
			"reason", u.Reason,
		)
	}

	before := st.writer.Stats()
	for _, r := range rels {
		if err := st.writer.EnqueueRelationship(ctx, r); err != nil {
			st.run.Fail("", StageInfer, err)
		}
	}
	if _, err := st.writer.Flush(ctx); err != nil {
		st.logger.Warn("pipeline.infer.flush.failed", "err", err)
	}
	stored := st.writer.Stats().RelationshipsCommitted - before.RelationshipsCommitted

	st.run.Update(func(c *RunCounts) {
		c.ProposalsStored += stored
		c.ProposalsUnresolved += len(unresolved)
	})
	st.logger.Info("pipeline.infer.done", "proposals", len(props), "stored", stored, "unresolved", len(unresolved))
}
