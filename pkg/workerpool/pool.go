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

// Package workerpool runs ingestion work with strict priority scheduling and
// back-pressure.
//
// Pool is the I/O side: a fixed set of workers pulling from a priority queue
// (Critical, then Normal, then Batch; FIFO within a level). A running item is
// never preempted. Executor is the CPU side: a bounded set of goroutines that
// parse files, reached only by message passing so a pathological file
// occupies one parse slot and never an I/O worker's scheduling.
package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/kraklabs/lineage/pkg/metrics"
)

// Defaults for Config.
const (
	DefaultMaxQueueDepth       = 200
	DefaultMemoryHighWatermark = 0.80
)

var (
	// ErrQueueFull rejects a submission when the queue is at capacity.
	ErrQueueFull = errors.New("workerpool: queue full")
	// ErrMemoryPressure rejects a submission when process memory is high.
	ErrMemoryPressure = errors.New("workerpool: memory pressure")
	// ErrShuttingDown rejects a submission after Shutdown began.
	ErrShuttingDown = errors.New("workerpool: shutting down")
	// ErrCancelled is passed to Task.Discard for queued items dropped by a
	// non-waiting shutdown.
	ErrCancelled = errors.New("workerpool: item cancelled before start")
)

// RejectedError describes a back-pressure rejection. It matches the reason's
// sentinel with errors.Is.
type RejectedError struct {
	Path   string
	Reason error
	Depth  int
	Memory float64
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("submit %s rejected: %v", e.Path, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Reason }

// Task is the work attached to an item.
type Task interface {
	// Run executes the item. Errors are counted as item failures.
	Run(ctx context.Context) error
	// Discard is called instead of Run when a queued item is cancelled.
	Discard(err error)
}

// TaskFunc adapts a function to Task. Discard is a no-op.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }
func (TaskFunc) Discard(error)                   {}

// Config configures a Pool.
type Config struct {
	// Workers is the number of concurrent workers. Default min(4, NumCPU).
	Workers int

	// MaxQueueDepth rejects submissions once this many items wait.
	MaxQueueDepth int

	// MemoryHighWatermark rejects submissions while the probe reports a
	// higher fraction. Negative disables the memory check.
	MemoryHighWatermark float64

	// MemoryProbe defaults to a SystemMemoryProbe when nil.
	MemoryProbe MemoryProbe
}

// DefaultWorkers returns min(4, NumCPU).
func DefaultWorkers() int {
	return min(4, runtime.NumCPU())
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Workers   int               `json:"workers"`
	Queued    int               `json:"queued"`
	Active    int               `json:"active"`
	Submitted uint64            `json:"submitted"`
	Completed uint64            `json:"completed"`
	Failed    uint64            `json:"failed"`
	Cancelled uint64            `json:"cancelled"`
	Rejected  map[string]uint64 `json:"rejected,omitempty"`
}

// Pool is a bounded priority worker pool.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	cond      *sync.Cond
	queue     itemHeap
	seq       uint64
	active    int
	started   bool
	accepting bool
	stopping  bool
	stats     Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool. Items may be submitted before Start; they wait in the
// queue until workers exist.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if cfg.MemoryHighWatermark == 0 {
		cfg.MemoryHighWatermark = DefaultMemoryHighWatermark
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MemoryProbe == nil && cfg.MemoryHighWatermark > 0 {
		probe, err := NewSystemMemoryProbe(0)
		if err != nil {
			logger.Warn("workerpool.memory_probe.unavailable", "err", err)
		} else {
			cfg.MemoryProbe = probe
		}
	}

	p := &Pool{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		accepting: true,
		stats:     Stats{Workers: cfg.Workers, Rejected: make(map[string]uint64)},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. Tasks receive a context derived from ctx that
// is cancelled by a forced shutdown.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("workerpool.start", "workers", p.cfg.Workers, "max_queue_depth", p.cfg.MaxQueueDepth)
}

// Submit queues task for path at the given priority. It returns a
// *RejectedError when back-pressure applies; the caller decides whether to
// retry later or drop the item.
func (p *Pool) Submit(path string, priority Priority, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.accepting {
		return p.rejectLocked(&RejectedError{Path: path, Reason: ErrShuttingDown}, metrics.ReasonShutdown)
	}
	if depth := len(p.queue); depth >= p.cfg.MaxQueueDepth {
		return p.rejectLocked(&RejectedError{Path: path, Reason: ErrQueueFull, Depth: depth}, metrics.ReasonQueueFull)
	}
	if p.cfg.MemoryHighWatermark > 0 && p.cfg.MemoryProbe != nil {
		used, err := p.cfg.MemoryProbe.UsedFraction()
		if err != nil {
			p.logger.Debug("workerpool.memory_probe.error", "err", err)
		} else if used > p.cfg.MemoryHighWatermark {
			return p.rejectLocked(&RejectedError{Path: path, Reason: ErrMemoryPressure, Memory: used}, metrics.ReasonMemory)
		}
	}

	p.seq++
	heap.Push(&p.queue, &Item{
		Path:        path,
		Priority:    priority,
		SubmittedAt: time.Now(),
		seq:         p.seq,
		task:        task,
	})
	p.stats.Submitted++
	p.metrics.SetQueueDepth(len(p.queue))
	p.cond.Signal()
	return nil
}

func (p *Pool) rejectLocked(err *RejectedError, reason string) error {
	p.stats.Rejected[reason]++
	p.metrics.SubmissionRejected(reason)
	p.logger.Warn("workerpool.submit.rejected",
		"path", err.Path,
		"reason", reason,
		"depth", len(p.queue),
	)
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopping {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		it := heap.Pop(&p.queue).(*Item)
		p.active++
		p.metrics.SetQueueDepth(len(p.queue))
		p.metrics.SetActiveWorkers(p.active)
		ctx := p.ctx
		p.mu.Unlock()

		err := p.run(ctx, it)

		p.mu.Lock()
		p.active--
		if err != nil {
			p.stats.Failed++
		} else {
			p.stats.Completed++
		}
		p.metrics.SetActiveWorkers(p.active)
		p.mu.Unlock()

		if err != nil {
			p.logger.Warn("workerpool.item.failed",
				"worker", id,
				"path", it.Path,
				"priority", it.Priority.String(),
				"err", err,
			)
		}
	}
}

// run executes one item, converting a panic into an item failure.
func (p *Pool) run(ctx context.Context, it *Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", it.Path, r)
		}
	}()
	return it.task.Run(ctx)
}

// Shutdown stops accepting submissions. With wait, queued and in-flight
// items drain before it returns. Without wait, queued items are cancelled
// (their Task.Discard is called) and only in-flight items finish. If ctx
// expires first, in-flight tasks are cancelled and ctx's error is returned.
func (p *Pool) Shutdown(ctx context.Context, wait bool) error {
	p.mu.Lock()
	p.accepting = false
	var dropped []*Item
	if !wait {
		dropped = append(dropped, p.queue...)
		p.queue = nil
		p.stats.Cancelled += uint64(len(dropped))
		p.metrics.SetQueueDepth(0)
	}
	p.stopping = true
	started := p.started
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, it := range dropped {
		it.task.Discard(ErrCancelled)
	}
	p.logger.Info("workerpool.shutdown", "wait", wait, "cancelled", len(dropped))

	if !started {
		p.mu.Lock()
		leftover := p.queue
		p.queue = nil
		p.stats.Cancelled += uint64(len(leftover))
		p.mu.Unlock()
		for _, it := range leftover {
			it.task.Discard(ErrCancelled)
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("workerpool.shutdown.forced", "active", p.Stats().Active)
		return ctx.Err()
	}
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Queued = len(p.queue)
	s.Active = p.active
	s.Rejected = make(map[string]uint64, len(p.stats.Rejected))
	for k, v := range p.stats.Rejected {
		s.Rejected[k] = v
	}
	return s
}
