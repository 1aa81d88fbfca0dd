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

// Package coalesce turns bursts of file-change notifications into
// deduplicated batches of paths.
//
// A Coalescer holds a set of pending paths. The set is detached when the
// debounce window passes without a new path, when the set reaches MaxBatch
// paths, or on an explicit Flush. Detached batches queue for a single
// delivery goroutine that calls the handler one batch at a time, so AddEvent
// never waits on a handler and events arriving during a flush collect into a
// fresh set. RealTime hands every new path over immediately.
package coalesce

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/kraklabs/lineage/pkg/metrics"
)

// Defaults for Config.
const (
	DefaultDebounce = 5 * time.Second
	DefaultMaxBatch = 50
)

// State is the coalescer's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	default:
		return "idle"
	}
}

// PendingEvent is one path waiting in the coalescing window.
type PendingEvent struct {
	Path        string    `json:"path"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Paths returns the paths of a batch in arrival order.
func Paths(batch []PendingEvent) []string {
	out := make([]string, len(batch))
	for i, ev := range batch {
		out[i] = ev.Path
	}
	return out
}

// Handler receives flushed batches on the coalescer's delivery goroutine.
// It must not call Close.
type Handler func(batch []PendingEvent)

// Timer is a pending debounce callback.
type Timer interface {
	Stop() bool
}

// Clock supplies time to a Coalescer.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Config configures a Coalescer.
type Config struct {
	// Debounce is the quiet period after the last new path before the
	// pending set is flushed. Zero means DefaultDebounce unless RealTime.
	Debounce time.Duration

	// MaxBatch flushes as soon as this many unique paths are pending.
	MaxBatch int

	// RealTime disables coalescing delay: every new path is flushed alone.
	RealTime bool

	// Clock defaults to the system clock.
	Clock Clock
}

// Stats counts coalescer activity.
type Stats struct {
	Received     uint64 `json:"received"`
	Deduplicated uint64 `json:"deduplicated"`
	Batches      uint64 `json:"batches"`
	Pending      int    `json:"pending"`
}

type queued struct {
	batch   []PendingEvent
	trigger string
}

// Coalescer deduplicates paths inside a debounce window.
type Coalescer struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   Clock

	mu       sync.Mutex
	pending  map[string]PendingEvent
	order    []string
	timer    Timer
	gen      uint64
	queue    []queued
	flushing int
	closed   bool
	stats    Stats

	wake chan struct{}
	done chan struct{}
}

// New creates a Coalescer that hands flushed batches to handler and starts
// its delivery goroutine. Close stops it.
func New(cfg Config, handler Handler, logger *slog.Logger, m *metrics.Metrics) *Coalescer {
	if cfg.RealTime {
		cfg.Debounce = 0
	} else if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coalescer{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: m,
		clock:   cfg.Clock,
		pending: make(map[string]PendingEvent),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.deliverLoop()
	return c
}

// AddEvent records a change to path. Repeated paths inside the window
// collapse into the first observation and do not extend the window.
func (c *Coalescer) AddEvent(path string) {
	path = filepath.Clean(path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stats.Received++
	if _, dup := c.pending[path]; dup {
		c.stats.Deduplicated++
		c.metrics.EventReceived(true)
		return
	}
	c.pending[path] = PendingEvent{Path: path, FirstSeenAt: c.clock.Now()}
	c.order = append(c.order, path)
	c.metrics.EventReceived(false)

	if c.cfg.RealTime || len(c.order) >= c.cfg.MaxBatch {
		c.enqueueLocked(c.swapLocked(), "threshold")
		return
	}
	c.armTimerLocked()
}

func (c *Coalescer) armTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.cfg.Debounce, func() { c.onTimer(gen) })
}

func (c *Coalescer) onTimer(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A newer event re-armed the timer or the set was already flushed.
	if gen != c.gen || len(c.order) == 0 || c.closed {
		return
	}
	c.enqueueLocked(c.swapLocked(), "debounce")
}

// swapLocked detaches the pending set and starts a fresh one.
func (c *Coalescer) swapLocked() []PendingEvent {
	batch := make([]PendingEvent, 0, len(c.order))
	for _, p := range c.order {
		batch = append(batch, c.pending[p])
	}
	c.pending = make(map[string]PendingEvent)
	c.order = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.stats.Batches++
	return batch
}

func (c *Coalescer) enqueueLocked(batch []PendingEvent, trigger string) {
	c.queue = append(c.queue, queued{batch: batch, trigger: trigger})
	c.flushing++
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coalescer) deliverLoop() {
	defer close(c.done)
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			<-c.wake
			continue
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.deliver(next)
	}
}

func (c *Coalescer) deliver(q queued) {
	c.metrics.BatchCoalesced()
	c.logger.Debug("coalesce.flush", "trigger", q.trigger, "paths", len(q.batch))
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("coalesce.handler.panic", "panic", r, "paths", len(q.batch))
		}
		c.mu.Lock()
		c.flushing--
		c.mu.Unlock()
	}()
	if c.handler != nil {
		c.handler(q.batch)
	}
}

// Flush queues the current pending set for the handler immediately. It is
// the manual flush trigger; it returns the number of paths queued.
func (c *Coalescer) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 || c.closed {
		return 0
	}
	batch := c.swapLocked()
	c.enqueueLocked(batch, "manual")
	return len(batch)
}

// FlushNow detaches the pending set and returns its paths to the caller
// instead of the handler.
func (c *Coalescer) FlushNow() []string {
	c.mu.Lock()
	if len(c.order) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.swapLocked()
	c.mu.Unlock()
	c.metrics.BatchCoalesced()
	return Paths(batch)
}

// State reports the coalescer's current state. Flushing wins while any
// detached batch is queued or being handled.
func (c *Coalescer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.flushing > 0:
		return StateFlushing
	case len(c.order) > 0:
		return StateAccumulating
	default:
		return StateIdle
	}
}

// Pending returns the number of unique paths waiting.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Stats returns activity counters.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Pending = len(c.order)
	return s
}

// Close stops the debounce timer, waits until every queued batch has been
// handled, and returns paths that were still pending. Events added after
// Close are ignored.
func (c *Coalescer) Close() []string {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	out := append([]string(nil), c.order...)
	c.pending = make(map[string]PendingEvent)
	c.order = nil
	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.mu.Unlock()

	<-c.done
	return out
}
