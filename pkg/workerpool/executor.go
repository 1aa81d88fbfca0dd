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

package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// ErrExecutorClosed is returned by Do after Close.
var ErrExecutorClosed = errors.New("workerpool: executor closed")

type execResult struct {
	val any
	err error
}

type execJob struct {
	fn    func() (any, error)
	reply chan execResult
}

// Executor is a bounded pool for CPU-bound work. Callers hand it a function
// and block on a private reply channel; no state is shared with the
// executing goroutine beyond the message itself.
type Executor struct {
	jobs   chan execJob
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewExecutor starts workers goroutines (default NumCPU).
func NewExecutor(workers int, logger *slog.Logger) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		jobs:   make(chan execJob),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.loop()
	}
	return e
}

func (e *Executor) loop() {
	defer e.wg.Done()
	for job := range e.jobs {
		job.reply <- e.exec(job.fn)
	}
}

func (e *Executor) exec(fn func() (any, error)) (res execResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor.panic", "panic", r)
			res = execResult{err: fmt.Errorf("panic in executor: %v", r)}
		}
	}()
	v, err := fn()
	return execResult{val: v, err: err}
}

// Do runs fn on an executor goroutine and waits for its result. If ctx ends
// first, Do returns ctx's error; fn still runs to completion in its slot.
func (e *Executor) Do(ctx context.Context, fn func() (any, error)) (any, error) {
	job := execJob{fn: fn, reply: make(chan execResult, 1)}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrExecutorClosed
	}
	select {
	case e.jobs <- job:
		e.mu.RUnlock()
	case <-ctx.Done():
		e.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case r := <-job.reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting work and waits for running jobs to finish.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.jobs)
	e.mu.Unlock()
	e.wg.Wait()
}

// Run is a typed wrapper around Executor.Do.
func Run[T any](ctx context.Context, e *Executor, fn func() (T, error)) (T, error) {
	var zero T
	v, err := e.Do(ctx, func() (any, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("executor returned %T", v)
	}
	return out, nil
}
