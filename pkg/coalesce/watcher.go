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

package coalesce

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Sink receives changed paths; *Coalescer satisfies it.
type Sink interface {
	AddEvent(path string)
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Accept decides whether a changed file is forwarded. Nil accepts all.
	Accept func(path string) bool

	// SkipDir decides whether a directory is left unwatched. Nil watches
	// every directory.
	SkipDir func(path string) bool

	Logger *slog.Logger
}

// Watcher forwards filesystem changes under a root to a Sink.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	sink    Sink
	opts    WatcherOptions
	logger  *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for root.
func NewWatcher(root string, sink Sink, opts WatcherOptions) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:    root,
		watcher: fw,
		sink:    sink,
		opts:    opts,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start registers every directory under root and begins forwarding events.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("watch.start", "root", w.root, "dirs", len(w.watcher.WatchList()))
	return nil
}

// Stop stops the watcher and waits for its event loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("watch.walk.error", "path", path, "err", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.opts.SkipDir != nil && w.opts.SkipDir(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch.error", "err", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// A rename reports the old name; the new name arrives as a Create.
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("watch.add_dir.error", "path", event.Name, "err", err)
			}
		}
		return
	}
	if w.opts.Accept != nil && !w.opts.Accept(event.Name) {
		return
	}
	w.sink.AddEvent(event.Name)
}
