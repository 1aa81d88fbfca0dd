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

package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// badgerLogger routes badger's internal logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error("cache.badger", "msg", fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn("cache.badger", "msg", fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug("cache.badger", "msg", fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug("cache.badger", "msg", fmt.Sprintf(format, args...))
}

// openBadger opens the key-value store backing the cache. Persistent stores
// get a directory created on demand; in-memory stores are for tests.
func openBadger(cfg Config, logger *slog.Logger) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("cache directory is required for a persistent cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Dir, err)
	}
	return db, nil
}

// gcRunner periodically sweeps expired entries and then reclaims value-log
// space left behind by evictions and overwritten entries.
type gcRunner struct {
	db       *badger.DB
	sweep    func()
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func startGC(db *badger.DB, interval time.Duration, ratio float64, sweep func(), logger *slog.Logger) *gcRunner {
	r := &gcRunner{
		db:       db,
		sweep:    sweep,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.sweep != nil {
				r.sweep()
			}
			// RunValueLogGC rewrites at most one file per call; keep going
			// until badger reports nothing left to rewrite.
			for {
				err := r.db.RunValueLogGC(r.ratio)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					r.logger.Warn("cache.gc.error", "err", err)
				}
				break
			}
		}
	}
}
