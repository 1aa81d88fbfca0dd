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

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/lineage/internal/bootstrap"
	"github.com/kraklabs/lineage/internal/errors"
	"github.com/kraklabs/lineage/internal/ui"
	"github.com/kraklabs/lineage/pkg/coalesce"
	"github.com/kraklabs/lineage/pkg/ingestion"
	"github.com/kraklabs/lineage/pkg/workerpool"
)

// drainTimeout bounds the final run over paths still pending at shutdown.
const drainTimeout = 30 * time.Second

// runWatch executes the 'watch' CLI command.
func runWatch(ctx context.Context, args []string, g GlobalFlags) error {
	fs := newFlagSet("watch", "[options] [dir]", `Watches dir (default: the project root) and ingests changed files in
coalesced batches. A batch is flushed after the debounce window has been
quiet, when it reaches coalesce.max_batch, or on 'lineage flush'.

Stop with Ctrl-C; pending paths are ingested before exit.`)
	var f ingestFlags
	realtime := fs.Bool("realtime", false, "Ingest every change immediately instead of coalescing")
	debounce := fs.Duration("debounce", 0, "Quiet period before a batch is flushed (default from config)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	fs.StringVar(&f.store, "store", "", "Graph store override: neo4j or memory (dry run)")
	fs.BoolVar(&f.noCache, "no-cache", false, "Parse every file, ignoring the cache")
	fs.BoolVar(&f.noBatching, "no-batching", false, "Write each item in its own transaction")
	fs.BoolVar(&f.noParallel, "no-parallel", false, "Use one worker and one parser")
	fs.BoolVar(&f.infer, "infer", false, "Propose additional edges with the LLM")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	s, err := openSession(ctx, g, bootstrap.OpenOptions{Store: f.store, NoCache: f.noCache}, func(cfg *bootstrap.Config) {
		if fs.Changed("realtime") {
			cfg.Coalesce.Realtime = *realtime
		}
		if *debounce > 0 {
			cfg.Coalesce.Debounce = bootstrap.Duration(*debounce)
		}
		if *metricsAddr != "" {
			cfg.MetricsAddr = *metricsAddr
		}
	})
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	dir := s.Paths.Root
	if fs.NArg() > 0 {
		if dir, err = filepath.Abs(fs.Arg(0)); err != nil {
			return err
		}
	}

	lock, err := bootstrap.AcquireLock(s.Paths.Lock)
	if stderrors.Is(err, bootstrap.ErrLocked) {
		pid, _ := bootstrap.ReadLockPID(s.Paths.Lock)
		return errors.NewInputError(
			"A watcher is already running",
			fmt.Sprintf("process %d holds %s", pid, s.Paths.Lock),
			"Stop it first, or use 'lineage flush' to trigger it",
		)
	}
	if err != nil {
		return errors.NewPermissionError("Cannot create the watch lock", err.Error(), "Check write access to .lineage/", err)
	}
	defer func() { _ = lock.Release() }()

	pipeline, stop, err := s.Pipeline(ctx, f.pipelineOptions())
	if err != nil {
		return errors.NewConfigError("Cannot start the pipeline", err.Error(), "Check the inference section of .lineage/project.yaml", err)
	}
	defer func() {
		if err := stop(context.WithoutCancel(ctx)); err != nil {
			s.Logger.Warn("cli.watch.shutdown", "err", err)
		}
	}()

	// Batches outlive the signal context so queued work drains on shutdown.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	w := &watchSession{session: s, pipeline: pipeline}
	co := coalesce.New(coalesce.Config{
		Debounce: s.Config.Coalesce.Debounce.D(),
		MaxBatch: s.Config.Coalesce.MaxBatch,
		RealTime: s.Config.Coalesce.Realtime,
	}, func(batch []coalesce.PendingEvent) {
		w.ingest(runCtx, coalesce.Paths(batch))
	}, s.Logger, s.Metrics)

	opts := s.Config.DiscoverOptions(s.Logger)
	watcher, err := coalesce.NewWatcher(dir, co, coalesce.WatcherOptions{
		Accept:  func(path string) bool { return opts.Accept(relTo(dir, path)) },
		SkipDir: func(path string) bool { return opts.SkipDir(relTo(dir, path)) },
		Logger:  s.Logger,
	})
	if err != nil {
		return errors.NewInternalError("Cannot start the file watcher", err.Error(), "", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return errors.NewPermissionError("Cannot watch directory", err.Error(), "Check that the directory exists and is readable", err)
	}

	ui.Successf("Watching %s (debounce %s, max batch %d)", dir, s.Config.Coalesce.Debounce.D(), s.Config.Coalesce.MaxBatch)

	g2, gctx := errgroup.WithContext(ctx)
	g2.Go(func() error {
		<-gctx.Done()
		watcher.Stop()
		return nil
	})
	if s.Config.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              s.Config.MetricsAddr,
			Handler:           metricsMux(s.Project),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g2.Go(func() error {
			s.Logger.Info("cli.metrics.listen", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g2.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if bootstrap.FlushSignal != nil {
		g2.Go(func() error {
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, bootstrap.FlushSignal)
			defer signal.Stop(sig)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-sig:
					n := co.Flush()
					s.Logger.Info("cli.watch.flush", "paths", n)
				}
			}
		})
	}

	groupErr := g2.Wait()

	drain := time.AfterFunc(drainTimeout, cancelRuns)
	pending := co.Close()
	if len(pending) > 0 {
		s.Logger.Info("cli.watch.drain", "paths", len(pending))
		w.ingest(runCtx, pending)
	}
	drain.Stop()
	stats := co.Stats()
	s.Logger.Info("cli.watch.stop", "events", stats.Received, "deduplicated", stats.Deduplicated, "batches", stats.Batches)
	if groupErr != nil {
		return errors.NewNetworkError("Watcher stopped", groupErr.Error(), "Check --metrics-addr is free", groupErr)
	}
	return nil
}

// watchSession runs one pipeline pass per coalesced batch.
type watchSession struct {
	*session
	pipeline *ingestion.Pipeline
}

// ingest runs the pipeline over paths and reports the outcome. Paths that
// vanished before the batch ran are recorded as read failures on the run.
func (w *watchSession) ingest(ctx context.Context, paths []string) *ingestion.Run {
	if len(paths) == 0 {
		return nil
	}
	run, err := w.pipeline.Run(ctx, ingestion.Request{
		Paths:    paths,
		Priority: workerpool.Normal,
		Trigger:  ingestion.TriggerWatch,
	})
	if run == nil {
		w.Logger.Error("cli.watch.run", "err", err)
		return nil
	}
	snap := run.Snapshot()
	if err != nil {
		ui.Errorf("Run %s failed: %v", snap.ID, err)
		return snap
	}
	msg := fmt.Sprintf("%s: %d files, %d entities, %d relationships (%s)",
		shortID(snap.ID), snap.Counts.FilesProcessed, snap.Counts.EntitiesWritten, snap.Counts.RelationshipsWritten,
		snap.Duration().Round(time.Millisecond))
	if snap.Status == ingestion.RunCompletedWithErrors {
		ui.Warningf("%s, %d failed", msg, snap.Counts.FilesFailed+snap.Counts.ItemsFailed)
		return snap
	}
	ui.Success(msg)
	return snap
}

func metricsMux(p *bootstrap.Project) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{Registry: p.Registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := p.Store.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func relTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}
