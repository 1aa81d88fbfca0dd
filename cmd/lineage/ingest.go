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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kraklabs/lineage/internal/bootstrap"
	"github.com/kraklabs/lineage/internal/errors"
	"github.com/kraklabs/lineage/internal/output"
	"github.com/kraklabs/lineage/internal/ui"
	"github.com/kraklabs/lineage/pkg/ingestion"
	"github.com/kraklabs/lineage/pkg/workerpool"
)

// ingestFlags are the switches shared by ingest and watch.
type ingestFlags struct {
	store         string
	dialect       string
	columnLineage bool
	noCache       bool
	noBatching    bool
	noParallel    bool
	infer         bool
}

func (f *ingestFlags) adjust(changed func(string) bool) func(*bootstrap.Config) {
	return func(cfg *bootstrap.Config) {
		if f.dialect != "" {
			cfg.Ingest.Dialect = f.dialect
		}
		if changed("column-lineage") {
			cfg.Ingest.ColumnLineage = f.columnLineage
		}
	}
}

func (f *ingestFlags) pipelineOptions() bootstrap.PipelineOptions {
	return bootstrap.PipelineOptions{
		NoBatching: f.noBatching,
		NoParallel: f.noParallel,
		Infer:      f.infer,
	}
}

// runIngest executes the 'ingest' CLI command.
func runIngest(ctx context.Context, args []string, g GlobalFlags) error {
	fs := newFlagSet("ingest", "[options] [paths...]", `Parses the given files and directories (default: the project root) and
writes their entities and lineage edges to the graph. Unchanged files are
served from the parse cache.

Priority defaults to critical when only files are named, normal for
directories, and batch with --backfill.`)
	var f ingestFlags
	priority := fs.String("priority", "", "Queue priority: critical, normal or batch")
	backfill := fs.Bool("backfill", false, "Bulk historical ingestion (batch priority)")
	fs.StringVar(&f.store, "store", "", "Graph store override: neo4j or memory (dry run)")
	fs.StringVar(&f.dialect, "dialect", "", "SQL dialect override")
	fs.BoolVar(&f.columnLineage, "column-lineage", false, "Extract column-level lineage")
	fs.BoolVar(&f.noCache, "no-cache", false, "Parse every file, ignoring the cache")
	fs.BoolVar(&f.noBatching, "no-batching", false, "Write each item in its own transaction")
	fs.BoolVar(&f.noParallel, "no-parallel", false, "Use one worker and one parser")
	fs.BoolVar(&f.infer, "infer", false, "Propose additional edges with the LLM")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	s, err := openSession(ctx, g, bootstrap.OpenOptions{Store: f.store, NoCache: f.noCache}, f.adjust(fs.Changed))
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))
	if s.CacheBypassed {
		ui.Warning("Parse cache was corrupt and has been cleared; this run parses every file")
	}

	targets := fs.Args()
	if len(targets) == 0 {
		targets = []string{s.Paths.Root}
	}
	prio, err := ingestPriority(*priority, *backfill, targets)
	if err != nil {
		return err
	}

	progress := progressFor(g)
	spin := progress.spinner(phaseDiscover)
	found, err := ingestion.Discover(targets, s.Config.DiscoverOptions(s.Logger))
	finish(spin)
	if err != nil {
		return errors.NewInputError("Cannot read ingest paths", err.Error(), "Check that every path exists")
	}
	if len(found.Files) == 0 {
		if g.JSON {
			return output.JSONTo(stdout, map[string]any{"files": 0, "skipped": found.Skipped})
		}
		ui.Warning("No SQL or Python files matched the include globs")
		return nil
	}

	pipeline, stop, err := s.Pipeline(ctx, f.pipelineOptions())
	if err != nil {
		return errors.NewConfigError("Cannot start the pipeline", err.Error(), "Check the inference section of .lineage/project.yaml", err)
	}

	bar := progress.fileBar(phaseIngest, len(found.Files))
	trigger := ingestion.TriggerCLI
	if *backfill {
		trigger = ingestion.TriggerBackfill
	}
	run, runErr := pipeline.Run(ctx, ingestion.Request{
		Paths:    found.Files,
		Priority: prio,
		Trigger:  trigger,
		FileDone: fileProgress(bar),
	})
	finish(bar)
	if err := stop(context.WithoutCancel(ctx)); err != nil {
		s.Logger.Warn("cli.ingest.shutdown", "err", err)
	}
	return reportRun(g, run, runErr)
}

// ingestPriority picks the queue priority of an ingest invocation.
func ingestPriority(flag string, backfill bool, targets []string) (workerpool.Priority, error) {
	if flag != "" {
		p, err := workerpool.ParsePriority(flag)
		if err != nil {
			return 0, errors.NewInputError("Invalid priority", err.Error(), "Use critical, normal or batch")
		}
		return p, nil
	}
	if backfill {
		return workerpool.Batch, nil
	}
	for _, t := range targets {
		if info, err := os.Stat(t); err != nil || info.IsDir() {
			return workerpool.Normal, nil
		}
	}
	return workerpool.Critical, nil
}

// reportRun prints a finished run and turns a failed run into a classified
// error.
func reportRun(g GlobalFlags, run *ingestion.Run, runErr error) error {
	if run == nil {
		return runErr
	}
	snap := run.Snapshot()
	if g.JSON {
		if err := output.JSONTo(stdout, snap); err != nil {
			return err
		}
	} else {
		printRun(snap)
	}
	if runErr == nil {
		return nil
	}
	ue := errors.Classify(runErr)
	if ue.ExitCode == errors.ExitInternal || ue.ExitCode == errors.ExitNetwork {
		ue = errors.NewStoreError("Run failed", runErr.Error(), "Check the graph store, then run 'lineage ingest' again", runErr)
	}
	return ue
}

func printRun(r *ingestion.Run) {
	c := r.Counts
	ui.Header(fmt.Sprintf("Run %s", r.ID))
	fmt.Fprintf(stdout, "%s %s\n", ui.Label("Status:"), ui.StatusText(string(r.Status)))
	fmt.Fprintf(stdout, "%s %s (%s)\n", ui.Label("Trigger:"), r.Trigger, r.Priority)
	fmt.Fprintf(stdout, "%s %s processed, %s failed, %s rejected of %d\n", ui.Label("Files:"),
		ui.CountText(c.FilesProcessed), ui.CountText(c.FilesFailed), ui.CountText(c.FilesRejected), c.FilesSubmitted)
	fmt.Fprintf(stdout, "%s %d hits, %d misses, %d parses\n", ui.Label("Cache:"), c.CacheHits, c.CacheMisses, c.ParseInvocations)
	fmt.Fprintf(stdout, "%s %s entities, %s relationships in %d transactions (%d retries, %d splits)\n", ui.Label("Graph:"),
		ui.CountText(c.EntitiesWritten), ui.CountText(c.RelationshipsWritten), c.Batches, c.Retries, c.Splits)
	if c.ProposalsStored > 0 || c.ProposalsUnresolved > 0 {
		fmt.Fprintf(stdout, "%s %d proposals stored for review, %d unresolved\n", ui.Label("Inference:"), c.ProposalsStored, c.ProposalsUnresolved)
	}
	if c.ItemsFailed > 0 && r.FailureLog != "" {
		fmt.Fprintf(stdout, "%s %d items written to %s\n", ui.Label("Failed items:"), c.ItemsFailed, filepath.Base(r.FailureLog))
	}
	fmt.Fprintf(stdout, "%s %s\n", ui.Label("Duration:"), r.Duration().Round(time.Millisecond))
	for i, e := range r.Errors {
		if i == 10 {
			fmt.Fprintf(stdout, "  %s\n", ui.DimText(fmt.Sprintf("... %d more", len(r.Errors)-10+r.ErrorsDropped)))
			break
		}
		fmt.Fprintf(stdout, "  %s %s: %s\n", ui.DimText("["+e.Stage+"]"), e.Path, e.Error)
	}
	if r.Status == ingestion.RunCompletedWithErrors {
		ui.Warning("Some files or items failed; see 'lineage failures'")
	}
}
