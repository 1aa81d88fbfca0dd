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
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/lineage/internal/bootstrap"
	"github.com/kraklabs/lineage/internal/errors"
	"github.com/kraklabs/lineage/internal/output"
	"github.com/kraklabs/lineage/internal/ui"
	"github.com/kraklabs/lineage/pkg/graph"
	"github.com/kraklabs/lineage/pkg/ingestion"
)

// runFailures executes the 'failures' CLI command.
func runFailures(ctx context.Context, args []string, g GlobalFlags) error {
	fs := newFlagSet("failures", "[--replay] [--run ID]", `Lists the entities and relationships the batch writer gave up on, as
recorded in batch.failure_log. With --replay they are written again; items
that fail again stay in the log.`)
	replay := fs.Bool("replay", false, "Write the failed items to the graph again")
	runID := fs.String("run", "", "Only records from this run")
	store := fs.String("store", "", "Graph store override")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	root, cfg, err := loadProjectConfig(g)
	if err != nil {
		return err
	}
	paths := bootstrap.ResolvePaths(root, cfg)
	records, err := graph.ReadFailures(paths.FailureLog)
	if err != nil {
		return errors.NewInputError("Cannot read the failure log", err.Error(), "Fix or remove the malformed line in "+paths.FailureLog)
	}
	selected, kept := splitByRun(records, *runID)

	if !*replay {
		if g.JSON {
			return output.JSONLines(stdout, selected)
		}
		if len(selected) == 0 {
			ui.Success("No failed items")
			return nil
		}
		for _, r := range selected {
			fmt.Fprintf(stdout, "%s %-12s %s\n  %s\n", ui.DimText(r.Timestamp.Format(time.RFC3339)), r.Kind, r.ID, ui.DimText(r.Error))
		}
		ui.Infof("%d failed items; run 'lineage failures --replay' once the cause is fixed", len(selected))
		return nil
	}
	if len(selected) == 0 {
		ui.Success("Nothing to replay")
		return nil
	}

	s, err := openSession(ctx, g, bootstrap.OpenOptions{Store: *store, NoCache: true}, nil)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	run, err := replayFailures(ctx, s.Project, g, selected, kept)
	return reportRun(g, run, err)
}

func splitByRun(records []graph.FailureRecord, runID string) (selected, kept []graph.FailureRecord) {
	if runID == "" {
		return records, nil
	}
	for _, r := range records {
		if r.RunID == runID {
			selected = append(selected, r)
		} else {
			kept = append(kept, r)
		}
	}
	return selected, kept
}

// replayFailures moves the log aside, rewrites the records that were not
// selected, and replays the selected ones through a batch writer appending
// to a fresh log. The replay is recorded as a run.
func replayFailures(ctx context.Context, p *bootstrap.Project, g GlobalFlags, selected, kept []graph.FailureRecord) (*ingestion.Run, error) {
	logPath := p.Paths.FailureLog
	aside := logPath + ".replaying"
	if err := os.Rename(logPath, aside); err != nil {
		return nil, fmt.Errorf("move failure log aside: %w", err)
	}
	flog, err := graph.OpenFailureLog(logPath)
	if err != nil {
		_ = os.Rename(aside, logPath)
		return nil, err
	}
	defer flog.Close()
	for _, r := range kept {
		if err := flog.Append(r); err != nil {
			return nil, err
		}
	}

	run := ingestion.NewRun(uuid.NewString(), ingestion.TriggerReplay, time.Now())
	run.FailureLog = logPath
	logger := p.Logger.With("run_id", run.ID)
	w := graph.NewBatchWriter(p.Store, graph.WriterConfig{
		BatchSize:  p.Config.Batch.Size,
		Retry:      p.Config.Batch.RetryPolicy(),
		SplitSizes: p.Config.Batch.SplitSizes,
		RunID:      run.ID,
		FailureLog: flog,
		Logger:     logger,
		Metrics:    p.Metrics,
	})

	spin := progressFor(g).spinner(phaseReplay)
	logger.Info("failures.replay.start", "records", len(selected))
	res, replayErr := graph.Replay(ctx, w, selected)
	finish(spin)
	run.Update(func(c *ingestion.RunCounts) {
		c.EntitiesWritten = res.EntitiesCommitted
		c.RelationshipsWritten = res.RelationshipsCommitted
		c.ItemsFailed = res.Failed
		c.Batches = res.Transactions
		c.Retries = res.Retries
		c.Splits = res.Splits
	})
	run.Finish(time.Now(), replayErr)
	p.Metrics.RunFinished(string(run.Status), run.Duration())
	if err := p.Runs.Save(run); err != nil {
		logger.Warn("failures.replay.save", "err", err)
	}
	if replayErr == nil {
		_ = os.Remove(aside)
	} else {
		logger.Warn("failures.replay.interrupted", "kept", aside, "err", replayErr)
	}
	logger.Info("failures.replay.done",
		"entities", res.EntitiesCommitted,
		"relationships", res.RelationshipsCommitted,
		"failed", res.Failed,
	)
	return run, replayErr
}
