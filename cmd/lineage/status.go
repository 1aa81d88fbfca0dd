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
	"time"

	"github.com/kraklabs/lineage/internal/bootstrap"
	"github.com/kraklabs/lineage/internal/errors"
	"github.com/kraklabs/lineage/internal/output"
	"github.com/kraklabs/lineage/internal/ui"
	"github.com/kraklabs/lineage/pkg/graph"
	"github.com/kraklabs/lineage/pkg/ingestion"
)

// statusReport is the JSON shape of 'lineage status'.
type statusReport struct {
	Root           string           `json:"root"`
	Store          string           `json:"store"`
	Watcher        int              `json:"watcher_pid,omitempty"`
	FailedItems    int              `json:"failed_items"`
	Runs           []*ingestion.Run `json:"runs"`
	StoreReachable *bool            `json:"store_reachable,omitempty"`
}

// runStatus executes the 'status' CLI command.
func runStatus(ctx context.Context, args []string, g GlobalFlags) error {
	fs := newFlagSet("status", "[--runs N] [--ping]", "Shows the latest runs, the watcher and the failure log of the project.")
	n := fs.Int("runs", 5, "Number of runs to show")
	ping := fs.Bool("ping", false, "Also check that the graph store is reachable")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	root, cfg, err := loadProjectConfig(g)
	if err != nil {
		return err
	}
	paths := bootstrap.ResolvePaths(root, cfg)
	runs, err := ingestion.NewRunStore(paths.Runs).List(*n)
	if err != nil {
		return errors.NewPermissionError("Cannot read run records", err.Error(), "Check "+paths.Runs, err)
	}
	failures, err := graph.ReadFailures(paths.FailureLog)
	if err != nil {
		return errors.NewInputError("Cannot read the failure log", err.Error(), "Fix or remove the malformed line in "+paths.FailureLog)
	}

	report := statusReport{Root: root, Store: cfg.Graph.Store, FailedItems: len(failures), Runs: runs}
	if pid, err := bootstrap.ReadLockPID(paths.Lock); err == nil {
		report.Watcher = pid
	}
	if *ping {
		logger, closeLog := newLogger(g, "")
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Graph.ConnectTimeout.D()+time.Second)
		store, err := bootstrap.OpenStore(pingCtx, cfg.Graph, logger)
		ok := err == nil
		if ok {
			ok = store.Ping(pingCtx) == nil
			_ = store.Close(pingCtx)
		}
		cancel()
		_ = closeLog()
		report.StoreReachable = &ok
	}

	if g.JSON {
		return output.JSONTo(stdout, report)
	}

	ui.Header("Lineage project")
	fmt.Fprintf(stdout, "%s %s\n", ui.Label("Root:"), root)
	fmt.Fprintf(stdout, "%s %s\n", ui.Label("Store:"), cfg.Graph.Store)
	if report.StoreReachable != nil {
		state := ui.StatusText("completed")
		if !*report.StoreReachable {
			state = ui.StatusText("failed")
		}
		fmt.Fprintf(stdout, "%s %s\n", ui.Label("Reachable:"), state)
	}
	if report.Watcher > 0 {
		fmt.Fprintf(stdout, "%s pid %d\n", ui.Label("Watcher:"), report.Watcher)
	} else {
		fmt.Fprintf(stdout, "%s %s\n", ui.Label("Watcher:"), ui.DimText("not running"))
	}
	fmt.Fprintf(stdout, "%s %s\n", ui.Label("Failed items:"), ui.CountText(report.FailedItems))

	if len(runs) == 0 {
		ui.Info("No runs yet; run 'lineage ingest'")
		return nil
	}
	ui.SubHeader("\nRecent runs")
	for _, r := range runs {
		c := r.Counts
		fmt.Fprintf(stdout, "%s  %s  %-8s %s  files %d/%d  entities %d  relationships %d  %s\n",
			ui.DimText(r.StartedAt.Local().Format("2006-01-02 15:04:05")),
			shortID(r.ID),
			r.Trigger,
			ui.StatusText(string(r.Status)),
			c.FilesProcessed, c.FilesSubmitted,
			c.EntitiesWritten, c.RelationshipsWritten,
			ui.DimText(r.Duration().Round(time.Millisecond).String()),
		)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
