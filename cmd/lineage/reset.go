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
	"os"

	"github.com/kraklabs/lineage/internal/bootstrap"
	"github.com/kraklabs/lineage/internal/errors"
	"github.com/kraklabs/lineage/internal/output"
	"github.com/kraklabs/lineage/internal/ui"
)

// runReset deletes the local state under .lineage: the parse cache, run
// records and the failure log. project.yaml and the graph are kept.
func runReset(_ context.Context, args []string, g GlobalFlags) error {
	fs := newFlagSet("reset", "--yes", `Deletes the parse cache, run records and failure log of the project.
The configuration and the lineage graph are not touched.

WARNING: failed items that were never replayed are lost.`)
	confirm := fs.Bool("yes", false, "Confirm the reset (required)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if !*confirm {
		return errors.NewInputError("Reset not confirmed", "reset deletes the cache, runs and failure log", "Pass --yes to confirm")
	}

	root, cfg, err := loadProjectConfig(g)
	if err != nil {
		return err
	}
	paths := bootstrap.ResolvePaths(root, cfg)

	lock, err := bootstrap.AcquireLock(paths.Lock)
	if err != nil {
		return errors.NewInputError("A watcher is running", err.Error(), "Stop 'lineage watch' before resetting")
	}
	defer func() { _ = lock.Release() }()

	var removed []string
	for _, p := range []string{paths.Cache, paths.Runs, paths.FailureLog} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return errors.NewPermissionError("Cannot delete local state", err.Error(), "Check permissions on "+p, err)
		}
		removed = append(removed, p)
	}

	if g.JSON {
		return output.JSONTo(stdout, map[string]any{"removed": removed})
	}
	if len(removed) == 0 {
		ui.Info("Nothing to reset")
		return nil
	}
	for _, p := range removed {
		ui.Successf("Deleted %s", p)
	}
	ui.Info("Next: run 'lineage ingest' to rebuild the cache")
	return nil
}
