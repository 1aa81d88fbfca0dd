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
	"os"

	"github.com/kraklabs/lineage/internal/bootstrap"
	"github.com/kraklabs/lineage/internal/errors"
	"github.com/kraklabs/lineage/internal/output"
	"github.com/kraklabs/lineage/internal/ui"
)

// runFlush executes the 'flush' CLI command: it signals the watcher that
// holds the project's lock to ingest its pending batch now.
func runFlush(ctx context.Context, args []string, g GlobalFlags) error {
	fs := newFlagSet("flush", "", "Asks the running 'lineage watch' to ingest its pending changes immediately.")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	root, cfg, err := loadProjectConfig(g)
	if err != nil {
		return err
	}
	paths := bootstrap.ResolvePaths(root, cfg)

	pid, err := bootstrap.SignalFlush(paths.Lock)
	switch {
	case stderrors.Is(err, os.ErrNotExist):
		return errors.NewNotFoundError(
			"No watcher is running",
			paths.Lock+" does not exist",
			"Start one with 'lineage watch'",
		)
	case err != nil:
		return errors.NewInternalError("Cannot signal the watcher", err.Error(), "Remove a stale "+paths.Lock+" and restart 'lineage watch'", err)
	}

	if g.JSON {
		return output.JSONTo(stdout, map[string]any{"pid": pid, "signalled": true})
	}
	ui.Successf("Flush requested from watcher (pid %d)", pid)
	return nil
}
