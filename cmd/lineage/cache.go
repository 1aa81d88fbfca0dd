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

	"github.com/kraklabs/lineage/internal/bootstrap"
	"github.com/kraklabs/lineage/internal/errors"
	"github.com/kraklabs/lineage/internal/output"
	"github.com/kraklabs/lineage/internal/ui"
	"github.com/kraklabs/lineage/pkg/cache"
	"github.com/kraklabs/lineage/pkg/ingestion"
)

// runCache executes the 'cache' CLI command and its subcommands.
func runCache(ctx context.Context, args []string, g GlobalFlags) error {
	fs := newFlagSet("cache", "stats|sweep|clear|verify [--sample N]", `Inspects the parse cache in .lineage/cache.

  stats    entry count and size on disk
  sweep    remove entries older than cache.ttl
  clear    remove every entry
  verify   re-hash a random sample of entries against their files`)
	sample := fs.Int("sample", 0, "Entries to sample for verify (default cache.verify_sample)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.NewInputError("Missing cache subcommand", "", "Use 'lineage cache stats', 'sweep', 'clear' or 'verify'")
	}

	root, cfg, err := loadProjectConfig(g)
	if err != nil {
		return err
	}
	paths := bootstrap.ResolvePaths(root, cfg)
	logger, closeLog := newLogger(g, paths.LogFile)
	defer func() { _ = closeLog() }()

	c, err := cache.Open(cache.Config{
		Dir:           paths.Cache,
		SchemaVersion: ingestion.ParserSchemaVersion,
		MaxEntries:    cfg.Cache.MaxEntries,
		TTL:           cfg.Cache.TTL.D(),
		GCInterval:    -1,
		Logger:        logger,
	})
	if err != nil {
		return errors.NewStoreError("Cannot open the parse cache", err.Error(), "Stop any running 'lineage watch', which holds the cache open", err)
	}
	defer func() { _ = c.Close() }()

	switch sub := fs.Arg(0); sub {
	case "stats":
		st := c.Stats()
		if g.JSON {
			return output.JSONTo(stdout, map[string]any{
				"dir":        paths.Cache,
				"entries":    st.Entries,
				"size_bytes": st.SizeBytes,
			})
		}
		ui.Header("Parse cache")
		fmt.Fprintf(stdout, "%s %s\n", ui.Label("Directory:"), paths.Cache)
		fmt.Fprintf(stdout, "%s %s\n", ui.Label("Entries:"), ui.CountText(int(st.Entries)))
		fmt.Fprintf(stdout, "%s %s\n", ui.Label("Size:"), humanBytes(st.SizeBytes))
		return nil

	case "sweep":
		swept, err := c.Sweep()
		if err != nil {
			return errors.NewStoreError("Cannot sweep the parse cache", err.Error(), "Run 'lineage cache clear'", err)
		}
		if g.JSON {
			return output.JSONTo(stdout, map[string]any{"swept": swept, "entries": c.Stats().Entries})
		}
		ui.Successf("Removed %d expired cache entries", swept)
		return nil

	case "clear":
		before := c.Stats().Entries
		if err := c.Clear(); err != nil {
			return errors.NewStoreError("Cannot clear the parse cache", err.Error(), "Delete .lineage/cache by hand", err)
		}
		if g.JSON {
			return output.JSONTo(stdout, map[string]any{"cleared": before})
		}
		ui.Successf("Cleared %d cache entries", before)
		return nil

	case "verify":
		n := *sample
		if n <= 0 {
			n = cfg.Cache.VerifySample
		}
		spin := progressFor(g).spinner(phaseVerify)
		report, err := c.VerifyIntegrity(ctx, n)
		finish(spin)
		if err != nil {
			return errors.NewStoreError("Cannot verify the parse cache", err.Error(), "Run 'lineage cache clear'", err)
		}
		if g.JSON {
			if err := output.JSONTo(stdout, report); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(stdout, "%s %d sampled, %d corrupt, %d stale, %d missing files\n",
				ui.Label("Verify:"), report.Sampled, report.Corrupt, report.Stale, report.MissingFiles)
			for _, m := range report.Mismatches {
				fmt.Fprintf(stdout, "  %s\n", ui.DimText(m))
			}
		}
		if !report.Healthy() {
			return errors.NewStoreError(
				"Parse cache is corrupt",
				fmt.Sprintf("%d of %d sampled entries failed their checks", report.Corrupt, report.Sampled),
				"Run 'lineage cache clear'",
				nil,
			)
		}
		if !g.JSON {
			ui.Success("Parse cache is healthy")
		}
		return nil

	default:
		return errors.NewInputError("Unknown cache subcommand", fmt.Sprintf("%q", sub), "Use stats, sweep, clear or verify")
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
