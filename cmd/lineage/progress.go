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
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// phase is a long-running step of a command that may show progress.
type phase string

const (
	phaseDiscover phase = "discover"
	phaseIngest   phase = "ingest"
	phaseReplay   phase = "replay"
	phaseVerify   phase = "verify"
)

func (p phase) label() string {
	switch p {
	case phaseDiscover:
		return "Discovering files"
	case phaseIngest:
		return "Ingesting files"
	case phaseReplay:
		return "Replaying failures"
	case phaseVerify:
		return "Verifying cache"
	}
	return string(p)
}

// progressOut says whether progress is drawn and where. Progress never goes
// to stdout, which belongs to command output.
type progressOut struct {
	enabled bool
	w       io.Writer
	color   bool
}

// progressFor disables progress under --quiet (and so --json) and when
// stderr is not a terminal.
func progressFor(g GlobalFlags) progressOut {
	return progressOut{
		enabled: !g.Quiet && isatty.IsTerminal(os.Stderr.Fd()),
		w:       os.Stderr,
		color:   !g.NoColor,
	}
}

// fileBar counts files through a phase. It returns nil when progress is
// off; every helper below accepts nil.
func (o progressOut) fileBar(p phase, total int) *progressbar.ProgressBar {
	if !o.enabled {
		return nil
	}
	return progressbar.NewOptions64(int64(total),
		progressbar.OptionSetDescription(p.label()),
		progressbar.OptionSetWriter(o.w),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetWidth(32),
		progressbar.OptionEnableColorCodes(o.color),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "#",
			SaucerPadding: ".",
			BarStart:      "|",
			BarEnd:        "|",
		}),
	)
}

// spinner marks a phase whose length is unknown up front.
func (o progressOut) spinner(p phase) *progressbar.ProgressBar {
	if !o.enabled {
		return nil
	}
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(p.label()),
		progressbar.OptionSetWriter(o.w),
		progressbar.OptionSpinnerType(11),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionEnableColorCodes(o.color),
	)
}

// fileProgress adapts a bar to the pipeline's per-file completion hook. The
// hook is called from pool workers.
func fileProgress(bar *progressbar.ProgressBar) func(string) {
	if bar == nil {
		return nil
	}
	return func(string) { _ = bar.Add(1) }
}

func finish(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Finish()
	}
}
