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

// Package ui provides terminal output helpers for the lineage CLI.
//
// Every helper respects --no-color and NO_COLOR, and the status helpers
// (Success, Warning, Info, Header) go silent under --quiet. Errors are always
// printed.
//
// Color usage:
//   - Red: errors, failed runs, rejected edges
//   - Yellow: warnings, partial runs, pending review
//   - Green: success, approved edges
//   - Cyan: informational messages and counts
//   - Dim: paths and IDs
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

var (
	Red    = color.New(color.FgRed)
	Yellow = color.New(color.FgYellow)
	Green  = color.New(color.FgGreen)
	Cyan   = color.New(color.FgCyan)
	Bold   = color.New(color.Bold)
	Dim    = color.New(color.Faint)
)

var (
	mu    sync.Mutex
	out   io.Writer = os.Stdout
	quiet bool
)

// InitColors configures global color output. Call it once after flag
// parsing.
func InitColors(noColor bool) {
	color.NoColor = noColor || os.Getenv("NO_COLOR") != ""
}

// SetOutput redirects status output, and returns a function restoring the
// previous writer.
func SetOutput(w io.Writer) (restore func()) {
	mu.Lock()
	prev := out
	out = w
	mu.Unlock()
	return func() {
		mu.Lock()
		out = prev
		mu.Unlock()
	}
}

// SetQuiet suppresses everything except Error and Errorf.
func SetQuiet(q bool) {
	mu.Lock()
	quiet = q
	mu.Unlock()
}

func emit(force bool, c *color.Color, line string) {
	mu.Lock()
	defer mu.Unlock()
	if quiet && !force {
		return
	}
	_, _ = c.Fprintln(out, line)
}

// Success prints a green message with a checkmark prefix.
//
// Example output: "✓ Ingested 42 files"
func Success(msg string) { emit(false, Green, "✓ "+msg) }

// Successf is Success with formatting.
func Successf(format string, args ...any) { Success(fmt.Sprintf(format, args...)) }

// Warning prints a yellow message with a warning prefix.
//
// Example output: "⚠ 3 files failed to parse"
func Warning(msg string) { emit(false, Yellow, "⚠ "+msg) }

// Warningf is Warning with formatting.
func Warningf(format string, args ...any) { Warning(fmt.Sprintf(format, args...)) }

// Error prints a red message with an X prefix, even in quiet mode.
func Error(msg string) { emit(true, Red, "✗ "+msg) }

// Errorf is Error with formatting.
func Errorf(format string, args ...any) { Error(fmt.Sprintf(format, args...)) }

// Info prints a cyan message with an info prefix.
func Info(msg string) { emit(false, Cyan, "ℹ "+msg) }

// Infof is Info with formatting.
func Infof(format string, args ...any) { Info(fmt.Sprintf(format, args...)) }

// Header prints a bold header underlined with '='.
func Header(text string) {
	emit(false, Bold, text)
	emit(false, color.New(), strings.Repeat("=", len([]rune(text))))
}

// SubHeader prints a bold sub-header.
func SubHeader(text string) { emit(false, Bold, text) }

// Label returns text in bold for inline use.
//
//	fmt.Printf("%s %s\n", ui.Label("Run:"), run.ID)
func Label(text string) string { return Bold.Sprint(text) }

// DimText returns text dimmed.
func DimText(text string) string { return Dim.Sprint(text) }

// CountText returns a count in cyan.
func CountText(count int) string { return Cyan.Sprint(count) }

// StatusText colors a run status or review status: green when the work
// landed, yellow when it needs attention, red when it failed.
func StatusText(status string) string {
	switch status {
	case "completed", "approved":
		return Green.Sprint(status)
	case "completed_with_errors", "pending_review", "in_progress":
		return Yellow.Sprint(status)
	case "failed", "rejected":
		return Red.Sprint(status)
	default:
		return status
	}
}

// ConfidenceText formats a confidence in [0, 1] with two decimals. Values
// below 0.5 are dimmed.
func ConfidenceText(c float64) string {
	s := fmt.Sprintf("%.2f", c)
	if c < 0.5 {
		return Dim.Sprint(s)
	}
	return s
}
