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

// Package main implements the lineage CLI: it ingests SQL and Python
// sources into a lineage graph and operates on the result.
//
// Usage:
//
//	lineage init                        Create .lineage/project.yaml
//	lineage ingest [paths...]           Ingest files or directories once
//	lineage watch [dir]                 Ingest changes as they happen
//	lineage flush                       Make the running watcher flush now
//	lineage status [--runs N]           Show recent runs
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/lineage/internal/errors"
	"github.com/kraklabs/lineage/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags are the options accepted before the command name.
type GlobalFlags struct {
	JSON    bool
	Quiet   bool
	NoColor bool
	Debug   bool
	// Config is the path to project.yaml. Empty searches upward from the
	// working directory.
	Config string
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, g GlobalFlags) error
}

var commands = []command{
	{"init", "Create .lineage/project.yaml", runInit},
	{"ingest", "Ingest files or directories into the lineage graph", runIngest},
	{"watch", "Watch a directory and ingest changes in coalesced batches", runWatch},
	{"flush", "Make the running watcher ingest its pending batch now", runFlush},
	{"cache", "Inspect or clear the parse cache (stats|clear|verify)", runCache},
	{"review", "Approve or reject an inferred edge", runReview},
	{"edges", "List edges by source, status and confidence", runEdges},
	{"lineage", "Walk lineage upstream or downstream from an entity", runLineage},
	{"failures", "Show or replay items the batch writer gave up on", runFailures},
	{"status", "Show the latest runs", runStatus},
	{"reset", "Delete the parse cache, run records and failure log", runReset},
	{"install-hook", "Install a git post-commit hook that ingests committed files", runInstallHook},
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(os.Stderr, `lineage - SQL lineage ingestion

Usage:
  lineage [global options] <command> [options]

Commands:
`)
		for _, c := range commands {
			fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.summary)
		}
		fmt.Fprintf(os.Stderr, `
Global Options:
%s
Getting Started:
  1. Create the configuration:   lineage init
  2. Ingest the repository:      lineage ingest
  3. Review inferred edges:      lineage edges --status pending_review

Environment Variables:
  LINEAGE_NEO4J_URI, LINEAGE_NEO4J_USER, LINEAGE_NEO4J_PASSWORD, LINEAGE_NEO4J_DATABASE
  LINEAGE_LLM_PROVIDER, LINEAGE_LLM_MODEL, LINEAGE_LLM_BASE_URL, LINEAGE_LLM_API_KEY

For command help: lineage <command> --help
`, fs.FlagUsages())
	}
}

func main() {
	var g GlobalFlags
	showVersion := false

	fs := flag.NewFlagSet("lineage", flag.ExitOnError)
	fs.SetInterspersed(false)
	fs.BoolVar(&g.JSON, "json", false, "Machine-readable JSON output (implies --quiet)")
	fs.BoolVarP(&g.Quiet, "quiet", "q", false, "Only print errors and results")
	fs.BoolVar(&g.NoColor, "no-color", false, "Disable colored output")
	fs.BoolVar(&g.Debug, "debug", false, "Enable debug logging")
	fs.StringVar(&g.Config, "config", "", "Path to .lineage/project.yaml (default: search upward from the working directory)")
	fs.BoolVar(&showVersion, "version", false, "Show version and exit")
	fs.Usage = usage(fs)
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Printf("lineage version %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		return
	}
	if g.JSON {
		g.Quiet = true
	}
	ui.InitColors(g.NoColor)
	ui.SetQuiet(g.Quiet)

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(errors.ExitInput)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := dispatch(ctx, args[0], args[1:], g)
	stop()
	if err != nil {
		errors.FatalError(err, g.JSON, g.NoColor)
	}
}

func dispatch(ctx context.Context, name string, args []string, g GlobalFlags) error {
	for _, c := range commands {
		if c.name == name {
			return c.run(ctx, args, g)
		}
	}
	return errors.NewInputError(
		fmt.Sprintf("Unknown command %q", name),
		"",
		"Run 'lineage --help' for the list of commands",
	)
}

// newFlagSet returns a subcommand flag set with the usage layout shared by
// every command.
func newFlagSet(name, synopsis, description string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lineage %s %s\n\n%s\n\nOptions:\n%s", name, synopsis, description, fs.FlagUsages())
	}
	return fs
}

// parseFlags parses args and turns flag errors into input errors. --help
// prints usage and exits cleanly.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			os.Exit(errors.ExitSuccess)
		}
		return errors.NewInputError("Invalid arguments", err.Error(), fmt.Sprintf("Run 'lineage %s --help'", fs.Name()))
	}
	return nil
}
