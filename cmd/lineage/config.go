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
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"

	"github.com/kraklabs/lineage/internal/bootstrap"
	"github.com/kraklabs/lineage/internal/errors"
)

// findRoot walks up from start until it finds a directory holding
// .lineage/project.yaml.
func findRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(bootstrap.ConfigPath(dir)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", bootstrap.ErrNoConfig
		}
		dir = parent
	}
}

// resolveRoot returns the project root selected by --config, or the one found
// above the working directory.
func resolveRoot(g GlobalFlags) (string, error) {
	if g.Config != "" {
		abs, err := filepath.Abs(g.Config)
		if err != nil {
			return "", err
		}
		// <root>/.lineage/project.yaml
		return filepath.Dir(filepath.Dir(abs)), nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return findRoot(cwd)
}

// loadProjectConfig finds the project root and loads its configuration.
func loadProjectConfig(g GlobalFlags) (string, bootstrap.Config, error) {
	root, err := resolveRoot(g)
	if err != nil {
		return "", bootstrap.Config{}, configError(err)
	}
	path := bootstrap.ConfigPath(root)
	if g.Config != "" {
		path = g.Config
	}
	cfg, err := bootstrap.LoadConfig(path)
	if err != nil {
		return "", bootstrap.Config{}, configError(err)
	}
	return root, cfg, nil
}

func configError(err error) error {
	if stderrors.Is(err, bootstrap.ErrNoConfig) || stderrors.Is(err, os.ErrNotExist) {
		return errors.NewConfigError(
			"Project not initialized",
			"No .lineage/project.yaml was found in this directory or any parent",
			"Run 'lineage init' in the repository root",
			err,
		)
	}
	return errors.NewConfigError("Cannot load project configuration", err.Error(), "Check .lineage/project.yaml for typos", err)
}

// newLogger builds the command logger: text on stderr, plus JSON lines to
// logFile when one is configured. The returned closer flushes the file.
func newLogger(g GlobalFlags, logFile string) (*slog.Logger, func() error) {
	level := slog.LevelWarn
	switch {
	case g.Debug:
		level = slog.LevelDebug
	case !g.Quiet:
		level = slog.LevelInfo
	}
	console := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(console), func() error { return nil }
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		slog.New(console).Warn("cli.logfile.open", "path", logFile, "err", err)
		return slog.New(console), func() error { return nil }
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.New(console).Warn("cli.logfile.open", "path", logFile, "err", err)
		return slog.New(console), func() error { return nil }
	}
	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(slogmulti.Fanout(console, file)), f.Close
}

// session is an opened project plus the logger bound to it.
type session struct {
	*bootstrap.Project
	closeLog func() error
}

func (s *session) Close(ctx context.Context) {
	if err := s.Project.Close(ctx); err != nil {
		s.Logger.Warn("cli.project.close", "err", err)
	}
	_ = s.closeLog()
}

// openSession loads the configuration and opens the project with the
// per-command overrides.
func openSession(ctx context.Context, g GlobalFlags, opts bootstrap.OpenOptions, adjust func(*bootstrap.Config)) (*session, error) {
	root, cfg, err := loadProjectConfig(g)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(&cfg)
	}
	logger, closeLog := newLogger(g, bootstrap.ResolvePaths(root, cfg).LogFile)
	opts.Logger = logger

	project, err := bootstrap.Open(ctx, root, cfg, opts)
	if err != nil {
		_ = closeLog()
		return nil, openError(err, cfg)
	}
	return &session{Project: project, closeLog: closeLog}, nil
}

func openError(err error, cfg bootstrap.Config) error {
	var ue *errors.UserError
	if stderrors.As(err, &ue) {
		return err
	}
	if c := errors.Classify(err); c.ExitCode == errors.ExitNetwork || c.ExitCode == errors.ExitDatabase {
		return errors.NewStoreError(
			"Cannot open the lineage graph",
			fmt.Sprintf("%s store at %q: %v", cfg.Graph.Store, cfg.Graph.URI, err),
			"Check that Neo4j is running and LINEAGE_NEO4J_* credentials are set, or pass --store memory",
			err,
		)
	}
	return err
}

// stdout receives command results. Tests replace it.
var stdout io.Writer = os.Stdout
