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

// runInit executes the 'init' CLI command, writing .lineage/project.yaml in
// the working directory.
func runInit(ctx context.Context, args []string, g GlobalFlags) error {
	fs := newFlagSet("init", "[options]", `Creates .lineage/project.yaml with the default settings. Neo4j
credentials are better kept in LINEAGE_NEO4J_* environment variables.`)
	force := fs.Bool("force", false, "Overwrite an existing configuration")
	store := fs.String("store", "", "Graph store: neo4j or memory")
	uri := fs.String("neo4j-uri", "", "Neo4j bolt URI")
	dialect := fs.String("dialect", "", "SQL dialect: auto, ansi, tsql, postgres, mysql")
	columns := fs.Bool("column-lineage", false, "Extract column-level lineage")
	infer := fs.Bool("inference", false, "Enable LLM edge inference")
	provider := fs.String("provider", "", "LLM provider: ollama, openai, mock")
	model := fs.String("model", "", "LLM model name")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	root, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg := bootstrap.DefaultConfig()
	if *store != "" {
		cfg.Graph.Store = *store
	}
	if *uri != "" {
		cfg.Graph.URI = *uri
	}
	if *dialect != "" {
		cfg.Ingest.Dialect = *dialect
	}
	if fs.Changed("column-lineage") {
		cfg.Ingest.ColumnLineage = *columns
	}
	if fs.Changed("inference") {
		cfg.Inference.Enabled = *infer
	}
	if *provider != "" {
		cfg.Inference.Provider = *provider
	}
	if *model != "" {
		cfg.Inference.Model = *model
	}
	if err := cfg.Validate(); err != nil {
		return errors.NewInputError("Invalid init options", err.Error(), "Run 'lineage init --help'")
	}

	logger, closeLog := newLogger(g, "")
	defer func() { _ = closeLog() }()

	paths, err := bootstrap.InitProject(root, cfg, *force, logger)
	if stderrors.Is(err, bootstrap.ErrExists) {
		return errors.NewInputError(
			"Project already initialized",
			paths.Config+" exists",
			"Pass --force to overwrite it",
		)
	}
	if err != nil {
		return errors.NewPermissionError("Cannot write project configuration", err.Error(), "Check write access to the repository root", err)
	}

	if g.JSON {
		return output.JSONTo(stdout, map[string]any{
			"root":   paths.Root,
			"config": paths.Config,
			"store":  cfg.Graph.Store,
		})
	}
	ui.Successf("Created %s", paths.Config)
	ui.Info("Next: run 'lineage ingest' to build the lineage graph")
	return nil
}
