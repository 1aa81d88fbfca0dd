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

// Package ingestion turns SQL scripts and Python sources into lineage graph
// entities and relationships.
//
// # Pipeline Overview
//
// A run moves each file through five stages:
//
//  1. Read: stat and read the file, enforcing the size limit
//  2. Parse: look the content hash up in the ContentCache, and on a miss
//     run the parser for the file's extension on the CPU executor
//  3. Extract: attach the file path and build entities and parser edges
//  4. Write: enqueue everything into a graph.BatchWriter
//  5. Infer: optionally hand excerpts to an inference.Inferencer and store
//     the proposals that resolve to known entities as pending_review edges
//
// Files are processed on a priority workerpool.Pool. Every run produces a
// Run record with per-stage counts and errors, persisted by a RunStore.
//
// # Parsers
//
// SQLParser understands T-SQL (GO batches, [bracketed] names), PostgreSQL
// ($$ bodies), MySQL and ANSI SQL well enough to find what each statement
// reads, writes and calls. It is a scanner, not a validating grammar.
//
// PythonParser uses tree-sitter to find modules, classes, functions and
// methods, their imports, and the tables named in SQL string literals.
//
// Parse results are path independent, so identical content under two names
// is parsed once.
//
// # Quick Start
//
//	found, err := ingestion.Discover([]string{"./warehouse"}, ingestion.DiscoverOptions{})
//	if err != nil {
//	    return err
//	}
//	p := ingestion.NewPipeline(ingestion.Config{Root: "./warehouse"}, ingestion.Deps{
//	    Store:   store,
//	    Parsers: ingestion.DefaultParsers(),
//	})
//	run, err := p.Run(ctx, ingestion.Request{Paths: found.Files})
package ingestion
