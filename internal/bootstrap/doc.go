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

// Package bootstrap creates and opens lineage projects.
//
// A project is a directory with a .lineage/ subdirectory:
//
//	.lineage/
//	  project.yaml     configuration (InitProject, LoadConfig)
//	  cache/           badger parse cache
//	  runs/            one JSON record per ingestion run
//	  failures.jsonl   items the batch writer gave up on
//	  watch.lock       pid of the running watcher
//
// Open turns a Config into live resources: the graph store (Neo4j, or an
// in-memory store for dry runs) with its schema ensured, the parse cache
// after an integrity sample, the run store and a metrics registry.
// Project.Pipeline then assembles an ingestion pipeline over them:
//
//	cfg, err := bootstrap.LoadConfig(bootstrap.ConfigPath(root))
//	if err != nil {
//	    return err
//	}
//	project, err := bootstrap.Open(ctx, root, cfg, bootstrap.OpenOptions{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer project.Close(ctx)
//
//	pipeline, stop, err := project.Pipeline(ctx, bootstrap.PipelineOptions{})
//	if err != nil {
//	    return err
//	}
//	defer stop(ctx)
//	run, err := pipeline.Run(ctx, ingestion.Request{Paths: files})
package bootstrap
