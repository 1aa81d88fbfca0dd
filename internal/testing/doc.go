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

// Package testing provides test helpers for lineage packages.
//
// # Quick Start
//
// Use NewMemoryStore for a graph store that is thrown away with the test:
//
//	func TestMyFeature(t *testing.T) {
//	    store := testing.NewMemoryStore(t)
//	    path := testing.WriteFile(t, t.TempDir(), "views.sql", "CREATE VIEW v AS SELECT * FROM t;")
//	    // ingest path into store...
//	}
//
// # Fault Injection
//
// FlakyStore wraps any graph.Store and fails writes on demand:
//   - FailFirst: the first N write transactions fail with a transient error
//   - Poison: any batch holding one of these IDs fails with a data error
//   - PingErr: Ping returns this error, simulating an unreachable store
//
// Every write attempt is recorded, so tests can assert how many
// transactions a batch took and in what sizes.
//
// # Metrics
//
// NewRegistry returns a Metrics bound to a fresh Prometheus registry, so
// counters never leak between tests.
//
// # Integration Tests
//
// Tests that need a real Neo4j server live behind the integration build
// tag and start one with testcontainers:
//
//	//go:build integration
//
//	package graph
//
//	func TestNeo4jStore_RoundTrip(t *testing.T) {
//	    if testing.Short() {
//	        t.Skip("integration test")
//	    }
//	    store := startNeo4j(t)
//	    // ...
//	}
package testing
