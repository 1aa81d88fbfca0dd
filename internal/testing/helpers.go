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

package testing

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kraklabs/lineage/pkg/graph"
	"github.com/kraklabs/lineage/pkg/metrics"
)

// NewMemoryStore creates an in-memory graph store with its schema ensured.
// The store is closed when the test finishes.
//
// Example:
//
//	store := testing.NewMemoryStore(t)
//	require.NoError(t, store.UpsertEntities(ctx, entities))
func NewMemoryStore(t *testing.T) *graph.MemoryStore {
	t.Helper()

	store := graph.NewMemoryStore()
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})
	return store
}

// WriteFile writes body to dir/name, creating parent directories, and
// returns the full path.
//
// Example:
//
//	dir := t.TempDir()
//	path := testing.WriteFile(t, dir, "etl/load.sql", "INSERT INTO a SELECT * FROM b;")
func WriteFile(t *testing.T, dir, name, body string) string {
	t.Helper()

	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewRegistry returns metrics bound to a fresh registry, and the registry
// for gathering.
//
// Example:
//
//	m, reg := testing.NewRegistry()
//	pool := workerpool.New(cfg, logger, m)
//	families, _ := reg.Gather()
func NewRegistry() (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return metrics.New(reg), reg
}
