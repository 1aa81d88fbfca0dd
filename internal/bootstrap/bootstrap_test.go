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

package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/lineage/pkg/cache"
	"github.com/kraklabs/lineage/pkg/graph"
	"github.com/kraklabs/lineage/pkg/ingestion"
	"github.com/kraklabs/lineage/pkg/lineage"

	ltesting "github.com/kraklabs/lineage/internal/testing"
)

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DirName, ConfigFileName)
	cfg := DefaultConfig()
	cfg.Coalesce.Debounce = Duration(2 * time.Second)
	cfg.Batch.SplitSizes = []int{20, 5, 1}
	require.NoError(t, SaveConfig(path, cfg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "debounce: 2s")
	assert.Contains(t, string(raw), "ttl: 720h0m0s")
	assert.Contains(t, string(raw), "split_sizes: [20, 5, 1]")

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := ltesting.WriteFile(t, t.TempDir(), "project.yaml", `
graph:
  store: memory
ingest:
  dialect: tsql
batch:
  initial_backoff: 250ms
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, "memory", cfg.Graph.Store)
	assert.Equal(t, def.Graph.URI, cfg.Graph.URI)
	assert.Equal(t, "tsql", cfg.Ingest.Dialect)
	assert.Equal(t, def.Ingest.Include, cfg.Ingest.Include)
	assert.Equal(t, 250*time.Millisecond, cfg.Batch.InitialBackoff.D())
	assert.Equal(t, def.Batch.MaxBackoff, cfg.Batch.MaxBackoff)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrNoConfig)

	bad := ltesting.WriteFile(t, dir, "bad.yaml", "coalesce:\n  debounce: soon\n")
	_, err = LoadConfig(bad)
	assert.ErrorContains(t, err, "line 2")

	invalid := ltesting.WriteFile(t, dir, "invalid.yaml", "graph:\n  store: sqlite\n")
	_, err = LoadConfig(invalid)
	assert.ErrorContains(t, err, "graph.store")
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv(EnvNeo4jURI, "neo4j://db:7687")
	t.Setenv(EnvNeo4jPassword, "secret")
	t.Setenv("LINEAGE_LLM_PROVIDER", "mock")
	t.Setenv("LINEAGE_LLM_MODEL", "m1")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, "neo4j://db:7687", cfg.Graph.URI)
	assert.Equal(t, "secret", cfg.Graph.Password)
	assert.Equal(t, "neo4j", cfg.Graph.User)
	assert.Equal(t, "mock", cfg.Inference.Provider)
	assert.Equal(t, "m1", cfg.Inference.Model)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"dialect", func(c *Config) { c.Ingest.Dialect = "oracle" }, "ingest.dialect"},
		{"watermark", func(c *Config) { c.Workers.MemoryHighWatermark = 1.5 }, "memory_high_watermark"},
		{"split ladder", func(c *Config) { c.Batch.SplitSizes = []int{10, 50} }, "split_sizes"},
		{"provider", func(c *Config) { c.Inference.Provider = "bard" }, "inference.provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestInitProject(t *testing.T) {
	root := t.TempDir()
	logger := ltesting.DiscardLogger()

	paths, err := InitProject(root, DefaultConfig(), false, logger)
	require.NoError(t, err)
	assert.FileExists(t, paths.Config)
	assert.DirExists(t, paths.Runs)
	assert.FileExists(t, filepath.Join(paths.Dir, ".gitignore"))
	assert.Equal(t, filepath.Join(root, ".lineage", "failures.jsonl"), paths.FailureLog)

	_, err = InitProject(root, DefaultConfig(), false, logger)
	assert.ErrorIs(t, err, ErrExists)

	_, err = InitProject(root, DefaultConfig(), true, logger)
	assert.NoError(t, err)
}

func memoryProject(t *testing.T) (*Project, string) {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Graph.Store = "memory"
	cfg.Workers.MemoryHighWatermark = -1
	_, err := InitProject(root, cfg, false, ltesting.DiscardLogger())
	require.NoError(t, err)

	ctx := context.Background()
	project, err := Open(ctx, root, cfg, OpenOptions{Logger: ltesting.DiscardLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = project.Close(ctx) })
	return project, root
}

func TestOpen_MemoryStoreAndCache(t *testing.T) {
	project, root := memoryProject(t)

	_, ok := project.Store.(*graph.MemoryStore)
	assert.True(t, ok)
	require.NotNil(t, project.Cache)
	assert.False(t, project.CacheBypassed)
	assert.Same(t, project.Cache, project.ParseCache())
	assert.DirExists(t, filepath.Join(root, ".lineage", "cache"))
}

func TestOpen_SweepsExpiredCacheEntries(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Graph.Store = "memory"
	cfg.Workers.MemoryHighWatermark = -1
	cfg.Cache.VerifySample = 0
	cfg.Cache.TTL = Duration(time.Millisecond)
	paths, err := InitProject(root, cfg, false, ltesting.DiscardLogger())
	require.NoError(t, err)

	seed, err := cache.Open(cache.Config{
		Dir:           paths.Cache,
		SchemaVersion: ingestion.ParserSchemaVersion,
		TTL:           time.Hour,
		GCInterval:    -1,
	})
	require.NoError(t, err)
	require.NoError(t, seed.Put(cache.HashContent([]byte("old")), "old.sql", []byte("{}")))
	require.NoError(t, seed.Close())
	time.Sleep(10 * time.Millisecond)

	ctx := context.Background()
	project, err := Open(ctx, root, cfg, OpenOptions{Logger: ltesting.DiscardLogger()})
	require.NoError(t, err)
	defer project.Close(ctx)

	require.NotNil(t, project.Cache)
	assert.Zero(t, project.Cache.Stats().Entries)
	_, ok := project.Cache.Get(cache.HashContent([]byte("old")))
	assert.False(t, ok)
}

func TestOpen_NoCache(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	ctx := context.Background()

	project, err := Open(ctx, root, cfg, OpenOptions{Store: "memory", NoCache: true, Logger: ltesting.DiscardLogger()})
	require.NoError(t, err)
	defer project.Close(ctx)

	assert.Nil(t, project.Cache)
	assert.NotNil(t, project.ParseCache())
	assert.Equal(t, "memory", project.Config.Graph.Store)
}

func TestProject_Pipeline(t *testing.T) {
	project, root := memoryProject(t)
	ctx := context.Background()

	ltesting.WriteFile(t, root, "views/v.sql", "CREATE VIEW rpt.v AS SELECT * FROM sales.orders;")
	ltesting.WriteFile(t, root, "README.md", "not sql")

	found, err := ingestion.Discover([]string{root}, project.Config.DiscoverOptions(project.Logger))
	require.NoError(t, err)
	require.Len(t, found.Files, 1)

	pipeline, stop, err := project.Pipeline(ctx, PipelineOptions{NoBatching: true})
	require.NoError(t, err)
	run, err := pipeline.Run(ctx, ingestion.Request{Paths: found.Files})
	require.NoError(t, stop(ctx))
	require.NoError(t, err)

	assert.Equal(t, ingestion.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Counts.FilesProcessed)
	assert.Equal(t, 1, run.Counts.RelationshipsWritten)
	// one transaction per item without batching
	assert.Equal(t, run.Counts.EntitiesWritten+run.Counts.RelationshipsWritten, run.Counts.Batches)

	edges, err := project.Store.Relationships(ctx, graph.RelationshipQuery{SourceID: lineage.AssetID("rpt.v")})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, lineage.AssetID("sales.orders"), edges[0].TargetID)

	latest, err := project.Runs.Latest()
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)
}

func TestProject_PipelineUnknownProvider(t *testing.T) {
	project, _ := memoryProject(t)
	project.Config.Inference.Provider = "bard"
	_, _, err := project.Pipeline(context.Background(), PipelineOptions{Infer: true})
	assert.ErrorContains(t, err, "inference provider")
}

func TestLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch.lock")

	lock, err := AcquireLock(path)
	require.NoError(t, err)
	pid, err := ReadLockPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	_, err = AcquireLock(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, path)
	assert.NoError(t, lock.Release())
}

func TestLock_Stale(t *testing.T) {
	path := ltesting.WriteFile(t, t.TempDir(), "watch.lock", "2147483646\n")

	lock, err := AcquireLock(path)
	require.NoError(t, err)
	defer lock.Release()

	pid, err := ReadLockPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	_, err = SignalFlush(filepath.Join(t.TempDir(), "none.lock"))
	assert.Error(t, err)
}
