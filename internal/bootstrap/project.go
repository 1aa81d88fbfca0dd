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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kraklabs/lineage/pkg/cache"
	"github.com/kraklabs/lineage/pkg/graph"
	"github.com/kraklabs/lineage/pkg/inference"
	"github.com/kraklabs/lineage/pkg/ingestion"
	"github.com/kraklabs/lineage/pkg/llm"
	"github.com/kraklabs/lineage/pkg/metrics"
	"github.com/kraklabs/lineage/pkg/workerpool"
)

// Paths are the locations a project keeps its state in, all absolute.
type Paths struct {
	Root       string
	Dir        string
	Config     string
	Cache      string
	Runs       string
	FailureLog string
	Lock       string
	LogFile    string
}

// ResolvePaths resolves the configured locations against root.
func ResolvePaths(root string, cfg Config) Paths {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	dir := filepath.Join(root, DirName)
	return Paths{
		Root:       root,
		Dir:        dir,
		Config:     filepath.Join(dir, ConfigFileName),
		Cache:      abs(cfg.Cache.Dir),
		Runs:       filepath.Join(dir, "runs"),
		FailureLog: abs(cfg.Batch.FailureLog),
		Lock:       filepath.Join(dir, "watch.lock"),
		LogFile:    abs(cfg.LogFile),
	}
}

// ErrExists is returned by InitProject when a configuration is present and
// force is not set.
var ErrExists = errors.New("bootstrap: project already initialized")

const gitignore = "cache/\nruns/\nwatch.lock\nfailures.jsonl\n*.log\n"

// InitProject writes .lineage/project.yaml and the state directories under
// root. It is idempotent with force; without it an existing configuration
// is left alone and ErrExists is returned.
func InitProject(root string, cfg Config, force bool, logger *slog.Logger) (Paths, error) {
	if logger == nil {
		logger = slog.Default()
	}
	paths := ResolvePaths(root, cfg)
	if _, err := os.Stat(paths.Config); err == nil && !force {
		return paths, fmt.Errorf("%w: %s", ErrExists, paths.Config)
	}
	if err := cfg.Validate(); err != nil {
		return paths, err
	}
	if err := SaveConfig(paths.Config, cfg); err != nil {
		return paths, err
	}
	if err := os.MkdirAll(paths.Runs, 0o755); err != nil {
		return paths, fmt.Errorf("create runs dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(paths.Dir, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		return paths, fmt.Errorf("write .gitignore: %w", err)
	}
	logger.Info("bootstrap.project.init", "root", root, "config", paths.Config)
	return paths, nil
}

// OpenOptions adjust Open for one command invocation.
type OpenOptions struct {
	// Store overrides graph.store ("neo4j" or "memory").
	Store string

	// NoCache runs without the parse cache.
	NoCache bool

	Logger *slog.Logger

	// Registry receives the metrics. Nil creates one with the Go and
	// process collectors registered.
	Registry *prometheus.Registry
}

// Project is an opened project: its configuration and the long-lived
// resources commands share.
type Project struct {
	Paths    Paths
	Config   Config
	Store    graph.Store
	Runs     *ingestion.RunStore
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Logger   *slog.Logger

	// Cache is nil when caching is disabled.
	Cache *cache.ContentCache

	// CacheBypassed is set when the integrity check found corruption. The
	// cache was cleared and this invocation runs without it.
	CacheBypassed bool
}

// Open connects the graph store, ensures its schema and opens the parse
// cache. Close releases everything.
func Open(ctx context.Context, root string, cfg Config, opts OpenOptions) (*Project, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Store != "" {
		cfg.Graph.Store = opts.Store
	}
	if opts.NoCache {
		cfg.Cache.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	p := &Project{
		Paths:    ResolvePaths(root, cfg),
		Config:   cfg,
		Metrics:  metrics.New(reg),
		Registry: reg,
		Logger:   logger,
	}
	p.Runs = ingestion.NewRunStore(p.Paths.Runs)

	store, err := OpenStore(ctx, cfg.Graph, logger)
	if err != nil {
		return nil, err
	}
	p.Store = store

	if cfg.Cache.Enabled {
		if err := p.openCache(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, err
		}
	}
	return p, nil
}

// OpenStore connects the configured graph store and ensures its schema.
func OpenStore(ctx context.Context, cfg GraphConfig, logger *slog.Logger) (graph.Store, error) {
	var store graph.Store
	switch cfg.Store {
	case "memory":
		logger.Warn("bootstrap.store.memory", "msg", "dry run: the graph is discarded on exit")
		store = graph.NewMemoryStore()
	default:
		neo, err := graph.NewNeo4jStore(ctx, graph.Neo4jConfig{
			URI:            cfg.URI,
			User:           cfg.User,
			Password:       cfg.Password,
			Database:       cfg.Database,
			MaxPoolSize:    cfg.MaxPoolSize,
			ConnectTimeout: cfg.ConnectTimeout.D(),
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect graph store: %w", err)
		}
		store = neo
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("ensure graph schema: %w", err)
	}
	return store, nil
}

func (p *Project) openCache(ctx context.Context) error {
	cfg := p.Config.Cache
	c, err := cache.Open(cache.Config{
		Dir:           p.Paths.Cache,
		SchemaVersion: ingestion.ParserSchemaVersion,
		MaxEntries:    cfg.MaxEntries,
		TTL:           cfg.TTL.D(),
		Logger:        p.Logger,
		Metrics:       p.Metrics,
	})
	if err != nil {
		return fmt.Errorf("open parse cache: %w", err)
	}
	p.Cache = c

	if cfg.VerifySample > 0 {
		report, err := c.VerifyIntegrity(ctx, cfg.VerifySample)
		if err != nil {
			return fmt.Errorf("verify parse cache: %w", err)
		}
		if !report.Healthy() {
			p.Logger.Warn("bootstrap.cache.corrupt",
				"sampled", report.Sampled,
				"corrupt", report.Corrupt,
				"dir", p.Paths.Cache,
			)
			if err := c.Clear(); err != nil {
				return fmt.Errorf("clear corrupt parse cache: %w", err)
			}
			p.CacheBypassed = true
			return nil
		}
	}

	swept, err := c.Sweep()
	if err != nil {
		return fmt.Errorf("sweep parse cache: %w", err)
	}
	p.Logger.Debug("bootstrap.cache.open", "entries", c.Stats().Entries, "swept", swept)
	return nil
}

// ParseCache returns the cache a pipeline should use: the content cache,
// or cache.Nop when caching is off or bypassed.
func (p *Project) ParseCache() ingestion.ParseCache {
	if p.Cache == nil || p.CacheBypassed {
		return cache.Nop{}
	}
	return p.Cache
}

// Close closes the cache and the store.
func (p *Project) Close(ctx context.Context) error {
	var errs []error
	if p.Cache != nil {
		errs = append(errs, p.Cache.Close())
	}
	if p.Store != nil {
		errs = append(errs, p.Store.Close(ctx))
	}
	return errors.Join(errs...)
}

// PipelineOptions are the per-invocation switches of ingest and watch.
type PipelineOptions struct {
	NoBatching bool
	NoParallel bool
	Infer      bool

	// Inferencer replaces the LLM inferencer built from the config.
	Inferencer inference.Inferencer
}

// Pipeline builds an ingestion pipeline over the project's resources and
// starts its worker pool. The returned stop function drains the pool and
// stops the parse executor.
func (p *Project) Pipeline(ctx context.Context, opts PipelineOptions) (*ingestion.Pipeline, func(context.Context) error, error) {
	cfg := p.Config
	workers, parsers := cfg.Workers.Count, cfg.Workers.ParseWorkers
	if opts.NoParallel || !cfg.Workers.Parallel {
		workers, parsers = 1, 1
	}
	batchSize := cfg.Batch.Size
	if opts.NoBatching || !cfg.Batch.Enabled {
		batchSize = 1
	}

	infer := opts.Infer || cfg.Inference.Enabled
	inferencer := opts.Inferencer
	if infer && inferencer == nil {
		provider, err := llm.NewProvider(cfg.Inference.ProviderConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("inference provider: %w", err)
		}
		inferencer = inference.NewLLMInferencer(provider, inference.LLMConfig{
			Model:             cfg.Inference.Model,
			RequestsPerSecond: cfg.Inference.RequestsPerSecond,
			MaxFiles:          cfg.Inference.MaxFiles,
			MaxExcerptBytes:   cfg.Inference.MaxExcerptBytes,
			Logger:            p.Logger,
		})
	}

	pool := workerpool.New(workerpool.Config{
		Workers:             workers,
		MaxQueueDepth:       cfg.Workers.MaxQueueDepth,
		MemoryHighWatermark: cfg.Workers.MemoryHighWatermark,
	}, p.Logger, p.Metrics)
	pool.Start(ctx)
	exec := workerpool.NewExecutor(parsers, p.Logger)

	pipeline := ingestion.NewPipeline(ingestion.Config{
		Root:            p.Paths.Root,
		Dialect:         cfg.Ingest.Dialect,
		ColumnLineage:   cfg.Ingest.ColumnLineage,
		MaxFileSize:     cfg.Ingest.MaxFileSize,
		BatchSize:       batchSize,
		Retry:           cfg.Batch.RetryPolicy(),
		SplitSizes:      cfg.Batch.SplitSizes,
		FailureLogPath:  p.Paths.FailureLog,
		SubmitTimeout:   cfg.Workers.SubmitTimeout.D(),
		Infer:           infer,
		MaxExcerptBytes: cfg.Inference.MaxExcerptBytes,
	}, ingestion.Deps{
		Store:      p.Store,
		Cache:      p.ParseCache(),
		Parsers:    ingestion.DefaultParsers(),
		Pool:       pool,
		Executor:   exec,
		Inferencer: inferencer,
		Runs:       p.Runs,
		Logger:     p.Logger,
		Metrics:    p.Metrics,
	})

	stop := func(ctx context.Context) error {
		err := pool.Shutdown(ctx, true)
		exec.Close()
		return err
	}
	return pipeline, stop, nil
}

// RetryPolicy returns the backoff of the batch block.
func (b BatchConfig) RetryPolicy() graph.RetryPolicy {
	return graph.RetryPolicy{
		InitialDelay: b.InitialBackoff.D(),
		MaxDelay:     b.MaxBackoff.D(),
		MaxAttempts:  b.MaxAttempts,
	}
}

// DiscoverOptions returns the file filters of the ingest block.
func (c Config) DiscoverOptions(logger *slog.Logger) ingestion.DiscoverOptions {
	return ingestion.DiscoverOptions{
		Include:     c.Ingest.Include,
		Exclude:     c.Ingest.Exclude,
		MaxFileSize: c.Ingest.MaxFileSize,
		Logger:      logger,
	}
}
