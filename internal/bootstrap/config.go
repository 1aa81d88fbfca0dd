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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/lineage/pkg/graph"
	"github.com/kraklabs/lineage/pkg/ingestion"
	"github.com/kraklabs/lineage/pkg/llm"
)

// Layout of the project directory.
const (
	DirName        = ".lineage"
	ConfigFileName = "project.yaml"
	ConfigVersion  = 1
)

// Duration is a time.Duration written as a YAML duration string ("5s").
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the content of .lineage/project.yaml.
type Config struct {
	Version     int             `yaml:"version"`
	Graph       GraphConfig     `yaml:"graph"`
	Cache       CacheConfig     `yaml:"cache"`
	Coalesce    CoalesceConfig  `yaml:"coalesce"`
	Workers     WorkersConfig   `yaml:"workers"`
	Batch       BatchConfig     `yaml:"batch"`
	Ingest      IngestConfig    `yaml:"ingest"`
	Inference   InferenceConfig `yaml:"inference"`
	MetricsAddr string          `yaml:"metrics_addr,omitempty"`
	// LogFile receives JSON logs in addition to stderr. Relative to the
	// project root.
	LogFile string `yaml:"log_file,omitempty"`
}

// GraphConfig selects and configures the graph store.
type GraphConfig struct {
	// Store is "neo4j" or "memory". Memory is a dry run.
	Store          string   `yaml:"store"`
	URI            string   `yaml:"uri"`
	User           string   `yaml:"user"`
	Password       string   `yaml:"password,omitempty"`
	Database       string   `yaml:"database"`
	MaxPoolSize    int      `yaml:"max_pool_size"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

type CacheConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Dir          string   `yaml:"dir"`
	MaxEntries   int      `yaml:"max_entries"`
	TTL          Duration `yaml:"ttl"`
	VerifySample int      `yaml:"verify_sample"`
}

type CoalesceConfig struct {
	Debounce Duration `yaml:"debounce"`
	MaxBatch int      `yaml:"max_batch"`
	Realtime bool     `yaml:"realtime"`
}

type WorkersConfig struct {
	Parallel            bool     `yaml:"parallel"`
	Count               int      `yaml:"count"`
	ParseWorkers        int      `yaml:"parse_workers"`
	MaxQueueDepth       int      `yaml:"max_queue_depth"`
	MemoryHighWatermark float64  `yaml:"memory_high_watermark"`
	SubmitTimeout       Duration `yaml:"submit_timeout"`
}

type BatchConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Size           int      `yaml:"size"`
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	SplitSizes     []int    `yaml:"split_sizes,flow"`
	FailureLog     string   `yaml:"failure_log"`
}

type IngestConfig struct {
	Include       []string `yaml:"include"`
	Exclude       []string `yaml:"exclude"`
	Dialect       string   `yaml:"dialect"`
	ColumnLineage bool     `yaml:"column_lineage"`
	MaxFileSize   int64    `yaml:"max_file_size"`
}

type InferenceConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model,omitempty"`
	BaseURL           string  `yaml:"base_url,omitempty"`
	APIKey            string  `yaml:"api_key,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxFiles          int     `yaml:"max_files"`
	MaxExcerptBytes   int     `yaml:"max_excerpt_bytes"`
}

// ProviderConfig returns the llm settings of the inference block.
func (c InferenceConfig) ProviderConfig() llm.ProviderConfig {
	return llm.ProviderConfig{
		Type:         c.Provider,
		BaseURL:      c.BaseURL,
		APIKey:       c.APIKey,
		DefaultModel: c.Model,
	}
}

// DefaultConfig returns the configuration written by 'lineage init'.
func DefaultConfig() Config {
	retry := graph.DefaultRetryPolicy()
	return Config{
		Version: ConfigVersion,
		Graph: GraphConfig{
			Store:          "neo4j",
			URI:            "bolt://localhost:7687",
			User:           "neo4j",
			Database:       "neo4j",
			MaxPoolSize:    50,
			ConnectTimeout: Duration(10 * time.Second),
		},
		Cache: CacheConfig{
			Enabled:      true,
			Dir:          filepath.Join(DirName, "cache"),
			MaxEntries:   10_000,
			TTL:          Duration(720 * time.Hour),
			VerifySample: 20,
		},
		Coalesce: CoalesceConfig{
			Debounce: Duration(5 * time.Second),
			MaxBatch: 50,
		},
		Workers: WorkersConfig{
			Parallel:            true,
			Count:               min(4, runtime.NumCPU()),
			ParseWorkers:        runtime.NumCPU(),
			MaxQueueDepth:       200,
			MemoryHighWatermark: 0.80,
			SubmitTimeout:       Duration(30 * time.Second),
		},
		Batch: BatchConfig{
			Enabled:        true,
			Size:           graph.DefaultBatchSize,
			MaxAttempts:    retry.MaxAttempts,
			InitialBackoff: Duration(retry.InitialDelay),
			MaxBackoff:     Duration(retry.MaxDelay),
			SplitSizes:     append([]int(nil), graph.DefaultSplitSizes...),
			FailureLog:     filepath.Join(DirName, "failures.jsonl"),
		},
		Ingest: IngestConfig{
			Include:     append([]string(nil), ingestion.DefaultInclude...),
			Exclude:     append([]string(nil), ingestion.DefaultExclude...),
			Dialect:     ingestion.DialectAuto,
			MaxFileSize: ingestion.DefaultMaxFileSize,
		},
		Inference: InferenceConfig{
			Provider:          "ollama",
			RequestsPerSecond: 1,
			MaxFiles:          20,
			MaxExcerptBytes:   4096,
		},
	}
}

// ConfigPath returns the config file path for a project root.
func ConfigPath(root string) string {
	return filepath.Join(root, DirName, ConfigFileName)
}

// ErrNoConfig is returned by LoadConfig when the file does not exist.
var ErrNoConfig = errors.New("bootstrap: no project configuration")

// LoadConfig reads path on top of DefaultConfig, so keys missing from the
// file keep their defaults, then applies environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("%w: %s", ErrNoConfig, path)
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path, creating the directory.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	header := "# lineage project configuration. Environment variables LINEAGE_NEO4J_* and\n# LINEAGE_LLM_* override the matching keys.\n"
	return os.WriteFile(path, append([]byte(header), data...), 0o600)
}

// Environment variables read by ApplyEnv, besides the LINEAGE_LLM_* set.
const (
	EnvNeo4jURI      = "LINEAGE_NEO4J_URI"
	EnvNeo4jUser     = "LINEAGE_NEO4J_USER"
	EnvNeo4jPassword = "LINEAGE_NEO4J_PASSWORD"
	EnvNeo4jDatabase = "LINEAGE_NEO4J_DATABASE"
)

// ApplyEnv overlays the LINEAGE_* environment variables.
func (c *Config) ApplyEnv() {
	for env, dst := range map[string]*string{
		EnvNeo4jURI:      &c.Graph.URI,
		EnvNeo4jUser:     &c.Graph.User,
		EnvNeo4jPassword: &c.Graph.Password,
		EnvNeo4jDatabase: &c.Graph.Database,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	p := llm.ConfigFromEnv(c.Inference.ProviderConfig())
	c.Inference.Provider, c.Inference.Model, c.Inference.BaseURL, c.Inference.APIKey = p.Type, p.DefaultModel, p.BaseURL, p.APIKey
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Graph.Store {
	case "neo4j", "memory":
	default:
		return fmt.Errorf("graph.store: %q is not neo4j or memory", c.Graph.Store)
	}
	switch strings.ToLower(c.Ingest.Dialect) {
	case ingestion.DialectAuto, ingestion.DialectANSI, ingestion.DialectTSQL, ingestion.DialectPostgres, ingestion.DialectMySQL:
	default:
		return fmt.Errorf("ingest.dialect: unknown dialect %q", c.Ingest.Dialect)
	}
	if c.Workers.MemoryHighWatermark > 1 {
		return fmt.Errorf("workers.memory_high_watermark: %v is above 1", c.Workers.MemoryHighWatermark)
	}
	prev := 0
	for i, s := range c.Batch.SplitSizes {
		if s <= 0 || (i > 0 && s >= prev) {
			return fmt.Errorf("batch.split_sizes: must be positive and descending, got %v", c.Batch.SplitSizes)
		}
		prev = s
	}
	switch c.Inference.Provider {
	case "", "ollama", "openai", "mock":
	default:
		return fmt.Errorf("inference.provider: %q is not ollama, openai or mock", c.Inference.Provider)
	}
	return nil
}
