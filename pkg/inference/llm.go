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

package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"github.com/kraklabs/lineage/pkg/lineage"
	"github.com/kraklabs/lineage/pkg/llm"
)

// Defaults for LLMConfig.
const (
	DefaultRequestsPerSecond = 1.0
	DefaultMaxFiles          = 20
	DefaultMaxExcerptBytes   = 4096
	maxCatalogue             = 200
)

// LLMConfig configures an LLMInferencer.
type LLMConfig struct {
	Model string

	// RequestsPerSecond limits calls to the provider.
	RequestsPerSecond float64

	// MaxFiles bounds the number of files sent per run, one call each.
	MaxFiles int

	// MaxExcerptBytes truncates each file excerpt.
	MaxExcerptBytes int

	Logger *slog.Logger
}

// LLMInferencer asks a language model for edges the parser missed.
type LLMInferencer struct {
	provider llm.Provider
	cfg      LLMConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewLLMInferencer wraps provider.
func NewLLMInferencer(provider llm.Provider, cfg LLMConfig) *LLMInferencer {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.MaxExcerptBytes <= 0 {
		cfg.MaxExcerptBytes = DefaultMaxExcerptBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMInferencer{
		provider: provider,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:   logger,
	}
}

const systemPrompt = `You find data lineage that a SQL parser cannot see: dynamic SQL built in strings,
tables named in configuration, ETL jobs that copy data between systems.
Only use entity names from the catalogue. Answer with a JSON array and nothing else.
Each element: {"source": "<entity>", "target": "<entity>", "type": "<READS_FROM|WRITES_TO|DERIVES|CALLS|DEPENDS_ON>",
"confidence": <0.0-1.0>, "evidence": "<quoted text>", "rationale": "<one sentence>"}.
Answer [] when there is nothing to add.`

// ProposeEdges implements Inferencer with one rate-limited call per file.
// A failing call is logged and skipped; an error is returned only when every
// call failed.
func (l *LLMInferencer) ProposeEdges(ctx context.Context, in Context) ([]EdgeProposal, error) {
	files := in.Files
	if len(files) > l.cfg.MaxFiles {
		files = files[:l.cfg.MaxFiles]
	}
	if len(files) == 0 {
		return nil, nil
	}
	catalogue := buildCatalogue(in.Entities)

	var (
		out     []EdgeProposal
		lastErr error
		failed  int
	)
	for _, f := range files {
		if err := l.limiter.Wait(ctx); err != nil {
			return out, err
		}
		props, err := l.proposeFile(ctx, catalogue, f)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			failed++
			lastErr = err
			l.logger.Warn("inference.call.failed", "run_id", in.RunID, "path", f.Path, "err", err)
			continue
		}
		l.logger.Debug("inference.call", "run_id", in.RunID, "path", f.Path, "proposals", len(props))
		out = append(out, props...)
	}
	if failed == len(files) {
		return nil, fmt.Errorf("inference: all %d calls failed: %w", failed, lastErr)
	}
	return out, nil
}

func (l *LLMInferencer) proposeFile(ctx context.Context, catalogue []string, f FileExcerpt) ([]EdgeProposal, error) {
	content := f.Content
	truncated := len(content) > l.cfg.MaxExcerptBytes
	if truncated {
		content = content[:l.cfg.MaxExcerptBytes]
	}
	prompt := llm.EdgePrompt{
		Path:      f.Path,
		Language:  excerptLanguage(f.Path),
		Catalogue: catalogue,
		Excerpt:   content,
		Truncated: truncated,
		Rules: []string{
			"Use only names from the catalogue",
			"Reply with a JSON array",
		},
	}.Build()

	resp, err := l.provider.Chat(ctx, llm.ChatRequest{
		Model:       l.cfg.Model,
		Messages:    llm.BuildChatMessages(systemPrompt, prompt),
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}
	return ParseProposals(resp.Message.Content)
}

func buildCatalogue(entities []lineage.Entity) []string {
	lines := make([]string, 0, len(entities))
	for _, e := range entities {
		if e.Kind == lineage.KindColumn {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (%s)", e.Name, e.Kind))
	}
	sort.Strings(lines)
	if len(lines) > maxCatalogue {
		lines = lines[:maxCatalogue]
	}
	return lines
}

func excerptLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sql":
		return "sql"
	case ".py":
		return "python"
	}
	return ""
}

// ErrNoJSON is returned when a model answer holds no JSON array.
var ErrNoJSON = errors.New("inference: no JSON array in answer")

// ParseProposals extracts the JSON array from a model answer. Elements with
// an unknown type or a confidence outside [0, 1] are dropped.
func ParseProposals(answer string) ([]EdgeProposal, error) {
	start := strings.IndexByte(answer, '[')
	end := strings.LastIndexByte(answer, ']')
	if start < 0 || end < start {
		return nil, ErrNoJSON
	}
	var raw []struct {
		Source     string  `json:"source"`
		Target     string  `json:"target"`
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
		Evidence   string  `json:"evidence"`
		Rationale  string  `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(answer[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("inference: decode answer: %w", err)
	}

	out := make([]EdgeProposal, 0, len(raw))
	for _, r := range raw {
		kind, ok := lineage.ParseRelationshipKind(r.Type)
		if !ok || math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
			continue
		}
		if strings.TrimSpace(r.Source) == "" || strings.TrimSpace(r.Target) == "" {
			continue
		}
		out = append(out, EdgeProposal{
			SourceHint: r.Source,
			TargetHint: r.Target,
			Kind:       kind,
			Confidence: r.Confidence,
			Evidence:   r.Evidence,
			Rationale:  r.Rationale,
		})
	}
	return out, nil
}
