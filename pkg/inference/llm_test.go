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
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/lineage/pkg/lineage"
	"github.com/kraklabs/lineage/pkg/llm"
)

func TestParseProposals(t *testing.T) {
	answer := "Here you go:\n```json\n" + `[
  {"source": "etl.load", "target": "orders", "type": "writes_to", "confidence": 0.8, "evidence": "EXEC(@sql)", "rationale": "dynamic insert"},
  {"source": "a", "target": "b", "type": "DERIVES_FROM", "confidence": 0.4},
  {"source": "a", "target": "b", "type": "OWNS", "confidence": 0.4},
  {"source": "a", "target": "b", "type": "READS_FROM", "confidence": 1.7},
  {"source": "", "target": "b", "type": "READS_FROM", "confidence": 0.2}
]` + "\n```"

	props, err := ParseProposals(answer)
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, lineage.RelWritesTo, props[0].Kind)
	assert.Equal(t, "dynamic insert", props[0].Rationale)
	assert.Equal(t, lineage.RelDerives, props[1].Kind)

	_, err = ParseProposals("I could not find anything.")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = ParseProposals("[{not json}]")
	assert.Error(t, err)
}

func TestLLMInferencer_ProposeEdges(t *testing.T) {
	var calls atomic.Int32
	provider := &llm.MockProvider{
		ChatFunc: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
			calls.Add(1)
			require.Len(t, req.Messages, 2)
			user := req.Messages[1].Content
			assert.Contains(t, user, "- sales.orders (Table)")
			if strings.Contains(user, "bad.sql") {
				return nil, errors.New("model overloaded")
			}
			return &llm.ChatResponse{Message: llm.Message{
				Role:    "assistant",
				Content: `[{"source": "etl.load", "target": "sales.orders", "type": "WRITES_TO", "confidence": 0.6}]`,
			}}, nil
		},
	}
	inf := NewLLMInferencer(provider, LLMConfig{RequestsPerSecond: 1000, MaxFiles: 2})

	props, err := inf.ProposeEdges(context.Background(), Context{
		RunID:    "run-1",
		Entities: []lineage.Entity{asset("sales.orders", true)},
		Files: []FileExcerpt{
			{Path: "etl/load.sql", Content: "EXEC('INSERT INTO sales.orders ...')"},
			{Path: "etl/bad.sql", Content: "..."},
			{Path: "etl/skipped.sql", Content: "..."},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, props, 1)
	assert.Equal(t, "sales.orders", props[0].TargetHint)
}

func TestLLMInferencer_AllCallsFail(t *testing.T) {
	provider := &llm.MockProvider{
		ChatFunc: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	inf := NewLLMInferencer(provider, LLMConfig{RequestsPerSecond: 1000})

	_, err := inf.ProposeEdges(context.Background(), Context{Files: []FileExcerpt{{Path: "a.sql"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestLLMInferencer_NoFiles(t *testing.T) {
	inf := NewLLMInferencer(&llm.MockProvider{}, LLMConfig{})
	props, err := inf.ProposeEdges(context.Background(), Context{})
	require.NoError(t, err)
	assert.Empty(t, props)
}
