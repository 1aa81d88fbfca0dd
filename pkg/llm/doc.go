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

// Package llm is a small chat client for the models that propose lineage
// edges.
//
// Two HTTP backends are supported: a local Ollama server and any
// OpenAI-compatible chat completions endpoint. MockProvider serves tests and
// dry runs.
//
// # Configuration
//
// NewProvider takes a ProviderConfig, usually loaded from the inference
// block of .lineage/project.yaml. ConfigFromEnv lets these variables override it:
//
//	LINEAGE_LLM_PROVIDER   ollama | openai | mock
//	LINEAGE_LLM_MODEL      model name
//	LINEAGE_LLM_BASE_URL   endpoint root
//	LINEAGE_LLM_API_KEY    bearer token for OpenAI-compatible endpoints
//
// # Usage
//
//	cfg := llm.ConfigFromEnv(llm.ProviderConfig{Type: "ollama", DefaultModel: "llama3.1"})
//	p, err := llm.NewProvider(cfg)
//	if err != nil {
//	    return err
//	}
//	resp, err := p.Chat(ctx, llm.ChatRequest{
//	    Messages: llm.BuildChatMessages(system, llm.EdgePrompt{Path: path, Excerpt: src}.Build()),
//	})
//
// Requests answered with 429 or a 5xx status are retried up to MaxRetries
// times. Other failures return a *StatusError.
package llm
