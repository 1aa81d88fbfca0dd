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

package llm

import (
	"fmt"
	"os"
	"strings"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvProvider = "LINEAGE_LLM_PROVIDER"
	EnvModel    = "LINEAGE_LLM_MODEL"
	EnvBaseURL  = "LINEAGE_LLM_BASE_URL"
	EnvAPIKey   = "LINEAGE_LLM_API_KEY"
)

// ConfigFromEnv overlays the LINEAGE_LLM_* variables on base.
func ConfigFromEnv(base ProviderConfig) ProviderConfig {
	if v := os.Getenv(EnvProvider); v != "" {
		base.Type = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		base.DefaultModel = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		base.BaseURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		base.APIKey = v
	}
	return base
}

// EdgePrompt is the user prompt for one file sent to edge inference.
type EdgePrompt struct {
	// Path is the file's project-relative path.
	Path string
	// Language names the fence of the excerpt ("sql", "python").
	Language string
	// Catalogue lists the entities the model may name, one per line.
	Catalogue []string
	Excerpt   string
	// Truncated marks an excerpt cut to the configured byte limit.
	Truncated bool
	Rules     []string
}

// Build renders the prompt. Sections without content are left out.
func (p EdgePrompt) Build() string {
	var sb strings.Builder

	sb.WriteString("Propose lineage edges between catalogue entities that this file implies but does not state in plain SQL.\n\n")
	if p.Path != "" {
		fmt.Fprintf(&sb, "File: %s\n\n", p.Path)
	}
	if len(p.Catalogue) > 0 {
		sb.WriteString("Catalogue:\n")
		for _, c := range p.Catalogue {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		sb.WriteString("\n")
	}
	if p.Excerpt != "" {
		fmt.Fprintf(&sb, "```%s\n%s\n```\n", p.Language, strings.TrimRight(p.Excerpt, "\n"))
		if p.Truncated {
			sb.WriteString("(excerpt truncated)\n")
		}
		sb.WriteString("\n")
	}
	if len(p.Rules) > 0 {
		sb.WriteString("Rules:\n")
		for i, r := range p.Rules {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, r)
		}
	}
	return sb.String()
}

// BuildChatMessages creates a chat message array with system prompt.
func BuildChatMessages(systemPrompt, userPrompt string, history ...Message) []Message {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: userPrompt})
	return messages
}
