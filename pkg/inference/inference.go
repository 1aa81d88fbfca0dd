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

// Package inference proposes lineage edges that deterministic parsing cannot
// see, such as dynamic SQL or tables named in configuration.
//
// Proposals carry free-text hints for their endpoints. A Resolver maps the
// hints onto entity IDs known to the graph; proposals that do not resolve
// are counted and dropped. Resolved proposals always become llm-sourced,
// pending_review relationships.
package inference

import (
	"context"

	"github.com/kraklabs/lineage/pkg/lineage"
)

// EdgeProposal is one edge suggested by an Inferencer.
type EdgeProposal struct {
	SourceHint string                   `json:"source"`
	TargetHint string                   `json:"target"`
	Kind       lineage.RelationshipKind `json:"type"`
	Confidence float64                  `json:"confidence"`
	Evidence   string                   `json:"evidence,omitempty"`
	Rationale  string                   `json:"rationale,omitempty"`
}

// FileExcerpt is source text offered to the Inferencer.
type FileExcerpt struct {
	Path    string
	Content string
}

// Context is what an Inferencer sees: the entities of a run and the files
// they came from.
type Context struct {
	RunID    string
	Entities []lineage.Entity
	Files    []FileExcerpt
}

// Inferencer proposes additional edges.
type Inferencer interface {
	ProposeEdges(ctx context.Context, in Context) ([]EdgeProposal, error)
}

// Func adapts a function to Inferencer.
type Func func(ctx context.Context, in Context) ([]EdgeProposal, error)

func (f Func) ProposeEdges(ctx context.Context, in Context) ([]EdgeProposal, error) {
	return f(ctx, in)
}
