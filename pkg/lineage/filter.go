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

package lineage

import (
	"context"
	"fmt"
)

// Filter selects relationships by trust tier. Empty slices match anything.
type Filter struct {
	Sources       []Source           `json:"sources,omitempty"`
	Statuses      []Status           `json:"statuses,omitempty"`
	Kinds         []RelationshipKind `json:"kinds,omitempty"`
	MinConfidence float64            `json:"min_confidence,omitempty"`
}

// DefaultFilter matches every approved or pending edge. Rejected edges are
// only returned when a filter names StatusRejected explicitly.
func DefaultFilter() Filter {
	return Filter{Statuses: []Status{StatusApproved, StatusPendingReview}}
}

// ApprovedOnly matches edges a consumer can treat as confirmed.
func ApprovedOnly() Filter {
	return Filter{Statuses: []Status{StatusApproved}}
}

// Match reports whether r passes the filter.
func (f Filter) Match(r Relationship) bool {
	if r.Confidence < f.MinConfidence {
		return false
	}
	if len(f.Statuses) == 0 {
		if r.Status == StatusRejected {
			return false
		}
	} else if !contains(f.Statuses, r.Status) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, r.Source) {
		return false
	}
	if len(f.Kinds) > 0 && !contains(f.Kinds, r.Kind) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Direction selects which end of an edge a traversal follows.
type Direction int

const (
	// Upstream follows edges from an entity to what it reads or derives from.
	Upstream Direction = iota
	// Downstream follows edges from an entity to what reads or derives from it.
	Downstream
)

func (d Direction) String() string {
	if d == Downstream {
		return "downstream"
	}
	return "upstream"
}

// DefaultMaxDepth bounds lineage traversal.
const DefaultMaxDepth = 10

// EdgeReader lists the edges touching one entity.
type EdgeReader interface {
	// EdgesFrom returns edges whose SourceID is id.
	EdgesFrom(ctx context.Context, id string) ([]Relationship, error)
	// EdgesTo returns edges whose TargetID is id.
	EdgesTo(ctx context.Context, id string) ([]Relationship, error)
}

// Hop is one edge reached during a traversal.
type Hop struct {
	Depth int          `json:"depth"`
	Edge  Relationship `json:"edge"`
}

// Traverse walks lineage breadth-first from entityID.
//
// Most edge kinds point from a dependent to what it depends on (a view
// READS_FROM its tables), so Upstream follows outgoing edges. WRITES_TO points
// along the data flow and is followed in reverse. CONTAINS is structural and
// is only walked when the filter names it. Each edge is reported once; cycles
// are cut by a visited set.
func Traverse(ctx context.Context, reader EdgeReader, entityID string, dir Direction, maxDepth int, filter Filter) ([]Hop, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	walkContains := contains(filter.Kinds, RelContains)

	visited := map[string]bool{entityID: true}
	seenEdge := make(map[string]bool)
	frontier := []string{entityID}
	var hops []Hop

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return hops, err
			}
			out, err := reader.EdgesFrom(ctx, id)
			if err != nil {
				return hops, fmt.Errorf("traverse %s from %s: %w", dir, id, err)
			}
			in, err := reader.EdgesTo(ctx, id)
			if err != nil {
				return hops, fmt.Errorf("traverse %s from %s: %w", dir, id, err)
			}

			visit := func(e Relationship, other string) {
				if seenEdge[e.ID] || !filter.Match(e) {
					return
				}
				if e.Kind == RelContains && !walkContains {
					return
				}
				seenEdge[e.ID] = true
				hops = append(hops, Hop{Depth: depth, Edge: e})
				if !visited[other] {
					visited[other] = true
					next = append(next, other)
				}
			}

			for _, e := range out {
				if (e.Kind == RelWritesTo) == (dir == Downstream) {
					visit(e, e.TargetID)
				}
			}
			for _, e := range in {
				if (e.Kind == RelWritesTo) == (dir == Upstream) {
					visit(e, e.SourceID)
				}
			}
		}
		frontier = next
	}
	return hops, nil
}
