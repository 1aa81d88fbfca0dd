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

package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kraklabs/lineage/internal/bootstrap"
	"github.com/kraklabs/lineage/internal/errors"
	"github.com/kraklabs/lineage/internal/output"
	"github.com/kraklabs/lineage/internal/ui"
	"github.com/kraklabs/lineage/pkg/graph"
	"github.com/kraklabs/lineage/pkg/lineage"
)

// runEdges executes the 'edges' CLI command.
func runEdges(ctx context.Context, args []string, g GlobalFlags) error {
	fs := newFlagSet("edges", "[options]", `Lists lineage edges. By default approved and pending edges of every
source are shown; rejected edges only appear when --status names them.
With --json one edge is printed per line.`)
	sources := fs.StringSlice("source", nil, "Only these sources: parser, llm, human")
	statuses := fs.StringSlice("status", nil, "Only these statuses: approved, pending_review, rejected")
	kinds := fs.StringSlice("kind", nil, "Only these relationship kinds, e.g. READS_FROM")
	minConf := fs.Float64("min-confidence", 0, "Minimum confidence")
	entity := fs.String("entity", "", "Only edges touching this entity (name or ID)")
	limit := fs.Int("limit", 200, "Maximum edges to list (0 for all)")
	store := fs.String("store", "", "Graph store override")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	filter, err := buildFilter(*sources, *statuses, *kinds, *minConf)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, g, bootstrap.OpenOptions{Store: *store, NoCache: true}, nil)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	var edges []lineage.Relationship
	if *entity == "" {
		edges, err = s.Store.Relationships(ctx, graph.RelationshipQuery{Filter: filter, Limit: *limit})
	} else {
		edges, err = edgesTouching(ctx, s.Store, entityID(*entity), filter, *limit)
	}
	if err != nil {
		return err
	}

	if g.JSON {
		return output.JSONLines(stdout, edges)
	}
	if len(edges) == 0 {
		ui.Info("No edges match")
		return nil
	}
	for _, e := range edges {
		printEdge(e, "")
	}
	if *limit > 0 && len(edges) == *limit {
		fmt.Fprintf(stdout, "%s\n", ui.DimText(fmt.Sprintf("(limited to %d; pass --limit 0 for all)", *limit)))
	}
	return nil
}

func buildFilter(sources, statuses, kinds []string, minConf float64) (lineage.Filter, error) {
	var f lineage.Filter
	if minConf < 0 || minConf > 1 {
		return f, errors.NewInputError("Invalid --min-confidence", fmt.Sprintf("%v is outside [0, 1]", minConf), "")
	}
	f.MinConfidence = minConf
	for _, s := range sources {
		src := lineage.Source(strings.ToLower(s))
		if !src.Valid() {
			return f, errors.NewInputError("Invalid --source", fmt.Sprintf("%q", s), "Use parser, llm or human")
		}
		f.Sources = append(f.Sources, src)
	}
	for _, s := range statuses {
		st := lineage.Status(strings.ToLower(s))
		if !st.Valid() {
			return f, errors.NewInputError("Invalid --status", fmt.Sprintf("%q", s), "Use approved, pending_review or rejected")
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, s := range kinds {
		k, ok := lineage.ParseRelationshipKind(s)
		if !ok {
			return f, errors.NewInputError("Invalid --kind", fmt.Sprintf("%q", s), "Run 'lineage edges' to see the kinds in use")
		}
		f.Kinds = append(f.Kinds, k)
	}
	return f, nil
}

// entityID accepts either an entity ID ("asset:dbo.orders") or a bare data
// asset name.
func entityID(arg string) string {
	if strings.Contains(arg, ":") {
		return arg
	}
	return lineage.AssetID(arg)
}

func edgesTouching(ctx context.Context, store graph.Store, id string, filter lineage.Filter, limit int) ([]lineage.Relationship, error) {
	out, err := store.Relationships(ctx, graph.RelationshipQuery{SourceID: id, Filter: filter})
	if err != nil {
		return nil, err
	}
	in, err := store.Relationships(ctx, graph.RelationshipQuery{TargetID: id, Filter: filter})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(out))
	edges := make([]lineage.Relationship, 0, len(out)+len(in))
	for _, e := range append(out, in...) {
		if !seen[e.ID] {
			seen[e.ID] = true
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	if limit > 0 && len(edges) > limit {
		edges = edges[:limit]
	}
	return edges, nil
}

func printEdge(e lineage.Relationship, indent string) {
	fmt.Fprintf(stdout, "%s%s -[%s]-> %s  %s %s %s\n", indent,
		lineage.NameFromID(e.SourceID), e.Kind, lineage.NameFromID(e.TargetID),
		ui.StatusText(string(e.Status)), ui.DimText(string(e.Source)), ui.ConfidenceText(e.Confidence))
	fmt.Fprintf(stdout, "%s  %s\n", indent, ui.DimText(e.ID))
}

// runLineage executes the 'lineage' CLI command.
func runLineage(ctx context.Context, args []string, g GlobalFlags) error {
	fs := newFlagSet("lineage", "<entity> [options]", `Walks lineage from an entity. Upstream (the default) lists what the
entity reads or derives from; --downstream lists what depends on it.
Only approved and pending edges are followed unless --status says otherwise.`)
	downstream := fs.Bool("downstream", false, "Walk downstream instead of upstream")
	depth := fs.Int("depth", lineage.DefaultMaxDepth, "Maximum hops")
	statuses := fs.StringSlice("status", nil, "Only follow edges with these statuses")
	approved := fs.Bool("approved-only", false, "Only follow approved edges")
	minConf := fs.Float64("min-confidence", 0, "Only follow edges at or above this confidence")
	store := fs.String("store", "", "Graph store override")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.NewInputError("Missing entity", "", "Pass a table or view name, e.g. 'lineage lineage dbo.orders'")
	}
	if *depth <= 0 || *depth > lineage.DefaultMaxDepth {
		return errors.NewInputError("Invalid --depth", fmt.Sprintf("%d is outside 1..%d", *depth, lineage.DefaultMaxDepth), "")
	}

	filter, err := buildFilter(nil, *statuses, nil, *minConf)
	if err != nil {
		return err
	}
	if *approved {
		filter.Statuses = lineage.ApprovedOnly().Statuses
	}
	if len(filter.Statuses) == 0 {
		filter.Statuses = lineage.DefaultFilter().Statuses
	}
	dir := lineage.Upstream
	if *downstream {
		dir = lineage.Downstream
	}

	s, err := openSession(ctx, g, bootstrap.OpenOptions{Store: *store, NoCache: true}, nil)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	id := entityID(fs.Arg(0))
	if _, err := s.Store.Entity(ctx, id); err != nil {
		return err
	}
	hops, err := lineage.Traverse(ctx, graph.EdgeReader(s.Store, filter), id, dir, *depth, filter)
	if err != nil {
		return err
	}

	if g.JSON {
		return output.JSONTo(stdout, map[string]any{
			"entity":    id,
			"direction": dir.String(),
			"hops":      hops,
		})
	}
	ui.Header(fmt.Sprintf("%s lineage of %s", dir, lineage.NameFromID(id)))
	if len(hops) == 0 {
		ui.Info("No edges")
		return nil
	}
	for _, h := range hops {
		printEdge(h.Edge, strings.Repeat("  ", h.Depth-1))
	}
	return nil
}
