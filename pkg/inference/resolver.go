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
	"fmt"
	"strings"
	"time"

	"github.com/kraklabs/lineage/pkg/lineage"
)

// Resolver maps endpoint hints onto entity IDs.
//
// A hint resolves by exact ID, then by normalized name, then by a unique
// dotted-suffix match ("orders" matches "sales.dbo.orders" when no other
// entity ends in ".orders"). Names shared by several entities prefer a
// defined entity; anything still ambiguous does not resolve.
type Resolver struct {
	ids    map[string]lineage.Entity
	byName map[string][]lineage.Entity
}

// NewResolver indexes entities. Later duplicates of an ID replace earlier
// ones only when they are defined.
func NewResolver(entities []lineage.Entity) *Resolver {
	r := &Resolver{
		ids:    make(map[string]lineage.Entity, len(entities)),
		byName: make(map[string][]lineage.Entity),
	}
	for _, e := range entities {
		if old, ok := r.ids[e.ID]; ok && (old.Defined() || !e.Defined()) {
			continue
		}
		r.ids[e.ID] = e
	}
	for _, e := range r.ids {
		name := lineage.NormalizeName(e.Name)
		r.byName[name] = append(r.byName[name], e)
	}
	return r
}

// Resolve returns the entity ID for hint.
func (r *Resolver) Resolve(hint string) (string, bool) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", false
	}
	if _, ok := r.ids[hint]; ok {
		return hint, true
	}
	name := lineage.NormalizeName(lineage.NameFromID(hint))
	if id, ok := pick(r.byName[name]); ok {
		return id, true
	}

	var matches []lineage.Entity
	suffix := "." + name
	for n, ents := range r.byName {
		if strings.HasSuffix(n, suffix) {
			matches = append(matches, ents...)
		}
	}
	return pick(matches)
}

func pick(cands []lineage.Entity) (string, bool) {
	switch len(cands) {
	case 0:
		return "", false
	case 1:
		return cands[0].ID, true
	}
	var defined []lineage.Entity
	for _, e := range cands {
		if e.Defined() {
			defined = append(defined, e)
		}
	}
	if len(defined) == 1 {
		return defined[0].ID, true
	}
	return "", false
}

// Unresolved describes a proposal that could not be stored.
type Unresolved struct {
	Proposal EdgeProposal
	Reason   string
}

// Relationships turns proposals into pending_review relationships.
func (r *Resolver) Relationships(props []EdgeProposal, now time.Time) ([]lineage.Relationship, []Unresolved) {
	var (
		out  []lineage.Relationship
		bad  []Unresolved
		seen = make(map[string]struct{})
	)
	for _, p := range props {
		src, ok := r.Resolve(p.SourceHint)
		if !ok {
			bad = append(bad, Unresolved{Proposal: p, Reason: fmt.Sprintf("source %q not found", p.SourceHint)})
			continue
		}
		tgt, ok := r.Resolve(p.TargetHint)
		if !ok {
			bad = append(bad, Unresolved{Proposal: p, Reason: fmt.Sprintf("target %q not found", p.TargetHint)})
			continue
		}
		if src == tgt {
			bad = append(bad, Unresolved{Proposal: p, Reason: "self edge"})
			continue
		}
		rel, err := lineage.NewInferredRelationship(src, tgt, p.Kind, p.Confidence, p.Evidence,
			lineage.InferenceOptions{Rationale: p.Rationale}, now)
		if err != nil {
			bad = append(bad, Unresolved{Proposal: p, Reason: err.Error()})
			continue
		}
		if _, dup := seen[rel.ID]; dup {
			continue
		}
		seen[rel.ID] = struct{}{}
		out = append(out, rel)
	}
	return out, bad
}
