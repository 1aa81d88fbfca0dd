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

package graph

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/kraklabs/lineage/pkg/lineage"
)

// MemoryStore is an in-process Store with the same merge rules as
// Neo4jStore. It backs the console target and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]lineage.Entity
	rels     map[string]lineage.Relationship
	lastSeen map[string]time.Time
	txns     int
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]lineage.Entity),
		rels:     make(map[string]lineage.Relationship),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (s *MemoryStore) EnsureSchema(context.Context) error { return nil }
func (s *MemoryStore) Ping(context.Context) error         { return nil }
func (s *MemoryStore) Close(context.Context) error        { return nil }

// UpsertEntities merges entities by id. A referenced-only entity never
// overrides the kind or name of an entity that was defined.
func (s *MemoryStore) UpsertEntities(ctx context.Context, entities []lineage.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, e := range entities {
		if err := checkProperties(e.Attributes); err != nil {
			return &StoreError{Op: "upsert entities", Err: fmt.Errorf("%s: %w", e.ID, err)}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.entities[e.ID] = mergeEntity(s.entities[e.ID], e)
	}
	s.txns++
	return nil
}

func mergeEntity(old, in lineage.Entity) lineage.Entity {
	if old.ID == "" {
		in.Attributes = maps.Clone(in.Attributes)
		return in
	}
	if !in.Defined() && old.Defined() {
		return old
	}
	out := in
	out.Attributes = maps.Clone(old.Attributes)
	if out.Attributes == nil {
		out.Attributes = map[string]any{}
	}
	maps.Copy(out.Attributes, in.Attributes)
	out.Attributes[lineage.AttrDefined] = old.Defined() || in.Defined()
	return out
}

// UpsertRelationships creates missing relationships. Existing ones keep
// their review state and confidence; only their last-seen time moves.
func (s *MemoryStore) UpsertRelationships(ctx context.Context, rels []lineage.Relationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range rels {
		if err := r.Validate(); err != nil {
			return &StoreError{Op: "upsert relationships", Err: err}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for _, r := range rels {
		for _, id := range []string{r.SourceID, r.TargetID} {
			if _, ok := s.entities[id]; !ok {
				s.entities[id] = placeholder(id)
			}
		}
		if cur, ok := s.rels[r.ID]; !ok {
			s.rels[r.ID] = r
		} else if r.Evidence != "" && r.Evidence != cur.Evidence {
			cur.Evidence = r.Evidence
			s.rels[r.ID] = cur
		}
		s.lastSeen[r.ID] = now
	}
	s.txns++
	return nil
}

func placeholder(id string) lineage.Entity {
	return lineage.Entity{
		ID:         id,
		Kind:       lineage.KindTable,
		Name:       lineage.NameFromID(id),
		Attributes: map[string]any{lineage.AttrDefined: false},
	}
}

// Entity returns the entity with id.
func (s *MemoryStore) Entity(_ context.Context, id string) (lineage.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return lineage.Entity{}, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	e.Attributes = maps.Clone(e.Attributes)
	return e, nil
}

// Relationship returns the relationship with id.
func (s *MemoryStore) Relationship(_ context.Context, id string) (lineage.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rels[id]
	if !ok {
		return lineage.Relationship{}, fmt.Errorf("relationship %s: %w", id, ErrNotFound)
	}
	return r, nil
}

// Relationships returns matching relationships ordered by creation time.
func (s *MemoryStore) Relationships(_ context.Context, q RelationshipQuery) ([]lineage.Relationship, error) {
	s.mu.RLock()
	var out []lineage.Relationship
	for _, r := range s.rels {
		if q.SourceID != "" && r.SourceID != q.SourceID {
			continue
		}
		if q.TargetID != "" && r.TargetID != q.TargetID {
			continue
		}
		if q.Filter.Match(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b lineage.Relationship) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// UpdateRelationshipStatus applies a review decision.
func (s *MemoryStore) UpdateRelationshipStatus(_ context.Context, id string, u lineage.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rels[id]
	if !ok {
		return fmt.Errorf("relationship %s: %w", id, ErrNotFound)
	}
	r.Status = u.Status
	r.ReviewedBy = u.ReviewedBy
	r.ReviewedAt = u.ReviewedAt
	r.ReviewNote = u.ReviewNote
	s.rels[id] = r
	return nil
}

// MemoryStats describes the store contents.
type MemoryStats struct {
	Entities      int
	Relationships int
	Transactions  int
}

// Stats returns counts for tests and the console summary.
func (s *MemoryStore) Stats() MemoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return MemoryStats{Entities: len(s.entities), Relationships: len(s.rels), Transactions: s.txns}
}

// Entities returns every entity sorted by id.
func (s *MemoryStore) Entities() []lineage.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lineage.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b lineage.Entity) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// checkProperties rejects attribute values a graph property cannot hold:
// anything other than scalars, times and flat lists of scalars.
func checkProperties(attrs map[string]any) error {
	for k, v := range attrs {
		switch tv := v.(type) {
		case nil, bool, string, int, int8, int16, int32, int64, uint8, uint16, uint32,
			float32, float64, time.Time, time.Duration:
		case []string, []int, []int64, []float64, []bool:
		case []any:
			for _, item := range tv {
				switch item.(type) {
				case bool, string, int, int64, float64:
				default:
					return fmt.Errorf("attribute %q: list element of type %T", k, item)
				}
			}
		default:
			return fmt.Errorf("attribute %q: unsupported type %T", k, v)
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
