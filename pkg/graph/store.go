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

// Package graph writes lineage entities and relationships to a graph store.
//
// Store is the narrow persistence interface; Neo4jStore talks to a remote
// Neo4j server over bolt and MemoryStore keeps everything in process.
// BatchWriter sits in front of a store and turns a stream of enqueued items
// into bounded, retried, splittable batch transactions, logging items that
// cannot be written even alone to an append-only FailureLog.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/kraklabs/lineage/pkg/lineage"
)

// ErrNotFound is returned when an entity or relationship does not exist.
var ErrNotFound = errors.New("graph: not found")

// BatchStore is the write surface the BatchWriter needs. Each call must be
// a single atomic transaction and must be safe to re-apply.
type BatchStore interface {
	UpsertEntities(ctx context.Context, entities []lineage.Entity) error
	UpsertRelationships(ctx context.Context, rels []lineage.Relationship) error
}

// Store is a lineage graph store.
type Store interface {
	BatchStore
	lineage.ReviewStore

	// EnsureSchema creates constraints and indexes. It is idempotent.
	EnsureSchema(ctx context.Context) error

	Entity(ctx context.Context, id string) (lineage.Entity, error)
	Relationships(ctx context.Context, q RelationshipQuery) ([]lineage.Relationship, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// RelationshipQuery selects relationships. Empty endpoint ids match any.
type RelationshipQuery struct {
	SourceID string
	TargetID string
	Filter   lineage.Filter
	Limit    int
}

// StoreError carries the transient/data classification of a store failure.
type StoreError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StoreError) Error() string {
	kind := "data"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("graph %s (%s): %v", e.Op, kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: a StoreError marked
// transient, or a deadline that expired inside the store call.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// EdgeReader adapts a Store to lineage.EdgeReader for traversal.
func EdgeReader(s Store, filter lineage.Filter) lineage.EdgeReader {
	return edgeReader{store: s, filter: filter}
}

type edgeReader struct {
	store  Store
	filter lineage.Filter
}

func (r edgeReader) EdgesFrom(ctx context.Context, id string) ([]lineage.Relationship, error) {
	return r.store.Relationships(ctx, RelationshipQuery{SourceID: id, Filter: r.filter})
}

func (r edgeReader) EdgesTo(ctx context.Context, id string) ([]lineage.Relationship, error) {
	return r.store.Relationships(ctx, RelationshipQuery{TargetID: id, Filter: r.filter})
}
