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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/lineage/pkg/lineage"
)

func TestMemoryStore_DefinedKindWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := lineage.AssetID("sales.daily")

	view := lineage.Entity{ID: id, Kind: lineage.KindView, Name: "sales.daily",
		Attributes: map[string]any{lineage.AttrDefined: true, lineage.AttrFilePath: "views.sql"}}
	ref := lineage.Entity{ID: id, Kind: lineage.KindTable, Name: "sales.daily",
		Attributes: map[string]any{lineage.AttrDefined: false, lineage.AttrFilePath: "report.sql"}}

	require.NoError(t, s.UpsertEntities(ctx, []lineage.Entity{view}))
	require.NoError(t, s.UpsertEntities(ctx, []lineage.Entity{ref}))

	got, err := s.Entity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, lineage.KindView, got.Kind)
	assert.True(t, got.Defined())
	assert.Equal(t, "views.sql", got.Attributes[lineage.AttrFilePath])
}

func TestMemoryStore_DefinitionUpgradesPlaceholder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a, b := lineage.AssetID("a"), lineage.AssetID("b")

	rel := lineage.NewParsedRelationship(a, b, lineage.RelReadsFrom, "", testNow)
	require.NoError(t, s.UpsertRelationships(ctx, []lineage.Relationship{rel}))

	placeholder, err := s.Entity(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, lineage.KindTable, placeholder.Kind)
	assert.False(t, placeholder.Defined())

	require.NoError(t, s.UpsertEntities(ctx, []lineage.Entity{{ID: b, Kind: lineage.KindMaterializedView, Name: "b",
		Attributes: map[string]any{lineage.AttrDefined: true}}}))
	got, err := s.Entity(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, lineage.KindMaterializedView, got.Kind)
	assert.True(t, got.Defined())
}

func TestMemoryStore_UpsertIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rel := lineage.NewParsedRelationship(lineage.AssetID("a"), lineage.AssetID("b"), lineage.RelReadsFrom, "", testNow)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertRelationships(ctx, []lineage.Relationship{rel}))
	}
	assert.Equal(t, 1, s.Stats().Relationships)
	assert.Equal(t, 2, s.Stats().Entities)
	assert.Equal(t, 3, s.Stats().Transactions)
}

func TestMemoryStore_ReviewSurvivesReupsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	edge, err := lineage.NewInferredRelationship(lineage.AssetID("a"), lineage.AssetID("b"), lineage.RelReadsFrom, 0.7, "", lineage.InferenceOptions{}, testNow)
	require.NoError(t, err)
	require.NoError(t, s.UpsertRelationships(ctx, []lineage.Relationship{edge}))

	_, err = lineage.NewReviewer(s).Review(ctx, edge.ID, lineage.DecisionApprove, "ana", "checked")
	require.NoError(t, err)

	require.NoError(t, s.UpsertRelationships(ctx, []lineage.Relationship{edge}))
	got, err := s.Relationship(ctx, edge.ID)
	require.NoError(t, err)
	assert.Equal(t, lineage.StatusApproved, got.Status)
	assert.Equal(t, "ana", got.ReviewedBy)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)
}

func TestMemoryStore_ReupsertRefreshesEvidence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a, b := lineage.AssetID("a"), lineage.AssetID("b")
	edge, err := lineage.NewInferredRelationship(a, b, lineage.RelReadsFrom, 0.7, "JOIN b ON a.id = b.id", lineage.InferenceOptions{}, testNow)
	require.NoError(t, err)
	require.NoError(t, s.UpsertRelationships(ctx, []lineage.Relationship{edge}))
	_, err = lineage.NewReviewer(s).Review(ctx, edge.ID, lineage.DecisionApprove, "ana", "")
	require.NoError(t, err)

	edge.Evidence = "SELECT b.total FROM b"
	require.NoError(t, s.UpsertRelationships(ctx, []lineage.Relationship{edge}))
	got, err := s.Relationship(ctx, edge.ID)
	require.NoError(t, err)
	assert.Equal(t, "SELECT b.total FROM b", got.Evidence)
	assert.Equal(t, lineage.StatusApproved, got.Status)

	edge.Evidence = ""
	require.NoError(t, s.UpsertRelationships(ctx, []lineage.Relationship{edge}))
	got, err = s.Relationship(ctx, edge.ID)
	require.NoError(t, err)
	assert.Equal(t, "SELECT b.total FROM b", got.Evidence, "empty evidence keeps the last value")
}

func TestMemoryStore_RelationshipsFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a, b, c := lineage.AssetID("a"), lineage.AssetID("b"), lineage.AssetID("c")

	parsed := lineage.NewParsedRelationship(a, b, lineage.RelReadsFrom, "", testNow)
	inferred, err := lineage.NewInferredRelationship(a, c, lineage.RelReadsFrom, 0.6, "", lineage.InferenceOptions{}, testNow)
	require.NoError(t, err)
	rejected, err := lineage.NewInferredRelationship(b, c, lineage.RelReadsFrom, 0.6, "", lineage.InferenceOptions{}, testNow)
	require.NoError(t, err)
	require.NoError(t, s.UpsertRelationships(ctx, []lineage.Relationship{parsed, inferred, rejected}))
	_, err = lineage.NewReviewer(s).Review(ctx, rejected.ID, lineage.DecisionReject, "ana", "")
	require.NoError(t, err)

	all, err := s.Relationships(ctx, RelationshipQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "rejected edges are hidden by default")

	fromA, err := s.Relationships(ctx, RelationshipQuery{SourceID: a, Filter: lineage.ApprovedOnly()})
	require.NoError(t, err)
	require.Len(t, fromA, 1)
	assert.Equal(t, parsed.ID, fromA[0].ID)

	onlyRejected, err := s.Relationships(ctx, RelationshipQuery{Filter: lineage.Filter{Statuses: []lineage.Status{lineage.StatusRejected}}})
	require.NoError(t, err)
	require.Len(t, onlyRejected, 1)
	assert.Equal(t, rejected.ID, onlyRejected[0].ID)

	limited, err := s.Relationships(ctx, RelationshipQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Entity(ctx, "asset:none")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Relationship(ctx, "rel:none")
	assert.ErrorIs(t, err, ErrNotFound)
	err = s.UpdateRelationshipStatus(ctx, "rel:none", lineage.StatusUpdate{Status: lineage.StatusRejected})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RejectsNestedAttributes(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpsertEntities(context.Background(), []lineage.Entity{{
		ID: lineage.AssetID("x"), Kind: lineage.KindTable, Name: "x",
		Attributes: map[string]any{"nested": map[string]any{"a": 1}},
	}})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, 0, s.Stats().Entities, "a failed transaction writes nothing")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&StoreError{Transient: true, Err: errors.New("x")}))
	assert.False(t, IsTransient(&StoreError{Err: errors.New("x")}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}

func TestEdgeReader_Traverse(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a, b, c := lineage.AssetID("a"), lineage.AssetID("b"), lineage.AssetID("c")
	require.NoError(t, s.UpsertRelationships(ctx, []lineage.Relationship{
		lineage.NewParsedRelationship(a, b, lineage.RelReadsFrom, "", testNow),
		lineage.NewParsedRelationship(b, c, lineage.RelReadsFrom, "", testNow),
	}))

	hops, err := lineage.Traverse(ctx, EdgeReader(s, lineage.DefaultFilter()), a, lineage.Upstream, 0, lineage.DefaultFilter())
	require.NoError(t, err)
	assert.Len(t, hops, 2)
}
