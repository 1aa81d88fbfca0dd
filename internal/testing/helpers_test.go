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

package testing

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/lineage/pkg/graph"
	"github.com/kraklabs/lineage/pkg/lineage"
)

func table(name string) lineage.Entity {
	return lineage.Entity{
		ID:         lineage.AssetID(name),
		Kind:       lineage.KindTable,
		Name:       name,
		Attributes: map[string]any{lineage.AttrDefined: true},
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := WriteFile(t, dir, "etl/nested/load.sql", "SELECT 1;")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1;", string(data))
}

func TestFlakyStore_FailFirst(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore(t)
	store := &FlakyStore{Store: inner, FailFirst: 2}

	for i := 0; i < 2; i++ {
		err := store.UpsertEntities(ctx, []lineage.Entity{table("a")})
		require.Error(t, err)
		assert.True(t, graph.IsTransient(err))
		assert.ErrorIs(t, err, ErrInjected)
	}
	require.NoError(t, store.UpsertEntities(ctx, []lineage.Entity{table("a")}))

	assert.Equal(t, 2, store.Failures())
	assert.Len(t, store.Writes(), 3)
	assert.Equal(t, 1, inner.Stats().Entities)
}

func TestFlakyStore_Poison(t *testing.T) {
	ctx := context.Background()
	store := &FlakyStore{
		Store:  NewMemoryStore(t),
		Poison: map[string]bool{lineage.AssetID("bad"): true},
	}

	err := store.UpsertEntities(ctx, []lineage.Entity{table("good"), table("bad")})
	require.Error(t, err)
	assert.False(t, graph.IsTransient(err))

	require.NoError(t, store.UpsertEntities(ctx, []lineage.Entity{table("good")}))

	rel := lineage.NewParsedRelationship(lineage.AssetID("good"), lineage.AssetID("bad"), lineage.RelReadsFrom, "", time.Now())
	err = store.UpsertRelationships(ctx, []lineage.Relationship{rel})
	require.Error(t, err)
	assert.Equal(t, Write{Kind: "relationships", Size: 1, Failed: true}, store.Writes()[2])
}

func TestFlakyStore_Ping(t *testing.T) {
	down := errors.New("connection refused")
	store := &FlakyStore{Store: NewMemoryStore(t), PingErr: down}
	assert.ErrorIs(t, store.Ping(context.Background()), down)
}

func TestNewRegistry_Isolated(t *testing.T) {
	m1, reg1 := NewRegistry()
	m2, _ := NewRegistry()
	m1.CacheHit()
	m2.CacheHit()

	families, err := reg1.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
