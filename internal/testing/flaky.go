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
	"fmt"
	"sync"

	"github.com/kraklabs/lineage/pkg/graph"
	"github.com/kraklabs/lineage/pkg/lineage"
)

// ErrInjected is the cause of every failure FlakyStore injects.
var ErrInjected = errors.New("injected failure")

// Write is one recorded write attempt.
type Write struct {
	Kind   string // "entities" or "relationships"
	Size   int
	Failed bool
}

// FlakyStore wraps a graph.Store and injects failures into its writes.
//
// Example:
//
//	store := &testing.FlakyStore{Store: testing.NewMemoryStore(t), FailFirst: 2}
//	// the first two write transactions fail transiently, the third succeeds
type FlakyStore struct {
	graph.Store

	// FailFirst fails this many write transactions transiently.
	FailFirst int

	// Poison fails any batch containing one of these IDs with a data
	// error.
	Poison map[string]bool

	// PingErr is returned by Ping when set.
	PingErr error

	mu     sync.Mutex
	writes []Write
}

// Writes returns every write attempt so far.
func (f *FlakyStore) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.writes...)
}

// Failures counts failed write attempts.
func (f *FlakyStore) Failures() int {
	n := 0
	for _, w := range f.Writes() {
		if w.Failed {
			n++
		}
	}
	return n
}

func (f *FlakyStore) Ping(ctx context.Context) error {
	if f.PingErr != nil {
		return f.PingErr
	}
	return f.Store.Ping(ctx)
}

func (f *FlakyStore) UpsertEntities(ctx context.Context, entities []lineage.Entity) error {
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	if err := f.inject("entities", ids); err != nil {
		return err
	}
	return f.Store.UpsertEntities(ctx, entities)
}

func (f *FlakyStore) UpsertRelationships(ctx context.Context, rels []lineage.Relationship) error {
	ids := make([]string, 0, len(rels)*3)
	for _, r := range rels {
		ids = append(ids, r.ID, r.SourceID, r.TargetID)
	}
	if err := f.inject("relationships", ids); err != nil {
		return err
	}
	return f.Store.UpsertRelationships(ctx, rels)
}

func (f *FlakyStore) inject(kind string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	size := len(ids)
	if kind == "relationships" {
		size /= 3
	}
	w := Write{Kind: kind, Size: size}
	defer func() { f.writes = append(f.writes, w) }()

	if f.FailFirst > 0 {
		f.FailFirst--
		w.Failed = true
		return &graph.StoreError{Op: "upsert " + kind, Transient: true, Err: ErrInjected}
	}
	for _, id := range ids {
		if f.Poison[id] {
			w.Failed = true
			return &graph.StoreError{Op: "upsert " + kind, Err: fmt.Errorf("%w: poisoned %s", ErrInjected, id)}
		}
	}
	return nil
}
