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

package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances one millisecond per call so recency is strictly ordered.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestCache(t *testing.T, cfg Config) (*ContentCache, *fakeClock) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.InMemory = true
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = 1
	}
	c, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	clock := newFakeClock()
	c.now = clock.Now
	return c, clock
}

func TestContentCache_PutGet(t *testing.T) {
	c, _ := openTestCache(t, Config{})
	h := HashContent([]byte("CREATE VIEW v AS SELECT * FROM t"))

	_, ok := c.Get(h)
	assert.False(t, ok)

	require.NoError(t, c.Put(h, "a.sql", []byte(`{"views":["v"]}`)))
	got, ok := c.Get(h)
	require.True(t, ok)
	assert.Equal(t, `{"views":["v"]}`, string(got))

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, int64(1), s.Entries)
	assert.InDelta(t, 0.5, s.HitRate(), 1e-9)
}

func TestContentCache_IdenticalContentSharesEntry(t *testing.T) {
	c, _ := openTestCache(t, Config{})
	content := []byte("SELECT 1")

	require.NoError(t, c.Put(HashContent(content), "one/a.sql", []byte("payload")))
	got, ok := c.Get(HashContent(append([]byte{}, content...)))
	require.True(t, ok)
	assert.Equal(t, "payload", string(got))

	assert.NotEqual(t, HashContent([]byte("SELECT 1")), HashContent([]byte("SELECT  1")), "whitespace is significant")
}

func TestContentCache_PutIsIdempotent(t *testing.T) {
	c, _ := openTestCache(t, Config{})
	h := HashContent([]byte("x"))

	require.NoError(t, c.Put(h, "x.sql", []byte("p")))
	require.NoError(t, c.Put(h, "x.sql", []byte("p")))
	assert.Equal(t, int64(1), c.Stats().Entries)

	require.NoError(t, c.Put(h, "x.sql", []byte("q")))
	got, ok := c.Get(h)
	require.True(t, ok)
	assert.Equal(t, "q", string(got))
	assert.Equal(t, int64(1), c.Stats().Entries)
}

func TestContentCache_EvictsLeastRecentlyAccessed(t *testing.T) {
	c, _ := openTestCache(t, Config{MaxEntries: 3})
	ha, hb, hc, hd := HashContent([]byte("a")), HashContent([]byte("b")), HashContent([]byte("c")), HashContent([]byte("d"))

	require.NoError(t, c.Put(ha, "", []byte("a")))
	require.NoError(t, c.Put(hb, "", []byte("b")))
	require.NoError(t, c.Put(hc, "", []byte("c")))

	_, ok := c.Get(ha)
	require.True(t, ok)

	require.NoError(t, c.Put(hd, "", []byte("d")))
	assert.Equal(t, int64(3), c.Stats().Entries)

	_, ok = c.Get(hb)
	assert.False(t, ok, "b was least recently accessed")
	for _, h := range []Hash{ha, hc, hd} {
		_, ok := c.Get(h)
		assert.True(t, ok)
	}
}

func TestContentCache_TTL(t *testing.T) {
	c, clock := openTestCache(t, Config{TTL: time.Hour})
	old, fresh := HashContent([]byte("old")), HashContent([]byte("fresh"))

	require.NoError(t, c.Put(old, "", []byte("1")))
	clock.Advance(2 * time.Hour)
	require.NoError(t, c.Put(fresh, "", []byte("2")))

	removed, err := c.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(1), c.Stats().Entries)

	_, ok := c.Get(fresh)
	assert.True(t, ok)

	clock.Advance(2 * time.Hour)
	_, ok = c.Get(fresh)
	assert.False(t, ok, "expired entries miss on lookup even before a sweep")
	assert.Equal(t, int64(0), c.Stats().Entries)
}

func TestContentCache_BackgroundSweep(t *testing.T) {
	c, err := Open(Config{
		Dir:           t.TempDir(),
		SchemaVersion: 1,
		TTL:           time.Millisecond,
		GCInterval:    20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Put(HashContent([]byte("gone")), "", []byte("gone")))
	assert.Eventually(t, func() bool {
		return c.Stats().Entries == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestContentCache_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	h := HashContent([]byte("persist me"))

	c, err := Open(Config{Dir: dir, SchemaVersion: 1, GCInterval: -1})
	require.NoError(t, err)
	require.NoError(t, c.Put(h, "", []byte("payload")))
	require.NoError(t, c.Close())

	c, err = Open(Config{Dir: dir, SchemaVersion: 1, GCInterval: -1})
	require.NoError(t, err)
	got, ok := c.Get(h)
	assert.True(t, ok)
	assert.Equal(t, "payload", string(got))
	assert.Equal(t, int64(1), c.Stats().Entries)
	require.NoError(t, c.Close())
}

func TestContentCache_SchemaVersionInvalidates(t *testing.T) {
	dir := t.TempDir()
	h := HashContent([]byte("v1 output"))

	c, err := Open(Config{Dir: dir, SchemaVersion: 1, GCInterval: -1})
	require.NoError(t, err)
	require.NoError(t, c.Put(h, "", []byte("old format")))
	require.NoError(t, c.Close())

	c, err = Open(Config{Dir: dir, SchemaVersion: 2, GCInterval: -1})
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get(h)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Stats().Entries)
}

func TestContentCache_Clear(t *testing.T) {
	c, _ := openTestCache(t, Config{})
	h := HashContent([]byte("x"))
	require.NoError(t, c.Put(h, "", []byte("p")))

	require.NoError(t, c.Clear())
	_, ok := c.Get(h)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Stats().Entries)
}

func TestContentCache_VerifyIntegrity(t *testing.T) {
	c, _ := openTestCache(t, Config{})
	dir := t.TempDir()

	unchanged := filepath.Join(dir, "unchanged.sql")
	edited := filepath.Join(dir, "edited.sql")
	gone := filepath.Join(dir, "gone.sql")
	for _, p := range []string{unchanged, edited, gone} {
		require.NoError(t, os.WriteFile(p, []byte("-- "+p), 0o644))
	}
	for _, p := range []string{unchanged, edited, gone} {
		content, err := os.ReadFile(p)
		require.NoError(t, err)
		require.NoError(t, c.Put(HashContent(content), p, []byte("parsed")))
	}
	require.NoError(t, os.WriteFile(edited, []byte("-- edited"), 0o644))
	require.NoError(t, os.Remove(gone))

	report, err := c.VerifyIntegrity(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sampled)
	assert.Equal(t, 1, report.Stale)
	assert.Equal(t, 1, report.MissingFiles)
	assert.True(t, report.Healthy())

	bad := HashContent([]byte("corrupted"))
	require.NoError(t, c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(bad), []byte("{not json"))
	}))
	report, err = c.VerifyIntegrity(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Corrupt)
	assert.False(t, report.Healthy())

	_, ok := c.Get(bad)
	assert.False(t, ok, "corrupt entries degrade to a miss")
}

func TestContentCache_ConcurrentPutsSameKey(t *testing.T) {
	c, _ := openTestCache(t, Config{})
	h := HashContent([]byte("shared"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Put(h, "shared.sql", []byte("same payload"))
			c.Get(h)
		}()
	}
	wg.Wait()

	got, ok := c.Get(h)
	require.True(t, ok)
	assert.Equal(t, "same payload", string(got))
}

func countAccessKeys(t *testing.T, c *ContentCache) int {
	t.Helper()
	n := 0
	require.NoError(t, c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixAccess
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	}))
	return n
}

func TestContentCache_ConcurrentGetsKeepOneAccessKey(t *testing.T) {
	c, _ := openTestCache(t, Config{MaxEntries: 3})
	cold, hot := HashContent([]byte("cold")), HashContent([]byte("hot"))
	require.NoError(t, c.Put(cold, "cold.sql", []byte("cold")))
	require.NoError(t, c.Put(hot, "hot.sql", []byte("hot")))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c.Get(hot)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, countAccessKeys(t, c))
	assert.Equal(t, int64(2), c.Stats().Entries)

	require.NoError(t, c.Put(HashContent([]byte("x")), "", []byte("x")))
	require.NoError(t, c.Put(HashContent([]byte("y")), "", []byte("y")))

	_, ok := c.Get(hot)
	assert.True(t, ok, "the most recently read entry survives eviction")
	_, ok = c.Get(cold)
	assert.False(t, ok)
	assert.Equal(t, int64(3), c.Stats().Entries)
	assert.Equal(t, 3, countAccessKeys(t, c))
}

func TestContentCache_SweepSkipsRefreshedEntry(t *testing.T) {
	c, clock := openTestCache(t, Config{TTL: time.Hour})
	h := HashContent([]byte("same"))
	require.NoError(t, c.Put(h, "", []byte("v1")))
	clock.Advance(2 * time.Hour)
	require.NoError(t, c.Put(h, "", []byte("v2")))

	removed, err := c.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, 1, countAccessKeys(t, c))
}

func TestContentCache_ClosedDegrades(t *testing.T) {
	c, _ := openTestCache(t, Config{})
	require.NoError(t, c.Close())

	_, ok := c.Get(HashContent([]byte("x")))
	assert.False(t, ok)
	assert.ErrorIs(t, c.Put(HashContent([]byte("x")), "", nil), ErrClosed)
}

func TestParseHash(t *testing.T) {
	h := HashContent([]byte("abc"))
	back, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, back)

	_, err = ParseHash("zz")
	assert.Error(t, err)
}
