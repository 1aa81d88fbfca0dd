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

// Package cache implements the content-addressed parse cache.
//
// Entries are keyed by the SHA-256 of a file's raw bytes, so two files with
// identical content share one entry regardless of path. The cache is backed
// by an embedded badger store and survives restarts. Storage errors never
// fail the caller: Get degrades to a miss and Put failures are logged.
//
// Key layout:
//
//	m/schema_version           parser output format version
//	e/<hex hash>               JSON Entry
//	a/<unix nanos>/<hex hash>  access index, oldest first
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kraklabs/lineage/pkg/metrics"
)

// Defaults for Config.
const (
	DefaultMaxEntries = 10_000
	DefaultTTL        = 30 * 24 * time.Hour
	DefaultGCInterval = 10 * time.Minute
)

var (
	prefixEntry  = []byte("e/")
	prefixAccess = []byte("a/")
	keySchema    = []byte("m/schema_version")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache: closed")
)

// Hash is the content digest used as cache key.
type Hash [sha256.Size]byte

// HashContent digests raw file bytes. No normalization is applied: content
// that differs only in whitespace hashes differently.
func HashContent(content []byte) Hash {
	return sha256.Sum256(content)
}

// String returns the hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes the hex form produced by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("cache: invalid hash %q", s)
	}
	copy(h[:], b)
	return h, nil
}

// Config configures a ContentCache.
type Config struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool

	// SchemaVersion is the version of the payload format. Opening a cache
	// written with a different version discards every entry.
	SchemaVersion int

	// MaxEntries is the eviction ceiling (default 10,000).
	MaxEntries int

	// TTL bounds entry age (default 30 days).
	TTL time.Duration

	SyncWrites bool

	// GCInterval controls value-log GC. Zero uses DefaultGCInterval,
	// negative disables it.
	GCInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Entry is one cached parse result.
type Entry struct {
	SchemaVersion int       `json:"schema_version"`
	Payload       []byte    `json:"payload"`
	Checksum      string    `json:"checksum"`
	Path          string    `json:"path,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccessed  time.Time `json:"last_accessed"`
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Entries   int64  `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
}

// HitRate returns hits / (hits + misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// ContentCache is a persistent, content-addressed cache of parse results.
// It is safe for concurrent use.
type ContentCache struct {
	db      *badger.DB
	gc      *gcRunner
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	hits    atomic.Uint64
	misses  atomic.Uint64
	entries atomic.Int64

	evictMu sync.Mutex
	closed  atomic.Bool
}

// Open opens (or creates) the cache and reconciles its schema version.
func Open(cfg Config) (*ContentCache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.GCInterval == 0 {
		cfg.GCInterval = DefaultGCInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openBadger(cfg, logger)
	if err != nil {
		return nil, err
	}

	c := &ContentCache{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
	if err := c.reconcileSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	n, err := c.countEntries()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.entries.Store(n)

	if cfg.GCInterval > 0 && !cfg.InMemory {
		c.gc = startGC(db, cfg.GCInterval, 0.5, c.backgroundSweep, logger)
	}

	logger.Info("cache.open", "dir", cfg.Dir, "in_memory", cfg.InMemory, "entries", n, "schema_version", cfg.SchemaVersion)
	return c, nil
}

func (c *ContentCache) reconcileSchema() error {
	want := []byte(strconv.Itoa(c.cfg.SchemaVersion))

	var stored []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keySchema)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		stored, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("read cache schema version: %w", err)
	}
	if bytes.Equal(stored, want) {
		return nil
	}

	if stored != nil {
		c.logger.Info("cache.schema.invalidated", "stored", string(stored), "current", string(want))
	}
	if err := c.db.DropPrefix(prefixEntry, prefixAccess); err != nil {
		return fmt.Errorf("drop stale cache entries: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keySchema, want)
	})
}

func (c *ContentCache) countEntries() (int64, error) {
	var n int64
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixEntry
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

func entryKey(h Hash) []byte {
	return append(append([]byte{}, prefixEntry...), h.String()...)
}

func accessKey(t time.Time, h Hash) []byte {
	return []byte(fmt.Sprintf("a/%020d/%s", t.UnixNano(), h.String()))
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

// Get returns the cached payload for h. A hit refreshes the entry's recency.
// Expired, corrupt or unreadable entries are reported as misses.
func (c *ContentCache) Get(h Hash) ([]byte, bool) {
	if c.closed.Load() {
		c.miss()
		return nil, false
	}

	entry, err := c.load(h)
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.metrics.CacheError()
			c.logger.Warn("cache.get.error", "hash", h.String(), "err", err)
		}
		c.miss()
		return nil, false
	}

	now := c.now()
	switch {
	case entry.SchemaVersion != c.cfg.SchemaVersion, checksum(entry.Payload) != entry.Checksum:
		c.logger.Warn("cache.get.corrupt", "hash", h.String())
		c.remove(h, sameEntry(entry))
		c.miss()
		return nil, false
	case now.Sub(entry.CreatedAt) > c.cfg.TTL:
		if c.remove(h, sameEntry(entry)) {
			c.metrics.CacheEvicted(1)
		}
		c.miss()
		return nil, false
	}

	if err := c.touch(h, now); err != nil {
		c.logger.Debug("cache.touch.error", "hash", h.String(), "err", err)
	}
	c.hits.Add(1)
	c.metrics.CacheHit()
	return entry.Payload, true
}

func (c *ContentCache) miss() {
	c.misses.Add(1)
	c.metrics.CacheMiss()
}

func (c *ContentCache) load(h Hash) (*Entry, error) {
	var entry *Entry
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = readEntry(txn, h)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func readEntry(txn *badger.Txn, h Hash) (*Entry, error) {
	item, err := txn.Get(entryKey(h))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	}); err != nil {
		return nil, err
	}
	return &entry, nil
}

// touch moves the entry to the head of the access index. The index key to
// drop is read inside the transaction so that a conflicting touch, which
// re-runs the closure, never leaves the winner's key behind.
func (c *ContentCache) touch(h Hash, now time.Time) error {
	return c.update(func(txn *badger.Txn) error {
		cur, err := readEntry(txn, h)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if err := txn.Delete(accessKey(cur.LastAccessed, h)); err != nil {
			return err
		}
		cur.LastAccessed = now
		return c.setEntry(txn, h, cur)
	})
}

func (c *ContentCache) setEntry(txn *badger.Txn, h Hash, entry *Entry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := txn.Set(entryKey(h), val); err != nil {
		return err
	}
	return txn.Set(accessKey(entry.LastAccessed, h), nil)
}

// remove deletes the entry under h if it still satisfies match when read in
// the removing transaction.
func (c *ContentCache) remove(h Hash, match func(cur *Entry) bool) bool {
	var removed bool
	err := c.update(func(txn *badger.Txn) error {
		removed = false
		cur, err := readEntry(txn, h)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if !match(cur) {
			return nil
		}
		if err := txn.Delete(entryKey(h)); err != nil {
			return err
		}
		removed = true
		return txn.Delete(accessKey(cur.LastAccessed, h))
	})
	if err != nil {
		c.logger.Warn("cache.remove.error", "hash", h.String(), "err", err)
		return false
	}
	if removed {
		c.entries.Add(-1)
	}
	return removed
}

func sameEntry(e *Entry) func(cur *Entry) bool {
	return func(cur *Entry) bool {
		return cur.Checksum == e.Checksum && cur.CreatedAt.Equal(e.CreatedAt)
	}
}

// update runs fn in a read-write transaction, retrying on write conflicts.
// Concurrent writers of the same key race to last-writer-wins, which is safe
// because equal keys always carry equal payloads.
func (c *ContentCache) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = c.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Put stores payload under h. Storing an identical payload again only
// refreshes recency. Put may evict the least recently accessed entries when
// the cache exceeds MaxEntries.
func (c *ContentCache) Put(h Hash, path string, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	now := c.now()
	var created bool
	err := c.update(func(txn *badger.Txn) error {
		created = false
		entry := &Entry{
			SchemaVersion: c.cfg.SchemaVersion,
			Payload:       payload,
			Checksum:      checksum(payload),
			Path:          path,
			CreatedAt:     now,
			LastAccessed:  now,
		}

		item, err := txn.Get(entryKey(h))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			created = true
		case err != nil:
			return err
		default:
			var prev Entry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err == nil {
				if err := txn.Delete(accessKey(prev.LastAccessed, h)); err != nil {
					return err
				}
				if bytes.Equal(prev.Payload, payload) {
					entry.CreatedAt = prev.CreatedAt
				}
			}
		}
		return c.setEntry(txn, h, entry)
	})
	if err != nil {
		c.metrics.CacheError()
		c.logger.Warn("cache.put.error", "hash", h.String(), "err", err)
		return fmt.Errorf("cache put %s: %w", h.String(), err)
	}

	if created {
		if n := c.entries.Add(1); n > int64(c.cfg.MaxEntries) {
			c.evict(int(n - int64(c.cfg.MaxEntries)))
		}
	}
	return nil
}

// evict removes up to n least recently accessed entries.
func (c *ContentCache) evict(n int) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	// Another Put may have already evicted while we waited.
	if over := int(c.entries.Load()) - c.cfg.MaxEntries; over < n {
		n = over
	}
	if n <= 0 {
		return
	}

	var oldest [][]byte
	_ = c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixAccess
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(oldest) < n; it.Next() {
			oldest = append(oldest, it.Item().KeyCopy(nil))
		}
		return nil
	})

	evicted := 0
	for _, ak := range oldest {
		h, ok := hashFromAccessKey(ak)
		if !ok {
			continue
		}
		var removed bool
		err := c.update(func(txn *badger.Txn) error {
			removed = false
			// The entry may have been touched since the scan; its index
			// key then no longer exists and the entry is not the oldest.
			if _, err := txn.Get(ak); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil
				}
				return err
			}
			if err := txn.Delete(ak); err != nil {
				return err
			}
			removed = true
			return txn.Delete(entryKey(h))
		})
		if err != nil {
			c.logger.Warn("cache.evict.error", "hash", h.String(), "err", err)
			continue
		}
		if removed {
			evicted++
			c.entries.Add(-1)
		}
	}

	c.metrics.CacheEvicted(evicted)
	c.logger.Debug("cache.evict", "requested", n, "evicted", evicted)
}

func hashFromAccessKey(k []byte) (Hash, bool) {
	i := bytes.LastIndexByte(k, '/')
	if i < 0 {
		return Hash{}, false
	}
	h, err := ParseHash(string(k[i+1:]))
	return h, err == nil
}

// Sweep removes entries older than the TTL and returns how many it removed.
func (c *ContentCache) Sweep() (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	cutoff := c.now().Add(-c.cfg.TTL)
	var stale []Hash

	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixEntry
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			h, err := ParseHash(string(bytes.TrimPrefix(item.Key(), prefixEntry)))
			if err != nil {
				continue
			}
			var e Entry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				continue
			}
			if e.CreatedAt.Before(cutoff) {
				stale = append(stale, h)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan cache for expired entries: %w", err)
	}

	expired := func(cur *Entry) bool { return cur.CreatedAt.Before(cutoff) }
	removed := 0
	for _, h := range stale {
		if c.remove(h, expired) {
			removed++
		}
	}
	c.metrics.CacheEvicted(removed)
	if removed > 0 {
		c.logger.Info("cache.sweep", "removed", removed)
	}
	return removed, nil
}

func (c *ContentCache) backgroundSweep() {
	if _, err := c.Sweep(); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("cache.sweep.error", "err", err)
	}
}

// Stats reports hit/miss counters, entry count and on-disk size.
func (c *ContentCache) Stats() Stats {
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.entries.Load(),
	}
	if !c.closed.Load() {
		lsm, vlog := c.db.Size()
		s.SizeBytes = lsm + vlog
	}
	return s
}

// Clear removes every entry. The schema version is kept.
func (c *ContentCache) Clear() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.db.DropPrefix(prefixEntry, prefixAccess); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	c.entries.Store(0)
	c.logger.Info("cache.clear")
	return nil
}

// Close stops background GC and closes the store.
func (c *ContentCache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.gc != nil {
		c.gc.stop()
	}
	return c.db.Close()
}
