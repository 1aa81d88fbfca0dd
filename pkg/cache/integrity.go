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
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// IntegrityReport summarizes a VerifyIntegrity pass.
type IntegrityReport struct {
	Sampled int `json:"sampled"`

	// Corrupt entries cannot be decoded, carry the wrong schema version or
	// fail their payload checksum.
	Corrupt int `json:"corrupt"`

	// Stale entries reference a file whose current content hashes to a
	// different key. The entry itself is still valid for its own hash.
	Stale int `json:"stale"`

	// MissingFiles counts sampled entries whose file is gone.
	MissingFiles int `json:"missing_files"`

	Mismatches []string `json:"mismatches,omitempty"`
}

// Healthy reports whether the sample found no corruption.
func (r IntegrityReport) Healthy() bool {
	return r.Corrupt == 0
}

// VerifyIntegrity samples up to n random entries and checks them. For each
// sampled entry whose file is still on disk, the file is re-hashed and
// compared with the entry key.
func (c *ContentCache) VerifyIntegrity(ctx context.Context, n int) (IntegrityReport, error) {
	var report IntegrityReport
	if c.closed.Load() {
		return report, ErrClosed
	}
	if n <= 0 {
		return report, nil
	}

	keys, err := c.sampleKeys(n)
	if err != nil {
		return report, err
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Sampled++

		h, err := ParseHash(string(bytes.TrimPrefix(key, prefixEntry)))
		if err != nil {
			report.Corrupt++
			report.Mismatches = append(report.Mismatches, string(key))
			continue
		}
		entry, err := c.load(h)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				report.Sampled--
				continue
			}
			report.Corrupt++
			report.Mismatches = append(report.Mismatches, h.String())
			continue
		}
		if entry.SchemaVersion != c.cfg.SchemaVersion || checksum(entry.Payload) != entry.Checksum {
			report.Corrupt++
			report.Mismatches = append(report.Mismatches, h.String())
			continue
		}
		if entry.Path == "" {
			continue
		}
		content, err := os.ReadFile(entry.Path)
		if err != nil {
			report.MissingFiles++
			continue
		}
		if HashContent(content) != h {
			report.Stale++
		}
	}

	c.logger.Info("cache.verify",
		"sampled", report.Sampled,
		"corrupt", report.Corrupt,
		"stale", report.Stale,
		"missing_files", report.MissingFiles,
	)
	return report, nil
}

// sampleKeys reservoir-samples n entry keys.
func (c *ContentCache) sampleKeys(n int) ([][]byte, error) {
	var sample [][]byte
	seen := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixEntry
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			seen++
			if len(sample) < n {
				sample = append(sample, it.Item().KeyCopy(nil))
				continue
			}
			if j := rand.IntN(seen); j < n {
				sample[j] = it.Item().KeyCopy(nil)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sample cache entries: %w", err)
	}
	return sample, nil
}
