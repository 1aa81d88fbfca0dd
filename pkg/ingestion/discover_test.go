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

package ingestion

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lt "github.com/kraklabs/lineage/internal/testing"
)

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	lt.WriteFile(t, dir, "views/a.sql", "SELECT 1;")
	lt.WriteFile(t, dir, "views/nested/b.SQL", "SELECT 1;")
	lt.WriteFile(t, dir, "app/repo.py", "x = 1")
	lt.WriteFile(t, dir, "README.md", "# docs")
	lt.WriteFile(t, dir, ".git/HEAD.sql", "ref")
	lt.WriteFile(t, dir, ".lineage/runs/x.py", "")
	lt.WriteFile(t, dir, "big.sql", strings.Repeat("-", 200))

	got, err := Discover([]string{dir}, DiscoverOptions{MaxFileSize: 100, Logger: lt.DiscardLogger()})
	require.NoError(t, err)

	var rel []string
	for _, f := range got.Files {
		r, err := filepath.Rel(dir, f)
		require.NoError(t, err)
		rel = append(rel, filepath.ToSlash(r))
	}
	assert.Equal(t, []string{"app/repo.py", "views/a.sql"}, rel, "globs are case sensitive")
	assert.Equal(t, 1, got.Skipped["too_large"])
	assert.Equal(t, 2, got.Skipped["excluded_dir"])
}

func TestDiscover_ExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	notes := lt.WriteFile(t, dir, "notes.txt", "hello")
	view := lt.WriteFile(t, dir, "v.sql", "SELECT 1;")

	got, err := Discover([]string{view, notes, view}, DiscoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{notes, view}, got.Files, "named files skip the globs and are deduplicated")

	_, err = Discover([]string{filepath.Join(dir, "missing")}, DiscoverOptions{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDiscoverOptions_Accept(t *testing.T) {
	opts := DiscoverOptions{Include: []string{"*.sql"}, Exclude: []string{"migrations/**"}}
	assert.True(t, opts.Accept("etl/load.sql"))
	assert.False(t, opts.Accept("migrations/001.sql"))
	assert.False(t, opts.Accept("etl/load.py"))
	assert.True(t, opts.SkipDir("migrations"))
	assert.False(t, opts.SkipDir("."))
}
