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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Default discovery globs.
var (
	DefaultInclude = []string{"*.sql", "*.py"}
	DefaultExclude = []string{".git/**", "node_modules/**", ".lineage/**", "__pycache__/**", ".venv/**"}
)

// DefaultMaxFileSize skips files larger than 2 MiB.
const DefaultMaxFileSize int64 = 2 << 20

// DiscoverOptions filters the files found under a directory.
type DiscoverOptions struct {
	Include     []string
	Exclude     []string
	MaxFileSize int64
	Logger      *slog.Logger
}

func (o DiscoverOptions) withDefaults() DiscoverOptions {
	if len(o.Include) == 0 {
		o.Include = DefaultInclude
	}
	if o.Exclude == nil {
		o.Exclude = DefaultExclude
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Accept reports whether rel, a slash or OS path relative to the walk root,
// is an ingestible file name.
func (o DiscoverOptions) Accept(rel string) bool {
	o = o.withDefaults()
	rel = filepath.ToSlash(rel)
	if excluded(rel, o.Exclude) {
		return false
	}
	return slices.ContainsFunc(o.Include, func(p string) bool { return matchesGlob(rel, p) })
}

// SkipDir reports whether a directory is excluded from walking.
func (o DiscoverOptions) SkipDir(rel string) bool {
	o = o.withDefaults()
	return rel != "." && excluded(filepath.ToSlash(rel), o.Exclude)
}

// Discovered is the result of Discover.
type Discovered struct {
	Files   []string
	Skipped map[string]int
}

// Discover expands paths into the files to ingest. Directories are walked
// recursively and filtered by the include and exclude globs; files named
// explicitly are always returned. The result is sorted and deduplicated.
func Discover(paths []string, opts DiscoverOptions) (Discovered, error) {
	opts = opts.withDefaults()
	out := Discovered{Skipped: map[string]int{}}
	seen := map[string]bool{}
	add := func(p string) {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			out.Files = append(out.Files, p)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return out, fmt.Errorf("discover %s: %w", root, err)
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		if err := walkRoot(root, opts, &out, add); err != nil {
			return out, err
		}
	}
	slices.Sort(out.Files)
	return out, nil
}

func walkRoot(root string, opts DiscoverOptions, out *Discovered, add func(string)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				opts.Logger.Warn("discover.walk.error", "path", path, "err", err)
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if opts.SkipDir(rel) {
				out.Skipped["excluded_dir"]++
				return filepath.SkipDir
			}
			return nil
		}
		if !opts.Accept(rel) {
			out.Skipped["excluded"]++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if opts.MaxFileSize > 0 && info.Size() > opts.MaxFileSize {
			out.Skipped["too_large"]++
			opts.Logger.Warn("discover.skip.large_file",
				"path", rel,
				"size", info.Size(),
				"limit", opts.MaxFileSize,
			)
			return nil
		}
		add(path)
		return nil
	})
}

func excluded(path string, globs []string) bool {
	normalized := filepath.ToSlash(path)
	for _, pattern := range globs {
		if matchesGlob(normalized, pattern) {
			return true
		}
	}
	return false
}

// matchesGlob matches a slash-separated relative path against a gitignore
// style pattern. Patterns without a leading anchor match at any depth.
func matchesGlob(path, pattern string) bool {
	pattern = filepath.ToSlash(pattern)

	// dir/** matches the directory and everything below it, at any depth.
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		parts := strings.Split(path, "/")
		for i := range parts {
			sub := strings.Join(parts[i:], "/")
			if sub == prefix || strings.HasPrefix(sub, prefix+"/") {
				return true
			}
		}
	}

	// *.ext
	if strings.HasPrefix(pattern, "*.") && !strings.Contains(pattern, "/") &&
		!strings.ContainsAny(pattern[1:], "*?[") {
		return strings.HasSuffix(path, pattern[1:])
	}

	if suffix, ok := strings.CutPrefix(pattern, "**/"); ok {
		if path == suffix || strings.HasSuffix(path, "/"+suffix) {
			return true
		}
		return matchAnySuffix(path, suffix)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		return path == pattern || strings.HasSuffix(path, "/"+pattern) || strings.HasPrefix(path, pattern+"/")
	}
	return matchAnySuffix(path, pattern)
}

// matchAnySuffix tries pattern against path and every trailing run of its
// components.
func matchAnySuffix(path, pattern string) bool {
	parts := strings.Split(path, "/")
	for i := range parts {
		if matchGlobPattern(strings.Join(parts[i:], "/"), pattern) {
			return true
		}
	}
	return false
}

// matchGlobPattern matches the whole of path against pattern, supporting
// *, **, ? and character classes.
func matchGlobPattern(path, pattern string) bool {
	return matchGlobAt(path, pattern, 0, 0)
}

func matchGlobAt(path, pattern string, pi, pti int) bool {
	for pi < len(path) || pti < len(pattern) {
		if pti >= len(pattern) {
			return false
		}

		switch {
		case strings.HasPrefix(pattern[pti:], "**"):
			next := pti + 2
			if next < len(pattern) && pattern[next] == '/' {
				next++
			}
			if next >= len(pattern) {
				return true
			}
			for i := pi; i <= len(path); i++ {
				if matchGlobAt(path, pattern, i, next) {
					return true
				}
			}
			return false

		case pattern[pti] == '*':
			// * never crosses a separator.
			for i := pi; i <= len(path); i++ {
				if i > pi && path[i-1] == '/' {
					break
				}
				if matchGlobAt(path, pattern, i, pti+1) {
					return true
				}
			}
			return false

		case pattern[pti] == '?':
			if pi >= len(path) || path[pi] == '/' {
				return false
			}
			pi++
			pti++

		case pattern[pti] == '[':
			if pi >= len(path) {
				return false
			}
			end := classEnd(pattern, pti)
			if end < 0 {
				// Unterminated class: literal '['.
				if path[pi] != '[' {
					return false
				}
				pi++
				pti++
				continue
			}
			if !matchCharClass(path[pi], pattern[pti+1:end]) {
				return false
			}
			pi++
			pti = end + 1

		default:
			if pi >= len(path) || path[pi] != pattern[pti] {
				return false
			}
			pi++
			pti++
		}
	}
	return true
}

// classEnd returns the index of the ']' closing the class opened at start,
// or -1.
func classEnd(pattern string, start int) int {
	i := start + 1
	if i < len(pattern) && (pattern[i] == '!' || pattern[i] == '^') {
		i++
	}
	if i < len(pattern) && pattern[i] == ']' {
		i++
	}
	for i < len(pattern) && pattern[i] != ']' {
		i++
	}
	if i >= len(pattern) {
		return -1
	}
	return i
}

// matchCharClass matches c against the body of a [...] class: [abc], [a-z],
// [!abc] or [^abc].
func matchCharClass(c byte, class string) bool {
	if class == "" {
		return false
	}
	negated := class[0] == '!' || class[0] == '^'
	if negated {
		class = class[1:]
	}
	matched := false
	for i := 0; i < len(class); {
		if i+2 < len(class) && class[i+1] == '-' {
			if c >= class[i] && c <= class[i+2] {
				matched = true
			}
			i += 3
			continue
		}
		if c == class[i] {
			matched = true
		}
		i++
	}
	return matched != negated
}
