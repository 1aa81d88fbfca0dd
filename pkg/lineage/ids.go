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

package lineage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// NormalizeName canonicalizes a possibly quoted, multi-part SQL identifier:
// brackets, backticks and double quotes are stripped, parts are trimmed and
// the result is lowercased. "[Sales].[dbo].[Orders]" becomes "sales.dbo.orders".
func NormalizeName(name string) string {
	parts := strings.Split(name, ".")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, "[]`\"")
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, strings.ToLower(p))
	}
	return strings.Join(out, ".")
}

// AssetID returns the identity of a table-like asset. Tables, views,
// materialized views and synonyms share one namespace because SQL references
// them by the same name.
func AssetID(name string) string {
	return "asset:" + NormalizeName(name)
}

// ColumnID returns the identity of a column of the asset with the given name.
func ColumnID(asset, column string) string {
	return "column:" + NormalizeName(asset) + "#" + NormalizeName(column)
}

// RoutineID returns the identity of a stored procedure or function.
func RoutineID(name string) string {
	return "routine:" + NormalizeName(name)
}

// TriggerID returns the identity of a trigger.
func TriggerID(name string) string {
	return "trigger:" + NormalizeName(name)
}

// CodeUnitID returns the identity of a code unit (module, class, function)
// declared in filePath. qualified is the dotted name within the file; an
// empty qualified name identifies the file's module unit.
func CodeUnitID(filePath, qualified string) string {
	p := normalizePath(filePath)
	if qualified == "" {
		return "unit:" + p
	}
	return "unit:" + p + "#" + qualified
}

// RelationshipID is a deterministic identity for an edge. The source tier is
// part of the identity so a parsed edge and an inferred edge between the same
// endpoints never overwrite each other.
func RelationshipID(sourceID string, kind RelationshipKind, targetID string, source Source) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", sourceID, kind, targetID, source)))
	return "rel:" + hex.EncodeToString(sum[:16])
}

// NameFromID strips the namespace prefix from an entity id.
func NameFromID(id string) string {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// normalizePath makes file paths stable across platforms: no leading "./"
// or "/", forward slashes, cleaned.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "./") {
		path = path[2:]
	}
	path = filepath.ToSlash(filepath.Clean(path))
	return strings.TrimPrefix(path, "/")
}
