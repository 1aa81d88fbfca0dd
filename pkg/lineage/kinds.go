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
	"sort"
	"strings"
	"sync"
)

// EntityKind is the closed set of node types in the lineage graph.
type EntityKind string

const (
	KindTable            EntityKind = "Table"
	KindView             EntityKind = "View"
	KindMaterializedView EntityKind = "MaterializedView"
	KindColumn           EntityKind = "Column"
	KindProcedure        EntityKind = "Procedure"
	KindFunction         EntityKind = "Function"
	KindTrigger          EntityKind = "Trigger"
	KindSynonym          EntityKind = "Synonym"
	KindCodeUnit         EntityKind = "CodeUnit"
)

// EntityKinds lists every valid EntityKind in a stable order.
var EntityKinds = []EntityKind{
	KindTable, KindView, KindMaterializedView, KindColumn, KindProcedure,
	KindFunction, KindTrigger, KindSynonym, KindCodeUnit,
}

// Valid reports whether k is a member of the closed entity kind set.
func (k EntityKind) Valid() bool {
	for _, known := range EntityKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsDataAsset reports whether entities of this kind hold rows that other
// assets can read from.
func (k EntityKind) IsDataAsset() bool {
	switch k {
	case KindTable, KindView, KindMaterializedView, KindSynonym:
		return true
	}
	return false
}

// RelationshipKind is the closed set of edge types in the lineage graph.
type RelationshipKind string

const (
	RelReadsFrom  RelationshipKind = "READS_FROM"
	RelWritesTo   RelationshipKind = "WRITES_TO"
	RelDerives    RelationshipKind = "DERIVES"
	RelCalls      RelationshipKind = "CALLS"
	RelAttachedTo RelationshipKind = "ATTACHED_TO"
	RelAliasOf    RelationshipKind = "ALIAS_OF"
	RelDependsOn  RelationshipKind = "DEPENDS_ON"
	RelContains   RelationshipKind = "CONTAINS"
)

// RelationshipKinds lists every valid RelationshipKind in a stable order.
var RelationshipKinds = []RelationshipKind{
	RelReadsFrom, RelWritesTo, RelDerives, RelCalls,
	RelAttachedTo, RelAliasOf, RelDependsOn, RelContains,
}

// Valid reports whether k is a member of the closed relationship kind set.
func (k RelationshipKind) Valid() bool {
	for _, known := range RelationshipKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseRelationshipKind maps a case-insensitive name onto a RelationshipKind.
// "DERIVES_FROM" is accepted as an alias of DERIVES.
func ParseRelationshipKind(s string) (RelationshipKind, bool) {
	up := strings.ToUpper(strings.TrimSpace(s))
	if up == "DERIVES_FROM" {
		return RelDerives, true
	}
	k := RelationshipKind(up)
	return k, k.Valid()
}

// Code-unit kinds are the one open set in the model: every language front
// end registers the units it emits (python.module, python.class, ...).
var codeUnitKinds = struct {
	sync.RWMutex
	names map[string]struct{}
}{names: make(map[string]struct{})}

// RegisterCodeUnitKind adds name to the code-unit registry. Registering the
// same name twice is a no-op.
func RegisterCodeUnitKind(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	codeUnitKinds.Lock()
	codeUnitKinds.names[name] = struct{}{}
	codeUnitKinds.Unlock()
}

// IsCodeUnitKind reports whether name has been registered.
func IsCodeUnitKind(name string) bool {
	codeUnitKinds.RLock()
	defer codeUnitKinds.RUnlock()
	_, ok := codeUnitKinds.names[strings.ToLower(name)]
	return ok
}

// CodeUnitKinds returns the registered code-unit kinds, sorted.
func CodeUnitKinds() []string {
	codeUnitKinds.RLock()
	defer codeUnitKinds.RUnlock()
	out := make([]string, 0, len(codeUnitKinds.names))
	for name := range codeUnitKinds.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
