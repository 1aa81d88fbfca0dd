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
	"path"
	"strings"
	"time"

	"github.com/kraklabs/lineage/pkg/lineage"
)

// Extraction is the graph fragment produced from one file.
type Extraction struct {
	Entities      []lineage.Entity
	Relationships []lineage.Relationship
}

// Extractor turns ParsedObjects into entities and parser relationships. It
// is where file paths and identities enter the picture: ParsedObjects are
// path-independent so they can be shared through the content cache.
type Extractor struct {
	// ColumnLineage enables Column entities with CONTAINS and DERIVES
	// edges.
	ColumnLineage bool

	Now func() time.Time
}

// NewExtractor returns an extractor with table-level lineage only.
func NewExtractor() *Extractor {
	return &Extractor{Now: time.Now}
}

// Extract builds the graph fragment for the file at filePath.
func (x *Extractor) Extract(filePath string, parsed *ParsedObjects) Extraction {
	now := time.Now()
	if x.Now != nil {
		now = x.Now()
	}
	b := &fragment{
		path:    filePath,
		dialect: parsed.Dialect,
		now:     now,
		columns: x.ColumnLineage,
		ents:    make(map[string]int),
		rels:    make(map[string]struct{}),
	}
	if parsed.Language == "python" {
		b.codeUnits(parsed.Objects)
	} else {
		for _, obj := range parsed.Objects {
			b.object(obj)
		}
	}
	for _, st := range parsed.Statements {
		b.statement(st)
	}
	return b.out
}

type fragment struct {
	path    string
	dialect string
	now     time.Time
	columns bool

	out  Extraction
	ents map[string]int
	rels map[string]struct{}
}

// entity adds e, letting a defined entity replace a referenced one.
func (b *fragment) entity(e lineage.Entity) string {
	if i, ok := b.ents[e.ID]; ok {
		if e.Defined() && !b.out.Entities[i].Defined() {
			b.out.Entities[i] = e
		}
		return e.ID
	}
	b.ents[e.ID] = len(b.out.Entities)
	b.out.Entities = append(b.out.Entities, e)
	return e.ID
}

func (b *fragment) edge(from, to string, kind lineage.RelationshipKind, evidence string) {
	if from == to {
		return
	}
	r := lineage.NewParsedRelationship(from, to, kind, evidence, b.now)
	if _, dup := b.rels[r.ID]; dup {
		return
	}
	b.rels[r.ID] = struct{}{}
	b.out.Relationships = append(b.out.Relationships, r)
}

func (b *fragment) attrs(defined bool, line int) map[string]any {
	a := map[string]any{lineage.AttrDefined: defined}
	if defined {
		a[lineage.AttrFilePath] = b.path
		if b.dialect != "" {
			a[lineage.AttrDialect] = b.dialect
		}
		if line > 0 {
			a["line"] = line
		}
	}
	return a
}

// asset returns the id of a table-like asset, adding a referenced-only
// Table when it is not already known.
func (b *fragment) asset(name string) string {
	if strings.EqualFold(name, ConsoleTarget) {
		name = ConsoleTarget
	}
	return b.entity(lineage.Entity{
		ID:         lineage.AssetID(name),
		Kind:       lineage.KindTable,
		Name:       lineage.NormalizeName(name),
		Attributes: b.attrs(false, 0),
	})
}

func (b *fragment) routine(name string) string {
	return b.entity(lineage.Entity{
		ID:         lineage.RoutineID(name),
		Kind:       lineage.KindProcedure,
		Name:       lineage.NormalizeName(name),
		Attributes: b.attrs(false, 0),
	})
}

func (b *fragment) column(asset, col string, defined bool) string {
	return b.entity(lineage.Entity{
		ID:         lineage.ColumnID(asset, col),
		Kind:       lineage.KindColumn,
		Name:       lineage.NormalizeName(asset) + "." + lineage.NormalizeName(col),
		Attributes: b.attrs(defined, 0),
	})
}

func (b *fragment) effects(id string, reads, writes, calls []string, evidence string) {
	for _, r := range reads {
		b.edge(id, b.asset(r), lineage.RelReadsFrom, evidence)
	}
	for _, w := range writes {
		b.edge(id, b.asset(w), lineage.RelWritesTo, evidence)
	}
	for _, c := range calls {
		b.edge(id, b.routine(c), lineage.RelCalls, evidence)
	}
}

func (b *fragment) object(obj ParsedObject) {
	var id string
	switch obj.Kind {
	case lineage.KindTable, lineage.KindView, lineage.KindMaterializedView, lineage.KindSynonym:
		id = lineage.AssetID(obj.Name)
	case lineage.KindProcedure, lineage.KindFunction:
		id = lineage.RoutineID(obj.Name)
	case lineage.KindTrigger:
		id = lineage.TriggerID(obj.Name)
	default:
		return
	}
	b.entity(lineage.Entity{
		ID:         id,
		Kind:       obj.Kind,
		Name:       lineage.NormalizeName(obj.Name),
		Attributes: b.attrs(true, obj.Line),
	})

	switch obj.Kind {
	case lineage.KindView, lineage.KindMaterializedView:
		for _, r := range obj.Reads {
			b.edge(id, b.asset(r), lineage.RelReadsFrom, obj.Evidence)
		}
	case lineage.KindTable:
		for _, r := range obj.Reads {
			b.edge(id, b.asset(r), lineage.RelDerives, obj.Evidence)
		}
	case lineage.KindProcedure, lineage.KindFunction:
		b.effects(id, obj.Reads, obj.Writes, obj.Calls, obj.Evidence)
	case lineage.KindTrigger:
		if obj.Target != "" {
			b.edge(id, b.asset(obj.Target), lineage.RelAttachedTo, obj.Evidence)
		}
		b.effects(id, obj.Reads, obj.Writes, obj.Calls, obj.Evidence)
	case lineage.KindSynonym:
		if obj.Target != "" {
			b.edge(id, b.asset(obj.Target), lineage.RelAliasOf, obj.Evidence)
		}
	}

	if b.columns && obj.Kind.IsDataAsset() {
		cols := obj.Columns
		for _, l := range obj.Lineage {
			cols = appendUnique(cols, l.Target)
		}
		for _, c := range cols {
			b.edge(id, b.column(obj.Name, c, true), lineage.RelContains, obj.Evidence)
		}
		b.columnLineage(obj.Name, obj.Lineage, true)
	}
}

// statement links each written asset to every asset it was derived from.
func (b *fragment) statement(st Statement) {
	for _, w := range st.Writes {
		target := b.asset(w)
		for _, r := range st.Reads {
			b.edge(target, b.asset(r), lineage.RelDerives, st.Evidence)
		}
	}
	if b.columns && len(st.Writes) == 1 {
		b.columnLineage(st.Writes[0], st.Lineage, false)
	}
}

func (b *fragment) columnLineage(owner string, lin []ColumnLineage, defined bool) {
	for _, l := range lin {
		target := b.column(owner, l.Target, defined)
		evidence := l.Expression
		for _, src := range l.Sources {
			dot := strings.LastIndexByte(src, '.')
			if dot <= 0 {
				continue
			}
			b.asset(src[:dot])
			b.edge(target, b.column(src[:dot], src[dot+1:], false), lineage.RelDerives, evidence)
		}
	}
}

func (b *fragment) codeUnits(objs []ParsedObject) {
	for _, obj := range objs {
		id := b.entity(lineage.Entity{
			ID:         lineage.CodeUnitID(b.path, obj.Name),
			Kind:       lineage.KindCodeUnit,
			Name:       unitName(b.path, obj.Name),
			Attributes: b.unitAttrs(obj.UnitKind, true, obj.Line),
		})
		if obj.UnitKind != UnitPythonModule {
			b.edge(lineage.CodeUnitID(b.path, obj.Parent), id, lineage.RelContains, obj.Evidence)
		}
		b.effects(id, obj.Reads, obj.Writes, obj.Calls, obj.Evidence)
		for _, imp := range obj.Imports {
			file := pyModuleFile(b.path, imp)
			dep := b.entity(lineage.Entity{
				ID:         lineage.CodeUnitID(file, ""),
				Kind:       lineage.KindCodeUnit,
				Name:       strings.TrimLeft(imp, "."),
				Attributes: b.unitAttrs(UnitPythonModule, false, 0),
			})
			b.edge(id, dep, lineage.RelDependsOn, "import "+imp)
		}
	}
}

func (b *fragment) unitAttrs(kind string, defined bool, line int) map[string]any {
	a := b.attrs(defined, line)
	delete(a, lineage.AttrDialect)
	a[lineage.AttrUnitKind] = kind
	return a
}

func unitName(filePath, qualified string) string {
	if qualified != "" {
		return qualified
	}
	return strings.TrimSuffix(path.Base(filePathSlash(filePath)), ".py")
}

// pyModuleFile maps an import to the file that would define it, relative
// to the importing file for relative imports.
func pyModuleFile(from, module string) string {
	dots := len(module) - len(strings.TrimLeft(module, "."))
	rest := strings.ReplaceAll(module[dots:], ".", "/")
	if dots == 0 {
		return rest + ".py"
	}
	dir := path.Dir(filePathSlash(from))
	for i := 1; i < dots; i++ {
		dir = path.Dir(dir)
	}
	if rest == "" {
		return path.Join(dir, "__init__.py")
	}
	return path.Join(dir, rest+".py")
}

func filePathSlash(p string) string { return strings.ReplaceAll(p, "\\", "/") }
