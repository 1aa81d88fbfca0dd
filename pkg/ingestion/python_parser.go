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
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/kraklabs/lineage/pkg/lineage"
)

// Code-unit kinds emitted by PythonParser.
const (
	UnitPythonModule   = "python.module"
	UnitPythonClass    = "python.class"
	UnitPythonFunction = "python.function"
	UnitPythonMethod   = "python.method"
)

func init() {
	for _, k := range []string{UnitPythonModule, UnitPythonClass, UnitPythonFunction, UnitPythonMethod} {
		lineage.RegisterCodeUnitKind(k)
	}
}

// embeddedSQL matches string literals that start like a SQL statement.
var embeddedSQL = regexp.MustCompile(`(?is)^\s*(select|insert|update|delete|merge|with|create|truncate|replace|exec|execute|call)\b`)

// PythonParser extracts modules, classes, functions and methods from Python
// source, along with imports and the tables named in embedded SQL strings.
type PythonParser struct {
	sql *SQLParser
}

// NewPythonParser returns a Python parser.
func NewPythonParser() *PythonParser { return &PythonParser{sql: NewSQLParser()} }

func (p *PythonParser) Language() string     { return "python" }
func (p *PythonParser) Extensions() []string { return []string{".py"} }

// Parse implements Parser. The dialect applies to embedded SQL.
func (p *PythonParser) Parse(ctx context.Context, raw []byte, dialect string) (*ParsedObjects, error) {
	if !utf8.Valid(raw) {
		return nil, &ParseError{Msg: "content is not valid UTF-8"}
	}

	// A parser per call: sitter.Parser is not safe for concurrent use.
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, raw)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("python: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, &ParseError{Msg: "empty syntax tree"}
	}

	w := &pyWalker{
		src:     raw,
		dialect: dialect,
		out: &ParsedObjects{
			Language: "python",
			Dialect:  dialect,
			Objects: []ParsedObject{{
				Kind:     lineage.KindCodeUnit,
				UnitKind: UnitPythonModule,
				Line:     1,
			}},
		},
	}
	w.walk(root, 0, "")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.out, nil
}

type pyWalker struct {
	src     []byte
	dialect string
	out     *ParsedObjects
}

func (w *pyWalker) text(n *sitter.Node) string {
	return string(w.src[n.StartByte():n.EndByte()])
}

// walk visits n with unit as the index of the enclosing code unit in
// w.out.Objects and scope as its qualified name.
func (w *pyWalker) walk(n *sitter.Node, unit int, scope string) {
	switch n.Type() {
	case "class_definition", "function_definition":
		w.definition(n, unit, scope)
		return
	case "import_statement", "import_from_statement":
		// Imports belong to the module no matter where they appear.
		w.out.Objects[0].Imports = appendUnique(w.out.Objects[0].Imports, w.imports(n)...)
		return
	case "string":
		w.embedded(pyStringBody(w.text(n)), unit)
		return
	case "concatenated_string":
		var parts []string
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if c := n.NamedChild(i); c.Type() == "string" {
				parts = append(parts, pyStringBody(w.text(c)))
			}
		}
		w.embedded(strings.Join(parts, ""), unit)
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walk(n.NamedChild(i), unit, scope)
	}
}

func (w *pyWalker) definition(n *sitter.Node, parent int, scope string) {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := w.text(nameNode)
	qualified := name
	if scope != "" {
		qualified = scope + "." + name
	}

	kind := UnitPythonFunction
	switch {
	case n.Type() == "class_definition":
		kind = UnitPythonClass
	case w.out.Objects[parent].UnitKind == UnitPythonClass:
		kind = UnitPythonMethod
	}

	w.out.Objects = append(w.out.Objects, ParsedObject{
		Kind:     lineage.KindCodeUnit,
		Name:     qualified,
		UnitKind: kind,
		Parent:   w.out.Objects[parent].Name,
		Evidence: firstLine(w.text(n)),
		Line:     int(n.StartPoint().Row) + 1,
	})
	self := len(w.out.Objects) - 1

	if body := n.ChildByFieldName("body"); body != nil {
		w.walk(body, self, qualified)
	}
}

// imports returns the module names an import statement brings in.
func (w *pyWalker) imports(n *sitter.Node) []string {
	var out []string
	if n.Type() == "import_from_statement" {
		if m := n.ChildByFieldName("module_name"); m != nil {
			out = append(out, w.text(m))
		}
		return out
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "dotted_name":
			out = append(out, w.text(c))
		case "aliased_import":
			if m := c.ChildByFieldName("name"); m != nil {
				out = append(out, w.text(m))
			}
		}
	}
	return out
}

// embedded scans a string literal for SQL and charges what it reads and
// writes to the enclosing unit.
func (w *pyWalker) embedded(body string, unit int) {
	if !embeddedSQL.MatchString(body) {
		return
	}
	dialect := w.dialect
	if dialect == "" || dialect == DialectAuto {
		dialect = detectDialect(body)
	}
	toks, err := lexSQL(body, dialect)
	if err != nil {
		return
	}
	eff := scanEffects(toks, false, dialect)
	obj := &w.out.Objects[unit]
	obj.Reads = appendUnique(obj.Reads, eff.reads...)
	obj.Writes = appendUnique(obj.Writes, eff.writes...)
	obj.Calls = appendUnique(obj.Calls, eff.calls...)
	if len(eff.reads)+len(eff.writes)+len(eff.calls) > 0 {
		sql := strings.Join(strings.Fields(body), " ")
		if len(sql) > maxEvidence {
			sql = sql[:maxEvidence] + "..."
		}
		if obj.Evidence == "" {
			obj.Evidence = sql
		} else if !strings.Contains(obj.Evidence, "\n") {
			obj.Evidence += "\n" + sql
		}
	}
}

// pyStringBody strips the prefix and quotes from a Python string literal.
func pyStringBody(lit string) string {
	i := 0
	for i < len(lit) && strings.ContainsRune("rRbBuUfF", rune(lit[i])) {
		i++
	}
	lit = lit[i:]
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(lit, q) && strings.HasSuffix(lit, q) && len(lit) >= 2*len(q) {
			return lit[len(q) : len(lit)-len(q)]
		}
	}
	return lit
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
