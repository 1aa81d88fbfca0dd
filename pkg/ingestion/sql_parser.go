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
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/kraklabs/lineage/pkg/lineage"
)

// ConsoleTarget is the write target of a bare SELECT: its result goes to
// whoever ran the script.
const ConsoleTarget = "console"

const maxEvidence = 400

// SQLParser extracts declarations and data movement from SQL scripts. It
// understands enough of T-SQL, PostgreSQL, MySQL and ANSI SQL to find the
// tables each statement reads and writes; it does not validate grammar.
type SQLParser struct{}

// NewSQLParser returns a SQL parser.
func NewSQLParser() *SQLParser { return &SQLParser{} }

func (p *SQLParser) Language() string     { return "sql" }
func (p *SQLParser) Extensions() []string { return []string{".sql", ".ddl"} }

// Parse implements Parser. An empty dialect or "auto" is detected from the
// text.
func (p *SQLParser) Parse(ctx context.Context, raw []byte, dialect string) (*ParsedObjects, error) {
	if !utf8.Valid(raw) {
		return nil, &ParseError{Msg: "content is not valid UTF-8"}
	}
	src := string(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf")))
	if dialect == "" || dialect == DialectAuto {
		dialect = detectDialect(src)
	}

	toks, err := lexSQL(src, dialect)
	if err != nil {
		return nil, err
	}

	out := &ParsedObjects{Language: "sql", Dialect: dialect}
	a := &sqlAnalyzer{src: src, dialect: dialect}
	for _, stmt := range splitStatements(toks, dialect) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a.statement(stmt, out)
	}
	return out, nil
}

// splitStatements cuts the token stream at semicolons and T-SQL GO lines.
// Routine bodies are kept whole: with GO separators present a routine runs to
// the next GO, otherwise to the semicolon after its outermost END.
func splitStatements(toks []token, dialect string) [][]token {
	hasGO := false
	if dialect == DialectTSQL {
		for i := range toks {
			if isGoSeparator(toks, i) {
				hasGO = true
				break
			}
		}
	}

	var out [][]token
	start, depth := 0, 0
	routine := false
	cut := func(end int) {
		if end > start {
			out = append(out, toks[start:end])
		}
		start = end + 1
		depth = 0
	}

	for i := 0; i < len(toks); i++ {
		if i == start {
			routine = isRoutineStart(toks[start:])
		}
		t := toks[i]
		if isGoSeparator(toks, i) {
			cut(i)
			continue
		}
		if routine {
			if hasGO {
				continue
			}
			switch {
			case t.is("BEGIN") && !(i+1 < len(toks) && toks[i+1].is("TRAN", "TRANSACTION", "WORK", "DISTRIBUTED")):
				depth++
			case t.is("CASE"):
				depth++
			case t.is("END") && !(i+1 < len(toks) && toks[i+1].is("IF", "LOOP", "WHILE", "REPEAT")):
				if depth > 0 {
					depth--
				}
			}
		}
		if t.sym(";") && depth == 0 {
			cut(i)
		}
	}
	cut(len(toks))
	return out
}

func isGoSeparator(toks []token, i int) bool {
	t := toks[i]
	if !t.is("GO") {
		return false
	}
	if i > 0 && toks[i-1].line == t.line {
		return false
	}
	return i+1 == len(toks) || toks[i+1].line > t.line
}

// createHead skips CREATE/ALTER and its modifiers and returns the index of
// the object keyword, or -1.
func createHead(st []token) int {
	if len(st) == 0 || !st[0].is("CREATE", "ALTER") {
		return -1
	}
	i := 1
	for i < len(st) {
		t := st[i]
		switch {
		case t.is("OR") && i+1 < len(st) && st[i+1].is("REPLACE", "ALTER"):
			i += 2
		case t.is("DEFINER"):
			// DEFINER = user@host
			i++
			for i < len(st) && !st[i].is("PROCEDURE", "FUNCTION", "TRIGGER", "VIEW", "SQL", "EVENT") {
				i++
			}
		case t.is("TEMP", "TEMPORARY", "GLOBAL", "LOCAL", "UNLOGGED", "SECURE", "RECURSIVE",
			"PUBLIC", "FORCE", "NOFORCE", "EDITIONABLE", "NONEDITIONABLE", "ALGORITHM", "UNDEFINED",
			"MERGE", "TEMPTABLE", "SQL", "SECURITY", "INVOKER", "AGGREGATE", "CONSTRAINT"):
			i++
		case t.sym("="):
			i++
		default:
			return i
		}
	}
	return -1
}

func isRoutineStart(st []token) bool {
	i := createHead(st)
	return i >= 0 && st[i].is("PROCEDURE", "PROC", "FUNCTION", "TRIGGER")
}

type sqlAnalyzer struct {
	src     string
	dialect string
}

func (a *sqlAnalyzer) evidence(st []token) string {
	if len(st) == 0 {
		return ""
	}
	text := strings.Join(strings.Fields(a.src[st[0].start:st[len(st)-1].end]), " ")
	if len(text) > maxEvidence {
		cut := maxEvidence
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return text
}

func (a *sqlAnalyzer) statement(st []token, out *ParsedObjects) {
	if len(st) == 0 {
		return
	}
	if head := createHead(st); head >= 0 {
		a.create(st, head, out)
		return
	}
	if st[0].is("DROP", "GRANT", "REVOKE", "USE", "COMMENT", "ANALYZE", "VACUUM") {
		return
	}

	eff := scanEffects(st, false, a.dialect)
	verb := mainVerb(st)
	if verb == "select" && len(eff.writes) == 0 && len(eff.reads) > 0 {
		eff.writes = []string{ConsoleTarget}
	}
	if len(eff.reads) == 0 && len(eff.writes) == 0 && len(eff.calls) == 0 {
		return
	}

	s := Statement{
		Verb:     verb,
		Reads:    eff.reads,
		Writes:   eff.writes,
		Calls:    eff.calls,
		Evidence: a.evidence(st),
		Line:     st[0].line,
	}
	if verb == "insert" || verb == "select" {
		s.Lineage = selectLineage(st, insertColumns(st), eff)
	}
	out.Statements = append(out.Statements, s)
}

// mainVerb is the lower-cased first keyword after any CTE list.
func mainVerb(st []token) string {
	i := 0
	if st[0].is("WITH") {
		i = skipCTEs(st, 0)
	}
	for i < len(st) && st[i].sym("(") {
		i++
	}
	if i >= len(st) {
		return ""
	}
	if st[i].is("EXECUTE", "EXEC", "CALL", "PERFORM") {
		return "exec"
	}
	return strings.ToLower(st[i].text)
}

func (a *sqlAnalyzer) create(st []token, head int, out *ParsedObjects) {
	kindTok := st[head]
	i := head + 1
	var kind lineage.EntityKind
	switch {
	case kindTok.is("MATERIALIZED") && i < len(st) && st[i].is("VIEW"):
		kind = lineage.KindMaterializedView
		i++
	case kindTok.is("VIEW"):
		kind = lineage.KindView
	case kindTok.is("TABLE"):
		kind = lineage.KindTable
	case kindTok.is("PROCEDURE", "PROC"):
		kind = lineage.KindProcedure
	case kindTok.is("FUNCTION"):
		kind = lineage.KindFunction
	case kindTok.is("TRIGGER"):
		kind = lineage.KindTrigger
	case kindTok.is("SYNONYM"):
		kind = lineage.KindSynonym
	default:
		return
	}
	if st[0].is("ALTER") && kind == lineage.KindTable {
		return
	}
	if i+2 < len(st) && st[i].is("IF") && st[i+1].is("NOT") && st[i+2].is("EXISTS") {
		i += 3
	}

	name, next, ok := readName(st, i)
	if !ok {
		return
	}
	obj := ParsedObject{Kind: kind, Name: name, Evidence: a.evidence(st), Line: st[0].line}
	rest := st[next:]

	switch kind {
	case lineage.KindView, lineage.KindMaterializedView:
		cols, after := parenNames(rest)
		body := afterKeyword(rest[after:], "AS")
		eff := scanEffects(body, false, a.dialect)
		obj.Reads = eff.reads
		obj.Lineage = selectLineage(body, cols, eff)

	case lineage.KindTable:
		if len(rest) > 0 && rest[0].sym("(") {
			obj.Columns = columnDefs(rest)
		}
		if body := afterKeyword(rest, "AS"); len(body) > 0 {
			eff := scanEffects(body, false, a.dialect)
			obj.Reads = eff.reads
			obj.Lineage = selectLineage(body, obj.Columns, eff)
		}

	case lineage.KindProcedure, lineage.KindFunction:
		eff := a.routineEffects(rest)
		obj.Reads, obj.Writes, obj.Calls = eff.reads, eff.writes, eff.calls

	case lineage.KindTrigger:
		on := indexWord(rest, "ON")
		if on < 0 {
			return
		}
		target, after, ok := readName(rest, on+1)
		if !ok {
			return
		}
		obj.Target = target
		eff := a.routineEffects(rest[after:])
		obj.Reads, obj.Writes, obj.Calls = eff.reads, eff.writes, eff.calls

	case lineage.KindSynonym:
		f := indexWord(rest, "FOR")
		if f < 0 {
			return
		}
		target, _, ok := readName(rest, f+1)
		if !ok {
			return
		}
		obj.Target = target
	}
	out.Objects = append(out.Objects, obj)
}

// routineEffects scans a routine body. Quoted bodies ($$...$$ or a string
// after AS) are lexed and scanned as SQL too.
func (a *sqlAnalyzer) routineEffects(rest []token) effects {
	eff := scanEffects(rest, true, a.dialect)
	for i, t := range rest {
		if t.kind != tokString {
			continue
		}
		if !t.dollar && (i == 0 || !rest[i-1].is("AS")) {
			continue
		}
		inner, err := lexSQL(t.text, a.dialect)
		if err != nil {
			continue
		}
		eff.merge(scanEffects(inner, true, a.dialect))
	}
	return eff
}

// readName reads a possibly qualified name starting at i. It returns the
// dotted name, the index after it and whether a name was present.
func readName(st []token, i int) (string, int, bool) {
	if i >= len(st) || !st[i].name() {
		return "", i, false
	}
	parts := []string{st[i].text}
	i++
	for i+1 < len(st) && st[i].sym(".") {
		if st[i+1].sym(".") {
			// db..table
			i++
			continue
		}
		if !st[i+1].name() && !st[i+1].sym("*") {
			break
		}
		parts = append(parts, st[i+1].text)
		i += 2
	}
	return strings.Join(parts, "."), i, true
}

// parenNames reads "(a, b, c)" at the start of st. It returns the names and
// the index after the closing parenthesis, or nil and 0.
func parenNames(st []token) ([]string, int) {
	if len(st) == 0 || !st[0].sym("(") {
		return nil, 0
	}
	end := matchParen(st, 0)
	if end < 0 {
		return nil, 0
	}
	var names []string
	for _, item := range splitTopLevel(st[1:end]) {
		if len(item) > 0 && item[0].name() {
			names = append(names, item[0].text)
		}
	}
	return names, end + 1
}

// columnDefs returns the column names of a CREATE TABLE definition list.
func columnDefs(st []token) []string {
	end := matchParen(st, 0)
	if end < 0 {
		return nil
	}
	var cols []string
	for _, item := range splitTopLevel(st[1:end]) {
		if len(item) == 0 || !item[0].name() {
			continue
		}
		if item[0].kind == tokWord && item[0].is("CONSTRAINT", "PRIMARY", "FOREIGN", "UNIQUE",
			"CHECK", "INDEX", "KEY", "PERIOD", "EXCLUDE", "LIKE", "FULLTEXT", "SPATIAL") {
			continue
		}
		cols = append(cols, item[0].text)
	}
	return cols
}

// insertColumns returns the target column list of an INSERT, if any.
func insertColumns(st []token) []string {
	i := indexWord(st, "INSERT")
	if i < 0 {
		return nil
	}
	i++
	if i < len(st) && st[i].is("INTO") {
		i++
	}
	_, next, ok := readName(st, i)
	if !ok {
		return nil
	}
	cols, _ := parenNames(st[next:])
	return cols
}

// afterKeyword returns the tokens following the first top-level kw.
func afterKeyword(st []token, kw string) []token {
	depth := 0
	for i, t := range st {
		switch {
		case t.sym("("):
			depth++
		case t.sym(")"):
			depth--
		case depth == 0 && t.is(kw):
			return st[i+1:]
		}
	}
	return nil
}

func indexWord(st []token, kw string) int {
	for i, t := range st {
		if t.is(kw) {
			return i
		}
	}
	return -1
}

// matchParen returns the index of the parenthesis closing st[open].
func matchParen(st []token, open int) int {
	depth := 0
	for i := open; i < len(st); i++ {
		switch {
		case st[i].sym("("):
			depth++
		case st[i].sym(")"):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits st at commas outside parentheses.
func splitTopLevel(st []token) [][]token {
	var out [][]token
	depth, start := 0, 0
	for i, t := range st {
		switch {
		case t.sym("("):
			depth++
		case t.sym(")"):
			depth--
		case t.sym(",") && depth == 0:
			out = append(out, st[start:i])
			start = i + 1
		}
	}
	return append(out, st[start:])
}
