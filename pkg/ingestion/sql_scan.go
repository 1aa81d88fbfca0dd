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
	"slices"
	"strings"
)

// effects is what a run of SQL reads, writes and calls.
type effects struct {
	reads  []string
	writes []string
	calls  []string
	// aliases maps upper-cased aliases and table names to table names.
	aliases map[string]string
}

func (e *effects) merge(o effects) {
	e.reads = appendUnique(e.reads, o.reads...)
	e.writes = appendUnique(e.writes, o.writes...)
	e.calls = appendUnique(e.calls, o.calls...)
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		if !slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, it) }) {
			list = append(list, it)
		}
	}
	return list
}

// Words that end a table reference and therefore can never be an alias.
var clauseWords = map[string]bool{
	"WHERE": true, "JOIN": true, "ON": true, "INNER": true, "LEFT": true, "RIGHT": true,
	"FULL": true, "CROSS": true, "OUTER": true, "NATURAL": true, "GROUP": true, "ORDER": true,
	"HAVING": true, "LIMIT": true, "UNION": true, "EXCEPT": true, "INTERSECT": true, "MINUS": true,
	"WINDOW": true, "WITH": true, "SET": true, "USING": true, "WHEN": true, "OFFSET": true,
	"FETCH": true, "FOR": true, "RETURNING": true, "PIVOT": true, "UNPIVOT": true, "VALUES": true,
	"SELECT": true, "INTO": true, "AS": true, "FROM": true, "LATERAL": true, "APPLY": true,
	"OUTPUT": true, "OPTION": true, "QUALIFY": true, "SAMPLE": true, "TABLESAMPLE": true,
	"BEGIN": true, "END": true, "INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"IF": true, "ELSE": true, "EXEC": true, "EXECUTE": true, "RETURN": true, "DECLARE": true,
	"THEN": true, "DEFAULT": true, "PARTITION": true, "CONNECT": true, "START": true,
	"LOOP": true, "WHILE": true, "CALL": true, "PERFORM": true, "COMMIT": true, "ROLLBACK": true,
	"TRUNCATE": true, "GO": true, "PRINT": true, "RAISERROR": true, "THROW": true,
}

// Names that refer to row images or dummy relations rather than tables.
var pseudoTables = map[string]bool{
	"INSERTED": true, "DELETED": true, "NEW": true, "OLD": true, "DUAL": true, "EXCLUDED": true,
}

// Functions whose argument syntax uses FROM.
var fromFunctions = map[string]bool{
	"EXTRACT": true, "SUBSTRING": true, "TRIM": true, "OVERLAY": true, "POSITION": true, "SUBSTR": true,
}

// skipCTEs reads a WITH list starting at st[i] (the WITH keyword) and
// returns the index after it.
func skipCTEs(st []token, i int) int {
	_, next := cteNames(st, i)
	return next
}

// cteNames reads "WITH [RECURSIVE] a [(cols)] AS [[NOT] MATERIALIZED] (...), ..."
// starting at st[i]. It returns the upper-cased names and the index after
// the list. When st[i] does not start a CTE list it returns nil, i.
func cteNames(st []token, i int) ([]string, int) {
	start := i
	i++
	if i < len(st) && st[i].is("RECURSIVE") {
		i++
	}
	var names []string
	for {
		if i >= len(st) || !st[i].name() {
			break
		}
		name := strings.ToUpper(st[i].text)
		j := i + 1
		if j < len(st) && st[j].sym("(") {
			if end := matchParen(st, j); end > 0 {
				j = end + 1
			}
		}
		if j >= len(st) || !st[j].is("AS") {
			break
		}
		j++
		if j < len(st) && st[j].is("NOT") {
			j++
		}
		if j < len(st) && st[j].is("MATERIALIZED") {
			j++
		}
		if j >= len(st) || !st[j].sym("(") {
			break
		}
		end := matchParen(st, j)
		if end < 0 {
			break
		}
		names = append(names, name)
		i = end + 1
		if i < len(st) && st[i].sym(",") {
			i++
			continue
		}
		return names, i
	}
	if len(names) == 0 {
		return nil, start
	}
	return names, i
}

// scanEffects walks st once and collects table reads, writes and routine
// calls. inRoutine disables SELECT ... INTO as a write, since inside routine
// bodies INTO usually targets variables.
func scanEffects(st []token, inRoutine bool, dialect string) effects {
	eff := effects{aliases: map[string]string{}}

	ctes := map[string]bool{}
	for i, t := range st {
		if t.is("WITH") && !(i+1 < len(st) && st[i+1].sym("(")) {
			names, _ := cteNames(st, i)
			for _, n := range names {
				ctes[n] = true
			}
		}
	}

	usable := func(name string) bool {
		if name == "" || strings.HasPrefix(name, "@") || strings.HasPrefix(name, ":") {
			return false
		}
		up := strings.ToUpper(name)
		return !ctes[up] && !pseudoTables[up]
	}

	var parens []string

	read := func(i int) int {
		for i < len(st) && st[i].is("LATERAL", "ONLY") {
			i++
		}
		for {
			if i >= len(st) || !st[i].name() || (st[i].kind == tokWord && clauseWords[st[i].upper]) {
				return i
			}
			name, next, _ := readName(st, i)
			if next < len(st) && st[next].sym("(") {
				// table-valued function
				return next
			}
			i = next
			ok := usable(name)
			if ok {
				eff.reads = appendUnique(eff.reads, name)
				eff.aliases[strings.ToUpper(name)] = name
			}
			if i < len(st) && st[i].is("AS") {
				i++
			}
			if i < len(st) && st[i].name() && !(st[i].kind == tokWord && clauseWords[st[i].upper]) {
				if ok {
					eff.aliases[strings.ToUpper(st[i].text)] = name
				}
				i++
			}
			if i < len(st) && st[i].sym(",") {
				i++
				continue
			}
			return i
		}
	}

	write := func(i int) int {
		if i >= len(st) || !st[i].name() || (st[i].kind == tokWord && clauseWords[st[i].upper]) {
			return i
		}
		name, next, _ := readName(st, i)
		if usable(name) {
			eff.writes = appendUnique(eff.writes, name)
		}
		return next
	}

	call := func(i int) int {
		if i < len(st) && st[i].sym("@") {
			return i
		}
		// EXEC @rc = proc
		if i+1 < len(st) && strings.HasPrefix(st[i].text, "@") && st[i+1].sym("=") {
			i += 2
		}
		if i >= len(st) || !st[i].name() || st[i].is("IMMEDIATE", "SQL", "SP_EXECUTESQL", "AS", "ON", "FORMAT") {
			return i
		}
		name, next, _ := readName(st, i)
		if usable(name) {
			eff.calls = appendUnique(eff.calls, name)
		}
		return next
	}

	for i := 0; i < len(st); {
		t := st[i]
		prev := token{}
		if i > 0 {
			prev = st[i-1]
		}
		switch {
		case t.sym("("):
			if prev.kind == tokWord {
				parens = append(parens, prev.upper)
			} else {
				parens = append(parens, "")
			}
			i++
		case t.sym(")"):
			if len(parens) > 0 {
				parens = parens[:len(parens)-1]
			}
			i++

		case t.is("FROM"):
			if len(parens) > 0 && fromFunctions[parens[len(parens)-1]] {
				i++
				continue
			}
			if prev.is("DISTINCT") {
				i++
				continue
			}
			i = read(i + 1)
		case t.is("JOIN"), t.is("APPLY"):
			i = read(i + 1)
		case t.is("USING") && i+1 < len(st) && !st[i+1].sym("("):
			i = read(i + 1)

		case t.is("REPLACE", "UPSERT") && i+1 < len(st) && st[i+1].is("INTO"):
			i = write(i + 2)
		case t.is("INSERT") && !prev.is("THEN", "OR", "ON", "AFTER", "BEFORE", "OF", "INSTEAD", "FOR"):
			i++
			if i < len(st) && st[i].is("IGNORE", "OVERWRITE") {
				i++
			}
			if i < len(st) && st[i].is("INTO", "TABLE") {
				i++
			}
			i = write(i)
		case t.is("MERGE") && !prev.is("="):
			i++
			if i < len(st) && st[i].is("INTO") {
				i++
			}
			i = write(i)
		case t.is("UPDATE") && !prev.is("ON", "FOR", "THEN", "OR", "AFTER", "BEFORE", "OF", "INSTEAD", "KEY", "DO") && !prev.sym(","):
			i = write(i + 1)
		case t.is("DELETE") && !prev.is("ON", "THEN", "OR", "AFTER", "BEFORE", "OF", "INSTEAD") && !prev.sym(","):
			i++
			if i < len(st) && st[i].is("FROM") {
				i++
			}
			i = write(i)
		case t.is("TRUNCATE"):
			i++
			if i < len(st) && st[i].is("TABLE") {
				i++
			}
			i = write(i)
		case t.is("INTO") && !inRoutine && dialect != DialectMySQL:
			// SELECT ... INTO new_table. MySQL only selects into variables.
			if i+1 < len(st) && st[i+1].is("OUTFILE", "DUMPFILE", "TEMP", "TEMPORARY") {
				i += 2
				continue
			}
			i = write(i + 1)

		case t.is("EXEC", "EXECUTE", "CALL", "PERFORM"):
			i++
			if i < len(st) && st[i].is("FUNCTION", "PROCEDURE") {
				i++
			}
			if i < len(st) && (st[i].kind == tokString || st[i].sym("(")) {
				continue
			}
			i = call(i)

		default:
			i++
		}
	}

	// UPDATE a SET ... FROM t a: the write target is an alias.
	for k, w := range eff.writes {
		if real, ok := eff.aliases[strings.ToUpper(w)]; ok && !strings.EqualFold(real, w) {
			eff.writes[k] = real
		}
	}
	eff.writes = appendUnique(nil, eff.writes...)
	eff.reads = slices.DeleteFunc(eff.reads, func(r string) bool {
		return slices.ContainsFunc(eff.writes, func(w string) bool { return strings.EqualFold(r, w) })
	})
	return eff
}

// selectLineage maps the output columns of the first top-level SELECT in st
// to the source columns of their expressions. targetCols, when given, names
// the outputs positionally.
func selectLineage(st []token, targetCols []string, eff effects) []ColumnLineage {
	start := -1
	depth := 0
	for i, t := range st {
		switch {
		case t.sym("("):
			depth++
		case t.sym(")"):
			depth--
		case t.is("SELECT") && depth == 0:
			start = i
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return nil
	}
	i := start + 1
	for i < len(st) && st[i].is("DISTINCT", "ALL") {
		i++
	}
	if i+1 < len(st) && st[i].is("TOP") {
		i += 2
		if i < len(st) && st[i].is("PERCENT") {
			i++
		}
	}
	end := i
	depth = 0
	for end < len(st) {
		t := st[end]
		if t.sym("(") {
			depth++
		} else if t.sym(")") {
			depth--
		} else if depth == 0 && t.is("FROM", "INTO", "WHERE", "UNION", "GROUP", "ORDER") {
			break
		}
		end++
	}

	single := ""
	if len(eff.reads) == 1 {
		single = eff.reads[0]
	}

	var out []ColumnLineage
	for n, item := range splitTopLevel(st[i:end]) {
		if len(item) == 0 || item[len(item)-1].sym("*") {
			continue
		}
		expr, alias := splitAlias(item)
		target := alias
		if n < len(targetCols) {
			target = targetCols[n]
		}
		sources := columnRefs(expr, eff.aliases, single)
		if target == "" {
			if len(expr) == 1 && expr[0].name() {
				target = expr[0].text
			} else if len(expr) == 3 && expr[1].sym(".") && expr[2].name() {
				target = expr[2].text
			}
		}
		if target == "" {
			continue
		}
		out = append(out, ColumnLineage{
			Target:     target,
			Sources:    sources,
			Expression: joinTokens(expr),
		})
	}
	return out
}

// splitAlias separates "expr [AS] alias".
func splitAlias(item []token) ([]token, string) {
	n := len(item)
	if n >= 3 && item[n-2].is("AS") && item[n-1].name() {
		return item[:n-2], item[n-1].text
	}
	if n >= 2 && item[n-1].name() && !(item[n-1].kind == tokWord && clauseWords[item[n-1].upper]) {
		p := item[n-2]
		if p.name() || p.sym(")") || p.kind == tokString || p.kind == tokNumber {
			if !item[n-1].is("END") {
				return item[:n-1], item[n-1].text
			}
		}
	}
	if n >= 3 && item[1].sym("=") && item[0].name() {
		// T-SQL: SELECT alias = expr
		return item[2:], item[0].text
	}
	return item, ""
}

// columnRefs returns "table.column" for every column reference in expr that
// can be tied to a table.
func columnRefs(expr []token, aliases map[string]string, single string) []string {
	var out []string
	for i := 0; i < len(expr); i++ {
		t := expr[i]
		if !t.name() {
			continue
		}
		if t.kind == tokWord && (clauseWords[t.upper] || sqlLiterals[t.upper] || strings.HasPrefix(t.text, "@")) {
			continue
		}
		if i > 0 && expr[i-1].sym(".") {
			continue
		}
		parts := []string{t.text}
		j := i + 1
		for j+1 < len(expr) && expr[j].sym(".") && expr[j+1].name() {
			parts = append(parts, expr[j+1].text)
			j += 2
		}
		if j < len(expr) && expr[j].sym("(") {
			// function call
			i = j
			continue
		}
		i = j - 1
		col := parts[len(parts)-1]
		if len(parts) == 1 {
			if single != "" {
				out = appendUnique(out, single+"."+col)
			}
			continue
		}
		qual := strings.Join(parts[:len(parts)-1], ".")
		if table, ok := aliases[strings.ToUpper(qual)]; ok {
			out = appendUnique(out, table+"."+col)
		}
	}
	return out
}

var sqlLiterals = map[string]bool{
	"NULL": true, "TRUE": true, "FALSE": true, "CASE": true, "WHEN": true, "THEN": true,
	"ELSE": true, "END": true, "AND": true, "OR": true, "NOT": true, "IS": true, "IN": true,
	"LIKE": true, "BETWEEN": true, "CAST": true, "INTERVAL": true, "DATE": true, "TIMESTAMP": true,
	"CURRENT_DATE": true, "CURRENT_TIMESTAMP": true, "DISTINCT": true, "OVER": true, "BY": true,
	"ASC": true, "DESC": true, "INT": true, "INTEGER": true, "VARCHAR": true, "NUMERIC": true,
	"DECIMAL": true, "TEXT": true, "BIGINT": true, "FLOAT": true, "BOOLEAN": true, "ROWS": true,
	"RANGE": true, "PRECEDING": true, "FOLLOWING": true, "UNBOUNDED": true, "CURRENT": true, "ROW": true,
}

func joinTokens(toks []token) string {
	var b strings.Builder
	for i, t := range toks {
		call := t.sym("(") && i > 0 && toks[i-1].kind == tokWord && !clauseWords[toks[i-1].upper] && !sqlLiterals[toks[i-1].upper]
		if i > 0 && !call && !t.sym(".") && !t.sym(",") && !t.sym(")") && !toks[i-1].sym(".") && !toks[i-1].sym("(") {
			b.WriteByte(' ')
		}
		if t.kind == tokString {
			b.WriteString("'" + strings.ReplaceAll(t.text, "'", "''") + "'")
		} else {
			b.WriteString(t.text)
		}
	}
	return b.String()
}
