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
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokWord   tokenKind = iota // keyword or bare identifier
	tokIdent                   // quoted identifier: "x", [x] or `x`
	tokString                  // string literal, including $$ bodies
	tokNumber
	tokSymbol
)

type token struct {
	kind  tokenKind
	text  string // unquoted content for identifiers and strings
	upper string // upper-cased text, words only
	line  int
	start int
	end   int
	// dollar marks a $tag$ quoted string, which in Postgres holds a routine
	// body.
	dollar bool
}

func (t token) is(words ...string) bool {
	if t.kind != tokWord {
		return false
	}
	for _, w := range words {
		if t.upper == w {
			return true
		}
	}
	return false
}

func (t token) sym(s string) bool { return t.kind == tokSymbol && t.text == s }

func (t token) name() bool { return t.kind == tokWord || t.kind == tokIdent }

var multiCharOps = []string{"::", "<=", ">=", "<>", "!=", "||", ":=", "=>", "->>", "->"}

// lexSQL splits src into tokens, dropping whitespace and comments.
func lexSQL(src, dialect string) ([]token, error) {
	var toks []token
	line := 1
	i := 0
	bracketIdents := dialect == DialectTSQL

	for i < len(src) {
		c := src[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r' || c == '\f':
			i++

		case c == '-' && strings.HasPrefix(src[i:], "--"):
			for i < len(src) && src[i] != '\n' {
				i++
			}

		case c == '#' && dialect == DialectMySQL:
			for i < len(src) && src[i] != '\n' {
				i++
			}

		case c == '/' && strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, &ParseError{Line: line, Msg: "unterminated block comment"}
			}
			body := src[i : i+2+end+2]
			line += strings.Count(body, "\n")
			i += len(body)

		case c == '\'':
			tok, n, err := lexQuoted(src[i:], '\'', '\'', line)
			if err != nil {
				return nil, err
			}
			tok.kind = tokString
			toks = append(toks, positioned(tok, i, n))
			line += strings.Count(src[i:i+n], "\n")
			i += n

		case c == '"' || c == '`' || (c == '[' && bracketIdents):
			closer := c
			if c == '[' {
				closer = ']'
			}
			tok, n, err := lexQuoted(src[i:], c, closer, line)
			if err != nil {
				return nil, err
			}
			tok.kind = tokIdent
			toks = append(toks, positioned(tok, i, n))
			line += strings.Count(src[i:i+n], "\n")
			i += n

		case c == '$' && dollarTag(src[i:]) != "":
			tag := dollarTag(src[i:])
			end := strings.Index(src[i+len(tag):], tag)
			if end < 0 {
				return nil, &ParseError{Line: line, Msg: "unterminated " + tag + " string"}
			}
			n := len(tag) + end + len(tag)
			toks = append(toks, positioned(token{
				kind:   tokString,
				text:   src[i+len(tag) : i+len(tag)+end],
				line:   line,
				dollar: true,
			}, i, n))
			line += strings.Count(src[i:i+n], "\n")
			i += n

		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
				j++
			}
			toks = append(toks, positioned(token{kind: tokNumber, text: src[i:j], line: line}, i, j-i))
			i = j

		case isWordStart(src, i):
			j := i
			for j < len(src) {
				r, size := utf8.DecodeRuneInString(src[j:])
				if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$' || r == '#' || r == '@') {
					break
				}
				j += size
			}
			word := src[i:j]
			// N'...', E'...', X'...' and B'...' string prefixes.
			if j < len(src) && src[j] == '\'' && len(word) == 1 && strings.ContainsAny(word, "NnEeXxBbUu") {
				tok, n, err := lexQuoted(src[j:], '\'', '\'', line)
				if err != nil {
					return nil, err
				}
				tok.kind = tokString
				toks = append(toks, positioned(tok, i, n+1))
				line += strings.Count(src[j:j+n], "\n")
				i = j + n
				continue
			}
			toks = append(toks, positioned(token{kind: tokWord, text: word, upper: strings.ToUpper(word), line: line}, i, j-i))
			i = j

		default:
			op := string(c)
			for _, m := range multiCharOps {
				if strings.HasPrefix(src[i:], m) {
					op = m
					break
				}
			}
			toks = append(toks, positioned(token{kind: tokSymbol, text: op, line: line}, i, len(op)))
			i += len(op)
		}
	}
	return toks, nil
}

func positioned(t token, start, n int) token {
	t.start = start
	t.end = start + n
	return t
}

// lexQuoted reads a literal delimited by open/closer where a doubled closer
// is an escaped one. It returns the unescaped content and bytes consumed.
func lexQuoted(s string, open, closer byte, line int) (token, int, error) {
	var b strings.Builder
	i := 1
	for i < len(s) {
		if s[i] == closer {
			if i+1 < len(s) && s[i+1] == closer {
				b.WriteByte(closer)
				i += 2
				continue
			}
			return token{text: b.String(), line: line}, i + 1, nil
		}
		b.WriteByte(s[i])
		i++
	}
	return token{}, 0, &ParseError{Line: line, Msg: "unterminated " + string(open) + " literal"}
}

// dollarTag returns the $tag$ opening s, or "".
func dollarTag(s string) string {
	if len(s) < 2 || s[0] != '$' {
		return ""
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c == '$' {
			return s[:i+1]
		}
		if !(c == '_' || isDigit(c) && i > 1 || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return ""
		}
	}
	return ""
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWordStart(s string, i int) bool {
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsLetter(r) || r == '_' || r == '@' || r == '#'
}

var (
	goSeparator   = regexp.MustCompile(`(?im)^\s*GO\s*$`)
	tsqlBrackets  = regexp.MustCompile(`\[[A-Za-z_][\w ]*\]\s*\.`)
	postgresHints = regexp.MustCompile(`(?i)\$\$|::[a-z]|language\s+plpgsql`)
)

// detectDialect guesses the dialect from surface features of the text.
func detectDialect(src string) string {
	switch {
	case goSeparator.MatchString(src) || tsqlBrackets.MatchString(src):
		return DialectTSQL
	case postgresHints.MatchString(src):
		return DialectPostgres
	case strings.Contains(src, "`"):
		return DialectMySQL
	}
	return DialectANSI
}
