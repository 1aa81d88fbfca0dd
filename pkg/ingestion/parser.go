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
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kraklabs/lineage/pkg/lineage"
)

// ParserSchemaVersion is bumped whenever the ParsedObjects encoding changes.
// Cached parse results with another version are discarded.
const ParserSchemaVersion = 3

// Dialect hints.
const (
	DialectAuto     = "auto"
	DialectANSI     = "ansi"
	DialectTSQL     = "tsql"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// ErrParse marks input errors: the file could not be parsed.
var ErrParse = errors.New("parse error")

// ParseError describes where parsing failed.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Msg)
	}
	return "parse error: " + e.Msg
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// ParsedObjects is the path-independent result of parsing one file. It is
// what the content cache stores.
type ParsedObjects struct {
	Language string `json:"language"`
	Dialect  string `json:"dialect,omitempty"`
	// Objects are the named things the file declares.
	Objects []ParsedObject `json:"objects,omitempty"`
	// Statements are data-moving statements outside any declaration.
	Statements []Statement `json:"statements,omitempty"`
}

// ParsedObject is one declaration: a table, view, routine, trigger,
// synonym or code unit.
type ParsedObject struct {
	Kind lineage.EntityKind `json:"kind"`
	// Name is the qualified name as written. For code units it is the
	// dotted path inside the file (Class.method); empty for the module.
	Name     string `json:"name"`
	UnitKind string `json:"unit_kind,omitempty"`
	Parent   string `json:"parent,omitempty"`
	// Target is the table a trigger is attached to or the object a
	// synonym aliases.
	Target  string          `json:"target,omitempty"`
	Reads   []string        `json:"reads,omitempty"`
	Writes  []string        `json:"writes,omitempty"`
	Calls   []string        `json:"calls,omitempty"`
	Imports []string        `json:"imports,omitempty"`
	Columns []string        `json:"columns,omitempty"`
	Lineage []ColumnLineage `json:"lineage,omitempty"`
	// Evidence is an excerpt of the defining text.
	Evidence string `json:"evidence,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// Statement is a top-level INSERT, UPDATE, MERGE, DELETE, SELECT or EXEC.
type Statement struct {
	Verb     string          `json:"verb"`
	Reads    []string        `json:"reads,omitempty"`
	Writes   []string        `json:"writes,omitempty"`
	Calls    []string        `json:"calls,omitempty"`
	Lineage  []ColumnLineage `json:"lineage,omitempty"`
	Evidence string          `json:"evidence,omitempty"`
	Line     int             `json:"line,omitempty"`
}

// ColumnLineage maps one output column to the source columns of its
// expression. Sources are "table.column".
type ColumnLineage struct {
	Target     string   `json:"target"`
	Sources    []string `json:"sources,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

// Parser turns raw file bytes into ParsedObjects. Implementations must be
// pure and safe for concurrent use.
type Parser interface {
	Language() string
	Extensions() []string
	Parse(ctx context.Context, raw []byte, dialect string) (*ParsedObjects, error)
}

// ParserRegistry selects a parser by file extension.
type ParserRegistry struct {
	mu    sync.RWMutex
	byExt map[string]Parser
}

// NewParserRegistry registers the given parsers.
func NewParserRegistry(parsers ...Parser) *ParserRegistry {
	r := &ParserRegistry{byExt: make(map[string]Parser)}
	for _, p := range parsers {
		r.Register(p)
	}
	return r
}

// DefaultParsers returns a registry with the SQL and Python parsers.
func DefaultParsers() *ParserRegistry {
	return NewParserRegistry(NewSQLParser(), NewPythonParser())
}

// Register maps each of p's extensions to p, replacing earlier entries.
func (r *ParserRegistry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.Extensions() {
		r.byExt[strings.ToLower(ext)] = p
	}
}

// ForPath returns the parser for path's extension.
func (r *ParserRegistry) ForPath(path string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return p, ok
}
