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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/lineage/pkg/lineage"
)

func TestPythonParser_Units(t *testing.T) {
	parsed := parseFixture(t, "python/repository.py")

	assert.Equal(t, "python", parsed.Language)
	require.Len(t, parsed.Objects, 5)

	module := parsed.Objects[0]
	assert.Equal(t, UnitPythonModule, module.UnitKind)
	assert.Equal(t, "", module.Name)
	assert.Equal(t, []string{"logging", "app.db", ".", ".queries"}, module.Imports)

	cls := findObject(t, parsed, "OrderRepository")
	assert.Equal(t, UnitPythonClass, cls.UnitKind)
	assert.Equal(t, "", cls.Parent)
	assert.Equal(t, "class OrderRepository:", cls.Evidence)
	assert.Equal(t, 10, cls.Line)

	ctor := findObject(t, parsed, "OrderRepository.__init__")
	assert.Equal(t, UnitPythonMethod, ctor.UnitKind)
	assert.Equal(t, "OrderRepository", ctor.Parent)
	assert.Empty(t, ctor.Reads)

	purge := findObject(t, parsed, "purge")
	assert.Equal(t, UnitPythonFunction, purge.UnitKind)
	assert.Equal(t, []string{"staging.orders"}, purge.Writes)

	for _, obj := range parsed.Objects {
		assert.Equal(t, lineage.KindCodeUnit, obj.Kind)
		assert.True(t, lineage.IsCodeUnitKind(obj.UnitKind), obj.UnitKind)
	}
}

func TestPythonParser_EmbeddedSQL(t *testing.T) {
	parsed := parseFixture(t, "python/repository.py")

	recent := findObject(t, parsed, "OrderRepository.recent")
	assert.Equal(t, []string{"sales.orders", "sales.customers"}, recent.Reads, "f-string")
	assert.Empty(t, recent.Writes)
	assert.Contains(t, recent.Evidence, "FROM sales.orders o")

	archive := findObject(t, parsed, "OrderRepository.archive")
	assert.Equal(t, []string{"archive.orders"}, archive.Writes, "implicitly concatenated literal")
	assert.Equal(t, []string{"sales.orders"}, archive.Reads)
}

func TestPythonParser_NestedAndPlainStrings(t *testing.T) {
	src := `
def outer():
    msg = "select a colour"
    def inner():
        return "UPDATE dw.flags SET seen = 1"
    return inner
`
	parsed, err := NewPythonParser().Parse(context.Background(), []byte(src), DialectAuto)
	require.NoError(t, err)
	require.Len(t, parsed.Objects, 3)

	outer := findObject(t, parsed, "outer")
	assert.Empty(t, outer.Reads)
	assert.Empty(t, outer.Writes, "prose that starts with select is not SQL with tables")

	inner := findObject(t, parsed, "outer.inner")
	assert.Equal(t, UnitPythonFunction, inner.UnitKind)
	assert.Equal(t, "outer", inner.Parent)
	assert.Equal(t, []string{"dw.flags"}, inner.Writes)
}

func TestPythonParser_InvalidUTF8(t *testing.T) {
	_, err := NewPythonParser().Parse(context.Background(), []byte{'x', '=', 0xff}, "")
	assert.ErrorIs(t, err, ErrParse)
}

func TestPyStringBody(t *testing.T) {
	tests := map[string]string{
		`"abc"`:         "abc",
		`'abc'`:         "abc",
		`"""a\nb"""`:    `a\nb`,
		`f"x {y}"`:      "x {y}",
		`rb'raw'`:       "raw",
		`'''select'''`:  "select",
		`"unbalanced`:   `"unbalanced`,
	}
	for in, want := range tests {
		assert.Equal(t, want, pyStringBody(in), in)
	}
}
