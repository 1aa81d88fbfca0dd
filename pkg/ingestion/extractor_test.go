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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/lineage/pkg/lineage"
)

var extractNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestExtractor(columns bool) *Extractor {
	return &Extractor{ColumnLineage: columns, Now: func() time.Time { return extractNow }}
}

func entityIndex(ext Extraction) map[string]lineage.Entity {
	out := make(map[string]lineage.Entity, len(ext.Entities))
	for _, e := range ext.Entities {
		out[e.ID] = e
	}
	return out
}

// edgeSet renders edges as "source -KIND-> target".
func edgeSet(ext Extraction) []string {
	out := make([]string, 0, len(ext.Relationships))
	for _, r := range ext.Relationships {
		out = append(out, r.SourceID+" -"+string(r.Kind)+"-> "+r.TargetID)
	}
	return out
}

func TestExtractor_View(t *testing.T) {
	ext := newTestExtractor(false).Extract("reporting/sales_views.sql", parseFixture(t, "sql/sales_views.sql"))

	require.Len(t, ext.Entities, 3)
	ents := entityIndex(ext)

	view := ents["asset:reporting.customer_revenue"]
	assert.Equal(t, lineage.KindView, view.Kind)
	assert.Equal(t, "reporting.customer_revenue", view.Name)
	assert.True(t, view.Defined())
	assert.Equal(t, "reporting/sales_views.sql", view.Attributes[lineage.AttrFilePath])
	assert.Equal(t, DialectANSI, view.Attributes[lineage.AttrDialect])

	orders := ents["asset:sales.orders"]
	assert.Equal(t, lineage.KindTable, orders.Kind)
	assert.False(t, orders.Defined())
	assert.NotContains(t, orders.Attributes, lineage.AttrFilePath)

	assert.ElementsMatch(t, []string{
		"asset:reporting.customer_revenue -READS_FROM-> asset:sales.orders",
		"asset:reporting.customer_revenue -READS_FROM-> asset:sales.customers",
	}, edgeSet(ext))

	for _, r := range ext.Relationships {
		assert.Equal(t, lineage.SourceParser, r.Source)
		assert.Equal(t, 1.0, r.Confidence)
		assert.Equal(t, lineage.StatusApproved, r.Status)
		assert.Equal(t, extractNow, r.CreatedAt)
		assert.Contains(t, r.Evidence, "CREATE OR REPLACE VIEW")
		assert.NoError(t, r.Validate())
	}
}

func TestExtractor_TSQL(t *testing.T) {
	ext := newTestExtractor(false).Extract("db/tsql_procs.sql", parseFixture(t, "sql/tsql_procs.sql"))

	ents := entityIndex(ext)
	assert.Len(t, ents, 9)
	assert.Equal(t, lineage.KindTable, ents["asset:dbo.orders"].Kind)
	assert.True(t, ents["asset:dbo.orders"].Defined(), "a definition beats later references")
	assert.Equal(t, lineage.KindProcedure, ents["routine:dbo.usp_refreshtotals"].Kind)
	assert.False(t, ents["routine:dbo.usp_refreshtotals"].Defined())
	assert.Equal(t, lineage.KindSynonym, ents["asset:dbo.currentorders"].Kind)

	assert.ElementsMatch(t, []string{
		"routine:dbo.usp_loadorders -READS_FROM-> asset:staging.orders",
		"routine:dbo.usp_loadorders -READS_FROM-> asset:staging.adjustments",
		"routine:dbo.usp_loadorders -WRITES_TO-> asset:dbo.orders",
		"routine:dbo.usp_loadorders -CALLS-> routine:dbo.usp_refreshtotals",
		"trigger:trg_orders_audit -ATTACHED_TO-> asset:dbo.orders",
		"trigger:trg_orders_audit -WRITES_TO-> asset:audit.orderchanges",
		"asset:dbo.currentorders -ALIAS_OF-> asset:sales.dbo.orders",
	}, edgeSet(ext))
}

func TestExtractor_PostgresStatements(t *testing.T) {
	ext := newTestExtractor(false).Extract("etl.sql", parseFixture(t, "sql/postgres_etl.sql"))

	ents := entityIndex(ext)
	assert.Equal(t, lineage.KindFunction, ents["routine:etl.refresh_daily_sales"].Kind)
	assert.Equal(t, lineage.KindMaterializedView, ents["asset:mart.store_totals"].Kind)
	assert.Contains(t, ents, "asset:console")

	assert.ElementsMatch(t, []string{
		"routine:etl.refresh_daily_sales -READS_FROM-> asset:raw.sales",
		"routine:etl.refresh_daily_sales -WRITES_TO-> asset:mart.daily_sales",
		"routine:etl.refresh_daily_sales -CALLS-> routine:etl.log_refresh",
		"asset:mart.store_totals -READS_FROM-> asset:mart.daily_sales",
		"asset:mart.recent_sales -DERIVES-> asset:raw.sales",
		"asset:console -DERIVES-> asset:raw.sales",
	}, edgeSet(ext))
}

func TestExtractor_ColumnLineage(t *testing.T) {
	ext := newTestExtractor(true).Extract("reporting/sales_views.sql", parseFixture(t, "sql/sales_views.sql"))

	ents := entityIndex(ext)
	assert.Len(t, ents, 12)

	col := ents["column:reporting.customer_revenue#region"]
	assert.Equal(t, lineage.KindColumn, col.Kind)
	assert.Equal(t, "reporting.customer_revenue.region", col.Name)
	assert.True(t, col.Defined())
	assert.False(t, ents["column:sales.customers#region"].Defined())

	edges := edgeSet(ext)
	assert.Len(t, edges, 11)
	assert.Contains(t, edges, "asset:reporting.customer_revenue -CONTAINS-> column:reporting.customer_revenue#order_count")
	assert.Contains(t, edges, "column:reporting.customer_revenue#revenue -DERIVES-> column:sales.orders#amount_cents")
	assert.Contains(t, edges, "column:reporting.customer_revenue#customer_id -DERIVES-> column:sales.customers#customer_id")

	for _, r := range ext.Relationships {
		if r.Kind == lineage.RelDerives && r.TargetID == "column:sales.customers#region" {
			assert.Equal(t, "COALESCE(c.region, 'unknown')", r.Evidence)
		}
	}
}

func TestExtractor_StatementColumnLineage(t *testing.T) {
	parsed := parseSQL(t, "INSERT INTO dw.sales (sale_id) SELECT s.id FROM stg.sales s;", DialectANSI)

	off := newTestExtractor(false).Extract("load.sql", parsed)
	assert.Equal(t, []string{"asset:dw.sales -DERIVES-> asset:stg.sales"}, edgeSet(off))

	on := newTestExtractor(true).Extract("load.sql", parsed)
	assert.Contains(t, edgeSet(on), "column:dw.sales#sale_id -DERIVES-> column:stg.sales#id")
	assert.False(t, entityIndex(on)["column:dw.sales#sale_id"].Defined(), "statements only reference columns")
}

func TestExtractor_Python(t *testing.T) {
	ext := newTestExtractor(false).Extract("app/repository.py", parseFixture(t, "python/repository.py"))

	ents := entityIndex(ext)
	assert.Len(t, ents, 14)

	module := ents["unit:app/repository.py"]
	assert.Equal(t, lineage.KindCodeUnit, module.Kind)
	assert.Equal(t, "repository", module.Name)
	assert.Equal(t, UnitPythonModule, module.Attributes[lineage.AttrUnitKind])
	assert.Equal(t, "app/repository.py", module.Attributes[lineage.AttrFilePath])
	assert.NotContains(t, module.Attributes, lineage.AttrDialect)

	dep := ents["unit:app/queries.py"]
	assert.False(t, dep.Defined())
	assert.Equal(t, "queries", dep.Name)

	method := ents["unit:app/repository.py#OrderRepository.recent"]
	assert.Equal(t, UnitPythonMethod, method.Attributes[lineage.AttrUnitKind])
	assert.Equal(t, 14, method.Attributes["line"])

	assert.ElementsMatch(t, []string{
		"unit:app/repository.py -DEPENDS_ON-> unit:logging.py",
		"unit:app/repository.py -DEPENDS_ON-> unit:app/db.py",
		"unit:app/repository.py -DEPENDS_ON-> unit:app/__init__.py",
		"unit:app/repository.py -DEPENDS_ON-> unit:app/queries.py",
		"unit:app/repository.py -CONTAINS-> unit:app/repository.py#OrderRepository",
		"unit:app/repository.py#OrderRepository -CONTAINS-> unit:app/repository.py#OrderRepository.__init__",
		"unit:app/repository.py#OrderRepository -CONTAINS-> unit:app/repository.py#OrderRepository.recent",
		"unit:app/repository.py#OrderRepository -CONTAINS-> unit:app/repository.py#OrderRepository.archive",
		"unit:app/repository.py -CONTAINS-> unit:app/repository.py#purge",
		"unit:app/repository.py#OrderRepository.recent -READS_FROM-> asset:sales.orders",
		"unit:app/repository.py#OrderRepository.recent -READS_FROM-> asset:sales.customers",
		"unit:app/repository.py#OrderRepository.archive -READS_FROM-> asset:sales.orders",
		"unit:app/repository.py#OrderRepository.archive -WRITES_TO-> asset:archive.orders",
		"unit:app/repository.py#purge -WRITES_TO-> asset:staging.orders",
	}, edgeSet(ext))

	for _, e := range ext.Entities {
		assert.NoError(t, e.Validate(), e.ID)
	}
}

func TestPyModuleFile(t *testing.T) {
	tests := []struct {
		from, module, want string
	}{
		{"app/repo.py", "os.path", "os/path.py"},
		{"app/repo.py", ".models", "app/models.py"},
		{"app/sub/repo.py", "..util.text", "app/util/text.py"},
		{"app/repo.py", ".", "app/__init__.py"},
		{`app\win\repo.py`, ".x", "app/win/x.py"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pyModuleFile(tt.from, tt.module), tt.module)
	}
}
