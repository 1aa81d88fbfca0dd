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

package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kraklabs/lineage/pkg/lineage"
)

func TestRelationshipUpsertCypher_RefreshesEvidenceOnMatch(t *testing.T) {
	cypher := relationshipUpsertCypher()
	assert.Equal(t, len(lineage.RelationshipKinds), strings.Count(cypher, "ON MATCH SET r.evidence ="))
	assert.NotContains(t, cypher, "ON MATCH SET r.status")
	assert.NotContains(t, cypher, "ON MATCH SET r.confidence")
}

func TestRelationshipLookupCypher_IsTyped(t *testing.T) {
	for name, cypher := range map[string]string{
		"by id":  relationshipByIDCypher(),
		"review": relationshipReviewCypher(),
	} {
		t.Run(name, func(t *testing.T) {
			assert.NotContains(t, cypher, "[r {id: $id}]", "untyped match cannot use the per-kind id index")
			for _, k := range lineage.RelationshipKinds {
				assert.Contains(t, cypher, "[r:"+string(k)+" {id: $id}]")
			}
			assert.Equal(t, len(lineage.RelationshipKinds)-1, strings.Count(cypher, "UNION ALL"))
		})
	}
}
