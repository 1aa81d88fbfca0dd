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

// Package lineage defines the data model shared by deterministic extraction
// and LLM inference: graph entities, lineage relationships, the trust tiers
// that separate parsed edges from inferred ones, and the review state machine
// that moves inferred edges between pending_review, approved and rejected.
//
// # Trust Tiers
//
// Relationships are created through one of two constructors:
//
//	edge := lineage.NewParsedRelationship(view, table, lineage.RelReadsFrom, "sql/v_sales.sql", now)
//	// source=parser, confidence=1.0, status=approved
//
//	edge, err := lineage.NewInferredRelationship(a, b, lineage.RelDerives, 0.72, "etl.py:14", lineage.InferenceOptions{}, now)
//	// source=llm, confidence=0.72, status=pending_review
//
// Confidence and source are fixed at construction. Review only moves status:
//
//	reviewed, err := lineage.Review(edge, lineage.DecisionApprove, "alice", "checked job config", time.Now())
//
// # Filtering
//
// Consumers filter by source, status and a minimum confidence. DefaultFilter
// excludes rejected edges, and Traverse walks upstream or downstream lineage
// through any EdgeReader using a Filter.
package lineage
