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

package lineage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReview_Transitions(t *testing.T) {
	pending, err := NewInferredRelationship("asset:a", "asset:b", RelDerives, 0.7, "job.py", InferenceOptions{}, testNow)
	require.NoError(t, err)
	approved := NewParsedRelationship("asset:a", "asset:b", RelReadsFrom, "x.sql", testNow)
	rejected := pending
	rejected.Status = StatusRejected

	tests := []struct {
		name     string
		edge     Relationship
		decision Decision
		want     Status
		wantErr  bool
	}{
		{"pending to approved", pending, DecisionApprove, StatusApproved, false},
		{"pending to rejected", pending, DecisionReject, StatusRejected, false},
		{"approved to rejected", approved, DecisionReject, StatusRejected, false},
		{"rejected to approved", rejected, DecisionApprove, StatusApproved, false},
		{"approved again", approved, DecisionApprove, "", true},
		{"rejected again", rejected, DecisionReject, "", true},
		{"unknown decision", pending, Decision("maybe"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Review(tt.edge, tt.decision, "alice", "", testNow)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.edge, out)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Status)
			assert.Equal(t, "alice", out.ReviewedBy)
		})
	}
}

func TestReview_NeverChangesConfidenceOrSource(t *testing.T) {
	edge, err := NewInferredRelationship("asset:a", "asset:b", RelDerives, 0.42, "evidence", InferenceOptions{Rationale: "same columns"}, testNow)
	require.NoError(t, err)

	approved, err := Review(edge, DecisionApprove, "bob", "looks right", testNow.Add(time.Hour))
	require.NoError(t, err)
	rejected, err := Review(approved, DecisionReject, "carol", "wrong job", testNow.Add(2*time.Hour))
	require.NoError(t, err)

	for _, r := range []Relationship{approved, rejected} {
		assert.Equal(t, edge.Confidence, r.Confidence)
		assert.Equal(t, edge.Source, r.Source)
		assert.Equal(t, edge.Evidence, r.Evidence)
		assert.Equal(t, edge.ID, r.ID)
		assert.Equal(t, edge.CreatedAt, r.CreatedAt)
		assert.NoError(t, r.Validate())
	}
	assert.Equal(t, "carol", rejected.ReviewedBy)
	assert.Equal(t, "wrong job", rejected.ReviewNote)
}

type reviewStoreStub struct {
	edges   map[string]Relationship
	updates []StatusUpdate
}

func (s *reviewStoreStub) Relationship(_ context.Context, id string) (Relationship, error) {
	r, ok := s.edges[id]
	if !ok {
		return Relationship{}, assert.AnError
	}
	return r, nil
}

func (s *reviewStoreStub) UpdateRelationshipStatus(_ context.Context, id string, u StatusUpdate) error {
	s.updates = append(s.updates, u)
	r := s.edges[id]
	r.Status = u.Status
	s.edges[id] = r
	return nil
}

func TestReviewer_Review(t *testing.T) {
	edge, err := NewInferredRelationship("asset:a", "asset:b", RelDerives, 0.8, "", InferenceOptions{}, testNow)
	require.NoError(t, err)
	store := &reviewStoreStub{edges: map[string]Relationship{edge.ID: edge}}
	rv := NewReviewer(store)

	out, err := rv.Review(context.Background(), edge.ID, DecisionApprove, "alice", "ok")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, out.Status)
	require.Len(t, store.updates, 1)
	assert.Equal(t, StatusApproved, store.updates[0].Status)
	assert.Equal(t, "alice", store.updates[0].ReviewedBy)

	_, err = rv.Review(context.Background(), edge.ID, DecisionApprove, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, store.updates, 1)

	_, err = rv.Review(context.Background(), "rel:missing", DecisionReject, "alice", "")
	assert.Error(t, err)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("Approved")
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, d)

	_, err = ParseDecision("skip")
	assert.Error(t, err)
}
