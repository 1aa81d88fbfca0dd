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
	"errors"
	"fmt"
	"strings"
	"time"
)

// Decision is a reviewer's verdict on an edge.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision accepts "approve"/"approved" and "reject"/"rejected".
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return DecisionApprove, nil
	case "reject", "rejected":
		return DecisionReject, nil
	}
	return "", fmt.Errorf("lineage: unknown decision %q", s)
}

func (d Decision) target() (Status, bool) {
	switch d {
	case DecisionApprove:
		return StatusApproved, true
	case DecisionReject:
		return StatusRejected, true
	}
	return "", false
}

// ErrInvalidTransition is returned when a decision does not move the edge
// to a different status.
var ErrInvalidTransition = errors.New("lineage: invalid review transition")

// Review applies decision to edge and returns the reviewed copy.
//
// Transitions: pending_review to approved or rejected, and the re-review
// corrections approved to rejected and rejected to approved. Only Status and
// the review fields change; Source, Confidence and Evidence are carried over.
func Review(edge Relationship, decision Decision, reviewer, note string, now time.Time) (Relationship, error) {
	to, ok := decision.target()
	if !ok {
		return edge, fmt.Errorf("%w: unknown decision %q", ErrInvalidTransition, decision)
	}
	if !edge.Status.Valid() {
		return edge, fmt.Errorf("%w: edge %s has unknown status %q", ErrInvalidTransition, edge.ID, edge.Status)
	}
	if edge.Status == to {
		return edge, fmt.Errorf("%w: edge %s is already %s", ErrInvalidTransition, edge.ID, to)
	}
	if reviewer == "" {
		reviewer = "unknown"
	}

	out := edge
	out.Status = to
	out.ReviewedBy = reviewer
	out.ReviewedAt = now.UTC()
	out.ReviewNote = note
	return out, nil
}

// StatusUpdate is the only mutation a store applies to an existing edge.
type StatusUpdate struct {
	Status     Status
	ReviewedBy string
	ReviewedAt time.Time
	ReviewNote string
}

// ReviewStore is the persistence surface the Reviewer needs.
type ReviewStore interface {
	Relationship(ctx context.Context, id string) (Relationship, error)
	UpdateRelationshipStatus(ctx context.Context, id string, update StatusUpdate) error
}

// Reviewer exposes Review against a store so any interface (CLI, batch
// script, API) can drive the same transition.
type Reviewer struct {
	store ReviewStore
	now   func() time.Time
}

// NewReviewer creates a Reviewer backed by store.
func NewReviewer(store ReviewStore) *Reviewer {
	return &Reviewer{store: store, now: time.Now}
}

// Review loads edgeID, applies decision and persists the new status.
func (rv *Reviewer) Review(ctx context.Context, edgeID string, decision Decision, reviewer, note string) (Relationship, error) {
	edge, err := rv.store.Relationship(ctx, edgeID)
	if err != nil {
		return Relationship{}, fmt.Errorf("load edge %s: %w", edgeID, err)
	}
	reviewed, err := Review(edge, decision, reviewer, note, rv.now())
	if err != nil {
		return edge, err
	}
	update := StatusUpdate{
		Status:     reviewed.Status,
		ReviewedBy: reviewed.ReviewedBy,
		ReviewedAt: reviewed.ReviewedAt,
		ReviewNote: reviewed.ReviewNote,
	}
	if err := rv.store.UpdateRelationshipStatus(ctx, edgeID, update); err != nil {
		return edge, fmt.Errorf("store review of %s: %w", edgeID, err)
	}
	return reviewed, nil
}
