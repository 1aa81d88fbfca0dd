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
	"errors"
	"fmt"
	"math"
	"time"
)

// Source identifies the process that created a relationship.
type Source string

const (
	SourceParser Source = "parser"
	SourceLLM    Source = "llm"
	SourceHuman  Source = "human"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceParser || s == SourceLLM || s == SourceHuman
}

// Status is the review state of a relationship.
type Status string

const (
	StatusApproved      Status = "approved"
	StatusPendingReview Status = "pending_review"
	StatusRejected      Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusApproved || s == StatusPendingReview || s == StatusRejected
}

// MaxUncalibratedConfidence caps the confidence of inferred edges whose
// producer does not claim calibration.
const MaxUncalibratedConfidence = 0.99

// Attribute keys with meaning to the pipeline.
const (
	AttrFilePath = "file_path"
	AttrDefined  = "defined"
	AttrUnitKind = "unit_kind"
	AttrDialect  = "dialect"
)

var (
	// ErrInvalidEntity is returned when an entity fails validation.
	ErrInvalidEntity = errors.New("lineage: invalid entity")

	// ErrInvalidRelationship is returned when a relationship breaks the
	// invariants of its trust tier.
	ErrInvalidRelationship = errors.New("lineage: invalid relationship")
)

// Entity is a node in the lineage graph.
type Entity struct {
	ID         string         `json:"id"`
	Kind       EntityKind     `json:"kind"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Defined reports whether the entity was declared by the file it came from,
// as opposed to only being referenced there.
func (e Entity) Defined() bool {
	v, ok := e.Attributes[AttrDefined].(bool)
	return ok && v
}

// Validate checks the entity's identity and kind.
func (e Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEntity)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %s has unknown kind %q", ErrInvalidEntity, e.ID, e.Kind)
	}
	if e.Kind == KindCodeUnit {
		unit, _ := e.Attributes[AttrUnitKind].(string)
		if !IsCodeUnitKind(unit) {
			return fmt.Errorf("%w: %s has unregistered unit kind %q", ErrInvalidEntity, e.ID, unit)
		}
	}
	return nil
}

// Relationship is a directed lineage edge between two entities.
//
// Source and Confidence are set once by the constructor of the edge's trust
// tier. Status and the review fields change only through Review.
type Relationship struct {
	ID         string           `json:"id"`
	SourceID   string           `json:"source_id"`
	TargetID   string           `json:"target_id"`
	Kind       RelationshipKind `json:"kind"`
	Source     Source           `json:"source"`
	Confidence float64          `json:"confidence"`
	Status     Status           `json:"status"`
	Evidence   string           `json:"evidence,omitempty"`
	Rationale  string           `json:"rationale,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`

	ReviewedBy string    `json:"reviewed_by,omitempty"`
	ReviewedAt time.Time `json:"reviewed_at,omitempty"`
	ReviewNote string    `json:"review_note,omitempty"`
}

// NewParsedRelationship builds an edge found by deterministic extraction.
func NewParsedRelationship(sourceID, targetID string, kind RelationshipKind, evidence string, now time.Time) Relationship {
	return Relationship{
		ID:         RelationshipID(sourceID, kind, targetID, SourceParser),
		SourceID:   sourceID,
		TargetID:   targetID,
		Kind:       kind,
		Source:     SourceParser,
		Confidence: 1.0,
		Status:     StatusApproved,
		Evidence:   evidence,
		CreatedAt:  now.UTC(),
	}
}

// InferenceOptions tunes NewInferredRelationship.
type InferenceOptions struct {
	// Calibrated allows a confidence of 1.0 for producers whose scores are
	// known to be calibrated.
	Calibrated bool

	// Rationale is the producer's free-text explanation.
	Rationale string
}

// NewInferredRelationship builds an edge proposed by inference. The edge is
// always pending review.
func NewInferredRelationship(sourceID, targetID string, kind RelationshipKind, confidence float64, evidence string, opts InferenceOptions, now time.Time) (Relationship, error) {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return Relationship{}, fmt.Errorf("%w: confidence %v out of range", ErrInvalidRelationship, confidence)
	}
	if !opts.Calibrated && confidence > MaxUncalibratedConfidence {
		confidence = MaxUncalibratedConfidence
	}
	r := Relationship{
		ID:         RelationshipID(sourceID, kind, targetID, SourceLLM),
		SourceID:   sourceID,
		TargetID:   targetID,
		Kind:       kind,
		Source:     SourceLLM,
		Confidence: confidence,
		Status:     StatusPendingReview,
		Evidence:   evidence,
		Rationale:  opts.Rationale,
		CreatedAt:  now.UTC(),
	}
	return r, r.Validate()
}

// Validate checks the relationship against the invariants of its source.
func (r Relationship) Validate() error {
	switch {
	case r.SourceID == "" || r.TargetID == "":
		return fmt.Errorf("%w: missing endpoint", ErrInvalidRelationship)
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidRelationship)
	case !r.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRelationship, r.Kind)
	case !r.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRelationship, r.Status)
	case r.Confidence < 0 || r.Confidence > 1:
		return fmt.Errorf("%w: confidence %v out of range", ErrInvalidRelationship, r.Confidence)
	}

	switch r.Source {
	case SourceParser:
		if r.Confidence != 1.0 {
			return fmt.Errorf("%w: parser edge %s must have confidence 1.0", ErrInvalidRelationship, r.ID)
		}
		if r.ReviewedBy == "" && r.Status != StatusApproved {
			return fmt.Errorf("%w: parser edge %s must be created approved", ErrInvalidRelationship, r.ID)
		}
	case SourceLLM:
		if r.ReviewedBy == "" && r.Status != StatusPendingReview {
			return fmt.Errorf("%w: inferred edge %s must be created pending_review", ErrInvalidRelationship, r.ID)
		}
	case SourceHuman:
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalidRelationship, r.Source)
	}
	return nil
}

// Reviewed reports whether a human has acted on the edge.
func (r Relationship) Reviewed() bool {
	return r.ReviewedBy != "" || !r.ReviewedAt.IsZero()
}
