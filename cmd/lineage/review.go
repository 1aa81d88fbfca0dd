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

package main

import (
	"context"
	"fmt"
	"os/user"

	"github.com/kraklabs/lineage/internal/bootstrap"
	"github.com/kraklabs/lineage/internal/errors"
	"github.com/kraklabs/lineage/internal/output"
	"github.com/kraklabs/lineage/internal/ui"
	"github.com/kraklabs/lineage/pkg/lineage"
)

// runReview executes the 'review' CLI command.
func runReview(ctx context.Context, args []string, g GlobalFlags) error {
	fs := newFlagSet("review", "<edge-id> --approve|--reject [options]", `Records a human decision on an edge. Pending edges can be approved or
rejected; an earlier decision can be reversed. Source, confidence and
evidence are never changed by a review.`)
	approve := fs.Bool("approve", false, "Approve the edge")
	reject := fs.Bool("reject", false, "Reject the edge")
	by := fs.String("by", "", "Reviewer name (default: the current user)")
	note := fs.String("note", "", "Note stored with the decision")
	store := fs.String("store", "", "Graph store override")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.NewInputError("Missing edge ID", "", "Find IDs with 'lineage edges --status pending_review'")
	}
	if *approve == *reject {
		return errors.NewInputError("Choose one decision", "pass exactly one of --approve and --reject", "")
	}
	decision := lineage.DecisionApprove
	if *reject {
		decision = lineage.DecisionReject
	}
	reviewer := *by
	if reviewer == "" {
		if u, err := user.Current(); err == nil {
			reviewer = u.Username
		}
	}

	s, err := openSession(ctx, g, bootstrap.OpenOptions{Store: *store, NoCache: true}, nil)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	edge, err := lineage.NewReviewer(s.Store).Review(ctx, fs.Arg(0), decision, reviewer, *note)
	if err != nil {
		return err
	}
	s.Logger.Info("cli.review", "edge", edge.ID, "status", edge.Status, "by", edge.ReviewedBy)

	if g.JSON {
		return output.JSONTo(stdout, edge)
	}
	ui.Successf("Edge %s is now %s", edge.ID, ui.StatusText(string(edge.Status)))
	fmt.Fprintf(stdout, "  %s -[%s]-> %s  %s %s\n",
		lineage.NameFromID(edge.SourceID), edge.Kind, lineage.NameFromID(edge.TargetID),
		ui.DimText(string(edge.Source)), ui.ConfidenceText(edge.Confidence))
	return nil
}
