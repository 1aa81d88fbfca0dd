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

package workerpool

import (
	"container/heap"
	"fmt"
	"strings"
	"time"
)

// Priority orders work items. Lower values are scheduled first.
type Priority int

const (
	// Critical is user-triggered single-file ingestion.
	Critical Priority = iota
	// Normal is coalesced file-change work.
	Normal
	// Batch is bulk historical backfill.
	Batch
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case Normal:
		return "normal"
	case Batch:
		return "batch"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps "critical", "normal" or "batch" to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return Critical, nil
	case "normal", "":
		return Normal, nil
	case "batch", "backfill":
		return Batch, nil
	}
	return Normal, fmt.Errorf("unknown priority %q (want critical, normal or batch)", s)
}

// Item is a queued unit of work. It is owned by the pool from Submit until a
// worker claims it, and runs at most once.
type Item struct {
	Path        string
	Priority    Priority
	SubmittedAt time.Time

	seq  uint64
	task Task
}

// itemHeap is a min-heap on (priority, submission sequence), which gives
// strict priority across levels and FIFO within a level.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

var _ heap.Interface = (*itemHeap)(nil)
