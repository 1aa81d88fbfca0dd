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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunInProgress          RunStatus = "in_progress"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
)

// Stages recorded in ItemError.
const (
	StageSubmit  = "submit"
	StageRead    = "read"
	StageParse   = "parse"
	StageExtract = "extract"
	StageWrite   = "write"
	StageInfer   = "infer"
	StageStore   = "store"
)

// maxRunErrors caps the per-item errors kept on a run record. Counts stay
// exact past the cap.
const maxRunErrors = 200

// RunCounts are the per-run counters.
type RunCounts struct {
	FilesSubmitted       int `json:"files_submitted"`
	FilesProcessed       int `json:"files_processed"`
	FilesFailed          int `json:"files_failed"`
	FilesRejected        int `json:"files_rejected"`
	CacheHits            int `json:"cache_hits"`
	CacheMisses          int `json:"cache_misses"`
	ParseInvocations     int `json:"parse_invocations"`
	EntitiesWritten      int `json:"entities_written"`
	RelationshipsWritten int `json:"relationships_written"`
	ProposalsStored      int `json:"proposals_stored"`
	ProposalsUnresolved  int `json:"proposals_unresolved"`
	ItemsFailed          int `json:"items_failed"`
	Batches              int `json:"batches"`
	Retries              int `json:"retries"`
	Splits               int `json:"splits"`
}

// ItemError records why one file or item did not make it into the graph.
type ItemError struct {
	Path  string `json:"path,omitempty"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// Run is the record of one ingestion invocation. It is safe for concurrent
// use; read fields through Snapshot while the run is in progress.
type Run struct {
	ID          string    `json:"id"`
	Trigger     string    `json:"trigger,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Status      RunStatus `json:"status"`
	// Reason explains a failed run.
	Reason        string      `json:"reason,omitempty"`
	Counts        RunCounts   `json:"counts"`
	Errors        []ItemError `json:"errors,omitempty"`
	ErrorsDropped int         `json:"errors_dropped,omitempty"`
	FailureLog    string      `json:"failure_log,omitempty"`

	mu sync.Mutex
}

// NewRun starts a run record.
func NewRun(id, trigger string, now time.Time) *Run {
	return &Run{ID: id, Trigger: trigger, StartedAt: now.UTC(), Status: RunInProgress}
}

// Update applies fn to the counts under the run's lock.
func (r *Run) Update(fn func(c *RunCounts)) {
	r.mu.Lock()
	fn(&r.Counts)
	r.mu.Unlock()
}

// Fail records an item error.
func (r *Run) Fail(path, stage string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Errors) >= maxRunErrors {
		r.ErrorsDropped++
		return
	}
	r.Errors = append(r.Errors, ItemError{Path: path, Stage: stage, Error: err.Error()})
}

// Finish sets the final status. Without an explicit failure the status is
// completed, or completed_with_errors when anything failed.
func (r *Run) Finish(now time.Time, fatal error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CompletedAt = now.UTC()
	switch {
	case fatal != nil:
		r.Status = RunFailed
		r.Reason = fatal.Error()
	case r.Counts.FilesFailed > 0 || r.Counts.FilesRejected > 0 || r.Counts.ItemsFailed > 0:
		r.Status = RunCompletedWithErrors
	default:
		r.Status = RunCompleted
	}
}

// Snapshot returns a copy safe to read without locking.
func (r *Run) Snapshot() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Run{
		ID:            r.ID,
		Trigger:       r.Trigger,
		Priority:      r.Priority,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		Status:        r.Status,
		Reason:        r.Reason,
		Counts:        r.Counts,
		Errors:        append([]ItemError(nil), r.Errors...),
		ErrorsDropped: r.ErrorsDropped,
		FailureLog:    r.FailureLog,
	}
}

// Duration is the wall time of a finished run.
func (r *Run) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// MarshalJSON encodes the run under its lock.
func (r *Run) MarshalJSON() ([]byte, error) {
	type plain Run
	snap := r.Snapshot()
	return json.Marshal((*plain)(snap))
}

// RunStore persists run records, one JSON file per run.
type RunStore struct {
	dir string
}

// NewRunStore stores runs under dir (usually .lineage/runs).
func NewRunStore(dir string) *RunStore {
	return &RunStore{dir: dir}
}

// Dir returns the directory runs are stored in.
func (s *RunStore) Dir() string { return s.dir }

func (s *RunStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes run atomically.
func (s *RunStore) Save(run *Run) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	path := s.path(run.ID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write run temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename run: %w", err)
	}
	return nil
}

// Load reads the run with the given id.
func (s *RunStore) Load(id string) (*Run, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", id, err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse run %s: %w", id, err)
	}
	return &run, nil
}

// List returns up to n runs, newest first. n <= 0 returns all of them.
// Unreadable files are skipped.
func (s *RunStore) List(n int) ([]*Run, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var runs []*Run
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		run, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if n > 0 && len(runs) > n {
		runs = runs[:n]
	}
	return runs, nil
}

// Latest returns the newest run, or nil when none has been stored.
func (s *RunStore) Latest() (*Run, error) {
	runs, err := s.List(1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}
