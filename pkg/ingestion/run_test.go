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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Finish(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		counts RunCounts
		fatal  error
		want   RunStatus
	}{
		{"clean", RunCounts{FilesProcessed: 3}, nil, RunCompleted},
		{"file failed", RunCounts{FilesProcessed: 2, FilesFailed: 1}, nil, RunCompletedWithErrors},
		{"file rejected", RunCounts{FilesRejected: 1}, nil, RunCompletedWithErrors},
		{"item failed", RunCounts{ItemsFailed: 4}, nil, RunCompletedWithErrors},
		{"fatal wins", RunCounts{FilesProcessed: 3}, errors.New("store down"), RunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := NewRun("r1", TriggerCLI, start)
			assert.Equal(t, RunInProgress, run.Status)
			run.Update(func(c *RunCounts) { *c = tt.counts })
			run.Finish(start.Add(2*time.Second), tt.fatal)

			assert.Equal(t, tt.want, run.Status)
			assert.Equal(t, 2*time.Second, run.Duration())
			if tt.fatal != nil {
				assert.Equal(t, "store down", run.Reason)
			}
		})
	}
}

func TestRun_ErrorCap(t *testing.T) {
	run := NewRun("r1", TriggerCLI, time.Now())
	for i := 0; i < maxRunErrors+5; i++ {
		run.Fail(fmt.Sprintf("f%d.sql", i), StageParse, errors.New("bad"))
	}
	snap := run.Snapshot()
	assert.Len(t, snap.Errors, maxRunErrors)
	assert.Equal(t, 5, snap.ErrorsDropped)
	assert.Equal(t, ItemError{Path: "f0.sql", Stage: StageParse, Error: "bad"}, snap.Errors[0])
}

func TestRun_JSON(t *testing.T) {
	run := NewRun("r1", TriggerWatch, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	run.Update(func(c *RunCounts) { c.CacheHits = 2 })
	run.Finish(run.StartedAt.Add(time.Second), nil)

	data, err := json.Marshal(run)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "completed", decoded["status"])
	assert.Equal(t, "watch", decoded["trigger"])
	assert.Equal(t, 2.0, decoded["counts"].(map[string]any)["cache_hits"])
}

func TestRunStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	store := NewRunStore(dir)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	runs, err := store.List(0)
	require.NoError(t, err)
	assert.Empty(t, runs, "missing directory is not an error")

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)

	for i, id := range []string{"a", "b", "c"} {
		run := NewRun(id, TriggerCLI, base.Add(time.Duration(i)*time.Minute))
		run.Update(func(c *RunCounts) { c.FilesProcessed = i + 1 })
		run.Finish(run.StartedAt.Add(time.Second), nil)
		require.NoError(t, store.Save(run))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{not json"), 0644))

	loaded, err := store.Load("b")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Counts.FilesProcessed)
	assert.Equal(t, RunCompleted, loaded.Status)

	runs, err = store.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})

	runs, err = store.List(2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	latest, err = store.Latest()
	require.NoError(t, err)
	assert.Equal(t, "c", latest.ID)

	_, err = store.Load("missing")
	assert.Error(t, err)

	_, err = os.Stat(filepath.Join(dir, "c.json.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}
