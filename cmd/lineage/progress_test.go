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
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressFor_QuietOrJSONDisables(t *testing.T) {
	assert.False(t, progressFor(GlobalFlags{Quiet: true}).enabled)
	assert.False(t, progressFor(GlobalFlags{JSON: true, Quiet: true}).enabled)
	assert.False(t, progressFor(GlobalFlags{NoColor: true}).color)
}

func TestFileBar(t *testing.T) {
	assert.Nil(t, progressOut{}.fileBar(phaseIngest, 10))

	var buf bytes.Buffer
	bar := progressOut{enabled: true, w: &buf}.fileBar(phaseIngest, 4)
	require.NotNil(t, bar)
	_ = bar.Add(1)
	assert.Contains(t, buf.String(), "Ingesting files")
	_ = bar.Add(3)
	finish(bar)
	assert.Equal(t, int64(4), bar.State().CurrentNum)
}

func TestSpinner(t *testing.T) {
	assert.Nil(t, progressOut{}.spinner(phaseVerify))

	var buf bytes.Buffer
	s := progressOut{enabled: true, w: &buf}.spinner(phaseVerify)
	require.NotNil(t, s)
	_ = s.Add(1)
	finish(s)
	finish(nil)
}

func TestFileProgress(t *testing.T) {
	assert.Nil(t, fileProgress(nil))

	var buf bytes.Buffer
	bar := progressOut{enabled: true, w: &buf}.fileBar(phaseIngest, 10)
	done := fileProgress(bar)
	require.NotNil(t, done)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done("a.sql")
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), bar.State().CurrentNum)
}

func TestPhaseLabel(t *testing.T) {
	tests := []struct {
		phase phase
		want  string
	}{
		{phaseDiscover, "Discovering files"},
		{phaseIngest, "Ingesting files"},
		{phaseReplay, "Replaying failures"},
		{phaseVerify, "Verifying cache"},
		{phase("custom"), "custom"},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.phase.label())
		})
	}
}
