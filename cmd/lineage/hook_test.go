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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/lineage/internal/errors"
)

func TestInstallHook(t *testing.T) {
	hookPath := filepath.Join(t.TempDir(), ".git", "hooks", "post-commit")

	installed, err := installHook(hookPath, false)
	require.NoError(t, err)
	assert.True(t, installed)
	content, err := os.ReadFile(hookPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), hookMarker)
	assert.Contains(t, string(content), "ingest --priority critical")

	installed, err = installHook(hookPath, false)
	require.NoError(t, err)
	assert.False(t, installed)

	require.NoError(t, removeHook(hookPath))
	assert.Error(t, removeHook(hookPath))
}

func TestInstallHook_ForeignHook(t *testing.T) {
	hookPath := filepath.Join(t.TempDir(), "post-commit")
	require.NoError(t, os.WriteFile(hookPath, []byte("#!/bin/sh\nmake lint\n"), 0o755))

	_, err := installHook(hookPath, false)
	assert.Error(t, err)
	assert.Error(t, removeHook(hookPath))

	installed, err := installHook(hookPath, true)
	require.NoError(t, err)
	assert.True(t, installed)
}

func TestFindGitDir(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(repo, ".git"), 0o755))
	nested := filepath.Join(repo, "sql", "views")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)

	got, err := findGitDir()
	require.NoError(t, err)
	want, _ := filepath.EvalSymlinks(filepath.Join(repo, ".git"))
	gotResolved, _ := filepath.EvalSymlinks(got)
	assert.Equal(t, want, gotResolved)
}

func TestFindGitDir_Worktree(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".git"), []byte("gitdir: ../main/.git/worktrees/wt\n"), 0o644))
	t.Chdir(repo)

	got, err := findGitDir()
	require.NoError(t, err)
	assert.Equal(t, "worktrees", filepath.Base(filepath.Dir(got)))
}

func TestRunCompletion(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish"} {
		t.Run(shell, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, writeCompletion(&buf, shell))
			for _, name := range []string{"ingest", "watch", "review", "completion"} {
				assert.Contains(t, buf.String(), name)
			}
		})
	}

	var buf bytes.Buffer
	err := writeCompletion(&buf, "powershell")
	assert.Equal(t, errors.ExitInput, exitCode(t, err))

	capture(t)
	assert.Equal(t, errors.ExitInput, exitCode(t, runCompletion(context.Background(), nil, GlobalFlags{})))
}
