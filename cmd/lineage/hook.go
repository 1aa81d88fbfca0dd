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
	"os"
	"path/filepath"
	"strings"

	"github.com/kraklabs/lineage/internal/errors"
	"github.com/kraklabs/lineage/internal/output"
	"github.com/kraklabs/lineage/internal/ui"
)

// hookMarker identifies hooks written by install-hook.
const hookMarker = "# lineage auto-ingest hook"

const postCommitHookContent = `#!/bin/sh
` + hookMarker + ` - ingests the SQL and Python files changed by this commit
# Installed by: lineage install-hook
# Remove with: lineage install-hook --remove

FILES=$(git diff-tree --no-commit-id --name-only --diff-filter=ACMR -r HEAD -- '*.sql' '*.py')
[ -z "$FILES" ] && exit 0
lineage --quiet ingest --priority critical $FILES >/dev/null 2>&1 &
`

// runInstallHook executes the 'install-hook' CLI command, managing the git
// post-commit hook that ingests committed files.
func runInstallHook(_ context.Context, args []string, g GlobalFlags) error {
	fs := newFlagSet("install-hook", "[--force] [--remove]", `Installs a git post-commit hook that ingests the SQL and Python files
each commit touches, in the background and at critical priority.`)
	force := fs.Bool("force", false, "Overwrite an existing hook")
	remove := fs.Bool("remove", false, "Remove the hook instead of installing it")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	gitDir, err := findGitDir()
	if err != nil {
		return errors.NewInputError("Not a git repository", err.Error(), "Run install-hook inside the repository")
	}
	hookPath := filepath.Join(gitDir, "hooks", "post-commit")

	if *remove {
		if err := removeHook(hookPath); err != nil {
			return errors.NewInputError("Cannot remove hook", err.Error(), "Remove "+hookPath+" by hand if needed")
		}
		ui.Success("Git hook removed")
		return nil
	}

	installed, err := installHook(hookPath, *force)
	if err != nil {
		return errors.NewInputError("Cannot install hook", err.Error(), "Pass --force to overwrite the existing hook")
	}
	if g.JSON {
		return output.JSONTo(stdout, map[string]any{"hook": hookPath, "installed": installed})
	}
	if !installed {
		ui.Info("Hook already installed; use --force to reinstall")
		return nil
	}
	ui.Successf("Git hook installed: %s", hookPath)
	return nil
}

// findGitDir walks up from the working directory to the repository's git
// directory. A .git file (worktree) is followed to its gitdir.
func findGitDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() {
				return gitPath, nil
			}
			content, err := os.ReadFile(gitPath)
			if err != nil {
				return "", fmt.Errorf("cannot read .git file: %w", err)
			}
			var gitdir string
			if _, err := fmt.Sscanf(string(content), "gitdir: %s", &gitdir); err == nil {
				if filepath.IsAbs(gitdir) {
					return gitdir, nil
				}
				return filepath.Join(dir, gitdir), nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any of the parent directories)")
		}
		dir = parent
	}
}

// installHook writes the hook. It reports false when our hook is already in
// place and force is off.
func installHook(hookPath string, force bool) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(hookPath), 0o755); err != nil {
		return false, fmt.Errorf("cannot create hooks directory: %w", err)
	}
	if content, err := os.ReadFile(hookPath); err == nil && !force {
		if strings.Contains(string(content), hookMarker) {
			return false, nil
		}
		return false, fmt.Errorf("hook already exists at %s", hookPath)
	}
	if err := os.WriteFile(hookPath, []byte(postCommitHookContent), 0o755); err != nil {
		return false, fmt.Errorf("cannot write hook: %w", err)
	}
	return true, nil
}

// removeHook deletes the hook only when install-hook wrote it.
func removeHook(hookPath string) error {
	content, err := os.ReadFile(hookPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no hook found at %s", hookPath)
		}
		return fmt.Errorf("cannot read hook: %w", err)
	}
	if !strings.Contains(string(content), hookMarker) {
		return fmt.Errorf("hook at %s was not installed by lineage", hookPath)
	}
	if err := os.Remove(hookPath); err != nil {
		return fmt.Errorf("cannot remove hook: %w", err)
	}
	return nil
}
