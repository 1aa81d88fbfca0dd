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
	"io"
	"strings"

	"github.com/kraklabs/lineage/internal/errors"
)

// globalFlagNames are completed in every position.
var globalFlagNames = []string{"--json", "--quiet", "--no-color", "--debug", "--config", "--version"}

func init() {
	// Registered here because the scripts are generated from the table.
	commands = append(commands, command{"completion", "Generate a shell completion script (bash|zsh|fish)", runCompletion})
}

// runCompletion executes the 'completion' CLI command, writing a completion
// script for bash, zsh or fish to stdout.
func runCompletion(_ context.Context, args []string, _ GlobalFlags) error {
	fs := newFlagSet("completion", "bash|zsh|fish", `Outputs a shell completion script for lineage commands.

  source <(lineage completion bash)
  lineage completion zsh > "${fpath[1]}/_lineage"
  lineage completion fish > ~/.config/fish/completions/lineage.fish`)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.NewInputError(
			"Invalid arguments",
			"The completion command requires exactly one argument: the shell name",
			"Run 'lineage completion bash', 'lineage completion zsh', or 'lineage completion fish'",
		)
	}
	return writeCompletion(stdout, fs.Arg(0))
}

func writeCompletion(w io.Writer, shell string) error {
	var script string
	switch shell {
	case "bash":
		script = bashCompletion()
	case "zsh":
		script = zshCompletion()
	case "fish":
		script = fishCompletion()
	default:
		return errors.NewInputError(
			"Unsupported shell",
			fmt.Sprintf("Shell '%s' is not supported. Valid options: bash, zsh, fish", shell),
			"Run 'lineage completion bash', 'lineage completion zsh', or 'lineage completion fish'",
		)
	}
	_, err := io.WriteString(w, script)
	return err
}

func commandNames() []string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.name
	}
	return names
}

func bashCompletion() string {
	return fmt.Sprintf(`#!/bin/bash
# Bash completion for lineage
#   source <(lineage completion bash)

_lineage_completion() {
    local cur="${COMP_WORDS[COMP_CWORD]}"
    if [[ ${cur} == -* ]] ; then
        COMPREPLY=( $(compgen -W "%s" -- ${cur}) )
        return 0
    fi
    if [ $COMP_CWORD -eq 1 ]; then
        COMPREPLY=( $(compgen -W "%s" -- ${cur}) )
        return 0
    fi
    case "${COMP_WORDS[1]}" in
        cache)      COMPREPLY=( $(compgen -W "stats sweep clear verify" -- ${cur}) ) ;;
        completion) COMPREPLY=( $(compgen -W "bash zsh fish" -- ${cur}) ) ;;
        *)          COMPREPLY=( $(compgen -f -- ${cur}) ) ;;
    esac
}

complete -F _lineage_completion lineage
`, strings.Join(globalFlagNames, " "), strings.Join(commandNames(), " "))
}

func zshCompletion() string {
	var b strings.Builder
	b.WriteString("#compdef lineage\n\n_lineage() {\n    local -a commands\n    commands=(\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "        '%s:%s'\n", c.name, strings.ReplaceAll(c.summary, "'", ""))
	}
	b.WriteString(`    )

    _arguments -C \
        '(- *)--version[Show version and exit]' \
        '--json[Machine-readable JSON output]' \
        '--quiet[Only print errors and results]' \
        '--no-color[Disable colored output]' \
        '--debug[Enable debug logging]' \
        '--config[Path to .lineage/project.yaml]:config file:_files -g "*.yaml"' \
        '1: :->command' \
        '*:: :->args'

    case $state in
        command)
            _describe 'command' commands
            ;;
        args)
            case $words[1] in
                cache) _arguments '1:action:(stats sweep clear verify)' ;;
                completion) _arguments '1:shell:(bash zsh fish)' ;;
                *) _files ;;
            esac
            ;;
    esac
}

_lineage
`)
	return b.String()
}

func fishCompletion() string {
	var b strings.Builder
	b.WriteString("# Fish completion for lineage\n#   lineage completion fish | source\n\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "complete -c lineage -f -n \"__fish_use_subcommand\" -a %q -d %q\n", c.name, c.summary)
	}
	b.WriteString("\n")
	for _, f := range globalFlagNames {
		fmt.Fprintf(&b, "complete -c lineage -l %s\n", strings.TrimPrefix(f, "--"))
	}
	b.WriteString(`
complete -c lineage -n "__fish_seen_subcommand_from cache" -f -a "stats sweep clear verify"
complete -c lineage -n "__fish_seen_subcommand_from completion" -f -a "bash zsh fish"
`)
	return b.String()
}
