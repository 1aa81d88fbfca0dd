// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package errors provides structured error handling for the lineage CLI.
//
// A UserError carries what went wrong, why, and how to fix it, plus the exit
// code the process should end with. Commands return plain errors; Classify
// turns the ones the pipeline packages produce into UserErrors at the edge.
//
//	err := errors.NewStoreError(
//	    "Cannot reach the graph store",
//	    "bolt://localhost:7687 refused the connection",
//	    "Start Neo4j or run with --store memory",
//	    cause,
//	)
//	fmt.Fprint(os.Stderr, err.Format(false))
//	// Error: Cannot reach the graph store
//	// Cause: bolt://localhost:7687 refused the connection
//	// Fix:   Start Neo4j or run with --store memory
//
// # Exit Codes
//
//   - ExitSuccess (0)
//   - ExitConfig (1): missing or invalid .lineage/project.yaml
//   - ExitDatabase (2): graph store or parse cache failures
//   - ExitNetwork (3): LLM endpoint or other network failures
//   - ExitInput (4): bad arguments
//   - ExitPermission (5)
//   - ExitNotFound (6): unknown edge, entity or run
//   - ExitInternal (10): bugs
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/kraklabs/lineage/pkg/cache"
	"github.com/kraklabs/lineage/pkg/graph"
	"github.com/kraklabs/lineage/pkg/lineage"
	"github.com/kraklabs/lineage/pkg/workerpool"
)

// Exit codes for different error categories.
const (
	ExitSuccess    = 0
	ExitConfig     = 1
	ExitDatabase   = 2
	ExitNetwork    = 3
	ExitInput      = 4
	ExitPermission = 5
	ExitNotFound   = 6

	// ExitInternal signals "this is a bug that should be reported".
	ExitInternal = 10
)

// UserError represents an error with structured context for end users.
type UserError struct {
	// Message describes what went wrong.
	Message string

	// Cause explains why it happened.
	Cause string

	// Fix is an actionable suggestion.
	Fix string

	ExitCode int

	// Err is the wrapped error, if any.
	Err error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *UserError) Unwrap() error {
	return e.Err
}

func newUserError(code int, msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: code, Err: err}
}

// NewConfigError creates a configuration error with exit code ExitConfig.
//
// Example:
//
//	return NewConfigError(
//	    "Cannot load lineage configuration",
//	    ".lineage/project.yaml is missing",
//	    "Run 'lineage init' to create it",
//	    nil,
//	)
func NewConfigError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitConfig, msg, cause, fix, err)
}

// NewStoreError creates a graph store or cache error with exit code
// ExitDatabase.
func NewStoreError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitDatabase, msg, cause, fix, err)
}

// NewNetworkError creates a network error with exit code ExitNetwork.
func NewNetworkError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitNetwork, msg, cause, fix, err)
}

// NewInputError creates an input validation error with exit code ExitInput.
// Input errors do not wrap an underlying error.
//
// Example:
//
//	return NewInputError(
//	    "Invalid priority",
//	    `"urgent" is not a priority`,
//	    "Use critical, normal or batch",
//	)
func NewInputError(msg, cause, fix string) *UserError {
	return newUserError(ExitInput, msg, cause, fix, nil)
}

// NewPermissionError creates a permission denied error with exit code
// ExitPermission.
func NewPermissionError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitPermission, msg, cause, fix, err)
}

// NewNotFoundError creates a not found error with exit code ExitNotFound.
func NewNotFoundError(msg, cause, fix string) *UserError {
	return newUserError(ExitNotFound, msg, cause, fix, nil)
}

// NewInternalError creates an internal error with exit code ExitInternal.
func NewInternalError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitInternal, msg, cause, fix, err)
}

// Classify maps err onto a UserError. UserErrors pass through unchanged;
// errors from the pipeline packages get a message and fix for their kind;
// anything else becomes an internal error. A nil err returns nil.
func Classify(err error) *UserError {
	if err == nil {
		return nil
	}
	var ue *UserError
	if stderrors.As(err, &ue) {
		return ue
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return newUserError(ExitInternal, "Interrupted", "", "", err)
	case stderrors.Is(err, graph.ErrNotFound):
		return newUserError(ExitNotFound, "Not found in the graph store", err.Error(),
			"Check the ID with 'lineage edges' or 'lineage lineage'", err)
	case stderrors.Is(err, lineage.ErrInvalidTransition):
		return newUserError(ExitInput, "Review not applied", err.Error(),
			"The edge already has that status", err)
	case stderrors.Is(err, lineage.ErrInvalidEntity), stderrors.Is(err, lineage.ErrInvalidRelationship):
		return newUserError(ExitInput, "Invalid graph item", err.Error(), "", err)
	case stderrors.Is(err, cache.ErrClosed):
		return newUserError(ExitInternal, "Parse cache used after close", "", "This is a bug", err)
	case stderrors.Is(err, workerpool.ErrMemoryPressure), stderrors.Is(err, workerpool.ErrQueueFull):
		return newUserError(ExitInternal, "Worker pool rejected the work", err.Error(),
			"Retry later, or raise workers.max_queue_depth or workers.memory_high_watermark", err)
	case stderrors.Is(err, fs.ErrPermission):
		return newUserError(ExitPermission, "Permission denied", err.Error(),
			"Check file permissions on the project and .lineage directory", err)
	case stderrors.Is(err, fs.ErrNotExist):
		return newUserError(ExitNotFound, "File not found", err.Error(), "", err)
	case graph.IsTransient(err):
		return newUserError(ExitDatabase, "Graph store unavailable", err.Error(),
			"Check that Neo4j is running and graph.uri is correct, or use --store memory", err)
	}

	var se *graph.StoreError
	if stderrors.As(err, &se) {
		return newUserError(ExitDatabase, "Graph store rejected the write", err.Error(),
			"Inspect .lineage/failures.jsonl and run 'lineage failures --replay' once fixed", err)
	}
	return newUserError(ExitInternal, "Unexpected error", err.Error(), "", err)
}

// Color definitions for error formatting.
var (
	colorError = color.New(color.FgRed, color.Bold)
	colorCause = color.New(color.FgYellow)
	colorFix   = color.New(color.FgGreen)
)

// Format returns the error for terminal display: Error in red, Cause in
// yellow, Fix in green. Empty Cause or Fix lines are omitted. Colors are off
// when noColor is set or NO_COLOR is in the environment.
//
// Format swaps the global color.NoColor while it runs and restores it.
func (e *UserError) Format(noColor bool) string {
	originalNoColor := color.NoColor
	defer func() { color.NoColor = originalNoColor }()

	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	out.WriteString(e.Message)
	out.WriteString("\n")

	if e.Cause != "" {
		out.WriteString(colorCause.Sprint("Cause: "))
		out.WriteString(e.Cause)
		out.WriteString("\n")
	}
	if e.Fix != "" {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(e.Fix)
		out.WriteString("\n")
	}
	return out.String()
}

// ErrorJSON is the --json form of a UserError.
type ErrorJSON struct {
	Error    string `json:"error"`
	Cause    string `json:"cause,omitempty"`
	Fix      string `json:"fix,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// ToJSON converts the UserError to a JSON-serializable structure.
func (e *UserError) ToJSON() ErrorJSON {
	return ErrorJSON{
		Error:    e.Message,
		Cause:    e.Cause,
		Fix:      e.Fix,
		ExitCode: e.ExitCode,
	}
}

// Report writes err to w, as JSON or formatted text, and returns the exit
// code. A nil err writes nothing and returns ExitSuccess.
func Report(w io.Writer, err error, jsonOutput, noColor bool) int {
	ue := Classify(err)
	if ue == nil {
		return ExitSuccess
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(ue.ToJSON())
	} else {
		fmt.Fprint(w, ue.Format(noColor))
	}
	return ue.ExitCode
}

// FatalError reports err on stderr and exits with its code. It returns
// without exiting when err is nil.
//
//	if err := run(args); err != nil {
//	    errors.FatalError(err, globals.JSON, globals.NoColor)
//	}
func FatalError(err error, jsonOutput, noColor bool) {
	if err == nil {
		return
	}
	os.Exit(Report(os.Stderr, err, jsonOutput, noColor))
}
