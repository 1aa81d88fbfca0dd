// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package output writes the machine-readable results of --json commands.
//
// Results go to stdout; errors go through internal/errors so their shape
// matches everywhere:
//
//	if globals.JSON {
//	    return output.JSON(run)
//	}
//
// Commands that list many records (edges, failures) stream them one per
// line with JSONLines so the output can be piped into jq -c.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// JSON writes data as indented JSON to stdout.
func JSON(data any) error {
	return JSONTo(os.Stdout, data)
}

// JSONTo writes data as indented JSON to w.
func JSONTo(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("JSON encoding failed: %w", err)
	}
	return nil
}

// JSONLines writes each item as one compact JSON line to w.
func JSONLines[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for i, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("JSON encoding failed at item %d: %w", i, err)
		}
	}
	return nil
}
