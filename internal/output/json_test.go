// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONTo(t *testing.T) {
	var buf bytes.Buffer
	data := struct {
		RunID string `json:"run_id"`
		Files int    `json:"files"`
	}{"r-1", 3}

	require.NoError(t, JSONTo(&buf, data))
	assert.Equal(t, "{\n  \"run_id\": \"r-1\",\n  \"files\": 3\n}\n", buf.String())
}

func TestJSONTo_Unencodable(t *testing.T) {
	var buf bytes.Buffer
	err := JSONTo(&buf, map[string]any{"ch": make(chan int)})
	assert.ErrorContains(t, err, "JSON encoding failed")
}

func TestJSONLines(t *testing.T) {
	var buf bytes.Buffer
	type edge struct {
		ID string `json:"id"`
	}
	require.NoError(t, JSONLines(&buf, []edge{{"rel:a"}, {"rel:b"}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{`{"id":"rel:a"}`, `{"id":"rel:b"}`}, lines)

	buf.Reset()
	require.NoError(t, JSONLines[edge](&buf, nil))
	assert.Empty(t, buf.String())
}
