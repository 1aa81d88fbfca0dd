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

package graph

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kraklabs/lineage/pkg/lineage"
)

// Failure record kinds.
const (
	FailureEntity       = "entity"
	FailureRelationship = "relationship"
)

// FailureRecord is one line of the failure log.
type FailureRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id,omitempty"`
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Attempts  int             `json:"attempts"`
}

// Entity decodes the payload of an entity record.
func (r FailureRecord) Entity() (lineage.Entity, error) {
	var e lineage.Entity
	if r.Kind != FailureEntity {
		return e, fmt.Errorf("record %s is a %s", r.ID, r.Kind)
	}
	if err := json.Unmarshal(r.Payload, &e); err != nil {
		return e, fmt.Errorf("decode entity %s: %w", r.ID, err)
	}
	return e, nil
}

// Relationship decodes the payload of a relationship record.
func (r FailureRecord) Relationship() (lineage.Relationship, error) {
	var rel lineage.Relationship
	if r.Kind != FailureRelationship {
		return rel, fmt.Errorf("record %s is a %s", r.ID, r.Kind)
	}
	if err := json.Unmarshal(r.Payload, &rel); err != nil {
		return rel, fmt.Errorf("decode relationship %s: %w", r.ID, err)
	}
	return rel, nil
}

// FailureLog is an append-only JSON Lines file of items that could not be
// written. It is safe for concurrent use.
type FailureLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	n    int
}

// OpenFailureLog opens path for appending, creating it and its directory
// when needed.
func OpenFailureLog(path string) (*FailureLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create failure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open failure log: %w", err)
	}
	return &FailureLog{path: path, f: f}, nil
}

// Path returns the file the log appends to.
func (l *FailureLog) Path() string { return l.path }

// Append writes rec as one line and syncs it to disk.
func (l *FailureLog) Append(rec FailureRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode failure record %s: %w", rec.ID, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("append failure record: %w", err)
	}
	l.n++
	return l.f.Sync()
}

// Appended returns how many records this handle has written.
func (l *FailureLog) Appended() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Close closes the underlying file.
func (l *FailureLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func newFailureRecord(runID, kind, id string, item any, cause error, attempts int, now time.Time) FailureRecord {
	payload, err := json.Marshal(item)
	if err != nil {
		payload, _ = json.Marshal(map[string]string{"id": id, "encode_error": err.Error()})
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return FailureRecord{
		Timestamp: now.UTC(),
		RunID:     runID,
		Kind:      kind,
		ID:        id,
		Payload:   payload,
		Error:     msg,
		Attempts:  attempts,
	}
}

// ReadFailures reads every record in the log at path. A missing file yields
// no records.
func ReadFailures(path string) ([]FailureRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open failure log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []FailureRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec FailureRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("failure log line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read failure log: %w", err)
	}
	return out, nil
}

// Replay enqueues the records into w and flushes. Records whose payload no
// longer decodes are skipped and counted as failed in the result.
func Replay(ctx context.Context, w *BatchWriter, records []FailureRecord) (BatchResult, error) {
	var res BatchResult
	for _, rec := range records {
		var err error
		switch rec.Kind {
		case FailureEntity:
			var e lineage.Entity
			if e, err = rec.Entity(); err == nil {
				err = w.EnqueueEntity(ctx, e)
			}
		case FailureRelationship:
			var r lineage.Relationship
			if r, err = rec.Relationship(); err == nil {
				err = w.EnqueueRelationship(ctx, r)
			}
		default:
			err = fmt.Errorf("unknown record kind %q", rec.Kind)
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			w.logger.Warn("failures.replay.skip", "id", rec.ID, "err", err)
			res.Failed++
		}
	}
	flushed, err := w.Flush(ctx)
	flushed.Failed += res.Failed
	return flushed, err
}
