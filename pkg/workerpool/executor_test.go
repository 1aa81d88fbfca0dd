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

package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_RunsAndReturnsResult(t *testing.T) {
	e := NewExecutor(2, nil)
	defer e.Close()

	got, err := Run(context.Background(), e, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = Run(context.Background(), e, func() (int, error) { return 0, errors.New("parse error") })
	assert.EqualError(t, err, "parse error")
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	e := NewExecutor(2, nil)
	defer e.Close()

	var cur, peak atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			_, _ = e.Do(context.Background(), func() (any, error) {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				cur.Add(-1)
				return nil, nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecutor_RecoversPanics(t *testing.T) {
	e := NewExecutor(1, nil)
	defer e.Close()

	_, err := e.Do(context.Background(), func() (any, error) { panic("bad grammar") })
	require.Error(t, err)

	v, err := e.Do(context.Background(), func() (any, error) { return "still alive", nil })
	require.NoError(t, err)
	assert.Equal(t, "still alive", v)
}

func TestExecutor_ContextCancel(t *testing.T) {
	e := NewExecutor(1, nil)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Do(ctx, func() (any, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutor_Closed(t *testing.T) {
	e := NewExecutor(1, nil)
	e.Close()
	_, err := e.Do(context.Background(), func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrExecutorClosed)
}
