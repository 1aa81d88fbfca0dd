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
	"context"
	"time"
)

// RetryPolicy is the backoff schedule for transient batch failures.
type RetryPolicy struct {
	InitialDelay time.Duration `yaml:"initial_backoff" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_backoff" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	// MaxAttempts bounds the attempts made at one batch size, including the
	// first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultRetryPolicy starts at 1s, doubles up to 16s, and gives up after 5
// attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2,
		MaxAttempts:  5,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Start returns fresh retry state for one batch.
func (p RetryPolicy) Start() *Backoff {
	p = p.withDefaults()
	return &Backoff{NextDelay: p.InitialDelay, policy: p}
}

// Backoff is the retry state of one batch at one size.
type Backoff struct {
	// Attempt is the number of failed attempts recorded so far.
	Attempt int
	// NextDelay is the wait before the next attempt.
	NextDelay time.Duration

	policy RetryPolicy
}

// Next records a failed attempt. It returns the delay to wait before trying
// again, or false once MaxAttempts attempts have failed.
func (b *Backoff) Next() (time.Duration, bool) {
	b.Attempt++
	if b.Attempt >= b.policy.MaxAttempts {
		return 0, false
	}
	d := b.NextDelay
	next := time.Duration(float64(d) * b.policy.Multiplier)
	if next > b.policy.MaxDelay {
		next = b.policy.MaxDelay
	}
	b.NextDelay = next
	return d, true
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
