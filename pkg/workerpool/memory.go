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
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// MemoryProbe reports the fraction of available memory this process uses.
type MemoryProbe interface {
	UsedFraction() (float64, error)
}

// SystemMemoryProbe compares the process RSS against total system memory.
// Samples are cached for Interval so Submit stays cheap.
type SystemMemoryProbe struct {
	proc     *process.Process
	interval time.Duration

	mu   sync.Mutex
	last float64
	at   time.Time
}

// NewSystemMemoryProbe creates a probe for the current process.
func NewSystemMemoryProbe(interval time.Duration) (*SystemMemoryProbe, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("inspect current process: %w", err)
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &SystemMemoryProbe{proc: proc, interval: interval}, nil
}

// UsedFraction returns RSS / total memory.
func (p *SystemMemoryProbe) UsedFraction() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.at.IsZero() && time.Since(p.at) < p.interval {
		return p.last, nil
	}

	info, err := p.proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("read process memory: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read system memory: %w", err)
	}
	if vm.Total == 0 {
		return 0, nil
	}

	p.last = float64(info.RSS) / float64(vm.Total)
	p.at = time.Now()
	return p.last, nil
}

// StaticMemoryProbe always reports the same fraction.
type StaticMemoryProbe float64

func (s StaticMemoryProbe) UsedFraction() (float64, error) { return float64(s), nil }
