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

package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrLocked is returned by AcquireLock while a live process holds the lock.
var ErrLocked = errors.New("bootstrap: lock held by another process")

// Lock is a pid file marking the running watcher of a project. It lets
// 'lineage flush' find the process to signal.
type Lock struct {
	path string
}

// AcquireLock creates the pid file at path. A file left by a process that
// is no longer running is replaced.
func AcquireLock(path string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, errors.Join(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}
		pid, rerr := ReadLockPID(path)
		if rerr == nil && processAlive(pid) {
			return nil, fmt.Errorf("%w: pid %d (%s)", ErrLocked, pid, path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("%w: %s keeps reappearing", ErrLocked, path)
}

// Path returns the pid file location.
func (l *Lock) Path() string { return l.path }

// Release removes the pid file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ReadLockPID returns the pid recorded in a lock file.
func ReadLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("lock %s: bad pid %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// SignalFlush asks the watcher holding the lock at path to flush its
// pending batch now. It returns the watcher's pid.
func SignalFlush(path string) (int, error) {
	pid, err := ReadLockPID(path)
	if err != nil {
		return 0, err
	}
	if !processAlive(pid) {
		return pid, fmt.Errorf("watcher pid %d is not running (stale %s)", pid, path)
	}
	return pid, sendFlush(pid)
}
