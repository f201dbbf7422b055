// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cron

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrJobRunning means another process holds the job's lock.
var ErrJobRunning = errors.New("job already running")

// JobLock is a per-job PID lock file. The flock is the real gate; the
// recorded PID makes stale holders visible and reclaimable when a
// previous run died without releasing.
type JobLock struct {
	path string
	f    *os.File
}

// AcquireLock takes the named job's lock or returns ErrJobRunning
// with the holder's PID attached. A lock file whose recorded PID is
// no longer alive is reclaimed.
func AcquireLock(dir, job string) (*JobLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	path := filepath.Join(dir, job+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pid := readPID(f)
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, fmt.Errorf("%s held by pid %d: %w", job, pid, ErrJobRunning)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	// We hold the flock. A PID left behind by a dead holder is just
	// reclaimed by overwriting; a live PID without the flock means a
	// crashed-and-restarted kernel state we also own now.
	if old := readPID(f); old > 0 && old != os.Getpid() && processAlive(old) {
		// Unexpected: someone wrote the file without flocking.
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("%s held by pid %d: %w", job, old, ErrJobRunning)
	}

	if err := f.Truncate(0); err == nil {
		f.Seek(0, 0)
		fmt.Fprintf(f, "%d\n", os.Getpid())
		f.Sync()
	}
	return &JobLock{path: path, f: f}, nil
}

// Release drops the lock and removes the lock file.
func (l *JobLock) Release() error {
	if l.f == nil {
		return nil
	}
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	os.Remove(l.path)
	if err != nil {
		return err
	}
	return closeErr
}

func readPID(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}

// processAlive checks liveness with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
