// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package debounce provides a keyed timer map that coalesces bursty
// triggers into one delayed action per key.
//
// Uploads arrive as many individual file writes over seconds; reacting
// to each would produce O(N) catalog rewrites and flag touches. A quiet
// window turns a burst of N triggers into one action.
//
// The reconciler uses two well-known key families:
//
//	deployment:<owner>/<name>   per-deployment reconciliation
//	full-assembly               global catalog rebuild
package debounce

import (
	"sync"
	"time"
)

// Scheduler maps opaque string keys to pending timers.
//
// Contract:
//   - Schedule(key, delay, fn): an existing timer for key is canceled
//     and replaced; when the fresh timer fires the entry is removed
//     first, then fn runs. A Schedule for the same key during fn
//     installs a new, independent timer.
//   - Cancel(key): cancels and removes any pending timer.
//
// Thread safety: all methods may be called concurrently; the timer
// map is mutex-guarded against timer-goroutine firings.
type Scheduler struct {
	mu       sync.Mutex
	pending  map[string]*pendingTimer
	gen      uint64
	inflight sync.WaitGroup
	shutdown bool
}

// pendingTimer tags each installed timer with a generation so a
// superseded timer whose callback already fired past Stop cannot
// remove or run in place of its replacement.
type pendingTimer struct {
	timer *time.Timer
	gen   uint64
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		pending: make(map[string]*pendingTimer),
	}
}

// Schedule installs (or replaces) a delayed action for key.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
	}

	s.gen++
	gen := s.gen
	entry := &pendingTimer{gen: gen}
	entry.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		cur, ok := s.pending[key]
		if s.shutdown || !ok || cur.gen != gen {
			// Superseded or canceled between Stop and firing.
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.inflight.Add(1)
		s.mu.Unlock()

		defer s.inflight.Done()
		fn()
	})
	s.pending[key] = entry
}

// Cancel stops and removes any pending timer for key. An action that
// has already started firing is not interrupted.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.pending[key]; ok {
		entry.timer.Stop()
		delete(s.pending, key)
	}
}

// Pending returns the number of installed timers. Intended for tests
// and status reporting.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown cancels every pending timer, rejects new Schedule calls,
// and waits for in-flight actions up to grace. Returns true when all
// actions drained within the window.
func (s *Scheduler) Shutdown(grace time.Duration) bool {
	s.mu.Lock()
	s.shutdown = true
	for key, entry := range s.pending {
		entry.timer.Stop()
		delete(s.pending, key)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}
