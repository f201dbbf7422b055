// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioos/glider-dac-sub000/services/dac/config"
)

func newTestSignaler(t *testing.T, handler http.Handler) (*Signaler, string) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	flagsDir := t.TempDir()
	s := New(Options{
		ServerURLs:  map[string]string{config.ServerPrimary: srv.URL},
		FlagsDirs:   map[string]string{config.ServerPrimary: flagsDir},
		InitialWait: 10 * time.Millisecond,
		RetrySleep:  10 * time.Millisecond,
	})
	return s, flagsDir
}

func TestSignalTouchesFlagAndPolls(t *testing.T) {
	var hits atomic.Int32
	s, flagsDir := newTestSignaler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sg100-20240101T0000.das", r.URL.Path)
		hits.Add(1)
	}))

	s.Signal(context.Background(), "sg100-20240101T0000", config.ServerPrimary)

	// The flag exists before Signal returns.
	_, err := os.Stat(filepath.Join(flagsDir, "sg100-20240101T0000"))
	require.NoError(t, err)

	s.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestSignalRetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	s, _ := newTestSignaler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	s.Signal(context.Background(), "sg101-20240101T0000", config.ServerPrimary)
	s.Wait()
	assert.Equal(t, int32(3), hits.Load())
}

func TestSignalGivesUpAfterRetryBudget(t *testing.T) {
	var hits atomic.Int32
	s, _ := newTestSignaler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	// Must not panic or propagate anything.
	s.Signal(context.Background(), "sg102-20240101T0000", config.ServerPrimary)
	s.Wait()
	assert.Equal(t, int32(1+pollRetries), hits.Load())
}

func TestSignalSingleFlightPerPair(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	s, _ := newTestSignaler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
	}))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Signal(ctx, "sg103-20240101T0000", config.ServerPrimary)
	}

	// Give the single worker time to reach the handler.
	require.Eventually(t, func() bool { return hits.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	close(release)
	s.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestSignalInFlightSkipsFlagTouch(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	s, flagsDir := newTestSignaler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
	}))

	ctx := context.Background()
	flag := filepath.Join(flagsDir, "sg106-20240101T0000")
	s.Signal(ctx, "sg106-20240101T0000", config.ServerPrimary)
	require.FileExists(t, flag)
	require.Eventually(t, func() bool { return hits.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	// A duplicate while the poll is in flight is dropped whole: the
	// flag is not re-touched.
	require.NoError(t, os.Remove(flag))
	s.Signal(ctx, "sg106-20240101T0000", config.ServerPrimary)
	assert.NoFileExists(t, flag)

	close(release)
	s.Wait()
}

func TestSignalCancelledContextSkipsPoll(t *testing.T) {
	var hits atomic.Int32
	s, flagsDir := newTestSignaler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Signal(ctx, "sg104-20240101T0000", config.ServerPrimary)
	s.Wait()

	// Flag still touched; poll abandoned.
	_, err := os.Stat(filepath.Join(flagsDir, "sg104-20240101T0000"))
	assert.NoError(t, err)
	assert.Equal(t, int32(0), hits.Load())
}

func TestSignalUnknownServer(t *testing.T) {
	s := New(Options{
		ServerURLs: map[string]string{},
		FlagsDirs:  map[string]string{},
	})
	s.Signal(context.Background(), "sg105-20240101T0000", "nowhere")
	s.Wait()
}

func TestClearFlags(t *testing.T) {
	s, flagsDir := newTestSignaler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	require.NoError(t, os.WriteFile(filepath.Join(flagsDir, "sg106-20240101T0000"), nil, 0644))
	s.ClearFlags("sg106-20240101T0000")

	_, err := os.Stat(filepath.Join(flagsDir, "sg106-20240101T0000"))
	assert.True(t, os.IsNotExist(err))

	// Clearing an absent flag is a no-op.
	s.ClearFlags("sg106-20240101T0000")
}
