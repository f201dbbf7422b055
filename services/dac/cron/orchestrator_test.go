// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cron

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioos/glider-dac-sub000/services/dac/config"
	"github.com/ioos/glider-dac-sub000/services/dac/store"
)

type fakeSignaler struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSignaler) Signal(_ context.Context, name, server string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+"|"+server)
}

type fakeArchiver struct{ sweeps int }

func (f *fakeArchiver) Sweep(context.Context) error { f.sweeps++; return nil }

type fakeHarvester struct{ harvests int }

func (f *fakeHarvester) Harvest(context.Context) error { f.harvests++; return nil }

type fakeAssembler struct{ assemblies int }

func (f *fakeAssembler) AssembleAll(context.Context) error { f.assemblies++; return nil }

type fakeNotifier struct {
	mu      sync.Mutex
	notices []string
}

func (f *fakeNotifier) StaleDeployment(owner, name string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, owner+"/"+name)
	return nil
}

type cronHarness struct {
	orch           *Orchestrator
	store          *store.Store
	signaler       *fakeSignaler
	archiver       *fakeArchiver
	harvester      *fakeHarvester
	assembler      *fakeAssembler
	notifier       *fakeNotifier
	submissionRoot string
	lockDir        string
	reconciled     []string
}

func newCronHarness(t *testing.T) *cronHarness {
	t.Helper()

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	base := t.TempDir()
	h := &cronHarness{
		store:          st,
		signaler:       &fakeSignaler{},
		archiver:       &fakeArchiver{},
		harvester:      &fakeHarvester{},
		assembler:      &fakeAssembler{},
		notifier:       &fakeNotifier{},
		submissionRoot: filepath.Join(base, "submission"),
		lockDir:        filepath.Join(base, "locks"),
	}
	h.orch = New(Options{
		SubmissionRoot: h.submissionRoot,
		LockDir:        h.lockDir,
		Store:          st,
		Signaler:       h.signaler,
		Archiver:       h.archiver,
		Harvester:      h.harvester,
		Assembler:      h.assembler,
		Notifier:       h.notifier,
		RequestReconcile: func(owner, name string) {
			h.reconciled = append(h.reconciled, owner+"/"+name)
		},
	})
	return h
}

func (h *cronHarness) addDeployment(t *testing.T, owner, name string, updated time.Time, completed bool) *store.Deployment {
	t.Helper()
	d := &store.Deployment{
		Name:          name,
		Username:      owner,
		DeploymentDir: owner + "/" + name,
		Completed:     completed,
		Created:       updated,
		Updated:       updated,
	}
	require.NoError(t, h.store.Create(d))
	require.NoError(t, os.MkdirAll(filepath.Join(h.submissionRoot, owner, name), 0755))
	return d
}

func TestReloadSweepSignalsChangedDeployments(t *testing.T) {
	h := newCronHarness(t)
	ctx := context.Background()
	now := time.Now()

	h.addDeployment(t, "alice", "fresh-20240101T0000", now, false)
	require.NoError(t, os.WriteFile(
		filepath.Join(h.submissionRoot, "alice", "fresh-20240101T0000", "deployment.json"),
		[]byte("{}"), 0644))

	h.addDeployment(t, "bob", "idle-20230101T0000", now, false)

	require.NoError(t, h.orch.ReloadSweep(ctx))

	assert.Equal(t, 1, h.assembler.assemblies)
	assert.ElementsMatch(t, []string{
		"fresh-20240101T0000|" + config.ServerPrimary,
		"fresh-20240101T0000|" + config.ServerPublic,
	}, h.signaler.calls)

	// Second sweep with nothing changed signals nothing new.
	h.signaler.calls = nil
	require.NoError(t, h.orch.ReloadSweep(ctx))
	assert.Empty(t, h.signaler.calls)
}

func TestReloadSweepStampSurvivesRestart(t *testing.T) {
	h := newCronHarness(t)
	ctx := context.Background()

	h.addDeployment(t, "alice", "d1-20240101T0000", time.Now(), false)
	require.NoError(t, os.WriteFile(
		filepath.Join(h.submissionRoot, "alice", "d1-20240101T0000", "deployment.json"),
		[]byte("{}"), 0644))

	require.NoError(t, h.orch.ReloadSweep(ctx))
	stamp := h.orch.readStamp(JobReloadSweep)
	assert.False(t, stamp.IsZero())

	// A new orchestrator over the same lock dir sees the stamp.
	fresh := New(Options{
		SubmissionRoot: h.submissionRoot,
		LockDir:        h.lockDir,
		Store:          h.store,
		Signaler:       h.signaler,
		Assembler:      h.assembler,
	})
	assert.WithinDuration(t, stamp, fresh.readStamp(JobReloadSweep), time.Millisecond)
}

func TestStaleNotify(t *testing.T) {
	h := newCronHarness(t)
	ctx := context.Background()
	now := time.Now()

	h.addDeployment(t, "alice", "quiet-20240101T0000", now.Add(-40*24*time.Hour), false)
	h.addDeployment(t, "bob", "dead-20230101T0000", now.Add(-120*24*time.Hour), false)
	h.addDeployment(t, "carol", "active-20240601T0000", now.Add(-1*24*time.Hour), false)
	h.addDeployment(t, "dave", "done-20230601T0000", now.Add(-200*24*time.Hour), true)

	require.NoError(t, h.orch.StaleNotify(ctx))

	// 30-90 days: reminder only.
	assert.Equal(t, []string{"alice/quiet-20240101T0000"}, h.notifier.notices)
	quiet, err := h.store.Get("quiet-20240101T0000")
	require.NoError(t, err)
	assert.False(t, quiet.Completed)

	// Over 90 days: auto-completed, sentinel dropped, reconcile asked.
	dead, err := h.store.Get("dead-20230101T0000")
	require.NoError(t, err)
	assert.True(t, dead.Completed)
	_, err = os.Stat(filepath.Join(h.submissionRoot, "bob", "dead-20230101T0000", "completed.txt"))
	assert.NoError(t, err)
	assert.Equal(t, []string{"bob/dead-20230101T0000"}, h.reconciled)

	// Fresh and already-completed deployments untouched.
	active, err := h.store.Get("active-20240601T0000")
	require.NoError(t, err)
	assert.False(t, active.Completed)
}

func TestStaleNotifyIsIdempotentAfterCompletion(t *testing.T) {
	h := newCronHarness(t)
	ctx := context.Background()

	h.addDeployment(t, "bob", "dead-20230101T0000", time.Now().Add(-120*24*time.Hour), false)
	require.NoError(t, h.orch.StaleNotify(ctx))
	require.NoError(t, h.orch.StaleNotify(ctx))

	// Completed on the first pass; the second finds no open record.
	assert.Len(t, h.reconciled, 1)
	assert.Empty(t, h.notifier.notices)
}

func TestRunJobDispatch(t *testing.T) {
	h := newCronHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.RunJob(ctx, JobArchiveSweep))
	assert.Equal(t, 1, h.archiver.sweeps)

	require.NoError(t, h.orch.RunJob(ctx, JobISOHarvest))
	assert.Equal(t, 1, h.harvester.harvests)

	err := h.orch.RunJob(ctx, "mystery-job")
	assert.Error(t, err)
}

func TestJobLockExcludesConcurrentRuns(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, "sweep")
	require.NoError(t, err)

	_, err = AcquireLock(dir, "sweep")
	assert.ErrorIs(t, err, ErrJobRunning)

	require.NoError(t, lock.Release())
	again, err := AcquireLock(dir, "sweep")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestJobLockReclaimsDeadHolder(t *testing.T) {
	dir := t.TempDir()

	// A lock file left by a process that no longer exists, with no
	// live flock behind it.
	path := filepath.Join(dir, "sweep.lock")
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0644))

	lock, err := AcquireLock(dir, "sweep")
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
