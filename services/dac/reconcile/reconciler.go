// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reconcile turns debounced filesystem events into deployment
// registry updates and sidecar files.
//
// The reconciler consumes watcher events, classifies them by path
// depth under the submission root, and schedules one debounced action
// per deployment. Actions for the same deployment are serialized;
// actions for distinct deployments run in parallel with data-file
// hashing bounded by a worker budget.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/ioos/glider-dac-sub000/pkg/fsutil"
	"github.com/ioos/glider-dac-sub000/services/dac/config"
	"github.com/ioos/glider-dac-sub000/services/dac/debounce"
	"github.com/ioos/glider-dac-sub000/services/dac/store"
	"github.com/ioos/glider-dac-sub000/services/dac/telemetry"
	"github.com/ioos/glider-dac-sub000/services/dac/watch"
)

// hashWorkers bounds concurrent data-file hashing across deployments.
const hashWorkers = 4

// Assembler is the catalog side of the pipeline (C5), consumed
// through a narrow interface so tests can fake it.
type Assembler interface {
	// BuildFragment renders the per-deployment XML fragment for every
	// server.
	BuildFragment(ctx context.Context, owner, name string) error

	// RemoveFragment deletes the fragment files for a deployment.
	RemoveFragment(name string) error

	// AssembleAll rebuilds datasets.xml for every server.
	AssembleAll(ctx context.Context) error
}

// ReloadSignaler asks a downstream server to reload one dataset (C6).
type ReloadSignaler interface {
	// Signal touches the flag file and polls the server. It must not
	// block the caller beyond the touch; polling happens in the
	// signaler's own workers.
	Signal(ctx context.Context, deploymentName, server string)

	// ClearFlags removes any flag files for a deleted deployment.
	ClearFlags(deploymentName string)
}

// ArchiveRemover removes a deployment's archive copy on delete (C7).
type ArchiveRemover interface {
	Remove(deploymentName string) error
}

// UserRegistry resolves owner accounts. The credential database is an
// external collaborator; the default implementation accepts the path
// component as the account name.
type UserRegistry interface {
	LookupOwner(username string) (string, error)
}

// PathOwners accepts every path-derived owner name unchanged.
type PathOwners struct{}

// LookupOwner returns username as-is.
func (PathOwners) LookupOwner(username string) (string, error) {
	return username, nil
}

// ComplianceChecker is a pure function over a data-file path. The
// checker itself is an external collaborator.
type ComplianceChecker func(path string) (passed bool, report []byte, err error)

// Options configures the Reconciler.
type Options struct {
	// SubmissionRoot is the absolute submission tree root.
	SubmissionRoot string

	// DebounceWindow is the per-deployment quiet window. Default 5s.
	DebounceWindow time.Duration

	// AssemblyDelay is the full-assembly quiet window. Default 5s.
	AssemblyDelay time.Duration

	// Users resolves owner names. Default PathOwners.
	Users UserRegistry

	// Compliance, when set, runs against the latest data file during
	// reconciliation and its verdict lands in the record.
	Compliance ComplianceChecker

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Reconciler is the C4 pipeline stage.
type Reconciler struct {
	root      string
	window    time.Duration
	asmDelay  time.Duration
	store     *store.Store
	sched     *debounce.Scheduler
	assembler Assembler
	signaler  ReloadSignaler
	archiver  ArchiveRemover
	users     UserRegistry
	check     ComplianceChecker
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	hashSem *semaphore.Weighted

	// perDeployment serializes actions for the same deployment.
	perDeployment keyedMutex

	// ncChanged marks deployments whose data files changed since the
	// last action, so the action knows to request a realtime reload.
	ncChanged   map[string]bool
	ncChangedMu sync.Mutex
}

// New wires a Reconciler. The assembler, signaler and archiver are
// required; see Options for the rest.
func New(opts Options, st *store.Store, sched *debounce.Scheduler,
	asm Assembler, sig ReloadSignaler, arch ArchiveRemover) *Reconciler {

	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 5 * time.Second
	}
	if opts.AssemblyDelay <= 0 {
		opts.AssemblyDelay = 5 * time.Second
	}
	if opts.Users == nil {
		opts.Users = PathOwners{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Reconciler{
		root:      filepath.Clean(opts.SubmissionRoot),
		window:    opts.DebounceWindow,
		asmDelay:  opts.AssemblyDelay,
		store:     st,
		sched:     sched,
		assembler: asm,
		signaler:  sig,
		archiver:  arch,
		users:     opts.Users,
		check:     opts.Compliance,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		hashSem:   semaphore.NewWeighted(hashWorkers),
		ncChanged: make(map[string]bool),
	}
}

// Run consumes events until the channel closes or ctx is canceled.
// The loop itself does no blocking I/O; all filesystem work happens
// inside debounced actions.
func (r *Reconciler) Run(ctx context.Context, events <-chan watch.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if r.metrics != nil {
				r.metrics.EventsSeen.WithLabelValues(ev.Kind.String()).Inc()
			}
			r.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent classifies one event and schedules the appropriate
// debounced action. Duplicate events for the same path coalesce into
// the pending timer.
func (r *Reconciler) HandleEvent(ctx context.Context, ev watch.Event) {
	c := classify(r.root, ev.Path)
	switch c.class {
	case classOutside, classOwnerDir:
		return

	case classDeploymentDir:
		switch ev.Kind {
		case watch.DirCreated:
			if _, _, err := store.ParseName(c.name); err != nil {
				r.logger.Warn("ignoring directory with invalid deployment name",
					"owner", c.owner, "name", c.name, "error", err)
				return
			}
			r.scheduleReconcile(ctx, c.owner, c.name)
		case watch.DirDeleted:
			r.sched.Cancel(deploymentKey(c.owner, c.name))
			r.deleteDeployment(ctx, c.owner, c.name)
		}

	case classDeploymentFile:
		if ev.Kind == watch.DirDeleted || ev.Kind == watch.DirCreated {
			return // nested directories are not part of the contract
		}
		switch {
		case c.file == DeploymentJSON, c.file == WMOIDFile, c.file == CompletedFile:
			r.scheduleReconcile(ctx, c.owner, c.name)
		case strings.HasSuffix(c.file, ".nc"):
			r.markNCChanged(c.owner, c.name)
			r.scheduleReconcile(ctx, c.owner, c.name)
		case strings.HasSuffix(c.file, md5Suffix):
			// Our own sidecar writes echo back as events; ignore.
		default:
			r.scheduleReconcile(ctx, c.owner, c.name)
		}
	}
}

func (r *Reconciler) markNCChanged(owner, name string) {
	r.ncChangedMu.Lock()
	r.ncChanged[owner+"/"+name] = true
	r.ncChangedMu.Unlock()
}

func (r *Reconciler) takeNCChanged(owner, name string) bool {
	r.ncChangedMu.Lock()
	defer r.ncChangedMu.Unlock()
	key := owner + "/" + name
	changed := r.ncChanged[key]
	delete(r.ncChanged, key)
	return changed
}

func (r *Reconciler) scheduleReconcile(ctx context.Context, owner, name string) {
	r.sched.Schedule(deploymentKey(owner, name), r.window, func() {
		r.RunAction(ctx, owner, name)
	})
}

func (r *Reconciler) scheduleAssembly(ctx context.Context) {
	r.sched.Schedule(assemblyKey, r.asmDelay, func() {
		if err := r.assembler.AssembleAll(ctx); err != nil {
			r.logger.Error("full catalog assembly failed", "error", err)
		}
	})
}

// RequestReconcile schedules a debounced reconciliation from outside
// the event path, coalescing with any pending timer for the same
// deployment.
func (r *Reconciler) RequestReconcile(ctx context.Context, owner, name string) {
	r.scheduleReconcile(ctx, owner, name)
}

// RunAction executes one reconciliation for <owner>/<name>. Exposed
// for the cron orchestrator, which schedules reconciliations outside
// the event path.
func (r *Reconciler) RunAction(ctx context.Context, owner, name string) {
	unlock := r.perDeployment.lock(owner + "/" + name)
	defer unlock()

	if err := r.reconcile(ctx, owner, name); err != nil {
		if r.metrics != nil {
			r.metrics.ReconcileErrors.Inc()
		}
		r.logger.Error("reconciliation failed",
			"owner", owner, "name", name, "error", err)
	}
}

// reconcile is the debounced per-deployment action.
func (r *Reconciler) reconcile(ctx context.Context, owner, name string) error {
	if r.metrics != nil {
		r.metrics.Reconciliations.Inc()
	}
	dir := filepath.Join(r.root, owner, name)
	relDir := owner + "/" + name

	// The directory disappearing between the event and the firing
	// turns the action into a delete.
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		r.deleteDeployment(ctx, owner, name)
		return nil
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}

	ncChanged := r.takeNCChanged(owner, name)

	// Step 1: load or create the record.
	prev, err := r.store.GetByDir(relDir)
	var dep *store.Deployment
	switch {
	case err == nil:
		clone := *prev
		dep = &clone
	case errors.Is(err, store.ErrNotFound):
		dep, err = r.newRecord(owner, name, relDir)
		if err != nil {
			return err
		}
		prev = nil
	default:
		return err
	}

	// Steps 2-5 read the submission directory and fold its state into
	// the record.
	files, err := r.fold(dep, dir)
	if err != nil {
		return err
	}

	changed := prev == nil || !dep.Equal(prev)
	if !changed {
		// Idempotence: an unchanged deployment produces no writes, no
		// fragment rebuild, and no flag touch.
		if r.metrics != nil {
			r.metrics.ReconciliationSkips.Inc()
		}
		return nil
	}
	dep.Updated = time.Now().UTC()

	// Step 6: persist, then materialize sidecars to match the record.
	persist := func() error {
		if prev == nil {
			if err := r.store.Create(dep); err != nil {
				if errors.Is(err, store.ErrConflict) {
					return backoff.Permanent(err)
				}
				return err
			}
			return nil
		}
		return r.store.Upsert(dep)
	}
	if err := retryTransient(persist); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Same name claimed under another owner: the record stays
			// as-is and this event is dropped.
			r.logger.Warn("deployment name conflict, dropping event",
				"owner", owner, "name", name)
			return nil
		}
		return err
	}
	if prev == nil && r.metrics != nil {
		r.metrics.DeploymentsTracked.Inc()
	}

	if err := retryTransient(func() error { return r.writeSidecars(dep, dir, files) }); err != nil {
		return err
	}

	// Step 7: fragment rebuild, full-assembly timer, realtime reload.
	if err := r.assembler.BuildFragment(ctx, owner, name); err != nil {
		r.logger.Error("fragment build failed",
			"owner", owner, "name", name, "error", err)
	}
	r.scheduleAssembly(ctx)

	if ncChanged && !dep.DelayedMode {
		r.signaler.Signal(ctx, name, config.ServerPrimary)
	}
	return nil
}

// newRecord builds a fresh registry record for a just-observed
// submission directory.
func (r *Reconciler) newRecord(owner, name, relDir string) (*store.Deployment, error) {
	glider, date, err := store.ParseName(name)
	if err != nil {
		return nil, err
	}
	account, err := r.users.LookupOwner(owner)
	if err != nil {
		return nil, fmt.Errorf("resolve owner %s: %w", owner, err)
	}
	now := time.Now().UTC()
	return &store.Deployment{
		Name:           name,
		Username:       account,
		DeploymentDir:  relDir,
		GliderName:     glider,
		DeploymentDate: date.Format(time.RFC3339),
		Created:        now,
		Updated:        now,
	}, nil
}

// fold reads the submission directory into the record: uploader
// metadata, sidecar state, md5 set, checksum, latest file. It
// returns the sidecar-filtered file listing.
func (r *Reconciler) fold(dep *store.Deployment, dir string) ([]DataFile, error) {
	r.mergeUploaderJSON(dep, dir)

	// wmoid.txt is an uploader input when present.
	wmoID, err := readWMOID(dir)
	if err != nil {
		r.logger.Warn("unreadable wmoid.txt", "dir", dir, "error", err)
	} else if wmoID != "" {
		dep.WMOID = wmoID
	}
	dep.WMOID = strings.TrimSpace(dep.WMOID)

	// A completed.txt dropped by the uploader marks completion; the
	// record cannot un-complete from the filesystem side.
	if _, err := os.Stat(filepath.Join(dir, CompletedFile)); err == nil {
		dep.Completed = true
	}

	files, err := ListDataFiles(dir)
	if err != nil {
		return nil, err
	}

	if r.check != nil {
		if name, _ := LatestFile(files); name != "" {
			passed, report, err := r.check(filepath.Join(dir, name))
			if err != nil {
				r.logger.Warn("compliance check failed to run",
					"file", name, "error", err)
			} else {
				dep.ComplianceCheckPassed = passed
				dep.ComplianceCheckReport = json.RawMessage(report)
			}
		}
	}

	latest, mtime := LatestFile(files)
	dep.LatestFile = latest
	if mtime > 0 {
		dep.LatestFileMtime = time.Unix(0, mtime).UTC()
	} else {
		dep.LatestFileMtime = time.Time{}
	}
	dep.Checksum = Checksum(dep, files)
	return files, nil
}

// writeSidecars materializes the pipeline-owned files to match the
// record: wmoid.txt, completed.txt, the .md5 set, deployment.json.
func (r *Reconciler) writeSidecars(dep *store.Deployment, dir string, files []DataFile) error {
	if err := writeWMOID(dir, dep.WMOID); err != nil {
		return err
	}
	if err := writeCompletedSentinel(dir, dep.Completed); err != nil {
		return err
	}

	if err := r.hashSem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	err := reconcileMD5Sidecars(dir, files, dep.Completed)
	r.hashSem.Release(1)
	if err != nil {
		return err
	}

	canonical, err := dep.CanonicalJSON()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, DeploymentJSON)
	if current, err := os.ReadFile(path); err == nil && string(current) == string(canonical) {
		return nil
	}
	return fsutil.WriteAtomic(path, canonical, 0644)
}

// mergeUploaderJSON folds user-editable fields from an uploader-written
// deployment.json into the record. Malformed JSON is logged and the
// record keeps its current values, with the owner as operator fallback
// applied downstream.
func (r *Reconciler) mergeUploaderJSON(dep *store.Deployment, dir string) {
	data, err := os.ReadFile(filepath.Join(dir, DeploymentJSON))
	if err != nil {
		return
	}
	var uploaded store.Deployment
	if err := json.Unmarshal(data, &uploaded); err != nil {
		r.logger.Warn("malformed deployment.json, using record values",
			"dir", dir, "error", err)
		return
	}
	if uploaded.Operator != "" {
		dep.Operator = uploaded.Operator
	}
	if strings.TrimSpace(uploaded.WMOID) != "" {
		dep.WMOID = strings.TrimSpace(uploaded.WMOID)
	}
	if uploaded.Completed {
		dep.Completed = true
	}
	dep.DelayedMode = uploaded.DelayedMode
	dep.ArchiveSafe = uploaded.ArchiveSafe
	if uploaded.Attribution != "" {
		dep.Attribution = uploaded.Attribution
	}
	if uploaded.EstimatedDeployDate != "" {
		dep.EstimatedDeployDate = uploaded.EstimatedDeployDate
	}
	if uploaded.EstimatedDeployLocation != "" {
		dep.EstimatedDeployLocation = uploaded.EstimatedDeployLocation
	}
}

// deleteDeployment removes the record and every derived artifact:
// fragments, archive copy, flag files. Partial residue is a bug, so
// each removal error is logged but the cascade continues.
func (r *Reconciler) deleteDeployment(ctx context.Context, owner, name string) {
	relDir := owner + "/" + name

	// A conflicting directory under another owner never owned the
	// record; its removal must not cascade onto the holder's artifacts.
	if dep, err := r.store.Get(name); err == nil && dep.DeploymentDir != relDir {
		r.logger.Warn("deleted directory does not own the record, skipping cascade",
			"dir", relDir, "record_dir", dep.DeploymentDir)
		return
	}

	err := r.store.Delete(name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("record delete failed", "name", name, "error", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		// Directory never made it into the registry (created and
		// deleted within the debounce window); nothing derived exists.
		return
	}
	if err == nil && r.metrics != nil {
		r.metrics.DeploymentsTracked.Dec()
	}

	if err := r.assembler.RemoveFragment(name); err != nil {
		r.logger.Error("fragment removal failed", "name", name, "error", err)
	}
	if r.archiver != nil {
		if err := r.archiver.Remove(name); err != nil {
			r.logger.Error("archive removal failed", "name", name, "error", err)
		}
	}
	r.signaler.ClearFlags(name)
	r.scheduleAssembly(ctx)

	r.logger.Info("deployment deleted", "owner", owner, "name", name, "dir", relDir)
}

// retryTransient attempts fn up to 3 times with exponential backoff.
// backoff.Permanent errors abort immediately.
func retryTransient(fn func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	return backoff.Retry(fn, policy)
}

// keyedMutex serializes work per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns the release func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*entry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
