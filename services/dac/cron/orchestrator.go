// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cron schedules the pipeline's periodic jobs: reload sweeps,
// ISO metadata harvests, archive sweeps, and stale-deployment
// handling. Each job runs under a PID lock so overlapping runs (from
// this process or a parallel one-shot invocation) are skipped, not
// stacked.
package cron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	robcron "github.com/robfig/cron"

	"github.com/ioos/glider-dac-sub000/pkg/fsutil"
	"github.com/ioos/glider-dac-sub000/pkg/logging"
	"github.com/ioos/glider-dac-sub000/services/dac/config"
	"github.com/ioos/glider-dac-sub000/services/dac/notify"
	"github.com/ioos/glider-dac-sub000/services/dac/store"
)

// Job names, also the lock file names under the lock directory.
const (
	JobReloadSweep  = "reload-sweep"
	JobISOHarvest   = "download-iso-catalog"
	JobArchiveSweep = "archive-sweep"
	JobStaleNotify  = "stale-notify"
)

const (
	// reloadSweepSchedule fires every two hours at minute 15.
	reloadSweepSchedule = "0 15 */2 * * *"

	// staleNotifyAfter is the quiet period before the owner gets a
	// reminder; staleCompleteAfter is the only dial for automatic
	// completion of abandoned deployments.
	staleNotifyAfter   = 30 * 24 * time.Hour
	staleCompleteAfter = 90 * 24 * time.Hour

	stampSuffix = ".stamp"
)

// Signaler is the slice of the reload signaler the sweep needs.
type Signaler interface {
	Signal(ctx context.Context, deploymentName, server string)
}

// Archiver runs one archive sweep.
type Archiver interface {
	Sweep(ctx context.Context) error
}

// Harvester runs one ISO metadata harvest.
type Harvester interface {
	Harvest(ctx context.Context) error
}

// Assembler rebuilds the full catalogs.
type Assembler interface {
	AssembleAll(ctx context.Context) error
}

// Options wires an Orchestrator. Any nil collaborator disables the
// jobs that need it.
type Options struct {
	SubmissionRoot string

	// LockDir holds the per-job lock and stamp files.
	LockDir string

	Store     *store.Store
	Signaler  Signaler
	Archiver  Archiver
	Harvester Harvester
	Assembler Assembler
	Notifier  notify.Notifier

	// RequestReconcile asks the in-process reconciler to pick up a
	// deployment the stale job modified. Optional; the completed.txt
	// sentinel reaches a watching daemon through the filesystem
	// anyway.
	RequestReconcile func(owner, name string)

	Logger *logging.Logger
}

type Orchestrator struct {
	opts Options
	log  *logging.Logger
	cron *robcron.Cron

	ctx context.Context
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Orchestrator{
		opts: opts,
		log:  opts.Logger,
		cron: robcron.New(),
	}
}

// Start registers the schedules and launches the cron loop. The
// context bounds every job run; cancel it before Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx = ctx

	schedules := []struct {
		spec string
		name string
		fn   func(context.Context) error
	}{
		{reloadSweepSchedule, JobReloadSweep, o.ReloadSweep},
		{"@hourly", JobISOHarvest, o.HarvestISO},
		{"@hourly", JobArchiveSweep, o.ArchiveSweep},
		{"@daily", JobStaleNotify, o.StaleNotify},
	}
	for _, s := range schedules {
		s := s
		if err := o.cron.AddFunc(s.spec, func() { o.runJob(s.name, s.fn) }); err != nil {
			return fmt.Errorf("schedule %s: %w", s.name, err)
		}
	}
	o.cron.Start()
	o.log.Info("cron orchestrator started")
	return nil
}

// Stop halts the schedule. Jobs already running finish on their own.
func (o *Orchestrator) Stop() {
	o.cron.Stop()
}

// RunJob executes one named job immediately under its lock. Used by
// the one-shot cron binary.
func (o *Orchestrator) RunJob(ctx context.Context, name string) error {
	var fn func(context.Context) error
	switch name {
	case JobReloadSweep:
		fn = o.ReloadSweep
	case JobISOHarvest:
		fn = o.HarvestISO
	case JobArchiveSweep:
		fn = o.ArchiveSweep
	case JobStaleNotify:
		fn = o.StaleNotify
	default:
		return fmt.Errorf("unknown job %q", name)
	}

	lock, err := AcquireLock(o.opts.LockDir, name)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn(ctx)
}

// runJob is the scheduled entry point: lock, run, log. A held lock
// means the previous run is still going; skip this firing.
func (o *Orchestrator) runJob(name string, fn func(context.Context) error) {
	lock, err := AcquireLock(o.opts.LockDir, name)
	if errors.Is(err, ErrJobRunning) {
		o.log.Info("job still running, skipping", "job", name, "detail", err)
		return
	}
	if err != nil {
		o.log.Error("job lock failed", "job", name, "error", err)
		return
	}
	defer lock.Release()

	start := time.Now()
	if err := fn(o.ctx); err != nil {
		o.log.Error("job failed", "job", name, "error", err)
		return
	}
	o.log.Info("job finished", "job", name, "elapsed", time.Since(start).String())
}

// ReloadSweep rebuilds the full catalogs, then signals both servers
// for every deployment whose uploader files changed since the last
// sweep.
func (o *Orchestrator) ReloadSweep(ctx context.Context) error {
	since := o.readStamp(JobReloadSweep)
	start := time.Now()

	if o.opts.Assembler != nil {
		if err := o.opts.Assembler.AssembleAll(ctx); err != nil {
			o.log.Warn("full assembly during sweep failed", "error", err)
		}
	}

	deployments, err := o.opts.Store.List(store.Filter{})
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}

	signaled := 0
	for _, d := range deployments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !o.changedSince(d, since) {
			continue
		}
		for _, server := range config.Servers {
			o.opts.Signaler.Signal(ctx, d.Name, server)
		}
		signaled++
	}
	o.log.Info("reload sweep complete",
		"deployments", len(deployments), "signaled", signaled)
	return o.writeStamp(JobReloadSweep, start)
}

// ArchiveSweep runs the archiver once.
func (o *Orchestrator) ArchiveSweep(ctx context.Context) error {
	return o.opts.Archiver.Sweep(ctx)
}

// HarvestISO runs the metadata harvester once.
func (o *Orchestrator) HarvestISO(ctx context.Context) error {
	return o.opts.Harvester.Harvest(ctx)
}

// StaleNotify reminds owners of quiet open deployments and completes
// the abandoned ones. Completion goes through the normal reconcile
// path: the job drops a completed.txt sentinel and updates the
// record, then asks for a reconciliation.
func (o *Orchestrator) StaleNotify(ctx context.Context) error {
	open := false
	deployments, err := o.opts.Store.List(store.Filter{Completed: &open})
	if err != nil {
		return fmt.Errorf("list open deployments: %w", err)
	}

	now := time.Now()
	var errs []error
	for _, d := range deployments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updated := d.Updated
		if updated.IsZero() {
			updated = d.Created
		}
		if updated.IsZero() {
			continue
		}
		age := now.Sub(updated)

		switch {
		case age > staleCompleteAfter:
			if err := o.completeStale(d, now); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
			}
		case age > staleNotifyAfter:
			if err := o.opts.Notifier.StaleDeployment(d.Username, d.Name, updated); err != nil {
				o.log.Warn("stale reminder failed",
					"deployment", d.Name, "error", err)
			}
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) completeStale(d *store.Deployment, now time.Time) error {
	o.log.Info("completing abandoned deployment",
		"owner", d.Username, "deployment", d.Name,
		"idle_days", int(now.Sub(d.Updated).Hours()/24))

	sentinel := filepath.Join(o.opts.SubmissionRoot, d.DeploymentDir, "completed.txt")
	if err := fsutil.WriteAtomic(sentinel, nil, 0644); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.log.Warn("sentinel write failed", "deployment", d.Name, "error", err)
	}

	d.Completed = true
	d.Updated = now
	if err := o.opts.Store.Upsert(d); err != nil {
		return err
	}
	if o.opts.RequestReconcile != nil {
		owner, _, found := strings.Cut(d.DeploymentDir, "/")
		if found {
			o.opts.RequestReconcile(owner, d.Name)
		}
	}
	return nil
}

// changedSince reports whether the deployment's uploader files moved
// after the given time: deployment.json or any .nc file.
func (o *Orchestrator) changedSince(d *store.Deployment, since time.Time) bool {
	dir := filepath.Join(o.opts.SubmissionRoot, d.DeploymentDir)

	if info, err := os.Stat(filepath.Join(dir, "deployment.json")); err == nil {
		if info.ModTime().After(since) {
			return true
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".nc") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(since) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) stampPath(job string) string {
	return filepath.Join(o.opts.LockDir, job+stampSuffix)
}

// readStamp returns the last recorded run time, zero when no stamp
// exists yet (first sweep signals everything with changes ever).
func (o *Orchestrator) readStamp(job string) time.Time {
	data, err := os.ReadFile(o.stampPath(job))
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		o.log.Warn("corrupt stamp, treating as never run", "job", job, "error", err)
		return time.Time{}
	}
	return t
}

func (o *Orchestrator) writeStamp(job string, t time.Time) error {
	if err := os.MkdirAll(o.opts.LockDir, 0755); err != nil {
		return err
	}
	return fsutil.WriteAtomic(o.stampPath(job), []byte(t.Format(time.RFC3339Nano)+"\n"), 0644)
}
