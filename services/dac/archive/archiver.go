// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package archive mirrors archival-ready deployments into a flat
// long-term archive tree.
//
// A deployment is eligible once it is completed and flagged archive
// safe. The sweep links (or copies, across filesystems) the merged
// trajectory file into the archive root, writes an MD5 sidecar next
// to it, and prunes archive entries whose deployment is no longer
// eligible. Sweeps are idempotent: an unchanged source produces no
// writes.
package archive

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ioos/glider-dac-sub000/pkg/fsutil"
	"github.com/ioos/glider-dac-sub000/pkg/logging"
	"github.com/ioos/glider-dac-sub000/services/dac/store"
	"github.com/ioos/glider-dac-sub000/services/dac/telemetry"
)

const (
	// ArchiveSuffix names the merged trajectory file the downstream
	// public server produces per deployment.
	ArchiveSuffix = ".ncCF.nc3.nc"

	md5Suffix    = ".md5"
	md5ChunkSize = 64 * 1024
)

// Options configures an Archiver.
type Options struct {
	// PublicDataRoot holds the per-deployment merged files, laid out
	// as <owner>/<name>/<name>.ncCF.nc3.nc.
	PublicDataRoot string

	// ArchiveRoot receives the flat archive copies.
	ArchiveRoot string

	Store   *store.Store
	Logger  *logging.Logger
	Metrics *telemetry.Metrics
}

type Archiver struct {
	publicDataRoot string
	archiveRoot    string
	store          *store.Store
	log            *logging.Logger
	metrics        *telemetry.Metrics
}

func New(opts Options) *Archiver {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Archiver{
		publicDataRoot: opts.PublicDataRoot,
		archiveRoot:    opts.ArchiveRoot,
		store:          opts.Store,
		log:            opts.Logger,
		metrics:        opts.Metrics,
	}
}

// Sweep mirrors every eligible deployment into the archive root and
// prunes entries that no longer correspond to one. Per-deployment
// failures are logged and do not stop the sweep.
func (a *Archiver) Sweep(ctx context.Context) error {
	completed, archiveSafe := true, true
	eligible, err := a.store.List(store.Filter{
		Completed:   &completed,
		ArchiveSafe: &archiveSafe,
	})
	if err != nil {
		return fmt.Errorf("list eligible deployments: %w", err)
	}

	if err := os.MkdirAll(a.archiveRoot, 0755); err != nil {
		return fmt.Errorf("archive root: %w", err)
	}

	keep := make(map[string]bool, len(eligible))
	var errs []error
	for _, d := range eligible {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		keep[d.Name] = true
		if err := a.archiveOne(d); err != nil {
			a.log.Warn("archive failed",
				"owner", d.Username, "deployment", d.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
		}
	}

	if err := a.prune(keep); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Remove deletes a deployment's archive entry and sidecar. Called
// from the delete cascade; missing files are fine.
func (a *Archiver) Remove(deploymentName string) error {
	dst := filepath.Join(a.archiveRoot, deploymentName+ArchiveSuffix)
	for _, path := range []string{dst, dst + md5Suffix} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func (a *Archiver) archiveOne(d *store.Deployment) error {
	src := filepath.Join(a.publicDataRoot, d.Username, d.Name, d.Name+ArchiveSuffix)
	dst := filepath.Join(a.archiveRoot, d.Name+ArchiveSuffix)

	srcInfo, err := os.Stat(src)
	if os.IsNotExist(err) {
		// The public server has not produced the merged file yet;
		// the next sweep will pick it up.
		a.log.Debug("merged file not ready",
			"owner", d.Username, "deployment", d.Name)
		return nil
	}
	if err != nil {
		return err
	}

	if upToDate(srcInfo, dst) {
		return a.ensureMD5(dst, false)
	}

	if err := fsutil.LinkOrCopy(src, dst); err != nil {
		return err
	}
	if a.metrics != nil {
		a.metrics.ArchiveCopies.Inc()
	}
	a.log.Info("deployment archived", "deployment", d.Name)
	return a.ensureMD5(dst, true)
}

// prune removes archive files whose deployment name is not in keep,
// and MD5 sidecars whose data file is gone.
func (a *Archiver) prune(keep map[string]bool) error {
	entries, err := os.ReadDir(a.archiveRoot)
	if err != nil {
		return fmt.Errorf("scan archive root: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		base := entry.Name()
		if entry.IsDir() || strings.HasSuffix(base, md5Suffix) {
			continue
		}
		name := strings.TrimSuffix(base, ArchiveSuffix)
		if keep[name] {
			continue
		}
		a.log.Info("pruning archive entry", "entry", base)
		for _, path := range []string{
			filepath.Join(a.archiveRoot, base),
			filepath.Join(a.archiveRoot, base+md5Suffix),
		} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
		if a.metrics != nil {
			a.metrics.ArchivePrunes.Inc()
		}
	}

	// Sidecars orphaned by an external delete of their data file.
	for _, entry := range entries {
		base := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(base, md5Suffix) {
			continue
		}
		dataFile := filepath.Join(a.archiveRoot, strings.TrimSuffix(base, md5Suffix))
		if _, err := os.Stat(dataFile); os.IsNotExist(err) {
			if err := os.Remove(filepath.Join(a.archiveRoot, base)); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ensureMD5 writes the sidecar when forced or missing.
func (a *Archiver) ensureMD5(dst string, force bool) error {
	sidecar := dst + md5Suffix
	if !force {
		if _, err := os.Stat(sidecar); err == nil {
			return nil
		}
	}
	digest, err := hashFile(dst)
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(sidecar, []byte(digest), 0644)
}

// upToDate reports whether dst already mirrors src: either the same
// inode (hard link) or matching size and mtime from a prior copy.
func upToDate(srcInfo os.FileInfo, dst string) bool {
	dstInfo, err := os.Stat(dst)
	if err != nil {
		return false
	}
	if os.SameFile(srcInfo, dstInfo) {
		return true
	}
	return srcInfo.Size() == dstInfo.Size() && srcInfo.ModTime().Equal(dstInfo.ModTime())
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, md5ChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
