// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package signal tells a downstream server to reload one dataset and
// verifies the reload took.
//
// A signal is two steps: touch an empty flag file named after the
// deployment in the server's flag directory, then poll the server's
// dataset descriptor endpoint until it answers 200. The poll runs in
// the signaler's own workers so callers never block on a slow server,
// and a signal that ultimately fails is logged, never propagated.
package signal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/ioos/glider-dac-sub000/pkg/logging"
	"github.com/ioos/glider-dac-sub000/services/dac/telemetry"
)

const (
	// maxWorkers bounds concurrent polls across distinct
	// deployments; additional signals queue.
	maxWorkers = 4

	// pollRetries is how many times a failed descriptor poll is
	// retried after the first attempt.
	pollRetries = 3

	defaultInitialWait = 10 * time.Second
	defaultRetrySleep  = 15 * time.Second
	defaultHTTPTimeout = 30 * time.Second
)

// Options configures a Signaler. ServerURLs and FlagsDirs share keys:
// one entry per downstream server name.
type Options struct {
	ServerURLs map[string]string
	FlagsDirs  map[string]string

	// InitialWait is how long to wait after touching the flag before
	// the first poll, giving the server time to notice the flag.
	InitialWait time.Duration

	// RetrySleep separates consecutive poll attempts.
	RetrySleep time.Duration

	Client  *http.Client
	Logger  *logging.Logger
	Metrics *telemetry.Metrics
}

// Signaler delivers reload signals with at-most-one in flight per
// (deployment, server) pair.
type Signaler struct {
	serverURLs  map[string]string
	flagsDirs   map[string]string
	initialWait time.Duration
	retrySleep  time.Duration
	client      *http.Client
	log         *logging.Logger
	metrics     *telemetry.Metrics

	workers *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func New(opts Options) *Signaler {
	if opts.InitialWait <= 0 {
		opts.InitialWait = defaultInitialWait
	}
	if opts.RetrySleep <= 0 {
		opts.RetrySleep = defaultRetrySleep
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Signaler{
		serverURLs:  opts.ServerURLs,
		flagsDirs:   opts.FlagsDirs,
		initialWait: opts.InitialWait,
		retrySleep:  opts.RetrySleep,
		client:      opts.Client,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		workers:     semaphore.NewWeighted(maxWorkers),
		inflight:    make(map[string]bool),
	}
}

// Signal touches the flag file for the deployment on the given server
// and schedules a descriptor poll. The touch happens before Signal
// returns; the poll runs in a worker. While a signal for the same
// (deployment, server) pair is in flight, further Signal calls are
// dropped without re-touching the flag.
func (s *Signaler) Signal(ctx context.Context, deploymentName, server string) {
	flagsDir, ok := s.flagsDirs[server]
	if !ok {
		s.log.Error("unknown server for reload signal", "server", server)
		return
	}

	key := deploymentName + "|" + server
	s.mu.Lock()
	if s.inflight[key] {
		s.mu.Unlock()
		s.log.Debug("signal already in flight",
			"deployment", deploymentName, "server", server)
		return
	}
	s.inflight[key] = true
	s.mu.Unlock()

	if err := touchFlag(filepath.Join(flagsDir, deploymentName)); err != nil {
		s.log.Error("flag touch failed",
			"deployment", deploymentName, "server", server, "error", err)
		// Still poll: the server may pick the dataset up anyway.
	}
	if s.metrics != nil {
		s.metrics.SignalsSent.WithLabelValues(server).Inc()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
		}()
		if err := s.workers.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.workers.Release(1)
		s.poll(ctx, deploymentName, server)
	}()
}

// ClearFlags removes the deployment's flag file from every server's
// flag directory. Used when a deployment is deleted.
func (s *Signaler) ClearFlags(deploymentName string) {
	for server, dir := range s.flagsDirs {
		path := filepath.Join(dir, deploymentName)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("flag removal failed",
				"deployment", deploymentName, "server", server, "error", err)
		}
	}
}

// Wait blocks until every scheduled poll has finished. Callers cancel
// the contexts passed to Signal first.
func (s *Signaler) Wait() {
	s.wg.Wait()
}

// poll GETs the dataset descriptor until it answers 200 or the retry
// budget runs out. Failure is terminal but never fatal.
func (s *Signaler) poll(ctx context.Context, deploymentName, server string) {
	if !sleepCtx(ctx, s.initialWait) {
		return
	}

	url := fmt.Sprintf("%s/%s.das", s.serverURLs[server], deploymentName)
	attempt := 0
	op := func() error {
		attempt++
		return s.probe(ctx, url)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retrySleep), pollRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if s.metrics != nil {
			s.metrics.SignalFailures.WithLabelValues(server).Inc()
		}
		s.log.Error("dataset did not reload",
			"deployment", deploymentName, "server", server,
			"attempts", attempt, "error", err)
		return
	}
	s.log.Info("dataset reloaded",
		"deployment", deploymentName, "server", server, "attempts", attempt)
}

func (s *Signaler) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("descriptor returned %s", resp.Status)
	}
	return nil
}

// touchFlag creates an empty file, truncating any stale content so
// the mtime always moves.
func touchFlag(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
