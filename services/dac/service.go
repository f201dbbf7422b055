// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dac assembles the deployment catalog pipeline: filesystem
// watcher, debounced reconciler, catalog assembler, reload signaler,
// archiver, cron orchestrator, and the status API, all wired from one
// Config.
package dac

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ioos/glider-dac-sub000/pkg/logging"
	"github.com/ioos/glider-dac-sub000/services/dac/api"
	"github.com/ioos/glider-dac-sub000/services/dac/archive"
	"github.com/ioos/glider-dac-sub000/services/dac/catalog"
	"github.com/ioos/glider-dac-sub000/services/dac/config"
	"github.com/ioos/glider-dac-sub000/services/dac/cron"
	"github.com/ioos/glider-dac-sub000/services/dac/debounce"
	"github.com/ioos/glider-dac-sub000/services/dac/notify"
	"github.com/ioos/glider-dac-sub000/services/dac/reconcile"
	"github.com/ioos/glider-dac-sub000/services/dac/signal"
	"github.com/ioos/glider-dac-sub000/services/dac/store"
	"github.com/ioos/glider-dac-sub000/services/dac/telemetry"
	"github.com/ioos/glider-dac-sub000/services/dac/waf"
	"github.com/ioos/glider-dac-sub000/services/dac/watch"
)

// shutdownGrace bounds how long Run waits for in-flight debounced
// actions and the HTTP server during shutdown.
const shutdownGrace = 10 * time.Second

// Service is the assembled pipeline.
type Service struct {
	cfg *config.Config
	log *logging.Logger

	store        *store.Store
	watcher      *watch.Watcher
	scheduler    *debounce.Scheduler
	assembler    *catalog.Assembler
	signaler     *signal.Signaler
	archiver     *archive.Archiver
	harvester    *waf.Harvester
	reconciler   *reconcile.Reconciler
	orchestrator *cron.Orchestrator
	httpServer   *http.Server
}

// NewService wires every component from the config. The store is
// opened here; Close releases it.
func NewService(cfg *config.Config, log *logging.Logger) (*Service, error) {
	if log == nil {
		log = logging.Default()
	}

	metrics := telemetry.New(prometheus.DefaultRegisterer)

	st, err := store.Open(store.Config{
		Path:       cfg.StorePath,
		SyncWrites: true,
		Logger:     log.Slog(),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if deps, err := st.List(store.Filter{}); err == nil {
		metrics.DeploymentsTracked.Set(float64(len(deps)))
	}

	assembler, err := catalog.New(catalog.Options{
		SubmissionRoot: cfg.SubmissionRoot,
		CatalogRoot:    cfg.CatalogRoot,
		TemplateDirs: map[string]string{
			config.ServerPrimary: cfg.PrimaryTemplateDir,
			config.ServerPublic:  cfg.PublicTemplateDir,
		},
		Store:   st,
		Logger:  log,
		Metrics: metrics,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("catalog assembler: %w", err)
	}

	signaler := signal.New(signal.Options{
		ServerURLs: map[string]string{
			config.ServerPrimary: cfg.PrimaryServerURL,
			config.ServerPublic:  cfg.PublicServerURL,
		},
		FlagsDirs: map[string]string{
			config.ServerPrimary: cfg.PrimaryFlagsDir,
			config.ServerPublic:  cfg.PublicFlagsDir,
		},
		Logger:  log,
		Metrics: metrics,
	})

	archiver := archive.New(archive.Options{
		PublicDataRoot: cfg.PublicDataRoot,
		ArchiveRoot:    cfg.ArchiveRoot,
		Store:          st,
		Logger:         log,
		Metrics:        metrics,
	})

	harvester := waf.New(waf.Options{
		PublicServerURL: cfg.PublicServerURL,
		WAFDir:          cfg.WAFDir,
		Logger:          log,
	})

	scheduler := debounce.NewScheduler()
	reconciler := reconcile.New(reconcile.Options{
		SubmissionRoot: cfg.SubmissionRoot,
		DebounceWindow: cfg.DebounceWindow,
		AssemblyDelay:  cfg.AssemblyDelay,
		Logger:         log.Slog(),
		Metrics:        metrics,
	}, st, scheduler, assembler, signaler, archiver)

	watcher, err := watch.New(cfg.SubmissionRoot, &watch.Options{
		Logger:  log.Slog(),
		Metrics: metrics,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("watcher: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		log:        log,
		store:      st,
		watcher:    watcher,
		scheduler:  scheduler,
		assembler:  assembler,
		signaler:   signaler,
		archiver:   archiver,
		harvester:  harvester,
		reconciler: reconciler,
	}

	s.orchestrator = cron.New(cron.Options{
		SubmissionRoot: cfg.SubmissionRoot,
		LockDir:        cfg.LockDir,
		Store:          st,
		Signaler:       signaler,
		Archiver:       archiver,
		Harvester:      harvester,
		Assembler:      assembler,
		Notifier:       notify.New(cfg.SMTP, nil, log),
		RequestReconcile: func(owner, name string) {
			reconciler.RequestReconcile(context.Background(), owner, name)
		},
		Logger: log,
	})

	if cfg.ListenAddr != "" {
		s.httpServer = &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           api.NewRouter(api.Options{Store: st, Logger: log}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// Orchestrator exposes the cron jobs for one-shot invocation.
func (s *Service) Orchestrator() *cron.Orchestrator {
	return s.orchestrator
}

// Run starts the pipeline and blocks until ctx is canceled. Shutdown
// order: watcher, cron, pending timers, in-flight signals, HTTP.
func (s *Service) Run(ctx context.Context) error {
	// runCtx outlives ctx so in-flight actions keep a live context
	// during the shutdown grace window.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.watcher.Start(runCtx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.reconciler.Run(runCtx, s.watcher.Events())
	}()

	if err := s.orchestrator.Start(runCtx); err != nil {
		s.watcher.Stop()
		return fmt.Errorf("start cron: %w", err)
	}

	if s.httpServer != nil {
		go func() {
			s.log.Info("status api listening", "addr", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("status api failed", "error", err)
			}
		}()
	}

	// Pick up deployments that existed before the watcher started,
	// and publish an initial catalog.
	s.scanExisting(runCtx)

	s.log.Info("pipeline running", "submission_root", s.cfg.SubmissionRoot)
	<-ctx.Done()
	s.log.Info("shutting down")

	s.watcher.Stop()
	s.orchestrator.Stop()
	<-done

	if drained := s.scheduler.Shutdown(shutdownGrace); !drained {
		s.log.Warn("shutdown grace expired with actions in flight")
	}
	cancel()
	s.signaler.Wait()

	if s.httpServer != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutCancel()
		if err := s.httpServer.Shutdown(shutCtx); err != nil {
			s.log.Warn("status api shutdown", "error", err)
		}
	}
	return nil
}

// Close releases the store and the log file.
func (s *Service) Close() error {
	err := s.store.Close()
	if cerr := s.log.Close(); err == nil {
		err = cerr
	}
	return err
}

// scanExisting schedules a reconciliation for every deployment
// directory already on disk, so a restart converges without waiting
// for new events.
func (s *Service) scanExisting(ctx context.Context) {
	owners, err := os.ReadDir(s.cfg.SubmissionRoot)
	if err != nil {
		s.log.Warn("startup scan failed", "error", err)
		return
	}
	scheduled := 0
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		deployments, err := os.ReadDir(filepath.Join(s.cfg.SubmissionRoot, owner.Name()))
		if err != nil {
			continue
		}
		for _, dep := range deployments {
			if !dep.IsDir() {
				continue
			}
			if _, _, err := store.ParseName(dep.Name()); err != nil {
				continue
			}
			s.reconciler.RequestReconcile(ctx, owner.Name(), dep.Name())
			scheduled++
		}
	}
	s.log.Info("startup scan complete", "deployments", scheduled)
}
