// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command dacd runs the deployment catalog pipeline daemon: it
// watches the submission tree, maintains the deployment registry,
// publishes per-server catalogs, signals downstream reloads, and
// drives the periodic jobs.
//
// Usage:
//
//	dacd [flags] <submission_root> <catalog_root> <primary_template_dir> <public_template_dir>
//
// Positionals may be omitted when the corresponding setting comes
// from the config file or environment (SUBMISSION_ROOT, CATALOG_ROOT,
// ARCHIVE_ROOT, PRIMARY_SERVER_URL, PUBLIC_SERVER_URL,
// PRIMARY_FLAGS_DIR, PUBLIC_FLAGS_DIR).
//
// Exit codes: 0 clean shutdown, 2 configuration error, 3 inaccessible
// roots, 130 interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ioos/glider-dac-sub000/pkg/logging"
	"github.com/ioos/glider-dac-sub000/services/dac"
	"github.com/ioos/glider-dac-sub000/services/dac/config"
)

const (
	exitOK          = 0
	exitConfig      = 2
	exitRoots       = 3
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		cfgPath    string
		logLevel   string
		logJSON    bool
		listenAddr string
	)
	exit := exitOK

	root := &cobra.Command{
		Use:           "dacd [flags] <submission_root> <catalog_root> <primary_template_dir> <public_template_dir>",
		Short:         "Glider DAC deployment catalog pipeline daemon",
		Args:          cobra.MaximumNArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			exit = runDaemon(cfgPath, logLevel, logJSON, listenAddr, args)
			return nil
		},
	}
	root.Flags().StringVar(&cfgPath, "config", "", "YAML config file")
	root.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON log lines")
	root.Flags().StringVar(&listenAddr, "listen", "", "status API bind address (empty disables)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dacd:", err)
		return exitConfig
	}
	return exit
}

func runDaemon(cfgPath, logLevel string, logJSON bool, listenAddr string, args []string) int {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dacd:", err)
		return exitConfig
	}
	cfg.ApplyEnv()
	if err := cfg.ApplyArgs(args); err != nil {
		fmt.Fprintln(os.Stderr, "dacd:", err)
		return exitConfig
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "dacd: invalid configuration:", err)
		return exitConfig
	}
	if err := cfg.CheckRoots(); err != nil {
		fmt.Fprintln(os.Stderr, "dacd:", err)
		return exitRoots
	}

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "dacd",
		JSON:    logJSON,
	})

	svc, err := dac.NewService(cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return exitConfig
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := make(chan os.Signal, 1)
	go func() {
		sig := <-sigCh
		log.Info("signal received", "signal", sig.String())
		interrupted <- sig
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Error("pipeline failed", "error", err)
		return exitConfig
	}

	select {
	case sig := <-interrupted:
		if sig == syscall.SIGINT {
			return exitInterrupted
		}
	default:
	}
	return exitOK
}
