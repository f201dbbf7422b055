// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command daccron runs one periodic pipeline job to completion and
// exits. Intended for maintenance runs while the daemon is stopped;
// the running daemon schedules the same jobs itself, and the two
// cannot share the registry database.
//
// Usage:
//
//	daccron [flags] <job> <submission_root> <catalog_root> <primary_template_dir> <public_template_dir>
//
// Jobs: reload-sweep, download-iso-catalog, archive-sweep,
// stale-notify.
//
// Exit codes: 0 success, 1 job failure, 2 configuration error,
// 3 inaccessible roots.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ioos/glider-dac-sub000/pkg/logging"
	"github.com/ioos/glider-dac-sub000/services/dac"
	"github.com/ioos/glider-dac-sub000/services/dac/config"
	"github.com/ioos/glider-dac-sub000/services/dac/cron"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
	exitRoots  = 3
)

var jobNames = []string{
	cron.JobReloadSweep,
	cron.JobISOHarvest,
	cron.JobArchiveSweep,
	cron.JobStaleNotify,
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		cfgPath  string
		logLevel string
	)
	exit := exitOK

	root := &cobra.Command{
		Use:           "daccron [flags] <job> [<submission_root> <catalog_root> <primary_template_dir> <public_template_dir>]",
		Short:         "Run one pipeline maintenance job",
		Long:          "Runs a single periodic job under its lock and exits.\n\nJobs: " + strings.Join(jobNames, ", "),
		Args:          cobra.RangeArgs(1, 5),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			exit = runJob(cfgPath, logLevel, args[0], args[1:])
			return nil
		},
	}
	root.Flags().StringVar(&cfgPath, "config", "", "YAML config file")
	root.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "daccron:", err)
		return exitConfig
	}
	return exit
}

func runJob(cfgPath, logLevel, job string, args []string) int {
	valid := false
	for _, name := range jobNames {
		if job == name {
			valid = true
			break
		}
	}
	if !valid {
		fmt.Fprintf(os.Stderr, "daccron: unknown job %q (want one of %s)\n",
			job, strings.Join(jobNames, ", "))
		return exitConfig
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "daccron:", err)
		return exitConfig
	}
	cfg.ApplyEnv()
	if err := cfg.ApplyArgs(args); err != nil {
		fmt.Fprintln(os.Stderr, "daccron:", err)
		return exitConfig
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "daccron: invalid configuration:", err)
		return exitConfig
	}
	if err := cfg.CheckRoots(); err != nil {
		fmt.Fprintln(os.Stderr, "daccron:", err)
		return exitRoots
	}

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "daccron",
	})
	defer log.Close()

	svc, err := dac.NewService(cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return exitConfig
	}
	defer svc.Close()

	if err := svc.Orchestrator().RunJob(context.Background(), job); err != nil {
		log.Error("job failed", "job", job, "error", err)
		return exitFailed
	}
	log.Info("job complete", "job", job)
	return exitOK
}
