// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config holds the DAC pipeline configuration.
//
// Precedence, lowest to highest: YAML file, environment variables,
// CLI positionals. The daemon maps Validate failures to exit code 2
// and CheckRoots failures to exit code 3.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Downstream server names. Used as the server parameter throughout
// the assembler and signaler.
const (
	ServerPrimary = "primary"
	ServerPublic  = "public"
)

// Servers lists the downstream server names in signaling order.
var Servers = []string{ServerPrimary, ServerPublic}

// SMTP configures the stale-deployment mail notifier. Zero value
// disables mail; notifications then go to the log only.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Enabled reports whether SMTP delivery is configured.
func (s SMTP) Enabled() bool {
	return s.Host != "" && s.From != ""
}

// Config is the full pipeline configuration. A Config value is built
// once at startup and passed explicitly into each component.
type Config struct {
	// SubmissionRoot is the tree uploaders write into.
	SubmissionRoot string `yaml:"submission_root"`

	// CatalogRoot receives per-server fragment and datasets.xml output.
	CatalogRoot string `yaml:"catalog_root"`

	// ArchiveRoot is the flat long-term archive tree.
	ArchiveRoot string `yaml:"archive_root"`

	// PublicDataRoot is the tree holding per-deployment aggregation
	// files, the archiver's source.
	PublicDataRoot string `yaml:"public_data_root"`

	// StorePath is the BadgerDB directory for the deployment registry.
	StorePath string `yaml:"store_path"`

	PrimaryServerURL string `yaml:"primary_server_url"`
	PublicServerURL  string `yaml:"public_server_url"`
	PrimaryFlagsDir  string `yaml:"primary_flags_dir"`
	PublicFlagsDir   string `yaml:"public_flags_dir"`

	PrimaryTemplateDir string `yaml:"primary_template_dir"`
	PublicTemplateDir  string `yaml:"public_template_dir"`

	// WAFDir receives harvested ISO 19115 metadata documents.
	WAFDir string `yaml:"waf_dir"`

	// LockDir holds per-job PID lock files for the cron orchestrator.
	LockDir string `yaml:"lock_dir"`

	// ListenAddr is the status API bind address. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	LogDir   string `yaml:"log_dir"`
	LogLevel string `yaml:"log_level"`

	// DebounceWindow is the per-deployment quiet window.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// AssemblyDelay is the quiet window before a full catalog rebuild.
	AssemblyDelay time.Duration `yaml:"assembly_delay"`

	SMTP SMTP `yaml:"smtp"`
}

// Default returns the configuration defaults applied before file,
// environment, and CLI layers.
func Default() *Config {
	return &Config{
		StorePath:      "deployments.db",
		LockDir:        "locks",
		DebounceWindow: 5 * time.Second,
		AssemblyDelay:  5 * time.Second,
		LogLevel:       "info",
	}
}

// Load reads a YAML config file over the defaults. A missing file is
// not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// envOverrides maps environment variables onto Config fields.
var envOverrides = []struct {
	name  string
	field func(*Config) *string
}{
	{"SUBMISSION_ROOT", func(c *Config) *string { return &c.SubmissionRoot }},
	{"CATALOG_ROOT", func(c *Config) *string { return &c.CatalogRoot }},
	{"ARCHIVE_ROOT", func(c *Config) *string { return &c.ArchiveRoot }},
	{"PRIMARY_SERVER_URL", func(c *Config) *string { return &c.PrimaryServerURL }},
	{"PUBLIC_SERVER_URL", func(c *Config) *string { return &c.PublicServerURL }},
	{"PRIMARY_FLAGS_DIR", func(c *Config) *string { return &c.PrimaryFlagsDir }},
	{"PUBLIC_FLAGS_DIR", func(c *Config) *string { return &c.PublicFlagsDir }},
}

// ApplyEnv overrides fields from the process environment.
func (c *Config) ApplyEnv() {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			*o.field(c) = v
		}
	}
}

// ApplyArgs overrides from the daemon's CLI positionals:
// <submission_root> <catalog_root> <primary_template_dir> <public_template_dir>.
func (c *Config) ApplyArgs(args []string) error {
	fields := []*string{
		&c.SubmissionRoot, &c.CatalogRoot,
		&c.PrimaryTemplateDir, &c.PublicTemplateDir,
	}
	if len(args) > len(fields) {
		return fmt.Errorf("expected at most %d positional arguments, got %d", len(fields), len(args))
	}
	for i, arg := range args {
		if arg != "" {
			*fields[i] = arg
		}
	}
	return nil
}

// Validate checks for mandatory settings. Failures map to exit code 2.
func (c *Config) Validate() error {
	var errs []error
	if c.SubmissionRoot == "" {
		errs = append(errs, errors.New("submission root is required"))
	}
	if c.CatalogRoot == "" {
		errs = append(errs, errors.New("catalog root is required"))
	}
	if c.PrimaryTemplateDir == "" {
		errs = append(errs, errors.New("primary template dir is required"))
	}
	if c.PublicTemplateDir == "" {
		errs = append(errs, errors.New("public template dir is required"))
	}
	if c.DebounceWindow <= 0 {
		errs = append(errs, errors.New("debounce window must be positive"))
	}
	if c.AssemblyDelay <= 0 {
		errs = append(errs, errors.New("assembly delay must be positive"))
	}
	return errors.Join(errs...)
}

// CheckRoots verifies the filesystem roots are accessible directories.
// Failures map to exit code 3.
func (c *Config) CheckRoots() error {
	for _, root := range []string{c.SubmissionRoot, c.PrimaryTemplateDir, c.PublicTemplateDir} {
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("root path %s: %w", root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("root path %s: not a directory", root)
		}
	}
	// The catalog root is created on demand.
	if err := os.MkdirAll(c.CatalogRoot, 0755); err != nil {
		return fmt.Errorf("catalog root %s: %w", c.CatalogRoot, err)
	}
	return nil
}

// ServerURL returns the base URL for a downstream server name.
func (c *Config) ServerURL(server string) string {
	if server == ServerPrimary {
		return c.PrimaryServerURL
	}
	return c.PublicServerURL
}

// FlagsDir returns the watched flag directory for a server name.
func (c *Config) FlagsDir(server string) string {
	if server == ServerPrimary {
		return c.PrimaryFlagsDir
	}
	return c.PublicFlagsDir
}

// TemplateDir returns the catalog template directory for a server name.
func (c *Config) TemplateDir(server string) string {
	if server == ServerPrimary {
		return c.PrimaryTemplateDir
	}
	return c.PublicTemplateDir
}
