// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"  Error  ", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, c := range cases {
		if got := ParseLevel(c.in); got != c.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLevelString(t *testing.T) {
	if LevelDebug.String() != "DEBUG" || LevelError.String() != "ERROR" {
		t.Errorf("unexpected level names: %s %s", LevelDebug, LevelError)
	}
	if Level(42).String() != "UNKNOWN" {
		t.Errorf("out-of-range level should be UNKNOWN")
	}
}

func TestFileLogging(t *testing.T) {
	tmpDir := t.TempDir()

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  tmpDir,
		Service: "test-service",
		Quiet:   true,
	})

	logger.Info("hello", "key", "value")
	logger.Debug("filtered out")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	filename := "test-service_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(tmpDir, filename))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1 (debug should be filtered)", len(lines))
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want value", entry["key"])
	}
	if entry["service"] != "test-service" {
		t.Errorf("service = %v, want test-service", entry["service"])
	}
}

func TestWithAddsAttributes(t *testing.T) {
	tmpDir := t.TempDir()

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  tmpDir,
		Service: "with-test",
		Quiet:   true,
	})
	defer logger.Close()

	child := logger.With("deployment", "glider7-20240601T1200")
	child.Info("scoped")

	filename := "with-test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(tmpDir, filename))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["deployment"] != "glider7-20240601T1200" {
		t.Errorf("deployment = %v, want glider7-20240601T1200", entry["deployment"])
	}
}

func TestCloseWithoutFileIsNil(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Errorf("Close on file-less logger = %v, want nil", err)
	}
	// Second close is a no-op.
	if err := logger.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}
