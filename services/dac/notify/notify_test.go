// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ioos/glider-dac-sub000/services/dac/config"
)

func TestLiteralAddresses(t *testing.T) {
	addr, ok := LiteralAddresses("pilot@example.edu")
	assert.True(t, ok)
	assert.Equal(t, "pilot@example.edu", addr)

	_, ok = LiteralAddresses("alice")
	assert.False(t, ok)
}

func TestNewPicksImplementation(t *testing.T) {
	t.Run("no relay configured", func(t *testing.T) {
		n := New(config.SMTP{}, nil, nil)
		assert.IsType(t, &LogNotifier{}, n)
	})

	t.Run("relay configured", func(t *testing.T) {
		n := New(config.SMTP{Host: "smtp.example.edu", Port: 25, From: "dac@example.edu"}, nil, nil)
		assert.IsType(t, &SMTPNotifier{}, n)
	})
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := New(config.SMTP{}, nil, nil)
	assert.NoError(t, n.StaleDeployment("alice", "sg100-20240101T0000", time.Now().Add(-40*24*time.Hour)))
}

func TestStaleBody(t *testing.T) {
	body := staleBody("alice", "sg100-20240101T0000", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.Contains(t, body, "sg100-20240101T0000")
	assert.Contains(t, body, "2024-03-01")
	assert.Contains(t, body, "90 days")
}

func TestSMTPNotifierSkipsUnknownAddress(t *testing.T) {
	n := New(config.SMTP{Host: "smtp.example.edu", Port: 25, From: "dac@example.edu"}, nil, nil)
	// No resolvable address: dropped with a warning, not an error,
	// and no dial is attempted.
	assert.NoError(t, n.StaleDeployment("alice", "sg100-20240101T0000", time.Now()))
}
