// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDestName(t *testing.T) {
	assert.Equal(t, "precise_lon_qc", DestName("longitude_qc"))
	assert.Equal(t, "longitude_qc", DestName("profile_lon_qc"))
	assert.Equal(t, "precise_time_qc", DestName("time_qc"))
	assert.Equal(t, "time_qc", DestName("profile_time_qc"))
	assert.Equal(t, "salinity_qc", DestName("salinity_qc"), "unmapped names pass through")
}

func TestOrderVariables(t *testing.T) {
	t.Run("core block leads in canonical order", func(t *testing.T) {
		got := OrderVariables([]string{"depth", "salinity", "time", "trajectory", "wmo_id"})
		assert.Equal(t, []string{"trajectory", "wmo_id", "time", "depth", "salinity"}, got)
	})

	t.Run("rest alphabetized case-insensitively", func(t *testing.T) {
		got := OrderVariables([]string{"Zeta", "alpha", "Beta"})
		assert.Equal(t, []string{"alpha", "Beta", "Zeta"}, got)
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		got := OrderVariables([]string{"time", "salinity", "time", "salinity"})
		assert.Equal(t, []string{"time", "salinity"}, got)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, OrderVariables(nil))
	})
}
