// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"sort"
	"strings"
)

// RequiredQC lists the QC variable names every deployment fragment
// must reference regardless of what the uploaded files contain. The
// downstream table server expects all of them to exist.
var RequiredQC = []string{
	"conductivity_qc",
	"density_qc",
	"depth_qc",
	"latitude_qc",
	"lat_uv_qc",
	"longitude_qc",
	"lon_uv_qc",
	"profile_lat_qc",
	"profile_lon_qc",
	"pressure_qc",
	"salinity_qc",
	"temperature_qc",
	"time_qc",
	"time_uv_qc",
	"profile_time_qc",
	"u_qc",
	"v_qc",
}

// DestRemap maps QC source names to the destination names published
// by the table server. Profile-level coordinates take over the plain
// names while the per-sample originals move to precise_* aliases.
var DestRemap = map[string]string{
	"longitude_qc":    "precise_lon_qc",
	"latitude_qc":     "precise_lat_qc",
	"profile_lon_qc":  "longitude_qc",
	"profile_lat_qc":  "latitude_qc",
	"time_qc":         "precise_time_qc",
	"profile_time_qc": "time_qc",
}

// coreVariables is the canonical leading block of every generated
// dataset element. Order is load-bearing for downstream consumers.
var coreVariables = []string{
	"trajectory",
	"wmo_id",
	"profile_id",
	"time",
	"latitude",
	"longitude",
	"depth",
}

// DestName returns the published name for a QC source variable,
// falling back to the source name when no remap applies.
func DestName(source string) string {
	if dest, ok := DestRemap[source]; ok {
		return dest
	}
	return source
}

// OrderVariables arranges variable names for emission: the core block
// first in its canonical order, then everything else alphabetized
// case-insensitively. Duplicates collapse to one entry.
func OrderVariables(names []string) []string {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}

	out := make([]string, 0, len(seen))
	for _, core := range coreVariables {
		if seen[core] {
			out = append(out, core)
			delete(seen, core)
		}
	}

	rest := make([]string, 0, len(seen))
	for n := range seen {
		rest = append(rest, n)
	}
	sort.Slice(rest, func(i, j int) bool {
		li, lj := strings.ToLower(rest[i]), strings.ToLower(rest[j])
		if li != lj {
			return li < lj
		}
		return rest[i] < rest[j]
	})
	return append(out, rest...)
}
