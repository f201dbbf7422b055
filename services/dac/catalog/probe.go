// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// QCProbe is the result of scanning one uploaded file for QC
// variables: attribute names keyed by variable name, split by naming
// convention.
type QCProbe struct {
	// Generic holds variables whose names end in _qc.
	Generic map[string][]string
	// Qartod holds variables whose names start with qartod.
	Qartod map[string][]string
}

func emptyProbe() QCProbe {
	return QCProbe{
		Generic: map[string][]string{},
		Qartod:  map[string][]string{},
	}
}

// ProbeQC reads the netCDF header at path and classifies its QC
// variables. A missing file yields an empty probe without error.
func ProbeQC(path string) (QCProbe, error) {
	probe := emptyProbe()
	header, err := ReadNCHeader(path)
	if os.IsNotExist(err) {
		return probe, nil
	}
	if err != nil {
		return probe, err
	}
	for _, v := range header.Variables {
		switch {
		case strings.HasSuffix(v.Name, "_qc"):
			probe.Generic[v.Name] = v.Attrs
		case strings.HasPrefix(v.Name, "qartod"):
			probe.Qartod[v.Name] = v.Attrs
		}
	}
	return probe, nil
}

// firstDataFile returns the lexicographically first .nc file in dir,
// or "" when the directory holds none.
func firstDataFile(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".nc") || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0])
}
