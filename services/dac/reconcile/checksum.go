// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reconcile

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/ioos/glider-dac-sub000/services/dac/store"
)

// Checksum computes the deployment content digest: hex MD5 of the
// record's checksum basis concatenated with the modification-time
// tuple of the non-sidecar submission files.
//
// Only the sidecar-filtered file set feeds the digest. The historical
// pipeline was inconsistent here; this implementation fixes the
// behavior as sidecar-filtered only (see release notes).
func Checksum(d *store.Deployment, files []DataFile) string {
	h := md5.New()
	h.Write(d.ChecksumBasis())
	for _, f := range files {
		fmt.Fprintf(h, "%s:%d;", f.Name, f.Mtime)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LatestFile returns the basename and mtime (unix nanoseconds) of the
// most recently modified data file, or zero values for an empty set.
func LatestFile(files []DataFile) (string, int64) {
	var name string
	var mtime int64
	for _, f := range files {
		if f.Mtime > mtime {
			name, mtime = f.Name, f.Mtime
		}
	}
	return name, mtime
}
