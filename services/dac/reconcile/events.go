// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reconcile

import (
	"path/filepath"
	"strings"
)

// pathClass describes where under the submission root a path sits.
type pathClass int

const (
	classOutside pathClass = iota
	classOwnerDir
	classDeploymentDir
	classDeploymentFile
)

// classified is the decomposition of an event path relative to the
// submission root: <owner>, <owner>/<name>, or <owner>/<name>/<file>.
type classified struct {
	class pathClass
	owner string
	name  string
	file  string // basename, only for classDeploymentFile
}

// classify decomposes path against root. Paths deeper than
// <owner>/<name>/<file> classify as outside: nested subdirectories
// are not part of the submission contract.
func classify(root, path string) classified {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return classified{class: classOutside}
	}
	parts := strings.Split(rel, string(filepath.Separator))
	switch len(parts) {
	case 1:
		return classified{class: classOwnerDir, owner: parts[0]}
	case 2:
		return classified{class: classDeploymentDir, owner: parts[0], name: parts[1]}
	case 3:
		return classified{
			class: classDeploymentFile,
			owner: parts[0],
			name:  parts[1],
			file:  parts[2],
		}
	default:
		return classified{class: classOutside}
	}
}

// deploymentKey is the debounce key for one deployment.
func deploymentKey(owner, name string) string {
	return "deployment:" + owner + "/" + name
}

// assemblyKey is the debounce key for the global catalog rebuild.
const assemblyKey = "full-assembly"
