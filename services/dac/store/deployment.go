// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Deployment is the registry record for a single glider mission
// submission. Field order is fixed: CanonicalJSON relies on Go's
// encoding/json emitting struct fields in declaration order to produce
// stable bytes for checksumming.
type Deployment struct {
	// Name is the globally unique identifier, <glider_name>-<YYYYMMDDTHHMM>.
	Name string `json:"name"`

	// Username is the owning user in the external registry.
	Username string `json:"username"`

	// Operator is an optional display string; falls back to Username
	// in catalog output when empty.
	Operator string `json:"operator"`

	// DeploymentDir is the submission directory relative to the
	// submission root, always "<username>/<name>".
	DeploymentDir string `json:"deployment_dir"`

	EstimatedDeployDate     string `json:"estimated_deploy_date"`
	EstimatedDeployLocation string `json:"estimated_deploy_location"`

	// WMOID is the trimmed WMO identifier, empty when unset.
	WMOID string `json:"wmo_id"`

	Completed bool `json:"completed"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`

	GliderName     string `json:"glider_name"`
	DeploymentDate string `json:"deployment_date"`

	// ArchiveSafe gates the archiver: only completed, archive-safe
	// deployments are mirrored into the archive tree.
	ArchiveSafe bool `json:"archive_safe"`

	// Checksum is the hex MD5 of the checksum basis concatenated with
	// the mtime tuple of the non-sidecar submission files.
	Checksum string `json:"checksum"`

	DelayedMode bool `json:"delayed_mode"`

	Attribution string `json:"attribution"`

	ComplianceCheckPassed bool            `json:"compliance_check_passed"`
	ComplianceCheckReport json.RawMessage `json:"compliance_check_report,omitempty"`

	// LatestFile is the basename of the most recently modified
	// non-sidecar file in the submission directory.
	LatestFile      string    `json:"latest_file,omitempty"`
	LatestFileMtime time.Time `json:"latest_file_mtime,omitempty"`
}

// CanonicalJSON returns the stable serialized form of the record.
// This is the exact byte form written to deployment.json.
func (d *Deployment) CanonicalJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal deployment %s: %w", d.Name, err)
	}
	return append(data, '\n'), nil
}

// ChecksumBasis returns the serialized identity and metadata fields
// that feed the content checksum. Volatile fields (Checksum itself,
// Updated, LatestFile*, compliance report) are excluded so the digest
// is stable across reconciliations of unchanged inputs.
func (d *Deployment) ChecksumBasis() []byte {
	basis := *d
	basis.Checksum = ""
	basis.Updated = time.Time{}
	basis.LatestFile = ""
	basis.LatestFileMtime = time.Time{}
	basis.ComplianceCheckReport = nil
	data, err := json.Marshal(&basis)
	if err != nil {
		// Marshal of a plain struct cannot fail; keep the signature simple.
		return []byte(d.Name)
	}
	return data
}

// Equal reports whether two records serialize to identical canonical
// bytes. Used by the reconciler to detect no-op reconciliations.
func (d *Deployment) Equal(other *Deployment) bool {
	if other == nil {
		return false
	}
	a, errA := json.Marshal(d)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && string(a) == string(b)
}

// ParseName splits a deployment name into glider name and deployment
// date. The date is the portion after the final hyphen, in the form
// YYYYMMDDTHHMM; glider names may themselves contain hyphens.
func ParseName(name string) (gliderName string, deploymentDate time.Time, err error) {
	idx := strings.LastIndex(name, "-")
	if idx <= 0 || idx == len(name)-1 {
		return "", time.Time{}, fmt.Errorf("deployment name %q: want <glider_name>-<YYYYMMDDTHHMM>", name)
	}
	gliderName = name[:idx]
	stamp := name[idx+1:]
	deploymentDate, err = time.Parse("20060102T1504", stamp)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("deployment name %q: bad date %q: %w", name, stamp, err)
	}
	return gliderName, deploymentDate.UTC(), nil
}

// Filter selects deployments in List. Zero-value fields match all.
type Filter struct {
	// Username restricts to one owner.
	Username string

	// Completed restricts by completion state when non-nil.
	Completed *bool

	// ArchiveSafe restricts by the archive gate when non-nil.
	ArchiveSafe *bool

	// DelayedMode restricts by delivery mode when non-nil.
	DelayedMode *bool
}

func (f Filter) matches(d *Deployment) bool {
	if f.Username != "" && d.Username != f.Username {
		return false
	}
	if f.Completed != nil && d.Completed != *f.Completed {
		return false
	}
	if f.ArchiveSafe != nil && d.ArchiveSafe != *f.ArchiveSafe {
		return false
	}
	if f.DelayedMode != nil && d.DelayedMode != *f.DelayedMode {
		return false
	}
	return true
}
