// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reconcile

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ioos/glider-dac-sub000/pkg/fsutil"
)

// Sidecar file names owned by the pipeline. Everything else in a
// submission directory is uploader-owned data and read-only to us.
const (
	DeploymentJSON = "deployment.json"
	WMOIDFile      = "wmoid.txt"
	CompletedFile  = "completed.txt"
	md5Suffix      = ".md5"
)

// md5ChunkSize is the streaming read size for data-file sidecar
// hashing. Matched to the historical pipeline's chunking so digests
// stay comparable across operational tooling.
const md5ChunkSize = 128

// IsSidecar reports whether basename names a pipeline-owned sidecar.
func IsSidecar(basename string) bool {
	switch basename {
	case DeploymentJSON, WMOIDFile, CompletedFile:
		return true
	}
	return strings.HasSuffix(basename, md5Suffix)
}

// DataFile describes a non-sidecar file in a submission directory.
type DataFile struct {
	Name  string // basename
	Path  string // absolute path
	Mtime int64  // unix nanoseconds
}

// ListDataFiles enumerates non-sidecar, non-hidden regular files in
// dir, sorted by basename. Sidecars and dotfiles are excluded from
// every scan that feeds the checksum or the file listing.
func ListDataFiles(dir string) ([]DataFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	var files []DataFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if IsSidecar(name) || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // raced with an uploader, skip
		}
		files = append(files, DataFile{
			Name:  name,
			Path:  filepath.Join(dir, name),
			Mtime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// MD5File returns the hex MD5 of the file at path, streaming in
// md5ChunkSize reads.
func MD5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, md5ChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// reconcileMD5Sidecars creates missing .md5 sidecars for each data
// file when completed, or removes all .md5 sidecars otherwise.
// Existing sidecars are left alone when completed, so a second pass
// over an unchanged directory performs no writes.
func reconcileMD5Sidecars(dir string, files []DataFile, completed bool) error {
	if !completed {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("scan %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), md5Suffix) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", entry.Name(), err)
			}
		}
		return nil
	}

	for _, f := range files {
		sidecar := f.Path + md5Suffix
		if _, err := os.Stat(sidecar); err == nil {
			continue
		}
		digest, err := MD5File(f.Path)
		if err != nil {
			return err
		}
		if err := fsutil.WriteAtomic(sidecar, []byte(digest), 0644); err != nil {
			return err
		}
	}
	return nil
}

// readWMOID returns the trimmed first line of wmoid.txt, or "" when
// the file is absent or blank after trimming.
func readWMOID(dir string) (string, error) {
	f, err := os.Open(filepath.Join(dir, WMOIDFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open wmoid.txt: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", scanner.Err()
	}
	return strings.TrimSpace(scanner.Text()), nil
}

// writeWMOID writes wmoid.txt when wmoID is set, or removes it when
// unset. No-ops when the file already holds the value.
func writeWMOID(dir, wmoID string) error {
	path := filepath.Join(dir, WMOIDFile)
	if wmoID == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove wmoid.txt: %w", err)
		}
		return nil
	}
	want := wmoID + "\n"
	if current, err := os.ReadFile(path); err == nil && string(current) == want {
		return nil
	}
	return fsutil.WriteAtomic(path, []byte(want), 0644)
}

// writeCompletedSentinel creates or removes completed.txt so its
// presence matches completed.
func writeCompletedSentinel(dir string, completed bool) error {
	path := filepath.Join(dir, CompletedFile)
	if !completed {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove completed.txt: %w", err)
		}
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return fsutil.WriteAtomic(path, nil, 0644)
}
