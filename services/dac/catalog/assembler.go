// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ioos/glider-dac-sub000/services/dac/store"
)

// AssembleAll rebuilds datasets.xml for every server from the
// fragments on disk. Fragments are read at whatever state they hold
// right now; a fragment that cannot be read is logged and skipped.
// The output is written to a temp file and renamed, so readers never
// see a partial catalog.
func (a *Assembler) AssembleAll(ctx context.Context) error {
	a.assembleMu.Lock()
	defer a.assembleMu.Unlock()

	owners, err := a.ownerIndex()
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}

	var errs []error
	for _, srv := range a.servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.assembleServer(srv, owners); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", srv.name, err))
			continue
		}
		if a.metrics != nil {
			a.metrics.Assemblies.WithLabelValues(srv.name).Inc()
		}
		a.log.Info("catalog assembled", "server", srv.name)
	}
	return errors.Join(errs...)
}

func (a *Assembler) assembleServer(srv *serverSet, owners map[string][]string) error {
	head, err := os.ReadFile(filepath.Join(srv.templateDir, headTemplate))
	if err != nil {
		return fmt.Errorf("head: %w", err)
	}
	tail, err := os.ReadFile(filepath.Join(srv.templateDir, tailTemplate))
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}

	fragments, err := a.listFragments(srv)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(srv.catalogDir, "."+CatalogFile+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	write := func(data []byte) error {
		_, err := tmp.Write(data)
		return err
	}

	if err := write(head); err != nil {
		tmp.Close()
		return fmt.Errorf("write head: %w", err)
	}
	for _, frag := range fragments {
		data, err := os.ReadFile(frag)
		if err != nil {
			a.log.Warn("fragment skipped",
				"server", srv.name, "fragment", filepath.Base(frag), "error", err)
			continue
		}
		if err := write(data); err != nil {
			tmp.Close()
			return fmt.Errorf("write fragment: %w", err)
		}
	}
	if srv.agg != nil {
		for _, owner := range sortedKeys(owners) {
			err := srv.agg.Execute(tmp, AggContext{
				Server:      srv.name,
				Owner:       owner,
				Deployments: owners[owner],
			})
			if err != nil {
				tmp.Close()
				return fmt.Errorf("aggregation for %s: %w", owner, err)
			}
		}
	}
	if err := write(tail); err != nil {
		tmp.Close()
		return fmt.Errorf("write tail: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(srv.catalogDir, CatalogFile)); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// listFragments returns the fragment file paths for a server in
// lexicographic order.
func (a *Assembler) listFragments(srv *serverSet) ([]string, error) {
	entries, err := os.ReadDir(srv.catalogDir)
	if err != nil {
		return nil, fmt.Errorf("scan catalog dir: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, fragmentPrefix) || !strings.HasSuffix(name, ".xml") {
			continue
		}
		paths = append(paths, filepath.Join(srv.catalogDir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// ownerIndex groups the active deployment names by owner, each
// owner's list sorted. Owners with no deployments do not appear.
func (a *Assembler) ownerIndex() (map[string][]string, error) {
	if a.store == nil {
		return map[string][]string{}, nil
	}
	deployments, err := a.store.List(store.Filter{})
	if err != nil {
		return nil, err
	}
	owners := make(map[string][]string)
	for _, d := range deployments {
		owners[d.Username] = append(owners[d.Username], d.Name)
	}
	for _, names := range owners {
		sort.Strings(names)
	}
	return owners, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
