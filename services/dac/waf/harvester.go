// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package waf harvests ISO 19115 metadata from the public server into
// a flat web-accessible-folder directory, one XML document per
// dataset id.
package waf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/beevik/etree"

	"github.com/ioos/glider-dac-sub000/pkg/fsutil"
	"github.com/ioos/glider-dac-sub000/pkg/logging"
)

const (
	indexPath = "/index.xml"
	isoPath   = "/iso19115/%s.xml"

	defaultHTTPTimeout = 30 * time.Second

	// maxDocSize caps a single harvested document; ISO records are
	// tens of kilobytes, not gigabytes.
	maxDocSize = 32 << 20
)

// Options configures a Harvester.
type Options struct {
	// PublicServerURL is the base URL of the public server whose
	// dataset index is scraped.
	PublicServerURL string

	// WAFDir receives one <dataset_id>.xml per harvested dataset.
	WAFDir string

	Client *http.Client
	Logger *logging.Logger
}

type Harvester struct {
	baseURL string
	wafDir  string
	client  *http.Client
	log     *logging.Logger
}

func New(opts Options) *Harvester {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Harvester{
		baseURL: opts.PublicServerURL,
		wafDir:  opts.WAFDir,
		client:  opts.Client,
		log:     opts.Logger,
	}
}

// Harvest scrapes the dataset index and stores each dataset's ISO
// 19115 document under the WAF directory. A dataset that fails to
// fetch is logged and skipped; an unreachable index fails the run.
func (h *Harvester) Harvest(ctx context.Context) error {
	if err := os.MkdirAll(h.wafDir, 0755); err != nil {
		return fmt.Errorf("waf dir: %w", err)
	}
	ids, err := h.datasetIDs(ctx)
	if err != nil {
		return fmt.Errorf("dataset index: %w", err)
	}

	harvested := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := h.harvestOne(ctx, id); err != nil {
			h.log.Warn("iso harvest failed", "dataset", id, "error", err)
			continue
		}
		harvested++
	}
	h.log.Info("iso harvest complete", "datasets", len(ids), "harvested", harvested)
	return nil
}

// datasetIDs scrapes the index document for dataset identifiers,
// taken from the datasetID attribute of each dataset element.
func (h *Harvester) datasetIDs(ctx context.Context) ([]string, error) {
	body, err := h.get(ctx, h.baseURL+indexPath)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}

	var ids []string
	seen := make(map[string]bool)
	for _, elem := range doc.FindElements("//dataset") {
		id := elem.SelectAttrValue("datasetID", "")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("index lists no datasets")
	}
	return ids, nil
}

func (h *Harvester) harvestOne(ctx context.Context, id string) error {
	body, err := h.get(ctx, h.baseURL+fmt.Sprintf(isoPath, id))
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(filepath.Join(h.wafDir, id+".xml"), body, 0644)
}

func (h *Harvester) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return body, nil
}
