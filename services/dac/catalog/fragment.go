// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package catalog renders per-deployment XML fragments and assembles
// them into one datasets.xml per downstream server.
//
// Each server has a template directory with a fixed head, a fixed
// tail, a per-deployment template, and an optional per-owner
// aggregation template. Fragments are rebuilt one deployment at a
// time; the full catalog is a streamed concatenation of whatever
// fragments exist at assembly time.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/beevik/etree"

	"github.com/ioos/glider-dac-sub000/pkg/fsutil"
	"github.com/ioos/glider-dac-sub000/pkg/logging"
	"github.com/ioos/glider-dac-sub000/services/dac/config"
	"github.com/ioos/glider-dac-sub000/services/dac/store"
	"github.com/ioos/glider-dac-sub000/services/dac/telemetry"
)

// Template file names expected in every server template directory.
const (
	headTemplate       = "datasets.head.xml"
	tailTemplate       = "datasets.tail.xml"
	deploymentTemplate = "dataset.deployment.xml"
	aggTemplate        = "dataset.agg.xml"

	// ExtraAttsFile is the optional uploader-provided attribute
	// override file. Only honored for the primary server.
	ExtraAttsFile = "extra_atts.json"

	// GlobalAttrsTarget addresses the dataset element itself in
	// extra_atts.json rather than a named variable.
	GlobalAttrsTarget = "_global_attrs"

	// CatalogFile is the assembled output per server.
	CatalogFile = "datasets.xml"

	fragmentPrefix = "fragment-"
)

// Options configures an Assembler.
type Options struct {
	SubmissionRoot string
	CatalogRoot    string

	// TemplateDirs maps server name to its template directory. Every
	// server named here gets fragments and a datasets.xml.
	TemplateDirs map[string]string

	Store   *store.Store
	Logger  *logging.Logger
	Metrics *telemetry.Metrics
}

// Assembler builds fragments and full catalogs for a fixed set of
// servers. Safe for concurrent use; full assemblies are serialized.
type Assembler struct {
	submissionRoot string
	servers        []*serverSet
	store          *store.Store
	log            *logging.Logger
	metrics        *telemetry.Metrics

	assembleMu sync.Mutex
}

type serverSet struct {
	name        string
	templateDir string
	catalogDir  string
	deployment  *template.Template
	agg         *template.Template
}

// FragmentContext is the data handed to the per-deployment template.
type FragmentContext struct {
	Server     string
	Name       string
	Owner      string
	Operator   string
	WMOID      string
	Completed  bool
	Checksum   string
	DatasetDir string

	// Variables is the ordered, deduplicated list of destination
	// variable names: the core block first, then the rest sorted
	// case-insensitively.
	Variables []string

	// RequiredQC and Remaps expose the fixed QC contract; GenericQC
	// and QartodQC carry what the probe found in the uploaded file.
	RequiredQC []string
	Remaps     map[string]string
	GenericQC  map[string][]string
	QartodQC   map[string][]string
}

// AggContext is the data handed to the per-owner aggregation template.
type AggContext struct {
	Server      string
	Owner       string
	Deployments []string
}

var templateFuncs = template.FuncMap{
	"dest": DestName,
}

// New loads the templates for every configured server. The catalog
// output directories are created if missing.
func New(opts Options) (*Assembler, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	a := &Assembler{
		submissionRoot: opts.SubmissionRoot,
		store:          opts.Store,
		log:            opts.Logger,
		metrics:        opts.Metrics,
	}

	names := make([]string, 0, len(opts.TemplateDirs))
	for name := range opts.TemplateDirs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dir := opts.TemplateDirs[name]
		srv := &serverSet{
			name:        name,
			templateDir: dir,
			catalogDir:  filepath.Join(opts.CatalogRoot, name),
		}
		var err error
		srv.deployment, err = template.New(deploymentTemplate).
			Funcs(templateFuncs).
			ParseFiles(filepath.Join(dir, deploymentTemplate))
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", name, err)
		}
		aggPath := filepath.Join(dir, aggTemplate)
		if _, err := os.Stat(aggPath); err == nil {
			srv.agg, err = template.New(aggTemplate).
				Funcs(templateFuncs).
				ParseFiles(aggPath)
			if err != nil {
				return nil, fmt.Errorf("server %s: %w", name, err)
			}
		}
		if err := os.MkdirAll(srv.catalogDir, 0755); err != nil {
			return nil, fmt.Errorf("server %s: %w", name, err)
		}
		a.servers = append(a.servers, srv)
	}
	return a, nil
}

// BuildFragment renders and writes the deployment's fragment for
// every server. A malformed deployment.json falls back to defaults so
// an uploader mistake cannot hide the deployment from the catalog.
func (a *Assembler) BuildFragment(ctx context.Context, owner, name string) error {
	dir := filepath.Join(a.submissionRoot, owner, name)

	record := a.readDeploymentJSON(dir, owner, name)
	probe, err := ProbeQC(firstDataFile(dir))
	if err != nil {
		a.log.Warn("qc probe failed, treating as empty",
			"owner", owner, "deployment", name, "error", err)
		probe = emptyProbe()
	}

	fragCtx := FragmentContext{
		Name:       name,
		Owner:      owner,
		Operator:   record.Operator,
		WMOID:      record.WMOID,
		Completed:  record.Completed,
		Checksum:   record.Checksum,
		DatasetDir: dir,
		Variables:  a.variableList(probe),
		RequiredQC: RequiredQC,
		Remaps:     DestRemap,
		GenericQC:  probe.Generic,
		QartodQC:   probe.Qartod,
	}

	var errs []error
	for _, srv := range a.servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.buildServerFragment(srv, dir, fragCtx); err != nil {
			if a.metrics != nil {
				a.metrics.FragmentErrors.WithLabelValues(srv.name).Inc()
			}
			errs = append(errs, fmt.Errorf("server %s: %w", srv.name, err))
			continue
		}
		if a.metrics != nil {
			a.metrics.FragmentsBuilt.WithLabelValues(srv.name).Inc()
		}
	}
	return errors.Join(errs...)
}

func (a *Assembler) buildServerFragment(srv *serverSet, dir string, fragCtx FragmentContext) error {
	fragCtx.Server = srv.name

	var buf bytes.Buffer
	if err := srv.deployment.Execute(&buf, fragCtx); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	rendered := buf.Bytes()

	if srv.name == config.ServerPrimary {
		if atts := a.readExtraAtts(dir, fragCtx.Owner, fragCtx.Name); atts != nil {
			augmented, err := augmentFragment(rendered, atts)
			if err != nil {
				a.log.Warn("extra attributes not applied",
					"owner", fragCtx.Owner, "deployment", fragCtx.Name, "error", err)
			} else {
				rendered = augmented
			}
		}
	}

	return fsutil.WriteAtomic(a.fragmentPath(srv, fragCtx.Name), rendered, 0644)
}

// RemoveFragment deletes the deployment's fragment from every
// server's catalog directory. Missing files are not errors.
func (a *Assembler) RemoveFragment(name string) error {
	var errs []error
	for _, srv := range a.servers {
		if err := os.Remove(a.fragmentPath(srv, name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("server %s: %w", srv.name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Assembler) fragmentPath(srv *serverSet, name string) string {
	return filepath.Join(srv.catalogDir, fragmentPrefix+name+".xml")
}

// variableList composes the ordered destination-name list for a
// fragment: the core block, every required QC variable, and whatever
// the probe found, all mapped through the destination remap.
func (a *Assembler) variableList(probe QCProbe) []string {
	names := make([]string, 0, len(coreVariables)+len(RequiredQC)+len(probe.Generic)+len(probe.Qartod))
	names = append(names, coreVariables...)
	for _, qc := range RequiredQC {
		names = append(names, DestName(qc))
	}
	for name := range probe.Generic {
		names = append(names, DestName(name))
	}
	for name := range probe.Qartod {
		names = append(names, name)
	}
	return OrderVariables(names)
}

// readDeploymentJSON loads the uploader record, falling back to bare
// defaults when the file is missing or malformed.
func (a *Assembler) readDeploymentJSON(dir, owner, name string) *store.Deployment {
	record := &store.Deployment{Name: name, Username: owner, Operator: owner}

	data, err := os.ReadFile(filepath.Join(dir, "deployment.json"))
	if err != nil {
		if !os.IsNotExist(err) {
			a.log.Warn("deployment.json unreadable, using defaults",
				"owner", owner, "deployment", name, "error", err)
		}
		return record
	}
	if err := json.Unmarshal(data, record); err != nil {
		a.log.Warn("deployment.json malformed, using defaults",
			"owner", owner, "deployment", name, "error", err)
		return &store.Deployment{Name: name, Username: owner, Operator: owner}
	}
	if record.Operator == "" {
		record.Operator = owner
	}
	record.WMOID = strings.TrimSpace(record.WMOID)
	return record
}

// readExtraAtts loads extra_atts.json. A corrupt file is logged and
// ignored; nil means no augmentation.
func (a *Assembler) readExtraAtts(dir, owner, name string) map[string]map[string]any {
	data, err := os.ReadFile(filepath.Join(dir, ExtraAttsFile))
	if err != nil {
		if !os.IsNotExist(err) {
			a.log.Warn("extra_atts.json unreadable",
				"owner", owner, "deployment", name, "error", err)
		}
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var atts map[string]map[string]any
	if err := dec.Decode(&atts); err != nil {
		a.log.Warn("extra_atts.json malformed, ignoring",
			"owner", owner, "deployment", name, "error", err)
		return nil
	}
	return atts
}

// augmentFragment parses the rendered fragment and upserts the extra
// attributes: _global_attrs targets the dataset element, any other
// target names a dataVariable by its sourceName.
func augmentFragment(rendered []byte, atts map[string]map[string]any) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(rendered); err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("fragment has no root element")
	}

	targets := make([]string, 0, len(atts))
	for target := range atts {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	for _, target := range targets {
		elem := root
		if target != GlobalAttrsTarget {
			elem = findDataVariable(root, target)
			if elem == nil {
				continue
			}
		}
		addAttrs := elem.SelectElement("addAttributes")
		if addAttrs == nil {
			addAttrs = elem.CreateElement("addAttributes")
		}
		upsertAtts(addAttrs, atts[target])
	}

	return doc.WriteToBytes()
}

func findDataVariable(root *etree.Element, sourceName string) *etree.Element {
	for _, dv := range root.FindElements(".//dataVariable") {
		src := dv.SelectElement("sourceName")
		if src != nil && src.Text() == sourceName {
			return dv
		}
	}
	return nil
}

func upsertAtts(addAttrs *etree.Element, values map[string]any) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var att *etree.Element
		for _, child := range addAttrs.SelectElements("att") {
			if child.SelectAttrValue("name", "") == name {
				att = child
				break
			}
		}
		if att == nil {
			att = addAttrs.CreateElement("att")
			att.CreateAttr("name", name)
		}
		att.SetText(formatAttValue(values[name]))
	}
}

func formatAttValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
