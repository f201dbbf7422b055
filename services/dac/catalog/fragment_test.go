// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioos/glider-dac-sub000/services/dac/config"
	"github.com/ioos/glider-dac-sub000/services/dac/store"
)

const testDeploymentTemplate = `<dataset type="EDDTableFromNcFiles" datasetID="{{.Name}}">
<fileDir>{{.DatasetDir}}</fileDir>
<institution>{{.Operator}}</institution>
{{range .Variables}}<dataVariable><sourceName>{{.}}</sourceName></dataVariable>
{{end}}</dataset>
`

const testAggTemplate = `<dataset type="EDDTableAggregate" datasetID="{{.Owner}}_all" count="{{len .Deployments}}"/>
`

type catalogHarness struct {
	assembler      *Assembler
	submissionRoot string
	catalogRoot    string
	store          *store.Store
}

func newCatalogHarness(t *testing.T) *catalogHarness {
	t.Helper()

	base := t.TempDir()
	submissionRoot := filepath.Join(base, "submission")
	catalogRoot := filepath.Join(base, "catalog")
	require.NoError(t, os.MkdirAll(submissionRoot, 0755))

	templateDirs := map[string]string{}
	for _, server := range config.Servers {
		dir := filepath.Join(base, "templates", server)
		require.NoError(t, os.MkdirAll(dir, 0755))
		write := func(name, content string) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
		}
		write(headTemplate, "<erddapDatasets>\n")
		write(tailTemplate, "</erddapDatasets>\n")
		write(deploymentTemplate, testDeploymentTemplate)
		if server == config.ServerPublic {
			write(aggTemplate, testAggTemplate)
		}
		templateDirs[server] = dir
	}

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	assembler, err := New(Options{
		SubmissionRoot: submissionRoot,
		CatalogRoot:    catalogRoot,
		TemplateDirs:   templateDirs,
		Store:          st,
	})
	require.NoError(t, err)

	return &catalogHarness{
		assembler:      assembler,
		submissionRoot: submissionRoot,
		catalogRoot:    catalogRoot,
		store:          st,
	}
}

func (h *catalogHarness) deploymentDir(t *testing.T, owner, name string) string {
	t.Helper()
	dir := filepath.Join(h.submissionRoot, owner, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	return dir
}

func (h *catalogHarness) fragment(t *testing.T, server, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.catalogRoot, server, fragmentPrefix+name+".xml"))
	require.NoError(t, err)
	return string(data)
}

func TestBuildFragmentRendersBothServers(t *testing.T) {
	h := newCatalogHarness(t)
	dir := h.deploymentDir(t, "alice", "glider7-20240601T1200")

	deploymentJSON := `{"name":"glider7-20240601T1200","username":"alice","operator":"Acme","wmo_id":" 4801904 ","completed":false}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deployment.json"), []byte(deploymentJSON), 0644))

	require.NoError(t, h.assembler.BuildFragment(context.Background(), "alice", "glider7-20240601T1200"))

	for _, server := range config.Servers {
		frag := h.fragment(t, server, "glider7-20240601T1200")
		assert.Contains(t, frag, `datasetID="glider7-20240601T1200"`, server)
		assert.Contains(t, frag, "<institution>Acme</institution>", server)

		// The core block must precede the QC variables.
		trajIdx := strings.Index(frag, "<sourceName>trajectory</sourceName>")
		qcIdx := strings.Index(frag, "<sourceName>conductivity_qc</sourceName>")
		require.GreaterOrEqual(t, trajIdx, 0, server)
		require.GreaterOrEqual(t, qcIdx, 0, server)
		assert.Less(t, trajIdx, qcIdx, server)

		// Remapped destinations, not sources, appear in the list.
		assert.Contains(t, frag, "<sourceName>precise_lon_qc</sourceName>", server)
		assert.NotContains(t, frag, "<sourceName>profile_lon_qc</sourceName>", server)
	}
}

func TestBuildFragmentFallsBackOnMalformedJSON(t *testing.T) {
	h := newCatalogHarness(t)
	dir := h.deploymentDir(t, "bob", "sg500-20240101T0000")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deployment.json"), []byte("{not json"), 0644))

	require.NoError(t, h.assembler.BuildFragment(context.Background(), "bob", "sg500-20240101T0000"))

	frag := h.fragment(t, config.ServerPrimary, "sg500-20240101T0000")
	assert.Contains(t, frag, "<institution>bob</institution>", "owner stands in for operator")
}

func TestBuildFragmentIncludesProbedVariables(t *testing.T) {
	h := newCatalogHarness(t)
	dir := h.deploymentDir(t, "alice", "glider8-20240701T0000")
	writeNCFile(t, filepath.Join(dir, "glider8_001.nc"), nil, []ncVar{
		{name: "oxygen_qc", attrs: map[string]string{"flag_values": "0"}},
		{name: "qartod_spike_flag"},
	})

	require.NoError(t, h.assembler.BuildFragment(context.Background(), "alice", "glider8-20240701T0000"))

	frag := h.fragment(t, config.ServerPrimary, "glider8-20240701T0000")
	assert.Contains(t, frag, "<sourceName>oxygen_qc</sourceName>")
	assert.Contains(t, frag, "<sourceName>qartod_spike_flag</sourceName>")
}

func TestExtraAttsAugmentPrimaryOnly(t *testing.T) {
	h := newCatalogHarness(t)
	dir := h.deploymentDir(t, "alice", "glider9-20240801T0000")

	extra := `{"_global_attrs":{"summary":"patched summary","rating":5},"salinity_qc":{"comment":"manual review"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ExtraAttsFile), []byte(extra), 0644))

	require.NoError(t, h.assembler.BuildFragment(context.Background(), "alice", "glider9-20240801T0000"))

	primary := h.fragment(t, config.ServerPrimary, "glider9-20240801T0000")
	assert.Contains(t, primary, `<att name="summary">patched summary</att>`)
	assert.Contains(t, primary, `<att name="rating">5</att>`)
	assert.Contains(t, primary, `<att name="comment">manual review</att>`)

	public := h.fragment(t, config.ServerPublic, "glider9-20240801T0000")
	assert.NotContains(t, public, "patched summary")
}

func TestCorruptExtraAttsIgnoredThenReapplied(t *testing.T) {
	h := newCatalogHarness(t)
	dir := h.deploymentDir(t, "alice", "glider10-20240901T0000")
	name := "glider10-20240901T0000"

	require.NoError(t, os.WriteFile(filepath.Join(dir, ExtraAttsFile), []byte("{"), 0644))
	require.NoError(t, h.assembler.BuildFragment(context.Background(), "alice", name))
	assert.NotContains(t, h.fragment(t, config.ServerPrimary, name), "addAttributes")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ExtraAttsFile),
		[]byte(`{"_global_attrs":{"summary":"fixed"}}`), 0644))
	require.NoError(t, h.assembler.BuildFragment(context.Background(), "alice", name))
	assert.Contains(t, h.fragment(t, config.ServerPrimary, name), `<att name="summary">fixed</att>`)
}

func TestRemoveFragment(t *testing.T) {
	h := newCatalogHarness(t)
	h.deploymentDir(t, "alice", "glider11-20241001T0000")
	require.NoError(t, h.assembler.BuildFragment(context.Background(), "alice", "glider11-20241001T0000"))

	require.NoError(t, h.assembler.RemoveFragment("glider11-20241001T0000"))
	for _, server := range config.Servers {
		_, err := os.Stat(filepath.Join(h.catalogRoot, server, "fragment-glider11-20241001T0000.xml"))
		assert.True(t, os.IsNotExist(err), server)
	}

	// Removing again is a no-op.
	require.NoError(t, h.assembler.RemoveFragment("glider11-20241001T0000"))
}

func TestAssembleAll(t *testing.T) {
	h := newCatalogHarness(t)
	ctx := context.Background()

	for _, name := range []string{"zulu-20240101T0000", "alpha-20240101T0000"} {
		h.deploymentDir(t, "alice", name)
		require.NoError(t, h.assembler.BuildFragment(ctx, "alice", name))
		require.NoError(t, h.store.Create(&store.Deployment{
			Name: name, Username: "alice", DeploymentDir: "alice/" + name,
		}))
	}

	require.NoError(t, h.assembler.AssembleAll(ctx))

	for _, server := range config.Servers {
		data, err := os.ReadFile(filepath.Join(h.catalogRoot, server, CatalogFile))
		require.NoError(t, err)
		catalog := string(data)

		assert.True(t, strings.HasPrefix(catalog, "<erddapDatasets>"), server)
		assert.True(t, strings.HasSuffix(catalog, "</erddapDatasets>\n"), server)

		// Fragments appear in lexicographic order.
		alphaIdx := strings.Index(catalog, `datasetID="alpha-20240101T0000"`)
		zuluIdx := strings.Index(catalog, `datasetID="zulu-20240101T0000"`)
		require.GreaterOrEqual(t, alphaIdx, 0, server)
		require.GreaterOrEqual(t, zuluIdx, 0, server)
		assert.Less(t, alphaIdx, zuluIdx, server)

		if server == config.ServerPublic {
			assert.Contains(t, catalog, `datasetID="alice_all" count="2"`)
		} else {
			assert.NotContains(t, catalog, "alice_all")
		}

		// No temp residue in the catalog directory.
		entries, err := os.ReadDir(filepath.Join(h.catalogRoot, server))
		require.NoError(t, err)
		for _, entry := range entries {
			assert.False(t, strings.HasPrefix(entry.Name(), "."), entry.Name())
		}
	}
}

func TestAssembleAllAfterFragmentRemoval(t *testing.T) {
	h := newCatalogHarness(t)
	ctx := context.Background()

	h.deploymentDir(t, "alice", "gone-20240101T0000")
	require.NoError(t, h.assembler.BuildFragment(ctx, "alice", "gone-20240101T0000"))
	require.NoError(t, h.assembler.AssembleAll(ctx))
	require.NoError(t, h.assembler.RemoveFragment("gone-20240101T0000"))
	require.NoError(t, h.assembler.AssembleAll(ctx))

	data, err := os.ReadFile(filepath.Join(h.catalogRoot, config.ServerPrimary, CatalogFile))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "gone-20240101T0000")
}
