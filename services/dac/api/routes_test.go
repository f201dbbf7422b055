// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioos/glider-dac-sub000/services/dac/store"
	"github.com/ioos/glider-dac-sub000/services/dac/telemetry"
)

func newTestRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := prometheus.NewRegistry()
	telemetry.New(reg)

	return NewRouter(Options{Store: st, Gatherer: reg}), st
}

func do(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func seed(t *testing.T, st *store.Store) {
	t.Helper()
	deployments := []*store.Deployment{
		{Name: "sg100-20240101T0000", Username: "alice", Operator: "Acme",
			DeploymentDir: "alice/sg100-20240101T0000", Completed: true},
		{Name: "sg200-20240201T0000", Username: "alice", Operator: "Acme",
			DeploymentDir: "alice/sg200-20240201T0000"},
		{Name: "sg300-20240301T0000", Username: "bob",
			DeploymentDir: "bob/sg300-20240301T0000"},
	}
	for _, d := range deployments {
		require.NoError(t, st.Create(d))
	}
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestListDeployments(t *testing.T) {
	r, st := newTestRouter(t)
	seed(t, st)

	t.Run("all", func(t *testing.T) {
		w := do(r, http.MethodGet, "/deployments")
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Count)
	})

	t.Run("filtered by username and completion", func(t *testing.T) {
		w := do(r, http.MethodGet, "/deployments?username=alice&completed=false")
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Count       int                 `json:"count"`
			Deployments []*store.Deployment `json:"deployments"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "sg200-20240201T0000", resp.Deployments[0].Name)
	})

	t.Run("bad filter value", func(t *testing.T) {
		w := do(r, http.MethodGet, "/deployments?completed=maybe")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetDeployment(t *testing.T) {
	r, st := newTestRouter(t)
	seed(t, st)

	w := do(r, http.MethodGet, "/deployments/sg100-20240101T0000")
	require.Equal(t, http.StatusOK, w.Code)
	var d store.Deployment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, "alice", d.Username)

	w = do(r, http.MethodGet, "/deployments/nope-20000101T0000")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStats(t *testing.T) {
	r, st := newTestRouter(t)
	seed(t, st)

	w := do(r, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Total      int            `json:"total"`
		ByOperator map[string]int `json:"by_operator"`
		ByOwner    map[string]int `json:"by_owner"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.ByOperator["Acme"])
	assert.Equal(t, 1, resp.ByOwner["bob"])
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dac_")
}