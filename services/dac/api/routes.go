// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api exposes the pipeline's read-only status surface.
//
// Endpoints:
//
//	GET /health                 - liveness
//	GET /deployments            - deployment listing, filterable
//	GET /deployments/:name      - one deployment record
//	GET /stats                  - counts by operator and by owner
//	GET /metrics                - Prometheus metrics
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ioos/glider-dac-sub000/pkg/logging"
	"github.com/ioos/glider-dac-sub000/services/dac/store"
)

// Options wires the API router.
type Options struct {
	Store  *store.Store
	Logger *logging.Logger

	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

type handlers struct {
	store *store.Store
	log   *logging.Logger
}

// NewRouter builds the status router. Callers own the listener.
func NewRouter(opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{store: opts.Store, log: opts.Logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())

	r.GET("/health", h.health)
	r.GET("/deployments", h.listDeployments)
	r.GET("/deployments/:name", h.getDeployment)
	r.GET("/stats", h.stats)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	return r
}

// requestID tags every response so log lines and client reports can
// be matched up. An inbound X-Request-ID is honored.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listDeployments supports ?username=, ?completed=, ?archive_safe=
// and ?delayed_mode= filters.
func (h *handlers) listDeployments(c *gin.Context) {
	filter := store.Filter{Username: c.Query("username")}

	for param, dst := range map[string]**bool{
		"completed":    &filter.Completed,
		"archive_safe": &filter.ArchiveSafe,
		"delayed_mode": &filter.DelayedMode,
	} {
		switch c.Query(param) {
		case "":
		case "true":
			v := true
			*dst = &v
		case "false":
			v := false
			*dst = &v
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error": param + " must be true or false"})
			return
		}
	}

	deployments, err := h.store.List(filter)
	if err != nil {
		h.log.Error("deployment listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":       len(deployments),
		"deployments": deployments,
	})
}

func (h *handlers) getDeployment(c *gin.Context) {
	d, err := h.store.Get(c.Param("name"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
		return
	}
	if err != nil {
		h.log.Error("deployment lookup failed", "name", c.Param("name"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *handlers) stats(c *gin.Context) {
	byOperator, err := h.store.CountByOperator()
	if err != nil {
		h.log.Error("operator stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	byOwner, err := h.store.CountByOwner()
	if err != nil {
		h.log.Error("owner stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}

	total := 0
	for _, n := range byOwner {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"total":       total,
		"by_operator": byOperator,
		"by_owner":    byOwner,
	})
}
