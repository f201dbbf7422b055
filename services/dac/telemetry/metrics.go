// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry exposes Prometheus metrics for the DAC pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors. A single
// instance is created at startup and shared across components.
type Metrics struct {
	EventsSeen          *prometheus.CounterVec
	EventsDropped       prometheus.Counter
	Reconciliations     prometheus.Counter
	ReconciliationSkips prometheus.Counter
	ReconcileErrors     prometheus.Counter
	FragmentsBuilt      *prometheus.CounterVec
	FragmentErrors      *prometheus.CounterVec
	Assemblies          *prometheus.CounterVec
	SignalsSent         *prometheus.CounterVec
	SignalFailures      *prometheus.CounterVec
	ArchiveCopies       prometheus.Counter
	ArchivePrunes       prometheus.Counter
	DeploymentsTracked  prometheus.Gauge
}

// New registers pipeline metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsSeen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dac_watch_events_total",
			Help: "Filesystem events observed under the submission root.",
		}, []string{"kind"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "dac_watch_events_dropped_total",
			Help: "Events discarded because the delivery buffer was full.",
		}),
		Reconciliations: factory.NewCounter(prometheus.CounterOpts{
			Name: "dac_reconciliations_total",
			Help: "Per-deployment reconciliation actions executed.",
		}),
		ReconciliationSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "dac_reconciliation_skips_total",
			Help: "Reconciliations that found nothing changed.",
		}),
		ReconcileErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dac_reconcile_errors_total",
			Help: "Reconciliation actions that failed after retries.",
		}),
		FragmentsBuilt: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dac_fragments_built_total",
			Help: "Catalog fragments rendered, by server.",
		}, []string{"server"}),
		FragmentErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dac_fragment_errors_total",
			Help: "Catalog fragments that failed to render, by server.",
		}, []string{"server"}),
		Assemblies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dac_catalog_assemblies_total",
			Help: "Full datasets.xml assemblies, by server.",
		}, []string{"server"}),
		SignalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dac_reload_signals_total",
			Help: "Dataset reload signals confirmed, by server.",
		}, []string{"server"}),
		SignalFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dac_reload_signal_failures_total",
			Help: "Dataset reload signals that exhausted their attempt budget.",
		}, []string{"server"}),
		ArchiveCopies: factory.NewCounter(prometheus.CounterOpts{
			Name: "dac_archive_copies_total",
			Help: "Deployment aggregation files mirrored into the archive tree.",
		}),
		ArchivePrunes: factory.NewCounter(prometheus.CounterOpts{
			Name: "dac_archive_prunes_total",
			Help: "Orphaned archive files removed.",
		}),
		DeploymentsTracked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dac_deployments_tracked",
			Help: "Deployments currently in the registry.",
		}),
	}
}
