// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package prometheus exposes a debug session's counters as Prometheus
// collectors, so long-running instrumented sessions can be watched
// like any other service.
package prometheus

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/maetin0324/kokia/track"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	// Namespace prefixes every metric name; defaults to "kokia".
	Namespace string
}

// MetricsExporter adapts track.Stats to Prometheus collectors. It
// reads a fresh snapshot on every scrape.
type MetricsExporter struct {
	session *track.Session

	entries             *prom.Desc
	exits               *prom.Desc
	threadStops         *prom.Desc
	resyncs             *prom.Desc
	abortedEvents       *prom.Desc
	exitsWithoutVerdict *prom.Desc
	tasks               *prom.Desc
	edges               *prom.Desc
}

// NewMetricsExporter returns a collector for the given session.
func NewMetricsExporter(session *track.Session, opts ExporterOptions) *MetricsExporter {
	ns := opts.Namespace
	if ns == "" {
		ns = "kokia"
	}
	return &MetricsExporter{
		session: session,
		entries: prom.NewDesc(
			prom.BuildFQName(ns, "async", "poll_entries_total"),
			"Poll entry events handled.", nil, nil),
		exits: prom.NewDesc(
			prom.BuildFQName(ns, "async", "poll_exits_total"),
			"Poll exit events handled.", nil, nil),
		threadStops: prom.NewDesc(
			prom.BuildFQName(ns, "async", "thread_stops_total"),
			"Thread stop events handled.", nil, nil),
		resyncs: prom.NewDesc(
			prom.BuildFQName(ns, "async", "scope_resyncs_total"),
			"Poll scope resynchronizations run.", nil, nil),
		abortedEvents: prom.NewDesc(
			prom.BuildFQName(ns, "async", "aborted_events_total"),
			"Events aborted for a missing self pointer.", nil, nil),
		exitsWithoutVerdict: prom.NewDesc(
			prom.BuildFQName(ns, "async", "exits_without_verdict_total"),
			"Exits recorded without a readiness verdict.", nil, nil),
		tasks: prom.NewDesc(
			prom.BuildFQName(ns, "async", "tasks"),
			"Known tasks by state.", []string{"state"}, nil),
		edges: prom.NewDesc(
			prom.BuildFQName(ns, "async", "edges"),
			"Await edges by state.", []string{"state"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (e *MetricsExporter) Describe(ch chan<- *prom.Desc) {
	ch <- e.entries
	ch <- e.exits
	ch <- e.threadStops
	ch <- e.resyncs
	ch <- e.abortedEvents
	ch <- e.exitsWithoutVerdict
	ch <- e.tasks
	ch <- e.edges
}

// Collect implements prometheus.Collector.
func (e *MetricsExporter) Collect(ch chan<- prom.Metric) {
	st := e.session.Stats()
	ch <- prom.MustNewConstMetric(e.entries, prom.CounterValue, float64(st.Entries))
	ch <- prom.MustNewConstMetric(e.exits, prom.CounterValue, float64(st.Exits))
	ch <- prom.MustNewConstMetric(e.threadStops, prom.CounterValue, float64(st.ThreadStops))
	ch <- prom.MustNewConstMetric(e.resyncs, prom.CounterValue, float64(st.Resyncs))
	ch <- prom.MustNewConstMetric(e.abortedEvents, prom.CounterValue, float64(st.AbortedEvents))
	ch <- prom.MustNewConstMetric(e.exitsWithoutVerdict, prom.CounterValue, float64(st.ExitsWithoutVerdict))
	live := st.TasksTotal - st.TasksCompleted
	ch <- prom.MustNewConstMetric(e.tasks, prom.GaugeValue, float64(live), "live")
	ch <- prom.MustNewConstMetric(e.tasks, prom.GaugeValue, float64(st.TasksCompleted), "completed")
	pending := st.Edges - st.EdgesCompleted
	ch <- prom.MustNewConstMetric(e.edges, prom.GaugeValue, float64(pending), "pending")
	ch <- prom.MustNewConstMetric(e.edges, prom.GaugeValue, float64(st.EdgesCompleted), "completed")
}
