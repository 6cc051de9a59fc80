/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package metrics exports stream health to Prometheus.
package metrics

import (
	"github.com/loqalabs/loqa-audio-go/internal/audio"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource supplies monotonic stream counters, normally an
// *audio.Manager, which accumulates them across reopened streams.
type StatsSource interface {
	Stats() audio.Stats
}

// StreamMetrics records stream reports as Prometheus metrics. It is an
// audio.Observer and a prometheus.Collector.
type StreamMetrics struct {
	source StatsSource

	glitches    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	running     prometheus.Gauge

	callbacksDesc *prometheus.Desc
	droppedDesc   *prometheus.Desc

	collectors []prometheus.Collector
}

// NewStreamMetrics creates and registers the metrics of one stream.
func NewStreamMetrics(registry prometheus.Registerer, stream string, source StatsSource) (*StreamMetrics, error) {
	labels := prometheus.Labels{"stream": stream}
	m := &StreamMetrics{
		source: source,
		glitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "loqa_audio_glitches_total",
				Help:        "Degraded callback cycles by kind",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "loqa_audio_state_transitions_total",
				Help:        "Stream lifecycle transitions by target state",
				ConstLabels: labels,
			},
			[]string{"to"},
		),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "loqa_audio_stream_running",
			Help:        "1 while the stream is running",
			ConstLabels: labels,
		}),
		callbacksDesc: prometheus.NewDesc(
			"loqa_audio_callbacks_total",
			"Callback cycles run by the transport",
			nil, labels,
		),
		droppedDesc: prometheus.NewDesc(
			"loqa_audio_reports_dropped_total",
			"Glitch reports dropped because the report queue was full",
			nil, labels,
		),
	}

	for _, kind := range []audio.GlitchKind{audio.GlitchXRun, audio.GlitchProcessFailure, audio.GlitchProcessPanic} {
		m.glitches.WithLabelValues(string(kind))
	}
	m.collectors = []prometheus.Collector{m.glitches, m.transitions, m.running}

	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// StateChanged implements audio.Observer.
func (m *StreamMetrics) StateChanged(ev audio.StateEvent) {
	m.transitions.WithLabelValues(ev.To.String()).Inc()
	if ev.To == audio.StateRunning {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}

// Glitch implements audio.Observer.
func (m *StreamMetrics) Glitch(g audio.Glitch) {
	m.glitches.WithLabelValues(string(g.Kind)).Inc()
}

// Describe implements the Collector interface
func (m *StreamMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
	ch <- m.callbacksDesc
	ch <- m.droppedDesc
}

// Collect implements the Collector interface
func (m *StreamMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}

	stats := m.source.Stats()
	ch <- prometheus.MustNewConstMetric(m.callbacksDesc, prometheus.CounterValue, float64(stats.Cycles))
	ch <- prometheus.MustNewConstMetric(m.droppedDesc, prometheus.CounterValue, float64(stats.DroppedReports))
}
