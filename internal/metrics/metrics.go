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

// Package metrics exposes Prometheus metrics for audio streams and the
// block relay. Metrics live on an explicit registry; nothing is registered
// globally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rtbridge"

// Warning kinds used as label values
const (
	WarningInputOverflow     = "input_overflow"
	WarningOutputUnderflow   = "output_underflow"
	WarningBlockSizeMismatch = "block_size_mismatch"
)

// StreamMetrics groups the collectors for streams and relays. A nil
// *StreamMetrics is valid and hands out unregistered collectors.
type StreamMetrics struct {
	blocksTotal      *prometheus.CounterVec
	warningsTotal    *prometheus.CounterVec
	warningsDropped  prometheus.Counter
	transitionsTotal *prometheus.CounterVec
	backendFailures  *prometheus.CounterVec
	streamsActive    prometheus.Gauge
	relayFrames      *prometheus.CounterVec
	relayDropped     *prometheus.CounterVec
	modemFrames      *prometheus.CounterVec
}

// NewStreamMetrics creates the collectors and registers them with reg
func NewStreamMetrics(reg prometheus.Registerer) *StreamMetrics {
	m := &StreamMetrics{
		blocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_total",
				Help:      "Total number of sample blocks forwarded to user callbacks",
			},
			[]string{"direction"},
		),
		warningsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_warnings_total",
				Help:      "Non-fatal stream warnings by kind",
			},
			[]string{"kind"},
		),
		warningsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_warnings_dropped_total",
				Help:      "Warnings counted but not delivered to the log because the side channel was full",
			},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_transitions_total",
				Help:      "Stream lifecycle transitions by target state",
			},
			[]string{"state"},
		),
		backendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_failures_total",
				Help:      "Backend operation failures by operation",
			},
			[]string{"op"},
		),
		streamsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "streams_active",
				Help:      "Number of streams currently opened or started",
			},
		),
		relayFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_frames_total",
				Help:      "Block frames moved through the relay",
			},
			[]string{"direction"}, // published, received
		),
		relayDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_samples_dropped_total",
				Help:      "Samples dropped by the relay because a ring was full",
			},
			[]string{"direction"},
		),
		modemFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "modem_frames_total",
				Help:      "Acoustic link frame events",
			},
			[]string{"event"}, // sent, received, acked, retried, failed, corrupt, duplicate, dropped
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.blocksTotal,
			m.warningsTotal,
			m.warningsDropped,
			m.transitionsTotal,
			m.backendFailures,
			m.streamsActive,
			m.relayFrames,
			m.relayDropped,
			m.modemFrames,
		)
	}
	return m
}

// Blocks returns the block counter for a direction. Resolve it once at open
// time; incrementing the returned counter is lock-free.
func (m *StreamMetrics) Blocks(direction string) prometheus.Counter {
	if m == nil {
		return discardCounter()
	}
	return m.blocksTotal.WithLabelValues(direction)
}

// Warnings returns the warning counter for a kind
func (m *StreamMetrics) Warnings(kind string) prometheus.Counter {
	if m == nil {
		return discardCounter()
	}
	return m.warningsTotal.WithLabelValues(kind)
}

// WarningsDropped returns the counter of undelivered warnings
func (m *StreamMetrics) WarningsDropped() prometheus.Counter {
	if m == nil {
		return discardCounter()
	}
	return m.warningsDropped
}

// Transition records a lifecycle transition into state
func (m *StreamMetrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(state).Inc()
}

// BackendFailure records a failed backend operation
func (m *StreamMetrics) BackendFailure(op string) {
	if m == nil {
		return
	}
	m.backendFailures.WithLabelValues(op).Inc()
}

// StreamOpened increments the active stream gauge
func (m *StreamMetrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streamsActive.Inc()
}

// StreamClosed decrements the active stream gauge
func (m *StreamMetrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streamsActive.Dec()
}

// RelayFrames returns the relay frame counter for a direction
func (m *StreamMetrics) RelayFrames(direction string) prometheus.Counter {
	if m == nil {
		return discardCounter()
	}
	return m.relayFrames.WithLabelValues(direction)
}

// RelayDropped returns the relay drop counter for a direction
func (m *StreamMetrics) RelayDropped(direction string) prometheus.Counter {
	if m == nil {
		return discardCounter()
	}
	return m.relayDropped.WithLabelValues(direction)
}

// ModemFrames returns the acoustic link counter for an event
func (m *StreamMetrics) ModemFrames(event string) prometheus.Counter {
	if m == nil {
		return discardCounter()
	}
	return m.modemFrames.WithLabelValues(event)
}

func discardCounter() prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: "discard"})
}
