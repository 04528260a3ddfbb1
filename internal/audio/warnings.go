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

package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loqalabs/loqa-rtbridge/internal/metrics"
)

// warningQueueSize bounds the side channel between the real-time thread and
// the drain goroutine.
const warningQueueSize = 64

// WarningKind classifies a non-fatal stream condition
type WarningKind int

const (
	WarningInputOverflow WarningKind = iota
	WarningOutputUnderflow
	WarningBlockSizeMismatch
	warningKinds
)

func (k WarningKind) String() string {
	switch k {
	case WarningInputOverflow:
		return metrics.WarningInputOverflow
	case WarningOutputUnderflow:
		return metrics.WarningOutputUnderflow
	case WarningBlockSizeMismatch:
		return metrics.WarningBlockSizeMismatch
	default:
		return fmt.Sprintf("warning(%d)", int(k))
	}
}

// Warning is one reported condition. Requested and Actual are only set for
// WarningBlockSizeMismatch.
type Warning struct {
	Kind      WarningKind
	Requested int
	Actual    int
}

// WarningHandler receives warnings on the drain goroutine, never on the
// real-time thread.
type WarningHandler func(Warning)

// WarningCounts is a snapshot of reported warnings. Counts include warnings
// that were dropped from the side channel.
type WarningCounts struct {
	InputOverflow     uint64
	OutputUnderflow   uint64
	BlockSizeMismatch uint64
	Dropped           uint64
}

// Total returns the number of warnings of every kind
func (c WarningCounts) Total() uint64 {
	return c.InputOverflow + c.OutputUnderflow + c.BlockSizeMismatch
}

// WarningReporter moves warnings off the real-time thread. Report only
// touches atomics, pre-resolved counters and a non-blocking channel send.
type WarningReporter struct {
	counts   [warningKinds]atomic.Uint64
	dropped  atomic.Uint64
	counters [warningKinds]prometheus.Counter
	lost     prometheus.Counter

	queue   chan Warning
	handler WarningHandler
	log     *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newWarningReporter(m *metrics.StreamMetrics, log *slog.Logger, handler WarningHandler) *WarningReporter {
	r := &WarningReporter{
		lost:    m.WarningsDropped(),
		queue:   make(chan Warning, warningQueueSize),
		handler: handler,
		log:     log,
		done:    make(chan struct{}),
	}
	for k := WarningKind(0); k < warningKinds; k++ {
		r.counters[k] = m.Warnings(k.String())
	}
	go r.drain()
	return r
}

// Report records w. Safe to call from the real-time thread.
func (r *WarningReporter) Report(w Warning) {
	if r == nil || w.Kind < 0 || w.Kind >= warningKinds {
		return
	}
	r.counts[w.Kind].Add(1)
	r.counters[w.Kind].Inc()

	if r.closed.Load() {
		r.dropped.Add(1)
		r.lost.Inc()
		return
	}
	select {
	case r.queue <- w:
	default:
		r.dropped.Add(1)
		r.lost.Inc()
	}
}

// reportStatus reports each flag set in status once
func (r *WarningReporter) reportStatus(status StreamStatus) {
	if status.InputOverflow() {
		r.Report(Warning{Kind: WarningInputOverflow})
	}
	if status.OutputUnderflow() {
		r.Report(Warning{Kind: WarningOutputUnderflow})
	}
}

// Counts returns a snapshot of the reported warnings
func (r *WarningReporter) Counts() WarningCounts {
	if r == nil {
		return WarningCounts{}
	}
	return WarningCounts{
		InputOverflow:     r.counts[WarningInputOverflow].Load(),
		OutputUnderflow:   r.counts[WarningOutputUnderflow].Load(),
		BlockSizeMismatch: r.counts[WarningBlockSizeMismatch].Load(),
		Dropped:           r.dropped.Load(),
	}
}

func (r *WarningReporter) drain() {
	defer close(r.done)
	for w := range r.queue {
		if w.Kind == WarningBlockSizeMismatch {
			r.log.Warn("⚠️ backend changed block size", "requested", w.Requested, "actual", w.Actual)
		} else {
			r.log.Warn("⚠️ stream status warning", "kind", w.Kind.String())
		}
		if r.handler != nil {
			r.handler(w)
		}
	}
}

// close stops the drain goroutine after delivering queued warnings. It must
// only be called once the backend no longer invokes the callback.
func (r *WarningReporter) close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.queue)
	})
	<-r.done
}
