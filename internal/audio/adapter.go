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
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// BlockFunc is the per-block user callback for unidirectional streams. It
// runs on the backend's real-time thread and must not block, allocate, lock
// or perform I/O. For output streams samples arrive zeroed and whatever the
// callback leaves in it is played; for input streams it holds the captured
// block. samples is only valid during the call.
type BlockFunc func(userData any, samples []int16, frames int)

// DuplexFunc is the per-block user callback for duplex streams. out arrives
// zeroed. The same real-time constraints as BlockFunc apply.
type DuplexFunc func(userData any, in, out []int16, frames int)

// CallbackContext is the state the backend hands back to the adapter on
// every block. It is written once at open time and then only read, apart
// from the armed flag.
type CallbackContext struct {
	direction Direction
	channels  int
	block     BlockFunc
	duplex    DuplexFunc
	userData  any

	armed    atomic.Bool
	warnings *WarningReporter
	blocks   prometheus.Counter

	releases atomic.Int32
}

func newCallbackContext(direction Direction, channels int, userData any, warnings *WarningReporter, blocks prometheus.Counter) *CallbackContext {
	return &CallbackContext{
		direction: direction,
		channels:  channels,
		userData:  userData,
		warnings:  warnings,
		blocks:    blocks,
	}
}

// Released reports whether the owning StreamHandle has let go of the context
func (c *CallbackContext) Released() bool {
	return c.releases.Load() > 0
}

func (c *CallbackContext) release() {
	c.armed.Store(false)
	c.releases.Add(1)
}

// callbackAdapter is the BackendCallback every stream is opened with. It
// always returns 0; a misbehaving user callback never stops the stream.
func callbackAdapter(out, in []int16, frames int, _ float64, status StreamStatus, ctx *CallbackContext) int {
	if status != StatusOK {
		ctx.warnings.reportStatus(status)
	}

	// Zero-fill strictly before the user sees the block
	clear(out)
	if !ctx.armed.Load() {
		return 0
	}

	n := frames * ctx.channels
	switch ctx.direction {
	case DirectionOutput:
		ctx.block(ctx.userData, out[:min(n, len(out))], frames)
	case DirectionInput:
		ctx.block(ctx.userData, in[:min(n, len(in))], frames)
	case DirectionDuplex:
		ctx.duplex(ctx.userData, in[:min(n, len(in))], out[:min(n, len(out))], frames)
	}
	ctx.blocks.Inc()
	return 0
}
