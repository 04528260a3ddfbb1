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

import "sync/atomic"

// SampleRing is a fixed-capacity single-producer single-consumer queue of
// samples. One goroutine may Write while another Reads without locks, which
// makes it usable from a real-time callback.
type SampleRing struct {
	buf  []int16
	mask uint64
	head atomic.Uint64 // next read position
	tail atomic.Uint64 // next write position
}

// NewSampleRing allocates a ring holding at least capacity samples. The
// capacity is rounded up to a power of two.
func NewSampleRing(capacity int) *SampleRing {
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &SampleRing{
		buf:  make([]int16, size),
		mask: uint64(size - 1), //nolint:gosec // G115: size is positive
	}
}

// Cap returns the number of samples the ring can hold
func (r *SampleRing) Cap() int {
	return len(r.buf)
}

// Len returns the number of samples waiting to be read
func (r *SampleRing) Len() int {
	return int(r.tail.Load() - r.head.Load()) //nolint:gosec // G115: bounded by Cap
}

// Write appends as many samples as fit and returns how many were written
func (r *SampleRing) Write(samples []int16) int {
	tail := r.tail.Load()
	free := uint64(len(r.buf)) - (tail - r.head.Load())
	n := min(uint64(len(samples)), free)

	for i := uint64(0); i < n; i++ {
		r.buf[(tail+i)&r.mask] = samples[i]
	}
	r.tail.Store(tail + n)
	return int(n) //nolint:gosec // G115: n <= len(samples)
}

// Read moves up to len(dst) samples into dst and returns how many were read
func (r *SampleRing) Read(dst []int16) int {
	head := r.head.Load()
	available := r.tail.Load() - head
	n := min(uint64(len(dst)), available)

	for i := uint64(0); i < n; i++ {
		dst[i] = r.buf[(head+i)&r.mask]
	}
	r.head.Store(head + n)
	return int(n) //nolint:gosec // G115: n <= len(dst)
}

// Reset discards buffered samples. Only the consumer may call it.
func (r *SampleRing) Reset() {
	r.head.Store(r.tail.Load())
}
