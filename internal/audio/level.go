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
	"math"
	"sync/atomic"
)

// LevelMeter tracks the RMS energy of captured blocks. Observe runs on the
// real-time thread; Level and Peak may be read from any goroutine.
type LevelMeter struct {
	level  atomic.Uint64 // math.Float64bits of the last block's RMS
	peak   atomic.Uint64
	blocks atomic.Uint64
}

// Observe is a BlockFunc that records the energy of samples
func (m *LevelMeter) Observe(_ any, samples []int16, _ int) {
	energy := calculateEnergy(samples)
	m.level.Store(math.Float64bits(energy))
	if energy > math.Float64frombits(m.peak.Load()) {
		m.peak.Store(math.Float64bits(energy))
	}
	m.blocks.Add(1)
}

// Level returns the RMS energy of the last block, in [0, 1]
func (m *LevelMeter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Peak returns the highest block energy seen so far
func (m *LevelMeter) Peak() float64 {
	return math.Float64frombits(m.peak.Load())
}

// Blocks returns how many blocks were observed
func (m *LevelMeter) Blocks() uint64 {
	return m.blocks.Load()
}

// calculateEnergy computes the RMS energy of 16-bit samples scaled to [0, 1]
func calculateEnergy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	var sum float64
	for _, sample := range samples {
		s := float64(sample) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}
