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
	"math"
)

// Tone is a periodic sine generator. One period is computed up front so
// Fill does no math on the real-time thread.
type Tone struct {
	table    []int16
	channels int
	cursor   int
}

// NewTone builds a tone repeating every period samples with the given peak
// amplitude, written identically to every channel.
func NewTone(period, amplitude, channels int) (*Tone, error) {
	if period < 1 {
		return nil, fmt.Errorf("%w: tone period %d", ErrInvalidParameter, period)
	}
	if amplitude < 0 || amplitude > math.MaxInt16 {
		return nil, fmt.Errorf("%w: tone amplitude %d", ErrInvalidParameter, amplitude)
	}
	if channels < 1 {
		return nil, fmt.Errorf("%w: channel count %d", ErrInvalidParameter, channels)
	}

	table := make([]int16, period)
	for t := range table {
		table[t] = int16(math.Sin(float64(t)*2*math.Pi/float64(period)) * float64(amplitude))
	}
	return &Tone{table: table, channels: channels}, nil
}

// ToneForFrequency builds a tone of roughly hz at sampleRate
func ToneForFrequency(hz float64, sampleRate, amplitude, channels int) (*Tone, error) {
	if hz <= 0 {
		return nil, fmt.Errorf("%w: tone frequency %v", ErrInvalidParameter, hz)
	}
	return NewTone(int(math.Round(float64(sampleRate)/hz)), amplitude, channels)
}

// Period returns the tone's period in samples
func (t *Tone) Period() int {
	return len(t.table)
}

// Sample returns the value at position n of the waveform
func (t *Tone) Sample(n int) int16 {
	return t.table[n%len(t.table)]
}

// Fill is a BlockFunc that writes the next frames of the tone
func (t *Tone) Fill(_ any, samples []int16, frames int) {
	frames = min(frames, len(samples)/t.channels)
	for f := 0; f < frames; f++ {
		v := t.table[t.cursor]
		for c := 0; c < t.channels; c++ {
			samples[f*t.channels+c] = v
		}
		t.cursor++
		if t.cursor == len(t.table) {
			t.cursor = 0
		}
	}
}
