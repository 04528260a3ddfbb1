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

// Package media loads audio clips for playback through an output stream.
package media

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

// ErrUnsupportedClip is returned for clips that would need conversion or
// resampling to play on a stream.
var ErrUnsupportedClip = errors.New("unsupported clip")

// Clip is a fully decoded 16-bit PCM clip held in memory
type Clip struct {
	SampleRate int
	Channels   int
	Samples    []int16 // interleaved
}

// LoadWAV decodes a 16-bit PCM WAV file into memory
func LoadWAV(r io.ReadSeeker) (*Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a WAV file", ErrUnsupportedClip)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("%w: WAV format %d is not PCM", ErrUnsupportedClip, dec.WavAudioFormat)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("%w: %d-bit samples (need 16)", ErrUnsupportedClip, dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode WAV data: %w", err)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(max(math.MinInt16, min(math.MaxInt16, v)))
	}

	return &Clip{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		Samples:    samples,
	}, nil
}

// Frames returns the clip length in frames
func (c *Clip) Frames() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Duration returns the playing time of the clip
func (c *Clip) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// Check verifies the clip can play unchanged on a stream with the given
// sample rate and channel count.
func (c *Clip) Check(sampleRate, channels int) error {
	if c.SampleRate != sampleRate {
		return fmt.Errorf("%w: clip is %d Hz, stream is %d Hz", ErrUnsupportedClip, c.SampleRate, sampleRate)
	}
	if c.Channels != channels {
		return fmt.Errorf("%w: clip has %d channels, stream has %d", ErrUnsupportedClip, c.Channels, channels)
	}
	return nil
}

// Player streams a clip into output blocks. Fill runs on the real-time
// thread and only copies from memory.
type Player struct {
	clip   *Clip
	loop   bool
	cursor atomic.Int64
	done   chan struct{}
	closed atomic.Bool
}

// Player returns a player that plays the clip once
func (c *Clip) Player() *Player {
	return newPlayer(c, false)
}

// LoopPlayer returns a player that repeats the clip until the stream stops
func (c *Clip) LoopPlayer() *Player {
	return newPlayer(c, true)
}

func newPlayer(c *Clip, loop bool) *Player {
	return &Player{clip: c, loop: loop, done: make(chan struct{})}
}

// Fill is an audio.BlockFunc. Past the end of a one-shot clip it leaves the
// block silent.
func (p *Player) Fill(_ any, out []int16, _ int) {
	samples := p.clip.Samples
	pos := int(p.cursor.Load())

	written := 0
	for written < len(out) {
		if pos >= len(samples) {
			if !p.loop || len(samples) == 0 {
				p.finish()
				break
			}
			pos = 0
		}
		n := copy(out[written:], samples[pos:])
		written += n
		pos += n
	}
	p.cursor.Store(int64(pos))
	if !p.loop && pos >= len(samples) {
		p.finish()
	}
}

func (p *Player) finish() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.done)
	}
}

// Done is closed once a one-shot clip has been fully written
func (p *Player) Done() <-chan struct{} {
	return p.done
}

// Position returns how many samples have been written
func (p *Player) Position() int {
	return int(p.cursor.Load())
}
