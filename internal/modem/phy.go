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

package modem

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// Preamble is the line bit pattern sent ahead of every frame: a short
// alternating lead-in followed by the 11-chip Barker code.
var Preamble = [...]byte{0, 1, 0, 1, 0, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1, 0}

// ErrFrameTooLarge is returned when loading more than MaxFrameSize bytes
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

// Config describes the physical layer. A line bit is SymbolLength samples
// of a sine carrier with period CarrierPeriod; a one is sent with the
// carrier inverted.
type Config struct {
	CarrierPeriod int     // samples per carrier cycle
	SymbolLength  int     // samples per line bit, a multiple of CarrierPeriod
	Amplitude     int16   // carrier peak
	Threshold     float64 // normalized preamble correlation that starts a match
	CarrierSense  int     // smoothed absolute level above which the channel is busy
}

// DefaultConfig returns 2 carrier cycles of 8 samples per line bit, which
// is 3000 line bits per second at 48 kHz.
func DefaultConfig() Config {
	return Config{
		CarrierPeriod: 8,
		SymbolLength:  16,
		Amplitude:     12000,
		Threshold:     0.7,
		CarrierSense:  256,
	}
}

// Validate checks the physical layer settings
func (c Config) Validate() error {
	var errs []error
	if c.CarrierPeriod < 2 {
		errs = append(errs, fmt.Errorf("carrier period must be at least 2 samples, got %d", c.CarrierPeriod))
	}
	if c.SymbolLength < c.CarrierPeriod || (c.CarrierPeriod > 0 && c.SymbolLength%c.CarrierPeriod != 0) {
		errs = append(errs, fmt.Errorf("symbol length %d must be a whole number of carrier periods (%d)", c.SymbolLength, c.CarrierPeriod))
	}
	if c.Amplitude <= 0 {
		errs = append(errs, fmt.Errorf("amplitude must be positive, got %d", c.Amplitude))
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold must be in (0, 1], got %g", c.Threshold))
	}
	if c.CarrierSense < 0 {
		errs = append(errs, fmt.Errorf("carrier sense level must not be negative, got %d", c.CarrierSense))
	}
	return errors.Join(errs...)
}

// FrameSamples returns the number of samples a frame of n bytes occupies
func (c Config) FrameSamples(n int) int {
	return (len(Preamble) + n*SymbolsPerByte) * c.SymbolLength
}

// symbol returns one line bit of value zero
func (c Config) symbol() []int16 {
	s := make([]int16, c.SymbolLength)
	for t := range s {
		s[t] = int16(math.Round(float64(c.Amplitude) * math.Sin(2*math.Pi*float64(t)/float64(c.CarrierPeriod))))
	}
	return s
}

// Transmitter produces the waveform of one frame a sample at a time. It
// never allocates after construction, so it can run on the real-time
// thread.
type Transmitter struct {
	symbol []int16
	frame  [MaxFrameSize]byte
	n      int

	bit   int // line bit being sent
	total int
	t     int // sample within the line bit
	level byte
	cur   byte
}

// NewTransmitter creates a transmitter for cfg
func NewTransmitter(cfg Config) (*Transmitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transmitter{symbol: cfg.symbol()}, nil
}

// Load starts sending frame, replacing anything in flight
func (x *Transmitter) Load(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	x.n = copy(x.frame[:], frame)
	x.bit, x.t, x.level = 0, 0, 0
	x.total = len(Preamble) + x.n*SymbolsPerByte
	x.cur = x.lineBit(0)
	return nil
}

// Active reports whether a frame is still being sent
func (x *Transmitter) Active() bool {
	return x.bit < x.total
}

// Next returns the next sample and whether it was the last one of the
// frame. It returns silence when nothing is loaded.
func (x *Transmitter) Next() (int16, bool) {
	if !x.Active() {
		return 0, false
	}
	s := x.symbol[x.t]
	if x.cur == 1 {
		s = -s
	}
	x.t++
	if x.t < len(x.symbol) {
		return s, false
	}
	x.t = 0
	x.bit++
	if x.bit == x.total {
		return s, true
	}
	x.cur = x.lineBit(x.bit)
	return s, false
}

// lineBit must be called with increasing i; the NRZI level depends on
// every bit before it.
func (x *Transmitter) lineBit(i int) byte {
	if i < len(Preamble) {
		return Preamble[i]
	}
	i -= len(Preamble)
	b := x.frame[i/SymbolsPerByte]
	sym := uint16(encode5B[b&0x0F]) | uint16(encode5B[b>>4])<<5
	x.level ^= byte(sym>>(i%SymbolsPerByte)) & 1
	return x.level
}

// Modulate returns the complete waveform of frame
func Modulate(cfg Config, frame []byte) ([]int16, error) {
	x, err := NewTransmitter(cfg)
	if err != nil {
		return nil, err
	}
	if err := x.Load(frame); err != nil {
		return nil, err
	}
	out := make([]int16, 0, cfg.FrameSamples(len(frame)))
	for x.Active() {
		s, _ := x.Next()
		out = append(out, s)
	}
	return out, nil
}

type demodState int

const (
	stateSearch demodState = iota
	stateMatch
	stateReceive
)

// Demodulator finds preambles by normalized correlation and decodes the
// frame that follows. Push runs on the real-time thread and never
// allocates; Busy and the counters may be read from any goroutine.
type Demodulator struct {
	cfg       Config
	template  []int16
	tplEnergy float64
	symbol    []int16

	window []int16
	pos    int // oldest sample
	filled int
	energy int64

	state    demodState
	best     float64
	inverted bool
	since    int
	phase    int

	nrzi  NRZIDecoder
	bytes ByteDecoder
	frame [MaxFrameSize]byte
	n     int
	want  int

	level int64
	busy  atomic.Bool

	locks  atomic.Uint64
	frames atomic.Uint64
	errors atomic.Uint64
}

// NewDemodulator creates a demodulator for cfg
func NewDemodulator(cfg Config) (*Demodulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	symbol := cfg.symbol()
	template := make([]int16, 0, len(Preamble)*len(symbol))
	var energy float64
	for _, b := range Preamble {
		for _, s := range symbol {
			if b == 1 {
				s = -s
			}
			template = append(template, s)
			energy += float64(s) * float64(s)
		}
	}
	return &Demodulator{
		cfg:       cfg,
		template:  template,
		tplEnergy: energy,
		symbol:    symbol,
		window:    make([]int16, len(template)),
	}, nil
}

// Push consumes one sample. When it completes a frame it returns the frame
// bytes; the slice is only valid until the next call.
func (d *Demodulator) Push(sample int16) ([]byte, bool) {
	old := d.window[d.pos]
	d.window[d.pos] = sample
	d.pos++
	if d.pos == len(d.window) {
		d.pos = 0
	}
	if d.filled < len(d.window) {
		d.filled++
	}
	d.energy += int64(sample)*int64(sample) - int64(old)*int64(old)
	d.sense(sample)

	switch d.state {
	case stateSearch, stateMatch:
		if d.filled < len(d.window) || d.energy <= 0 {
			return nil, false
		}
		c := d.correlate()
		mag := math.Abs(c)
		if d.state == stateSearch {
			if mag >= d.cfg.Threshold {
				d.state, d.best, d.inverted, d.since = stateMatch, mag, c < 0, 0
			}
			return nil, false
		}
		if mag > d.best {
			d.best, d.inverted, d.since = mag, c < 0, 0
			return nil, false
		}
		d.since++
		if d.since < d.cfg.SymbolLength {
			return nil, false
		}
		// The peak was one symbol ago, so the window now ends on the
		// first data bit.
		d.state, d.phase, d.n, d.want = stateReceive, 0, 0, 0
		d.nrzi.Reset()
		d.bytes.Reset()
		d.locks.Add(1)
		return d.symbolDone()

	default:
		d.phase++
		if d.phase < d.cfg.SymbolLength {
			return nil, false
		}
		return d.symbolDone()
	}
}

// Busy reports whether the channel currently carries signal
func (d *Demodulator) Busy() bool {
	return d.busy.Load()
}

// Locks returns how many preambles were detected
func (d *Demodulator) Locks() uint64 {
	return d.locks.Load()
}

// Frames returns how many complete frames were decoded
func (d *Demodulator) Frames() uint64 {
	return d.frames.Load()
}

// Errors returns how many locks ended in a line coding error
func (d *Demodulator) Errors() uint64 {
	return d.errors.Load()
}

func (d *Demodulator) symbolDone() ([]byte, bool) {
	d.phase = 0
	level := byte(0)
	if (d.dot() < 0) != d.inverted {
		level = 1
	}
	b, ok, err := d.bytes.Push(d.nrzi.Decode(level))
	if err != nil {
		d.abort()
		return nil, false
	}
	if !ok {
		return nil, false
	}
	d.frame[d.n] = b
	d.n++
	if d.want == 0 {
		n, err := FrameLength(d.frame[:d.n])
		if errors.Is(err, ErrShortFrame) {
			return nil, false
		}
		if err != nil {
			d.abort()
			return nil, false
		}
		d.want = n
	}
	if d.n < d.want {
		return nil, false
	}
	d.state = stateSearch
	d.frames.Add(1)
	return d.frame[:d.n], true
}

func (d *Demodulator) abort() {
	d.state = stateSearch
	d.errors.Add(1)
}

// correlate returns the normalized correlation of the window, oldest
// sample first, with the preamble template.
func (d *Demodulator) correlate() float64 {
	var acc int64
	tail := d.window[d.pos:]
	for i, s := range tail {
		acc += int64(s) * int64(d.template[i])
	}
	for i, s := range d.window[:d.pos] {
		acc += int64(s) * int64(d.template[len(tail)+i])
	}
	return float64(acc) / math.Sqrt(float64(d.energy)*d.tplEnergy)
}

// dot correlates the newest symbol of the window with a zero bit
func (d *Demodulator) dot() int64 {
	var acc int64
	k := d.pos - len(d.symbol)
	if k < 0 {
		k += len(d.window)
	}
	for _, c := range d.symbol {
		acc += int64(d.window[k]) * int64(c)
		k++
		if k == len(d.window) {
			k = 0
		}
	}
	return acc
}

func (d *Demodulator) sense(sample int16) {
	v := int64(sample)
	if v < 0 {
		v = -v
	}
	d.level += (v - d.level) >> 6
	d.busy.Store(d.level > int64(d.cfg.CarrierSense))
}
