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
	"strings"
)

// Fixed operating parameters used by the creation helpers
const (
	DefaultChannels   = 1
	DefaultFormat     = FormatInt16
	DefaultSampleRate = 48000
	DefaultBlockSize  = 16
)

// Direction selects which parameter slots are populated when a stream opens
type Direction int

const (
	DirectionOutput Direction = iota + 1
	DirectionInput
	DirectionDuplex
)

func (d Direction) String() string {
	switch d {
	case DirectionOutput:
		return "output"
	case DirectionInput:
		return "input"
	case DirectionDuplex:
		return "duplex"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

func (d Direction) valid() bool {
	return d == DirectionOutput || d == DirectionInput || d == DirectionDuplex
}

// HasOutput reports whether the playback slot is used
func (d Direction) HasOutput() bool {
	return d == DirectionOutput || d == DirectionDuplex
}

// HasInput reports whether the capture slot is used
func (d Direction) HasInput() bool {
	return d == DirectionInput || d == DirectionDuplex
}

// SampleFormat is one of the enumerated sample formats. Values are distinct
// bits so a FormatMask can describe a device's native formats.
type SampleFormat uint32

const (
	FormatInt8    SampleFormat = 0x01
	FormatInt16   SampleFormat = 0x02
	FormatInt24   SampleFormat = 0x04
	FormatInt32   SampleFormat = 0x08
	FormatFloat32 SampleFormat = 0x10
	FormatFloat64 SampleFormat = 0x20
)

var sampleFormats = []SampleFormat{FormatInt8, FormatInt16, FormatInt24, FormatInt32, FormatFloat32, FormatFloat64}

// Valid reports whether f is exactly one supported format
func (f SampleFormat) Valid() bool {
	for _, known := range sampleFormats {
		if f == known {
			return true
		}
	}
	return false
}

func (f SampleFormat) String() string {
	switch f {
	case FormatInt8:
		return "i8"
	case FormatInt16:
		return "i16"
	case FormatInt24:
		return "i24"
	case FormatInt32:
		return "i32"
	case FormatFloat32:
		return "f32"
	case FormatFloat64:
		return "f64"
	default:
		return "unknown"
	}
}

// FormatMask is a set of SampleFormats
type FormatMask uint32

// Has reports whether f is in the mask
func (m FormatMask) Has(f SampleFormat) bool {
	return uint32(m)&uint32(f) != 0
}

// Formats lists the formats in the mask in ascending order
func (m FormatMask) Formats() []SampleFormat {
	var out []SampleFormat
	for _, f := range sampleFormats {
		if m.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (m FormatMask) String() string {
	formats := m.Formats()
	if len(formats) == 0 {
		return "unknown"
	}
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = f.String()
	}
	return strings.Join(names, ",")
}

// StreamConfig is an immutable, validated parameter set for one stream.
// Build it with BuildStreamConfig; the zero value is not valid.
type StreamConfig struct {
	deviceID     DeviceID
	inputDevice  DeviceID
	channels     int
	firstChannel int
	format       SampleFormat
	sampleRate   int
	blockSize    int
	direction    Direction
}

// BuildStreamConfig validates the parameters and returns an immutable
// config. The device id is not checked against the catalog; the backend
// rejects unknown devices at open time. A block size of zero lets the
// backend choose.
func BuildStreamConfig(direction Direction, device DeviceID, channels int, format SampleFormat, sampleRate, blockSize int) (StreamConfig, error) {
	if !direction.valid() {
		return StreamConfig{}, fmt.Errorf("%w: unknown direction %d", ErrInvalidParameter, int(direction))
	}
	if channels < 1 {
		return StreamConfig{}, fmt.Errorf("%w: channel count %d (need at least 1)", ErrInvalidParameter, channels)
	}
	if !format.Valid() {
		return StreamConfig{}, fmt.Errorf("%w: unsupported sample format 0x%x", ErrInvalidParameter, uint32(format))
	}
	if sampleRate <= 0 {
		return StreamConfig{}, fmt.Errorf("%w: sample rate %d", ErrInvalidParameter, sampleRate)
	}
	if blockSize < 0 {
		return StreamConfig{}, fmt.Errorf("%w: block size %d", ErrInvalidParameter, blockSize)
	}

	return StreamConfig{
		deviceID:    device,
		inputDevice: device,
		channels:    channels,
		format:      format,
		sampleRate:  sampleRate,
		blockSize:   blockSize,
		direction:   direction,
	}, nil
}

// WithFirstChannel returns a copy of c that starts at the given device
// channel offset.
func (c StreamConfig) WithFirstChannel(offset int) (StreamConfig, error) {
	if offset < 0 {
		return StreamConfig{}, fmt.Errorf("%w: first channel offset %d", ErrInvalidParameter, offset)
	}
	c.firstChannel = offset
	return c, nil
}

// WithInputDevice returns a copy of a duplex config that captures from a
// different device than it plays to.
func (c StreamConfig) WithInputDevice(device DeviceID) (StreamConfig, error) {
	if c.direction != DirectionDuplex {
		return StreamConfig{}, fmt.Errorf("%w: separate input device on a %s stream", ErrInvalidParameter, c.direction)
	}
	c.inputDevice = device
	return c, nil
}

func (c StreamConfig) DeviceID() DeviceID { return c.deviceID }
func (c StreamConfig) InputDevice() DeviceID { return c.inputDevice }
func (c StreamConfig) Channels() int { return c.channels }
func (c StreamConfig) FirstChannel() int { return c.firstChannel }
func (c StreamConfig) Format() SampleFormat { return c.format }
func (c StreamConfig) SampleRate() int { return c.sampleRate }
func (c StreamConfig) BlockSize() int { return c.blockSize }
func (c StreamConfig) Direction() Direction { return c.direction }

// IsZero reports whether c was never built
func (c StreamConfig) IsZero() bool {
	return c.channels == 0
}

// outputParameters returns the playback slot, nil unless the direction uses it
func (c StreamConfig) outputParameters() *StreamParameters {
	if !c.direction.HasOutput() {
		return nil
	}
	return &StreamParameters{
		Device:       c.deviceID,
		Channels:     c.channels,
		FirstChannel: c.firstChannel,
	}
}

// inputParameters returns the capture slot, nil unless the direction uses it
func (c StreamConfig) inputParameters() *StreamParameters {
	if !c.direction.HasInput() {
		return nil
	}
	return &StreamParameters{
		Device:       c.inputDevice,
		Channels:     c.channels,
		FirstChannel: c.firstChannel,
	}
}
