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

// Backend provides an abstraction layer over the host audio API.
// This enables dependency injection and makes testing hardware-independent.
//
// A Backend value serves exactly one HostSession and holds at most one open
// stream at a time. It is not reentrant: all methods are called from the
// caller's thread, never from the real-time callback thread.
type Backend interface {
	// Initialize claims the requested host API
	Initialize(api HostAPI) error

	// Terminate releases everything Initialize acquired
	Terminate() error

	// CurrentAPI reports the host API actually in use
	CurrentAPI() HostAPI

	// DeviceCount returns the number of devices exposed by the host API
	DeviceCount() int

	// DeviceInfo returns a snapshot of the device at index
	DeviceInfo(index int) (DeviceInfo, error)

	// DefaultInputDevice returns the host API's default capture device
	DefaultInputDevice() DeviceID

	// DefaultOutputDevice returns the host API's default playback device
	DefaultOutputDevice() DeviceID

	// OpenStream opens the session's stream and returns the block size the
	// backend actually allocated, which may differ from the requested one.
	OpenStream(req OpenRequest) (int, error)

	// StartStream starts invoking the callback on the real-time thread
	StartStream() error

	// StopStream stops the stream; no callback runs once it returns
	StopStream() error

	// CloseStream releases the stream and drops the callback context
	CloseStream() error

	// LastError returns the backend's last diagnostic message
	LastError() string
}

// BackendCallback is the function a backend invokes once per block on its
// real-time thread. out is nil for input-only streams and in is nil for
// output-only streams. The return value is a backend status code; zero means
// continue.
type BackendCallback func(out, in []int16, frames int, streamTime float64, status StreamStatus, ctx *CallbackContext) int

// StreamParameters describes one direction (capture or playback) of a stream
type StreamParameters struct {
	Device       DeviceID
	Channels     int
	FirstChannel int
}

// OpenRequest holds everything a backend needs to open a stream
type OpenRequest struct {
	Output     *StreamParameters
	Input      *StreamParameters
	Format     SampleFormat
	SampleRate int
	BlockSize  int
	Callback   BackendCallback
	Context    *CallbackContext
}

// StreamStatus carries the per-block condition flags reported by the backend
type StreamStatus uint32

const (
	StatusOK              StreamStatus = 0
	StatusInputOverflow   StreamStatus = 1 << 0
	StatusOutputUnderflow StreamStatus = 1 << 1
)

// InputOverflow reports that captured data was dropped before this block
func (s StreamStatus) InputOverflow() bool {
	return s&StatusInputOverflow != 0
}

// OutputUnderflow reports that playback data was not ready in time
func (s StreamStatus) OutputUnderflow() bool {
	return s&StatusOutputUnderflow != 0
}

func (s StreamStatus) String() string {
	switch {
	case s == StatusOK:
		return "ok"
	case s.InputOverflow() && s.OutputUnderflow():
		return "input overflow, output underflow"
	case s.InputOverflow():
		return "input overflow"
	case s.OutputUnderflow():
		return "output underflow"
	default:
		return "unknown"
	}
}
