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

import "fmt"

// cleanup is a stack of release functions run in reverse on failure
type cleanup []func()

func (c *cleanup) push(fn func()) {
	*c = append(*c, fn)
}

func (c cleanup) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// CreateOutputStream opens a session on backend, resolves the default
// output device and starts a mono 16-bit stream that calls fn for every
// block. On failure everything acquired is released and the returned
// handle is nil.
func CreateOutputStream(backend Backend, fn BlockFunc, userData any, opts ...Option) (*StreamHandle, error) {
	return createStream(backend, DirectionOutput, opts, func(h *StreamHandle, cfg StreamConfig) error {
		return h.Open(cfg, fn, userData)
	})
}

// CreateInputStream is CreateOutputStream for the default capture device
func CreateInputStream(backend Backend, fn BlockFunc, userData any, opts ...Option) (*StreamHandle, error) {
	return createStream(backend, DirectionInput, opts, func(h *StreamHandle, cfg StreamConfig) error {
		return h.Open(cfg, fn, userData)
	})
}

// CreateDuplexStream starts a duplex stream between the default input and
// default output devices.
func CreateDuplexStream(backend Backend, fn DuplexFunc, userData any, opts ...Option) (*StreamHandle, error) {
	return createStream(backend, DirectionDuplex, opts, func(h *StreamHandle, cfg StreamConfig) error {
		return h.OpenDuplex(cfg, fn, userData)
	})
}

func createStream(backend Backend, direction Direction, opts []Option, open func(*StreamHandle, StreamConfig) error) (handle *StreamHandle, err error) {
	o := buildOptions(opts)

	var undo cleanup
	defer func() {
		if err != nil {
			undo.run()
			handle = nil
		}
	}()

	session, err := NewHostSession(backend, o.api)
	if err != nil {
		return nil, err
	}
	undo.push(func() { _ = session.Close() }) // Terminate errors are secondary to err

	cfg, err := defaultStreamConfig(NewDeviceCatalog(session), direction, o)
	if err != nil {
		return nil, err
	}

	h := NewStreamHandle(session, opts...)
	h.ownsSession = true
	undo.push(func() { _ = h.Destroy() })

	if err = open(h, cfg); err != nil {
		return nil, err
	}
	if err = h.Start(); err != nil {
		return nil, err
	}
	return h, nil
}

func defaultStreamConfig(catalog *DeviceCatalog, direction Direction, o options) (StreamConfig, error) {
	var output, input DeviceID
	var err error

	if direction.HasOutput() {
		if output, err = catalog.DefaultOutputDevice(); err != nil {
			return StreamConfig{}, err
		}
		if output == NoDevice {
			return StreamConfig{}, fmt.Errorf("%w: no default output device", ErrDeviceQuery)
		}
	}
	if direction.HasInput() {
		if input, err = catalog.DefaultInputDevice(); err != nil {
			return StreamConfig{}, err
		}
		if input == NoDevice {
			return StreamConfig{}, fmt.Errorf("%w: no default input device", ErrDeviceQuery)
		}
	}

	device := output
	if direction == DirectionInput {
		device = input
	}
	cfg, err := BuildStreamConfig(direction, device, o.channels, DefaultFormat, o.sampleRate, o.blockSize)
	if err != nil {
		return StreamConfig{}, err
	}
	if direction == DirectionDuplex {
		return cfg.WithInputDevice(input)
	}
	return cfg, nil
}
