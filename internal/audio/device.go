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

// DeviceID identifies a device within one host API
type DeviceID uint32

// NoDevice is returned when the host API has no default device
const NoDevice DeviceID = ^DeviceID(0)

// DeviceInfo is a read-only snapshot of one device. When Probed is false
// every channel, rate and format field is undefined.
type DeviceInfo struct {
	ID                  DeviceID
	Name                string
	Probed              bool
	OutputChannels      int
	InputChannels       int
	DuplexChannels      int
	SampleRates         []int
	PreferredSampleRate int
	NativeFormats       FormatMask
	IsDefaultOutput     bool
	IsDefaultInput      bool
}

// CanOutput reports whether the device has playback channels
func (d DeviceInfo) CanOutput() bool {
	return d.Probed && d.OutputChannels > 0
}

// CanInput reports whether the device has capture channels
func (d DeviceInfo) CanInput() bool {
	return d.Probed && d.InputChannels > 0
}

// SupportsRate reports whether rate is in the device's sample-rate set
func (d DeviceInfo) SupportsRate(rate int) bool {
	if !d.Probed {
		return false
	}
	for _, r := range d.SampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

// DeviceCatalog answers device queries against a HostSession it borrows.
// It must not outlive the session.
type DeviceCatalog struct {
	session *HostSession
}

// NewDeviceCatalog creates a catalog over session
func NewDeviceCatalog(session *HostSession) *DeviceCatalog {
	return &DeviceCatalog{session: session}
}

// DeviceInfo returns the snapshot of the device at index
func (c *DeviceCatalog) DeviceInfo(index int) (DeviceInfo, error) {
	backend, err := c.session.acquire()
	if err != nil {
		return DeviceInfo{}, err
	}

	count := backend.DeviceCount()
	if index < 0 || index >= count {
		return DeviceInfo{}, fmt.Errorf("%w: %d (have %d devices)", ErrIndexOutOfRange, index, count)
	}

	info, err := backend.DeviceInfo(index)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: device %d: %v", ErrDeviceQuery, index, err)
	}
	return info, nil
}

// Devices returns a snapshot of every device, probed or not
func (c *DeviceCatalog) Devices() ([]DeviceInfo, error) {
	backend, err := c.session.acquire()
	if err != nil {
		return nil, err
	}

	count := backend.DeviceCount()
	devices := make([]DeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		info, err := c.DeviceInfo(i)
		if err != nil {
			return nil, err
		}
		devices = append(devices, info)
	}
	return devices, nil
}

// DefaultInputDevice resolves the host API's default capture device
func (c *DeviceCatalog) DefaultInputDevice() (DeviceID, error) {
	backend, err := c.session.acquire()
	if err != nil {
		return NoDevice, err
	}
	return backend.DefaultInputDevice(), nil
}

// DefaultOutputDevice resolves the host API's default playback device
func (c *DeviceCatalog) DefaultOutputDevice() (DeviceID, error) {
	backend, err := c.session.acquire()
	if err != nil {
		return NoDevice, err
	}
	return backend.DefaultOutputDevice(), nil
}
