//go:build !portaudio

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

// PortAudioBackend is a placeholder when the build lacks PortAudio. Every
// Initialize fails with ErrBackendUnavailable.
type PortAudioBackend struct{}

// NewPortAudioBackend creates the placeholder backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

// PortAudioEnabled reports whether this build links PortAudio
const PortAudioEnabled = false

// DefaultBackend returns the backend compiled into this build
func DefaultBackend() Backend {
	return NewPortAudioBackend()
}

func (p *PortAudioBackend) Initialize(HostAPI) error {
	return fmt.Errorf("%w: PortAudio support not enabled (build with -tags portaudio)", ErrBackendUnavailable)
}

func (p *PortAudioBackend) Terminate() error { return nil }
func (p *PortAudioBackend) CurrentAPI() HostAPI { return HostAPIUnspecified }
func (p *PortAudioBackend) DeviceCount() int { return 0 }
func (p *PortAudioBackend) DefaultInputDevice() DeviceID { return NoDevice }
func (p *PortAudioBackend) DefaultOutputDevice() DeviceID { return NoDevice }
func (p *PortAudioBackend) StartStream() error { return ErrBackendUnavailable }
func (p *PortAudioBackend) StopStream() error { return ErrBackendUnavailable }
func (p *PortAudioBackend) CloseStream() error { return nil }
func (p *PortAudioBackend) LastError() string { return "PortAudio support not enabled" }
func (p *PortAudioBackend) OpenStream(OpenRequest) (int, error) { return 0, ErrBackendUnavailable }
func (p *PortAudioBackend) DeviceInfo(int) (DeviceInfo, error) { return DeviceInfo{}, ErrBackendUnavailable }
