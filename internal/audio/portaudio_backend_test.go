//go:build portaudio

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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPortAudioBackend tests the PortAudio backend implementation
func TestPortAudioBackend(t *testing.T) {
	// Skip if in CI environment where PortAudio may not be available
	if isCIEnvironment() {
		t.Skip("Skipping PortAudio tests in CI environment")
	}

	t.Run("initialization", func(t *testing.T) {
		backend := NewPortAudioBackend()

		err := backend.Initialize(HostAPIUnspecified)
		if err != nil {
			// PortAudio may not be available in test environment
			t.Skipf("PortAudio initialization failed (may be expected): %v", err)
		}
		defer func() { _ = backend.Terminate() }() // Ignore errors during test cleanup

		assert.True(t, backend.initialized, "should be marked as initialized")
		assert.GreaterOrEqual(t, backend.DeviceCount(), 0)
	})

	t.Run("unavailable_host_api", func(t *testing.T) {
		backend := NewPortAudioBackend()

		err := backend.Initialize(HostAPIPulseAudio)
		require.Error(t, err, "PortAudio has no PulseAudio host API")
		assert.NotEmpty(t, backend.LastError())
	})

	t.Run("device_catalog", func(t *testing.T) {
		session, err := NewHostSession(NewPortAudioBackend(), HostAPIUnspecified)
		if err != nil {
			t.Skipf("PortAudio initialization failed (may be expected): %v", err)
		}
		defer func() { _ = session.Close() }() // Ignore errors during test cleanup

		devices, err := NewDeviceCatalog(session).Devices()
		require.NoError(t, err)
		for _, d := range devices {
			assert.NotEmpty(t, d.Name)
			assert.True(t, d.Probed)
		}
	})

	t.Run("rejects_channel_offset", func(t *testing.T) {
		backend := NewPortAudioBackend()
		if err := backend.Initialize(HostAPIUnspecified); err != nil {
			t.Skipf("PortAudio initialization failed (may be expected): %v", err)
		}
		defer func() { _ = backend.Terminate() }() // Ignore errors during test cleanup

		_, err := backend.OpenStream(OpenRequest{
			Output:     &StreamParameters{Device: 0, Channels: 1, FirstChannel: 1},
			Format:     FormatInt16,
			SampleRate: 48000,
			BlockSize:  16,
			Callback:   callbackAdapter,
			Context:    &CallbackContext{},
		})
		require.Error(t, err)
		assert.Contains(t, backend.LastError(), "channel offset")
	})
}

func TestPortAudioOutputStream(t *testing.T) {
	if isCIEnvironment() {
		t.Skip("Skipping audio hardware tests in CI environment")
	}

	var blocks atomic.Int32
	tone, err := ToneForFrequency(440, DefaultSampleRate, 0, DefaultChannels)
	require.NoError(t, err)

	h, err := CreateOutputStream(NewPortAudioBackend(), func(userData any, samples []int16, frames int) {
		tone.Fill(userData, samples, frames)
		blocks.Add(1)
	}, nil, WithHostAPI(HostAPIUnspecified), WithBlockSize(256))
	if err != nil {
		t.Skipf("no usable output device: %v", err)
	}

	assert.Eventually(t, func() bool { return blocks.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Destroy())
	assert.Equal(t, StateClosed, h.State())
}
