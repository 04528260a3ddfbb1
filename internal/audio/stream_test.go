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
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-rtbridge/internal/metrics"
)

func noopBlock(any, []int16, int) {}

func outputConfig(t *testing.T, blockSize int) StreamConfig {
	t.Helper()
	cfg, err := BuildStreamConfig(DirectionOutput, 0, 1, FormatInt16, 48000, blockSize)
	require.NoError(t, err)
	return cfg
}

func inputConfig(t *testing.T, blockSize int) StreamConfig {
	t.Helper()
	cfg, err := BuildStreamConfig(DirectionInput, 1, 1, FormatInt16, 48000, blockSize)
	require.NoError(t, err)
	return cfg
}

// TestStreamHandle_Lifecycle walks every legal transition
func TestStreamHandle_Lifecycle(t *testing.T) {
	t.Run("open_start_stop_close", func(t *testing.T) {
		backend, session := openSession(t)
		defer func() { _ = session.Close() }() // Ignore errors during test cleanup

		h := NewStreamHandle(session)
		assert.Equal(t, StateCreated, h.State())

		require.NoError(t, h.Open(outputConfig(t, 16), noopBlock, nil))
		assert.Equal(t, StateOpened, h.State())
		assert.Equal(t, 16, h.BlockSize())
		assert.True(t, backend.IsOpen())

		require.NoError(t, h.Start())
		assert.Equal(t, StateStarted, h.State())
		assert.True(t, backend.IsRunning())

		require.NoError(t, h.Stop())
		assert.Equal(t, StateStopped, h.State())
		assert.False(t, backend.IsRunning())

		require.NoError(t, h.Close())
		assert.Equal(t, StateClosed, h.State())
		assert.False(t, backend.IsOpen())

		assert.Equal(t, []string{"initialize", "open", "start", "stop", "close"}, backend.Events())
	})

	t.Run("close_without_start", func(t *testing.T) {
		backend, session := openSession(t)
		defer func() { _ = session.Close() }() // Ignore errors during test cleanup

		h := NewStreamHandle(session)
		require.NoError(t, h.Open(outputConfig(t, 16), noopBlock, nil))
		require.NoError(t, h.Close())

		assert.Equal(t, StateClosed, h.State())
		assert.Equal(t, []string{"initialize", "open", "close"}, backend.Events())
	})

	t.Run("open_request_slots", func(t *testing.T) {
		backend, session := openSession(t)
		defer func() { _ = session.Close() }() // Ignore errors during test cleanup

		h := NewStreamHandle(session)
		require.NoError(t, h.Open(inputConfig(t, 32), noopBlock, nil))
		defer func() { _ = h.Destroy() }() // Ignore errors during test cleanup

		req := backend.LastRequest()
		assert.Nil(t, req.Output, "input stream must not populate the playback slot")
		require.NotNil(t, req.Input)
		assert.Equal(t, DeviceID(1), req.Input.Device)
		assert.Equal(t, 1, req.Input.Channels)
		assert.Equal(t, FormatInt16, req.Format)
		assert.Equal(t, 48000, req.SampleRate)
		assert.Equal(t, 32, req.BlockSize)
	})
}

func TestStreamHandle_InvalidTransitions(t *testing.T) {
	backend, session := openSession(t)
	defer func() { _ = session.Close() }() // Ignore errors during test cleanup

	h := NewStreamHandle(session)
	assert.ErrorIs(t, h.Start(), ErrInvalidState, "start before open")
	assert.ErrorIs(t, h.Stop(), ErrInvalidState, "stop before open")
	assert.ErrorIs(t, h.Close(), ErrInvalidState, "close before open")

	require.NoError(t, h.Open(outputConfig(t, 16), noopBlock, nil))
	assert.ErrorIs(t, h.Open(outputConfig(t, 16), noopBlock, nil), ErrInvalidState, "open twice")
	assert.ErrorIs(t, h.Stop(), ErrInvalidState, "stop before start")

	require.NoError(t, h.Start())
	assert.ErrorIs(t, h.Start(), ErrInvalidState, "start twice")
	assert.ErrorIs(t, h.Close(), ErrInvalidState, "close while started")

	require.NoError(t, h.Stop())
	assert.ErrorIs(t, h.Start(), ErrInvalidState, "restart after stop")

	require.NoError(t, h.Close())
	for _, op := range []func() error{h.Start, h.Stop, h.Close} {
		assert.ErrorIs(t, op(), ErrInvalidState, "no transition leaves closed")
	}
	assert.ErrorIs(t, h.Open(outputConfig(t, 16), noopBlock, nil), ErrInvalidState)
	assert.Equal(t, []string{"initialize", "open", "start", "stop", "close"}, backend.Events())
}

func TestStreamHandle_OpenValidation(t *testing.T) {
	tests := []struct {
		name string
		open func(h *StreamHandle) error
	}{
		{
			name: "zero_config",
			open: func(h *StreamHandle) error { return h.Open(StreamConfig{}, noopBlock, nil) },
		},
		{
			name: "nil_callback",
			open: func(h *StreamHandle) error { return h.Open(outputConfig(t, 16), nil, nil) },
		},
		{
			name: "unbridged_format",
			open: func(h *StreamHandle) error {
				cfg, err := BuildStreamConfig(DirectionOutput, 0, 1, FormatFloat32, 48000, 16)
				require.NoError(t, err)
				return h.Open(cfg, noopBlock, nil)
			},
		},
		{
			name: "duplex_config_on_open",
			open: func(h *StreamHandle) error {
				cfg, err := BuildStreamConfig(DirectionDuplex, 0, 1, FormatInt16, 48000, 16)
				require.NoError(t, err)
				return h.Open(cfg, noopBlock, nil)
			},
		},
		{
			name: "output_config_on_open_duplex",
			open: func(h *StreamHandle) error {
				return h.OpenDuplex(outputConfig(t, 16), Passthrough, nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, session := openSession(t)
			defer func() { _ = session.Close() }() // Ignore errors during test cleanup

			h := NewStreamHandle(session)
			require.ErrorIs(t, tt.open(h), ErrInvalidParameter)
			assert.Equal(t, StateCreated, h.State())
			assert.NotContains(t, backend.Events(), "open", "invalid parameters must never reach the backend")
		})
	}

	t.Run("nil_session", func(t *testing.T) {
		h := NewStreamHandle(nil)
		assert.ErrorIs(t, h.Open(outputConfig(t, 16), noopBlock, nil), ErrInvalidParameter)
	})
}

func TestStreamHandle_OneStreamPerSession(t *testing.T) {
	_, session := openSession(t)
	defer func() { _ = session.Close() }() // Ignore errors during test cleanup

	first := NewStreamHandle(session)
	require.NoError(t, first.Open(outputConfig(t, 16), noopBlock, nil))

	second := NewStreamHandle(session)
	assert.ErrorIs(t, second.Open(outputConfig(t, 16), noopBlock, nil), ErrSessionBusy)

	require.NoError(t, first.Destroy())
	require.NoError(t, second.Open(outputConfig(t, 16), noopBlock, nil))
	require.NoError(t, second.Destroy())
}

// TestStreamHandle_FailureTeardown checks that no failure leaves a context
// or backend stream behind.
func TestStreamHandle_FailureTeardown(t *testing.T) {
	t.Run("open_failure", func(t *testing.T) {
		backend := NewMockBackend()
		backend.SetOpenError(errors.New("device claimed by another process"))

		h, err := CreateOutputStream(backend, noopBlock, nil)
		require.ErrorIs(t, err, ErrBackendFailure)
		assert.Nil(t, h)
		assert.Contains(t, err.Error(), "device claimed by another process")

		var backendErr *BackendError
		require.ErrorAs(t, err, &backendErr)
		assert.Equal(t, "open", backendErr.Op)

		ctx := backend.LastContext()
		assert.Nil(t, ctx, "a rejected open never hands the context over")
		assert.False(t, backend.IsOpen())
		assert.False(t, backend.IsInitialized(), "helper must terminate its session")
		assert.Equal(t, []string{"initialize", "open", "terminate"}, backend.Events())
	})

	t.Run("open_failure_releases_context", func(t *testing.T) {
		backend, session := openSession(t)
		defer func() { _ = session.Close() }() // Ignore errors during test cleanup

		// The speaker only has two channels
		cfg, err := BuildStreamConfig(DirectionOutput, 0, 8, FormatInt16, 48000, 16)
		require.NoError(t, err)

		h := NewStreamHandle(session)
		err = h.Open(cfg, noopBlock, nil)
		require.ErrorIs(t, err, ErrBackendFailure)
		assert.Contains(t, err.Error(), "cannot provide 8 channels")
		assert.Equal(t, StateCreated, h.State())
		assert.False(t, backend.IsOpen())

		// Slot is free again
		require.NoError(t, h.Open(outputConfig(t, 16), noopBlock, nil))
		require.NoError(t, h.Destroy())
	})

	t.Run("start_failure_closes_stream", func(t *testing.T) {
		backend := NewMockBackend()
		backend.SetStartError(errors.New("xrun during prepare"))

		h, err := CreateOutputStream(backend, noopBlock, nil)
		require.ErrorIs(t, err, ErrBackendFailure)
		assert.Nil(t, h)
		assert.Contains(t, err.Error(), "xrun during prepare")

		ctx := backend.LastContext()
		require.NotNil(t, ctx)
		assert.Equal(t, int32(1), ctx.releases.Load())
		assert.False(t, backend.IsOpen())
		assert.False(t, backend.IsInitialized())
		assert.Equal(t, []string{"initialize", "open", "start", "close", "terminate"}, backend.Events())
	})

	t.Run("stop_failure_still_closes", func(t *testing.T) {
		backend, session := openSession(t)
		defer func() { _ = session.Close() }() // Ignore errors during test cleanup

		h := NewStreamHandle(session)
		require.NoError(t, h.Open(outputConfig(t, 16), noopBlock, nil))
		require.NoError(t, h.Start())

		backend.SetStopError(errors.New("device wedged"))
		err := h.Stop()
		require.ErrorIs(t, err, ErrBackendFailure)
		assert.Contains(t, err.Error(), "device wedged")
		assert.Equal(t, StateClosed, h.State())
		assert.False(t, backend.IsOpen())
		assert.True(t, backend.LastContext().Released())
	})

	t.Run("close_failure_still_releases", func(t *testing.T) {
		backend, session := openSession(t)

		h := NewStreamHandle(session)
		require.NoError(t, h.Open(outputConfig(t, 16), noopBlock, nil))

		backend.SetCloseError(errors.New("handle already gone"))
		err := h.Close()
		require.ErrorIs(t, err, ErrBackendFailure)
		assert.Contains(t, err.Error(), "handle already gone")
		assert.Equal(t, StateClosed, h.State())
		assert.True(t, backend.LastContext().Released())

		// The session slot was freed even though the backend complained
		assert.NoError(t, session.Close())
	})

	t.Run("init_failure", func(t *testing.T) {
		backend := NewMockBackend()
		backend.SetInitError(errors.New("no server"))

		h, err := CreateInputStream(backend, noopBlock, nil)
		require.ErrorIs(t, err, ErrBackendUnavailable)
		assert.Nil(t, h)
		assert.Equal(t, []string{"initialize"}, backend.Events())
	})

	t.Run("no_default_device", func(t *testing.T) {
		backend := NewMockBackend()
		backend.SetDevices(nil, NoDevice, NoDevice)

		h, err := CreateOutputStream(backend, noopBlock, nil)
		require.ErrorIs(t, err, ErrDeviceQuery)
		assert.Nil(t, h)
		assert.Equal(t, []string{"initialize", "terminate"}, backend.Events())
	})

	t.Run("invalid_helper_options", func(t *testing.T) {
		backend := NewMockBackend()

		h, err := CreateOutputStream(backend, noopBlock, nil, WithChannels(0))
		require.ErrorIs(t, err, ErrInvalidParameter)
		assert.Nil(t, h)
		assert.Equal(t, []string{"initialize", "terminate"}, backend.Events())
	})
}

// TestStreamHandle_DestroyIdempotent destroys a started stream repeatedly
func TestStreamHandle_DestroyIdempotent(t *testing.T) {
	backend := NewMockBackend()
	h, err := CreateOutputStream(backend, noopBlock, nil)
	require.NoError(t, err)
	require.Equal(t, StateStarted, h.State())

	ctx := backend.LastContext()
	require.NotNil(t, ctx)

	require.NoError(t, h.Destroy())
	assert.Equal(t, StateClosed, h.State(), "one Destroy tears a started stream all the way down")
	assert.True(t, ctx.Released())
	assert.False(t, backend.IsInitialized(), "helper-owned session is terminated")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Destroy())
		require.NoError(t, DestroyStream(h))
	}

	assert.Equal(t, StateClosed, h.State())
	assert.Equal(t, int32(1), ctx.releases.Load(), "context must be released exactly once")
	assert.Equal(t, []string{"initialize", "open", "start", "stop", "close", "terminate"}, backend.Events())

	assert.NoError(t, DestroyStream(nil))
}

func TestStreamHandle_DestroyFromEveryState(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, h *StreamHandle)
		events []string
	}{
		{
			name:   "created",
			setup:  func(*testing.T, *StreamHandle) {},
			events: []string{"initialize"},
		},
		{
			name: "opened",
			setup: func(t *testing.T, h *StreamHandle) {
				require.NoError(t, h.Open(outputConfig(t, 16), noopBlock, nil))
			},
			events: []string{"initialize", "open", "close"},
		},
		{
			name: "started",
			setup: func(t *testing.T, h *StreamHandle) {
				require.NoError(t, h.Open(outputConfig(t, 16), noopBlock, nil))
				require.NoError(t, h.Start())
			},
			events: []string{"initialize", "open", "start", "stop", "close"},
		},
		{
			name: "stopped",
			setup: func(t *testing.T, h *StreamHandle) {
				require.NoError(t, h.Open(outputConfig(t, 16), noopBlock, nil))
				require.NoError(t, h.Start())
				require.NoError(t, h.Stop())
			},
			events: []string{"initialize", "open", "start", "stop", "close"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, session := openSession(t)
			h := NewStreamHandle(session)
			tt.setup(t, h)

			require.NoError(t, h.Destroy())
			assert.Equal(t, StateClosed, h.State())
			assert.Equal(t, tt.events, backend.Events())

			// A borrowed session stays open after the stream is gone
			assert.Equal(t, uint32(3), session.DeviceCount())
			assert.NoError(t, session.Close())
		})
	}
}

// TestCallbackOrdering uses a backend that fires inside start and stop to
// check that the user callback only runs between a successful Start and
// Stop.
func TestCallbackOrdering(t *testing.T) {
	backend := NewMockBackend()
	backend.SetEagerCallbacks(true)

	var userCalls atomic.Int32
	var started atomic.Bool
	var stopped atomic.Bool
	var outOfOrder atomic.Int32

	fn := func(any, []int16, int) {
		if !started.Load() || stopped.Load() {
			outOfOrder.Add(1)
		}
		userCalls.Add(1)
	}

	session, err := NewHostSession(backend, HostAPIDummy)
	require.NoError(t, err)
	h := NewStreamHandle(session)
	require.NoError(t, h.Open(outputConfig(t, 16), fn, nil))

	assert.False(t, backend.Fire(StatusOK), "no blocks before start")

	require.NoError(t, h.Start())
	started.Store(true)
	assert.Equal(t, 1, backend.Fired(), "backend fired during start")
	assert.Equal(t, int32(0), userCalls.Load(), "user callback must not run before start returns")

	require.True(t, backend.Fire(StatusOK))
	require.True(t, backend.Fire(StatusOK))
	assert.Equal(t, int32(2), userCalls.Load())

	require.NoError(t, h.Stop())
	stopped.Store(true)
	assert.Equal(t, 4, backend.Fired(), "backend fired during stop")
	assert.Equal(t, int32(2), userCalls.Load(), "user callback must not run once stop begins")

	assert.False(t, backend.Fire(StatusOK), "no blocks after stop")
	assert.Equal(t, int32(0), outOfOrder.Load())

	require.NoError(t, h.Destroy())
	require.NoError(t, session.Close())
}

func TestCallbackOrdering_RealTimeThread(t *testing.T) {
	backend := NewMockBackend()
	backend.SetAutoRun(time.Millisecond)

	var userCalls atomic.Int32
	h, err := CreateOutputStream(backend, func(any, []int16, int) { userCalls.Add(1) }, nil)
	require.NoError(t, err)
	defer func() { _ = h.Destroy() }() // Ignore errors during test cleanup

	assert.Eventually(t, func() bool { return userCalls.Load() >= 3 }, time.Second, time.Millisecond)

	require.NoError(t, h.Stop())
	after := userCalls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, userCalls.Load(), "no callbacks after stop returns")
}

// TestBlockSizeMismatch opens with 128 frames against a backend that
// allocates 100.
func TestBlockSizeMismatch(t *testing.T) {
	backend, session := openSession(t)
	backend.SetActualBlockSize(100)

	var warnings warningLog
	var framesSeen atomic.Int32
	var samplesSeen atomic.Int32

	h := NewStreamHandle(session, WithWarningHandler(warnings.handle))
	err := h.Open(outputConfig(t, 128), func(_ any, samples []int16, frames int) {
		framesSeen.Store(int32(frames))        //nolint:gosec // G115: small test value
		samplesSeen.Store(int32(len(samples))) //nolint:gosec // G115: small test value
	}, nil)
	require.NoError(t, err, "a different block size is not an error")
	assert.Equal(t, 100, h.BlockSize())
	assert.Equal(t, uint64(1), h.Warnings().BlockSizeMismatch)

	require.NoError(t, h.Start())
	require.True(t, backend.Fire(StatusOK))
	assert.Equal(t, int32(100), framesSeen.Load(), "data flows with the backend's size")
	assert.Equal(t, int32(100), samplesSeen.Load())

	require.NoError(t, h.Destroy())
	require.NoError(t, session.Close())

	got := warnings.all()
	require.Len(t, got, 1)
	assert.Equal(t, Warning{Kind: WarningBlockSizeMismatch, Requested: 128, Actual: 100}, got[0])
}

func TestBlockSize_BackendChoice(t *testing.T) {
	backend, session := openSession(t)
	defer func() { _ = session.Close() }() // Ignore errors during test cleanup

	h := NewStreamHandle(session)
	require.NoError(t, h.Open(outputConfig(t, 0), noopBlock, nil))
	defer func() { _ = h.Destroy() }() // Ignore errors during test cleanup

	assert.Equal(t, mockChosenBlockSize, h.BlockSize())
	assert.Equal(t, uint64(0), h.Warnings().BlockSizeMismatch, "no warning when the backend was asked to choose")
	assert.True(t, backend.IsOpen())
}

// TestInputOverflow flags one block and checks it is reported once and
// still delivered.
func TestInputOverflow(t *testing.T) {
	backend := NewMockBackend()
	backend.SetInputGenerator(func(in []int16) {
		for i := range in {
			in[i] = int16(i + 1)
		}
	})

	var warnings warningLog
	var delivered [][]int16
	fn := func(_ any, samples []int16, _ int) {
		delivered = append(delivered, append([]int16(nil), samples...))
	}

	h, err := CreateInputStream(backend, fn, nil, WithWarningHandler(warnings.handle))
	require.NoError(t, err)

	require.True(t, backend.Fire(StatusInputOverflow))
	require.True(t, backend.Fire(StatusOK))

	require.NoError(t, h.Destroy())

	require.Len(t, delivered, 2, "overflowed block must still reach the callback")
	assert.Equal(t, int16(1), delivered[0][0])
	assert.Len(t, delivered[0], DefaultBlockSize)

	counts := h.Warnings()
	assert.Equal(t, uint64(1), counts.InputOverflow)
	assert.Equal(t, uint64(0), counts.OutputUnderflow)
	assert.Equal(t, 1, warnings.count(WarningInputOverflow))
	assert.Len(t, warnings.all(), 1)
}

func TestOutputUnderflow_ReportedWhileDisarmed(t *testing.T) {
	backend, session := openSession(t)
	defer func() { _ = session.Close() }() // Ignore errors during test cleanup

	h := NewStreamHandle(session)
	require.NoError(t, h.Open(outputConfig(t, 16), noopBlock, nil))
	defer func() { _ = h.Destroy() }() // Ignore errors during test cleanup

	// Call the adapter directly, as a backend firing before start would
	req := backend.LastRequest()
	out := []int16{9, 9, 9, 9}
	rc := req.Callback(out, nil, 4, 0, StatusOutputUnderflow|StatusInputOverflow, req.Context)

	assert.Equal(t, 0, rc)
	assert.Equal(t, []int16{0, 0, 0, 0}, out, "disarmed output is silence")
	assert.Equal(t, uint64(1), h.Warnings().OutputUnderflow)
	assert.Equal(t, uint64(1), h.Warnings().InputOverflow)
}

// TestZeroFillBeforeUser drives a 16 sample block that the user fills with
// a constant.
func TestZeroFillBeforeUser(t *testing.T) {
	const v = int16(1234)

	t.Run("user_data_survives", func(t *testing.T) {
		backend := NewMockBackend()
		var sawZeros atomic.Bool
		fn := func(_ any, samples []int16, _ int) {
			allZero := true
			for _, s := range samples {
				allZero = allZero && s == 0
			}
			sawZeros.Store(allZero)
			for i := range samples {
				samples[i] = v
			}
		}

		h, err := CreateOutputStream(backend, fn, nil)
		require.NoError(t, err)
		defer func() { _ = h.Destroy() }() // Ignore errors during test cleanup

		buf := make([]int16, 16)
		require.True(t, backend.FireBuffers(buf, nil, StatusOK))

		assert.True(t, sawZeros.Load())
		for i, s := range buf {
			assert.Equal(t, v, s, "sample %d overwritten after user callback", i)
		}
		assert.Equal(t, buf, backend.LastOutput())
	})

	t.Run("partial_fill_leaves_silence", func(t *testing.T) {
		backend := NewMockBackend()
		fn := func(_ any, samples []int16, _ int) {
			for i := 0; i < len(samples)/2; i++ {
				samples[i] = v
			}
		}

		h, err := CreateOutputStream(backend, fn, nil)
		require.NoError(t, err)
		defer func() { _ = h.Destroy() }() // Ignore errors during test cleanup

		buf := make([]int16, 16)
		for i := range buf {
			buf[i] = -1 // stale data from the previous block
		}
		require.True(t, backend.FireBuffers(buf, nil, StatusOK))

		for i := 0; i < 8; i++ {
			assert.Equal(t, v, buf[i])
		}
		for i := 8; i < 16; i++ {
			assert.Equal(t, int16(0), buf[i], "stale sample %d must be zeroed", i)
		}
	})
}

func TestUserDataPassedThrough(t *testing.T) {
	type session struct{ name string }
	want := &session{name: "lobby"}

	backend := NewMockBackend()
	var got atomic.Pointer[session]
	h, err := CreateOutputStream(backend, func(userData any, _ []int16, _ int) {
		got.Store(userData.(*session))
	}, want)
	require.NoError(t, err)
	defer func() { _ = h.Destroy() }() // Ignore errors during test cleanup

	require.True(t, backend.Fire(StatusOK))
	assert.Same(t, want, got.Load())
}

func TestCreateDuplexStream(t *testing.T) {
	backend := NewMockBackend()
	backend.SetInputGenerator(func(in []int16) {
		for i := range in {
			in[i] = int16(100 + i)
		}
	})

	h, err := CreateDuplexStream(backend, Passthrough, nil, WithBlockSize(8))
	require.NoError(t, err)
	defer func() { _ = h.Destroy() }() // Ignore errors during test cleanup

	req := backend.LastRequest()
	require.NotNil(t, req.Output)
	require.NotNil(t, req.Input)
	assert.Equal(t, DeviceID(0), req.Output.Device)
	assert.Equal(t, DeviceID(1), req.Input.Device)

	require.True(t, backend.Fire(StatusOK))
	assert.Equal(t, []int16{100, 101, 102, 103, 104, 105, 106, 107}, backend.LastOutput())
}

func TestCreateStream_Options(t *testing.T) {
	backend := NewMockBackend()

	h, err := CreateOutputStream(backend, noopBlock, nil,
		WithHostAPI(HostAPIPulseAudio),
		WithSampleRate(44100),
		WithChannels(2),
		WithBlockSize(64),
	)
	require.NoError(t, err)
	defer func() { _ = h.Destroy() }() // Ignore errors during test cleanup

	assert.Equal(t, HostAPIPulseAudio, h.Session().CurrentAPI())
	cfg := h.Config()
	assert.Equal(t, 44100, cfg.SampleRate())
	assert.Equal(t, 2, cfg.Channels())
	assert.Equal(t, 64, h.BlockSize())
	assert.Equal(t, FormatInt16, cfg.Format())
}

func TestStreamMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewStreamMetrics(reg)
	backend := NewMockBackend()
	backend.SetActualBlockSize(10)

	h, err := CreateOutputStream(backend, noopBlock, nil, WithMetrics(m))
	require.NoError(t, err)

	require.True(t, backend.Fire(StatusOK))
	require.True(t, backend.Fire(StatusOutputUnderflow))
	require.NoError(t, h.Destroy())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Blocks("output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Warnings(metrics.WarningOutputUnderflow)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Warnings(metrics.WarningBlockSizeMismatch)))

	expected := `
# HELP rtbridge_streams_active Number of streams currently opened or started
# TYPE rtbridge_streams_active gauge
rtbridge_streams_active 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "rtbridge_streams_active"))
}
