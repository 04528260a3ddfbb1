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
	"fmt"
	"sync"
	"time"
)

// mockChosenBlockSize is what the mock allocates when asked to choose
const mockChosenBlockSize = 256

// MockBackend implements Backend for testing without hardware dependencies.
// It records every lifecycle call, can inject errors on each of them and
// drives the stream callback either synchronously through Fire or from its
// own goroutine.
type MockBackend struct {
	mu          sync.Mutex
	initialized bool
	api         HostAPI
	devices     []DeviceInfo
	defaultIn   DeviceID
	defaultOut  DeviceID
	events      []string
	lastError   string

	initError      error
	terminateError error
	openError      error
	startError     error
	stopError      error
	closeError     error

	actualBlockSize int
	eager           bool
	runInterval     time.Duration
	generator       func([]int16)

	opened    bool
	running   bool
	request   OpenRequest
	lastCtx   *CallbackContext
	blockSize int
	outBuf    []int16
	inBuf     []int16
	output    []int16
	fired     int

	// cbMu serializes callback invocations so StopStream can wait for an
	// in-flight block to finish.
	cbMu    sync.Mutex
	stopRun chan struct{}
	wg      sync.WaitGroup
}

// NewMockBackend creates a mock backend with one output device, one
// input device and one device that failed probing.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		devices: []DeviceInfo{
			{
				ID:                  0,
				Name:                "Mock Speaker",
				Probed:              true,
				OutputChannels:      2,
				SampleRates:         []int{44100, 48000},
				PreferredSampleRate: 48000,
				NativeFormats:       FormatMask(FormatInt16) | FormatMask(FormatFloat32),
				IsDefaultOutput:     true,
			},
			{
				ID:                  1,
				Name:                "Mock Microphone",
				Probed:              true,
				InputChannels:       2,
				SampleRates:         []int{16000, 48000},
				PreferredSampleRate: 48000,
				NativeFormats:       FormatMask(FormatInt16),
				IsDefaultInput:      true,
			},
			{
				ID:   2,
				Name: "Mock Unplugged",
			},
		},
		defaultIn:  1,
		defaultOut: 0,
	}
}

// SetDevices replaces the device list and the default device ids
func (m *MockBackend) SetDevices(devices []DeviceInfo, defaultIn, defaultOut DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = devices
	m.defaultIn = defaultIn
	m.defaultOut = defaultOut
}

// SetInitError configures the backend to fail Initialize
func (m *MockBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetTerminateError configures the backend to fail Terminate
func (m *MockBackend) SetTerminateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateError = err
}

// SetOpenError configures the backend to fail OpenStream
func (m *MockBackend) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openError = err
}

// SetStartError configures the backend to fail StartStream
func (m *MockBackend) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetStopError configures the backend to fail StopStream
func (m *MockBackend) SetStopError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopError = err
}

// SetCloseError configures the backend to fail CloseStream
func (m *MockBackend) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeError = err
}

// SetActualBlockSize makes OpenStream allocate frames per block regardless
// of the request. Zero restores honoring the request.
func (m *MockBackend) SetActualBlockSize(frames int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actualBlockSize = frames
}

// SetEagerCallbacks makes the backend fire one block inside StartStream
// before it returns and one inside StopStream before it quiesces, like a
// driver that starts its thread early.
func (m *MockBackend) SetEagerCallbacks(eager bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eager = eager
}

// SetAutoRun makes StartStream spawn a goroutine that fires a block every
// interval until the stream stops. Zero disables it.
func (m *MockBackend) SetAutoRun(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runInterval = interval
}

// SetInputGenerator fills every captured block before it is delivered
func (m *MockBackend) SetInputGenerator(generator func([]int16)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generator = generator
}

// Events returns the recorded lifecycle calls in order
func (m *MockBackend) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.events))
	copy(result, m.events)
	return result
}

// IsOpen reports whether a backend stream is open
func (m *MockBackend) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// IsRunning reports whether the stream is started
func (m *MockBackend) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// IsInitialized reports whether Initialize succeeded and Terminate has not
// been called since.
func (m *MockBackend) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// LastContext returns the context passed to the most recent OpenStream,
// even after the stream was closed.
func (m *MockBackend) LastContext() *CallbackContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCtx
}

// LastRequest returns the most recent OpenStream request
func (m *MockBackend) LastRequest() OpenRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.request
}

// LastOutput returns a copy of the output block left by the last callback
func (m *MockBackend) LastOutput() []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]int16, len(m.output))
	copy(result, m.output)
	return result
}

// Fired returns the number of callback invocations so far
func (m *MockBackend) Fired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired
}

// Initialize records the requested host API. HostAPIUnspecified resolves
// to HostAPIDummy.
func (m *MockBackend) Initialize(api HostAPI) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "initialize")

	if m.initError != nil {
		return m.fail(m.initError)
	}
	if api == HostAPIUnspecified {
		api = HostAPIDummy
	}
	m.api = api
	m.initialized = true
	return nil
}

// Terminate releases the mock. Any open stream is closed first.
func (m *MockBackend) Terminate() error {
	m.mu.Lock()
	m.events = append(m.events, "terminate")
	if m.terminateError != nil {
		err := m.fail(m.terminateError)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.quiesce()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	m.initialized = false
	return nil
}

func (m *MockBackend) CurrentAPI() HostAPI {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.api
}

func (m *MockBackend) DeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

func (m *MockBackend) DeviceInfo(index int) (DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.devices) {
		return DeviceInfo{}, m.fail(fmt.Errorf("no device %d", index))
	}
	info := m.devices[index]
	info.SampleRates = append([]int(nil), info.SampleRates...)
	return info, nil
}

func (m *MockBackend) DefaultInputDevice() DeviceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultIn
}

func (m *MockBackend) DefaultOutputDevice() DeviceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultOut
}

// OpenStream validates the request against the device list and allocates
// the block buffers.
func (m *MockBackend) OpenStream(req OpenRequest) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "open")

	if !m.initialized {
		return 0, m.fail(errors.New("mock backend not initialized"))
	}
	if m.opened {
		return 0, m.fail(errors.New("a stream is already open"))
	}
	if m.openError != nil {
		return 0, m.fail(m.openError)
	}
	if req.Output == nil && req.Input == nil {
		return 0, m.fail(errors.New("no stream parameters"))
	}
	if req.Callback == nil || req.Context == nil {
		return 0, m.fail(errors.New("no callback"))
	}
	if err := m.checkParameters(req.Output, false); err != nil {
		return 0, m.fail(err)
	}
	if err := m.checkParameters(req.Input, true); err != nil {
		return 0, m.fail(err)
	}

	frames := req.BlockSize
	if m.actualBlockSize > 0 {
		frames = m.actualBlockSize
	} else if frames == 0 {
		frames = mockChosenBlockSize
	}

	m.outBuf, m.inBuf = nil, nil
	if req.Output != nil {
		m.outBuf = make([]int16, frames*req.Output.Channels)
	}
	if req.Input != nil {
		m.inBuf = make([]int16, frames*req.Input.Channels)
	}

	m.request = req
	m.lastCtx = req.Context
	m.blockSize = frames
	m.opened = true
	return frames, nil
}

func (m *MockBackend) checkParameters(p *StreamParameters, input bool) error {
	if p == nil {
		return nil
	}
	if int(p.Device) >= len(m.devices) {
		return fmt.Errorf("invalid device id %d", p.Device)
	}
	device := m.devices[p.Device]
	available := device.OutputChannels
	if input {
		available = device.InputChannels
	}
	if !device.Probed || p.Channels+p.FirstChannel > available {
		return fmt.Errorf("device %q cannot provide %d channels at offset %d", device.Name, p.Channels, p.FirstChannel)
	}
	return nil
}

// StartStream starts delivering blocks
func (m *MockBackend) StartStream() error {
	m.mu.Lock()
	m.events = append(m.events, "start")
	if !m.opened || m.running {
		err := m.fail(errors.New("stream not open or already running"))
		m.mu.Unlock()
		return err
	}
	if m.startError != nil {
		err := m.fail(m.startError)
		m.mu.Unlock()
		return err
	}

	m.running = true
	eager := m.eager
	if m.runInterval > 0 {
		m.stopRun = make(chan struct{})
		m.wg.Add(1)
		go m.run(m.runInterval, m.stopRun)
	}
	m.mu.Unlock()

	if eager {
		m.Fire(StatusOK)
	}
	return nil
}

// StopStream stops delivering blocks. No callback runs after it returns.
func (m *MockBackend) StopStream() error {
	m.mu.Lock()
	m.events = append(m.events, "stop")
	if m.stopError != nil {
		err := m.fail(m.stopError)
		m.mu.Unlock()
		return err
	}
	eager := m.eager && m.running
	m.mu.Unlock()

	if eager {
		m.Fire(StatusOK)
	}
	m.quiesce()
	return nil
}

// CloseStream closes the stream and drops the context reference
func (m *MockBackend) CloseStream() error {
	m.mu.Lock()
	m.events = append(m.events, "close")
	if m.closeError != nil {
		err := m.fail(m.closeError)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.quiesce()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	m.request = OpenRequest{}
	m.outBuf, m.inBuf = nil, nil
	return nil
}

func (m *MockBackend) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// Fire delivers one block with status to the registered callback using the
// mock's own buffers. It returns false if the stream is not running.
func (m *MockBackend) Fire(status StreamStatus) bool {
	return m.FireBuffers(nil, nil, status)
}

// FireBuffers delivers one block using the given buffers. A nil buffer is
// replaced by the mock's own one for that direction.
func (m *MockBackend) FireBuffers(out, in []int16, status StreamStatus) bool {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return false
	}
	req := m.request
	frames := m.blockSize
	if out == nil {
		out = m.outBuf
	}
	if in == nil {
		in = m.inBuf
	}
	generator := m.generator
	m.mu.Unlock()

	if in != nil && generator != nil {
		generator(in)
	}
	if req.Output != nil && len(out) > 0 {
		frames = len(out) / req.Output.Channels
	} else if req.Input != nil && len(in) > 0 {
		frames = len(in) / req.Input.Channels
	}

	req.Callback(out, in, frames, 0, status, req.Context)

	m.mu.Lock()
	m.fired++
	m.output = append(m.output[:0], out...)
	m.mu.Unlock()
	return true
}

func (m *MockBackend) run(interval time.Duration, stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Fire(StatusOK)
		}
	}
}

// quiesce stops the run goroutine and waits for any in-flight callback
func (m *MockBackend) quiesce() {
	m.mu.Lock()
	m.running = false
	stop := m.stopRun
	m.stopRun = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	m.wg.Wait()

	m.cbMu.Lock()
	m.cbMu.Unlock() //nolint:staticcheck // SA2001: waits for an in-flight FireBuffers
}

// fail records err as the backend's last diagnostic. Callers hold m.mu.
func (m *MockBackend) fail(err error) error {
	m.lastError = err.Error()
	return err
}
