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
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Rates probed for every device with IsFormatSupported
var probeSampleRates = []int{8000, 16000, 22050, 32000, 44100, 48000, 88200, 96000}

var portAudioHostAPIs = map[HostAPI]portaudio.HostApiType{
	HostAPICoreAudio:   portaudio.CoreAudio,
	HostAPIALSA:        portaudio.ALSA,
	HostAPIJACK:        portaudio.JACK,
	HostAPIOSS:         portaudio.OSS,
	HostAPIWASAPI:      portaudio.WASAPI,
	HostAPIDirectSound: portaudio.DirectSound,
	HostAPIASIO:        portaudio.ASIO,
}

// PortAudioBackend implements Backend on the PortAudio library
type PortAudioBackend struct {
	mu          sync.Mutex
	initialized bool
	api         HostAPI
	host        *portaudio.HostApiInfo
	stream      *portaudio.Stream
	lastError   string
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

// PortAudioEnabled reports whether this build links PortAudio
const PortAudioEnabled = true

// DefaultBackend returns the backend compiled into this build
func DefaultBackend() Backend {
	return NewPortAudioBackend()
}

// Initialize initializes PortAudio and selects the host API. The selection
// is fixed for the lifetime of the backend.
func (p *PortAudioBackend) Initialize(api HostAPI) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return p.fail(fmt.Errorf("failed to initialize PortAudio: %w", err))
	}

	host, err := selectHostAPI(api)
	if err != nil {
		_ = portaudio.Terminate() // Initialization already failed
		return p.fail(err)
	}

	p.host = host
	p.api = fromPortAudioHostAPI(host.Type)
	p.initialized = true
	return nil
}

func selectHostAPI(api HostAPI) (*portaudio.HostApiInfo, error) {
	if api == HostAPIUnspecified {
		return portaudio.DefaultHostApi()
	}
	paType, ok := portAudioHostAPIs[api]
	if !ok {
		return nil, fmt.Errorf("host API %s is not available through PortAudio", api)
	}
	host, err := portaudio.HostApi(paType)
	if err != nil {
		return nil, fmt.Errorf("host API %s not compiled into PortAudio: %w", api, err)
	}
	return host, nil
}

func fromPortAudioHostAPI(t portaudio.HostApiType) HostAPI {
	for api, paType := range portAudioHostAPIs {
		if paType == t {
			return api
		}
	}
	return HostAPIUnspecified
}

// Terminate terminates the PortAudio subsystem
func (p *PortAudioBackend) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}

	if p.stream != nil {
		_ = p.stream.Close() // Terminate releases the stream regardless
		p.stream = nil
	}
	p.initialized = false
	p.host = nil
	if err := portaudio.Terminate(); err != nil {
		return p.fail(err)
	}
	return nil
}

func (p *PortAudioBackend) CurrentAPI() HostAPI {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.api
}

func (p *PortAudioBackend) DeviceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.host == nil {
		return 0
	}
	return len(p.host.Devices)
}

// DeviceInfo describes the device at index within the selected host API.
// Sample rates are probed with the device's default latency.
func (p *PortAudioBackend) DeviceInfo(index int) (DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.host == nil || index < 0 || index >= len(p.host.Devices) {
		return DeviceInfo{}, p.fail(fmt.Errorf("no device %d", index))
	}
	dev := p.host.Devices[index]

	info := DeviceInfo{
		ID:                  DeviceID(index), //nolint:gosec // G115: index is bounded by the device list
		Name:                dev.Name,
		Probed:              true,
		OutputChannels:      dev.MaxOutputChannels,
		InputChannels:       dev.MaxInputChannels,
		DuplexChannels:      min(dev.MaxOutputChannels, dev.MaxInputChannels),
		PreferredSampleRate: int(dev.DefaultSampleRate),
		// PortAudio converts to and from these formats on every host API
		NativeFormats:   FormatMask(FormatInt8) | FormatMask(FormatInt16) | FormatMask(FormatInt24) | FormatMask(FormatInt32) | FormatMask(FormatFloat32),
		IsDefaultOutput: p.host.DefaultOutputDevice != nil && p.host.DefaultOutputDevice.Index == dev.Index,
		IsDefaultInput:  p.host.DefaultInputDevice != nil && p.host.DefaultInputDevice.Index == dev.Index,
	}

	for _, rate := range probeSampleRates {
		params := portaudio.StreamParameters{SampleRate: float64(rate)}
		if dev.MaxOutputChannels > 0 {
			params.Output = portaudio.StreamDeviceParameters{Device: dev, Channels: 1, Latency: dev.DefaultLowOutputLatency}
		} else if dev.MaxInputChannels > 0 {
			params.Input = portaudio.StreamDeviceParameters{Device: dev, Channels: 1, Latency: dev.DefaultLowInputLatency}
		} else {
			break
		}
		if portaudio.IsFormatSupported(params, []int16{}) == nil {
			info.SampleRates = append(info.SampleRates, rate)
		}
	}
	if info.DuplexChannels < 0 {
		info.DuplexChannels = 0
	}
	return info, nil
}

func (p *PortAudioBackend) DefaultInputDevice() DeviceID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indexOf(p.hostDefault(true))
}

func (p *PortAudioBackend) DefaultOutputDevice() DeviceID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indexOf(p.hostDefault(false))
}

func (p *PortAudioBackend) hostDefault(input bool) *portaudio.DeviceInfo {
	if p.host == nil {
		return nil
	}
	if input {
		return p.host.DefaultInputDevice
	}
	return p.host.DefaultOutputDevice
}

func (p *PortAudioBackend) indexOf(dev *portaudio.DeviceInfo) DeviceID {
	if dev == nil || p.host == nil {
		return NoDevice
	}
	for i, d := range p.host.Devices {
		if d.Index == dev.Index {
			return DeviceID(i) //nolint:gosec // G115: index is bounded by the device list
		}
	}
	return NoDevice
}

// OpenStream opens a callback stream. PortAudio honors an explicit frames
// per buffer exactly; a zero request leaves the block size variable.
func (p *PortAudioBackend) OpenStream(req OpenRequest) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return 0, p.fail(errors.New("PortAudio not initialized"))
	}
	if p.stream != nil {
		return 0, p.fail(errors.New("a stream is already open"))
	}
	if req.Format != FormatInt16 {
		return 0, p.fail(fmt.Errorf("sample format %s is not bridged", req.Format))
	}

	params := portaudio.StreamParameters{
		SampleRate:      float64(req.SampleRate),
		FramesPerBuffer: req.BlockSize,
	}
	if req.BlockSize == 0 {
		params.FramesPerBuffer = portaudio.FramesPerBufferUnspecified
	}

	outChannels, inChannels := 0, 0
	if req.Output != nil {
		dev, err := p.device(req.Output)
		if err != nil {
			return 0, p.fail(err)
		}
		params.Output = portaudio.StreamDeviceParameters{Device: dev, Channels: req.Output.Channels, Latency: dev.DefaultLowOutputLatency}
		outChannels = req.Output.Channels
	}
	if req.Input != nil {
		dev, err := p.device(req.Input)
		if err != nil {
			return 0, p.fail(err)
		}
		params.Input = portaudio.StreamDeviceParameters{Device: dev, Channels: req.Input.Channels, Latency: dev.DefaultLowInputLatency}
		inChannels = req.Input.Channels
	}

	stream, err := portaudio.OpenStream(params, streamCallback(req, outChannels, inChannels))
	if err != nil {
		return 0, p.fail(fmt.Errorf("failed to open stream: %w", err))
	}

	p.stream = stream
	return req.BlockSize, nil
}

func (p *PortAudioBackend) device(sp *StreamParameters) (*portaudio.DeviceInfo, error) {
	if sp.FirstChannel != 0 {
		return nil, fmt.Errorf("channel offset %d not supported by PortAudio", sp.FirstChannel)
	}
	if int(sp.Device) >= len(p.host.Devices) {
		return nil, fmt.Errorf("invalid device id %d", sp.Device)
	}
	return p.host.Devices[sp.Device], nil
}

// streamCallback builds the PortAudio callback for the populated slots.
// Each variant forwards straight to the adapter without allocating.
func streamCallback(req OpenRequest, outChannels, inChannels int) any {
	cb, ctx := req.Callback, req.Context

	switch {
	case outChannels > 0 && inChannels > 0:
		return func(in, out []int16, ti portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
			cb(out, in, len(out)/outChannels, ti.CurrentTime.Seconds(), statusFromFlags(flags), ctx)
		}
	case outChannels > 0:
		return func(out []int16, ti portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
			cb(out, nil, len(out)/outChannels, ti.CurrentTime.Seconds(), statusFromFlags(flags), ctx)
		}
	default:
		return func(in []int16, ti portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
			cb(nil, in, len(in)/inChannels, ti.CurrentTime.Seconds(), statusFromFlags(flags), ctx)
		}
	}
}

func statusFromFlags(flags portaudio.StreamCallbackFlags) StreamStatus {
	status := StatusOK
	if flags&portaudio.InputOverflow != 0 {
		status |= StatusInputOverflow
	}
	if flags&portaudio.OutputUnderflow != 0 {
		status |= StatusOutputUnderflow
	}
	return status
}

// StartStream starts the audio stream
func (p *PortAudioBackend) StartStream() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return p.fail(errors.New("stream is nil"))
	}
	if err := p.stream.Start(); err != nil {
		return p.fail(err)
	}
	return nil
}

// StopStream stops the stream. Pa_StopStream returns only after the
// callback thread has finished its last block.
func (p *PortAudioBackend) StopStream() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return p.fail(errors.New("stream is nil"))
	}
	if err := p.stream.Stop(); err != nil {
		return p.fail(err)
	}
	return nil
}

// CloseStream closes the stream and drops the callback closure
func (p *PortAudioBackend) CloseStream() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	if err != nil {
		return p.fail(err)
	}
	return nil
}

func (p *PortAudioBackend) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

// fail records err as the last diagnostic. Callers hold p.mu.
func (p *PortAudioBackend) fail(err error) error {
	p.lastError = err.Error()
	return err
}
