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
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-rtbridge/internal/logger"
	"github.com/loqalabs/loqa-rtbridge/internal/metrics"
)

// StreamState is a StreamHandle lifecycle state
type StreamState int

const (
	StateCreated StreamState = iota
	StateOpened
	StateStarted
	StateStopped
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpened:
		return "opened"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a StreamHandle or a creation helper
type Option func(*options)

type options struct {
	api        HostAPI
	blockSize  int
	sampleRate int
	channels   int
	log        *slog.Logger
	metrics    *metrics.StreamMetrics
	onWarning  WarningHandler
}

func buildOptions(opts []Option) options {
	o := options{
		api:        DefaultHostAPI(),
		blockSize:  DefaultBlockSize,
		sampleRate: DefaultSampleRate,
		channels:   DefaultChannels,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Component("stream")
	}
	return o
}

// WithHostAPI selects the host API a creation helper initializes
func WithHostAPI(api HostAPI) Option {
	return func(o *options) { o.api = api }
}

// WithBlockSize overrides the requested frames per block (0 lets the
// backend choose)
func WithBlockSize(frames int) Option {
	return func(o *options) { o.blockSize = frames }
}

// WithSampleRate overrides the sample rate used by the creation helpers
func WithSampleRate(rate int) Option {
	return func(o *options) { o.sampleRate = rate }
}

// WithChannels overrides the channel count used by the creation helpers
func WithChannels(channels int) Option {
	return func(o *options) { o.channels = channels }
}

// WithLogger sets the logger for lifecycle and warning messages
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics records stream metrics into m
func WithMetrics(m *metrics.StreamMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithWarningHandler registers a callback for non-fatal stream warnings.
// It runs on a separate goroutine, never on the real-time thread.
func WithWarningHandler(h WarningHandler) Option {
	return func(o *options) { o.onWarning = h }
}

// StreamHandle owns one backend stream and its CallbackContext and drives
// the Created -> Opened -> Started -> Stopped -> Closed lifecycle. Every
// failing transition releases whatever was already acquired.
type StreamHandle struct {
	mu          sync.Mutex
	session     *HostSession
	ownsSession bool
	backend     Backend
	state       StreamState
	config      StreamConfig
	ctx         *CallbackContext
	warnings    *WarningReporter
	counts      WarningCounts
	blockSize   int
	opts        options
	log         *slog.Logger
}

// NewStreamHandle creates a handle in the Created state that borrows session
func NewStreamHandle(session *HostSession, opts ...Option) *StreamHandle {
	o := buildOptions(opts)
	return &StreamHandle{
		session: session,
		state:   StateCreated,
		opts:    o,
		log:     o.log,
	}
}

// State returns the current lifecycle state
func (h *StreamHandle) State() StreamState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Config returns the config the stream was opened with
func (h *StreamHandle) Config() StreamConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.config
}

// BlockSize returns the frames per block the backend actually allocated.
// It may differ from the requested size.
func (h *StreamHandle) BlockSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blockSize
}

// Warnings returns the warnings reported so far, including those reported
// before the stream was closed.
func (h *StreamHandle) Warnings() WarningCounts {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.warnings != nil {
		return h.warnings.Counts()
	}
	return h.counts
}

// Session returns the borrowed host session
func (h *StreamHandle) Session() *HostSession {
	return h.session
}

// Open opens a unidirectional stream that calls fn once per block
func (h *StreamHandle) Open(config StreamConfig, fn BlockFunc, userData any) error {
	if fn == nil {
		return fmt.Errorf("%w: nil block callback", ErrInvalidParameter)
	}
	if config.Direction() == DirectionDuplex {
		return fmt.Errorf("%w: duplex config needs OpenDuplex", ErrInvalidParameter)
	}
	return h.open(config, func(ctx *CallbackContext) { ctx.block = fn }, userData)
}

// OpenDuplex opens a duplex stream that calls fn once per block with both
// the captured and the playback buffer.
func (h *StreamHandle) OpenDuplex(config StreamConfig, fn DuplexFunc, userData any) error {
	if fn == nil {
		return fmt.Errorf("%w: nil duplex callback", ErrInvalidParameter)
	}
	if config.Direction() != DirectionDuplex {
		return fmt.Errorf("%w: %s config passed to OpenDuplex", ErrInvalidParameter, config.Direction())
	}
	return h.open(config, func(ctx *CallbackContext) { ctx.duplex = fn }, userData)
}

func (h *StreamHandle) open(config StreamConfig, bind func(*CallbackContext), userData any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateCreated {
		return fmt.Errorf("%w: open from %s", ErrInvalidState, h.state)
	}
	if h.session == nil {
		return fmt.Errorf("%w: no host session", ErrInvalidParameter)
	}
	if config.IsZero() {
		return fmt.Errorf("%w: stream config was never built", ErrInvalidParameter)
	}
	if config.Format() != FormatInt16 {
		return fmt.Errorf("%w: only %s samples are bridged, got %s", ErrInvalidParameter, FormatInt16, config.Format())
	}

	backend, err := h.session.attach(h)
	if err != nil {
		return err
	}

	warnings := newWarningReporter(h.opts.metrics, h.log, h.opts.onWarning)
	ctx := newCallbackContext(config.Direction(), config.Channels(), userData, warnings, h.opts.metrics.Blocks(config.Direction().String()))
	bind(ctx)

	actual, err := backend.OpenStream(OpenRequest{
		Output:     config.outputParameters(),
		Input:      config.inputParameters(),
		Format:     config.Format(),
		SampleRate: config.SampleRate(),
		BlockSize:  config.BlockSize(),
		Callback:   callbackAdapter,
		Context:    ctx,
	})
	if err != nil {
		failure := backendError("open", backend, err)
		h.opts.metrics.BackendFailure("open")
		ctx.release()
		warnings.close()
		h.session.detach(h)
		h.log.Error("❌ failed to open stream", "direction", config.Direction().String(), "error", failure)
		return failure
	}

	h.backend = backend
	h.ctx = ctx
	h.warnings = warnings
	h.config = config
	h.blockSize = actual
	h.setState(StateOpened)
	h.opts.metrics.StreamOpened()

	if requested := config.BlockSize(); requested != 0 && actual != requested {
		warnings.Report(Warning{Kind: WarningBlockSizeMismatch, Requested: requested, Actual: actual})
	}

	h.log.Info("🎧 stream opened",
		"direction", config.Direction().String(),
		"device", config.DeviceID(),
		"channels", config.Channels(),
		"rate", config.SampleRate(),
		"block", actual)
	return nil
}

// Start starts the backend stream. If the backend fails to start, the
// stream is closed before the error is returned.
func (h *StreamHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateOpened {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, h.state)
	}

	if err := h.backend.StartStream(); err != nil {
		failure := backendError("start", h.backend, err)
		h.opts.metrics.BackendFailure("start")
		h.log.Error("❌ failed to start stream", "error", failure)
		return errors.Join(failure, h.closeLocked())
	}

	// Blocks reach the user only after the backend reports success
	h.ctx.armed.Store(true)
	h.setState(StateStarted)
	h.log.Debug("▶️ stream started")
	return nil
}

// Stop stops the backend stream. No user callback runs after Stop
// returns. If the backend fails to stop, the stream is torn down to Closed.
func (h *StreamHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateStarted {
		return fmt.Errorf("%w: stop from %s", ErrInvalidState, h.state)
	}
	return h.stopLocked()
}

// Close closes an Opened or Stopped stream and releases its context
func (h *StreamHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateOpened && h.state != StateStopped {
		return fmt.Errorf("%w: close from %s", ErrInvalidState, h.state)
	}
	return h.closeLocked()
}

// Destroy tears the stream down from any state: stop if started, close if
// opened, then release the context and, for helper-created streams, the
// host session. Calling it again, or on a nil handle, does nothing.
func (h *StreamHandle) Destroy() error {
	if h == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateClosed:
		return nil
	case StateCreated:
		h.setState(StateClosed)
		return h.releaseSession()
	case StateStarted:
		if err := h.stopLocked(); err != nil {
			return err
		}
		return h.closeLocked()
	default:
		return h.closeLocked()
	}
}

// DestroyStream is Destroy for a possibly nil handle
func DestroyStream(h *StreamHandle) error {
	return h.Destroy()
}

func (h *StreamHandle) stopLocked() error {
	h.ctx.armed.Store(false)
	if err := h.backend.StopStream(); err != nil {
		failure := backendError("stop", h.backend, err)
		h.opts.metrics.BackendFailure("stop")
		h.log.Error("❌ failed to stop stream", "error", failure)
		return errors.Join(failure, h.closeLocked())
	}

	h.setState(StateStopped)
	h.log.Debug("⏹️ stream stopped")
	return nil
}

// closeLocked closes the backend stream and releases everything the handle
// holds. The handle always ends Closed, even when the backend fails.
func (h *StreamHandle) closeLocked() error {
	var failure error
	if err := h.backend.CloseStream(); err != nil {
		failure = backendError("close", h.backend, err)
		h.opts.metrics.BackendFailure("close")
		h.log.Error("❌ failed to close stream", "error", failure)
	}

	// The backend no longer references the context past this point
	h.ctx.release()
	h.warnings.close()
	h.counts = h.warnings.Counts()
	h.ctx = nil
	h.warnings = nil
	h.backend = nil

	h.session.detach(h)
	h.setState(StateClosed)
	h.opts.metrics.StreamClosed()
	h.log.Info("🔇 stream closed", "warnings", h.counts.Total())

	return errors.Join(failure, h.releaseSession())
}

func (h *StreamHandle) releaseSession() error {
	if !h.ownsSession {
		return nil
	}
	h.ownsSession = false
	if err := h.session.Close(); err != nil {
		return fmt.Errorf("failed to release host session: %w", err)
	}
	return nil
}

func (h *StreamHandle) setState(s StreamState) {
	h.state = s
	h.opts.metrics.Transition(s.String())
}
