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
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-rtbridge/internal/logger"
)

// HostSession owns one initialized Backend. DeviceCatalogs and StreamHandles
// borrow it and must be gone before Close is called.
type HostSession struct {
	mu      sync.Mutex
	backend Backend
	api     HostAPI
	stream  *StreamHandle
	closed  bool
	log     *slog.Logger
}

// NewHostSession initializes backend for the requested host API.
// Any failure is reported as ErrBackendUnavailable.
func NewHostSession(backend Backend, api HostAPI) (*HostSession, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: no backend", ErrBackendUnavailable)
	}

	if err := backend.Initialize(api); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, api, err)
	}

	s := &HostSession{
		backend: backend,
		api:     backend.CurrentAPI(),
		log:     logger.Component("host"),
	}
	s.log.Debug("🎛️ host session opened", "requested", api.String(), "api", s.api.String(), "devices", backend.DeviceCount())
	return s, nil
}

// CurrentAPI returns the host API the backend actually selected
func (s *HostSession) CurrentAPI() HostAPI {
	return s.api
}

// DeviceCount returns the number of devices the host API exposes
func (s *HostSession) DeviceCount() uint32 {
	backend, err := s.acquire()
	if err != nil {
		return 0
	}
	count := backend.DeviceCount()
	if count < 0 {
		return 0
	}
	return uint32(count) //nolint:gosec // G115: non-negative checked above
}

// Close terminates the backend. It fails with ErrSessionBusy while a stream
// is still attached. Closing twice is a no-op.
func (s *HostSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if s.stream != nil {
		return ErrSessionBusy
	}

	s.closed = true
	if err := s.backend.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate %s backend: %w", s.api, err)
	}
	s.log.Debug("🔌 host session closed", "api", s.api.String())
	return nil
}

// acquire returns the backend if the session is still open
func (s *HostSession) acquire() (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.backend, nil
}

// attach claims the session's single stream slot for h
func (s *HostSession) attach(h *StreamHandle) (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.stream != nil && s.stream != h {
		return nil, ErrSessionBusy
	}
	s.stream = h
	return s.backend, nil
}

// detach frees the stream slot if h holds it
func (s *HostSession) detach(h *StreamHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == h {
		s.stream = nil
	}
}
