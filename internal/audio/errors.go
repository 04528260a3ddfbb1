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
)

var (
	ErrBackendUnavailable = errors.New("audio backend unavailable")
	ErrDeviceQuery        = errors.New("device query failed")
	ErrIndexOutOfRange    = fmt.Errorf("%w: device index out of range", ErrDeviceQuery)
	ErrInvalidParameter   = errors.New("invalid stream parameter")
	ErrBackendFailure     = errors.New("audio backend failure")
	ErrInvalidState       = errors.New("invalid stream state transition")
	ErrSessionBusy        = errors.New("host session already has a live stream")
	ErrSessionClosed      = errors.New("host session closed")
)

// BackendError reports a failed open/start/stop/close together with the
// backend's own diagnostic string.
type BackendError struct {
	Op      string
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrBackendFailure)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrBackendFailure, e.Message)
}

// Is makes errors.Is(err, ErrBackendFailure) match any BackendError
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendFailure
}

// backendError builds a BackendError from the error the backend returned.
// The backend's last diagnostic is appended when it says something else,
// since it may predate this failure.
func backendError(op string, b Backend, err error) error {
	last := b.LastError()
	if err == nil {
		return &BackendError{Op: op, Message: last}
	}

	msg := err.Error()
	if last != "" && last != msg {
		msg = fmt.Sprintf("%s (last backend error: %s)", msg, last)
	}
	return &BackendError{Op: op, Message: msg}
}
