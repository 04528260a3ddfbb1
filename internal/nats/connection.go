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

// Package nats relays audio blocks between local streams and a NATS bus.
// Captured blocks are published as binary frames; frames received for a
// stream are queued for its output callback.
package nats

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-rtbridge/internal/logger"
)

// Subject layout
const (
	SubjectCapturePrefix  = "audio.capture."
	SubjectPlaybackPrefix = "audio.playback."
	SubjectBroadcast      = "audio.broadcast"
)

// CaptureSubject is where a stream's captured blocks are published
func CaptureSubject(streamID uuid.UUID) string {
	return SubjectCapturePrefix + streamID.String()
}

// PlaybackSubject is where blocks for a stream's output are published
func PlaybackSubject(streamID uuid.UUID) string {
	return SubjectPlaybackPrefix + streamID.String()
}

// Connection is the subset of *nats.Conn the relay needs
type Connection interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

// ConnectionAdapter adapts *nats.Conn to Connection
type ConnectionAdapter struct {
	conn *nats.Conn
}

func NewConnectionAdapter(conn *nats.Conn) *ConnectionAdapter {
	return &ConnectionAdapter{conn: conn}
}

func (a *ConnectionAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *ConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *ConnectionAdapter) Close() {
	a.conn.Close()
}

// Dial connects to NATS, retrying up to attempts times with delay between
// tries.
func Dial(natsURL string, attempts int, delay time.Duration, opts ...nats.Option) (*ConnectionAdapter, error) {
	log := logger.Component("nats")
	opts = append([]nats.Option{nats.Name("rtbridge")}, opts...)

	var nc *nats.Conn
	var err error

	for i := 0; i < attempts; i++ {
		nc, err = nats.Connect(natsURL, opts...)
		if err == nil {
			break
		}
		log.Warn("⚠️ failed to connect to NATS", "attempt", i+1, "attempts", attempts, "error", err)
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempts, err)
	}
	if nc == nil {
		return nil, fmt.Errorf("failed to connect to NATS: no attempts made")
	}

	log.Info("✅ connected to NATS", "url", natsURL)
	return NewConnectionAdapter(nc), nil
}
