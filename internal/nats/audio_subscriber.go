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

package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loqalabs/loqa-rtbridge/internal/audio"
	"github.com/loqalabs/loqa-rtbridge/internal/logger"
	"github.com/loqalabs/loqa-rtbridge/internal/metrics"
	"github.com/loqalabs/loqa-rtbridge/internal/transport"
)

// SubscriberStats counts what a PlaybackSubscriber has received
type SubscriberStats struct {
	Frames  uint64 // data frames queued
	Samples uint64 // samples queued
	Dropped uint64 // samples lost to a full ring
	Gaps    uint64 // sequence discontinuities
	Invalid uint64 // messages that were not frames
}

// PlaybackSubscriber queues frames addressed to one stream, plus broadcast
// frames, for its output callback. NATS handlers write the ring under a
// mutex; FillBlock is the only reader and runs on the real-time thread.
type PlaybackSubscriber struct {
	conn     Connection
	streamID uuid.UUID
	ring     *audio.SampleRing

	writeMu  sync.Mutex
	lastSeq  map[uint32]uint32
	subs     []*nats.Subscription
	ended    atomic.Bool
	frames   atomic.Uint64
	samples  atomic.Uint64
	dropped  atomic.Uint64
	gaps     atomic.Uint64
	invalid  atomic.Uint64
	received prometheus.Counter
	lost     prometheus.Counter
	log      *slog.Logger
}

// NewPlaybackSubscriber creates a subscriber buffering up to ringSize
// samples for streamID.
func NewPlaybackSubscriber(conn Connection, streamID uuid.UUID, ringSize int, m *metrics.StreamMetrics) *PlaybackSubscriber {
	return &PlaybackSubscriber{
		conn:     conn,
		streamID: streamID,
		ring:     audio.NewSampleRing(ringSize),
		lastSeq:  make(map[uint32]uint32),
		received: m.RelayFrames("received"),
		lost:     m.RelayDropped("playback"),
		log:      logger.Component("relay").With("stream", streamID.String()),
	}
}

// Start subscribes to the stream's playback subject and the broadcast subject
func (s *PlaybackSubscriber) Start() error {
	for _, subject := range []string{PlaybackSubject(s.streamID), SubjectBroadcast} {
		sub, err := s.conn.Subscribe(subject, s.handleFrame)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.log.Info("🎧 subscribed to audio subjects", "playback", PlaybackSubject(s.streamID), "broadcast", SubjectBroadcast)
	return nil
}

// handleFrame queues the samples of an incoming frame
func (s *PlaybackSubscriber) handleFrame(msg *nats.Msg) {
	frame, err := transport.DeserializeFrame(msg.Data)
	if err != nil {
		s.invalid.Add(1)
		s.log.Warn("❌ dropping malformed frame", "subject", msg.Subject, "error", err)
		return
	}
	s.received.Inc()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if last, seen := s.lastSeq[frame.StreamID]; seen && frame.Sequence != last+1 {
		s.gaps.Add(1)
		s.log.Debug("⚠️ sequence gap", "source", frame.StreamID, "expected", last+1, "got", frame.Sequence)
	}
	s.lastSeq[frame.StreamID] = frame.Sequence

	switch frame.Type {
	case transport.FrameTypeBlockData:
		n := s.ring.Write(frame.Samples)
		s.frames.Add(1)
		s.samples.Add(uint64(n)) //nolint:gosec // G115: n is non-negative
		if lost := len(frame.Samples) - n; lost > 0 {
			s.dropped.Add(uint64(lost)) //nolint:gosec // G115: lost is positive
			s.lost.Add(float64(lost))
		}
	case transport.FrameTypeBlockEnd:
		s.ended.Store(true)
		s.log.Info("📭 remote stream ended", "source", frame.StreamID)
	case transport.FrameTypeHeartbeat:
	default:
		s.invalid.Add(1)
	}
}

// FillBlock is an audio.BlockFunc for the output stream. The part of out
// it cannot fill keeps the adapter's zeros.
func (s *PlaybackSubscriber) FillBlock(_ any, out []int16, _ int) {
	s.ring.Read(out)
}

// Buffered returns the number of queued samples
func (s *PlaybackSubscriber) Buffered() int {
	return s.ring.Len()
}

// Ended reports whether an end-of-stream frame arrived
func (s *PlaybackSubscriber) Ended() bool {
	return s.ended.Load()
}

// Stats returns a snapshot of the subscriber counters
func (s *PlaybackSubscriber) Stats() SubscriberStats {
	return SubscriberStats{
		Frames:  s.frames.Load(),
		Samples: s.samples.Load(),
		Dropped: s.dropped.Load(),
		Gaps:    s.gaps.Load(),
		Invalid: s.invalid.Load(),
	}
}

// Close unsubscribes and closes the NATS connection
func (s *PlaybackSubscriber) Close() {
	s.unsubscribe()
	if s.conn != nil {
		s.conn.Close()
		s.log.Info("🔌 NATS connection closed")
	}
}

func (s *PlaybackSubscriber) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe() // Connection teardown follows
	}
	s.subs = nil
}
