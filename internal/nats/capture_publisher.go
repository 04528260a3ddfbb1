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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loqalabs/loqa-rtbridge/internal/audio"
	"github.com/loqalabs/loqa-rtbridge/internal/logger"
	"github.com/loqalabs/loqa-rtbridge/internal/metrics"
	"github.com/loqalabs/loqa-rtbridge/internal/transport"
)

// PublisherConfig tunes a CapturePublisher
type PublisherConfig struct {
	BlockSamples int           // samples per published frame
	RingSize     int           // samples buffered between the callback and Run
	PollInterval time.Duration // how often Run drains the ring
	Heartbeat    time.Duration // idle heartbeat period, zero disables
}

// DefaultPublisherConfig returns settings for frames of blockSamples
func DefaultPublisherConfig(blockSamples int) PublisherConfig {
	return PublisherConfig{
		BlockSamples: blockSamples,
		RingSize:     blockSamples * 64,
		PollInterval: 5 * time.Millisecond,
		Heartbeat:    2 * time.Second,
	}
}

// CapturePublisher moves captured blocks from an input stream to the bus.
// OnBlock runs on the real-time thread and only writes to a ring; Run
// publishes from an ordinary goroutine.
type CapturePublisher struct {
	conn     Connection
	streamID uuid.UUID
	subject  string
	cfg      PublisherConfig
	ring     *audio.SampleRing

	sequence  uint32
	published atomic.Uint64
	dropped   atomic.Uint64

	frames      prometheus.Counter
	droppedRate prometheus.Counter
	log         *slog.Logger
}

// NewCapturePublisher creates a publisher for streamID
func NewCapturePublisher(conn Connection, streamID uuid.UUID, cfg PublisherConfig, m *metrics.StreamMetrics) (*CapturePublisher, error) {
	if cfg.BlockSamples < 1 || cfg.BlockSamples > transport.MaxSamples {
		return nil, fmt.Errorf("block of %d samples does not fit a frame (max %d)", cfg.BlockSamples, transport.MaxSamples)
	}
	if cfg.RingSize < cfg.BlockSamples {
		cfg.RingSize = cfg.BlockSamples
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}

	return &CapturePublisher{
		conn:        conn,
		streamID:    streamID,
		subject:     CaptureSubject(streamID),
		cfg:         cfg,
		ring:        audio.NewSampleRing(cfg.RingSize),
		frames:      m.RelayFrames("published"),
		droppedRate: m.RelayDropped("capture"),
		log:         logger.Component("relay").With("stream", streamID.String()),
	}, nil
}

// Subject returns the subject frames are published on
func (p *CapturePublisher) Subject() string {
	return p.subject
}

// OnBlock is an audio.BlockFunc for the input stream
func (p *CapturePublisher) OnBlock(_ any, samples []int16, _ int) {
	if n := p.ring.Write(samples); n < len(samples) {
		lost := uint64(len(samples) - n) //nolint:gosec // G115: n <= len(samples)
		p.dropped.Add(lost)
		p.droppedRate.Add(float64(lost))
	}
}

// Published returns the number of data frames sent
func (p *CapturePublisher) Published() uint64 {
	return p.published.Load()
}

// Dropped returns the number of captured samples lost to a full ring
func (p *CapturePublisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Run publishes buffered blocks until ctx is done, then flushes what is
// left and publishes an end-of-stream frame. It returns early only if the
// connection is closed.
func (p *CapturePublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	block := make([]int16, p.cfg.BlockSamples)
	lastSent := time.Now()

	p.log.Info("📡 publishing captured audio", "subject", p.subject, "block", p.cfg.BlockSamples)
	for {
		select {
		case <-ctx.Done():
			if err := p.flush(block, true); err != nil {
				return err
			}
			p.log.Info("🛑 capture relay stopped", "frames", p.Published(), "dropped", p.Dropped())
			return p.publish(transport.NewControlFrame(transport.FrameTypeBlockEnd, p.streamID.ID(), p.nextSequence(), now()))

		case <-ticker.C:
			if p.ring.Len() >= p.cfg.BlockSamples {
				if err := p.flush(block, false); err != nil {
					return err
				}
				lastSent = time.Now()
				continue
			}
			if p.cfg.Heartbeat > 0 && time.Since(lastSent) >= p.cfg.Heartbeat {
				if err := p.publish(transport.NewControlFrame(transport.FrameTypeHeartbeat, p.streamID.ID(), p.nextSequence(), now())); err != nil {
					return err
				}
				lastSent = time.Now()
			}
		}
	}
}

// flush publishes every full block in the ring, and the partial tail when
// final is set.
func (p *CapturePublisher) flush(block []int16, final bool) error {
	for {
		available := p.ring.Len()
		if available == 0 || (available < len(block) && !final) {
			return nil
		}
		n := p.ring.Read(block)
		frame := transport.NewBlockFrame(p.streamID.ID(), p.nextSequence(), now(), block[:n])
		if err := p.publish(frame); err != nil {
			return err
		}
		p.published.Add(1)
	}
}

func (p *CapturePublisher) publish(frame *transport.Frame) error {
	data, err := frame.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize %s frame: %w", frame.Type, err)
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
		}
		p.log.Warn("⚠️ failed to publish frame", "type", frame.Type.String(), "error", err)
		return nil
	}
	p.frames.Inc()
	return nil
}

func (p *CapturePublisher) nextSequence() uint32 {
	seq := p.sequence
	p.sequence++
	return seq
}

func now() uint64 {
	return uint64(time.Now().UnixMicro()) //nolint:gosec // G115: wall clock is after the epoch
}
