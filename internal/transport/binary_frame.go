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

// Package transport carries audio sample blocks in a compact binary frame
// so they can travel over a message bus.
package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameType represents the type of frame being transmitted
type FrameType uint8

const (
	// Audio frame types
	FrameTypeBlockData FrameType = 0x01
	FrameTypeBlockEnd  FrameType = 0x02

	// Control frame types
	FrameTypeHeartbeat FrameType = 0x10
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeBlockData:
		return "block"
	case FrameTypeBlockEnd:
		return "end"
	case FrameTypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("frame(0x%02x)", uint8(t))
	}
}

// Frame is one block of interleaved 16-bit samples plus routing metadata
type Frame struct {
	Type      FrameType
	Status    uint8 // stream status flags of the captured block
	StreamID  uint32
	Sequence  uint32
	Timestamp uint64 // microseconds since the Unix epoch
	Samples   []int16
}

// FrameHeader represents the fixed-size frame header (24 bytes)
type FrameHeader struct {
	Magic     uint32    // 0x52544252 ("RTBR")
	Type      FrameType // Frame type (1 byte)
	Status    uint8     // Stream status flags (1 byte)
	Count     uint16    // Number of samples in the payload (2 bytes)
	StreamID  uint32    // Stream identifier (4 bytes)
	Sequence  uint32    // Sequence number (4 bytes)
	Timestamp uint64    // Unix timestamp microseconds (8 bytes)
}

const (
	// Magic number for frame validation
	FrameMagic = 0x52544252 // "RTBR" in big-endian

	HeaderSize = 24   // Fixed header size
	MaxSamples = 4096 // Largest block one frame carries
	SampleSize = 2    // Bytes per int16 sample
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameMagic    = errors.New("invalid frame magic")
	ErrFrameSize     = errors.New("frame size mismatch")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Serialize converts a frame to binary format. The header is big-endian;
// samples are little-endian.
func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Samples) > MaxSamples {
		return nil, fmt.Errorf("%w: %d samples (max %d)", ErrFrameTooLarge, len(f.Samples), MaxSamples)
	}

	header := FrameHeader{
		Magic:     FrameMagic,
		Type:      f.Type,
		Status:    f.Status,
		Count:     uint16(len(f.Samples)), //nolint:gosec // G115: Safe conversion after bounds check above
		StreamID:  f.StreamID,
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
	}

	buf := bytes.NewBuffer(make([]byte, 0, f.Size()))

	// Write header in big-endian format
	if err := binary.Write(buf, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write frame header: %w", err)
	}

	// Write sample payload
	if len(f.Samples) > 0 {
		if err := binary.Write(buf, binary.LittleEndian, f.Samples); err != nil {
			return nil, fmt.Errorf("failed to write frame samples: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// DeserializeFrame converts binary data to a frame
func DeserializeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (min %d)", ErrFrameTooSmall, len(data), HeaderSize)
	}

	header, err := parseFrameHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	// Validate frame size
	expectedSize := HeaderSize + int(header.Count)*SampleSize
	if len(data) != expectedSize {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrFrameSize, len(data), expectedSize)
	}

	frame := &Frame{
		Type:      header.Type,
		Status:    header.Status,
		StreamID:  header.StreamID,
		Sequence:  header.Sequence,
		Timestamp: header.Timestamp,
	}

	// Read sample payload if present
	if header.Count > 0 {
		frame.Samples = make([]int16, header.Count)
		if err := binary.Read(bytes.NewReader(data[HeaderSize:]), binary.LittleEndian, frame.Samples); err != nil {
			return nil, fmt.Errorf("failed to read frame samples: %w", err)
		}
	}

	return frame, nil
}

// parseFrameHeader parses just the header portion of frame data
func parseFrameHeader(headerData []byte) (*FrameHeader, error) {
	if len(headerData) != HeaderSize {
		return nil, fmt.Errorf("invalid header size: %d bytes (expected %d)", len(headerData), HeaderSize)
	}

	var header FrameHeader
	if err := binary.Read(bytes.NewReader(headerData), binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	// Validate magic number
	if header.Magic != FrameMagic {
		return nil, fmt.Errorf("%w: 0x%08X (expected 0x%08X)", ErrFrameMagic, header.Magic, FrameMagic)
	}

	// Validate sample count doesn't exceed maximum
	if header.Count > MaxSamples {
		return nil, fmt.Errorf("%w: %d samples (max %d)", ErrFrameTooLarge, header.Count, MaxSamples)
	}

	return &header, nil
}

// NewBlockFrame creates a data frame carrying samples
func NewBlockFrame(streamID, sequence uint32, timestamp uint64, samples []int16) *Frame {
	return &Frame{
		Type:      FrameTypeBlockData,
		StreamID:  streamID,
		Sequence:  sequence,
		Timestamp: timestamp,
		Samples:   samples,
	}
}

// NewControlFrame creates a frame without samples
func NewControlFrame(frameType FrameType, streamID, sequence uint32, timestamp uint64) *Frame {
	return &Frame{
		Type:      frameType,
		StreamID:  streamID,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// IsValid checks if the frame is structurally valid
func (f *Frame) IsValid() bool {
	return len(f.Samples) <= MaxSamples
}

// Size returns the total serialized size of the frame
func (f *Frame) Size() int {
	return HeaderSize + len(f.Samples)*SampleSize
}
