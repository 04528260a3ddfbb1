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

package modem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Address is a 4-bit station address
type Address uint8

// Broadcast reaches every station and is never acknowledged
const Broadcast Address = 0x0F

// Valid reports whether a fits in four bits
func (a Address) Valid() bool {
	return a <= Broadcast
}

func (a Address) String() string {
	if a == Broadcast {
		return "broadcast"
	}
	return fmt.Sprintf("%d", uint8(a))
}

// Op is the frame operation carried in the low nibble of the second byte
type Op uint8

const (
	OpData      Op = 0x0
	OpPingReq   Op = 0x1
	OpPingReply Op = 0x2
	OpAck       Op = 0xF
)

func (o Op) String() string {
	switch o {
	case OpData:
		return "data"
	case OpPingReq:
		return "ping_request"
	case OpPingReply:
		return "ping_reply"
	case OpAck:
		return "ack"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

const (
	headerSize  = 2
	controlSize = headerSize + 1 // header + CRC-8

	// MaxPayload is the largest data payload one frame carries
	MaxPayload = 53

	// MaxFrameSize is the encoded size of a full data frame
	MaxFrameSize = headerSize + 1 + MaxPayload + 2
)

var (
	ErrBadChecksum     = errors.New("frame checksum mismatch")
	ErrShortFrame      = errors.New("frame is truncated")
	ErrPayloadTooLarge = fmt.Errorf("payload exceeds %d bytes", MaxPayload)
	ErrUnknownOp       = errors.New("unknown frame operation")
)

// Frame is one MAC frame. Tag is a 4-bit sequence number used to match
// acknowledgements and suppress duplicates. Only OpData frames carry a
// payload.
type Frame struct {
	Src     Address
	Dest    Address
	Op      Op
	Tag     uint8
	Payload []byte
}

// Marshal encodes f. Data frames carry a length byte, the payload and a
// little-endian CRC-16; every other frame is the header and a CRC-8.
func (f Frame) Marshal() ([]byte, error) {
	return f.AppendMarshal(make([]byte, 0, f.size()))
}

// AppendMarshal appends the encoding of f to dst
func (f Frame) AppendMarshal(dst []byte) ([]byte, error) {
	if !f.Src.Valid() || !f.Dest.Valid() || f.Tag > 0x0F {
		return nil, fmt.Errorf("frame field out of range: src=%d dest=%d tag=%d", f.Src, f.Dest, f.Tag)
	}
	if !knownOp(f.Op) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, f.Op)
	}
	if f.Op != OpData && len(f.Payload) > 0 {
		return nil, fmt.Errorf("%s frame cannot carry a payload", f.Op)
	}
	if len(f.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	start := len(dst)
	dst = append(dst, byte(f.Src)|byte(f.Dest)<<4, byte(f.Op)|f.Tag<<4)
	if f.Op != OpData {
		return append(dst, CRC8(dst[start:])), nil
	}
	dst = append(dst, byte(len(f.Payload)))
	dst = append(dst, f.Payload...)
	return binary.LittleEndian.AppendUint16(dst, CRC16(dst[start:])), nil
}

func (f Frame) size() int {
	if f.Op != OpData {
		return controlSize
	}
	return headerSize + 1 + len(f.Payload) + 2
}

// ParseFrame decodes and verifies one frame. The returned payload aliases
// data.
func ParseFrame(data []byte) (Frame, error) {
	n, err := FrameLength(data)
	if err != nil {
		return Frame{}, err
	}
	if len(data) < n {
		return Frame{}, ErrShortFrame
	}
	data = data[:n]

	f := Frame{
		Src:  Address(data[0] & 0x0F),
		Dest: Address(data[0] >> 4),
		Op:   Op(data[1] & 0x0F),
		Tag:  data[1] >> 4,
	}
	if f.Op == OpData {
		if CRC16(data) != 0 {
			return Frame{}, ErrBadChecksum
		}
		f.Payload = data[headerSize+1 : n-2]
		return f, nil
	}
	if CRC8(data) != 0 {
		return Frame{}, ErrBadChecksum
	}
	return f, nil
}

// FrameLength returns the encoded length of the frame that starts with
// prefix. It needs two bytes for control frames and three for data frames,
// and returns ErrShortFrame until it has them. Errors are bare sentinels so
// the demodulator can call it without allocating.
func FrameLength(prefix []byte) (int, error) {
	if len(prefix) < headerSize {
		return 0, ErrShortFrame
	}
	op := Op(prefix[1] & 0x0F)
	if !knownOp(op) {
		return 0, ErrUnknownOp
	}
	if op != OpData {
		return controlSize, nil
	}
	if len(prefix) < headerSize+1 {
		return 0, ErrShortFrame
	}
	size := int(prefix[headerSize])
	if size > MaxPayload {
		return 0, ErrPayloadTooLarge
	}
	return headerSize + 1 + size + 2, nil
}

// Accepts reports whether a station at addr should process f
func (f Frame) Accepts(addr Address) bool {
	return f.Src != addr && (f.Dest == addr || f.Dest == Broadcast)
}

func knownOp(op Op) bool {
	switch op {
	case OpData, OpPingReq, OpPingReply, OpAck:
		return true
	}
	return false
}
