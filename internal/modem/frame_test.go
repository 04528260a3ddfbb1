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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_MarshalData(t *testing.T) {
	f := Frame{Src: 1, Dest: 2, Op: OpData, Tag: 3, Payload: []byte{1, 2, 3}}
	data, err := f.Marshal()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x21, 0x30, 3, 1, 2, 3}, data[:6])
	require.Len(t, data, 8)

	parsed, err := ParseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
}

func TestFrame_MarshalControl(t *testing.T) {
	for _, op := range []Op{OpAck, OpPingReq, OpPingReply} {
		t.Run(op.String(), func(t *testing.T) {
			f := Frame{Src: 4, Dest: Broadcast, Op: op, Tag: 15}
			data, err := f.Marshal()
			require.NoError(t, err)
			require.Len(t, data, 3)
			assert.Equal(t, byte(0xF4), data[0])
			assert.Equal(t, byte(op)|0xF0, data[1])

			parsed, err := ParseFrame(data)
			require.NoError(t, err)
			assert.Equal(t, f, parsed)
		})
	}
}

func TestFrame_MarshalRejects(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"address_out_of_range", Frame{Src: 16, Op: OpData}},
		{"tag_out_of_range", Frame{Op: OpAck, Tag: 16}},
		{"unknown_op", Frame{Op: Op(7)}},
		{"control_with_payload", Frame{Op: OpAck, Payload: []byte{1}}},
		{"payload_too_large", Frame{Op: OpData, Payload: make([]byte, MaxPayload+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.frame.Marshal()
			assert.Error(t, err)
		})
	}

	full, err := Frame{Op: OpData, Payload: make([]byte, MaxPayload)}.Marshal()
	require.NoError(t, err)
	assert.Len(t, full, MaxFrameSize)
}

func TestParseFrame_Errors(t *testing.T) {
	data, err := Frame{Src: 1, Dest: 2, Op: OpData, Payload: []byte("hello")}.Marshal()
	require.NoError(t, err)

	t.Run("corrupted", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[4] ^= 0x01
		_, err := ParseFrame(bad)
		assert.ErrorIs(t, err, ErrBadChecksum)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := ParseFrame(data[:len(data)-1])
		assert.ErrorIs(t, err, ErrShortFrame)
		_, err = ParseFrame(data[:1])
		assert.ErrorIs(t, err, ErrShortFrame)
	})

	t.Run("length_byte_too_large", func(t *testing.T) {
		_, err := ParseFrame([]byte{0x21, 0x00, MaxPayload + 1})
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("unknown_op", func(t *testing.T) {
		_, err := ParseFrame([]byte{0x21, 0x05, 0x00})
		assert.ErrorIs(t, err, ErrUnknownOp)
	})

	t.Run("trailing_bytes_ignored", func(t *testing.T) {
		f, err := ParseFrame(append(append([]byte(nil), data...), 0xEE))
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), f.Payload)
	})
}

func TestFrameLength(t *testing.T) {
	n, err := FrameLength([]byte{0x21, byte(OpAck)})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = FrameLength([]byte{0x21, byte(OpData)})
	assert.ErrorIs(t, err, ErrShortFrame)

	n, err = FrameLength([]byte{0x21, byte(OpData), 10})
	require.NoError(t, err)
	assert.Equal(t, 15, n)
}

func TestFrame_Accepts(t *testing.T) {
	assert.True(t, Frame{Src: 1, Dest: 2}.Accepts(2))
	assert.True(t, Frame{Src: 1, Dest: Broadcast}.Accepts(2))
	assert.False(t, Frame{Src: 1, Dest: 3}.Accepts(2), "addressed to another station")
	assert.False(t, Frame{Src: 2, Dest: Broadcast}.Accepts(2), "own transmission")
}
