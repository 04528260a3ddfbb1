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

// Package modem carries short frames over an audio stream. It modulates a
// carrier with BPSK, line-codes bits with 4B5B and NRZI, and runs a small
// stop-and-wait MAC with acknowledgements and random back-off on top.
package modem

import "errors"

// SymbolsPerByte is the number of line bits one payload byte occupies
const SymbolsPerByte = 10

// ErrBadSymbol reports a 5-bit group outside the 4B5B data alphabet
var ErrBadSymbol = errors.New("invalid 4B5B symbol")

var encode5B = [16]byte{
	0x14, 0x09, 0x0A, 0x0B, 0x19, 0x0D, 0x0E, 0x0F,
	0x1A, 0x11, 0x12, 0x13, 0x1B, 0x15, 0x16, 0x17,
}

var decode5B = func() [32]int8 {
	var t [32]int8
	for i := range t {
		t[i] = -1
	}
	for nibble, sym := range encode5B {
		t[sym] = int8(nibble) //nolint:gosec // G115: nibble < 16
	}
	return t
}()

// Encode4B5B appends the line bits of data to dst, one bit per byte. Each
// byte becomes two 5-bit symbols, low nibble first, least significant bit
// first.
func Encode4B5B(dst, data []byte) []byte {
	for _, b := range data {
		sym := uint16(encode5B[b&0x0F]) | uint16(encode5B[b>>4])<<5
		for i := 0; i < SymbolsPerByte; i++ {
			dst = append(dst, byte(sym>>i)&1)
		}
	}
	return dst
}

// EncodeNRZI rewrites bits in place as line levels. A one toggles the level
// and a zero holds it. The starting level is low.
func EncodeNRZI(bits []byte) {
	var level byte
	for i, b := range bits {
		level ^= b & 1
		bits[i] = level
	}
}

// NRZIDecoder turns line levels back into bits
type NRZIDecoder struct {
	last byte
}

// Reset returns the decoder to the low starting level
func (d *NRZIDecoder) Reset() {
	d.last = 0
}

// Decode consumes one level and returns the bit it carries
func (d *NRZIDecoder) Decode(level byte) byte {
	bit := d.last ^ (level & 1)
	d.last = level & 1
	return bit
}

// ByteDecoder assembles 4B5B line bits into bytes
type ByteDecoder struct {
	acc uint16
	n   int
}

// Reset drops any partially assembled byte
func (d *ByteDecoder) Reset() {
	d.acc, d.n = 0, 0
}

// Push adds one bit. It reports a byte once ten bits have arrived, and
// ErrBadSymbol when either symbol is not a data symbol.
func (d *ByteDecoder) Push(bit byte) (byte, bool, error) {
	d.acc |= uint16(bit&1) << d.n
	d.n++
	if d.n < SymbolsPerByte {
		return 0, false, nil
	}
	lo, hi := decode5B[d.acc&0x1F], decode5B[d.acc>>5]
	d.Reset()
	if lo < 0 || hi < 0 {
		return 0, false, ErrBadSymbol
	}
	return byte(lo) | byte(hi)<<4, true, nil //nolint:gosec // G115: decoded nibbles are 0..15
}

// Decode4B5B decodes a whole run of line bits. len(bits) must be a multiple
// of SymbolsPerByte.
func Decode4B5B(bits []byte) ([]byte, error) {
	if len(bits)%SymbolsPerByte != 0 {
		return nil, errors.New("line bits are not a whole number of bytes")
	}
	var d ByteDecoder
	out := make([]byte, 0, len(bits)/SymbolsPerByte)
	for _, bit := range bits {
		b, ok, err := d.Push(bit)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, b)
		}
	}
	return out, nil
}
