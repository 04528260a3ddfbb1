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

// CRC-8 with polynomial 0x31 (MSB first, zero init) guards control frames.
// CRC-16/ARC (reflected 0x8005, zero init) guards data frames. Neither has
// a final xor, so running either checksum over data followed by its own
// checksum yields zero.

var crc8Table = func() [256]byte {
	var t [256]byte
	for i := range t {
		c := byte(i)
		for range 8 {
			if c&0x80 != 0 {
				c = c<<1 ^ 0x31
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

var crc16Table = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		c := uint16(i) //nolint:gosec // G115: i < 256
		for range 8 {
			if c&1 != 0 {
				c = c>>1 ^ 0xA001
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC8 returns the control frame checksum of data
func CRC8(data []byte) byte {
	var c byte
	for _, b := range data {
		c = crc8Table[c^b]
	}
	return c
}

// CRC16 returns the data frame checksum of data
func CRC16(data []byte) uint16 {
	var c uint16
	for _, b := range data {
		c = c>>8 ^ crc16Table[byte(c)^b]
	}
	return c
}
