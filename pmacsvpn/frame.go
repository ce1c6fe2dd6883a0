/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package pmacsvpn

import (
	"encoding/binary"
	"io"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
)

// Each record on the tunneled TLS stream is a 16 byte header followed by a
// raw IP datagram:
//
//	offset  size  field
//	0       4     magic 0x1a 0x2b 0x3c 0x4d
//	4       2     ethertype (0x0800 IPv4, 0x86dd IPv6)
//	6       2     payload length, big-endian
//	8       8     type/flags, all zero for data and keepalive
//	16      N     raw IP datagram
//
// A record with payload length 0 is a keepalive.

const (
	frameHeaderSize = 16
	frameMaxPayload = 65535
	etherTypeIPv4   = 0x0800
	etherTypeIPv6   = 0x86dd
)

var frameMagic = [4]byte{0x1a, 0x2b, 0x3c, 0x4d}

var (
	// ErrBadMagic is returned when the first four bytes of a record do not
	// match the expected magic.
	ErrBadMagic = errors.TraceNew("bad frame magic")

	// ErrShortHeader is returned when fewer than 16 bytes are available.
	ErrShortHeader = errors.TraceNew("short frame header")

	// ErrShortPayload is returned when fewer than header-declared payload
	// bytes are available.
	ErrShortPayload = errors.TraceNew("short frame payload")
)

// Frame is one parsed record from the tunnel stream. A zero-length Payload
// indicates a keepalive.
type Frame struct {
	EtherType uint16
	Payload   []byte
}

// IsKeepalive reports whether the frame is a keepalive record.
func (f *Frame) IsKeepalive() bool {
	return len(f.Payload) == 0
}

// EncodePacket frames a single raw IP datagram. The ethertype is determined
// from the IP version nibble of the first byte of the datagram.
func EncodePacket(datagram []byte) ([]byte, error) {

	if len(datagram) == 0 {
		return nil, errors.TraceNew("empty datagram")
	}
	if len(datagram) > frameMaxPayload {
		return nil, errors.Tracef("datagram size %d exceeds maximum", len(datagram))
	}

	var etherType uint16
	switch datagram[0] >> 4 {
	case 4:
		etherType = etherTypeIPv4
	case 6:
		etherType = etherTypeIPv6
	default:
		return nil, errors.Tracef("unknown IP version nibble %d", datagram[0]>>4)
	}

	frame := make([]byte, frameHeaderSize+len(datagram))
	copy(frame[0:4], frameMagic[:])
	binary.BigEndian.PutUint16(frame[4:6], etherType)
	binary.BigEndian.PutUint16(frame[6:8], uint16(len(datagram)))
	copy(frame[frameHeaderSize:], datagram)
	return frame, nil
}

// EncodeKeepalive produces a 16 byte keepalive record with payload length 0.
func EncodeKeepalive() []byte {
	frame := make([]byte, frameHeaderSize)
	copy(frame[0:4], frameMagic[:])
	binary.BigEndian.PutUint16(frame[4:6], etherTypeIPv4)
	return frame
}

// ParseFrame parses a complete record from the start of data. It fails with
// ErrShortHeader when fewer than 16 bytes are available, ErrBadMagic when the
// magic mismatches, and ErrShortPayload when fewer than the header-declared
// payload bytes are available. The returned payload aliases data.
func ParseFrame(data []byte) (*Frame, error) {

	if len(data) < frameHeaderSize {
		return nil, errors.Trace(ErrShortHeader)
	}
	if data[0] != frameMagic[0] || data[1] != frameMagic[1] ||
		data[2] != frameMagic[2] || data[3] != frameMagic[3] {
		return nil, errors.Trace(ErrBadMagic)
	}

	length := int(binary.BigEndian.Uint16(data[6:8]))
	if len(data) < frameHeaderSize+length {
		return nil, errors.Trace(ErrShortPayload)
	}

	return &Frame{
		EtherType: binary.BigEndian.Uint16(data[4:6]),
		Payload:   data[frameHeaderSize : frameHeaderSize+length],
	}, nil
}

// ReadFrame reads the next record from a stream: the 16 byte header first,
// then the header-declared number of payload bytes into payloadBuf, which
// must be at least 65535 bytes. The returned payload aliases payloadBuf.
func ReadFrame(reader io.Reader, payloadBuf []byte) (*Frame, error) {

	var header [frameHeaderSize]byte
	_, err := io.ReadFull(reader, header[:])
	if err != nil {
		return nil, errors.Trace(err)
	}

	if header[0] != frameMagic[0] || header[1] != frameMagic[1] ||
		header[2] != frameMagic[2] || header[3] != frameMagic[3] {
		return nil, errors.Trace(ErrBadMagic)
	}

	length := int(binary.BigEndian.Uint16(header[6:8]))
	if length > len(payloadBuf) {
		return nil, errors.Tracef("payload length %d exceeds buffer", length)
	}

	_, err = io.ReadFull(reader, payloadBuf[:length])
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Frame{
		EtherType: binary.BigEndian.Uint16(header[4:6]),
		Payload:   payloadBuf[:length],
	}, nil
}
