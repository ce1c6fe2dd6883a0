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
	"bytes"
	std_errors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeIPv4Datagram(size int) []byte {
	datagram := make([]byte, size)
	datagram[0] = 0x45
	for i := 1; i < size; i++ {
		datagram[i] = byte(i)
	}
	return datagram
}

func TestFrameRoundTrip(t *testing.T) {

	for _, size := range []int{1, 20, 1400, 65535} {

		datagram := makeIPv4Datagram(size)

		encoded, err := EncodePacket(datagram)
		require.NoError(t, err)
		require.Len(t, encoded, 16+size)

		frame, err := ParseFrame(encoded)
		require.NoError(t, err)
		assert.Equal(t, uint16(0x0800), frame.EtherType)
		assert.Equal(t, datagram, frame.Payload)
		assert.False(t, frame.IsKeepalive())
	}
}

func TestFrameEtherType(t *testing.T) {

	datagram := makeIPv4Datagram(40)
	datagram[0] = 0x60

	encoded, err := EncodePacket(datagram)
	require.NoError(t, err)

	frame, err := ParseFrame(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x86dd), frame.EtherType)

	datagram[0] = 0x20
	_, err = EncodePacket(datagram)
	assert.Error(t, err)
}

func TestFrameKeepalive(t *testing.T) {

	encoded := EncodeKeepalive()
	require.Len(t, encoded, 16)

	frame, err := ParseFrame(encoded)
	require.NoError(t, err)
	assert.True(t, frame.IsKeepalive())
}

func TestFrameParseErrors(t *testing.T) {

	encoded, err := EncodePacket(makeIPv4Datagram(100))
	require.NoError(t, err)

	_, err = ParseFrame(encoded[:10])
	assert.True(t, std_errors.Is(err, ErrShortHeader))

	_, err = ParseFrame(encoded[:50])
	assert.True(t, std_errors.Is(err, ErrShortPayload))

	corrupted := append([]byte{}, encoded...)
	corrupted[0] = 0xff
	_, err = ParseFrame(corrupted)
	assert.True(t, std_errors.Is(err, ErrBadMagic))
}

func TestFrameOversize(t *testing.T) {

	_, err := EncodePacket(makeIPv4Datagram(65536))
	assert.Error(t, err)
}

func TestReadFrameStream(t *testing.T) {

	first := makeIPv4Datagram(64)
	second := makeIPv4Datagram(1400)

	var stream bytes.Buffer
	for _, datagram := range [][]byte{first, second} {
		encoded, err := EncodePacket(datagram)
		require.NoError(t, err)
		stream.Write(encoded)
	}
	stream.Write(EncodeKeepalive())

	payloadBuf := make([]byte, 65535)

	frame, err := ReadFrame(&stream, payloadBuf)
	require.NoError(t, err)
	assert.Equal(t, first, frame.Payload)

	frame, err = ReadFrame(&stream, payloadBuf)
	require.NoError(t, err)
	assert.Equal(t, second, frame.Payload)

	frame, err = ReadFrame(&stream, payloadBuf)
	require.NoError(t, err)
	assert.True(t, frame.IsKeepalive())

	_, err = ReadFrame(&stream, payloadBuf)
	assert.Error(t, err)
}
