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
	"syscall"

	"golang.org/x/sys/windows"
)

// bindSocketToInterface scopes the UDP socket to the wintun adapter with
// IP_UNICAST_IF, in addition to the local-address bind. The index argument
// is passed in network byte order for IPv4 sockets.
func bindSocketToInterface(ifaceIndex int) func(network, address string, c syscall.RawConn) error {

	if ifaceIndex <= 0 {
		return nil
	}

	return func(network, address string, c syscall.RawConn) error {

		var indexBytes [4]byte
		binary.BigEndian.PutUint32(indexBytes[:], uint32(ifaceIndex))
		index := int(binary.LittleEndian.Uint32(indexBytes[:]))

		var sockoptErr error
		err := c.Control(func(fd uintptr) {
			sockoptErr = windows.SetsockoptInt(
				windows.Handle(fd), windows.IPPROTO_IP, windows.IP_UNICAST_IF, index)
		})
		if err != nil {
			return err
		}
		return sockoptErr
	}
}
