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
	"syscall"

	"golang.org/x/sys/unix"
)

// bindSocketToInterface scopes the UDP socket to the utun device with
// IP_BOUND_IF, in addition to the local-address bind.
func bindSocketToInterface(ifaceIndex int) func(network, address string, c syscall.RawConn) error {

	if ifaceIndex <= 0 {
		return nil
	}

	return func(network, address string, c syscall.RawConn) error {
		var sockoptErr error
		err := c.Control(func(fd uintptr) {
			sockoptErr = unix.SetsockoptInt(
				int(fd), unix.IPPROTO_IP, unix.IP_BOUND_IF, ifaceIndex)
		})
		if err != nil {
			return err
		}
		return sockoptErr
	}
}
