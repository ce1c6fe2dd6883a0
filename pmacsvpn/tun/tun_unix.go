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

//go:build linux || darwin

package tun

import (
	"os"
	"sync"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
)

// Device is the open tunnel interface. The file descriptor is registered
// with the runtime poller, so reads are released by Close and deadlines are
// supported. Close destroys the OS interface.
type Device struct {
	name      string
	mtu       int
	file      *os.File
	closeOnce sync.Once
	closeErr  error
}

// Name returns the effective interface name.
func (device *Device) Name() string {
	return device.name
}

// MTU returns the configured interface MTU.
func (device *Device) MTU() int {
	return device.mtu
}

// ReadPacket reads one IP datagram into buf, returning its length. Blocks
// until a packet arrives or the device is closed.
func (device *Device) ReadPacket(buf []byte) (int, error) {
	n, err := readDevicePacket(device.file, buf)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return n, nil
}

// WritePacket delivers one IP datagram to the interface.
func (device *Device) WritePacket(packet []byte) error {
	err := writeDevicePacket(device.file, packet)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Close releases the device, destroying the OS-level interface and
// unblocking any in-flight ReadPacket.
func (device *Device) Close() error {
	device.closeOnce.Do(func() {
		device.closeErr = device.file.Close()
	})
	return device.closeErr
}
