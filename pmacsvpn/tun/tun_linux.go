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

package tun

import (
	"os"
	"strconv"
	"unsafe"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
	"golang.org/x/sys/unix"
)

func createDevice(config *Config) (*Device, error) {

	// IFF_NO_PI, so reads and writes carry bare IP datagrams with no
	// packet-information header.

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.TraceMsg(err, "open /dev/net/tun failed")
	}

	var request struct {
		name  [unix.IFNAMSIZ]byte
		flags uint16
		pad   [22]byte
	}
	copy(request.name[:unix.IFNAMSIZ-1], config.deviceName())
	request.flags = unix.IFF_TUN | unix.IFF_NO_PI

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.TUNSETIFF),
		uintptr(unsafe.Pointer(&request)))
	if errno != 0 {
		unix.Close(fd)
		return nil, errors.TraceMsg(errno, "TUNSETIFF failed")
	}

	name := string(request.name[:])
	if index := indexOfZero(request.name[:]); index != -1 {
		name = string(request.name[:index])
	}

	device := &Device{
		name: name,
		mtu:  getMTU(config.MTU),
		file: os.NewFile(uintptr(fd), name),
	}

	err = configureDevice(device, config)
	if err != nil {
		device.Close()
		return nil, errors.Trace(err)
	}

	return device, nil
}

func configureDevice(device *Device, config *Config) error {

	address := config.IPv4Address.String()

	err := runCommand(
		"ip", "addr", "replace", address+"/32", "dev", device.name)
	if err != nil {
		return errors.Trace(err)
	}

	err = runCommand(
		"ip", "link", "set", device.name,
		"up", "mtu", strconv.Itoa(device.mtu))
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func readDevicePacket(file *os.File, buf []byte) (int, error) {
	return file.Read(buf)
}

func writeDevicePacket(file *os.File, packet []byte) error {
	_, err := file.Write(packet)
	return err
}

func indexOfZero(data []byte) int {
	for i, value := range data {
		if value == 0 {
			return i
		}
	}
	return -1
}
