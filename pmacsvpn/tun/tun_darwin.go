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

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
	"golang.org/x/sys/unix"
)

const utunControlName = "com.apple.net.utun_control"

func createDevice(config *Config) (*Device, error) {

	// utun devices are created through the kernel control socket API; the
	// kernel assigns the unit number and the utunN name.

	fd, err := unix.Socket(
		unix.AF_SYSTEM, unix.SOCK_DGRAM, unix.SYSPROTO_CONTROL)
	if err != nil {
		return nil, errors.TraceMsg(err, "utun control socket failed")
	}

	ctlInfo := &unix.CtlInfo{}
	copy(ctlInfo.Name[:], utunControlName)
	err = unix.IoctlCtlInfo(fd, ctlInfo)
	if err != nil {
		unix.Close(fd)
		return nil, errors.TraceMsg(err, "CTLIOCGINFO failed")
	}

	err = unix.Connect(fd, &unix.SockaddrCtl{ID: ctlInfo.Id, Unit: 0})
	if err != nil {
		unix.Close(fd)
		return nil, errors.TraceMsg(err, "utun connect failed")
	}

	name, err := unix.GetsockoptString(
		fd, unix.SYSPROTO_CONTROL, unix.UTUN_OPT_IFNAME)
	if err != nil {
		unix.Close(fd)
		return nil, errors.TraceMsg(err, "UTUN_OPT_IFNAME failed")
	}

	err = unix.SetNonblock(fd, true)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Trace(err)
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

	// Point-to-point: the tunnel's own address serves as the peer.
	err := runCommand(
		"ifconfig", device.name,
		address, address,
		"mtu", strconv.Itoa(device.mtu),
		"up")
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// utun reads and writes carry a 4 byte protocol family header ahead of the
// IP datagram.

func readDevicePacket(file *os.File, buf []byte) (int, error) {

	prefixed := make([]byte, len(buf)+4)
	n, err := file.Read(prefixed)
	if err != nil {
		return 0, err
	}
	if n < 4 {
		return 0, errors.TraceNew("short utun read")
	}
	copy(buf, prefixed[4:n])
	return n - 4, nil
}

func writeDevicePacket(file *os.File, packet []byte) error {

	if len(packet) == 0 {
		return errors.TraceNew("empty packet")
	}

	family := byte(unix.AF_INET)
	if packet[0]>>4 == 6 {
		family = byte(unix.AF_INET6)
	}

	prefixed := make([]byte, 0, len(packet)+4)
	prefixed = append(prefixed, 0, 0, 0, family)
	prefixed = append(prefixed, packet...)

	_, err := file.Write(prefixed)
	return err
}
