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
	"path/filepath"
	"strconv"
	"sync"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
	"golang.org/x/sys/windows"
	wgtun "golang.zx2c4.com/wireguard/tun"
)

// Device is the open wintun adapter. Close destroys the OS-level interface.
type Device struct {
	name      string
	mtu       int
	wgDevice  wgtun.Device
	readBufs  [][]byte
	readSizes []int
	closeOnce sync.Once
	closeErr  error
}

func createDevice(config *Config) (*Device, error) {

	err := ensureWintunDLL()
	if err != nil {
		return nil, errors.Trace(err)
	}

	mtu := getMTU(config.MTU)

	wgDevice, err := wgtun.CreateTUN(config.deviceName(), mtu)
	if err != nil {
		return nil, errors.TraceMsg(err, "wintun create failed")
	}

	name, err := wgDevice.Name()
	if err != nil {
		wgDevice.Close()
		return nil, errors.Trace(err)
	}

	device := &Device{
		name:      name,
		mtu:       mtu,
		wgDevice:  wgDevice,
		readBufs:  [][]byte{make([]byte, 65535)},
		readSizes: []int{0},
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
		"netsh", "interface", "ip", "set", "address",
		"name="+device.name, "static", address, "255.255.255.255")
	if err != nil {
		return errors.Trace(err)
	}

	err = runCommand(
		"netsh", "interface", "ipv4", "set", "subinterface",
		device.name, "mtu="+strconv.Itoa(device.mtu), "store=active")
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// Name returns the effective interface name.
func (device *Device) Name() string {
	return device.name
}

// MTU returns the configured interface MTU.
func (device *Device) MTU() int {
	return device.mtu
}

// ReadPacket reads one IP datagram into buf, returning its length.
func (device *Device) ReadPacket(buf []byte) (int, error) {

	for {
		n, err := device.wgDevice.Read(device.readBufs, device.readSizes, 0)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if n == 0 || device.readSizes[0] == 0 {
			continue
		}
		size := device.readSizes[0]
		copy(buf, device.readBufs[0][:size])
		return size, nil
	}
}

// WritePacket delivers one IP datagram to the interface.
func (device *Device) WritePacket(packet []byte) error {
	_, err := device.wgDevice.Write([][]byte{packet}, 0)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Close releases the adapter, destroying the OS-level interface and
// unblocking any in-flight ReadPacket.
func (device *Device) Close() error {
	device.closeOnce.Do(func() {
		device.closeErr = device.wgDevice.Close()
	})
	return device.closeErr
}

// embeddedWintunDLL is populated by the release build, which stamps the
// vendor wintun.dll into this slot. A source build leaves it empty and
// requires wintun.dll beside the executable.
var embeddedWintunDLL []byte

// ensureWintunDLL makes the wintun driver DLL loadable: the directory of
// the executable is checked first, then the DLL is extracted from the
// embedded blob. When the executable directory is not writable, a per-user
// writable directory is used and added to the DLL search path.
func ensureWintunDLL() error {

	executable, err := os.Executable()
	if err != nil {
		return errors.Trace(err)
	}
	executableDir := filepath.Dir(executable)

	dllPath := filepath.Join(executableDir, "wintun.dll")
	_, err = os.Stat(dllPath)
	if err == nil {
		return nil
	}

	if len(embeddedWintunDLL) == 0 {
		return errors.Tracef(
			"wintun.dll not found in %s and no embedded driver", executableDir)
	}

	err = os.WriteFile(dllPath, embeddedWintunDLL, 0644)
	if err == nil {
		return nil
	}

	// Executable directory not writable; fall back to per-user data.

	localAppData := os.Getenv("LOCALAPPDATA")
	if localAppData == "" {
		return errors.TraceMsg(err, "no writable location for wintun.dll")
	}

	fallbackDir := filepath.Join(localAppData, "pmacs-vpn")
	mkdirErr := os.MkdirAll(fallbackDir, 0755)
	if mkdirErr != nil {
		return errors.Trace(mkdirErr)
	}

	fallbackPath := filepath.Join(fallbackDir, "wintun.dll")
	writeErr := os.WriteFile(fallbackPath, embeddedWintunDLL, 0644)
	if writeErr != nil {
		return errors.Trace(writeErr)
	}

	setErr := windows.SetDllDirectory(fallbackDir)
	if setErr != nil {
		return errors.Trace(setErr)
	}

	return nil
}
