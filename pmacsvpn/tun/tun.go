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

/*

Package tun creates and drives the user-space layer-3 tunnel interface. The
device delivers raw IP datagrams to the process; reads and writes integrate
with the runtime poller, so a blocked Read is released by Close.

The OS-level interface must not outlive the Device: Close destroys it.

*/
package tun

import (
	"net"
	"os/exec"
	"strings"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
)

const (
	// DefaultMTU is used when the server-supplied MTU is 0 or absent.
	DefaultMTU = 1400

	defaultDeviceName = "pmacs-vpn"
)

// Config specifies the tunnel interface to create.
type Config struct {

	// Name is the requested device name. Platforms that assign names
	// (darwin utun) ignore it; Device.Name reports the effective name.
	Name string

	// IPv4Address is the tunnel's assigned internal address.
	IPv4Address net.IP

	// MTU is the interface MTU; 0 selects DefaultMTU.
	MTU int
}

func (config *Config) deviceName() string {
	if config.Name != "" {
		return config.Name
	}
	return defaultDeviceName
}

func getMTU(MTU int) int {
	if MTU <= 0 {
		return DefaultMTU
	}
	return MTU
}

// CreateDevice creates and configures the tunnel interface.
func CreateDevice(config *Config) (*Device, error) {

	if config.IPv4Address == nil || config.IPv4Address.To4() == nil {
		return nil, errors.TraceNew("tunnel requires an IPv4 address")
	}

	device, err := createDevice(config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return device, nil
}

func runCommand(name string, args ...string) error {

	output, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return errors.Tracef(
			"command %s %s failed: %v: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}

	return nil
}
