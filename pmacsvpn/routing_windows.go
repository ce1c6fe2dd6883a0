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
	"net"
	"os/exec"
	"strconv"
	"strings"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
)

func addHostRouteCommand(IP net.IP, ifaceIndex int, ifaceName string) routeCommand {
	return addHostRouteCommandForOS("windows", IP, ifaceIndex, ifaceName)
}

func removeHostRouteCommand(IP net.IP) routeCommand {
	return removeHostRouteCommandForOS("windows", IP)
}

// interfaceIndexFallback parses "netsh int ipv4 show interfaces" output,
// matching the interface name in the final column. Wintun adapters can take
// a moment to register with the IP stack, making the native lookup fail
// right after device creation.
func interfaceIndexFallback(name string) (int, error) {

	output, err := exec.Command(
		"netsh", "int", "ipv4", "show", "interfaces").Output()
	if err != nil {
		return 0, errors.Trace(err)
	}

	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 5 {
			continue
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ifaceName := strings.Join(fields[4:], " ")
		if strings.EqualFold(ifaceName, name) {
			return index, nil
		}
	}

	return 0, errors.Tracef("no interface %s", name)
}
