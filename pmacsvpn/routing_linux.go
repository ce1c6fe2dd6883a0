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
	return addHostRouteCommandForOS("linux", IP, ifaceIndex, ifaceName)
}

func removeHostRouteCommand(IP net.IP) routeCommand {
	return removeHostRouteCommandForOS("linux", IP)
}

// interfaceIndexFallback parses "ip -o link show dev <name>" output of the
// form "12: tun0: <...>" for drivers that are not yet visible to the
// net package.
func interfaceIndexFallback(name string) (int, error) {

	output, err := exec.Command("ip", "-o", "link", "show", "dev", name).Output()
	if err != nil {
		return 0, errors.Trace(err)
	}

	fields := strings.SplitN(strings.TrimSpace(string(output)), ":", 2)
	if len(fields) < 2 {
		return 0, errors.Tracef("unexpected ip link output for %s", name)
	}

	index, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return 0, errors.Trace(err)
	}

	return index, nil
}
