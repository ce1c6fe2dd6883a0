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
	"strings"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
)

func addHostRouteCommand(IP net.IP, ifaceIndex int, ifaceName string) routeCommand {
	return addHostRouteCommandForOS("darwin", IP, ifaceIndex, ifaceName)
}

func removeHostRouteCommand(IP net.IP) routeCommand {
	return removeHostRouteCommandForOS("darwin", IP)
}

// interfaceIndexFallback rescans the interface table with case-insensitive
// matching; utun device names are reported lowercase.
func interfaceIndexFallback(name string) (int, error) {

	interfaces, err := net.Interfaces()
	if err != nil {
		return 0, errors.Trace(err)
	}

	for _, iface := range interfaces {
		if strings.EqualFold(iface.Name, name) {
			return iface.Index, nil
		}
	}

	return 0, errors.Tracef("no interface %s", name)
}
