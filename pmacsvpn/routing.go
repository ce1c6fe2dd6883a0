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

// Router installs and removes per-host /32 routes directed at the tunnel
// interface. Route changes shell out to the platform utility; command
// construction is separated from execution so the issued arguments are
// testable.
type Router struct {
	ifaceName  string
	ifaceIndex int
	run        func(name string, args ...string) error
}

// NewRouter returns a Router for the named tunnel interface, resolving its
// numeric OS interface index.
func NewRouter(ifaceName string) (*Router, error) {

	index, err := InterfaceIndex(ifaceName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Router{
		ifaceName:  ifaceName,
		ifaceIndex: index,
		run:        runRouteCommand,
	}, nil
}

// InterfaceIndex resolves the numeric OS interface index for name. The
// native lookup is tried first; platform utility output is the slow-path
// fallback for drivers that register late.
func InterfaceIndex(name string) (int, error) {

	iface, err := net.InterfaceByName(name)
	if err == nil {
		return iface.Index, nil
	}

	index, fallbackErr := interfaceIndexFallback(name)
	if fallbackErr != nil {
		return 0, errors.Tracef(
			"interface index for %s: %v; fallback: %v", name, err, fallbackErr)
	}

	return index, nil
}

// AddHostRoute installs a /32 route for IP directed out of the tunnel
// interface.
func (router *Router) AddHostRoute(IP net.IP) error {

	if IP == nil || IP.To4() == nil {
		return errors.NewBoundaryf(errors.KindTunnelRoute, "not an IPv4 address")
	}

	command := addHostRouteCommand(IP, router.ifaceIndex, router.ifaceName)

	err := router.run(command.name, command.args...)
	if err != nil {
		return errors.NewBoundary(errors.KindTunnelRoute, err)
	}

	log.WithContextFields(LogFields{
		"destination": IP.String(),
		"interface":   router.ifaceName,
	}).Debug("added host route")

	return nil
}

// RemoveHostRoute removes the /32 route for IP. Removal is idempotent:
// a missing route is not an error.
func (router *Router) RemoveHostRoute(IP net.IP) error {

	if IP == nil || IP.To4() == nil {
		return errors.NewBoundaryf(errors.KindTunnelRoute, "not an IPv4 address")
	}

	command := removeHostRouteCommand(IP)

	err := router.run(command.name, command.args...)
	if err != nil {
		if isRouteNotFound(err) {
			return nil
		}
		return errors.NewBoundary(errors.KindTunnelRoute, err)
	}

	return nil
}

type routeCommand struct {
	name string
	args []string
}

// addHostRouteCommandForOS builds the platform route-add invocation. On
// Windows, "route add" takes both a gateway argument and an interface index;
// the gateway must be the unspecified address to request on-link semantics
// through the point-to-point tunnel interface. Passing the tunnel's own IP
// is silently accepted and silently misroutes.
func addHostRouteCommandForOS(
	GOOS string, IP net.IP, ifaceIndex int, ifaceName string) routeCommand {

	switch GOOS {
	case "windows":
		return routeCommand{
			name: "route",
			args: []string{
				"add", IP.String(),
				"mask", "255.255.255.255",
				"0.0.0.0",
				"if", strconv.Itoa(ifaceIndex),
			},
		}
	case "darwin":
		return routeCommand{
			name: "route",
			args: []string{
				"-n", "add",
				"-host", IP.String(),
				"-interface", ifaceName,
			},
		}
	default:
		return routeCommand{
			name: "ip",
			args: []string{
				"route", "replace",
				IP.String() + "/32",
				"dev", ifaceName,
			},
		}
	}
}

func removeHostRouteCommandForOS(GOOS string, IP net.IP) routeCommand {

	switch GOOS {
	case "windows":
		return routeCommand{
			name: "route",
			args: []string{"delete", IP.String()},
		}
	case "darwin":
		return routeCommand{
			name: "route",
			args: []string{"-n", "delete", "-host", IP.String()},
		}
	default:
		return routeCommand{
			name: "ip",
			args: []string{"route", "del", IP.String() + "/32"},
		}
	}
}

func isRouteNotFound(err error) bool {
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "no such process") ||
		strings.Contains(message, "not found") ||
		strings.Contains(message, "no such route")
}

func runRouteCommand(name string, args ...string) error {

	output, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return errors.Tracef(
			"command %s %s failed: %v: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}

	return nil
}
