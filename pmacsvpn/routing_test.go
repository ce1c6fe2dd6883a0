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
	"testing"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The Windows route-add command takes both a gateway argument and an
// interface index. The gateway argument must be the unspecified address to
// denote on-link through the point-to-point tunnel interface; the tunnel's
// own IP would be silently accepted and silently misroute.
func TestWindowsRouteOnLink(t *testing.T) {

	command := addHostRouteCommandForOS(
		"windows", net.ParseIP("128.91.22.200"), 86, "pmacs-vpn")

	assert.Equal(t, "route", command.name)
	assert.Equal(t,
		[]string{"add", "128.91.22.200", "mask", "255.255.255.255", "0.0.0.0", "if", "86"},
		command.args)
	assert.NotContains(t, command.args, "10.156.56.32")
}

func TestLinuxRouteCommands(t *testing.T) {

	add := addHostRouteCommandForOS(
		"linux", net.ParseIP("128.91.22.200"), 86, "tun0")
	assert.Equal(t, "ip", add.name)
	assert.Equal(t,
		[]string{"route", "replace", "128.91.22.200/32", "dev", "tun0"},
		add.args)

	remove := removeHostRouteCommandForOS("linux", net.ParseIP("128.91.22.200"))
	assert.Equal(t,
		[]string{"route", "del", "128.91.22.200/32"},
		remove.args)
}

func TestDarwinRouteCommands(t *testing.T) {

	add := addHostRouteCommandForOS(
		"darwin", net.ParseIP("128.91.22.200"), 86, "utun3")
	assert.Equal(t, "route", add.name)
	assert.Equal(t,
		[]string{"-n", "add", "-host", "128.91.22.200", "-interface", "utun3"},
		add.args)
}

func TestRouterAddRemove(t *testing.T) {

	var issued []routeCommand
	router := &Router{
		ifaceName:  "tun0",
		ifaceIndex: 7,
		run: func(name string, args ...string) error {
			issued = append(issued, routeCommand{name: name, args: args})
			return nil
		},
	}

	require.NoError(t, router.AddHostRoute(net.ParseIP("128.91.22.200")))
	require.NoError(t, router.RemoveHostRoute(net.ParseIP("128.91.22.200")))
	require.Len(t, issued, 2)

	err := router.AddHostRoute(net.ParseIP("2001:db8::1"))
	assert.Equal(t, errors.KindTunnelRoute, errors.GetKind(err))
}

func TestRemoveHostRouteIdempotent(t *testing.T) {

	router := &Router{
		ifaceName:  "tun0",
		ifaceIndex: 7,
		run: func(name string, args ...string) error {
			return errors.TraceNew("RTNETLINK answers: No such process")
		},
	}

	assert.NoError(t, router.RemoveHostRoute(net.ParseIP("128.91.22.200")))
}

func TestAddHostRouteFailure(t *testing.T) {

	router := &Router{
		ifaceName:  "tun0",
		ifaceIndex: 7,
		run: func(name string, args ...string) error {
			return errors.TraceNew("operation not permitted")
		},
	}

	err := router.AddHostRoute(net.ParseIP("128.91.22.200"))
	assert.Equal(t, errors.KindTunnelRoute, errors.GetKind(err))
}

func TestInterfaceIndexLoopback(t *testing.T) {

	interfaces, err := net.Interfaces()
	require.NoError(t, err)
	if len(interfaces) == 0 {
		t.Skip("no interfaces")
	}

	index, err := InterfaceIndex(interfaces[0].Name)
	require.NoError(t, err)
	assert.Equal(t, interfaces[0].Index, index)
}
