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
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMTU(t *testing.T) {
	assert.Equal(t, 1400, getMTU(0))
	assert.Equal(t, 1400, getMTU(-1))
	assert.Equal(t, 1350, getMTU(1350))
}

func TestConfigDeviceName(t *testing.T) {
	assert.Equal(t, "pmacs-vpn", (&Config{}).deviceName())
	assert.Equal(t, "tun7", (&Config{Name: "tun7"}).deviceName())
}

func TestCreateDeviceRequiresIPv4(t *testing.T) {

	_, err := CreateDevice(&Config{})
	assert.Error(t, err)

	_, err = CreateDevice(&Config{IPv4Address: net.ParseIP("2001:db8::1")})
	assert.Error(t, err)
}

// Device creation requires privilege and a tun-capable kernel; exercised
// only when explicitly requested.
func TestCreateDevice(t *testing.T) {

	if os.Getenv("PMACS_VPN_TUN_TEST") == "" {
		t.Skip("set PMACS_VPN_TUN_TEST to run device creation test")
	}

	device, err := CreateDevice(&Config{
		IPv4Address: net.ParseIP("10.156.56.32"),
		MTU:         0,
	})
	require.NoError(t, err)
	defer device.Close()

	assert.NotEmpty(t, device.Name())
	assert.Equal(t, 1400, device.MTU())
}
