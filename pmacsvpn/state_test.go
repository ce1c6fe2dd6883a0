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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setTestStateDir(t *testing.T) string {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("USERPROFILE", "")
	return dir
}

func TestStateRoundTrip(t *testing.T) {

	setTestStateDir(t)

	loaded, err := LoadState()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	state := &PersistentState{
		PID:        os.Getpid(),
		TunnelName: "tun0",
		InternalIP: "10.156.56.32",
		Gateway:    "gateway.example.org",
		Routes: map[string]string{
			"prometheus.example.org": "128.91.22.200",
		},
		HostEntries: map[string]string{
			"prometheus.example.org": "128.91.22.200",
		},
		ConnectedAt: time.Now(),
	}
	require.NoError(t, SaveState(state))

	loaded, err = LoadState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, state.TunnelName, loaded.TunnelName)
	assert.Equal(t, state.Routes, loaded.Routes)
	assert.True(t, loaded.IsProcessAlive())

	require.Len(t, loaded.RouteIPs(), 1)
	assert.Equal(t, "128.91.22.200", loaded.RouteIPs()[0].String())

	require.NoError(t, DeleteState())
	loaded, err = LoadState()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Deleting again is a no-op.
	require.NoError(t, DeleteState())
}

func TestStateDeadProcess(t *testing.T) {

	setTestStateDir(t)

	// A pid from the far end of the valid range is almost certainly unused;
	// 0 and negative pids are never alive.
	state := &PersistentState{PID: 0}
	assert.False(t, state.IsProcessAlive())

	state.PID = 1 << 22
	assert.False(t, state.IsProcessAlive())
}

func TestHandoffConsumeOnce(t *testing.T) {

	setTestStateDir(t)

	handoff := &AuthHandoff{
		Gateway:    "gateway.example.org",
		Username:   "jdoe",
		AuthCookie: testAuthCookie,
		Portal:     "PMACS-Portal",
		Domain:     "uphs",
		Hosts:      []string{"prometheus.example.org"},
		Preferences: &PreferencesConfig{
			DuoMethod:          "push",
			InboundTimeoutSecs: 45,
		},
	}
	require.NoError(t, WriteHandoff(handoff))

	consumed, err := ConsumeHandoff()
	require.NoError(t, err)
	assert.Equal(t, handoff.AuthCookie, consumed.AuthCookie)
	assert.Equal(t, handoff.Hosts, consumed.Hosts)

	// The handoff is single use.
	path, err := HandoffPath()
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = ConsumeHandoff()
	assert.Error(t, err)
}

func TestHandoffExpired(t *testing.T) {

	setTestStateDir(t)

	// WriteHandoff stamps WrittenAt, so write a backdated raw document.
	path, err := HandoffPath()
	require.NoError(t, err)

	stale := `{"gateway":"gateway.example.org","auth_cookie":"` +
		testAuthCookie + `","written_at":"2020-01-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(path, []byte(stale), 0600))

	_, err = ConsumeHandoff()
	assert.Error(t, err)

	// Expired handoffs are deleted on consumption.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
