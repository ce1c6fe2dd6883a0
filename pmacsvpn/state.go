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
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
	"github.com/shirou/gopsutil/v4/process"
)

// PersistentState is the crash-safe on-disk record of a running or
// interrupted tunnel. It is written atomically on establishment and deleted
// on graceful teardown; its presence with a dead pid marks a crashed prior
// run whose routes and name-table entries must be cleaned before a new
// connect proceeds.
//
// Invariant: every hostname in Routes has a matching name-table entry with
// the same IP.
type PersistentState struct {
	PID         int               `json:"pid"`
	TunnelName  string            `json:"tunnel_name"`
	InternalIP  string            `json:"internal_ip"`
	Gateway     string            `json:"gateway"`
	Routes      map[string]string `json:"routes"`
	DNSRoutes   []string          `json:"dns_routes"`
	HostEntries map[string]string `json:"host_entries"`
	ConnectedAt time.Time         `json:"connected_at"`
}

const (
	stateFilename   = "state.json"
	handoffFilename = "auth-token.json"

	// A handoff older than this is stale and refused; the daemon spawn
	// window is far shorter in practice.
	handoffValidity = 5 * time.Minute
)

// StatePath returns the persistent state file location.
func StatePath() (string, error) {
	dir, err := StateDirectory()
	if err != nil {
		return "", errors.Trace(err)
	}
	return filepath.Join(dir, stateFilename), nil
}

// HandoffPath returns the auth handoff file location.
func HandoffPath() (string, error) {
	dir, err := StateDirectory()
	if err != nil {
		return "", errors.Trace(err)
	}
	return filepath.Join(dir, handoffFilename), nil
}

// RouteIPs returns all installed route addresses, per-host and DNS-server
// routes alike.
func (state *PersistentState) RouteIPs() []net.IP {
	IPs := make([]net.IP, 0, len(state.Routes)+len(state.DNSRoutes))
	for _, value := range state.Routes {
		if IP := net.ParseIP(value); IP != nil {
			IPs = append(IPs, IP)
		}
	}
	for _, value := range state.DNSRoutes {
		if IP := net.ParseIP(value); IP != nil {
			IPs = append(IPs, IP)
		}
	}
	return IPs
}

// IsProcessAlive reports whether the recorded data-plane process is still
// running.
func (state *PersistentState) IsProcessAlive() bool {
	if state.PID <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(state.PID))
	if err != nil {
		return false
	}
	return exists
}

// SaveState writes the state file atomically: temporary file in the same
// directory, then rename.
func SaveState(state *PersistentState) error {

	path, err := StatePath()
	if err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(writeFileAtomic(path, state, 0600))
}

// LoadState reads the persistent state. A missing file returns nil with no
// error: no tunnel is, or was meant to be, running.
func LoadState() (*PersistentState, error) {

	path, err := StatePath()
	if err != nil {
		return nil, errors.Trace(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Trace(err)
	}

	var state PersistentState
	err = json.Unmarshal(data, &state)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &state, nil
}

// DeleteState removes the state file. Missing is not an error.
func DeleteState() error {

	path, err := StatePath()
	if err != nil {
		return errors.Trace(err)
	}

	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}

	return nil
}

// AuthHandoff conveys an authenticated session from the foreground parent to
// the detached daemon child. The parent writes it, the child reads and
// deletes it before opening any socket. Never passed on the command line.
type AuthHandoff struct {
	Gateway     string             `json:"gateway"`
	Username    string             `json:"username"`
	AuthCookie  string             `json:"auth_cookie"`
	Portal      string             `json:"portal"`
	Domain      string             `json:"domain"`
	GatewayName string             `json:"gateway_name"`
	Hosts       []string           `json:"hosts"`
	Preferences *PreferencesConfig `json:"preferences"`
	WrittenAt   time.Time          `json:"written_at"`
}

// WriteHandoff persists the handoff document for the daemon child.
func WriteHandoff(handoff *AuthHandoff) error {

	path, err := HandoffPath()
	if err != nil {
		return errors.Trace(err)
	}

	handoff.WrittenAt = time.Now()

	return errors.Trace(writeFileAtomic(path, handoff, 0600))
}

// ConsumeHandoff reads and immediately deletes the handoff document. A
// handoff past its validity window is deleted and refused.
func ConsumeHandoff() (*AuthHandoff, error) {

	path, err := HandoffPath()
	if err != nil {
		return nil, errors.Trace(err)
	}

	data, err := os.ReadFile(path)

	// Delete before parsing: the handoff must not outlive the spawn
	// window even when it fails to parse.
	_ = os.Remove(path)

	if err != nil {
		return nil, errors.Trace(err)
	}

	var handoff AuthHandoff
	err = json.Unmarshal(data, &handoff)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if time.Since(handoff.WrittenAt) > handoffValidity {
		return nil, errors.TraceNew("auth handoff expired")
	}

	return &handoff, nil
}

func writeFileAtomic(path string, value interface{}, mode os.FileMode) error {

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}

	dir := filepath.Dir(path)
	temp, err := os.CreateTemp(dir, ".pmacs-vpn-*")
	if err != nil {
		return errors.Trace(err)
	}
	tempName := temp.Name()

	_, err = temp.Write(data)
	if err == nil {
		err = temp.Sync()
	}
	closeErr := temp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tempName, mode)
	}
	if err == nil {
		err = os.Rename(tempName, path)
	}
	if err != nil {
		_ = os.Remove(tempName)
		return errors.Trace(err)
	}

	return nil
}
