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
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
)

// HostsEditor maintains a scoped, marker-delimited block in the system
// host-to-address file. All mutations rewrite the whole file atomically:
// write to a temporary file in the same directory, then rename over the
// original, so concurrent readers never observe a torn file.
const (
	hostsMarkerBegin = "# BEGIN pmacs-vpn"
	hostsMarkerEnd   = "# END pmacs-vpn"
)

type HostsEditor struct {
	path string
}

// NewHostsEditor returns an editor for the platform hosts file.
func NewHostsEditor() *HostsEditor {
	path := "/etc/hosts"
	if runtime.GOOS == "windows" {
		path = filepath.Join(
			os.Getenv("SystemRoot"), "System32", "drivers", "etc", "hosts")
	}
	return &HostsEditor{path: path}
}

// NewHostsEditorWithPath returns an editor for an arbitrary hosts file.
func NewHostsEditorWithPath(path string) *HostsEditor {
	return &HostsEditor{path: path}
}

// Apply replaces the marker-delimited block with one entry per host. Entries
// are written in sorted host order. An empty map removes the block.
func (editor *HostsEditor) Apply(entries map[string]net.IP) error {

	content, err := os.ReadFile(editor.path)
	if err != nil {
		return errors.NewBoundary(errors.KindTunnelNameTable, err)
	}

	updated := removeMarkedBlock(string(content))

	if len(entries) > 0 {

		hostnames := make([]string, 0, len(entries))
		for hostname := range entries {
			hostnames = append(hostnames, hostname)
		}
		sort.Strings(hostnames)

		var block strings.Builder
		block.WriteString(hostsMarkerBegin)
		block.WriteString("\n")
		for _, hostname := range hostnames {
			fmt.Fprintf(&block, "%s\t%s\n", entries[hostname].String(), hostname)
		}
		block.WriteString(hostsMarkerEnd)
		block.WriteString("\n")

		updated = strings.TrimRight(updated, "\n") + "\n\n" + block.String()
	}

	err = editor.writeAtomic(updated)
	if err != nil {
		return errors.NewBoundary(errors.KindTunnelNameTable, err)
	}

	return nil
}

// Clear removes the marker-delimited block. Clearing a file with no block is
// a no-op.
func (editor *HostsEditor) Clear() error {
	return errors.Trace(editor.Apply(nil))
}

// Entries returns the hostnames and addresses currently present in the
// marker-delimited block.
func (editor *HostsEditor) Entries() (map[string]net.IP, error) {

	content, err := os.ReadFile(editor.path)
	if err != nil {
		return nil, errors.Trace(err)
	}

	entries := make(map[string]net.IP)
	inBlock := false
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == hostsMarkerBegin {
			inBlock = true
			continue
		}
		if trimmed == hostsMarkerEnd {
			break
		}
		if !inBlock || trimmed == "" {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) != 2 {
			continue
		}
		IP := net.ParseIP(fields[0])
		if IP == nil {
			continue
		}
		entries[fields[1]] = IP
	}

	return entries, nil
}

func (editor *HostsEditor) writeAtomic(content string) error {

	info, err := os.Stat(editor.path)
	if err != nil {
		return errors.Trace(err)
	}

	dir := filepath.Dir(editor.path)
	temp, err := os.CreateTemp(dir, ".pmacs-vpn-hosts-*")
	if err != nil {
		return errors.Trace(err)
	}
	tempName := temp.Name()

	_, err = temp.WriteString(content)
	if err == nil {
		err = temp.Sync()
	}
	closeErr := temp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tempName, info.Mode().Perm())
	}
	if err == nil {
		err = os.Rename(tempName, editor.path)
	}
	if err != nil {
		_ = os.Remove(tempName)
		return errors.Trace(err)
	}

	return nil
}

func removeMarkedBlock(content string) string {

	var result strings.Builder
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == hostsMarkerBegin {
			inBlock = true
			continue
		}
		if trimmed == hostsMarkerEnd {
			inBlock = false
			continue
		}
		if !inBlock {
			result.WriteString(line)
			result.WriteString("\n")
		}
	}

	// Split leaves one trailing empty element for newline-terminated input.
	return strings.TrimSuffix(result.String(), "\n")
}
