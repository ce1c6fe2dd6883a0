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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostsFixture = `127.0.0.1	localhost
::1	localhost

10.0.0.5	workstation
`

func newTestHostsEditor(t *testing.T) *HostsEditor {
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte(hostsFixture), 0644))
	return NewHostsEditorWithPath(path)
}

func TestHostsApplyAndClear(t *testing.T) {

	editor := newTestHostsEditor(t)

	entries := map[string]net.IP{
		"prometheus.example.org": net.ParseIP("128.91.22.200"),
		"mercury.example.org":    net.ParseIP("128.91.22.201"),
	}
	require.NoError(t, editor.Apply(entries))

	content, err := os.ReadFile(editor.path)
	require.NoError(t, err)
	text := string(content)

	assert.Contains(t, text, "127.0.0.1\tlocalhost")
	assert.Contains(t, text, "# BEGIN pmacs-vpn")
	assert.Contains(t, text, "# END pmacs-vpn")
	assert.Contains(t, text, "128.91.22.200\tprometheus.example.org")
	assert.Contains(t, text, "128.91.22.201\tmercury.example.org")

	// Sorted entry order keeps repeated applies byte-stable.
	assert.Less(t,
		strings.Index(text, "mercury.example.org"),
		strings.Index(text, "prometheus.example.org"))

	readBack, err := editor.Entries()
	require.NoError(t, err)
	require.Len(t, readBack, 2)
	assert.True(t, readBack["prometheus.example.org"].Equal(net.ParseIP("128.91.22.200")))

	require.NoError(t, editor.Clear())

	content, err = os.ReadFile(editor.path)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "pmacs-vpn")
	assert.Contains(t, string(content), "workstation")

	readBack, err = editor.Entries()
	require.NoError(t, err)
	assert.Empty(t, readBack)
}

func TestHostsApplyReplacesBlock(t *testing.T) {

	editor := newTestHostsEditor(t)

	require.NoError(t, editor.Apply(map[string]net.IP{
		"old.example.org": net.ParseIP("10.1.1.1"),
	}))
	require.NoError(t, editor.Apply(map[string]net.IP{
		"new.example.org": net.ParseIP("10.2.2.2"),
	}))

	content, err := os.ReadFile(editor.path)
	require.NoError(t, err)
	text := string(content)

	assert.NotContains(t, text, "old.example.org")
	assert.Contains(t, text, "new.example.org")
	assert.Equal(t, 1, strings.Count(text, "# BEGIN pmacs-vpn"))
}

func TestHostsClearIdempotent(t *testing.T) {

	editor := newTestHostsEditor(t)

	require.NoError(t, editor.Clear())
	require.NoError(t, editor.Clear())

	content, err := os.ReadFile(editor.path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "localhost")
}

func TestHostsUnwritable(t *testing.T) {

	editor := NewHostsEditorWithPath(
		filepath.Join(t.TempDir(), "missing", "hosts"))

	err := editor.Apply(map[string]net.IP{
		"host.example.org": net.ParseIP("10.1.1.1"),
	})
	assert.Error(t, err)
}
