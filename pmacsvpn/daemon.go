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
	"os/exec"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
)

// DaemonChildFlag marks the spawned data-plane process. The child reads
// and deletes the auth handoff before opening any socket; authentication
// material is never passed on the command line.
const DaemonChildFlag = "--daemon-child"

// spawnDaemonChild re-executes this binary as a detached data-plane
// process. The working directory is set explicitly: the child does not
// inherit the parent's interactive directory on all platforms.
func spawnDaemonChild(aggressiveKeepalive bool) (int, error) {

	executable, err := os.Executable()
	if err != nil {
		return 0, errors.Trace(err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return 0, errors.Trace(err)
	}

	args := []string{"connect", DaemonChildFlag}
	if aggressiveKeepalive {
		args = append(args, "--keep-alive")
	}

	command := exec.Command(executable, args...)
	command.Dir = workingDir
	command.Stdin = nil
	command.Stdout = nil
	command.Stderr = nil
	command.SysProcAttr = detachedSysProcAttr()

	err = command.Start()
	if err != nil {
		return 0, errors.Trace(err)
	}

	pid := command.Process.Pid

	// The parent exits without waiting; release avoids retaining the
	// process handle.
	err = command.Process.Release()
	if err != nil {
		return pid, errors.Trace(err)
	}

	return pid, nil
}
