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
	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
	"golang.org/x/sys/windows"
)

// CheckPrivilege verifies the process token is elevated. The returned
// error carries the platform elevation hint.
func CheckPrivilege() error {
	if !windows.GetCurrentProcessToken().IsElevated() {
		return errors.NewBoundaryf(
			errors.KindPrivilege,
			"administrator privileges required; run from an elevated prompt")
	}
	return nil
}
