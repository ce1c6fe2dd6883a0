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
	"net/url"
	"regexp"
)

// Redaction is a hard contract of the portal conversation: auth cookies,
// passwords, passcodes, and challenge continuation tokens must be elided
// before any response body or form payload reaches a log, at any verbosity.

var redactFormValueRegex = regexp.MustCompile(
	`(?i)((?:passwd|passcode|authcookie|portal-userauthcookie|inputStr)=)[^&\s"']*`)

var redactScriptValueRegex = regexp.MustCompile(
	`(?i)((?:inputStr|respMsg)\.?(?:value)?\s*=\s*")[^"]*(")`)

var redactHexTokenRegex = regexp.MustCompile(
	`\b[0-9a-fA-F]{32}\b`)

// RedactAuthValues elides credential and session material from s: known
// sensitive form parameters, challenge JavaScript assignments, and any 32
// hex character token (the auth cookie shape).
func RedactAuthValues(s string) string {
	s = redactFormValueRegex.ReplaceAllString(s, "${1}[redacted]")
	s = redactScriptValueRegex.ReplaceAllString(s, "${1}[redacted]${2}")
	s = redactHexTokenRegex.ReplaceAllString(s, "[redacted]")
	return s
}

// RedactURLError transforms an error, when it is a url.Error, removing the
// URL value, which may embed credential query parameters.
func RedactURLError(err error) error {
	if urlErr, ok := err.(*url.Error); ok {
		err = &url.Error{
			Op:  urlErr.Op,
			URL: "",
			Err: urlErr.Err,
		}
	}
	return err
}
