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
	"bytes"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactFormValues(t *testing.T) {

	form := "user=jdoe&passwd=hunter2&ok=Login&jnlpReady=jnlpReady&inputStr=challenge-token-123"
	redacted := RedactAuthValues(form)

	assert.NotContains(t, redacted, "hunter2")
	assert.NotContains(t, redacted, "challenge-token-123")
	assert.Contains(t, redacted, "user=jdoe")
	assert.Contains(t, redacted, "ok=Login")
}

func TestRedactChallengeScript(t *testing.T) {

	body := `var respStatus = "Challenge";
var respMsg = "Enter passcode";
thisForm.inputStr.value = "5892051823091341";`

	redacted := RedactAuthValues(body)
	assert.NotContains(t, redacted, "5892051823091341")
	assert.Contains(t, redacted, "respStatus")
}

func TestRedactAuthCookie(t *testing.T) {

	body := "authcookie=ec85fe94925569dbaaaaaaaaaaaaaaaa and bare ec85fe94925569dbaaaaaaaaaaaaaaaa"
	redacted := RedactAuthValues(body)
	assert.NotContains(t, redacted, "ec85fe94925569db")
}

// Any challenge token or cookie surviving into log output at any verbosity
// is a redaction failure.
func TestRedactionInLogOutput(t *testing.T) {

	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)
	SetLogVerbose(true)
	defer SetLogVerbose(false)

	token := "ec85fe94925569dbaaaaaaaaaaaaaaaa"
	body := "login response: authcookie=" + token

	log.WithContextFields(LogFields{
		"body": RedactAuthValues(body),
	}).Debug("portal response")

	output := buf.String()
	require.True(t, len(output) > 0)
	assert.False(t, strings.Contains(output, token))
}

func TestRedactURLError(t *testing.T) {

	urlErr := &url.Error{
		Op:  "Get",
		URL: "https://gateway/ssl-tunnel-connect.sslvpn?authcookie=secret",
		Err: assert.AnError,
	}

	redacted := RedactURLError(urlErr)
	assert.NotContains(t, redacted.Error(), "authcookie")
}
