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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAuthCookie = "ec85fe94925569dbaaaaaaaaaaaaaaaa"

const preloginSuccessXML = `<prelogin-response>
<status>Success</status>
<username-label>Username</username-label>
<password-label>Password</password-label>
</prelogin-response>`

const challengeHTML = `<html><head>
<script>
var respStatus = "Challenge";
var respMsg = "Duo two-factor login";
thisForm.inputStr.value = "5892051823091341";
</script>
</head></html>`

func positionalJNLP(cookie string) string {
	return fmt.Sprintf(`<jnlp>
<application-desc>
<argument></argument>
<argument>%s</argument>
<argument>persistent-cookie-ignored</argument>
<argument>PMACS-GW</argument>
<argument>jdoe</argument>
<argument>PMACS-Auth</argument>
<argument>vsys1</argument>
<argument>uphs</argument>
</application-desc>
</jnlp>`, cookie)
}

const labeledJNLP = `<jnlp>
<application-desc>
<argument>(auth-cookie)</argument>
<argument>ec85fe94925569dbaaaaaaaaaaaaaaaa</argument>
<argument>(portal)</argument>
<argument>PMACS-Portal</argument>
<argument>(domain)</argument>
<argument>uphs</argument>
<argument>(user)</argument>
<argument>jdoe</argument>
</application-desc>
</jnlp>`

// newTestPortal builds a PortalClient pointed at an httptest server.
func newTestPortal(t *testing.T, handler http.Handler) (*PortalClient, *httptest.Server) {

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	portal, err := NewPortalClient("gateway.example.org")
	require.NoError(t, err)
	portal.baseURL = server.URL
	portal.httpClient = server.Client()

	return portal, server
}

// Scenario: prelogin succeeds, the first login returns an HTML challenge,
// and the challenge response (passwd=push, inputStr echoed) returns a
// positional JNLP whose argument[1] is the auth cookie.
func TestAuthenticatePositionalJNLP(t *testing.T) {

	var loginCalls int

	mux := http.NewServeMux()
	mux.HandleFunc("/ssl-vpn/prelogin.esp", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, preloginSuccessXML)
	})
	mux.HandleFunc("/ssl-vpn/login.esp", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		loginCalls++

		// Required literal parameters on every login request.
		assert.Equal(t, "jnlpReady", r.PostForm.Get("jnlpReady"))
		assert.Equal(t, "Login", r.PostForm.Get("ok"))
		assert.Equal(t, "yes", r.PostForm.Get("direct"))
		assert.Equal(t, "4100", r.PostForm.Get("clientVer"))
		assert.Equal(t, "jdoe", r.PostForm.Get("user"))

		switch loginCalls {
		case 1:
			assert.Equal(t, "hunter2", r.PostForm.Get("passwd"))
			fmt.Fprint(w, challengeHTML)
		default:
			assert.Equal(t, "push", r.PostForm.Get("passwd"))
			assert.Equal(t, "5892051823091341", r.PostForm.Get("inputStr"))
			fmt.Fprint(w, positionalJNLP(testAuthCookie))
		}
	})

	portal, _ := newTestPortal(t, mux)

	outcome, err := portal.Prelogin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "password", outcome.AuthMethod)
	assert.Equal(t, AuthStateNeedCreds, portal.State())

	credential := &Credential{
		Username:  "jdoe",
		Password:  []byte("hunter2"),
		DuoMethod: "push",
	}
	defer credential.Zero()

	cookie, err := portal.Authenticate(context.Background(), credential)
	require.NoError(t, err)

	assert.Equal(t, testAuthCookie, cookie.Cookie)
	assert.Equal(t, "jdoe", cookie.Username)
	assert.Equal(t, "uphs", cookie.Domain)
	assert.Equal(t, "PMACS-GW", cookie.GatewayName)
	assert.Equal(t, 2, loginCalls)
	assert.Equal(t, AuthStateAuthenticated, portal.State())
}

func TestAuthenticateLabeledJNLP(t *testing.T) {

	mux := http.NewServeMux()
	mux.HandleFunc("/ssl-vpn/login.esp", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, labeledJNLP)
	})

	portal, _ := newTestPortal(t, mux)

	credential := &Credential{Username: "jdoe", Password: []byte("hunter2")}
	cookie, err := portal.Authenticate(context.Background(), credential)
	require.NoError(t, err)

	assert.Equal(t, testAuthCookie, cookie.Cookie)
	assert.Equal(t, "PMACS-Portal", cookie.Portal)
	assert.Equal(t, "uphs", cookie.Domain)
}

// Scenario: a deployment answering a login that lacks a required literal
// parameter with an empty 200. The state machine must fail with a protocol
// error rather than loop.
func TestAuthenticateEmpty200(t *testing.T) {

	mux := http.NewServeMux()
	mux.HandleFunc("/ssl-vpn/login.esp", func(w http.ResponseWriter, r *http.Request) {
		// Empty 200: the portal's response to a missing literal param.
	})

	portal, _ := newTestPortal(t, mux)

	credential := &Credential{Username: "jdoe", Password: []byte("hunter2")}
	_, err := portal.Authenticate(context.Background(), credential)
	require.Error(t, err)
	assert.Equal(t, errors.KindBadResponse, errors.GetKind(err))
	assert.Equal(t, AuthStateFailed, portal.State())
}

func TestAuthenticateWrongCredentials(t *testing.T) {

	mux := http.NewServeMux()
	mux.HandleFunc("/ssl-vpn/login.esp", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><script>
var respStatus = "Error";
var respMsg = "Invalid username or password";
</script></html>`)
	})

	portal, _ := newTestPortal(t, mux)

	credential := &Credential{Username: "jdoe", Password: []byte("wrong")}
	_, err := portal.Authenticate(context.Background(), credential)
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthCredentials, errors.GetKind(err))
}

func TestAuthenticateMfaRejected(t *testing.T) {

	var loginCalls int

	mux := http.NewServeMux()
	mux.HandleFunc("/ssl-vpn/login.esp", func(w http.ResponseWriter, r *http.Request) {
		loginCalls++
		if loginCalls == 1 {
			fmt.Fprint(w, challengeHTML)
			return
		}
		fmt.Fprint(w, `<html><script>
var respStatus = "Error";
var respMsg = "Login denied";
</script></html>`)
	})

	portal, _ := newTestPortal(t, mux)

	credential := &Credential{
		Username: "jdoe", Password: []byte("hunter2"), DuoMethod: "push",
	}
	_, err := portal.Authenticate(context.Background(), credential)
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthMfa, errors.GetKind(err))
}

func TestPreloginSAMLUnsupported(t *testing.T) {

	mux := http.NewServeMux()
	mux.HandleFunc("/ssl-vpn/prelogin.esp", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<prelogin-response>
<status>Success</status>
<saml-auth-method>REDIRECT</saml-auth-method>
</prelogin-response>`)
	})

	portal, _ := newTestPortal(t, mux)

	_, err := portal.Prelogin(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthUnsupported, errors.GetKind(err))
}

// Scenario: getconfig returning mtu 0, which means use 1400.
func TestGetConfigMTUZero(t *testing.T) {

	mux := http.NewServeMux()
	mux.HandleFunc("/ssl-vpn/getconfig.esp", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, testAuthCookie, r.PostForm.Get("authcookie"))
		assert.Equal(t, "p1", r.PostForm.Get("protocol-version"))
		assert.Equal(t, "aes-256-gcm,aes-128-gcm,aes-128-cbc", r.PostForm.Get("enc-algo"))
		assert.Equal(t, "sha1", r.PostForm.Get("hmac-algo"))

		fmt.Fprint(w, `<response>
<ip-address>10.156.56.32</ip-address>
<mtu>0</mtu>
<dns><member>128.91.22.200</member><member>128.91.254.1</member></dns>
<access-routes><member>128.91.0.0/16</member></access-routes>
<timeout>3600</timeout>
<lifetime>57600</lifetime>
</response>`)
	})

	portal, _ := newTestPortal(t, mux)

	cookie := &AuthCookie{
		Cookie:   testAuthCookie,
		Portal:   "gateway.example.org",
		Username: "jdoe",
	}

	config, err := portal.GetConfig(context.Background(), cookie)
	require.NoError(t, err)

	assert.Equal(t, "10.156.56.32", config.InternalIPv4.String())
	assert.Equal(t, 1400, config.MTU)
	require.Len(t, config.DNSServers, 2)
	assert.Equal(t, "128.91.22.200", config.DNSServers[0].String())
	assert.Equal(t, []string{"128.91.0.0/16"}, config.AccessRoutes)
	assert.Equal(t, AuthStateReady, portal.State())
}

func TestCredentialZero(t *testing.T) {

	credential := &Credential{
		Username:  "jdoe",
		Password:  []byte("hunter2"),
		DuoMethod: "passcode",
		Passcode:  "123456",
	}

	credential.Zero()
	assert.Nil(t, credential.Password)
	assert.Empty(t, credential.Passcode)
}

func TestMfaFactor(t *testing.T) {

	assert.Equal(t, "push",
		(&Credential{}).mfaFactor())
	assert.Equal(t, "sms",
		(&Credential{DuoMethod: "sms"}).mfaFactor())
	assert.Equal(t, "123456",
		(&Credential{DuoMethod: "passcode", Passcode: "123456"}).mfaFactor())
}
