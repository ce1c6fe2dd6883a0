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
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
)

// PortalClient drives the portal conversation:
//
//	INIT → Prelogin → NeedCreds → Login → (Challenge → MfaPoll)* →
//	Authenticated → GetConfig → Ready
//
// with a transition to Failed on any rejection. The conversation uses
// ordinary HTTPS with persistent cookies. Each non-MFA step is bounded by
// authStepTimeout; the MFA step long-polls with no client timeout, as the
// server holds the request open until the out-of-band push resolves.
type PortalClient struct {
	gateway    string
	baseURL    string
	httpClient *http.Client
	clientOS   string
	computer   string
	state      AuthState
}

// AuthState is the portal conversation state.
type AuthState int

const (
	AuthStateInit AuthState = iota
	AuthStatePrelogin
	AuthStateNeedCreds
	AuthStateLogin
	AuthStateChallenge
	AuthStateMfaPoll
	AuthStateAuthenticated
	AuthStateGetConfig
	AuthStateReady
	AuthStateFailed
)

func (state AuthState) String() string {
	switch state {
	case AuthStateInit:
		return "Init"
	case AuthStatePrelogin:
		return "Prelogin"
	case AuthStateNeedCreds:
		return "NeedCreds"
	case AuthStateLogin:
		return "Login"
	case AuthStateChallenge:
		return "Challenge"
	case AuthStateMfaPoll:
		return "MfaPoll"
	case AuthStateAuthenticated:
		return "Authenticated"
	case AuthStateGetConfig:
		return "GetConfig"
	case AuthStateReady:
		return "Ready"
	case AuthStateFailed:
		return "Failed"
	}
	return "Unknown"
}

// Credential holds the user identifier, the opaque secret, and the one-shot
// MFA factor. It exists only in memory during authentication and is zeroed
// by the caller when the conversation completes. Never logged.
type Credential struct {
	Username  string
	Password  []byte
	DuoMethod string // push, sms, call, passcode
	Passcode  string
}

// Zero overwrites the secret material.
func (credential *Credential) Zero() {
	for i := range credential.Password {
		credential.Password[i] = 0
	}
	credential.Password = nil
	credential.Passcode = ""
}

// mfaFactor is the passwd value of the challenge-response login request:
// the literal method name for out-of-band factors, or the passcode digits.
func (credential *Credential) mfaFactor() string {
	if credential.DuoMethod == "passcode" {
		return credential.Passcode
	}
	if credential.DuoMethod == "" {
		return "push"
	}
	return credential.DuoMethod
}

const (
	portalUserAgent  = "PAN GlobalProtect"
	portalClientVer  = "4100"
	authStepTimeout  = 30 * time.Second
	maxChallengeHops = 4
)

// NewPortalClient constructs a client for the gateway, implicit TLS port
// 443, verifying against the system root store.
func NewPortalClient(gateway string) (*PortalClient, error) {

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	computer, err := os.Hostname()
	if err != nil {
		computer = "unknown"
	}

	return &PortalClient{
		gateway: gateway,
		baseURL: "https://" + gateway,
		httpClient: &http.Client{
			Jar: jar,
		},
		clientOS: portalClientOS(runtime.GOOS),
		computer: computer,
		state:    AuthStateInit,
	}, nil
}

func portalClientOS(GOOS string) string {
	switch GOOS {
	case "windows":
		return "Windows"
	case "darwin":
		return "Mac"
	default:
		return "Linux"
	}
}

// State returns the current conversation state.
func (portal *PortalClient) State() AuthState {
	return portal.state
}

// Prelogin checks which authentication method the portal requires. A SAML
// requirement is reported as an unsupported-method error.
func (portal *PortalClient) Prelogin(ctx context.Context) (*PreloginOutcome, error) {

	portal.state = AuthStatePrelogin

	form := url.Values{}
	form.Set("tmp", "tmp")
	form.Set("clientVer", portalClientVer)
	form.Set("clientos", portal.clientOS)

	body, err := portal.postForm(ctx, "/ssl-vpn/prelogin.esp", form, authStepTimeout)
	if err != nil {
		portal.state = AuthStateFailed
		return nil, err
	}

	outcome, err := parsePrelogin(body)
	if err != nil {
		portal.state = AuthStateFailed
		return nil, err
	}

	if outcome.AuthMethod == "saml" {
		portal.state = AuthStateFailed
		return nil, errors.NewBoundaryf(
			errors.KindAuthUnsupported, "SAML authentication is not supported")
	}

	portal.state = AuthStateNeedCreds
	return outcome, nil
}

// Authenticate performs the login exchange, driving the challenge/MFA loop
// until the portal returns an auth cookie or a rejection. The MFA request
// long-polls: it does not return until the out-of-band push resolves.
func (portal *PortalClient) Authenticate(
	ctx context.Context, credential *Credential) (*AuthCookie, error) {

	portal.state = AuthStateLogin

	form := portal.loginForm(credential.Username)
	form.Set("passwd", string(credential.Password))

	reply, err := portal.login(ctx, form, authStepTimeout)
	if err != nil {
		portal.state = AuthStateFailed
		return nil, err
	}

	for hop := 0; reply.Challenge != nil; hop++ {

		if hop >= maxChallengeHops {
			portal.state = AuthStateFailed
			return nil, errors.NewBoundaryf(
				errors.KindBadResponse, "challenge loop did not converge")
		}

		portal.state = AuthStateChallenge
		log.WithContextFields(LogFields{
			"prompt": reply.Challenge.Prompt,
			"method": credential.DuoMethod,
		}).Debug("MFA challenge")

		// The challenge token is the server-side continuation and must be
		// echoed verbatim; passwd carries the factor (the literal method
		// name for push/sms/call, the digits for a passcode).
		form := portal.loginForm(credential.Username)
		form.Set("passwd", credential.mfaFactor())
		form.Set("inputStr", reply.Challenge.InputToken)

		portal.state = AuthStateMfaPoll

		// No client timeout: the server holds the request open until the
		// push is acknowledged or times out server-side.
		reply, err = portal.login(ctx, form, 0)
		if err != nil {
			portal.state = AuthStateFailed
			return nil, err
		}

		if reply.Cookie == nil && reply.Challenge == nil {
			portal.state = AuthStateFailed
			return nil, errors.NewBoundaryf(
				errors.KindAuthMfa, "MFA rejected: %s", reply.Message)
		}
	}

	if reply.Cookie == nil {
		portal.state = AuthStateFailed
		return nil, errors.NewBoundaryf(
			errors.KindAuthCredentials, "login rejected: %s", reply.Message)
	}

	portal.state = AuthStateAuthenticated

	cookie := reply.Cookie
	if cookie.Username == "" {
		cookie.Username = credential.Username
	}

	log.WithContextFields(LogFields{
		"username": cookie.Username,
		"portal":   cookie.Portal,
	}).Info("authenticated")

	return cookie, nil
}

// login posts the login form and discriminates the reply. A reply whose
// respStatus denotes neither Challenge nor Success maps to the credential
// rejection path handled by the caller.
func (portal *PortalClient) login(
	ctx context.Context, form url.Values, timeout time.Duration) (*loginReply, error) {

	body, err := portal.postForm(ctx, "/ssl-vpn/login.esp", form, timeout)
	if err != nil {
		return nil, err
	}

	reply, err := parseLoginReply(body, portal.gateway)
	if err != nil {
		return nil, err
	}

	if reply.Cookie == nil && reply.Challenge == nil {
		// Rejection statuses surface as WrongCredentials or MfaRejected at
		// the call sites, which know which request was outstanding.
		log.WithContextFields(LogFields{
			"status": reply.Status,
		}).Debug("login rejected")
	}

	return reply, nil
}

// loginForm builds the login form with the required literal parameters.
// Omitting any of jnlpReady, ok, or direct causes some deployments to
// reply with an empty 200 rather than an error.
func (portal *PortalClient) loginForm(username string) url.Values {
	form := url.Values{}
	form.Set("jnlpReady", "jnlpReady")
	form.Set("ok", "Login")
	form.Set("direct", "yes")
	form.Set("clientVer", portalClientVer)
	form.Set("clientos", portal.clientOS)
	form.Set("prot", "https:")
	form.Set("server", portal.gateway)
	form.Set("computer", portal.computer)
	form.Set("ipv6-support", "yes")
	form.Set("user", username)
	return form
}

// GetConfig retrieves the tunnel configuration document.
func (portal *PortalClient) GetConfig(
	ctx context.Context, cookie *AuthCookie) (*TunnelConfig, error) {

	portal.state = AuthStateGetConfig

	form := url.Values{}
	form.Set("user", cookie.Username)
	form.Set("authcookie", cookie.Cookie)
	form.Set("portal", cookie.Portal)
	form.Set("domain", cookie.Domain)
	form.Set("protocol-version", "p1")
	form.Set("enc-algo", "aes-256-gcm,aes-128-gcm,aes-128-cbc")
	form.Set("hmac-algo", "sha1")
	form.Set("computer", portal.computer)

	body, err := portal.postForm(ctx, "/ssl-vpn/getconfig.esp", form, authStepTimeout)
	if err != nil {
		portal.state = AuthStateFailed
		return nil, err
	}

	config, err := parseGetConfig(body)
	if err != nil {
		portal.state = AuthStateFailed
		return nil, err
	}

	portal.state = AuthStateReady

	log.WithContextFields(LogFields{
		"ip":       config.InternalIPv4.String(),
		"mtu":      config.MTU,
		"dns":      len(config.DNSServers),
		"lifetime": config.Lifetime.String(),
	}).Info("tunnel configuration retrieved")

	return config, nil
}

// postForm sends one portal request. A zero timeout means no client bound
// (the MFA long-poll). Response bodies are logged only at Trace and only
// after redaction.
func (portal *PortalClient) postForm(
	ctx context.Context,
	path string,
	form url.Values,
	timeout time.Duration) ([]byte, error) {

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	request, err := http.NewRequestWithContext(
		ctx, http.MethodPost, portal.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Trace(err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("User-Agent", portalUserAgent)

	response, err := portal.httpClient.Do(request)
	if err != nil {
		return nil, errors.NewBoundary(
			errors.KindNetworkConnect, RedactURLError(err))
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errors.NewBoundary(errors.KindNetworkConnect, err)
	}

	if response.StatusCode != http.StatusOK {
		return nil, errors.NewBoundaryf(
			errors.KindBadResponse, "portal %s returned status %d",
			path, response.StatusCode)
	}

	log.WithContextFields(LogFields{
		"path": path,
		"body": RedactAuthValues(string(body)),
	}).Trace("portal response")

	return body, nil
}
