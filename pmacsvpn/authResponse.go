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
	"encoding/xml"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
)

// The portal intermixes response encodings within the same logical state:
// prelogin and getconfig are XML, a login reply is either an HTML page with
// inline JavaScript assignments (a challenge) or a JNLP XML document (a
// success), in labeled or positional argument form. The login reply is
// treated as a tagged union with the discriminator inferred from content,
// never from HTTP status.

// PreloginOutcome reports the authentication method the portal requires.
type PreloginOutcome struct {
	AuthMethod    string // "password" or "saml"
	UsernameLabel string
	PasswordLabel string
}

// Challenge is a second-factor prompt carrying the server-side continuation
// token, which must be echoed verbatim in the next login request.
type Challenge struct {
	Prompt     string
	InputToken string
}

// AuthCookie is the bearer session token produced by a successful login,
// with the metadata captured from the same JNLP document.
type AuthCookie struct {
	Cookie      string
	Portal      string
	Domain      string
	Username    string
	GatewayName string
	ObtainedAt  time.Time
}

// TunnelConfig is the tunnel parameter document retrieved by getconfig.
// Immutable after retrieval.
type TunnelConfig struct {
	InternalIPv4 net.IP
	InternalIPv6 net.IP
	MTU          int
	DNSServers   []net.IP
	AccessRoutes []string
	IdleTimeout  time.Duration
	Lifetime     time.Duration
}

// loginReply is the tagged union of login response forms.
type loginReply struct {
	Challenge *Challenge
	Cookie    *AuthCookie
	Status    string
	Message   string
}

type preloginXML struct {
	Status         string `xml:"status"`
	UsernameLabel  string `xml:"username-label"`
	PasswordLabel  string `xml:"password-label"`
	SAMLAuthMethod string `xml:"saml-auth-method"`
	SAMLRequest    string `xml:"saml-request"`
}

func parsePrelogin(body []byte) (*PreloginOutcome, error) {

	var parsed preloginXML
	err := xml.Unmarshal(body, &parsed)
	if err != nil {
		return nil, errors.NewBoundary(errors.KindBadResponse, err)
	}

	if parsed.Status != "Success" {
		return nil, errors.NewBoundaryf(
			errors.KindBadResponse, "prelogin status %q", parsed.Status)
	}

	outcome := &PreloginOutcome{
		AuthMethod:    "password",
		UsernameLabel: parsed.UsernameLabel,
		PasswordLabel: parsed.PasswordLabel,
	}
	if parsed.SAMLAuthMethod != "" || parsed.SAMLRequest != "" {
		outcome.AuthMethod = "saml"
	}
	if outcome.UsernameLabel == "" {
		outcome.UsernameLabel = "Username"
	}
	if outcome.PasswordLabel == "" {
		outcome.PasswordLabel = "Password"
	}

	return outcome, nil
}

var (
	respStatusRegex = regexp.MustCompile(`respStatus\s*=\s*"([^"]*)"`)
	respMsgRegex    = regexp.MustCompile(`respMsg\s*=\s*"([^"]*)"`)
	inputStrRegex   = regexp.MustCompile(`thisForm\.inputStr\.value\s*=\s*"([^"]*)"`)
)

type jnlpXML struct {
	ApplicationDesc struct {
		Arguments []string `xml:"argument"`
	} `xml:"application-desc"`
}

var authCookieRegex = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// parseLoginReply discriminates the login response form by content. An
// empty body with HTTP 200 means one of the required literal parameters was
// omitted; the portal replies with silence rather than an error.
func parseLoginReply(body []byte, gateway string) (*loginReply, error) {

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, errors.NewBoundaryf(
			errors.KindBadResponse, "empty login reply (missing required params)")
	}

	if strings.Contains(trimmed, "<jnlp") {
		cookie, err := parseJNLP([]byte(trimmed), gateway)
		if err != nil {
			return nil, err
		}
		return &loginReply{Cookie: cookie, Status: "Success"}, nil
	}

	statusMatch := respStatusRegex.FindStringSubmatch(trimmed)
	if statusMatch != nil {

		reply := &loginReply{Status: statusMatch[1]}

		msgMatch := respMsgRegex.FindStringSubmatch(trimmed)
		if msgMatch != nil {
			reply.Message = msgMatch[1]
		}

		if reply.Status == "Challenge" {
			inputMatch := inputStrRegex.FindStringSubmatch(trimmed)
			if inputMatch == nil {
				return nil, errors.NewBoundaryf(
					errors.KindBadResponse, "challenge without input token")
			}
			reply.Challenge = &Challenge{
				Prompt:     reply.Message,
				InputToken: inputMatch[1],
			}
		}

		return reply, nil
	}

	return nil, errors.NewBoundaryf(
		errors.KindBadResponse, "unrecognized login reply form")
}

// parseJNLP extracts the auth cookie and metadata from a JNLP document.
// Labeled documents alternate "(key)" and value arguments; positional
// documents use the fixed ordering with the auth cookie at index 1. A
// 32-hex-character argument[1] selects the positional form, unless
// argument[0] is a "(key)" label.
func parseJNLP(body []byte, gateway string) (*AuthCookie, error) {

	var parsed jnlpXML
	err := xml.Unmarshal(body, &parsed)
	if err != nil {
		return nil, errors.NewBoundary(errors.KindBadResponse, err)
	}

	arguments := parsed.ApplicationDesc.Arguments
	if len(arguments) == 0 {
		return nil, errors.NewBoundaryf(errors.KindBadResponse, "JNLP with no arguments")
	}

	cookie := &AuthCookie{
		Portal:     gateway,
		ObtainedAt: time.Now(),
	}

	// A labeled document that lists (auth-cookie) first also carries a
	// 32-hex value at argument[1]; its leading label keeps it labeled.
	labeled := strings.HasPrefix(arguments[0], "(") &&
		strings.HasSuffix(arguments[0], ")")

	if !labeled && len(arguments) > 1 && authCookieRegex.MatchString(arguments[1]) {

		// Positional: 0 empty, 1 auth-cookie, 2 persistent-cookie
		// (ignored), 3 gateway, 4 username, 5 auth profile, 6 vsys,
		// 7 domain.

		cookie.Cookie = arguments[1]
		if len(arguments) > 3 {
			cookie.GatewayName = arguments[3]
		}
		if len(arguments) > 4 {
			cookie.Username = arguments[4]
		}
		if len(arguments) > 7 {
			cookie.Domain = arguments[7]
		}

	} else {

		for i := 0; i+1 < len(arguments); i += 2 {
			value := arguments[i+1]
			switch arguments[i] {
			case "(auth-cookie)":
				cookie.Cookie = value
			case "(portal)":
				cookie.Portal = value
			case "(domain)":
				cookie.Domain = value
			case "(user)", "(username)":
				cookie.Username = value
			case "(gateway-address)", "(portal-name)":
				cookie.GatewayName = value
			}
		}
	}

	if cookie.Cookie == "" {
		return nil, errors.NewBoundaryf(errors.KindBadResponse, "JNLP without auth cookie")
	}

	return cookie, nil
}

type getConfigXML struct {
	IPAddress  string `xml:"ip-address"`
	IP6Address string `xml:"ip6-address"`
	MTU        string `xml:"mtu"`
	DNS        struct {
		Members []string `xml:"member"`
	} `xml:"dns"`
	AccessRoutes struct {
		Members []string `xml:"member"`
	} `xml:"access-routes"`
	Timeout  string `xml:"timeout"`
	Lifetime string `xml:"lifetime"`
}

const (
	defaultMTU             = 1400
	defaultIdleTimeoutSecs = 3600
	defaultLifetimeSecs    = 57600
)

func parseGetConfig(body []byte) (*TunnelConfig, error) {

	var parsed getConfigXML
	err := xml.Unmarshal(body, &parsed)
	if err != nil {
		return nil, errors.NewBoundary(errors.KindBadResponse, err)
	}

	internalIPv4 := net.ParseIP(parsed.IPAddress)
	if internalIPv4 == nil || internalIPv4.To4() == nil {
		return nil, errors.NewBoundaryf(
			errors.KindBadResponse, "getconfig without usable ip-address")
	}

	config := &TunnelConfig{
		InternalIPv4: internalIPv4.To4(),
		MTU:          defaultMTU,
		IdleTimeout:  defaultIdleTimeoutSecs * time.Second,
		Lifetime:     defaultLifetimeSecs * time.Second,
	}

	if parsed.IP6Address != "" {
		config.InternalIPv6 = net.ParseIP(parsed.IP6Address)
	}

	// The server may return mtu 0, which means use the default.
	if mtu, err := strconv.Atoi(parsed.MTU); err == nil && mtu > 0 {
		config.MTU = mtu
	}

	for _, member := range parsed.DNS.Members {
		if IP := net.ParseIP(member); IP != nil {
			config.DNSServers = append(config.DNSServers, IP)
		}
	}

	config.AccessRoutes = append(config.AccessRoutes, parsed.AccessRoutes.Members...)

	if seconds, err := strconv.Atoi(parsed.Timeout); err == nil && seconds > 0 {
		config.IdleTimeout = time.Duration(seconds) * time.Second
	}
	if seconds, err := strconv.Atoi(parsed.Lifetime); err == nil && seconds > 0 {
		config.Lifetime = time.Duration(seconds) * time.Second
	}

	return config, nil
}
