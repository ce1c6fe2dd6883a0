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
	"net"
	"time"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
	"github.com/miekg/dns"
)

// VPNResolver resolves hostnames using the VPN-supplied DNS servers,
// sourcing queries from the tunnel interface.
//
// The bind contract: the UDP socket is bound to the tunnel's assigned IPv4
// address, and scoped to the tunnel interface index where the platform
// supports it. On point-to-point drivers an unbound socket is not routed
// through the interface even when the destination /32 route exists, so
// binding is a contract of the resolver, not an implementation choice.
type VPNResolver struct {
	serverAddrs  []string
	bindIP       net.IP
	ifaceIndex   int
	queryTimeout time.Duration
}

const resolverQueryTimeout = 5 * time.Second

// NewVPNResolver constructs a resolver for the given DNS servers, bound to
// the tunnel's assigned IPv4 address and interface index. An unspecified or
// missing bind address is rejected.
func NewVPNResolver(
	servers []net.IP, bindIP net.IP, ifaceIndex int) (*VPNResolver, error) {

	if len(servers) == 0 {
		return nil, errors.TraceNew("no DNS servers")
	}
	if bindIP == nil || bindIP.To4() == nil || bindIP.IsUnspecified() {
		return nil, errors.TraceNew("resolver requires a specific tunnel bind address")
	}

	serverAddrs := make([]string, len(servers))
	for i, server := range servers {
		serverAddrs[i] = net.JoinHostPort(server.String(), "53")
	}

	return &VPNResolver{
		serverAddrs:  serverAddrs,
		bindIP:       bindIP,
		ifaceIndex:   ifaceIndex,
		queryTimeout: resolverQueryTimeout,
	}, nil
}

// ResolveIPv4 queries each DNS server in order until one answers, with the
// per-server query timeout, and returns the first IPv4 answer.
func (resolver *VPNResolver) ResolveIPv4(
	ctx context.Context, hostname string) (net.IP, error) {

	// A literal address needs no query, but still flows through the same
	// path as resolved names for route and hosts installation.
	if IP := net.ParseIP(hostname); IP != nil && IP.To4() != nil {
		return IP.To4(), nil
	}

	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	query.RecursionDesired = true

	client := &dns.Client{
		Net:     "udp",
		Timeout: resolver.queryTimeout,
		Dialer:  resolver.newBoundDialer(),
	}

	var lastErr error
	for _, serverAddr := range resolver.serverAddrs {

		err := ctx.Err()
		if err != nil {
			return nil, errors.Trace(err)
		}

		response, rtt, err := client.ExchangeContext(ctx, query, serverAddr)
		if err != nil {
			lastErr = err
			log.WithContextFields(LogFields{
				"server": serverAddr,
				"error":  err.Error(),
			}).Debug("DNS query failed")
			continue
		}

		for _, answer := range response.Answer {
			if a, ok := answer.(*dns.A); ok && a.A.To4() != nil {
				log.WithContextFields(LogFields{
					"hostname": hostname,
					"address":  a.A.String(),
					"rtt":      rtt.String(),
				}).Debug("resolved via VPN DNS")
				return a.A.To4(), nil
			}
		}

		lastErr = errors.Tracef("no A record for %s from %s", hostname, serverAddr)
	}

	return nil, errors.NewBoundary(
		errors.KindNetworkResolve,
		errors.TraceMsg(lastErr, "all VPN DNS servers failed"))
}

// newBoundDialer builds a UDP dialer whose local address is the tunnel IP
// and whose socket is scoped to the tunnel interface where supported.
func (resolver *VPNResolver) newBoundDialer() *net.Dialer {
	return &net.Dialer{
		Timeout: resolver.queryTimeout,
		LocalAddr: &net.UDPAddr{
			IP: resolver.bindIP,
		},
		Control: bindSocketToInterface(resolver.ifaceIndex),
	}
}
