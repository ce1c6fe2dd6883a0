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
	"bufio"
	"context"
	"crypto/tls"
	std_errors "errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
	"golang.org/x/sync/errgroup"
)

// PacketDevice is the virtual interface surface the pump drives. Satisfied
// by *tun.Device; tests substitute an in-memory device.
type PacketDevice interface {
	ReadPacket(buf []byte) (int, error)
	WritePacket(packet []byte) error
	Close() error
}

const (
	tlsConnectTimeout        = 15 * time.Second
	tunnelStartToken         = "START_TUNNEL"
	defaultKeepaliveInterval = 30 * time.Second
	aggressiveKeepalive      = 10 * time.Second
	defaultInboundTimeout    = 45 * time.Second
	defaultSessionTick       = 5 * time.Minute
	sessionWarningLead       = 1 * time.Hour
	sessionWarningRepeat     = 15 * time.Minute
)

// DataPlaneConfig parameterizes the tunnel connection and pump.
type DataPlaneConfig struct {
	Gateway           string
	Username          string
	AuthCookie        string
	KeepaliveInterval time.Duration
	InboundTimeout    time.Duration
	SessionLifetime   time.Duration

	// dialTLS overrides the TLS dial for tests.
	dialTLS func(ctx context.Context) (net.Conn, error)

	// tickInterval drives keepalive and liveness checks; tests shrink it.
	tickInterval time.Duration

	// sessionTick drives the session clock; tests shrink it.
	sessionTick time.Duration
}

func (config *DataPlaneConfig) keepaliveInterval() time.Duration {
	if config.KeepaliveInterval <= 0 {
		return defaultKeepaliveInterval
	}
	return config.KeepaliveInterval
}

func (config *DataPlaneConfig) inboundTimeout() time.Duration {
	if config.InboundTimeout <= 0 {
		return defaultInboundTimeout
	}
	return config.InboundTimeout
}

// DataPlane is an established tunnel: TLS connected, handshake exchanged,
// ready to pump.
type DataPlane struct {
	config        *DataPlaneConfig
	conn          net.Conn
	reader        *bufio.Reader
	writeMutex    sync.Mutex
	lastInboundAt int64
	establishedAt time.Time
}

// ConnectDataPlane establishes the tunnel: TLS to gateway:443 against the
// system root store, the tunnel-connect request, and the reply delimited by
// the START_TUNNEL token. Bytes following the token are already framed
// packet stream and are preserved for the pump.
func ConnectDataPlane(
	ctx context.Context, config *DataPlaneConfig) (*DataPlane, error) {

	// The username is required: omitting it yields "Invalid user name"
	// from the gateway.
	if config.Username == "" {
		return nil, errors.TraceNew("missing username")
	}
	if config.AuthCookie == "" {
		return nil, errors.TraceNew("missing auth cookie")
	}

	dial := config.dialTLS
	if dial == nil {
		dial = func(ctx context.Context) (net.Conn, error) {
			dialer := &tls.Dialer{
				NetDialer: &net.Dialer{Timeout: tlsConnectTimeout},
				Config: &tls.Config{
					ServerName: config.Gateway,
				},
			}
			dialCtx, cancel := context.WithTimeout(ctx, tlsConnectTimeout)
			defer cancel()
			return dialer.DialContext(dialCtx, "tcp", config.Gateway+":443")
		}
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, errors.NewBoundary(errors.KindNetworkTls, err)
	}

	request := fmt.Sprintf(
		"GET /ssl-tunnel-connect.sslvpn?%s HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"User-Agent: %s\r\n"+
			"Connection: keep-alive\r\n"+
			"\r\n",
		url.Values{
			"user":       {config.Username},
			"authcookie": {config.AuthCookie},
		}.Encode(),
		config.Gateway,
		portalUserAgent)

	_, err = conn.Write([]byte(request))
	if err != nil {
		conn.Close()
		return nil, errors.NewBoundary(errors.KindNetworkConnect, err)
	}

	reader := bufio.NewReaderSize(conn, 65535+frameHeaderSize)

	err = readUntilToken(reader, tunnelStartToken)
	if err != nil {
		conn.Close()
		return nil, errors.NewBoundary(errors.KindBadResponse, err)
	}

	log.WithContextFields(LogFields{
		"gateway": config.Gateway,
	}).Info("tunnel established")

	now := time.Now()
	plane := &DataPlane{
		config:        config,
		conn:          conn,
		reader:        reader,
		establishedAt: now,
	}
	plane.noteInbound(now)

	return plane, nil
}

// readUntilToken consumes the connection reply up to and including the
// given token, leaving any following bytes buffered. The reply is small;
// a bounded window prevents unbounded scanning on a misbehaving gateway.
func readUntilToken(reader *bufio.Reader, token string) error {

	var window []byte
	buf := make([]byte, 1)

	for len(window) < 8192 {
		_, err := reader.Read(buf)
		if err != nil {
			return errors.TraceMsg(err, "connection closed before "+token)
		}
		window = append(window, buf[0])
		if strings.HasSuffix(string(window), token) {
			return nil
		}
	}

	return errors.Tracef("no %s in connection reply", token)
}

func (plane *DataPlane) noteInbound(at time.Time) {
	atomic.StoreInt64(&plane.lastInboundAt, at.UnixNano())
}

func (plane *DataPlane) lastInbound() time.Time {
	return time.Unix(0, atomic.LoadInt64(&plane.lastInboundAt))
}

// writeFrame serializes writes to the TLS stream, which is owned by the
// pump; nothing else may write to it.
func (plane *DataPlane) writeFrame(frame []byte) error {
	plane.writeMutex.Lock()
	defer plane.writeMutex.Unlock()
	_, err := plane.conn.Write(frame)
	return err
}

var (
	errTunnelDead     = errors.TraceNew("tunnel dead: no inbound traffic")
	errSessionExpired = errors.TraceNew("session lifetime reached")
	errPumpCancelled  = errors.TraceNew("pump cancelled")
)

// Run pumps packets between the device and the TLS stream until the tunnel
// dies, the session expires, an unrecoverable I/O error occurs, or ctx is
// cancelled. A clean cancellation returns nil; a dead tunnel returns a
// Tunnel/Dead boundary error; session expiry returns Session/Expired.
//
// Outbound and inbound are each served by a dedicated goroutine, so neither
// is ever deferred to the keepalive tick: an outbound datagram is framed
// and written the moment the device yields it. Frame ordering per direction
// follows from single-goroutine reads and the serialized stream writes.
//
// On cancellation the in-flight TLS write completes, then the TLS stream
// and the device are closed in that order. Delivery of an in-flight inbound
// packet is not guaranteed.
func (plane *DataPlane) Run(ctx context.Context, device PacketDevice) error {

	group, groupCtx := errgroup.WithContext(ctx)

	// Outbound: device → codec → TLS.
	group.Go(func() error {
		buf := make([]byte, 65535)
		for {
			n, err := device.ReadPacket(buf)
			if err != nil {
				return errors.Trace(err)
			}
			if n == 0 {
				continue
			}
			frame, err := EncodePacket(buf[:n])
			if err != nil {
				// An unframeable packet from the device is dropped, not
				// fatal; the device can yield non-IP noise at startup.
				log.WithContextFields(LogFields{
					"error": err.Error(),
				}).Debug("dropped outbound packet")
				continue
			}
			err = plane.writeFrame(frame)
			if err != nil {
				return errors.Trace(err)
			}
		}
	})

	// Inbound: TLS → device. Keepalives refresh liveness and are
	// discarded.
	group.Go(func() error {
		payloadBuf := make([]byte, 65535)
		for {
			frame, err := ReadFrame(plane.reader, payloadBuf)
			if err != nil {
				return errors.Trace(err)
			}
			plane.noteInbound(time.Now())
			if frame.IsKeepalive() {
				continue
			}
			err = device.WritePacket(frame.Payload)
			if err != nil {
				return errors.Trace(err)
			}
		}
	})

	// Keepalive and liveness. One ticker drives both: keepalives are sent
	// on the configured interval and the inbound liveness deadline is
	// checked on every tick.
	group.Go(func() error {

		tickInterval := plane.config.tickInterval
		if tickInterval <= 0 {
			tickInterval = 5 * time.Second
		}
		keepaliveInterval := plane.config.keepaliveInterval()
		inboundTimeout := plane.config.inboundTimeout()

		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		lastKeepalive := time.Now()

		for {
			select {
			case <-groupCtx.Done():
				return errors.Trace(errPumpCancelled)
			case now := <-ticker.C:

				if now.Sub(plane.lastInbound()) > inboundTimeout {
					return errors.Trace(errTunnelDead)
				}

				if now.Sub(lastKeepalive) >= keepaliveInterval {
					err := plane.writeFrame(EncodeKeepalive())
					if err != nil {
						return errors.Trace(err)
					}
					lastKeepalive = now
				}
			}
		}
	})

	// Session clock: warn one hour out, re-warn every fifteen minutes,
	// terminate at the absolute deadline.
	group.Go(func() error {

		if plane.config.SessionLifetime <= 0 {
			<-groupCtx.Done()
			return errors.Trace(errPumpCancelled)
		}

		deadline := plane.establishedAt.Add(plane.config.SessionLifetime)

		sessionTick := plane.config.sessionTick
		if sessionTick <= 0 {
			sessionTick = defaultSessionTick
		}

		ticker := time.NewTicker(sessionTick)
		defer ticker.Stop()

		var lastWarning time.Time

		for {
			select {
			case <-groupCtx.Done():
				return errors.Trace(errPumpCancelled)
			case now := <-ticker.C:

				if !now.Before(deadline) {
					return errors.Trace(errSessionExpired)
				}

				remaining := deadline.Sub(now)
				if remaining <= sessionWarningLead &&
					(lastWarning.IsZero() ||
						now.Sub(lastWarning) >= sessionWarningRepeat) {
					log.WithContextFields(LogFields{
						"remaining": remaining.Round(time.Minute).String(),
					}).Warning("session expires soon; reconnect will be required")
					lastWarning = now
				}
			}
		}
	})

	// Cancellation: complete the in-flight TLS write, then close the TLS
	// stream and the device in that order, releasing the blocked pump
	// goroutines.
	group.Go(func() error {
		<-groupCtx.Done()
		plane.writeMutex.Lock()
		plane.conn.Close()
		plane.writeMutex.Unlock()
		device.Close()
		return errors.Trace(errPumpCancelled)
	})

	err := group.Wait()

	switch {
	case ctx.Err() != nil || err == nil || std_errors.Is(err, errPumpCancelled):
		log.WithContext().Info("tunnel closed")
		return nil
	case std_errors.Is(err, errSessionExpired):
		return errors.NewBoundary(errors.KindSessionExpired, err)
	default:
		// A dead liveness deadline and an unrecoverable stream error both
		// surface as a dead tunnel, which the supervisor may retry.
		return errors.NewBoundary(errors.KindTunnelDead, err)
	}
}

// Close tears down the TLS stream.
func (plane *DataPlane) Close() error {
	return plane.conn.Close()
}
