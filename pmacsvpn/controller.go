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
	"os"
	"time"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/tun"
	"github.com/shirou/gopsutil/v4/process"
)

// Controller is the top-level connect orchestrator: stale-state recovery,
// authentication, daemon handoff, interface and route installation, the
// data-plane pump, reconnection, and teardown.
type Controller struct {
	config     *Config
	credential *Credential
	options    *ConnectOptions

	cookie       *AuthCookie
	tunnelConfig *TunnelConfig

	device      *tun.Device
	router      *Router
	hostsEditor *HostsEditor

	installedRoutes []net.IP
	hostEntries     map[string]net.IP

	tornDown bool
}

// ConnectOptions modify a connect run.
type ConnectOptions struct {

	// DaemonMode spawns a detached child carrying the authenticated
	// session and returns once the child is running.
	DaemonMode bool

	// DaemonChild marks the spawned child, which consumes the auth
	// handoff instead of authenticating.
	DaemonChild bool

	// AggressiveKeepalive selects the short keepalive interval to hold
	// idle sessions open.
	AggressiveKeepalive bool
}

// NewController builds a controller. The credential may be nil in daemon
// child mode, where authentication material arrives via the handoff.
func NewController(
	config *Config,
	credential *Credential,
	options *ConnectOptions) *Controller {

	if options == nil {
		options = &ConnectOptions{}
	}

	return &Controller{
		config:      config,
		credential:  credential,
		options:     options,
		hostsEditor: NewHostsEditor(),
		hostEntries: make(map[string]net.IP),
	}
}

// Run performs the full connect sequence and blocks until the tunnel ends.
// In daemon parent mode it returns as soon as the child is spawned.
func (controller *Controller) Run(ctx context.Context) error {

	// A persisted state with a live pid means a tunnel is already running;
	// with a dead pid, a crashed prior run left routes and name-table
	// entries to clean before this connect proceeds.
	state, err := LoadState()
	if err != nil {
		return errors.Trace(err)
	}
	if state != nil {
		if state.IsProcessAlive() {
			return errors.NewBoundaryf(
				errors.KindAlreadyRunning,
				"a tunnel is already running (pid %d)", state.PID)
		}
		log.WithContextFields(LogFields{
			"pid": state.PID,
		}).Warning("cleaning up state from crashed prior run")
		CleanupFromState(state)
	}

	if controller.options.DaemonChild {

		handoff, err := ConsumeHandoff()
		if err != nil {
			return errors.Trace(err)
		}
		controller.applyHandoff(handoff)

	} else {

		err := controller.authenticate(ctx)
		if err != nil {
			return err
		}
	}

	if controller.options.DaemonMode {

		err := controller.writeHandoffAndSpawn()
		if err != nil {
			return errors.Trace(err)
		}
		return nil
	}

	return controller.runTunnel(ctx)
}

func (controller *Controller) authenticate(ctx context.Context) error {

	if controller.credential == nil {
		return errors.NewBoundaryf(
			errors.KindNoInteractiveInput, "no credential available")
	}

	portal, err := NewPortalClient(controller.config.VPN.Gateway)
	if err != nil {
		return errors.Trace(err)
	}

	_, err = portal.Prelogin(ctx)
	if err != nil {
		return err
	}

	cookie, err := portal.Authenticate(ctx, controller.credential)
	if err != nil {
		return err
	}

	tunnelConfig, err := portal.GetConfig(ctx, cookie)
	if err != nil {
		return err
	}

	controller.cookie = cookie
	controller.tunnelConfig = tunnelConfig
	return nil
}

func (controller *Controller) applyHandoff(handoff *AuthHandoff) {

	controller.cookie = &AuthCookie{
		Cookie:      handoff.AuthCookie,
		Portal:      handoff.Portal,
		Domain:      handoff.Domain,
		Username:    handoff.Username,
		GatewayName: handoff.GatewayName,
		ObtainedAt:  handoff.WrittenAt,
	}
	controller.config.VPN.Gateway = handoff.Gateway
	controller.config.VPN.Hosts = handoff.Hosts
	if handoff.Preferences != nil {
		controller.config.Preferences = *handoff.Preferences
	}
}

func (controller *Controller) writeHandoffAndSpawn() error {

	preferences := controller.config.Preferences

	err := WriteHandoff(&AuthHandoff{
		Gateway:     controller.config.VPN.Gateway,
		Username:    controller.cookie.Username,
		AuthCookie:  controller.cookie.Cookie,
		Portal:      controller.cookie.Portal,
		Domain:      controller.cookie.Domain,
		GatewayName: controller.cookie.GatewayName,
		Hosts:       controller.config.VPN.Hosts,
		Preferences: &preferences,
	})
	if err != nil {
		return errors.Trace(err)
	}

	pid, err := spawnDaemonChild(controller.options.AggressiveKeepalive)
	if err != nil {
		// The handoff must not linger when no child will consume it.
		if path, pathErr := HandoffPath(); pathErr == nil {
			_ = os.Remove(path)
		}
		return errors.Trace(err)
	}

	log.WithContextFields(LogFields{
		"pid": pid,
	}).Info("daemon started")

	return nil
}

// runTunnel is the resident half: device, routes, name table, state file,
// pump, reconnection, and teardown. The daemon child enters here after
// consuming the handoff; the foreground path enters after authenticating.
func (controller *Controller) runTunnel(ctx context.Context) (retErr error) {

	// Teardown runs from this single handler on every exit path, panics
	// included; the console client's panic monitor covers paths that
	// bypass defers entirely.
	defer func() {
		if r := recover(); r != nil {
			controller.Teardown()
			panic(r)
		}
		controller.Teardown()
	}()

	// The daemon child arrives with a cookie but no config document.
	if controller.tunnelConfig == nil {
		err := controller.fetchConfigWithCookie(ctx)
		if err != nil {
			return err
		}
	}

	device, err := tun.CreateDevice(&tun.Config{
		IPv4Address: controller.tunnelConfig.InternalIPv4,
		MTU:         controller.tunnelConfig.MTU,
	})
	if err != nil {
		return errors.NewBoundary(errors.KindTunnelInterface, err)
	}
	controller.device = device

	router, err := NewRouter(device.Name())
	if err != nil {
		return errors.NewBoundary(errors.KindTunnelInterface, err)
	}
	controller.router = router

	// The pump must be running before any resolution: DNS queries ride
	// the tunnel.
	plane, err := ConnectDataPlane(ctx, controller.dataPlaneConfig())
	if err != nil {
		return err
	}

	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	pumpResult := make(chan error, 1)
	go func() { pumpResult <- plane.Run(pumpCtx, device) }()

	err = controller.installRoutesAndHosts(ctx)
	if err != nil {
		cancelPump()
		<-pumpResult
		return err
	}

	// The same hostname map backs both routes and host entries, which
	// keeps them in lockstep; DNS-server routes are recorded separately.
	var dnsRoutes []string
	for _, server := range controller.tunnelConfig.DNSServers {
		if server.To4() != nil {
			dnsRoutes = append(dnsRoutes, server.To4().String())
		}
	}

	err = SaveState(&PersistentState{
		PID:         os.Getpid(),
		TunnelName:  device.Name(),
		InternalIP:  controller.tunnelConfig.InternalIPv4.String(),
		Gateway:     controller.config.VPN.Gateway,
		Routes:      ipMapToStrings(controller.hostEntries),
		DNSRoutes:   dnsRoutes,
		HostEntries: ipMapToStrings(controller.hostEntries),
		ConnectedAt: time.Now(),
	})
	if err != nil {
		cancelPump()
		<-pumpResult
		return errors.Trace(err)
	}

	log.WithContextFields(LogFields{
		"tunnel": device.Name(),
		"ip":     controller.tunnelConfig.InternalIPv4.String(),
		"routes": len(controller.installedRoutes),
	}).Info("connected")

	return controller.superviseWithReconnect(ctx, pumpResult)
}

// superviseWithReconnect waits on the pump and, when the tunnel dies and
// reconnection is enabled, retries with linear backoff. Routes and the
// name table stay in place across reconnects; only the data plane is
// re-established. The auth cookie is reused while inside its lifetime.
func (controller *Controller) superviseWithReconnect(
	ctx context.Context, pumpResult chan error) error {

	preferences := controller.config.Preferences

	for attempt := 1; ; attempt++ {

		err := <-pumpResult

		if err == nil || ctx.Err() != nil {
			return nil
		}

		if errors.GetKind(err) != errors.KindTunnelDead ||
			!preferences.AutoReconnect ||
			attempt > preferences.MaxReconnectAttempts {
			return err
		}

		delay := time.Duration(
			preferences.ReconnectDelaySecs*attempt) * time.Second

		log.WithContextFields(LogFields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warning("tunnel dead; reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		if controller.cookieExpired() {
			reAuthErr := controller.reauthenticate(ctx)
			if reAuthErr != nil {
				return reAuthErr
			}
		}

		// The device survives reconnects; only the TLS leg is rebuilt.
		device := controller.device
		plane, connectErr := ConnectDataPlane(ctx, controller.dataPlaneConfig())
		if connectErr != nil {
			log.WithContextFields(LogFields{
				"error": connectErr.Error(),
			}).Warning("reconnect failed")
			pumpResult <- errors.NewBoundary(
				errors.KindTunnelDead, connectErr)
			continue
		}

		go func() { pumpResult <- plane.Run(ctx, device) }()

		log.WithContext().Info("reconnected")
	}
}

func (controller *Controller) cookieExpired() bool {
	if controller.tunnelConfig == nil || controller.tunnelConfig.Lifetime <= 0 {
		return false
	}
	return time.Since(controller.cookie.ObtainedAt) >= controller.tunnelConfig.Lifetime
}

// reauthenticate runs a fresh login when the cookie has outlived its
// session lifetime. Without a retained credential, as in the daemon child,
// the session cannot be extended.
func (controller *Controller) reauthenticate(ctx context.Context) error {

	if controller.credential == nil || controller.credential.Password == nil {
		return errors.NewBoundaryf(
			errors.KindSessionExpired,
			"session lifetime reached and no credential for re-authentication")
	}

	portal, err := NewPortalClient(controller.config.VPN.Gateway)
	if err != nil {
		return errors.Trace(err)
	}

	cookie, err := portal.Authenticate(ctx, controller.credential)
	if err != nil {
		return err
	}
	controller.cookie = cookie

	return nil
}

func (controller *Controller) fetchConfigWithCookie(ctx context.Context) error {

	portal, err := NewPortalClient(controller.config.VPN.Gateway)
	if err != nil {
		return errors.Trace(err)
	}

	tunnelConfig, err := portal.GetConfig(ctx, controller.cookie)
	if err != nil {
		return err
	}

	controller.tunnelConfig = tunnelConfig
	return nil
}

func (controller *Controller) dataPlaneConfig() *DataPlaneConfig {

	keepalive := defaultKeepaliveInterval
	if controller.options.AggressiveKeepalive {
		keepalive = aggressiveKeepalive
	}

	inboundTimeout := time.Duration(
		controller.config.Preferences.InboundTimeoutSecs) * time.Second

	return &DataPlaneConfig{
		Gateway:           controller.config.VPN.Gateway,
		Username:          controller.cookie.Username,
		AuthCookie:        controller.cookie.Cookie,
		KeepaliveInterval: keepalive,
		InboundTimeout:    inboundTimeout,
		SessionLifetime:   controller.tunnelConfig.Lifetime,
	}
}

// installRoutesAndHosts resolves each configured host through the VPN DNS
// and installs its route and name-table entry. Any failure rolls back
// everything already installed: the contract is all-or-nothing user-visible
// reachability, so the system is never left with routes but no name table,
// or vice versa.
func (controller *Controller) installRoutesAndHosts(ctx context.Context) error {

	tunnelConfig := controller.tunnelConfig

	// Routes to the VPN DNS servers go in first so resolver queries
	// traverse the tunnel.
	for _, server := range tunnelConfig.DNSServers {
		if server.To4() == nil {
			continue
		}
		err := controller.router.AddHostRoute(server.To4())
		if err != nil {
			controller.rollbackInstall()
			return err
		}
		controller.installedRoutes = append(controller.installedRoutes, server.To4())
	}

	ifaceIndex, err := InterfaceIndex(controller.device.Name())
	if err != nil {
		controller.rollbackInstall()
		return errors.NewBoundary(errors.KindTunnelInterface, err)
	}

	resolver, err := NewVPNResolver(
		tunnelConfig.DNSServers, tunnelConfig.InternalIPv4, ifaceIndex)
	if err != nil {
		controller.rollbackInstall()
		return errors.NewBoundary(errors.KindNetworkResolve, err)
	}

	for _, hostname := range controller.config.VPN.Hosts {

		IP, err := resolver.ResolveIPv4(ctx, hostname)
		if err != nil {
			controller.rollbackInstall()
			return err
		}

		err = controller.router.AddHostRoute(IP)
		if err != nil {
			controller.rollbackInstall()
			return err
		}
		controller.installedRoutes = append(controller.installedRoutes, IP)
		controller.hostEntries[hostname] = IP

		log.WithContextFields(LogFields{
			"host": hostname,
			"ip":   IP.String(),
		}).Info("route installed")
	}

	err = controller.hostsEditor.Apply(controller.hostEntries)
	if err != nil {
		controller.rollbackInstall()
		return err
	}

	return nil
}

func (controller *Controller) rollbackInstall() {

	for _, IP := range controller.installedRoutes {
		_ = controller.router.RemoveHostRoute(IP)
	}
	controller.installedRoutes = nil
	controller.hostEntries = make(map[string]net.IP)
	_ = controller.hostsEditor.Clear()
}

// Teardown removes the name-table block, the installed routes, and the
// device, and deletes the persistent state. Every removal is attempted even
// when earlier removals fail; errors are logged, not returned.
func (controller *Controller) Teardown() {

	if controller.tornDown {
		return
	}
	controller.tornDown = true

	log.WithContext().Info("tearing down")

	if err := controller.hostsEditor.Clear(); err != nil {
		log.WithContextFields(LogFields{
			"error": err.Error(),
		}).Error("name-table cleanup failed")
	}

	if controller.router != nil {
		for _, IP := range controller.installedRoutes {
			if err := controller.router.RemoveHostRoute(IP); err != nil {
				log.WithContextFields(LogFields{
					"ip":    IP.String(),
					"error": err.Error(),
				}).Error("route cleanup failed")
			}
		}
	}

	if controller.device != nil {
		if err := controller.device.Close(); err != nil {
			log.WithContextFields(LogFields{
				"error": err.Error(),
			}).Error("device close failed")
		}
	}

	if err := DeleteState(); err != nil {
		log.WithContextFields(LogFields{
			"error": err.Error(),
		}).Error("state cleanup failed")
	}
}

// CleanupFromState removes the routes and name-table entries recorded in a
// persisted state, without a live controller. Used for orphaned state from
// crashed runs and for disconnecting a daemon. Best-effort.
func CleanupFromState(state *PersistentState) {
	cleanupFromState(state, NewHostsEditor(), runRouteCommand)
}

func cleanupFromState(
	state *PersistentState,
	editor *HostsEditor,
	run func(name string, args ...string) error) {

	if err := editor.Clear(); err != nil {
		log.WithContextFields(LogFields{
			"error": err.Error(),
		}).Error("name-table cleanup failed")
	}

	for _, IP := range state.RouteIPs() {
		command := removeHostRouteCommand(IP)
		if err := run(command.name, command.args...); err != nil {
			if !isRouteNotFound(err) {
				log.WithContextFields(LogFields{
					"ip":    IP.String(),
					"error": err.Error(),
				}).Error("route cleanup failed")
			}
		}
	}

	if err := DeleteState(); err != nil {
		log.WithContextFields(LogFields{
			"error": err.Error(),
		}).Error("state cleanup failed")
	}
}

// ConnectionStatus is the out-of-band view of a connection, derived from
// the persistent state.
type ConnectionStatus struct {
	Connected bool
	Stale     bool
	State     *PersistentState
}

// Status inspects the persistent state and the recorded process.
func Status() (*ConnectionStatus, error) {

	state, err := LoadState()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if state == nil {
		return &ConnectionStatus{}, nil
	}

	if state.IsProcessAlive() {
		return &ConnectionStatus{Connected: true, State: state}, nil
	}

	return &ConnectionStatus{Stale: true, State: state}, nil
}

// Disconnect stops a running tunnel: signal the recorded process, wait
// bounded for exit, then clean up from the persisted lists. When the
// process is already gone, cleanup runs directly.
func Disconnect() error {

	state, err := LoadState()
	if err != nil {
		return errors.Trace(err)
	}
	if state == nil {
		return errors.NewBoundaryf(errors.KindConfig, "not connected")
	}

	if state.IsProcessAlive() {

		proc, err := process.NewProcess(int32(state.PID))
		if err == nil {
			err = proc.Terminate()
			if err != nil {
				// Platforms without a graceful terminate fall back to kill.
				err = proc.Kill()
			}
			if err != nil {
				log.WithContextFields(LogFields{
					"pid":   state.PID,
					"error": err.Error(),
				}).Warning("signal failed")
			}
		}

		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if !state.IsProcessAlive() {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
	}

	// The daemon's own teardown may have already cleaned up; cleanup from
	// the persisted lists is idempotent.
	CleanupFromState(state)

	return nil
}

func ipMapToStrings(entries map[string]net.IP) map[string]string {
	result := make(map[string]string, len(entries))
	for hostname, IP := range entries {
		result[hostname] = IP.String()
	}
	return result
}
