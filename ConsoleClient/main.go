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

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn"
	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
	"github.com/mitchellh/panicwrap"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Exit codes for connect; exitCode maps error kinds onto them.
const (
	exitOK               = 0
	exitAuth             = 1
	exitNetwork          = 2
	exitPrivilege        = 3
	exitAlreadyConnected = 4
)

var (
	flagUser           string
	flagSavePassword   bool
	flagForgetPassword bool
	flagDaemon         bool
	flagBackground     bool
	flagKeepAlive      bool
	flagDaemonChild    bool
	flagDuoMethod      string
	flagVerbose        bool
)

func main() {

	// Tunnel-carrying invocations run under a panic monitor: if the
	// process dies on a panic, the monitor cleans up routes and the
	// name-table block from the persisted state, so a crash never leaves
	// the system mutated.
	if len(os.Args) > 1 && (os.Args[1] == "connect" || os.Args[1] == "run") {
		exitStatus, err := panicwrap.BasicWrap(panicHandler)
		if err != nil {
			fmt.Fprintf(os.Stderr, "panic monitor failed: %v\n", err)
			os.Exit(1)
		}
		if exitStatus >= 0 {
			os.Exit(exitStatus)
		}
	}

	rootCmd := &cobra.Command{
		Use:           "pmacs-vpn",
		Short:         "Split-tunnel VPN client for PMACS cluster access",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(
		&flagVerbose, "verbose", "v", false, "enable debug logging")

	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the VPN with split tunneling",
		RunE:  runConnect,
	}
	connectCmd.Flags().StringVarP(&flagUser, "user", "u", "", "VPN username")
	connectCmd.Flags().BoolVar(&flagSavePassword, "save-password", false,
		"store the password in the OS keystore before logging in")
	connectCmd.Flags().BoolVar(&flagForgetPassword, "forget-password", false,
		"delete the stored password before prompting")
	connectCmd.Flags().BoolVar(&flagDaemon, "daemon", false,
		"run the tunnel in the background")
	connectCmd.Flags().BoolVar(&flagBackground, "background", false,
		"alias for --daemon")
	connectCmd.Flags().BoolVar(&flagKeepAlive, "keep-alive", false,
		"aggressive keepalive to hold idle sessions open")
	connectCmd.Flags().StringVar(&flagDuoMethod, "duo-method", "",
		"MFA method: push, sms, call, or passcode")
	connectCmd.Flags().BoolVar(&flagDaemonChild, "daemon-child", false, "")
	_ = connectCmd.Flags().MarkHidden("daemon-child")

	disconnectCmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect and clean up routes",
		RunE:  runDisconnect,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current connection status",
		RunE:  runStatus,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE:  runInit,
	}

	trayCmd := &cobra.Command{
		Use:   "tray",
		Short: "Run the tray connection controller",
		RunE:  runTray,
	}

	runCmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Connect, run a command, then disconnect",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runWithTunnel,
	}

	forgetCmd := &cobra.Command{
		Use:   "forget-password",
		Short: "Delete the stored password for a user",
		RunE:  runForgetPassword,
	}
	forgetCmd.Flags().StringVarP(&flagUser, "user", "u", "", "VPN username")

	rootCmd.AddCommand(
		connectCmd, disconnectCmd, statusCmd, initCmd, trayCmd, runCmd,
		forgetCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(exitCode(err))
	}
}

// panicHandler runs in the monitor process after the wrapped process
// panics: best-effort teardown from the persisted state.
func panicHandler(output string) {
	fmt.Fprint(os.Stderr, output)
	if state, err := pmacsvpn.LoadState(); err == nil && state != nil {
		pmacsvpn.CleanupFromState(state)
	}
	os.Exit(1)
}

func exitCode(err error) int {
	switch errors.GetKind(err) {
	case errors.KindAuthCredentials, errors.KindAuthMfa, errors.KindAuthUnsupported:
		return exitAuth
	case errors.KindNetworkResolve, errors.KindNetworkConnect,
		errors.KindNetworkTls, errors.KindBadResponse:
		return exitNetwork
	case errors.KindPrivilege:
		return exitPrivilege
	case errors.KindAlreadyRunning:
		return exitAlreadyConnected
	}
	return 1
}

func setupLogging() {
	pmacsvpn.SetLogOutput(os.Stderr)
	pmacsvpn.SetLogVerbose(flagVerbose)
}

// signalContext cancels on interrupt or termination, which the controller
// turns into a clean pump shutdown and teardown.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadOrCreateConfig() (*pmacsvpn.Config, error) {

	_, err := os.Stat(pmacsvpn.ConfigFilename)
	if err == nil {
		return pmacsvpn.LoadConfig(pmacsvpn.ConfigFilename)
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.NewBoundaryf(
			errors.KindNoInteractiveInput,
			"no %s and no interactive terminal to create one; run: pmacs-vpn init",
			pmacsvpn.ConfigFilename)
	}

	// First run: build a config interactively.

	fmt.Println("No config found. Let's set one up.")
	fmt.Println()

	config := pmacsvpn.DefaultConfig()

	gateway := promptLine(
		fmt.Sprintf("Gateway [%s]", config.VPN.Gateway))
	if gateway != "" {
		config.VPN.Gateway = gateway
	}

	config.VPN.Username = promptLine("Username")

	hosts := promptLine(fmt.Sprintf(
		"Hosts to route (comma-separated) [%s]",
		strings.Join(config.VPN.Hosts, ", ")))
	if hosts != "" {
		config.VPN.Hosts = nil
		for _, host := range strings.Split(hosts, ",") {
			if host = strings.TrimSpace(host); host != "" {
				config.VPN.Hosts = append(config.VPN.Hosts, host)
			}
		}
	}

	fmt.Println()
	if promptYesNo("Save config for next time?", true) {
		err := config.Save(pmacsvpn.ConfigFilename)
		if err != nil {
			return nil, err
		}
		fmt.Printf("Config saved to %s\n\n", pmacsvpn.ConfigFilename)
	}

	return config, nil
}

func promptLine(label string) string {
	fmt.Printf("%s: ", label)
	var input string
	_, _ = fmt.Scanln(&input)
	return strings.TrimSpace(input)
}

func promptYesNo(label string, defaultYes bool) bool {
	suffix := "[Y/n]"
	if !defaultYes {
		suffix = "[y/N]"
	}
	input := strings.ToLower(promptLine(label + " " + suffix))
	if input == "" {
		return defaultYes
	}
	return strings.HasPrefix(input, "y")
}

func promptSecret(label string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.NewBoundaryf(
			errors.KindNoInteractiveInput, "no interactive terminal for %s", label)
	}
	fmt.Printf("%s: ", label)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(secret), nil
}

// gatherCredential assembles the credential from flags, config, keystore,
// and prompts.
func gatherCredential(config *pmacsvpn.Config) (*pmacsvpn.Credential, error) {

	username := flagUser
	if username == "" {
		username = config.VPN.Username
	}
	if username == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, errors.NewBoundaryf(
				errors.KindNoInteractiveInput, "no username and no interactive terminal")
		}
		username = promptLine("Username")
	}

	store := pmacsvpn.GetCredentialStore()

	if flagForgetPassword {
		if err := store.Delete(username); err != nil {
			pmacsvpn.Log().WithContextFields(pmacsvpn.LogFields{
				"error": err.Error(),
			}).Warning("could not delete stored password")
		}
	}

	var password string
	if !flagForgetPassword {
		if stored, ok := store.Get(username); ok {
			password = stored
		}
	}
	if password == "" {
		prompted, err := promptSecret("Password")
		if err != nil {
			return nil, err
		}
		password = prompted
	}

	duoMethod := flagDuoMethod
	if duoMethod == "" {
		duoMethod = config.Preferences.DuoMethod
	}

	credential := &pmacsvpn.Credential{
		Username:  username,
		Password:  []byte(password),
		DuoMethod: duoMethod,
	}

	if duoMethod == "passcode" {
		passcode, err := promptSecret("Passcode")
		if err != nil {
			return nil, err
		}
		credential.Passcode = passcode
	}

	return credential, nil
}

func runConnect(cmd *cobra.Command, args []string) error {

	setupLogging()

	err := pmacsvpn.CheckPrivilege()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if flagDaemonChild {
		// The child consumes the auth handoff; no prompting, no config
		// interaction beyond what the handoff carries.
		controller := pmacsvpn.NewController(
			pmacsvpn.DefaultConfig(), nil,
			&pmacsvpn.ConnectOptions{
				DaemonChild:         true,
				AggressiveKeepalive: flagKeepAlive,
			})
		return controller.Run(ctx)
	}

	config, err := loadOrCreateConfig()
	if err != nil {
		return err
	}

	credential, err := gatherCredential(config)
	if err != nil {
		return err
	}
	defer credential.Zero()

	if credential.DuoMethod == "push" || credential.DuoMethod == "" {
		fmt.Println("Authenticating (check your phone for a Duo push)...")
	} else {
		fmt.Println("Authenticating...")
	}

	if flagSavePassword {
		// Stored before the tunnel takes the foreground, so the password
		// is stored even when the login then fails, and later connects
		// use the stored value without prompting.
		saveErr := pmacsvpn.GetCredentialStore().Set(
			credential.Username, string(credential.Password))
		if saveErr != nil {
			pmacsvpn.Log().WithContextFields(pmacsvpn.LogFields{
				"error": saveErr.Error(),
			}).Warning("could not store password")
		}
	}

	controller := pmacsvpn.NewController(
		config, credential,
		&pmacsvpn.ConnectOptions{
			DaemonMode:          flagDaemon || flagBackground,
			AggressiveKeepalive: flagKeepAlive,
		})

	err = controller.Run(ctx)
	if err != nil {
		return err
	}

	if flagDaemon || flagBackground {
		fmt.Println("VPN running in the background.")
		fmt.Println("Use 'pmacs-vpn status' to check and 'pmacs-vpn disconnect' to stop.")
	}

	return nil
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	setupLogging()
	err := pmacsvpn.Disconnect()
	if err != nil {
		return err
	}
	fmt.Println("Disconnected.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {

	setupLogging()

	status, err := pmacsvpn.Status()
	if err != nil {
		return err
	}

	switch {
	case status.Connected:
		state := status.State
		fmt.Println("Status: connected")
		fmt.Printf("  PID:       %d\n", state.PID)
		fmt.Printf("  Tunnel:    %s\n", state.TunnelName)
		fmt.Printf("  IP:        %s\n", state.InternalIP)
		fmt.Printf("  Gateway:   %s\n", state.Gateway)
		fmt.Printf("  Connected: %s\n", state.ConnectedAt.Format(time.RFC1123))
		fmt.Printf("  Routes:    %d\n", len(state.Routes))
		for hostname, IP := range state.Routes {
			fmt.Printf("    %s -> %s\n", hostname, IP)
		}
		return nil
	case status.Stale:
		fmt.Println("Status: stale state from a prior run; next connect will clean up")
		os.Exit(2)
	default:
		fmt.Println("Status: not connected")
		os.Exit(1)
	}
	return nil
}

func runForgetPassword(cmd *cobra.Command, args []string) error {

	username := flagUser
	if username == "" {
		return errors.NewBoundaryf(errors.KindConfig, "specify --user")
	}

	err := pmacsvpn.GetCredentialStore().Delete(username)
	if err != nil {
		return err
	}

	fmt.Printf("Password deleted for user: %s\n", username)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	err := pmacsvpn.DefaultConfig().Save(pmacsvpn.ConfigFilename)
	if err != nil {
		return err
	}
	fmt.Printf("Created default config: %s\n", pmacsvpn.ConfigFilename)
	return nil
}

// runTray is the headless controller behind the tray UI: it optionally
// auto-connects on startup and holds until told to exit. The tray UI
// itself is an external integration driving this controller.
func runTray(cmd *cobra.Command, args []string) error {

	setupLogging()

	ctx, cancel := signalContext()
	defer cancel()

	config, err := loadOrCreateConfig()
	if err != nil {
		return err
	}

	if config.Preferences.AutoConnect {

		status, statusErr := pmacsvpn.Status()
		if statusErr == nil && !status.Connected {

			credential, err := gatherCredential(config)
			if err != nil {
				return err
			}
			defer credential.Zero()

			controller := pmacsvpn.NewController(
				config, credential,
				&pmacsvpn.ConnectOptions{DaemonMode: true})
			err = controller.Run(ctx)
			if err != nil {
				return err
			}
		}
	}

	<-ctx.Done()
	return nil
}

// runWithTunnel connects in the background, runs the command, disconnects,
// and exits with the command's exit code.
func runWithTunnel(cmd *cobra.Command, args []string) error {

	setupLogging()

	err := pmacsvpn.CheckPrivilege()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	config, err := loadOrCreateConfig()
	if err != nil {
		return err
	}

	credential, err := gatherCredential(config)
	if err != nil {
		return err
	}
	defer credential.Zero()

	controller := pmacsvpn.NewController(
		config, credential, &pmacsvpn.ConnectOptions{DaemonMode: true})
	err = controller.Run(ctx)
	if err != nil {
		return err
	}

	err = waitForConnection(ctx, 60*time.Second)
	if err != nil {
		_ = pmacsvpn.Disconnect()
		return err
	}

	child := exec.CommandContext(ctx, args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	runErr := child.Run()

	if err := pmacsvpn.Disconnect(); err != nil {
		pmacsvpn.Log().WithContextFields(pmacsvpn.LogFields{
			"error": err.Error(),
		}).Warning("disconnect after command failed")
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return runErr
	}

	return nil
}

func waitForConnection(ctx context.Context, timeout time.Duration) error {

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {

		if err := ctx.Err(); err != nil {
			return err
		}

		status, err := pmacsvpn.Status()
		if err == nil && status.Connected {
			return nil
		}

		time.Sleep(500 * time.Millisecond)
	}

	return errors.NewBoundaryf(
		errors.KindNetworkConnect, "tunnel did not come up within %s", timeout)
}
