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
	"os"
	"path/filepath"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/errors"
	"github.com/pelletier/go-toml"
)

// ConfigFilename is the well-known configuration file name, looked up in the
// current working directory.
const ConfigFilename = "pmacs-vpn.toml"

const (
	defaultGateway              = "psomvpn.uphs.upenn.edu"
	defaultProtocol             = "gp"
	defaultDuoMethod            = "push"
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelaySecs   = 5
	defaultInboundTimeoutSecs   = 45
)

// Config is the user configuration loaded from pmacs-vpn.toml.
type Config struct {
	VPN         VPNConfig         `toml:"vpn"`
	Preferences PreferencesConfig `toml:"preferences"`
}

// VPNConfig selects the gateway, user, and the hosts to route through the
// tunnel.
type VPNConfig struct {
	Gateway  string   `toml:"gateway"`
	Username string   `toml:"username,omitempty"`
	Protocol string   `toml:"protocol"`
	Hosts    []string `toml:"hosts"`
}

// PreferencesConfig holds connection behavior preferences.
type PreferencesConfig struct {
	SavePassword         bool   `toml:"save_password"`
	DuoMethod            string `toml:"duo_method"`
	AutoConnect          bool   `toml:"auto_connect"`
	AutoReconnect        bool   `toml:"auto_reconnect"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	ReconnectDelaySecs   int    `toml:"reconnect_delay_secs"`
	InboundTimeoutSecs   int    `toml:"inbound_timeout_secs"`
}

// DefaultConfig returns a config populated with the stock gateway and
// preference values.
func DefaultConfig() *Config {
	return &Config{
		VPN: VPNConfig{
			Gateway:  defaultGateway,
			Protocol: defaultProtocol,
			Hosts:    []string{"prometheus.pmacs.upenn.edu"},
		},
		Preferences: PreferencesConfig{
			DuoMethod:            defaultDuoMethod,
			AutoReconnect:        true,
			MaxReconnectAttempts: defaultMaxReconnectAttempts,
			ReconnectDelaySecs:   defaultReconnectDelaySecs,
			InboundTimeoutSecs:   defaultInboundTimeoutSecs,
		},
	}
}

// LoadConfig reads and validates the configuration file at path.
func LoadConfig(path string) (*Config, error) {

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewBoundary(errors.KindConfig, err)
	}

	config := DefaultConfig()
	err = toml.Unmarshal(data, config)
	if err != nil {
		return nil, errors.NewBoundary(errors.KindConfig, err)
	}

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

// Save writes the configuration to path.
func (config *Config) Save(path string) error {

	data, err := toml.Marshal(*config)
	if err != nil {
		return errors.Trace(err)
	}

	err = os.WriteFile(path, data, 0600)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func (config *Config) validate() error {

	if config.VPN.Gateway == "" {
		return errors.NewBoundaryf(errors.KindConfig, "missing vpn.gateway")
	}

	if config.VPN.Protocol != defaultProtocol {
		return errors.NewBoundaryf(
			errors.KindConfig, "unsupported protocol %q", config.VPN.Protocol)
	}

	switch config.Preferences.DuoMethod {
	case "push", "sms", "call", "passcode":
	default:
		return errors.NewBoundaryf(
			errors.KindConfig, "invalid duo_method %q", config.Preferences.DuoMethod)
	}

	if config.Preferences.MaxReconnectAttempts < 0 ||
		config.Preferences.ReconnectDelaySecs < 0 ||
		config.Preferences.InboundTimeoutSecs < 0 {
		return errors.NewBoundaryf(errors.KindConfig, "negative preference value")
	}

	return nil
}

// StateDirectory returns the per-user state directory, creating it when
// absent. HOME is preferred; USERPROFILE is the fallback on platforms where
// HOME is unset.
func StateDirectory() (string, error) {

	home := os.Getenv("HOME")
	if home == "" {
		home = os.Getenv("USERPROFILE")
	}
	if home == "" {
		return "", errors.TraceNew("no HOME or USERPROFILE in environment")
	}

	dir := filepath.Join(home, ".pmacs-vpn")
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		return "", errors.Trace(err)
	}

	return dir, nil
}
