// Package config loads turncored's TOML configuration: the relay
// addresses, port range, quotas, and credential material consumed at
// session init, per the allocation core's configuration surface.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is where turncored looks for its configuration when
// none is given on the command line.
const DefaultConfigPath = "/etc/turncored/config.toml"

// Config is the top-level configuration for turncored.
type Config struct {
	Server Server `toml:"server"`
	Relay  Relay  `toml:"relay"`
	Quota  Quota  `toml:"quota"`
	Auth   Auth   `toml:"auth"`
}

// Server controls the client-facing listener.
type Server struct {
	// ListenAddr is the UDP address turncored accepts TURN requests on
	// (e.g. "0.0.0.0:3478").
	ListenAddr string `toml:"listen_addr"`

	// Name is placed in the SOFTWARE attribute of every response.
	Name string `toml:"name"`

	// BlacklistFile, if set, is a newline-separated file of extra CIDR
	// entries merged on top of the mandatory defaults (see
	// internal/blacklist).
	BlacklistFile string `toml:"blacklist_file,omitempty"`

	// KernelSync, if true, mirrors the blacklist into a Linux nftables
	// table as defense in depth (see internal/blacklist.KernelSync).
	// On non-Linux platforms the sync fails; turncored logs the failure
	// and continues with the in-process checks only.
	KernelSync bool `toml:"kernel_sync,omitempty"`
}

// Relay controls the addresses and ports advertised to clients. The
// core never owns the real relay socket (the parent process does), so
// MockRelayIP is what actually appears in XOR-RELAYED-ADDRESS.
type Relay struct {
	IPv4Addr    string `toml:"ipv4_addr"`
	IPv6Addr    string `toml:"ipv6_addr,omitempty"`
	MockRelayIP string `toml:"mock_relay_ip"`
	MinPort     int    `toml:"min_port"`
	MaxPort     int    `toml:"max_port"`
}

// Quota bounds per-allocation and per-user resource use.
type Quota struct {
	MaxPermissions int `toml:"max_permissions"`
	MaxAllocs      int `toml:"max_allocs"`

	// LifetimeSeconds is the default/requested allocation lifetime at
	// init. Values below 600 seconds fall back to the 10-minute default,
	// per the core's documented minimum.
	LifetimeSeconds int `toml:"lifetime_seconds,omitempty"`
}

// Auth holds the long-term credential material used to derive and
// verify per-session auth keys (realm + shared secret, TURN REST style).
type Auth struct {
	Realm  string `toml:"realm"`
	Secret string `toml:"secret"`
}

const (
	// MinLifetime is the floor below which a requested or configured
	// lifetime is rejected in favor of DefaultLifetime.
	MinLifetime = 10 * time.Minute
	// DefaultLifetime is used when no usable lifetime was supplied.
	DefaultLifetime = 10 * time.Minute
	// MaxLifetime is the ceiling every granted lifetime is clamped to.
	MaxLifetime = time.Hour
)

// Default returns a Config with every field at the allocation core's
// documented defaults except the fields that have no sensible default
// (relay addresses, auth secret) and must be supplied by the operator.
func Default() *Config {
	return &Config{
		Server: Server{
			ListenAddr: "0.0.0.0:3478",
			Name:       "turncored",
		},
		Relay: Relay{
			MinPort: 49152,
			MaxPort: 65535,
		},
		Quota: Quota{
			MaxPermissions:  10,
			MaxAllocs:       0,
			LifetimeSeconds: int(DefaultLifetime / time.Second),
		},
	}
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the allocation core cannot safely run
// without: a parseable relay/mock address and a sane port range.
func (c *Config) Validate() error {
	if c.Relay.MockRelayIP == "" {
		return errors.New("config: relay.mock_relay_ip is required")
	}
	if net.ParseIP(c.Relay.MockRelayIP) == nil {
		return fmt.Errorf("config: relay.mock_relay_ip %q is not a valid IP", c.Relay.MockRelayIP)
	}
	if c.Relay.IPv4Addr != "" && net.ParseIP(c.Relay.IPv4Addr) == nil {
		return fmt.Errorf("config: relay.ipv4_addr %q is not a valid IP", c.Relay.IPv4Addr)
	}
	if c.Relay.IPv6Addr != "" && net.ParseIP(c.Relay.IPv6Addr) == nil {
		return fmt.Errorf("config: relay.ipv6_addr %q is not a valid IP", c.Relay.IPv6Addr)
	}
	if c.Relay.MinPort <= 0 || c.Relay.MaxPort < c.Relay.MinPort || c.Relay.MaxPort > 65535 {
		return fmt.Errorf("config: invalid port range [%d, %d]", c.Relay.MinPort, c.Relay.MaxPort)
	}
	if c.Quota.MaxPermissions <= 0 {
		return errors.New("config: quota.max_permissions must be positive")
	}
	return nil
}

// Lifetime resolves the configured LifetimeSeconds into a Duration,
// applying the documented fallback: a value below 600 seconds or
// non-numeric (zero, in Go's typed setting) falls back to
// DefaultLifetime.
func (c *Config) Lifetime() time.Duration {
	if c.Quota.LifetimeSeconds < 600 {
		return DefaultLifetime
	}
	d := time.Duration(c.Quota.LifetimeSeconds) * time.Second
	if d > MaxLifetime {
		return MaxLifetime
	}
	return d
}
