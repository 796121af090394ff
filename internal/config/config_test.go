package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_PassesValidateOnceRelayFilled(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Relay.MockRelayIP = "127.0.0.1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"missing mock relay ip", func(c *Config) { c.Relay.MockRelayIP = "" }, true},
		{"bad mock relay ip", func(c *Config) { c.Relay.MockRelayIP = "not-an-ip" }, true},
		{"bad ipv4 addr", func(c *Config) { c.Relay.MockRelayIP = "127.0.0.1"; c.Relay.IPv4Addr = "nope" }, true},
		{"inverted port range", func(c *Config) { c.Relay.MockRelayIP = "127.0.0.1"; c.Relay.MinPort = 100; c.Relay.MaxPort = 50 }, true},
		{"zero max permissions", func(c *Config) { c.Relay.MockRelayIP = "127.0.0.1"; c.Quota.MaxPermissions = 0 }, true},
		{"valid", func(c *Config) { c.Relay.MockRelayIP = "127.0.0.1" }, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLifetime_Fallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		seconds int
		want    time.Duration
	}{
		{0, DefaultLifetime},
		{599, DefaultLifetime},
		{600, 600 * time.Second},
		{3600, time.Hour},
		{7200, MaxLifetime},
	}

	for _, tt := range tests {
		cfg := Default()
		cfg.Quota.LifetimeSeconds = tt.seconds
		if got := cfg.Lifetime(); got != tt.want {
			t.Errorf("Lifetime() with %ds = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[server]
listen_addr = "0.0.0.0:3478"
name = "turncored-test"

[relay]
ipv4_addr = "203.0.113.1"
mock_relay_ip = "203.0.113.1"
min_port = 50000
max_port = 50010

[quota]
max_permissions = 5
max_allocs = 2

[auth]
realm = "example.com"
secret = "s3cr3t"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Name != "turncored-test" {
		t.Errorf("Server.Name = %q", cfg.Server.Name)
	}
	if cfg.Quota.MaxPermissions != 5 {
		t.Errorf("Quota.MaxPermissions = %d, want 5", cfg.Quota.MaxPermissions)
	}
	if cfg.Auth.Realm != "example.com" {
		t.Errorf("Auth.Realm = %q", cfg.Auth.Realm)
	}
}
