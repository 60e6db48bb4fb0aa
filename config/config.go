// Package config loads frame-rpc settings from a TOML file.
//
//	[server]
//	network = "tcp"
//	address = "127.0.0.1:7070"
//	advertise = "127.0.0.1:7070"
//	service = "render"
//	shutdown_timeout = "5s"
//
//	[client]
//	timeout = "5s"
//	pool_size = 2
//	balancer = "round_robin"
//	heartbeat = "30s"
//
//	[registry]
//	endpoints = ["127.0.0.1:2379"]
//	dial_timeout = "3s"
//	ttl = "10s"
//
//	[limits]
//	rate = 100.0
//	burst = 20
//	render_timeout = "2s"
//	retries = 0
//
//	[log]
//	level = "info"
//	format = "console"
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"frame-rpc/loadbalance"
	"frame-rpc/logging"
)

// Duration is a time.Duration written as a string ("5s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Client   ClientConfig   `toml:"client"`
	Registry RegistryConfig `toml:"registry"`
	Limits   LimitsConfig   `toml:"limits"`
	Log      logging.Config `toml:"log"`
}

type ServerConfig struct {
	Network         string   `toml:"network"`
	Address         string   `toml:"address"`
	Advertise       string   `toml:"advertise"` // Routable address registered for discovery; defaults to Address
	Service         string   `toml:"service"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type ClientConfig struct {
	Timeout   Duration `toml:"timeout"`
	PoolSize  int      `toml:"pool_size"`
	Balancer  string   `toml:"balancer"`
	Heartbeat Duration `toml:"heartbeat"` // Zero disables keepalive frames
}

// RegistryConfig enables etcd discovery when Endpoints is non-empty.
type RegistryConfig struct {
	Endpoints   []string `toml:"endpoints"`
	DialTimeout Duration `toml:"dial_timeout"`
	TTL         Duration `toml:"ttl"`
}

// LimitsConfig configures server render middleware. Zero values disable each limit.
type LimitsConfig struct {
	Rate          float64  `toml:"rate"`
	Burst         int      `toml:"burst"`
	RenderTimeout Duration `toml:"render_timeout"`
	Retries       int      `toml:"retries"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Network:         "tcp",
			Address:         "127.0.0.1:7070",
			Service:         "render",
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Client: ClientConfig{
			Timeout:  Duration{5 * time.Second},
			PoolSize: 1,
			Balancer: "round_robin",
		},
		Registry: RegistryConfig{
			DialTimeout: Duration{3 * time.Second},
			TTL:         Duration{10 * time.Second},
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Server.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("server.network %q: want tcp, tcp4, tcp6 or unix", c.Server.Network)
	}
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if c.Client.Timeout.Duration <= 0 {
		return errors.New("client.timeout must be positive")
	}
	if c.Client.PoolSize < 1 {
		return errors.New("client.pool_size must be at least 1")
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		return fmt.Errorf("client.balancer: %w", err)
	}
	if c.Limits.Rate < 0 || c.Limits.Burst < 0 || c.Limits.Retries < 0 {
		return errors.New("limits must not be negative")
	}
	if c.Limits.Rate > 0 && c.Limits.Burst == 0 {
		return errors.New("limits.burst must be set when limits.rate is")
	}
	return nil
}

// AdvertiseAddr returns the address to register for discovery.
func (s ServerConfig) AdvertiseAddr() string {
	if s.Advertise != "" {
		return s.Advertise
	}
	return s.Address
}
