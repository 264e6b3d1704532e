// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the nri-muxd configuration file.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/luxfi/nri/errdefs"
	"github.com/luxfi/nri/internal/logging"
	"github.com/luxfi/nri/rpc"
	"github.com/luxfi/nri/sandbox"
)

const (
	DefaultExternalSocket = "/var/run/nri/nri.sock"
	DefaultPluginTimeout  = 2 * time.Second
	DefaultMaxFrameSize   = 4 << 20
)

// Config is the daemon configuration.
type Config struct {
	ExternalSocket string
	PluginTimeout  time.Duration
	Codec          string
	// MaxFrameSize bounds trunk frame payloads. 0 means no bound.
	MaxFrameSize uint32
	// AdminAddr is the admin HTTP address. Empty disables the admin endpoint.
	AdminAddr string
	LogLevel  string
	Sandbox   SandboxConfig
}

// SandboxConfig selects the sandbox controller. Empty Address disables it.
type SandboxConfig struct {
	Sandboxer string
	Address   string
	Backoff   sandbox.Backoff
}

type fileConfig struct {
	ExternalSocket string      `toml:"external_socket"`
	PluginTimeout  string      `toml:"plugin_timeout"`
	Codec          string      `toml:"codec"`
	MaxFrameSize   int64       `toml:"max_frame_size"`
	AdminAddr      string      `toml:"admin_addr"`
	LogLevel       string      `toml:"log_level"`
	Sandbox        fileSandbox `toml:"sandbox"`
}

type fileSandbox struct {
	Sandboxer         string  `toml:"sandboxer"`
	Address           string  `toml:"address"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ExternalSocket: DefaultExternalSocket,
		PluginTimeout:  DefaultPluginTimeout,
		Codec:          rpc.CodecProto,
		MaxFrameSize:   DefaultMaxFrameSize,
		LogLevel:       "info",
		Sandbox: SandboxConfig{
			Backoff: sandbox.DefaultBackoff,
		},
	}
}

// Load overlays the keys defined in the TOML file at path onto Default and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown config key %q", errdefs.ErrInvalidArgument, undecoded[0].String())
	}

	if meta.IsDefined("external_socket") {
		cfg.ExternalSocket = strings.TrimSpace(raw.ExternalSocket)
	}

	if meta.IsDefined("plugin_timeout") {
		d, err := parseDuration("plugin_timeout", raw.PluginTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.PluginTimeout = d
	}

	if meta.IsDefined("codec") {
		cfg.Codec = strings.ToLower(strings.TrimSpace(raw.Codec))
	}

	if meta.IsDefined("max_frame_size") {
		if raw.MaxFrameSize < 0 || raw.MaxFrameSize > math.MaxUint32 {
			return Config{}, fmt.Errorf("%w: max_frame_size %d out of range", errdefs.ErrInvalidArgument, raw.MaxFrameSize)
		}
		cfg.MaxFrameSize = uint32(raw.MaxFrameSize)
	}

	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("sandbox", "sandboxer") {
		cfg.Sandbox.Sandboxer = strings.TrimSpace(raw.Sandbox.Sandboxer)
	}

	if meta.IsDefined("sandbox", "address") {
		cfg.Sandbox.Address = strings.TrimSpace(raw.Sandbox.Address)
	}

	if meta.IsDefined("sandbox", "backoff_initial") {
		d, err := parseDuration("sandbox.backoff_initial", raw.Sandbox.BackoffInitial)
		if err != nil {
			return Config{}, err
		}
		cfg.Sandbox.Backoff.Initial = d
	}

	if meta.IsDefined("sandbox", "backoff_max") {
		d, err := parseDuration("sandbox.backoff_max", raw.Sandbox.BackoffMax)
		if err != nil {
			return Config{}, err
		}
		cfg.Sandbox.Backoff.Max = d
	}

	if meta.IsDefined("sandbox", "backoff_multiplier") {
		cfg.Sandbox.Backoff.Multiplier = raw.Sandbox.BackoffMultiplier
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.ExternalSocket == "" {
		return fmt.Errorf("%w: external_socket is required", errdefs.ErrInvalidArgument)
	}
	if c.PluginTimeout <= 0 {
		return fmt.Errorf("%w: plugin_timeout must be positive", errdefs.ErrInvalidArgument)
	}
	if !rpc.HasCodec(c.Codec) {
		return fmt.Errorf("%w: codec %q, want one of %s", errdefs.ErrInvalidArgument, c.Codec, strings.Join(rpc.AvailableCodecs(), ", "))
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("%w: log_level %q", errdefs.ErrInvalidArgument, c.LogLevel)
	}
	if c.Sandbox.Address != "" && c.Sandbox.Sandboxer == "" {
		return fmt.Errorf("%w: sandbox.sandboxer is required with sandbox.address", errdefs.ErrInvalidArgument)
	}
	if b := c.Sandbox.Backoff; b.Initial < 0 || b.Max < 0 || b.Multiplier < 0 {
		return fmt.Errorf("%w: sandbox backoff must not be negative", errdefs.ErrInvalidArgument)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", errdefs.ErrInvalidArgument, key, err)
	}
	return d, nil
}
