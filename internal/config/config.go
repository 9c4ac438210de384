package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the PBX simulator.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	Port          int
	AdminAddr     string
	MaxExtensions int
	LogLevel      string
	LogFormat     string
	AcceptRate    float64
	AcceptBurst   int
}

// defaults
const (
	defaultPort          = 7777
	defaultAdminAddr     = "127.0.0.1:9090"
	defaultMaxExtensions = 100
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultAcceptRate    = 5.0
	defaultAcceptBurst   = 10
)

// envPrefix is the prefix for all PBX simulator environment variables.
const envPrefix = "PBXSIM_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("pbxsim", flag.ContinueOnError)

	fs.IntVar(&cfg.Port, "p", defaultPort, "TCP port the PBX line protocol listens on")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", defaultAdminAddr, "address the admin HTTP API (health/metrics/status) listens on")
	fs.IntVar(&cfg.MaxExtensions, "max-extensions", defaultMaxExtensions, "maximum number of simultaneously registered extensions")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.Float64Var(&cfg.AcceptRate, "accept-rate", defaultAcceptRate, "sustained new connections per second allowed per source address")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", defaultAcceptBurst, "burst of new connections allowed per source address")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"p":              envPrefix + "PORT",
		"admin-addr":     envPrefix + "ADMIN_ADDR",
		"max-extensions": envPrefix + "MAX_EXTENSIONS",
		"log-level":      envPrefix + "LOG_LEVEL",
		"log-format":     envPrefix + "LOG_FORMAT",
		"accept-rate":    envPrefix + "ACCEPT_RATE",
		"accept-burst":   envPrefix + "ACCEPT_BURST",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "p":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Port = v
			}
		case "admin-addr":
			cfg.AdminAddr = val
		case "max-extensions":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxExtensions = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "accept-rate":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.AcceptRate = v
			}
		case "accept-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AcceptBurst = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("-p must be between 1 and 65535, got %d", c.Port)
	}
	if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
		return fmt.Errorf("admin-addr must be a host:port address: %w", err)
	}
	if c.MaxExtensions < 1 {
		return fmt.Errorf("max-extensions must be at least 1, got %d", c.MaxExtensions)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.AcceptRate <= 0 {
		return fmt.Errorf("accept-rate must be positive, got %v", c.AcceptRate)
	}
	if c.AcceptBurst < 1 {
		return fmt.Errorf("accept-burst must be at least 1, got %d", c.AcceptBurst)
	}

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
