// Package config parses daemon and bench configuration from flags and
// environment variables. Environment is read first; flags override.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the recognized options. All have documented defaults.
type Config struct {
	Addr      string // listen address for the monitor daemon
	LogLevel  string // debug, info, warn, error
	LogFormat string // text or json

	BaseDelay       time.Duration // initial inter-job delay
	MinDelay        time.Duration // delay lower bound
	MaxDelay        time.Duration // delay upper bound
	TargetSpeedMbps float64       // speed the policy steers toward

	SampleInterval time.Duration // sampler tick period
	Interfaces     []string      // interface allowlist; empty discovers
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		Addr:            ":8090",
		LogLevel:        "info",
		LogFormat:       "text",
		BaseDelay:       time.Second,
		MinDelay:        100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		TargetSpeedMbps: 30,
		SampleInterval:  5 * time.Second,
	}
}

// Parse reads configuration for the named binary from the environment
// and command line.
func Parse(app string) (Config, error) {
	return parseWithFlagSet(flag.NewFlagSet(app, flag.ExitOnError), os.Args[1:])
}

// parseWithFlagSet is an internal helper for testing with isolated flag sets.
func parseWithFlagSet(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Defaults()

	// Environment first.
	if v := os.Getenv("PACELOOP_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("PACELOOP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PACELOOP_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("PACELOOP_TARGET_MBPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TargetSpeedMbps = f
		}
	}
	if v := os.Getenv("PACELOOP_IFACES"); v != "" {
		cfg.Interfaces = splitNonEmpty(v)
	}

	// Flags override.
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.DurationVar(&cfg.BaseDelay, "delay", cfg.BaseDelay, "initial inter-job delay")
	fs.DurationVar(&cfg.MinDelay, "min-delay", cfg.MinDelay, "delay lower bound")
	fs.DurationVar(&cfg.MaxDelay, "max-delay", cfg.MaxDelay, "delay upper bound")
	fs.Float64Var(&cfg.TargetSpeedMbps, "target-mbps", cfg.TargetSpeedMbps, "target transfer speed in Mbps")
	fs.DurationVar(&cfg.SampleInterval, "sample-interval", cfg.SampleInterval, "network sampling interval")

	ifaces := make([]string, 0)
	fs.Var((*stringSlice)(&ifaces), "iface", "interface to sample (repeatable)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if len(ifaces) > 0 {
		cfg.Interfaces = ifaces
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects inconsistent option combinations.
func (c Config) Validate() error {
	if c.MinDelay < 0 {
		return fmt.Errorf("config: negative min delay %s", c.MinDelay)
	}
	if c.MinDelay > c.MaxDelay {
		return fmt.Errorf("config: min delay %s exceeds max delay %s", c.MinDelay, c.MaxDelay)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("config: sample interval must be positive, got %s", c.SampleInterval)
	}
	if c.TargetSpeedMbps <= 0 {
		return fmt.Errorf("config: target speed must be positive, got %.1f", c.TargetSpeedMbps)
	}
	return nil
}

func splitNonEmpty(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var _ flag.Value = (*stringSlice)(nil)
