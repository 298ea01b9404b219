package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type appConfig struct {
	device         string
	broadcastWait  time.Duration
	touchTimeout   time.Duration
	logFormat      string
	logLevel       string
	automatic      bool
	metricsAddr    string
	sourceAddr     uint8
	reconnectDelay time.Duration
}

func parseFlags(argv []string) (*appConfig, bool, error) {
	fs := pflag.NewFlagSet("mendeleev-addr", pflag.ContinueOnError)
	cfg := &appConfig{}

	device := fs.StringP("device", "d", "/dev/ttyUSB0", "RS-485 device path, or socket://host:port")
	broadcastWait := fs.DurationP("broadcast-wait", "w", 500*time.Millisecond, "settle time after each broadcast setup command")
	touchTimeout := fs.Duration("touch-timeout", 0, "per-address wait for a touch in manual mode (0 = unbounded)")
	logFormat := fs.String("log-format", "text", "log format: text|json")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	automatic := fs.BoolP("auto", "a", true, "automatic mode: sweep addresses 1..118 without prompting")
	noAuto := fs.Bool("no-auto", false, "manual mode: prompt for each address (overrides --auto)")
	metricsAddr := fs.String("metrics-addr", "", "metrics HTTP listen address (e.g. :9100); empty disables")
	sourceAddr := fs.Uint8("source-addr", 0, "address the master identifies itself with")
	reconnectDelay := fs.Duration("reconnect-delay", 10*time.Second, "steady-state reconnect back-off")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(argv); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return nil, true, nil
	}

	cfg.device = *device
	cfg.broadcastWait = *broadcastWait
	cfg.touchTimeout = *touchTimeout
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.automatic = *automatic && !*noAuto
	cfg.metricsAddr = *metricsAddr
	cfg.sourceAddr = *sourceAddr
	cfg.reconnectDelay = *reconnectDelay

	if err := applyEnvOverrides(cfg, fs); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// applyEnvOverrides maps MENDELEEV_* environment variables onto cfg, skipping
// any field whose flag was explicitly set on the command line — the flag
// always wins over the environment.
func applyEnvOverrides(c *appConfig, fs *pflag.FlagSet) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if !fs.Changed("device") {
		if v, ok := get("MENDELEEV_DEVICE"); ok && v != "" {
			c.device = v
		}
	}
	if !fs.Changed("broadcast-wait") {
		if v, ok := get("MENDELEEV_BROADCAST_WAIT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.broadcastWait = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MENDELEEV_BROADCAST_WAIT: %w", err)
			}
		}
	}
	if !fs.Changed("touch-timeout") {
		if v, ok := get("MENDELEEV_TOUCH_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.touchTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MENDELEEV_TOUCH_TIMEOUT: %w", err)
			}
		}
	}
	if !fs.Changed("log-format") {
		if v, ok := get("MENDELEEV_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if !fs.Changed("log-level") {
		if v, ok := get("MENDELEEV_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if !fs.Changed("auto") && !fs.Changed("no-auto") {
		if v, ok := get("MENDELEEV_AUTO"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.automatic = true
			case "0", "false", "no", "off":
				c.automatic = false
			}
		}
	}
	if !fs.Changed("metrics-addr") {
		if v, ok := get("MENDELEEV_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if !fs.Changed("source-addr") {
		if v, ok := get("MENDELEEV_SOURCE_ADDR"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 8); err == nil {
				c.sourceAddr = uint8(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid MENDELEEV_SOURCE_ADDR: %w", err)
			}
		}
	}
	if !fs.Changed("reconnect-delay") {
		if v, ok := get("MENDELEEV_RECONNECT_DELAY"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.reconnectDelay = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MENDELEEV_RECONNECT_DELAY: %w", err)
			}
		}
	}
	return firstErr
}

func (c *appConfig) validate() error {
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.device == "" {
		return fmt.Errorf("device must not be empty")
	}
	if c.broadcastWait <= 0 {
		return fmt.Errorf("broadcast-wait must be > 0")
	}
	if c.touchTimeout < 0 {
		return fmt.Errorf("touch-timeout must be >= 0")
	}
	return nil
}
