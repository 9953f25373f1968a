// Package config loads runtime configuration for the voxgate server.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the voxgate server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	ListenAddr    string        // signaling/media WebSocket listener
	HTTPPort      int           // admin API and metrics
	DataDir       string        // sqlite CDR storage
	LogLevel      string
	LogFormat     string        // "text" or "json"
	FrameBytes    int           // media frame size
	FrameInterval time.Duration // media clock cadence
	RecorderWait  time.Duration // bound on terminal-record delivery
	SessionIdle   time.Duration // idle-session reaper cutoff, 0 disables
	CDRBackend    string        // "log", "sqlite" or "postgres"
	CDRDSN        string        // postgres connection string
	JWTSecret     string        // admin API bearer auth; empty disables auth
	ImplicitOK    bool          // allow events without sessionId on single-session connections
	EventRate     float64       // control events per second per connection, 0 disables
	EventBurst    int
	AnswerDelay   time.Duration // demo autoresponder answer delay, <0 disables auto-answer
}

// defaults
const (
	defaultListenAddr    = ":4143"
	defaultHTTPPort      = 8080
	defaultDataDir       = "./data"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultFrameBytes    = 160
	defaultFrameInterval = 20 * time.Millisecond
	defaultRecorderWait  = 5 * time.Second
	defaultSessionIdle   = 2 * time.Minute
	defaultCDRBackend    = "sqlite"
	defaultEventRate     = 50.0
	defaultEventBurst    = 100
	defaultAnswerDelay   = time.Second
)

// envPrefix is the prefix for all voxgate environment variables.
const envPrefix = "VOXGATE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voxgate", flag.ContinueOnError)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", defaultListenAddr, "WebSocket listen address for signaling and media")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "admin API and metrics listen port")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite CDR store")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.IntVar(&cfg.FrameBytes, "frame-bytes", defaultFrameBytes, "media frame size in bytes")
	fs.DurationVar(&cfg.FrameInterval, "frame-interval", defaultFrameInterval, "media frame pacing interval")
	fs.DurationVar(&cfg.RecorderWait, "recorder-timeout", defaultRecorderWait, "bound on terminal-record delivery to the CDR store")
	fs.DurationVar(&cfg.SessionIdle, "session-idle-timeout", defaultSessionIdle, "idle session reaper cutoff (0 disables)")
	fs.StringVar(&cfg.CDRBackend, "cdr-backend", defaultCDRBackend, "CDR storage backend (log, sqlite, postgres)")
	fs.StringVar(&cfg.CDRDSN, "cdr-dsn", "", "postgresql connection string for the postgres CDR backend")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "HMAC secret for admin API bearer tokens (empty disables auth)")
	fs.BoolVar(&cfg.ImplicitOK, "allow-implicit-session", false, "accept events without a sessionId on connections hosting a single session")
	fs.Float64Var(&cfg.EventRate, "event-rate", defaultEventRate, "control events per second allowed per connection (0 disables limiting)")
	fs.IntVar(&cfg.EventBurst, "event-burst", defaultEventBurst, "control event burst allowance per connection")
	fs.DurationVar(&cfg.AnswerDelay, "answer-delay", defaultAnswerDelay, "autoresponder answer delay (-1ns disables auto-answer)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets flag values from the environment for any flag
// not explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if err := f.Value.Set(val); err != nil {
			slog.Warn("ignoring invalid environment override",
				"var", envVar,
				"value", val,
				"error", err,
			)
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.FrameBytes < 1 || c.FrameBytes > 65536 {
		return fmt.Errorf("frame-bytes must be between 1 and 65536, got %d", c.FrameBytes)
	}
	if c.FrameInterval < time.Millisecond {
		return fmt.Errorf("frame-interval must be at least 1ms, got %s", c.FrameInterval)
	}
	if c.RecorderWait <= 0 {
		return fmt.Errorf("recorder-timeout must be positive, got %s", c.RecorderWait)
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

	switch c.CDRBackend {
	case "log", "sqlite":
	case "postgres":
		if c.CDRDSN == "" {
			return fmt.Errorf("cdr-dsn is required for the postgres CDR backend")
		}
	default:
		return fmt.Errorf("cdr-backend must be one of log, sqlite, postgres; got %q", c.CDRBackend)
	}

	if c.EventRate < 0 {
		return fmt.Errorf("event-rate must not be negative, got %s", strconv.FormatFloat(c.EventRate, 'f', -1, 64))
	}

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured level.
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
