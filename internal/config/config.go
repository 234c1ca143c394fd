// Package config loads server configuration from command-line flags,
// falling back to environment variables.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
)

// Mode values for the filesystem.
const (
	ModeReadOnly  = "ro"
	ModeReadWrite = "rw"
)

// Config holds all serve-command configuration.
type Config struct {
	// Auth: at least one of APIToken and RootID is required. With only
	// an APIToken, the account's root folder is served.
	APIToken string
	RootID   string
	// Password is stored as its sha256 hex digest, which is the form
	// the API expects.
	Password string

	Host string
	Port int
	Mode string

	// Bypass enables the quota-bypass download route for public files.
	Bypass bool

	// WarmDepth pre-populates the folder cache to this depth below the
	// root at startup. 0 disables warming.
	WarmDepth int

	MetricsAddr string

	LogLevel  string
	LogFormat string
}

// Load parses args (without the program name) and applies GOFILE_*
// environment fallbacks.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.APIToken, "api-token", envOr("GOFILE_API_TOKEN", ""), "GoFile API token (guest account when empty)")
	fs.StringVar(&cfg.RootID, "root-id", envOr("GOFILE_ROOT_ID", ""), "root folder id or code")
	fs.StringVar(&cfg.Password, "password", envOr("GOFILE_PASSWORD", ""), "folder password")
	fs.StringVar(&cfg.Host, "host", envOr("GOFILE_HOST", "127.0.0.1"), "listen host")
	fs.IntVar(&cfg.Port, "port", envInt("GOFILE_PORT", 4914), "listen port")
	fs.StringVar(&cfg.Mode, "mode", envOr("GOFILE_MODE", ModeReadOnly), "filesystem mode: ro or rw")
	fs.BoolVar(&cfg.Bypass, "bypass", envBool("GOFILE_BYPASS", false), "route public downloads through the quota-bypass service")
	fs.IntVar(&cfg.WarmDepth, "warm-depth", envInt("GOFILE_WARM_DEPTH", 0), "pre-fetch folders to this depth at startup (0 disables)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", envOr("GOFILE_METRICS_ADDR", ""), "Prometheus metrics listen address (disabled when empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", envOr("GOFILE_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", envOr("GOFILE_LOG_FORMAT", "console"), "log format: console or json")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.APIToken == "" && cfg.RootID == "" {
		return nil, fmt.Errorf("either -api-token or -root-id is required")
	}
	if cfg.Mode != ModeReadOnly && cfg.Mode != ModeReadWrite {
		return nil, fmt.Errorf("invalid mode %q: want %q or %q", cfg.Mode, ModeReadOnly, ModeReadWrite)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.WarmDepth < 0 {
		return nil, fmt.Errorf("invalid warm depth %d", cfg.WarmDepth)
	}
	if cfg.Password != "" {
		sum := sha256.Sum256([]byte(cfg.Password))
		cfg.Password = hex.EncodeToString(sum[:])
	}

	return cfg, nil
}

// Writable reports whether mutating WebDAV operations are allowed.
func (c *Config) Writable() bool {
	return c.Mode == ModeReadWrite
}

// ListenAddr returns the host:port the WebDAV server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
