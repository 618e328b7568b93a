// ABOUTME: Configuration loading and parsing for mcpgate
// ABOUTME: Supports YAML or TOML files with environment variable expansion, durations, and byte sizes

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Audit sink names accepted in audit.sinks.
const (
	SinkLog    = "log"
	SinkSQLite = "sqlite"
)

// Defaults applied when a field is left empty.
const (
	DefaultMaxBodySize     = "1MiB"
	DefaultMaxKeySetSize   = "1MiB"
	DefaultMetricsPath     = "/metrics"
	DefaultMCPPath         = "/mcp"
	DefaultShutdownTimeout = 10 * time.Second
)

// Config represents the complete mcpgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Gate      GateConfig      `yaml:"gate" toml:"gate"`
	MCP       MCPConfig       `yaml:"mcp" toml:"mcp"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS on :443 with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// IssuerConfig names one trusted token issuer and where its keys live.
// With neither jwks_url nor jwks_file, keys are fetched from
// <issuer>/.well-known/jwks.json.
type IssuerConfig struct {
	Issuer   string `yaml:"issuer" toml:"issuer"`
	JWKSURL  string `yaml:"jwks_url" toml:"jwks_url"`
	JWKSFile string `yaml:"jwks_file" toml:"jwks_file"`
}

// AuthConfig holds token verification configuration
type AuthConfig struct {
	Issuers    []IssuerConfig `yaml:"issuers" toml:"issuers"`
	Audiences  []string       `yaml:"audiences" toml:"audiences"`
	Algorithms []string       `yaml:"algorithms" toml:"algorithms"`

	// ResourceURL is the public base URL of this gate, used for the
	// protected resource metadata document and WWW-Authenticate challenges.
	ResourceURL     string   `yaml:"resource_url" toml:"resource_url"`
	ResourceName    string   `yaml:"resource_name" toml:"resource_name"`
	ScopesSupported []string `yaml:"scopes_supported" toml:"scopes_supported"`

	Leeway                time.Duration `yaml:"-" toml:"-"`
	KeyRefreshInterval    time.Duration `yaml:"-" toml:"-"`
	KeyMinRefreshInterval time.Duration `yaml:"-" toml:"-"`
	KeyRefreshTimeout     time.Duration `yaml:"-" toml:"-"`
	MaxKeySetBytes        int64         `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	LeewayRaw                string `yaml:"leeway" toml:"leeway"`
	KeyRefreshIntervalRaw    string `yaml:"key_refresh_interval" toml:"key_refresh_interval"`
	KeyMinRefreshIntervalRaw string `yaml:"key_min_refresh_interval" toml:"key_min_refresh_interval"`
	KeyRefreshTimeoutRaw     string `yaml:"key_refresh_timeout" toml:"key_refresh_timeout"`
	MaxKeySetSizeRaw         string `yaml:"max_key_set_size" toml:"max_key_set_size"`
}

// GateConfig holds the authentication gate configuration
type GateConfig struct {
	// ExemptMethods may be called without a token. Unset means the MCP
	// discovery defaults; an explicit empty list exempts nothing.
	ExemptMethods []string `yaml:"exempt_methods" toml:"exempt_methods"`

	MaxBodyBytes    int64         `yaml:"-" toml:"-"`
	BodyReadTimeout time.Duration `yaml:"-" toml:"-"`

	MaxBodySizeRaw     string `yaml:"max_body_size" toml:"max_body_size"`
	BodyReadTimeoutRaw string `yaml:"body_read_timeout" toml:"body_read_timeout"`
}

// MCPConfig holds configuration for the dispatcher behind the gate
type MCPConfig struct {
	Path       string        `yaml:"path" toml:"path"`
	SessionTTL time.Duration `yaml:"-" toml:"-"`

	SessionTTLRaw string `yaml:"session_ttl" toml:"session_ttl"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// Sinks lists where records go: "log", "sqlite". Unset means both.
	Sinks        []string      `yaml:"sinks" toml:"sinks"`
	QueueSize    int           `yaml:"queue_size" toml:"queue_size"`
	WriteTimeout time.Duration `yaml:"-" toml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// Enabled reports whether the named sink is configured.
func (a AuditConfig) Enabled(sink string) bool {
	for _, s := range a.Sinks {
		if s == sink {
			return true
		}
	}
	return false
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration and byte size strings are parsed into typed values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration content. It expands environment variables,
// applies defaults, and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := parseSizes(&cfg); err != nil {
		return nil, fmt.Errorf("parsing sizes: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MCP.Path == "" {
		c.MCP.Path = DefaultMCPPath
	}
	if c.Audit.Sinks == nil {
		c.Audit.Sinks = []string{SinkLog, SinkSQLite}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	if c.Gate.MaxBodyBytes <= 0 {
		return fmt.Errorf("gate.max_body_size must be positive, got %d", c.Gate.MaxBodyBytes)
	}
	for _, m := range c.Gate.ExemptMethods {
		if strings.TrimSpace(m) == "" {
			return errors.New("gate.exempt_methods must not contain empty names")
		}
	}

	if !strings.HasPrefix(c.MCP.Path, "/") {
		return fmt.Errorf("mcp.path must start with /, got %q", c.MCP.Path)
	}

	for _, s := range c.Audit.Sinks {
		if s != SinkLog && s != SinkSQLite {
			return fmt.Errorf("audit.sinks: unknown sink %q", s)
		}
	}
	if c.Audit.QueueSize < 0 {
		return errors.New("audit.queue_size must not be negative")
	}
	if c.Audit.Enabled(SinkSQLite) && c.Database.Path == "" {
		return errors.New("database.path is required when the sqlite audit sink is enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (a *AuthConfig) validate() error {
	if len(a.Issuers) == 0 {
		return errors.New("auth.issuers requires at least one issuer")
	}
	seen := make(map[string]bool, len(a.Issuers))
	for i, iss := range a.Issuers {
		if iss.Issuer == "" {
			return fmt.Errorf("auth.issuers[%d].issuer is required", i)
		}
		if seen[iss.Issuer] {
			return fmt.Errorf("auth.issuers: duplicate issuer %q", iss.Issuer)
		}
		seen[iss.Issuer] = true
		if iss.JWKSURL != "" && iss.JWKSFile != "" {
			return fmt.Errorf("auth.issuers[%d]: jwks_url and jwks_file are mutually exclusive", i)
		}
		if iss.JWKSURL != "" {
			if err := requireHTTPURL(iss.JWKSURL); err != nil {
				return fmt.Errorf("auth.issuers[%d].jwks_url: %w", i, err)
			}
		}
	}

	if len(a.Audiences) == 0 {
		return errors.New("auth.audiences requires at least one audience")
	}
	for _, alg := range a.Algorithms {
		if strings.HasPrefix(strings.ToUpper(alg), "HS") || strings.EqualFold(alg, "none") {
			return fmt.Errorf("auth.algorithms: %q is not an asymmetric algorithm", alg)
		}
	}
	if a.Leeway < 0 {
		return errors.New("auth.leeway must not be negative")
	}
	if a.ResourceURL != "" {
		if err := requireHTTPURL(a.ResourceURL); err != nil {
			return fmt.Errorf("auth.resource_url: %w", err)
		}
	}
	return nil
}

func requireHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must use http or https scheme")
	}
	if u.Host == "" {
		return errors.New("must include a host")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.leeway", cfg.Auth.LeewayRaw, &cfg.Auth.Leeway},
		{"auth.key_refresh_interval", cfg.Auth.KeyRefreshIntervalRaw, &cfg.Auth.KeyRefreshInterval},
		{"auth.key_min_refresh_interval", cfg.Auth.KeyMinRefreshIntervalRaw, &cfg.Auth.KeyMinRefreshInterval},
		{"auth.key_refresh_timeout", cfg.Auth.KeyRefreshTimeoutRaw, &cfg.Auth.KeyRefreshTimeout},
		{"gate.body_read_timeout", cfg.Gate.BodyReadTimeoutRaw, &cfg.Gate.BodyReadTimeout},
		{"mcp.session_ttl", cfg.MCP.SessionTTLRaw, &cfg.MCP.SessionTTL},
		{"audit.write_timeout", cfg.Audit.WriteTimeoutRaw, &cfg.Audit.WriteTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// parseSizes converts human readable sizes such as "10MB" or "1MiB" into bytes.
func parseSizes(cfg *Config) error {
	var err error
	if cfg.Gate.MaxBodyBytes, err = parseSize("gate.max_body_size", cfg.Gate.MaxBodySizeRaw, DefaultMaxBodySize); err != nil {
		return err
	}
	if cfg.Auth.MaxKeySetBytes, err = parseSize("auth.max_key_set_size", cfg.Auth.MaxKeySetSizeRaw, DefaultMaxKeySetSize); err != nil {
		return err
	}
	return nil
}

func parseSize(name, raw, fallback string) (int64, error) {
	if raw == "" {
		raw = fallback
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	if n > 1<<40 {
		return 0, fmt.Errorf("%s %q is unreasonably large", name, raw)
	}
	return int64(n), nil
}
