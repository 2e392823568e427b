// Package config provides configuration parsing and validation for the
// SOCKS5 proxy.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide, read-only configuration assembled once at
// startup, before the accept loop starts, and never mutated after.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	DNS     DNSConfig     `yaml:"dns"`
	UDP     UDPConfig     `yaml:"udp"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the listen address and admission-control settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxConnections int           `yaml:"max_connections"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Address joins Host and Port the way net.Listen expects.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig defines the server's optional credentials. This is a small
// config-file list of accounts, not a credential database.
type AuthConfig struct {
	// Required disables NO_AUTH: when true, clients must authenticate.
	Required bool `yaml:"required"`

	// Users lists the configured accounts, each with a plaintext Password
	// or a bcrypt PasswordHash. Plaintext entries are kept for parity with
	// environment-variable configuration, which has no natural place to
	// store a bcrypt hash.
	Users []UserConfig `yaml:"users"`
}

// UserConfig is one configured credential.
type UserConfig struct {
	Username string `yaml:"username"`
	// Password is the plaintext password (deprecated, use PasswordHash).
	Password string `yaml:"password,omitempty"`
	// PasswordHash is the bcrypt hash of the password (recommended).
	// Generate with the hash-password CLI subcommand.
	PasswordHash string `yaml:"password_hash,omitempty"`
}

// DNSConfig bounds the forward-resolution path.
type DNSConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"`
}

// UDPConfig bounds the UDP ASSOCIATE relay.
type UDPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
}

// MetricsConfig controls the optional Prometheus/health HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig controls the structured logger's level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible out-of-the-box values: listen on
// localhost:1080, a connection cap of 200, a 2s/1024-entry DNS resolver,
// and 120s/10s UDP idle/forward timeouts.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "localhost",
			Port:           1080,
			MaxConnections: 200,
			ConnectTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Required: false,
		},
		DNS: DNSConfig{
			Timeout:   2 * time.Second,
			CacheSize: 1024,
		},
		UDP: UDPConfig{
			Enabled:        true,
			IdleTimeout:    120 * time.Second,
			ForwardTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration file. A missing path is not an
// error: the caller gets Default() back, since the CLI is fully usable
// with only flags and environment variables.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		applyEnv(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying environment
// variable expansion, defaults, and the SOCKS5_* environment overrides.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv layers SOCKS5_USERNAME / SOCKS5_PASSWORD / SOCKS5_AUTH_REQUIRED
// on top of whatever the file or defaults set.
func applyEnv(cfg *Config) {
	user, hasUser := os.LookupEnv("SOCKS5_USERNAME")
	pass, hasPass := os.LookupEnv("SOCKS5_PASSWORD")
	if hasUser && hasPass {
		cfg.Auth.Users = append(cfg.Auth.Users, UserConfig{Username: user, Password: pass})
	}
	if v, ok := os.LookupEnv("SOCKS5_AUTH_REQUIRED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.Required = b
		}
	}
}

// envVarRegex matches ${VAR} or $VAR patterns, with an optional
// ${VAR:-default} fallback.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors a misconfigured deployment
// would otherwise only discover at runtime.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections <= 0 {
		errs = append(errs, "server.max_connections must be positive")
	}
	if c.Server.ConnectTimeout <= 0 {
		errs = append(errs, "server.connect_timeout must be positive")
	}
	if c.DNS.Timeout <= 0 {
		errs = append(errs, "dns.timeout must be positive")
	}
	if c.UDP.Enabled {
		if c.UDP.IdleTimeout <= 0 {
			errs = append(errs, "udp.idle_timeout must be positive when udp.enabled")
		}
		if c.UDP.ForwardTimeout <= 0 {
			errs = append(errs, "udp.forward_timeout must be positive when udp.enabled")
		}
	}
	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("logging.level %q invalid", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("logging.format %q invalid", c.Logging.Format))
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d].username is required", i))
		}
		if u.Password == "" && u.PasswordHash == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d] needs password or password_hash", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "disabled", "debug", "info", "warn", "warning", "error", "critical":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

// PlaintextUsers returns Auth.Users reduced to a username->password map,
// for entries configured without a hash.
func (c *Config) PlaintextUsers() map[string]string {
	m := make(map[string]string)
	for _, u := range c.Auth.Users {
		if u.PasswordHash == "" && u.Password != "" {
			m[u.Username] = u.Password
		}
	}
	return m
}

// HashedUsers returns Auth.Users reduced to a username->bcrypt-hash map.
func (c *Config) HashedUsers() map[string]string {
	m := make(map[string]string)
	for _, u := range c.Auth.Users {
		if u.PasswordHash != "" {
			m[u.Username] = u.PasswordHash
		}
	}
	return m
}
