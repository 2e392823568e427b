package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Host != "localhost" {
		t.Errorf("Server.Host = %q, want localhost", cfg.Server.Host)
	}
	if cfg.Server.Port != 1080 {
		t.Errorf("Server.Port = %d, want 1080", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections != 200 {
		t.Errorf("Server.MaxConnections = %d, want 200", cfg.Server.MaxConnections)
	}
	if cfg.Server.ConnectTimeout != 10*time.Second {
		t.Errorf("Server.ConnectTimeout = %v, want 10s", cfg.Server.ConnectTimeout)
	}
	if cfg.DNS.CacheSize != 1024 {
		t.Errorf("DNS.CacheSize = %d, want 1024", cfg.DNS.CacheSize)
	}
	if !cfg.UDP.Enabled {
		t.Error("UDP.Enabled = false, want true by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() failed validation: %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
server:
  host: "0.0.0.0"
  port: 1081
  max_connections: 50
auth:
  required: true
  users:
    - username: "alice"
      password: "secret"
dns:
  timeout: 3s
  cache_size: 512
udp:
  enabled: false
logging:
  level: "debug"
  format: "json"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.Address() != "0.0.0.0:1081" {
		t.Errorf("Server.Address() = %q, want 0.0.0.0:1081", cfg.Server.Address())
	}
	if cfg.Server.MaxConnections != 50 {
		t.Errorf("Server.MaxConnections = %d, want 50", cfg.Server.MaxConnections)
	}
	if !cfg.Auth.Required {
		t.Error("Auth.Required = false, want true")
	}
	if len(cfg.Auth.Users) != 1 || cfg.Auth.Users[0].Username != "alice" {
		t.Fatalf("Auth.Users = %+v, want one user alice", cfg.Auth.Users)
	}
	if cfg.UDP.Enabled {
		t.Error("UDP.Enabled = true, want false (overridden)")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestParse_InvalidLogLevel(t *testing.T) {
	_, err := Parse([]byte("logging:\n  level: \"noisy\"\n"))
	if err == nil {
		t.Fatal("Parse() error = nil, want validation failure for bad log level")
	}
}

func TestParse_UserMissingCredential(t *testing.T) {
	yamlConfig := `
auth:
  users:
    - username: "alice"
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("Parse() error = nil, want validation failure for missing password")
	}
}

func TestLoad_MissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Server.Port != 1080 {
		t.Errorf("Server.Port = %d, want 1080", cfg.Server.Port)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
}

func TestApplyEnv_CredentialsAndAuthRequired(t *testing.T) {
	t.Setenv("SOCKS5_USERNAME", "envuser")
	t.Setenv("SOCKS5_PASSWORD", "envpass")
	t.Setenv("SOCKS5_AUTH_REQUIRED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Auth.Required {
		t.Error("Auth.Required = false, want true from SOCKS5_AUTH_REQUIRED")
	}
	users := cfg.PlaintextUsers()
	if users["envuser"] != "envpass" {
		t.Errorf("PlaintextUsers()[envuser] = %q, want envpass", users["envuser"])
	}
}

func TestHashedUsers(t *testing.T) {
	cfg := Default()
	cfg.Auth.Users = []UserConfig{
		{Username: "alice", PasswordHash: "$2a$10$abc"},
		{Username: "bob", Password: "plain"},
	}

	hashed := cfg.HashedUsers()
	if hashed["alice"] != "$2a$10$abc" {
		t.Errorf("HashedUsers()[alice] = %q", hashed["alice"])
	}
	if _, ok := hashed["bob"]; ok {
		t.Error("HashedUsers() should not include plaintext-only user bob")
	}

	plain := cfg.PlaintextUsers()
	if plain["bob"] != "plain" {
		t.Errorf("PlaintextUsers()[bob] = %q", plain["bob"])
	}
}
