// Package config loads the realtime service configuration from a YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all realtime service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Transport TransportConfig `yaml:"transport"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BackendConfig points at the REST backend that owns identities.
type BackendConfig struct {
	BaseURL       string        `yaml:"base_url"`
	ProfilePath   string        `yaml:"profile_path"`
	UnlockPath    string        `yaml:"unlock_path"`
	SessionCookie string        `yaml:"session_cookie"`
	Timeout       time.Duration `yaml:"timeout"`
}

// TransportConfig configures capability tokens and the relay.
type TransportConfig struct {
	// APIKey is the server-side secret, "<keyName>:<base64 seed>". Left
	// empty the token endpoint answers with a configuration error.
	APIKey   string        `yaml:"api_key"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	// URL is the relay websocket endpoint clients connect to.
	URL string `yaml:"url"`
	// TokenURL is the token endpoint clients fetch capability tokens from.
	TokenURL string `yaml:"token_url"`
}

// ReconnectConfig is the client reconnect policy.
type ReconnectConfig struct {
	Delay       time.Duration `yaml:"delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// AuditConfig configures the issuance audit log.
type AuditConfig struct {
	DBPath string `yaml:"db_path"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Backend: BackendConfig{
			BaseURL:       "http://localhost:8000",
			ProfilePath:   "/api/users/profile/",
			UnlockPath:    "/api/users/unlock-request/",
			SessionCookie: "access_token",
			Timeout:       10 * time.Second,
		},
		Transport: TransportConfig{
			TokenTTL: time.Hour,
			URL:      "ws://localhost:8080/realtime/connect",
			TokenURL: "http://localhost:8080/api/realtime/token",
		},
		Reconnect: ReconnectConfig{
			Delay:       15 * time.Second,
			MaxAttempts: 5,
			Multiplier:  1,
			MaxDelay:    time.Minute,
		},
		Audit: AuditConfig{
			DBPath: "data/audit.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	c.Backend.BaseURL = getEnv("BACKEND_URL", c.Backend.BaseURL)
	c.Backend.SessionCookie = getEnv("SESSION_COOKIE", c.Backend.SessionCookie)
	c.Transport.APIKey = getEnv("REALTIME_API_KEY", c.Transport.APIKey)
	c.Transport.URL = getEnv("REALTIME_URL", c.Transport.URL)
	c.Transport.TokenURL = getEnv("REALTIME_TOKEN_URL", c.Transport.TokenURL)
	c.Audit.DBPath = getEnv("AUDIT_DB_PATH", c.Audit.DBPath)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)

	if v := os.Getenv("RECONNECT_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RECONNECT_DELAY: %w", err)
		}
		c.Reconnect.Delay = d
	}
	if v := os.Getenv("RECONNECT_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RECONNECT_MAX_ATTEMPTS: %w", err)
		}
		c.Reconnect.MaxAttempts = n
	}
	return nil
}

// Validate checks the invariants the service cannot start without. A missing
// transport API key is deliberately not one of them: the token endpoint
// reports it per request.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Backend.SessionCookie == "" {
		errs = append(errs, errors.New("backend.session_cookie is required"))
	}
	if c.Transport.TokenTTL <= 0 {
		errs = append(errs, errors.New("transport.token_ttl must be positive"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if c.Reconnect.Delay < 0 {
		errs = append(errs, errors.New("reconnect.delay must not be negative"))
	}
	if c.Reconnect.Multiplier != 0 && c.Reconnect.Multiplier < 1 {
		errs = append(errs, errors.New("reconnect.multiplier must be >= 1"))
	}
	return errors.Join(errs...)
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
