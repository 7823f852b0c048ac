// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fleetwatch configuration
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Database  DatabaseConfig  `yaml:"database"`
	Directory DirectoryConfig `yaml:"directory"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// BrokerConfig contains MQTT broker settings
type BrokerConfig struct {
	URL               string `yaml:"url"`
	ClientID          string `yaml:"client_id"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	Topic             string `yaml:"topic"`
	QoS               int    `yaml:"qos"`
	ReconnectInterval string `yaml:"reconnect_interval"`
	ConnectTimeout    string `yaml:"connect_timeout"`
	ConnectAttempts   int    `yaml:"connect_attempts"`
	Buffer            int    `yaml:"buffer"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Driver  string `yaml:"driver"` // "sqlite" or "postgres"
	Path    string `yaml:"path"`
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

// DirectoryConfig controls the authorization directory cache
type DirectoryConfig struct {
	TTL             string        `yaml:"ttl"`
	Grace           string        `yaml:"grace"`
	Size            int           `yaml:"size"`
	RefreshInterval string        `yaml:"refresh_interval"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// BreakerConfig contains circuit breaker settings
type BreakerConfig struct {
	Failures int    `yaml:"failures"`
	OpenFor  string `yaml:"open_for"`
}

// IngestConfig contains pipeline settings
type IngestConfig struct {
	Workers int `yaml:"workers"`
}

// SessionsConfig contains live session settings
type SessionsConfig struct {
	QueueSize    int    `yaml:"queue_size"`
	WriteTimeout string `yaml:"write_timeout"`
	PingInterval string `yaml:"ping_interval"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address        string    `yaml:"address"`
	Timeout        string    `yaml:"timeout"`
	AllowedOrigins []string  `yaml:"allowed_origins"`
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig contains TLS/SSL settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RedisConfig enables the latest-reading cache when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      string `yaml:"ttl"`
	// WriteTimeout bounds each latest-reading update made while ingesting.
	WriteTimeout string `yaml:"write_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SecurityConfig contains security-related settings
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings
type JWTConfig struct {
	SecretKey   string `yaml:"secret_key"`
	Issuer      string `yaml:"issuer"`
	ExpiryHours int    `yaml:"expiry_hours"`
}

// Load loads configuration from a YAML file
func Load(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Save saves configuration to a YAML file
func Save(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefault creates a default configuration
func NewDefault() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// LoadDefault returns the defaults with environment overrides applied. It is
// used when no config file exists.
func LoadDefault() (*Config, error) {
	c := &Config{}
	c.applyEnv()
	c.setDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return c, nil
}

// applyEnv lets secrets be supplied outside the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("FLEETWATCH_JWT_SECRET"); v != "" {
		c.Security.JWT.SecretKey = v
	}
	if v := os.Getenv("FLEETWATCH_BROKER_PASSWORD"); v != "" {
		c.Broker.Password = v
	}
	if v := os.Getenv("FLEETWATCH_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
}

// setDefaults ensures all required fields have default values
func (c *Config) setDefaults() {
	if c.Broker.URL == "" {
		c.Broker.URL = "tcp://localhost:1883"
	}
	if c.Broker.Topic == "" {
		c.Broker.Topic = "factory/temperature/#"
	}
	if c.Broker.ReconnectInterval == "" {
		c.Broker.ReconnectInterval = "5s"
	}
	if c.Broker.ConnectTimeout == "" {
		c.Broker.ConnectTimeout = "10s"
	}
	if c.Broker.ConnectAttempts == 0 {
		c.Broker.ConnectAttempts = 5
	}
	if c.Broker.Buffer == 0 {
		c.Broker.Buffer = 1024
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "fleetwatch.db"
	}
	if c.Database.Timeout == "" {
		c.Database.Timeout = "5s"
	}

	if c.Directory.TTL == "" {
		c.Directory.TTL = "5s"
	}
	if c.Directory.Grace == "" {
		c.Directory.Grace = "30s"
	}
	if c.Directory.Size == 0 {
		c.Directory.Size = 4096
	}
	if c.Directory.RefreshInterval == "" {
		c.Directory.RefreshInterval = c.Directory.TTL
	}
	if c.Directory.Breaker.Failures == 0 {
		c.Directory.Breaker.Failures = 5
	}
	if c.Directory.Breaker.OpenFor == "" {
		c.Directory.Breaker.OpenFor = "10s"
	}

	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = 4
	}

	if c.Sessions.QueueSize == 0 {
		c.Sessions.QueueSize = 64
	}
	if c.Sessions.WriteTimeout == "" {
		c.Sessions.WriteTimeout = "10s"
	}
	if c.Sessions.PingInterval == "" {
		c.Sessions.PingInterval = "30s"
	}

	if c.Server.Address == "" {
		c.Server.Address = ":3001"
	}
	if c.Server.Timeout == "" {
		c.Server.Timeout = "15s"
	}

	if c.Redis.TTL == "" {
		c.Redis.TTL = "24h"
	}
	if c.Redis.WriteTimeout == "" {
		c.Redis.WriteTimeout = "250ms"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Security.JWT.Issuer == "" {
		c.Security.JWT.Issuer = "fleetwatch"
	}
	if c.Security.JWT.ExpiryHours == 0 {
		c.Security.JWT.ExpiryHours = 24
	}
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	durations := map[string]string{
		"broker reconnect_interval":  c.Broker.ReconnectInterval,
		"broker connect_timeout":     c.Broker.ConnectTimeout,
		"database timeout":           c.Database.Timeout,
		"directory ttl":              c.Directory.TTL,
		"directory grace":            c.Directory.Grace,
		"directory refresh_interval": c.Directory.RefreshInterval,
		"directory breaker open_for": c.Directory.Breaker.OpenFor,
		"sessions write_timeout":     c.Sessions.WriteTimeout,
		"sessions ping_interval":     c.Sessions.PingInterval,
		"server timeout":             c.Server.Timeout,
		"redis ttl":                  c.Redis.TTL,
		"redis write_timeout":        c.Redis.WriteTimeout,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.Broker.Username != "" && c.Broker.Password == "" {
		return fmt.Errorf("broker password is required when username is set")
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		return fmt.Errorf("broker qos must be 0, 1 or 2")
	}

	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database driver must be 'sqlite' or 'postgres'")
	}

	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest workers must be at least 1")
	}
	if c.Sessions.QueueSize < 1 {
		return fmt.Errorf("sessions queue_size must be at least 1")
	}
	if c.Directory.Size < 1 {
		return fmt.Errorf("directory size must be at least 1")
	}

	// Validate TLS configuration
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}

	// Validate JWT config
	if c.Security.JWT.SecretKey == "" {
		return fmt.Errorf("JWT secret_key cannot be empty")
	}
	if len(c.Security.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT secret_key must be at least 32 characters long for security")
	}
	if c.Security.JWT.ExpiryHours <= 0 {
		return fmt.Errorf("JWT expiry_hours must be greater than 0")
	}

	return nil
}

func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) ReconnectInterval() time.Duration { return duration(c.Broker.ReconnectInterval) }
func (c *Config) ConnectTimeout() time.Duration    { return duration(c.Broker.ConnectTimeout) }
func (c *Config) DatabaseTimeout() time.Duration   { return duration(c.Database.Timeout) }
func (c *Config) DirectoryTTL() time.Duration      { return duration(c.Directory.TTL) }
func (c *Config) DirectoryGrace() time.Duration    { return duration(c.Directory.Grace) }
func (c *Config) DirectoryRefresh() time.Duration  { return duration(c.Directory.RefreshInterval) }
func (c *Config) BreakerOpenFor() time.Duration    { return duration(c.Directory.Breaker.OpenFor) }
func (c *Config) WriteTimeout() time.Duration      { return duration(c.Sessions.WriteTimeout) }
func (c *Config) PingInterval() time.Duration      { return duration(c.Sessions.PingInterval) }
func (c *Config) ServerTimeout() time.Duration     { return duration(c.Server.Timeout) }
func (c *Config) RedisTTL() time.Duration          { return duration(c.Redis.TTL) }
func (c *Config) RedisWriteTimeout() time.Duration { return duration(c.Redis.WriteTimeout) }
