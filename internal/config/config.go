// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

// Package config provides centralized configuration for all Ledgerlink
// components: the accounting API client, database, sync engine, circuit
// breaker, cache, scheduler, HTTP server, and logging.
//
// Configuration loading order (Koanf v2):
//  1. Defaults: built-in sensible defaults for all optional settings
//  2. Config file: optional YAML file (config.yaml) for persistent settings
//  3. Environment variables: override any setting
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	XA        XAConfig        `koanf:"xa"`
	Database  DatabaseConfig  `koanf:"database"`
	Sync      SyncConfig      `koanf:"sync"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Cache     CacheConfig     `koanf:"cache"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// XAConfig holds connection settings for the external accounting API.
//
// Environment variables:
//   - XA_BASE_URL: API base URL (required)
//   - XA_API_KEY: bearer token (required)
//   - XA_TIMEOUT: per-request timeout (default: 30s)
//   - XA_PAGE_SIZE: records requested per page (default: 100)
//   - XA_MAX_RETRIES: retries on HTTP 429 (default: 5)
type XAConfig struct {
	BaseURL    string        `koanf:"base_url"`
	APIKey     string        `koanf:"api_key"`
	Timeout    time.Duration `koanf:"timeout"`
	PageSize   int           `koanf:"page_size"`
	MaxRetries int           `koanf:"max_retries"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	// Path is the database file location. Parent directories are created
	// on open if missing.
	Path string `koanf:"path"`

	// MaxMemory limits DuckDB memory usage (e.g. "512MB", "2GB").
	MaxMemory string `koanf:"max_memory"`

	// Threads controls DuckDB worker threads. 0 uses runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// SyncConfig controls the delta sync engine.
type SyncConfig struct {
	// MaxPages bounds a single pass so a runaway full pull cannot spin
	// forever against a misbehaving upstream.
	MaxPages int `koanf:"max_pages"`

	// HealthyThreshold and WarningThreshold classify sync freshness for
	// the status endpoint. A watermark older than WarningThreshold is
	// reported as stale.
	HealthyThreshold time.Duration `koanf:"healthy_threshold"`
	WarningThreshold time.Duration `koanf:"warning_threshold"`
}

// BreakerConfig controls the circuit breaker guarding the accounting API.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int `koanf:"failure_threshold"`

	// BaseCooldown is the first open-state cooldown. Each re-open doubles
	// the cooldown up to MaxCooldown.
	BaseCooldown time.Duration `koanf:"base_cooldown"`
	MaxCooldown  time.Duration `koanf:"max_cooldown"`
}

// CacheConfig controls entity cache freshness.
type CacheConfig struct {
	// DefaultMaxAge is the freshness window applied to reads that do not
	// pass an explicit max_age.
	DefaultMaxAge time.Duration `koanf:"default_max_age"`
}

// SchedulerConfig controls the periodic sync scheduler.
//
// Environment variables:
//   - SCHEDULER_ENABLED: run the scheduler (default: true)
//   - SCHEDULER_FIRE_TIMES: comma-separated HH:MM times (default: 02:00,10:00,18:00)
//   - SCHEDULER_TIMEZONE: IANA timezone name (default: UTC)
type SchedulerConfig struct {
	Enabled   bool   `koanf:"enabled"`
	FireTimes string `koanf:"fire_times"`
	Timezone  string `koanf:"timezone"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for completeness and consistency.
func (c *Config) Validate() error {
	if err := c.validateXA(); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateBreaker(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	return c.validateServer()
}

func (c *Config) validateXA() error {
	if c.XA.BaseURL == "" {
		return fmt.Errorf("XA_BASE_URL is required")
	}
	if c.XA.APIKey == "" {
		return fmt.Errorf("XA_API_KEY is required")
	}
	if c.XA.Timeout <= 0 {
		return fmt.Errorf("xa.timeout must be positive, got %v", c.XA.Timeout)
	}
	if c.XA.PageSize <= 0 {
		return fmt.Errorf("xa.page_size must be positive, got %d", c.XA.PageSize)
	}
	if c.XA.MaxRetries < 0 {
		return fmt.Errorf("xa.max_retries must not be negative, got %d", c.XA.MaxRetries)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Threads < 0 {
		return fmt.Errorf("database.threads must not be negative, got %d", c.Database.Threads)
	}
	return nil
}

func (c *Config) validateBreaker() error {
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.BaseCooldown <= 0 {
		return fmt.Errorf("breaker.base_cooldown must be positive, got %v", c.Breaker.BaseCooldown)
	}
	if c.Breaker.MaxCooldown < c.Breaker.BaseCooldown {
		return fmt.Errorf("breaker.max_cooldown %v must not be below base_cooldown %v",
			c.Breaker.MaxCooldown, c.Breaker.BaseCooldown)
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.MaxPages <= 0 {
		return fmt.Errorf("sync.max_pages must be positive, got %d", c.Sync.MaxPages)
	}
	if c.Sync.HealthyThreshold <= 0 || c.Sync.WarningThreshold <= 0 {
		return fmt.Errorf("sync thresholds must be positive")
	}
	if c.Sync.WarningThreshold < c.Sync.HealthyThreshold {
		return fmt.Errorf("sync.warning_threshold %v must not be below healthy_threshold %v",
			c.Sync.WarningThreshold, c.Sync.HealthyThreshold)
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if !c.Scheduler.Enabled {
		return nil
	}
	if c.Scheduler.FireTimes == "" {
		return fmt.Errorf("scheduler.fire_times is required when the scheduler is enabled")
	}
	if c.Scheduler.Timezone == "" {
		return fmt.Errorf("scheduler.timezone is required when the scheduler is enabled")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive, got %v", c.Server.Timeout)
	}
	return nil
}

// Addr returns the host:port string for the HTTP listener.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
