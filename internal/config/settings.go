// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"time"
)

// Visibility holds the visibility registry daemon settings.
type Visibility struct {
	ListenAddr string
	DataDir    string // badger database directory
	LogLevel   string

	LivenessTimeout  time.Duration // heartbeat age after which an agent is demoted
	LivenessInterval time.Duration // how often the liveness sweeper runs
	PurgeThreshold   time.Duration // last_update age after which an agent is removed
	PurgeInterval    time.Duration // how often the purge sweeper runs
	SkewTolerance    time.Duration // future-timestamp tolerance before logging an anomaly

	ControlTimeout time.Duration // agent control callback timeout

	RateLimitRPM int // write-endpoint requests per minute per IP
}

// LoadVisibility reads visibility daemon settings from the environment.
func LoadVisibility() Visibility {
	return Visibility{
		ListenAddr:       ParseString("VISIBILITY_LISTEN_ADDR", ":5111"),
		DataDir:          ParseString("VISIBILITY_DATA_DIR", "./data/agents"),
		LogLevel:         ParseString("LOG_LEVEL", "info"),
		LivenessTimeout:  ParseDuration("AGENT_LIVENESS_TIMEOUT", 100*time.Second),
		LivenessInterval: ParseDuration("AGENT_CHECK_INTERVAL", 180*time.Second),
		PurgeThreshold:   ParseDuration("AGENT_PURGE_THRESHOLD", 24*time.Hour),
		PurgeInterval:    ParseDuration("AGENT_PURGE_INTERVAL", time.Hour),
		SkewTolerance:    ParseDuration("AGENT_CLOCK_SKEW_TOLERANCE", 5*time.Second),
		ControlTimeout:   ParseDuration("AGENT_CONTROL_TIMEOUT", 5*time.Second),
		RateLimitRPM:     ParseInt("RATE_LIMIT_RPM", 300),
	}
}

// Validate rejects settings that would break the lifecycle invariants.
func (v Visibility) Validate() error {
	if v.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if v.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	if v.LivenessTimeout <= 0 {
		return fmt.Errorf("liveness timeout must be positive, got %s", v.LivenessTimeout)
	}
	if v.LivenessInterval <= 0 || v.PurgeInterval <= 0 {
		return fmt.Errorf("sweeper intervals must be positive")
	}
	// An agent must always pass through inactive_timeout before it is purged.
	if v.PurgeThreshold <= v.LivenessTimeout {
		return fmt.Errorf("purge threshold (%s) must exceed liveness timeout (%s)",
			v.PurgeThreshold, v.LivenessTimeout)
	}
	return nil
}

// AIConfig holds the AI service configuration daemon settings.
type AIConfig struct {
	ListenAddr string
	LogLevel   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // service list keys are "<prefix>:<service name>"

	VisibilityURL   string
	FetchTimeout    time.Duration // visibility server request timeout
	CleanupInterval time.Duration

	// Camera statuses treated as unusable for subscription and cleanup.
	NonOperationalStatuses []string

	RateLimitRPM int
}

// LoadAIConfig reads AI config daemon settings from the environment.
func LoadAIConfig() AIConfig {
	return AIConfig{
		ListenAddr:             ParseString("AICONFIG_LISTEN_ADDR", ":5005"),
		LogLevel:               ParseString("LOG_LEVEL", "info"),
		RedisAddr:              ParseString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          ParseString("REDIS_PASSWORD", ""),
		RedisDB:                ParseInt("REDIS_DB", 0),
		KeyPrefix:              ParseString("SERVICE_CONFIG_KEY_PREFIX", "service_configs"),
		VisibilityURL:          ParseString("VISIBILITY_SERVER_URL", "http://localhost:5111"),
		FetchTimeout:           ParseDuration("VISIBILITY_FETCH_TIMEOUT", 10*time.Second),
		CleanupInterval:        ParseDuration("CLEANUP_INTERVAL", time.Minute),
		NonOperationalStatuses: ParseStringSlice("NON_OPERATIONAL_CAMERA_STATUSES", []string{"unknown_timeout", "offline", "error"}),
		RateLimitRPM:           ParseInt("RATE_LIMIT_RPM", 300),
	}
}

// Validate rejects unusable AI config settings.
func (c AIConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis address must not be empty")
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("key prefix must not be empty")
	}
	if c.VisibilityURL == "" {
		return fmt.Errorf("visibility server URL must not be empty")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval)
	}
	return nil
}
