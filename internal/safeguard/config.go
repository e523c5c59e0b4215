package safeguard

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds safeguard thresholds.
type Config struct {
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	BlastRadius    BlastRadiusConfig    `yaml:"blast_radius"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RateLimitConfig bounds commands per target per window.
type RateLimitConfig struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"window_seconds"`
}

// Window returns the counting window.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// BlastRadiusConfig bounds how many targets a fleet-wide command may touch.
type BlastRadiusConfig struct {
	MaxTargets     int      `yaml:"max_targets"`
	MaxFleetRatio  float64  `yaml:"max_fleet_ratio"`
	FleetWideTypes []string `yaml:"fleet_wide_types"`
	GroupParameter string   `yaml:"group_parameter"`
}

// CircuitBreakerConfig names the externally maintained error-rate signal.
type CircuitBreakerConfig struct {
	Key       string  `yaml:"key"`
	Threshold float64 `yaml:"threshold"`
}

// Defaults.
const (
	DefaultRateLimit          = 10
	DefaultRateWindowSeconds  = 60
	DefaultMaxTargets         = 100
	DefaultMaxFleetRatio      = 0.2
	DefaultGroupParameter     = "group_id"
	DefaultCircuitBreakerKey  = "circuit_breaker:control_api"
	DefaultCircuitThreshold   = 0.1
	RateLimitKeyPrefix        = "rate_limit:commands:"
	defaultFleetWideEmergency = "EMERGENCY_STOP"
)

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		RateLimit: RateLimitConfig{
			Limit:         DefaultRateLimit,
			WindowSeconds: DefaultRateWindowSeconds,
		},
		BlastRadius: BlastRadiusConfig{
			MaxTargets:     DefaultMaxTargets,
			MaxFleetRatio:  DefaultMaxFleetRatio,
			FleetWideTypes: []string{defaultFleetWideEmergency},
			GroupParameter: DefaultGroupParameter,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Key:       DefaultCircuitBreakerKey,
			Threshold: DefaultCircuitThreshold,
		},
	}
}

// LoadConfig returns DefaultConfig overlaid with the yaml file at path, if any.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return cfg, err
	}
	cfg = merge(cfg, override)
	return cfg, cfg.Validate()
}

// Validate checks threshold ranges.
func (c Config) Validate() error {
	if c.RateLimit.Limit <= 0 {
		return errors.New("safeguard: rate limit must be positive")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return errors.New("safeguard: rate window must be positive")
	}
	if c.BlastRadius.MaxTargets <= 0 {
		return errors.New("safeguard: max targets must be positive")
	}
	if c.BlastRadius.MaxFleetRatio < 0 || c.BlastRadius.MaxFleetRatio > 1 {
		return errors.New("safeguard: max fleet ratio must be within [0,1]")
	}
	if c.CircuitBreaker.Key == "" {
		return errors.New("safeguard: circuit breaker key required")
	}
	return nil
}

func merge(base, override Config) Config {
	if override.RateLimit.Limit != 0 {
		base.RateLimit.Limit = override.RateLimit.Limit
	}
	if override.RateLimit.WindowSeconds != 0 {
		base.RateLimit.WindowSeconds = override.RateLimit.WindowSeconds
	}
	if override.BlastRadius.MaxTargets != 0 {
		base.BlastRadius.MaxTargets = override.BlastRadius.MaxTargets
	}
	if override.BlastRadius.MaxFleetRatio != 0 {
		base.BlastRadius.MaxFleetRatio = override.BlastRadius.MaxFleetRatio
	}
	if len(override.BlastRadius.FleetWideTypes) > 0 {
		base.BlastRadius.FleetWideTypes = override.BlastRadius.FleetWideTypes
	}
	if override.BlastRadius.GroupParameter != "" {
		base.BlastRadius.GroupParameter = override.BlastRadius.GroupParameter
	}
	if override.CircuitBreaker.Key != "" {
		base.CircuitBreaker.Key = override.CircuitBreaker.Key
	}
	if override.CircuitBreaker.Threshold != 0 {
		base.CircuitBreaker.Threshold = override.CircuitBreaker.Threshold
	}
	return base
}
