package dedup

import (
	"errors"
	"fmt"
	"time"
)

// Defaults for the suppression store.
const (
	DefaultWindow            = 5 * time.Minute
	DefaultGlobalRateLimit   = 1000
	DefaultRateLimitInterval = time.Minute
	DefaultMaxRulesPerEntity = 10
	DefaultLogSize           = 10000
)

// ErrInvalidSettings is wrapped by Settings.Validate failures.
var ErrInvalidSettings = errors.New("invalid dedup settings")

// Settings are the runtime-adjustable suppression parameters.
type Settings struct {
	// Window is the per (rule, entity) dedup window; 0 disables dedup
	Window time.Duration `mapstructure:"window"`
	// GlobalRateLimit caps alerts per RateLimitInterval across all rules; 0 disables
	GlobalRateLimit int `mapstructure:"global_rate_limit"`
	// RateLimitInterval is the fixed wall-clock bucket for GlobalRateLimit
	RateLimitInterval time.Duration `mapstructure:"rate_limit_interval"`
	// MaxRulesPerEntity caps alerts per entity within one event pass; 0 disables
	MaxRulesPerEntity int `mapstructure:"max_rules_per_entity"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		Window:            DefaultWindow,
		GlobalRateLimit:   DefaultGlobalRateLimit,
		RateLimitInterval: DefaultRateLimitInterval,
		MaxRulesPerEntity: DefaultMaxRulesPerEntity,
	}
}

// Validate rejects negative values and a rate limit without an interval.
func (s Settings) Validate() error {
	if s.Window < 0 {
		return fmt.Errorf("%w: window must not be negative", ErrInvalidSettings)
	}
	if s.GlobalRateLimit < 0 {
		return fmt.Errorf("%w: global_rate_limit must not be negative", ErrInvalidSettings)
	}
	if s.GlobalRateLimit > 0 && s.RateLimitInterval <= 0 {
		return fmt.Errorf("%w: rate_limit_interval must be positive when global_rate_limit is set", ErrInvalidSettings)
	}
	if s.MaxRulesPerEntity < 0 {
		return fmt.Errorf("%w: max_rules_per_entity must not be negative", ErrInvalidSettings)
	}
	return nil
}
