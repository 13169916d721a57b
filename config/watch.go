package config

import (
	"chainwatch/dedup"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DedupApplier receives dedup settings re-read at runtime.
type DedupApplier func(dedup.Settings) error

// WatchDedup re-reads the dedup section whenever the config file changes.
// Invalid settings are logged and the running values stay in place. Only
// the dedup section is live; everything else needs a restart.
func WatchDedup(logger *zap.SugaredLogger, apply DedupApplier) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		logger.Infow("Config file changed", "file", e.Name, "op", e.Op.String())
		ReloadDedup(logger, apply)
	})
	viper.WatchConfig()
}

// ReloadDedup decodes the current dedup section and applies it.
func ReloadDedup(logger *zap.SugaredLogger, apply DedupApplier) bool {
	var settings dedup.Settings
	if err := viper.UnmarshalKey("dedup", &settings); err != nil {
		logger.Errorw("Failed to decode dedup settings", "error", err)
		return false
	}
	if err := settings.Validate(); err != nil {
		logger.Warnw("Rejected dedup settings", "error", err)
		return false
	}
	if err := apply(settings); err != nil {
		logger.Errorw("Failed to apply dedup settings", "error", err)
		return false
	}
	logger.Infow("Dedup settings reloaded",
		"window", settings.Window,
		"global_rate_limit", settings.GlobalRateLimit,
		"rate_limit_interval", settings.RateLimitInterval,
		"max_rules_per_entity", settings.MaxRulesPerEntity)
	return true
}
