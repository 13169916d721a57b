package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chainwatch/core"
	"chainwatch/correlation"
	"chainwatch/dedup"
	"chainwatch/engine"
	"chainwatch/ingest"
	"chainwatch/kyt"
	"chainwatch/notify"
	"chainwatch/rules"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. CHAINWATCH_KAFKA_TOPIC.
const EnvPrefix = "CHAINWATCH"

// Config holds the application configuration.
type Config struct {
	Logging struct {
		Level string `mapstructure:"level"`
		// Development enables the colored console encoder
		Development bool `mapstructure:"development"`
	} `mapstructure:"logging"`

	Engine engine.Config `mapstructure:"engine"`

	Rules struct {
		// Dir holds typology rule files; empty disables file loading
		Dir          string           `mapstructure:"dir"`
		RegexTimeout time.Duration    `mapstructure:"regex_timeout"`
		Thresholds   rules.Thresholds `mapstructure:"thresholds"`
		// ReloadInterval re-reads the active policies periodically; 0 disables
		ReloadInterval time.Duration `mapstructure:"reload_interval"`
	} `mapstructure:"rules"`

	Dedup dedup.Settings `mapstructure:"dedup"`

	Redis struct {
		Enabled           bool `mapstructure:"enabled"`
		dedup.RedisConfig `mapstructure:",squash"`
	} `mapstructure:"redis"`

	CorrelationRules struct {
		File  string             `mapstructure:"file"`
		Rules []correlation.Rule `mapstructure:"rules"`
	} `mapstructure:"correlation_rules"`

	Notifications notify.Config `mapstructure:"notifications"`

	Kafka ingest.KafkaConfig `mapstructure:"kafka"`

	Consumer ingest.ConsumerConfig `mapstructure:"consumer"`

	KYT kyt.Config `mapstructure:"kyt"`

	Enrichment struct {
		CacheSize int           `mapstructure:"cache_size"`
		CacheTTL  time.Duration `mapstructure:"cache_ttl"`
		// Labels seeds the static label directory, keyed by address
		Labels map[string][]string `mapstructure:"labels"`
	} `mapstructure:"enrichment"`

	Storage struct {
		// SQLitePath is the dead letter archive; empty disables archiving
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"storage"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	// PruneInterval drops expired dedup and correlation state
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// setDefaults sets default values for configuration
func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.development", true)

	viper.SetDefault("engine.active_variant", "")
	viper.SetDefault("engine.max_alerts", engine.DefaultMaxAlerts)
	viper.SetDefault("engine.batch_workers", engine.DefaultBatchWorkers)
	viper.SetDefault("engine.enrichment_timeout", engine.DefaultEnrichmentTimeout)

	viper.SetDefault("rules.dir", "./typologies")
	viper.SetDefault("rules.regex_timeout", 100*time.Millisecond)
	viper.SetDefault("rules.reload_interval", 0)
	viper.SetDefault("rules.thresholds.large_transfer_usd", rules.DefaultLargeTransferUSD)
	viper.SetDefault("rules.thresholds.large_transfer_high_multiplier", rules.DefaultLargeTransferHighMultiplier)
	viper.SetDefault("rules.thresholds.high_risk_score", rules.DefaultHighRiskScore)
	viper.SetDefault("rules.thresholds.critical_risk_score", rules.DefaultCriticalRiskScore)
	viper.SetDefault("rules.thresholds.sanctioned_labels", []string{"sanctioned", "ofac"})

	viper.SetDefault("dedup.window", dedup.DefaultWindow)
	viper.SetDefault("dedup.global_rate_limit", dedup.DefaultGlobalRateLimit)
	viper.SetDefault("dedup.rate_limit_interval", dedup.DefaultRateLimitInterval)
	viper.SetDefault("dedup.max_rules_per_entity", dedup.DefaultMaxRulesPerEntity)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.key_prefix", "chainwatch:dedup:")
	viper.SetDefault("redis.timeout", 500*time.Millisecond)

	viper.SetDefault("correlation_rules.file", "")

	viper.SetDefault("notifications.sink_timeout", core.MaxSinkTimeout)

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "chainwatch.events")
	viper.SetDefault("kafka.group_id", "chainwatch-alert-engine")
	viper.SetDefault("kafka.min_bytes", 1)
	viper.SetDefault("kafka.max_bytes", 10<<20)
	viper.SetDefault("kafka.max_wait", 500*time.Millisecond)
	viper.SetDefault("kafka.start_offset", "earliest")
	viper.SetDefault("kafka.write_timeout", 10*time.Second)

	viper.SetDefault("consumer.dlq_topic", ingest.DefaultDLQTopic)
	viper.SetDefault("consumer.max_retries", ingest.DefaultMaxRetries)
	viper.SetDefault("consumer.retry_backoff", ingest.DefaultRetryBackoff)
	viper.SetDefault("consumer.max_backoff", ingest.DefaultMaxBackoff)
	viper.SetDefault("consumer.poll_timeout", ingest.DefaultPollTimeout)
	viper.SetDefault("consumer.process_timeout", ingest.DefaultProcessTimeout)
	viper.SetDefault("consumer.max_messages_per_second", 0)

	viper.SetDefault("kyt.subscriber_buffer", kyt.DefaultSubscriberBuffer)

	viper.SetDefault("enrichment.cache_size", 50000)
	viper.SetDefault("enrichment.cache_ttl", 10*time.Minute)

	viper.SetDefault("storage.sqlite_path", "./data/chainwatch.db")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.addr", ":9108")

	viper.SetDefault("prune_interval", time.Minute)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// LoadConfig loads configuration from config.yaml in . or ./config, then
// environment variables.
func LoadConfig() (*Config, error) {
	return LoadConfigFile("")
}

// LoadConfigFile is LoadConfig with an explicit file. An empty path searches
// the default locations, where a missing file is not an error.
func LoadConfigFile(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}

	if c.Engine.MaxAlerts < 0 {
		return fmt.Errorf("engine.max_alerts must not be negative, got %d", c.Engine.MaxAlerts)
	}
	if c.Engine.BatchWorkers < 0 {
		return fmt.Errorf("engine.batch_workers must not be negative, got %d", c.Engine.BatchWorkers)
	}

	t := c.Rules.Thresholds
	if t.LargeTransferUSD <= 0 {
		return fmt.Errorf("rules.thresholds.large_transfer_usd must be positive, got %v", t.LargeTransferUSD)
	}
	if t.LargeTransferHighMultiplier < 1 {
		return fmt.Errorf("rules.thresholds.large_transfer_high_multiplier must be at least 1, got %v", t.LargeTransferHighMultiplier)
	}
	if t.HighRiskScore <= 0 || t.HighRiskScore > 1 || t.CriticalRiskScore <= 0 || t.CriticalRiskScore > 1 {
		return fmt.Errorf("rules.thresholds risk scores must be in (0, 1]")
	}
	if t.CriticalRiskScore < t.HighRiskScore {
		return fmt.Errorf("rules.thresholds.critical_risk_score (%v) is below high_risk_score (%v)", t.CriticalRiskScore, t.HighRiskScore)
	}
	if c.Rules.RegexTimeout < 10*time.Millisecond || c.Rules.RegexTimeout > 5*time.Second {
		return fmt.Errorf("rules.regex_timeout must be between 10ms and 5s, got %v", c.Rules.RegexTimeout)
	}

	if err := c.Dedup.Validate(); err != nil {
		return err
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}

	if err := correlation.ValidateRules(c.CorrelationRules.Rules); err != nil {
		return fmt.Errorf("correlation_rules: %w", err)
	}

	if c.Notifications.SinkTimeout > core.MaxSinkTimeout {
		return fmt.Errorf("notifications.sink_timeout must be at most %v, got %v", core.MaxSinkTimeout, c.Notifications.SinkTimeout)
	}
	names := make(map[string]bool, len(c.Notifications.Sinks))
	for _, sc := range c.Notifications.Sinks {
		if names[sc.Name] {
			return fmt.Errorf("notifications: duplicate sink name %q", sc.Name)
		}
		names[sc.Name] = true
		if _, err := sc.Options(); err != nil {
			return err
		}
	}

	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	if c.Consumer.MaxRetries < 0 {
		return fmt.Errorf("consumer.max_retries must not be negative, got %d", c.Consumer.MaxRetries)
	}
	if c.Consumer.DLQTopic == c.Kafka.Topic {
		return fmt.Errorf("consumer.dlq_topic must differ from kafka.topic (%s)", c.Kafka.Topic)
	}

	if c.KYT.SubscriberBuffer < 0 {
		return fmt.Errorf("kyt.subscriber_buffer must not be negative, got %d", c.KYT.SubscriberBuffer)
	}

	if c.Enrichment.CacheSize < 0 {
		return fmt.Errorf("enrichment.cache_size must not be negative, got %d", c.Enrichment.CacheSize)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// LogLevel returns the parsed logging level.
func (c *Config) LogLevel() zapcore.Level {
	level, _ := parseLevel(c.Logging.Level)
	return level
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid logging.level %q: %w", s, err)
	}
	return level, nil
}
