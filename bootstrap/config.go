package bootstrap

import (
	"fmt"
	"os"

	"chainwatch/config"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger. Development mode writes colored
// console output; otherwise lines are JSON.
func InitLogger(level zapcore.Level, development bool) (*zap.Logger, *zap.SugaredLogger, error) {
	var encoder zapcore.Encoder
	if development {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the application configuration. An empty path searches
// the default locations.
func InitConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func logConfig(cfg *config.Config, sugar *zap.SugaredLogger) {
	if file := viper.ConfigFileUsed(); file != "" {
		sugar.Infow("Config loaded", "file", file)
	} else {
		sugar.Info("No config file found, using defaults and env vars")
	}

	sugar.Infow("Pipeline configuration",
		"variant", cfg.Engine.Variant,
		"rules_dir", cfg.Rules.Dir,
		"dedup_window", cfg.Dedup.Window,
		"redis_dedup", cfg.Redis.Enabled,
		"correlation_rules", len(cfg.CorrelationRules.Rules),
		"sinks", len(cfg.Notifications.Sinks))
	sugar.Infow("Consumer configuration",
		"brokers", cfg.Kafka.Brokers,
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.GroupID,
		"dlq_topic", cfg.Consumer.DLQTopic,
		"max_retries", cfg.Consumer.MaxRetries)
}
