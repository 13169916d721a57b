// Package cmd provides the chainwatch command-line interface.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"chainwatch/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
)

// defaultTimeout bounds one-shot CLI operations
const defaultTimeout = 2 * time.Minute

// NewRootCmd creates the chainwatch command tree. Without a subcommand it
// runs the alert engine.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chainwatch",
		Short: "Blockchain transaction monitoring and alerting",
		Long: `chainwatch consumes blockchain events, evaluates built-in and typology rules,
deduplicates and correlates the resulting alerts and delivers them to notification sinks.

Run without a subcommand to start the alert engine.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: config.yaml in . or ./config)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newRulesCmd())
	rootCmd.AddCommand(newKYTCmd())
	rootCmd.AddCommand(newDLQCmd())

	return rootCmd
}

// loadCLIConfig loads configuration and a quiet logger for one-shot commands.
func loadCLIConfig() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.LoadConfigFile(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	// warnings go to stderr so --json output stays parseable
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	logCfg.Encoding = "console"
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logCfg.OutputPaths = []string{"stderr"}
	logger, err := logCfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger.Sugar(), nil
}

func cliContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, defaultTimeout)
}

// outputAsJSON writes data as indented JSON.
func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
