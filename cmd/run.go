package cmd

import (
	"context"
	"fmt"

	"chainwatch/bootstrap"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the alert engine",
		Long:  "Consume events from Kafka and run them through the alert pipeline until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context())
		},
	}
}

// runEngine initializes and starts the alert engine, then blocks until a
// shutdown signal.
func runEngine(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := bootstrap.NewApp(ctx, configFile)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown(ctx)
	app.Shutdown()
	return nil
}
