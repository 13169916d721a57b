package cmd

import (
	"fmt"
	"strconv"

	"chainwatch/bootstrap"
	"chainwatch/ingest"
	"chainwatch/storage"

	"github.com/spf13/cobra"
)

func newDLQCmd() *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect archived dead letter messages",
		Long: `Inspect the local archive of messages the consumer published to the dead letter topic.
The archive lives in the SQLite database at storage.sqlite_path.`,
	}
	dlqCmd.AddCommand(newDLQListCmd())
	dlqCmd.AddCommand(newDLQShowCmd())
	dlqCmd.AddCommand(newDLQStatusCmd("discard", ingest.StatusDiscarded, "Mark a dead letter as discarded"))
	dlqCmd.AddCommand(newDLQStatusCmd("replayed", ingest.StatusReplayed, "Mark a dead letter as replayed"))
	return dlqCmd
}

// openArchive opens the configured archive. The caller closes the database.
func openArchive() (*storage.SQLite, *ingest.SQLiteArchive, error) {
	cfg, sugar, err := loadCLIConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.SQLitePath == "" || cfg.Storage.SQLitePath == storage.MemoryPath {
		return nil, nil, fmt.Errorf("storage.sqlite_path does not point to a database file")
	}
	return bootstrap.InitArchive(cfg, sugar)
}

// newDLQListCmd creates the 'dlq list' subcommand
func newDLQListCmd() *cobra.Command {
	var filter ingest.ArchiveFilter

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List archived dead letters, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliContext(cmd.Context())
			defer cancel()

			db, archive, err := openArchive()
			if err != nil {
				return err
			}
			defer db.Close()

			records, total, err := archive.List(ctx, filter)
			if err != nil {
				return err
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), map[string]interface{}{
					"total":   total,
					"records": records,
				})
			}
			renderDeadLetterTable(cmd.OutOrStdout(), records, total)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Status, "status", "", "Filter by status (pending, replayed, discarded)")
	cmd.Flags().StringVar(&filter.Reason, "reason", "", "Filter by reason, e.g. deserialize_failed")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum records to show")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Records to skip")

	return cmd
}

// newDLQShowCmd creates the 'dlq show' subcommand
func newDLQShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one archived dead letter including its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := cliContext(cmd.Context())
			defer cancel()

			db, archive, err := openArchive()
			if err != nil {
				return err
			}
			defer db.Close()

			record, err := archive.Get(ctx, id)
			if err != nil {
				return err
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), record)
			}
			renderDeadLetterDetails(cmd.OutOrStdout(), record)
			return nil
		},
	}
}

// newDLQStatusCmd creates a subcommand that moves records to status.
func newDLQStatusCmd(use, status, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			ctx, cancel := cliContext(cmd.Context())
			defer cancel()

			db, archive, err := openArchive()
			if err != nil {
				return err
			}
			defer db.Close()

			for _, id := range ids {
				if err := archive.UpdateStatus(ctx, id, status); err != nil {
					return err
				}
				if !quiet {
					successColor.Fprintf(cmd.OutOrStdout(), "✓ Dead letter %d marked %s\n", id, status)
				}
			}
			return nil
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid dead letter id %q", s)
	}
	return id, nil
}
