package cmd

import (
	"bufio"
	"errors"
	"os"
	"time"

	"chainwatch/bootstrap"
	"chainwatch/kyt"

	"github.com/spf13/cobra"
)

func newKYTCmd() *cobra.Command {
	kytCmd := &cobra.Command{
		Use:   "kyt",
		Short: "Know-your-transaction risk checks",
	}
	kytCmd.AddCommand(newKYTScoreCmd())
	return kytCmd
}

// newKYTScoreCmd creates the 'kyt score' subcommand
func newKYTScoreCmd() *cobra.Command {
	var (
		tx          kyt.Transaction
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a single transaction",
		Long: `Run a transaction through the KYT scorer and print its risk band and the
built-in rules it triggers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliContext(cmd.Context())
			defer cancel()

			if interactive {
				if err := promptTransaction(bufio.NewReader(os.Stdin), cmd.OutOrStdout(), &tx); err != nil {
					return err
				}
			}
			if tx.From == "" && tx.To == "" {
				return errors.New("at least one of --from or --to is required")
			}
			if tx.Timestamp.IsZero() {
				tx.Timestamp = time.Now().UTC()
			}

			cfg, sugar, err := loadCLIConfig()
			if err != nil {
				return err
			}
			engine := bootstrap.InitKYT(cfg, sugar)
			defer engine.Close()

			assessment, err := engine.Analyze(ctx, tx)
			if err != nil {
				return err
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), assessment)
			}
			renderAssessment(cmd.OutOrStdout(), assessment)
			return nil
		},
	}

	cmd.Flags().StringVar(&tx.From, "from", "", "Sending address")
	cmd.Flags().StringVar(&tx.To, "to", "", "Receiving address")
	cmd.Flags().StringVar(&tx.TxHash, "tx", "", "Transaction hash")
	cmd.Flags().StringVar(&tx.Chain, "chain", "", "Chain identifier")
	cmd.Flags().Float64Var(&tx.ValueUSD, "value", 0, "Transfer value in USD")
	cmd.Flags().Float64Var(&tx.RiskScore, "risk", 0, "Counterparty risk score in [0, 1]")
	cmd.Flags().StringSliceVar(&tx.Labels, "label", nil, "Address label (repeatable)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Prompt for missing fields")

	return cmd
}
