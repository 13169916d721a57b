package cmd

import (
	"fmt"
	"time"

	"chainwatch/bootstrap"
	"chainwatch/rules"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:     "rules",
		Aliases: []string{"rule"},
		Short:   "Inspect and validate detection rules",
	}
	rulesCmd.AddCommand(newRulesListCmd())
	rulesCmd.AddCommand(newRulesValidateCmd())
	return rulesCmd
}

// newRulesListCmd creates the 'rules list' subcommand
func newRulesListCmd() *cobra.Command {
	var (
		variant string
		dir     string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the active rule set",
		Long:    "Load the built-in rules and the typology rules directory and display the resulting rule set.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliContext(cmd.Context())
			defer cancel()

			cfg, sugar, err := loadCLIConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dir") {
				cfg.Rules.Dir = dir
			}

			registry, err := bootstrap.InitRules(ctx, cfg, bootstrap.InitEnricher(cfg), sugar)
			if err != nil {
				return err
			}
			list := registry.ListRules(variant)

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), list)
			}
			renderRulesTable(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().StringVar(&variant, "variant", "", "Only show rules of this variant (rules without a variant always match)")
	cmd.Flags().StringVar(&dir, "dir", "", "Typology rules directory (overrides rules.dir)")

	return cmd
}

// newRulesValidateCmd creates the 'rules validate' subcommand
func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate a typology rules directory",
		Long: `Parse and compile every rule file in a directory, reporting files and entries
that would be skipped at load time. Exits non-zero when any problem is found.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sugar, err := loadCLIConfig()
			if err != nil {
				return err
			}
			dir := cfg.Rules.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("no rules directory given and rules.dir is not set")
			}

			var s *spinner.Spinner
			if !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = " Validating " + dir + "..."
				s.Start()
			}

			result, err := rules.NewLoader(sugar, cfg.Rules.RegexTimeout).LoadDir(dir)

			if s != nil {
				s.Stop()
			}
			if err != nil {
				return err
			}

			report := newValidationReport(dir, result)
			if outputJSON {
				if err := outputAsJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				renderValidationReport(cmd.OutOrStdout(), report)
			}
			if len(report.Problems) > 0 {
				return fmt.Errorf("%d problem(s) found in %s", len(report.Problems), dir)
			}
			return nil
		},
	}
}

// validationReport is the printable outcome of a directory validation.
type validationReport struct {
	Dir      string   `json:"dir"`
	Files    int      `json:"files"`
	Rules    []string `json:"rules"`
	Problems []string `json:"problems"`
}

func newValidationReport(dir string, result *rules.LoadResult) validationReport {
	report := validationReport{
		Dir:      dir,
		Files:    result.Files,
		Rules:    make([]string, 0, len(result.Rules)),
		Problems: make([]string, 0, len(result.Problems)),
	}
	for _, r := range result.Rules {
		report.Rules = append(report.Rules, r.ID)
	}
	for _, p := range result.Problems {
		report.Problems = append(report.Problems, p.String())
	}
	return report
}
