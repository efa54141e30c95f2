package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/fetcher"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		mode   string
		dryRun bool
		format string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Analyse the catalogs once and record the snapshot",
		Long: `Run lists every entity of the selected catalogs, scores and classifies
each one and appends the snapshot to history. With --dry-run nothing is
written; the trend is still computed against what history already holds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.analyse(cmd.Context(), m, dryRun)
			if err != nil && !errors.Is(err, fetcher.ErrRateLimitExhausted) {
				return err
			}
			if werr := writeRunResult(cmd.OutOrStdout(), res, format); werr != nil {
				return werr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "catalogs to analyse: full|primary|secondary (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "analyse without appending to history")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text|json")
	return cmd
}
