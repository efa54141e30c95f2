package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/textfile"
)

func newMetricsCmd(opts *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Summarise the metrics textfile written after each run",
		Long: `Metrics reads the Prometheus textfile named by analysis.metrics_textfile
(or --textfile) and prints the total of every metric family.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				cfg, _, err := opts.load(cmd)
				if err != nil {
					return err
				}
				path = cfg.Analysis.MetricsTextfile
			}
			if path == "" {
				return fmt.Errorf("no textfile: set analysis.metrics_textfile or pass --textfile")
			}

			mfs, err := textfile.Read(path)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 0, 3, ' ', 0)
			for _, t := range textfile.Totals(mfs) {
				fmt.Fprintf(tw, "%s\t%g\n", t.Name, t.Value)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&path, "textfile", "", "textfile to read (default from config)")
	return cmd
}
