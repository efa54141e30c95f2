package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/history"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query recorded snapshots",
	}
	cmd.PersistentFlags().StringVar(&format, "format", "text", "output format: text|json")

	// withStore opens the configured history for the duration of fn.
	withStore := func(cmd *cobra.Command, fn func(ctx context.Context, s history.Store) error) error {
		if err := checkFormat(format); err != nil {
			return err
		}
		cfg, _, err := opts.load(cmd)
		if err != nil {
			return err
		}
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd.Context(), s)
	}

	var status string
	latest := &cobra.Command{
		Use:   "latest",
		Short: "Show the newest record of every entity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := types.Status(status)
			if filter != "" && !filter.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withStore(cmd, func(ctx context.Context, s history.Store) error {
				rows, err := s.Latest(ctx)
				if err != nil {
					return err
				}
				return writeLatest(cmd.OutOrStdout(), rows, filter, format)
			})
		},
	}
	latest.Flags().StringVar(&status, "status", "", "only show records with this status")

	trend := &cobra.Command{
		Use:   "trend",
		Short: "Compare the newest snapshot with the one before it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, s history.Store) error {
				ts, err := history.LatestTrend(ctx, s)
				if err != nil {
					return err
				}
				return writeTrend(cmd.OutOrStdout(), ts, format)
			})
		},
	}

	var limit int
	runs := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, s history.Store) error {
				list, err := s.Runs(ctx, limit)
				if err != nil {
					return err
				}
				return writeRuns(cmd.OutOrStdout(), list, format)
			})
		},
	}
	runs.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	var entityLimit int
	entity := &cobra.Command{
		Use:   "entity <id>",
		Short: "Show the recorded history of one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s history.Store) error {
				rows, err := s.EntityHistory(ctx, args[0], entityLimit)
				if err != nil {
					return err
				}
				return writeEntityHistory(cmd.OutOrStdout(), args[0], rows, format)
			})
		},
	}
	entity.Flags().IntVar(&entityLimit, "limit", 100, "maximum number of rows")

	cmd.AddCommand(latest, trend, runs, entity)
	return cmd
}
