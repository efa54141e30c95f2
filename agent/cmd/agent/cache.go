package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or empty the fetch cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show fetch cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			c, err := openCache(cfg, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			s := c.Stats()
			out := cmd.OutOrStdout()
			if !cfg.Cache.InMemory {
				fmt.Fprintf(out, "Cache: %s\n", cfg.Cache.Dir)
			}
			fmt.Fprintf(out, "Entries: %d\n", s.Count)
			fmt.Fprintf(out, "Size: %s\n", formatBytes(s.Bytes))
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			c, err := openCache(cfg, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
			return nil
		},
	}

	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cached responses fetched before a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			c, err := openCache(cfg, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.Prune(time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d entries older than %s.\n", n, olderThan)
			}
			return nil
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age beyond which entries are removed")

	cmd.AddCommand(statsCmd, clearCmd, pruneCmd)
	return cmd
}

func formatBytes(b int64) string {
	switch {
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
