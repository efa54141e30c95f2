package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	rcron "github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/config"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/fetcher"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		schedule string
		now      bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run analyses on a cron schedule until interrupted",
		Long: `Watch runs an analysis on every tick of analysis.schedule and reloads the
config file when it changes. Scoring tables and overrides apply from the
next run; a run still in progress when the next tick fires is not doubled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if schedule == "" {
				schedule = cfg.Analysis.Schedule
			}
			a, err := openApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return watch(cmd.Context(), a, opts.configPath, schedule, now)
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "five-field cron expression (default from config)")
	cmd.Flags().BoolVar(&now, "now", false, "run once immediately before the first tick")
	return cmd
}

// watch blocks until ctx is done, running one analysis per schedule tick.
func watch(ctx context.Context, a *app, configPath, schedule string, now bool) error {
	clog := cronLogger{log: a.log}
	c := rcron.New(
		rcron.WithLogger(clog),
		rcron.WithChain(rcron.Recover(clog), rcron.SkipIfStillRunning(clog)),
	)

	tick := func() {
		res, err := a.analyse(ctx, "", false)
		switch {
		case err == nil:
			a.log.Info("watch: run recorded", "run_id", res.Run.ID, "counts", statusCounts(res.Trend.ByStatus))
		case errors.Is(err, fetcher.ErrRateLimitExhausted):
			a.log.Warn("watch: partial run recorded", "run_id", res.Run.ID, "err", err)
		default:
			a.log.Error("watch: run failed", "err", err)
		}
	}
	if _, err := c.AddFunc(schedule, tick); err != nil {
		return fmt.Errorf("watch: schedule %q: %w", schedule, err)
	}

	if configPath != "" {
		go func() {
			if err := config.Watch(ctx, configPath, a.reload); err != nil {
				a.log.Error("watch: config watcher stopped", "err", err)
			}
		}()
	}

	if now {
		tick()
	}
	c.Start()
	a.log.Info("watch: scheduler started", "schedule", schedule)

	<-ctx.Done()
	a.log.Info("watch: shutting down, waiting for the run in progress")
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts slog to the scheduler's logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
