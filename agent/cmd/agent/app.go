package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/catalog"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/compute"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/config"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/fetchcache"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/fetcher"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/orchestrator"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/textfile"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/history"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// metricsPrefix selects the families written to the textfile.
const metricsPrefix = "extwatch_"

// app owns the long-lived resources of one process: the fetch cache, the
// history store and the scoring engine. A fresh fetcher is built per run so
// rate-limit state never leaks between runs.
type app struct {
	log    *slog.Logger
	cache  *fetchcache.Cache
	store  history.Store
	engine *compute.Engine

	mu  sync.Mutex
	cfg *config.Config
}

func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	engine, err := compute.NewEngine(scoringTables(cfg.Scoring), overrides(cfg.Overrides))
	if err != nil {
		return nil, err
	}
	cache, err := openCache(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		cache.Close()
		return nil, err
	}
	return &app{log: logger, cache: cache, store: store, engine: engine, cfg: cfg}, nil
}

func openCache(cfg *config.Config, logger *slog.Logger) (*fetchcache.Cache, error) {
	return fetchcache.Open(fetchcache.Config{
		Dir:      cfg.Cache.Dir,
		InMemory: cfg.Cache.InMemory,
		Logger:   logger,
	})
}

func openStore(cfg *config.Config) (history.Store, error) {
	if cfg.History.InMemory {
		return history.NewMemory(), nil
	}
	return history.OpenSQLite(cfg.History.Path)
}

func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.cache.Close())
}

func (a *app) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// reload swaps in cfg for the next run. Scoring changes apply immediately;
// cache and history locations and the watch schedule need a restart.
func (a *app) reload(cfg *config.Config) {
	if err := a.engine.Update(scoringTables(cfg.Scoring), overrides(cfg.Overrides)); err != nil {
		a.log.Error("config: scoring rejected, keeping previous tables", "err", err)
		return
	}
	a.mu.Lock()
	prev := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	if prev.Cache.Dir != cfg.Cache.Dir || prev.History.Path != cfg.History.Path {
		a.log.Warn("config: cache and history locations change on restart only")
	}
	if prev.Analysis.Schedule != cfg.Analysis.Schedule {
		a.log.Warn("config: analysis.schedule changes on restart only",
			"running", prev.Analysis.Schedule, "configured", cfg.Analysis.Schedule)
	}
}

// analyse performs one run in mode. A partial result is returned together
// with the rate-limit error when the run stopped early.
func (a *app) analyse(ctx context.Context, mode types.RunMode, dryRun bool) (types.RunResult, error) {
	cfg := a.config()
	if mode == "" {
		mode = cfg.Analysis.Mode
	}

	f := fetcher.New(a.cache, fetcherOptions(cfg, a.log))
	src := catalog.NewSource(f, sourceConfig(cfg))
	opts := catalog.Options{
		Featured:    cfg.Analysis.Featured,
		ObviousOrgs: owners(cfg.GitHub.RegistryRepo, cfg.GitHub.ReferenceRepo, cfg.GitHub.PrimaryRepo),
		Logger:      a.log,
	}
	builders := []catalog.Builder{
		catalog.NewPrimaryBuilder(src, a.engine, primaryEntries(cfg.Primary), opts),
		catalog.NewSecondaryBuilder(src, a.engine, opts),
	}
	var annotators []orchestrator.Annotator
	if ic := cfg.Analysis.Issues; ic.Enabled {
		annotators = append(annotators, catalog.NewIssueTracker(src, catalog.IssueOptions{
			Window: ic.Window,
			Recent: ic.Recent,
			Logger: a.log,
		}))
	}
	orch := orchestrator.New(orchestrator.Config{
		Concurrency: cfg.Analysis.Concurrency,
		DryRun:      dryRun,
		Annotators:  annotators,
		Logger:      a.log,
	}, builders, src, a.store)

	res, err := orch.Run(ctx, mode)

	if rl := f.RateLimit(); rl.Known {
		a.log.Info("rate limit after run",
			"limit", rl.Limit, "remaining", rl.Remaining,
			"reset_at", rl.ResetAt, "stopped", rl.Stopped)
	}
	if path := cfg.Analysis.MetricsTextfile; path != "" {
		if werr := textfile.Write(path, prometheus.DefaultGatherer, metricsPrefix); werr != nil {
			a.log.Warn("metrics textfile not written", "path", path, "err", werr)
		}
	}
	return res, err
}

func fetcherOptions(cfg *config.Config, logger *slog.Logger) fetcher.Options {
	headers := http.Header{}
	if cfg.GitHub.AcceptHeader != "" {
		headers.Set("Accept", cfg.GitHub.AcceptHeader)
	}
	return fetcher.Options{
		Token:     cfg.GitHub.Token(),
		UserAgent: cfg.GitHub.UserAgent,
		Headers:   headers,
		Timeout:   cfg.HTTP.Timeout,
		Retry: fetcher.RetryPolicy{
			MaxAttempts: cfg.HTTP.MaxAttempts,
			BaseDelay:   cfg.HTTP.BaseDelay,
			MaxDelay:    cfg.HTTP.MaxDelay,
		},
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Burst:             cfg.HTTP.Burst,
		RateLimitFloor:    cfg.HTTP.RateLimitFloor,
		Logger:            logger,
	}
}

func sourceConfig(cfg *config.Config) catalog.SourceConfig {
	return catalog.SourceConfig{
		APIBase:       cfg.GitHub.APIBase,
		WebBase:       cfg.GitHub.WebBase,
		RegistryRepo:  cfg.GitHub.RegistryRepo,
		RegistryPath:  cfg.GitHub.RegistryPath,
		ReferenceRepo: cfg.GitHub.ReferenceRepo,
		PrimaryRepo:   cfg.GitHub.PrimaryRepo,
		TTLs: catalog.TTLs{
			Listing:  cfg.Cache.ListingTTL,
			Metadata: cfg.Cache.DefaultTTL,
			Text:     cfg.Cache.TextTTL,
			Release:  cfg.Cache.ReleaseTTL,
			Issues:   cfg.Cache.IssuesTTL,
		},
	}
}

// scoringTables overlays the configured tables on the defaults. Empty lists
// and zero values keep the built-in entries.
func scoringTables(sc config.ScoringConfig) compute.Tables {
	t := compute.DefaultTables()
	if len(sc.Deprecation) > 0 {
		t.Deprecation = keywords(sc.Deprecation)
	}
	if len(sc.Warning) > 0 {
		t.Warning = keywords(sc.Warning)
	}
	if len(sc.Active) > 0 {
		t.Active = keywords(sc.Active)
	}
	if sc.ArchivedBonus != 0 {
		t.ArchivedBonus = sc.ArchivedBonus
	}
	if len(sc.Inactivity) > 0 {
		t.Inactivity = make([]compute.InactivityRule, len(sc.Inactivity))
		for i, r := range sc.Inactivity {
			t.Inactivity[i] = compute.InactivityRule{Days: r.Days, Bonus: r.Bonus}
		}
	}

	b := sc.Buckets
	if b.LikelyDeprecated != 0 {
		t.Buckets.LikelyDeprecated = b.LikelyDeprecated
	}
	if b.PossiblyDeprecated != 0 {
		t.Buckets.PossiblyDeprecated = b.PossiblyDeprecated
	}
	if b.Review != 0 {
		t.Buckets.Review = b.Review
	}
	if b.Monitor != 0 {
		t.Buckets.Monitor = b.Monitor
	}
	return t
}

func keywords(in []config.KeywordWeight) []compute.Keyword {
	out := make([]compute.Keyword, len(in))
	for i, k := range in {
		out[i] = compute.Keyword{Keyword: k.Keyword, Weight: k.Weight}
	}
	return out
}

func overrides(in map[string]config.Override) map[string]compute.Override {
	out := make(map[string]compute.Override, len(in))
	for id, o := range in {
		out[id] = compute.Override{Status: o.Status, Reason: o.Reason}
	}
	return out
}

func primaryEntries(in []config.PrimaryEntity) []catalog.PrimaryEntry {
	out := make([]catalog.PrimaryEntry, len(in))
	for i, p := range in {
		out[i] = catalog.PrimaryEntry{
			ID:          p.ID,
			Path:        p.Path,
			Repository:  p.Repository,
			Description: p.Description,
		}
	}
	return out
}

// owners returns the distinct owner part of each owner/name reference.
func owners(repos ...string) []string {
	seen := make(map[string]bool, len(repos))
	var out []string
	for _, r := range repos {
		owner, _, ok := strings.Cut(r, "/")
		if !ok || owner == "" || seen[owner] {
			continue
		}
		seen[owner] = true
		out = append(out, owner)
	}
	return out
}

// parseMode validates a --mode flag value. Empty keeps the configured mode.
func parseMode(s string) (types.RunMode, error) {
	if s == "" {
		return "", nil
	}
	m := types.RunMode(strings.ToLower(s))
	if len(m.Kinds()) == 0 {
		return "", fmt.Errorf("unknown mode %q: want full|primary|secondary", s)
	}
	return m, nil
}
