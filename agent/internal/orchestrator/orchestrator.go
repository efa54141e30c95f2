package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/catalog"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/fetcher"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/history"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// ErrCatalogUnavailable means a catalog listing failed, so there was
// nothing to analyse.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// notAnalyzed is the fetch_error of entities skipped after a hard stop.
const notAnalyzed = "rate limit exhausted: not analyzed"

// ReferenceSource supplies the reference version recorded with a snapshot.
type ReferenceSource interface {
	Reference(ctx context.Context) (version *string, date *time.Time, err error)
}

// Annotator enriches the records of a run after every build finished.
// Annotate may change records in place; on error it must leave them as they
// were.
type Annotator interface {
	Annotate(ctx context.Context, records []types.EntityRecord) error
}

// Config tunes an Orchestrator.
type Config struct {
	// Concurrency bounds the number of builds in flight.
	Concurrency int

	// DryRun skips the history append. The trend is still computed.
	DryRun bool

	// Annotators run in order once the builds are done. Their failures are
	// logged and never fail the run. They are skipped after a hard stop.
	Annotators []Annotator

	Logger *slog.Logger
}

// Orchestrator drives analysis runs. It is safe to call Run again after a
// previous run has returned.
type Orchestrator struct {
	cfg      Config
	builders map[types.Kind]catalog.Builder
	ref      ReferenceSource
	store    history.Store
	log      *slog.Logger
	now      func() time.Time // injectable for deterministic tests
}

// New returns an Orchestrator. ref may be nil, in which case snapshots carry
// no reference version.
func New(cfg Config, builders []catalog.Builder, ref ReferenceSource, store history.Store) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	byKind := make(map[types.Kind]catalog.Builder, len(builders))
	for _, b := range builders {
		byKind[b.Kind()] = b
	}
	return &Orchestrator{
		cfg:      cfg,
		builders: byKind,
		ref:      ref,
		store:    store,
		log:      log,
		now:      time.Now,
	}
}

type job struct {
	kind    types.Kind
	id      string
	builder catalog.Builder
}

// Run performs one analysis of the catalogs selected by mode.
//
// On a primary rate-limit hard stop Run persists the partial snapshot and
// returns it together with an error matching fetcher.ErrRateLimitExhausted.
func (o *Orchestrator) Run(ctx context.Context, mode types.RunMode) (types.RunResult, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Run")
	defer span.End()
	span.SetAttributes(attribute.String("run.mode", string(mode)))

	start := o.now().UTC()
	res, err := o.run(ctx, mode, start)

	runDuration.Observe(o.now().Sub(start).Seconds())
	switch {
	case err == nil:
		runsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, fetcher.ErrRateLimitExhausted):
		runsTotal.WithLabelValues("partial").Inc()
	default:
		runsTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, mode types.RunMode, start time.Time) (types.RunResult, error) {
	kinds := mode.Kinds()
	if len(kinds) == 0 {
		return types.RunResult{}, fmt.Errorf("orchestrator: unknown mode %q", mode)
	}

	snap := types.AnalysisSnapshot{TakenAt: start}
	if o.ref != nil {
		version, date, err := o.ref.Reference(ctx)
		if err != nil {
			o.log.Warn("orchestrator: reference version unavailable", "err", err)
		}
		snap.ReferenceVersion, snap.ReferenceVersionDate = version, date
	}

	jobs, err := o.list(ctx, kinds)
	if err != nil {
		return types.RunResult{}, err
	}
	o.log.Info("orchestrator: run started",
		"mode", mode, "entities", len(jobs), "concurrency", o.cfg.Concurrency)

	records, limited := o.buildAll(ctx, jobs)
	if err := ctx.Err(); err != nil {
		return types.RunResult{}, fmt.Errorf("orchestrator: run cancelled: %w", err)
	}
	o.annotate(ctx, records, limited)

	types.SortRecords(records)
	snap.Records = records

	info := types.RunInfo{
		ID:               uuid.NewString(),
		TakenAt:          start,
		Mode:             mode,
		ReferenceVersion: snap.ReferenceVersion,
		ReferenceDate:    snap.ReferenceVersionDate,
		Total:            len(records),
		Partial:          limited,
	}
	for _, r := range records {
		if r.Status == types.StatusError {
			info.Errors++
		}
	}

	result := types.RunResult{Run: info, Snapshot: snap, Partial: limited}
	if !o.cfg.DryRun {
		if err := o.store.Append(ctx, snap, info); err != nil {
			return result, fmt.Errorf("orchestrator: append history: %w", err)
		}
	}
	trend, err := o.store.Trend(ctx, snap)
	if err != nil {
		return result, fmt.Errorf("orchestrator: trend: %w", err)
	}
	result.Trend = trend

	for status, n := range trend.ByStatus {
		snapshotRecords.WithLabelValues(string(status)).Set(float64(n))
	}
	lastRunTimestamp.Set(float64(start.Unix()))

	o.log.Info("orchestrator: run finished",
		"run_id", info.ID,
		"records", info.Total,
		"errors", info.Errors,
		"partial", limited,
		"newly_seen", len(trend.NewlySeen),
		"disappeared", len(trend.Disappeared),
		"dry_run", o.cfg.DryRun,
	)

	if limited {
		return result, fmt.Errorf("orchestrator: run stopped early: %w", fetcher.ErrRateLimitExhausted)
	}
	return result, nil
}

func (o *Orchestrator) annotate(ctx context.Context, records []types.EntityRecord, limited bool) {
	if len(o.cfg.Annotators) == 0 {
		return
	}
	if limited {
		o.log.Warn("orchestrator: annotations skipped after rate limit stop")
		return
	}
	for _, a := range o.cfg.Annotators {
		if err := a.Annotate(ctx, records); err != nil {
			o.log.Warn("orchestrator: annotation failed", "annotator", fmt.Sprintf("%T", a), "err", err)
		}
	}
}

// list enumerates every catalog in kinds. Duplicate ids within a catalog
// are built once.
func (o *Orchestrator) list(ctx context.Context, kinds []types.Kind) ([]job, error) {
	var jobs []job
	for _, kind := range kinds {
		b, ok := o.builders[kind]
		if !ok {
			return nil, fmt.Errorf("orchestrator: no builder for %s entities", kind)
		}
		ids, err := b.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: list %s: %w: %w", kind, ErrCatalogUnavailable, err)
		}
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			jobs = append(jobs, job{kind: kind, id: id, builder: b})
		}
	}
	return jobs, nil
}

// buildAll runs every job with bounded concurrency. Each result lands in
// its job's slot. When a build reports the rate limit exhausted, no further
// job starts; jobs that never ran get error records.
func (o *Orchestrator) buildAll(ctx context.Context, jobs []job) ([]types.EntityRecord, bool) {
	slots := make([]*types.EntityRecord, len(jobs))

	schedCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		mu      sync.Mutex
		limited bool
	)
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)

	for i := range jobs {
		if schedCtx.Err() != nil {
			break
		}
		j := jobs[i]
		g.Go(func() error {
			// Waiting for a free slot may have outlasted the stop.
			if schedCtx.Err() != nil {
				return nil
			}
			res := o.build(ctx, j)
			buildsTotal.WithLabelValues(string(j.kind), string(res.Record.Status)).Inc()

			mu.Lock()
			defer mu.Unlock()
			slots[i] = &res.Record
			if res.RateLimited && !limited {
				limited = true
				o.log.Warn("orchestrator: rate limit exhausted, stopping scheduling",
					"entity", j.id, "kind", j.kind)
				stop()
			}
			return nil
		})
	}
	_ = g.Wait()

	records := make([]types.EntityRecord, len(jobs))
	skipped := 0
	for i, rec := range slots {
		if rec == nil {
			records[i] = types.ErrorRecord(jobs[i].id, jobs[i].kind, notAnalyzed)
			skipped++
			continue
		}
		records[i] = *rec
	}
	if skipped > 0 {
		o.log.Warn("orchestrator: entities not analyzed", "count", skipped)
	}
	return records, limited
}

// build runs one builder call, turning a panic into an error record.
func (o *Orchestrator) build(ctx context.Context, j job) (res catalog.BuildResult) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("orchestrator: build panicked", "entity", j.id, "kind", j.kind, "panic", r)
			res = catalog.BuildResult{Record: types.ErrorRecord(j.id, j.kind, fmt.Sprintf("internal error: %v", r))}
		}
	}()
	return j.builder.Build(ctx, j.id)
}
