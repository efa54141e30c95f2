package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/compute"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/fetcher"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

var tracer = otel.Tracer("extwatch.catalog")

// maxCommitMessage bounds how much of a commit message feeds the scorer.
const maxCommitMessage = 100

// BuildResult is the outcome of one Build. Record is always usable.
// RateLimited reports that a fetch hit the primary rate limit, whether or
// not the record itself failed, so the caller can stop scheduling.
type BuildResult struct {
	Record      types.EntityRecord
	RateLimited bool
}

// Builder lists the entities of one catalog and assembles their records.
type Builder interface {
	Kind() types.Kind

	// List enumerates entity ids. An error here means there is nothing to
	// analyse.
	List(ctx context.Context) ([]string, error)

	// Build never fails: every failure becomes a record with status=error.
	Build(ctx context.Context, id string) BuildResult
}

// Evaluator scores and classifies an entity.
type Evaluator interface {
	Evaluate(in compute.EvaluateInput) compute.Evaluation
}

// Options tunes both builders.
type Options struct {
	// Featured ids are flagged in the record details.
	Featured []string

	// ObviousOrgs are not credited in synthesised descriptions.
	ObviousOrgs []string

	Logger *slog.Logger
	Now    func() time.Time
}

type base struct {
	src      *Source
	eval     Evaluator
	kind     types.Kind
	featured map[string]bool
	obvious  map[string]bool
	log      *slog.Logger
	now      func() time.Time
}

func newBase(src *Source, eval Evaluator, kind types.Kind, opts Options) base {
	b := base{
		src:      src,
		eval:     eval,
		kind:     kind,
		featured: lowerSet(opts.Featured),
		obvious:  lowerSet(opts.ObviousOrgs),
		log:      opts.Logger,
		now:      opts.Now,
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

func (b *base) Kind() types.Kind { return b.kind }

func (b *base) start(ctx context.Context, id string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Builder.Build", trace.WithAttributes(
		attribute.String("entity.id", id),
		attribute.String("entity.kind", string(b.kind)),
	))
}

func (b *base) newRecord(id string) (types.EntityRecord, *types.RepoDetails) {
	rec := types.EntityRecord{ID: id, Kind: b.kind, ScoreReasons: []string{}}
	return rec, &types.RepoDetails{Featured: b.featured[strings.ToLower(id)]}
}

// applyRepo copies repository facts into rec and details.
func (b *base) applyRepo(rec *types.EntityRecord, details *types.RepoDetails, info *RepoInfo) {
	stars := info.Stars
	rec.Popularity = &stars
	rec.Archived = info.Archived
	if !info.PushedAt.IsZero() {
		b.setActivity(rec, info.PushedAt)
	}

	details.FullName = info.FullName
	details.Forks = info.Forks
	if details.Language == "" {
		details.Language = info.Language
	}
	if details.License == "" {
		details.License = info.LicenseID()
	}
	details.Topics = append([]string(nil), info.Topics...)
	details.Homepage = info.Homepage
	if !info.CreatedAt.IsZero() {
		created := info.CreatedAt.UTC()
		details.CreatedAt = &created
	}
}

func (b *base) setActivity(rec *types.EntityRecord, at time.Time) {
	at = at.UTC()
	rec.LastActivityAt = &at
	d := int(b.now().Sub(at).Hours() / 24)
	if d < 0 {
		d = 0
	}
	rec.DaysSinceActivity = &d
}

// finish applies an evaluation to rec.
func (b *base) finish(rec types.EntityRecord, details *types.RepoDetails, ev compute.Evaluation, rateLimited bool) BuildResult {
	rec.Status = ev.Status
	rec.Score = ev.Score
	rec.ScoreReasons = ev.Reasons
	rec.Details = details
	b.log.Debug("catalog: built record",
		"entity", rec.ID, "kind", rec.Kind, "status", rec.Status, "score", rec.Score)
	return BuildResult{Record: rec, RateLimited: rateLimited}
}

// fail turns a fetch error at stage into an error record.
func (b *base) fail(rec types.EntityRecord, details *types.RepoDetails, stage string, err error) BuildResult {
	msg := fmt.Sprintf("%s: %v", stage, err)
	out := types.ErrorRecord(rec.ID, rec.Kind, msg)
	out.RepositoryRef = rec.RepositoryRef
	out.Details = details
	limited := errors.Is(err, fetcher.ErrRateLimitExhausted)
	b.log.Warn("catalog: build failed",
		"entity", rec.ID, "kind", rec.Kind, "stage", stage,
		"fetch_error_kind", fetcher.KindOf(err).String(), "err", err)
	return BuildResult{Record: out, RateLimited: limited}
}

func (b *base) missing(rec types.EntityRecord, details *types.RepoDetails, texts []string) BuildResult {
	ev := b.eval.Evaluate(compute.EvaluateInput{
		ID:              rec.ID,
		Signals:         compute.Signals{TextFields: texts},
		MetadataMissing: true,
	})
	return b.finish(rec, details, ev, false)
}

// SecondaryBuilder assembles records for registry-listed entities.
type SecondaryBuilder struct {
	base
}

// NewSecondaryBuilder returns a builder for the registry catalog.
func NewSecondaryBuilder(src *Source, eval Evaluator, opts Options) *SecondaryBuilder {
	return &SecondaryBuilder{base: newBase(src, eval, types.KindSecondary, opts)}
}

// List returns the registry's entity directories.
func (b *SecondaryBuilder) List(ctx context.Context) ([]string, error) {
	ids, err := b.src.ListRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: list registry: %w", err)
	}
	return ids, nil
}

// Build fetches the entity's descriptor, its repository and README, and
// classifies the result. A missing descriptor yields status=unknown.
func (b *SecondaryBuilder) Build(ctx context.Context, id string) BuildResult {
	ctx, span := b.start(ctx, id)
	defer span.End()

	rec, details := b.newRecord(id)
	details.Links = []types.Link{{Label: "registry", URL: b.src.RegistryURL(id)}}

	desc, err := b.src.Descriptor(ctx, id)
	if errors.Is(err, fetcher.ErrNotFound) {
		return b.missing(rec, details, nil)
	}
	if err != nil {
		return b.fail(rec, details, "metadata", err)
	}

	details.Version = desc.Extension.Version
	details.Language = desc.Extension.Language
	details.License = desc.Extension.License
	details.Maintainer = append([]string(nil), desc.Extension.Maintainers...)

	texts := []string{desc.Extension.Description}
	signals := compute.Signals{}
	var rateLimited bool
	var repoDesc string

	if ref := strings.TrimSpace(desc.Repo.Github); ref != "" {
		rec.RepositoryRef = &ref

		info, err := b.src.Repo(ctx, ref)
		if err != nil {
			return b.fail(rec, details, "repository", err)
		}
		b.applyRepo(&rec, details, info)
		details.Links = append(details.Links, repoLinks(b.src.cfg.WebBase, ref)...)
		signals.Archived = info.Archived
		repoDesc = info.Description
		texts = append(texts, info.Description)

		readme, err := b.src.Readme(ctx, ref)
		switch {
		case err == nil:
			texts = append(texts, readme)
		case errors.Is(err, fetcher.ErrRateLimitExhausted):
			rateLimited = true
			b.log.Warn("catalog: readme skipped, rate limit exhausted", "entity", id)
		case !errors.Is(err, fetcher.ErrNotFound):
			b.log.Warn("catalog: readme unavailable", "entity", id, "err", err)
		}
	}

	ref := ""
	if rec.RepositoryRef != nil {
		ref = *rec.RepositoryRef
	}
	text := desc.Extension.Description
	if strings.TrimSpace(text) == "" {
		text = repoDesc
	}
	d := describe(id, text, ref, details.Topics, b.obvious)
	rec.Description = &d

	signals.TextFields = texts
	signals.LastActivityDays = rec.DaysSinceActivity
	ev := b.eval.Evaluate(compute.EvaluateInput{ID: id, Signals: signals})
	return b.finish(rec, details, ev, rateLimited)
}

// PrimaryEntry declares one entity of the primary catalog.
type PrimaryEntry struct {
	ID string

	// Path is the entity's directory in the primary repository.
	Path string

	// Repository is an external owner/name hosting the entity.
	Repository string

	Description string
}

// PrimaryBuilder assembles records for the configured primary catalog.
type PrimaryBuilder struct {
	base
	order   []string
	entries map[string]PrimaryEntry
}

// NewPrimaryBuilder returns a builder over entries.
func NewPrimaryBuilder(src *Source, eval Evaluator, entries []PrimaryEntry, opts Options) *PrimaryBuilder {
	b := &PrimaryBuilder{
		base:    newBase(src, eval, types.KindPrimary, opts),
		entries: make(map[string]PrimaryEntry, len(entries)),
	}
	for _, e := range entries {
		if _, dup := b.entries[e.ID]; dup {
			continue
		}
		b.order = append(b.order, e.ID)
		b.entries[e.ID] = e
	}
	return b
}

// List returns the configured ids in configuration order.
func (b *PrimaryBuilder) List(_ context.Context) ([]string, error) {
	return append([]string{}, b.order...), nil
}

// Build reads the entity's external repository, or the last commit on its
// in-tree path, and classifies the result. Entities with neither are
// unknown.
func (b *PrimaryBuilder) Build(ctx context.Context, id string) BuildResult {
	ctx, span := b.start(ctx, id)
	defer span.End()

	rec, details := b.newRecord(id)
	entry, ok := b.entries[id]
	if !ok {
		return b.missing(rec, details, nil)
	}
	texts := []string{entry.Description}
	signals := compute.Signals{}
	var repoDesc string

	switch {
	case entry.Repository != "":
		ref := entry.Repository
		rec.RepositoryRef = &ref
		info, err := b.src.Repo(ctx, ref)
		if err != nil {
			return b.fail(rec, details, "repository", err)
		}
		b.applyRepo(&rec, details, info)
		details.Links = repoLinks(b.src.cfg.WebBase, ref)
		signals.Archived = info.Archived
		repoDesc = info.Description
		texts = append(texts, info.Description)

	case entry.Path != "":
		ref := b.src.PrimaryRepo()
		rec.RepositoryRef = &ref
		details.Links = []types.Link{{Label: "source", URL: b.src.PrimaryURL(entry.Path)}}
		commit, err := b.src.LastCommit(ctx, entry.Path)
		if err != nil {
			return b.fail(rec, details, "commits", err)
		}
		if commit == nil {
			return b.missing(rec, details, texts)
		}
		b.setActivity(&rec, commit.Date)
		texts = append(texts, truncate(firstLine(commit.Message), maxCommitMessage))

	default:
		return b.missing(rec, details, texts)
	}

	text := entry.Description
	if strings.TrimSpace(text) == "" {
		text = repoDesc
	}
	d := describe(id, text, entry.Repository, details.Topics, b.obvious)
	rec.Description = &d

	signals.TextFields = texts
	signals.LastActivityDays = rec.DaysSinceActivity
	ev := b.eval.Evaluate(compute.EvaluateInput{ID: id, Signals: signals})
	return b.finish(rec, details, ev, false)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func lowerSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[strings.ToLower(s)] = true
	}
	return out
}
