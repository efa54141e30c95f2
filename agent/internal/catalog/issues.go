package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/compute"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// maxLatestIssues caps IssueSummary.Latest.
const maxLatestIssues = 5

// IssueOptions tunes an IssueTracker.
type IssueOptions struct {
	// Window is how far back issues are searched. Default 90 days.
	Window time.Duration

	// Recent is the window counted by IssueSummary.Recent. Default 30 days.
	Recent time.Duration

	// Tables defaults to compute.DefaultIssueTables when zero.
	Tables compute.IssueTables

	Logger *slog.Logger
	Now    func() time.Time
}

// IssueTracker attaches reference-repository issue counts to the records
// of a run.
type IssueTracker struct {
	src    *Source
	window time.Duration
	recent time.Duration
	tables compute.IssueTables
	log    *slog.Logger
	now    func() time.Time
}

// NewIssueTracker returns an IssueTracker reading issues through src.
func NewIssueTracker(src *Source, opts IssueOptions) *IssueTracker {
	t := &IssueTracker{
		src:    src,
		window: opts.Window,
		recent: opts.Recent,
		tables: opts.Tables,
		log:    opts.Logger,
		now:    opts.Now,
	}
	if t.window <= 0 {
		t.window = 90 * 24 * time.Hour
	}
	if t.recent <= 0 {
		t.recent = 30 * 24 * time.Hour
	}
	if len(t.tables.Types) == 0 {
		t.tables = compute.DefaultIssueTables()
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Annotate sets Details.Issues on every record that a tracked issue names.
// Records are left untouched when the search fails.
func (t *IssueTracker) Annotate(ctx context.Context, records []types.EntityRecord) error {
	now := t.now()
	issues, err := t.src.Issues(ctx, now.Add(-t.window))
	if err != nil {
		return fmt.Errorf("catalog: issues: %w", err)
	}

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	summaries := summarizeIssues(issues, ids, t.tables, now.Add(-t.recent))

	for i := range records {
		s, ok := summaries[records[i].ID]
		if !ok {
			continue
		}
		if records[i].Details == nil {
			records[i].Details = &types.RepoDetails{}
		}
		records[i].Details.Issues = s
	}
	t.log.Debug("catalog: issues attached", "issues", len(issues), "entities", len(summaries))
	return nil
}

func summarizeIssues(issues []Issue, ids []string, tables compute.IssueTables, recentCutoff time.Time) map[string]*types.IssueSummary {
	out := make(map[string]*types.IssueSummary)
	platforms := make(map[string]map[string]bool)

	for _, is := range issues {
		cls := compute.ClassifyIssue(compute.IssueText{
			Title:  is.Title,
			Body:   is.Body,
			Labels: is.LabelNames(),
		}, ids, tables)

		for _, id := range cls.Mentions {
			s, ok := out[id]
			if !ok {
				s = &types.IssueSummary{ByType: map[string]int{}, BySeverity: map[string]int{}}
				out[id] = s
				platforms[id] = map[string]bool{}
			}
			if is.State == "open" {
				s.Open++
				if cls.Severity == compute.SeverityHigh {
					s.OpenHigh++
				}
			} else {
				s.Closed++
			}
			if !is.CreatedAt.Before(recentCutoff) {
				s.Recent++
			}
			s.ByType[cls.Type]++
			s.BySeverity[cls.Severity]++
			for _, p := range cls.Platforms {
				platforms[id][p] = true
			}
			s.Latest = append(s.Latest, types.IssueRef{
				Number:    is.Number,
				Title:     is.Title,
				URL:       is.HTMLURL,
				State:     is.State,
				Type:      cls.Type,
				Severity:  cls.Severity,
				UpdatedAt: is.UpdatedAt,
			})
		}
	}

	for id, s := range out {
		for p := range platforms[id] {
			s.Platforms = append(s.Platforms, p)
		}
		sort.Strings(s.Platforms)
		sort.SliceStable(s.Latest, func(i, j int) bool { return s.Latest[i].UpdatedAt.After(s.Latest[j].UpdatedAt) })
		if len(s.Latest) > maxLatestIssues {
			s.Latest = s.Latest[:maxLatestIssues]
		}
	}
	return out
}
