package api

import (
	"strings"
	"testing"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

func intp(n int) *int { return &n }

func strp(s string) *string { return &s }

func keys(hints []DiagnosticHint) []string {
	out := make([]string, len(hints))
	for i, h := range hints {
		out[i] = h.Key
	}
	return out
}

func TestComputeDiagnostics(t *testing.T) {
	tests := []struct {
		name string
		rec  types.EntityRecord
		want []string
	}{
		{
			name: "fetch error short-circuits",
			rec:  types.EntityRecord{Status: types.StatusError, Archived: true, FetchError: strp("boom")},
			want: []string{"fetch_failed"},
		},
		{
			name: "unknown",
			rec:  types.EntityRecord{Status: types.StatusUnknown},
			want: []string{"unknown"},
		},
		{
			name: "archived and inactive",
			rec: types.EntityRecord{
				Status: types.StatusArchived, Archived: true, Score: 10,
				DaysSinceActivity: intp(400), RepositoryRef: strp("o/r"),
			},
			want: []string{"archived", "inactive"},
		},
		{
			name: "review with reasons",
			rec: types.EntityRecord{
				Status: types.StatusReviewRequired, Score: 4, ScoreReasons: []string{"deprecated"},
			},
			want: []string{"review_required"},
		},
		{
			name: "inactive info sorts after warnings",
			rec: types.EntityRecord{
				Status: types.StatusReviewRequired, Score: 3, DaysSinceActivity: intp(200),
			},
			want: []string{"review_required", "inactive"},
		},
		{
			name: "legacy skips inactive",
			rec:  types.EntityRecord{Status: types.StatusLegacy, DaysSinceActivity: intp(800)},
			want: []string{"legacy"},
		},
		{
			name: "unstarred secondary",
			rec:  types.EntityRecord{Status: types.StatusActive, Kind: types.KindSecondary, Popularity: intp(0)},
			want: []string{"no_stars"},
		},
		{
			name: "all clear",
			rec:  types.EntityRecord{Status: types.StatusActive, DaysSinceActivity: intp(3)},
			want: []string{"active"},
		},
		{
			name: "open issues on an unscored core entity",
			rec: types.EntityRecord{
				Status:  types.StatusUnknown,
				Details: &types.RepoDetails{Issues: &types.IssueSummary{Open: 2, OpenHigh: 1}},
			},
			want: []string{"open_issues", "unknown"},
		},
		{
			name: "closed issues only",
			rec: types.EntityRecord{
				Status: types.StatusActive, DaysSinceActivity: intp(3),
				Details: &types.RepoDetails{Issues: &types.IssueSummary{Closed: 4}},
			},
			want: []string{"active"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := keys(computeDiagnostics(tt.rec))
			if len(got) != len(tt.want) {
				t.Fatalf("keys: got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("keys: got %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestComputeDiagnostics_InactiveLevel(t *testing.T) {
	hints := computeDiagnostics(types.EntityRecord{Status: types.StatusActive, DaysSinceActivity: intp(365)})
	if len(hints) != 1 || hints[0].Level != "warning" {
		t.Fatalf("got %+v, want one warning", hints)
	}
	if hints[0].Value == nil || *hints[0].Value != 365 {
		t.Errorf("value: got %v, want 365", hints[0].Value)
	}
}

func TestComputeDiagnostics_OpenIssues(t *testing.T) {
	rec := types.EntityRecord{
		Status: types.StatusActive, DaysSinceActivity: intp(3),
		Details: &types.RepoDetails{Issues: &types.IssueSummary{
			Open: 1, Closed: 2, Platforms: []string{"osx_arm64"},
		}},
	}
	hints := computeDiagnostics(rec)
	if len(hints) != 2 || hints[0].Key != "open_issues" {
		t.Fatalf("got %v, want open_issues then active", keys(hints))
	}
	h := hints[0]
	if h.Level != "info" || h.Title != "1 open issue" {
		t.Errorf("hint: got level %q title %q", h.Level, h.Title)
	}
	if !strings.Contains(h.Detail, "osx_arm64") {
		t.Errorf("detail %q does not name the platform", h.Detail)
	}

	rec.Details.Issues.OpenHigh = 1
	if got := computeDiagnostics(rec)[0]; got.Level != "warning" {
		t.Errorf("high severity: got level %q, want warning", got.Level)
	}
}
