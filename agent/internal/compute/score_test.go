package compute

import (
	"math"
	"reflect"
	"testing"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// almostEqual returns true if a and b are within epsilon of each other.
func almostEqual(a, b, epsilon float64) bool {
	return math.Abs(a-b) < epsilon
}

func days(n int) *int { return &n }

func hasReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

func TestScore_Table(t *testing.T) {
	tables := DefaultTables()
	tests := []struct {
		name     string
		in       Signals
		want     float64
		wantRec  Recommendation
		wantReas []string
	}{
		{
			name:     "no signals",
			in:       Signals{},
			want:     0,
			wantRec:  RecommendActive,
			wantReas: []string{},
		},
		{
			name:     "single deprecation keyword",
			in:       Signals{TextFields: []string{"This extension is Deprecated."}},
			want:     3,
			wantRec:  RecommendReview,
			wantReas: []string{"deprecated"},
		},
		{
			name: "deprecation plus warning",
			// "deprecated" +3, "beta" (inside beta2) +1
			in:       Signals{TextFields: []string{"deprecated, use beta2 instead"}},
			want:     4,
			wantRec:  RecommendReview,
			wantReas: []string{"deprecated", "warning:beta"},
		},
		{
			name: "keyword matched in two fields counts twice",
			in: Signals{TextFields: []string{
				"obsolete parser", "Obsolete: see the new one",
			}},
			want:     6,
			wantRec:  RecommendPossiblyDeprecated,
			wantReas: []string{"obsolete"},
		},
		{
			name: "active evidence cancels at most half",
			// +3 from "retired", -2 -2 from "maintained" and "stable" → floor at 1.5
			in:       Signals{TextFields: []string{"retired", "maintained and stable"}},
			want:     1.5,
			wantRec:  RecommendMonitor,
			wantReas: []string{"retired", "active:maintained", "active:stable"},
		},
		{
			name:     "only active evidence scores zero",
			in:       Signals{TextFields: []string{"actively developed, production ready"}},
			want:     0,
			wantRec:  RecommendActive,
			wantReas: []string{"active:actively developed", "active:production ready"},
		},
		{
			name:     "archived repository",
			in:       Signals{Archived: true},
			want:     10,
			wantRec:  RecommendLikelyDeprecated,
			wantReas: []string{"archived_repository"},
		},
		{
			name:     "inactive over 180 days",
			in:       Signals{LastActivityDays: days(200)},
			want:     1,
			wantRec:  RecommendMonitor,
			wantReas: []string{"inactive>180d"},
		},
		{
			name:     "inactive over 365 days applies only the larger rule",
			in:       Signals{LastActivityDays: days(400)},
			want:     2,
			wantRec:  RecommendMonitor,
			wantReas: []string{"inactive>365d"},
		},
		{
			name:     "exactly 180 days is not inactive",
			in:       Signals{LastActivityDays: days(180)},
			want:     0,
			wantRec:  RecommendActive,
			wantReas: []string{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Score(tc.in, tables)
			if !almostEqual(got.Score, tc.want, 0.001) {
				t.Errorf("Score: got %.3f, want %.3f", got.Score, tc.want)
			}
			if got.Recommendation != tc.wantRec {
				t.Errorf("Recommendation: got %q, want %q", got.Recommendation, tc.wantRec)
			}
			if !reflect.DeepEqual(got.Reasons, tc.wantReas) {
				t.Errorf("Reasons: got %v, want %v", got.Reasons, tc.wantReas)
			}
		})
	}
}

func TestScore_Deterministic(t *testing.T) {
	in := Signals{
		Archived:         false,
		TextFields:       []string{"experimental prototype, no longer maintained", "README"},
		LastActivityDays: days(500),
	}
	first := Score(in, DefaultTables())
	for i := 0; i < 50; i++ {
		got := Score(in, DefaultTables())
		if got.Score != first.Score || !reflect.DeepEqual(got.Reasons, first.Reasons) {
			t.Fatalf("run %d: got %v/%v, want %v/%v", i, got.Score, got.Reasons, first.Score, first.Reasons)
		}
	}
}

func TestScore_MonotonicInDeprecationMatches(t *testing.T) {
	bases := []Signals{
		{},
		{TextFields: []string{"stable, maintained, production ready"}},
		{TextFields: []string{"beta"}, LastActivityDays: days(300)},
		{Archived: true, TextFields: []string{"actively developed"}},
	}
	for i, base := range bases {
		before := Score(base, DefaultTables()).Score

		more := base
		more.TextFields = append(append([]string(nil), base.TextFields...), "superseded")
		after := Score(more, DefaultTables()).Score

		if !(after > before) {
			t.Errorf("base %d: adding a deprecation match: got %.2f → %.2f, want strict increase", i, before, after)
		}
	}
}

func TestScore_ArchivedAlwaysLikelyDeprecated(t *testing.T) {
	tables := DefaultTables()
	texts := [][]string{
		nil,
		{"stable"},
		{"maintained", "actively developed", "stable", "production ready", "new features"},
	}
	for _, tf := range texts {
		got := Score(Signals{Archived: true, TextFields: tf}, tables)
		if got.Score < tables.Buckets.LikelyDeprecated {
			t.Errorf("archived with %v: score %.2f below likely-deprecated threshold %.2f",
				tf, got.Score, tables.Buckets.LikelyDeprecated)
		}
		if got.Recommendation != RecommendLikelyDeprecated {
			t.Errorf("archived with %v: recommendation %q", tf, got.Recommendation)
		}
	}
}

func TestScore_CustomTables(t *testing.T) {
	tables := Tables{
		Deprecation:   []Keyword{{Keyword: "EOL", Weight: 5}},
		ArchivedBonus: 20,
		Buckets:       Buckets{LikelyDeprecated: 5, PossiblyDeprecated: 4, Review: 3, Monitor: 1},
	}
	got := Score(Signals{TextFields: []string{"eol in 2027"}}, tables)
	if got.Score != 5 || got.Recommendation != RecommendLikelyDeprecated {
		t.Errorf("custom tables: got %.1f %q", got.Score, got.Recommendation)
	}
}

func TestClassify_Precedence(t *testing.T) {
	deprecated := types.StatusDeprecated
	active := types.StatusActive
	tables := DefaultTables()

	tests := []struct {
		name string
		in   ClassifyInput
		want types.Status
	}{
		{
			name: "override beats archived",
			in:   ClassifyInput{Override: &active, Archived: true, Result: Result{Recommendation: RecommendLikelyDeprecated}},
			want: types.StatusActive,
		},
		{
			name: "override beats missing metadata",
			in:   ClassifyInput{Override: &deprecated, MetadataMissing: true},
			want: types.StatusDeprecated,
		},
		{
			name: "missing metadata is unknown",
			in:   ClassifyInput{MetadataMissing: true},
			want: types.StatusUnknown,
		},
		{
			name: "archived beats scorer",
			in:   ClassifyInput{Archived: true, Result: Result{Recommendation: RecommendActive}},
			want: types.StatusArchived,
		},
		{
			name: "likely deprecated",
			in:   ClassifyInput{Result: Result{Recommendation: RecommendLikelyDeprecated}},
			want: types.StatusDeprecated,
		},
		{
			name: "possibly deprecated needs review",
			in:   ClassifyInput{Result: Result{Recommendation: RecommendPossiblyDeprecated}},
			want: types.StatusReviewRequired,
		},
		{
			name: "review bucket",
			in:   ClassifyInput{Result: Result{Recommendation: RecommendReview}},
			want: types.StatusReviewRequired,
		},
		{
			name: "monitor stays active",
			in:   ClassifyInput{Result: Result{Recommendation: RecommendMonitor}, LastActivityDays: days(200)},
			want: types.StatusActive,
		},
		{
			name: "long inactivity is legacy",
			in:   ClassifyInput{Result: Result{Recommendation: RecommendMonitor}, LastActivityDays: days(400)},
			want: types.StatusLegacy,
		},
		{
			name: "default active",
			in:   ClassifyInput{},
			want: types.StatusActive,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.in, tables); got != tc.want {
				t.Errorf("Classify: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTables_Validate(t *testing.T) {
	if err := DefaultTables().Validate(); err != nil {
		t.Fatalf("default tables: %v", err)
	}

	low := DefaultTables()
	low.ArchivedBonus = 4
	if err := low.Validate(); err == nil {
		t.Error("archived bonus below threshold: expected error")
	}

	inverted := DefaultTables()
	inverted.Buckets.Review = 9
	if err := inverted.Validate(); err == nil {
		t.Error("inverted buckets: expected error")
	}

	weights := []struct {
		name  string
		apply func(*Tables)
	}{
		{"negative deprecation weight", func(tb *Tables) { tb.Deprecation = []Keyword{{Keyword: "deprecated", Weight: -3}} }},
		{"zero deprecation weight", func(tb *Tables) { tb.Deprecation = []Keyword{{Keyword: "deprecated", Weight: 0}} }},
		{"negative warning weight", func(tb *Tables) { tb.Warning = []Keyword{{Keyword: "beta", Weight: -1}} }},
		{"positive active weight", func(tb *Tables) { tb.Active = []Keyword{{Keyword: "maintained", Weight: 2}} }},
		{"negative inactivity bonus", func(tb *Tables) { tb.Inactivity = []InactivityRule{{Days: 30, Bonus: -1}} }},
	}
	for _, tc := range weights {
		t.Run(tc.name, func(t *testing.T) {
			tb := DefaultTables()
			tc.apply(&tb)
			if err := tb.Validate(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestScore_ValidTablesAreMonotonic(t *testing.T) {
	tables := DefaultTables()
	tables.Deprecation = []Keyword{{Keyword: "deprecated", Weight: 3}, {Keyword: "obsolete", Weight: 0.5}}
	if err := tables.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	base := []string{"deprecated but actively maintained and stable"}
	one := Score(Signals{TextFields: base}, tables)
	two := Score(Signals{TextFields: append(base, "obsolete")}, tables)
	if two.Score <= one.Score {
		t.Errorf("extra deprecation match: got %.2f, want more than %.2f", two.Score, one.Score)
	}
}
