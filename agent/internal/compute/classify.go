package compute

import (
	"fmt"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// ClassifyInput carries every signal that decides an entity's status.
type ClassifyInput struct {
	// Override is a manual status pin. It beats everything else.
	Override *types.Status

	// MetadataMissing marks an entity whose declared metadata could not be
	// found. Such entities are unknown rather than failed.
	MetadataMissing bool

	Archived         bool
	Result           Result
	LastActivityDays *int
}

// Classify assigns a status using a fixed precedence: manual override,
// then missing metadata, then an archived repository, then the scorer's
// recommendation, then active.
//
// Scorer buckets map as likely_deprecated → deprecated, possibly_deprecated
// and review → review_required. Monitor and active stay active unless the
// entity has been inactive for longer than the largest inactivity
// threshold, in which case it is legacy.
func Classify(in ClassifyInput, t Tables) types.Status {
	if in.Override != nil {
		return *in.Override
	}
	if in.MetadataMissing {
		return types.StatusUnknown
	}
	if in.Archived {
		return types.StatusArchived
	}

	switch in.Result.Recommendation {
	case RecommendLikelyDeprecated:
		return types.StatusDeprecated
	case RecommendPossiblyDeprecated, RecommendReview:
		return types.StatusReviewRequired
	}

	if longest := t.maxInactivityDays(); longest > 0 && in.LastActivityDays != nil && *in.LastActivityDays > longest {
		return types.StatusLegacy
	}
	return types.StatusActive
}

// Validate checks that the tables can honour their guarantees.
func (t Tables) Validate() error {
	b := t.Buckets
	if !(b.LikelyDeprecated >= b.PossiblyDeprecated && b.PossiblyDeprecated >= b.Review && b.Review >= b.Monitor) {
		return fmt.Errorf("compute: bucket thresholds must be non-increasing: %+v", b)
	}
	if b.Monitor < 0 {
		return fmt.Errorf("compute: monitor threshold must not be negative")
	}
	if t.ArchivedBonus < b.LikelyDeprecated {
		return fmt.Errorf("compute: archived bonus %.1f is below the likely-deprecated threshold %.1f",
			t.ArchivedBonus, b.LikelyDeprecated)
	}
	for _, r := range t.Inactivity {
		if r.Days <= 0 {
			return fmt.Errorf("compute: inactivity days must be positive")
		}
		if r.Bonus < 0 {
			return fmt.Errorf("compute: inactivity bonus for %d days must not be negative", r.Days)
		}
	}
	// Deprecation and warning matches are positive evidence, active matches
	// negative; a flipped sign breaks score monotonicity.
	if err := checkSigns("deprecation", t.Deprecation, 1); err != nil {
		return err
	}
	if err := checkSigns("warning", t.Warning, 1); err != nil {
		return err
	}
	return checkSigns("active", t.Active, -1)
}

func checkSigns(table string, kws []Keyword, sign float64) error {
	for _, k := range kws {
		if k.Weight*sign <= 0 {
			want := "positive"
			if sign < 0 {
				want = "negative"
			}
			return fmt.Errorf("compute: %s keyword %q has weight %.1f, want %s", table, k.Keyword, k.Weight, want)
		}
	}
	return nil
}
