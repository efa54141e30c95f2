package api

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// DiagnosticHint is one human-readable insight about an entity's state.
// A dashboard shows these as chips on the entity card; Detail explains the
// finding in plain English.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier (used for dedup/ordering).
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level string `json:"level"`
	// Title is a short label shown on the chip (five words or fewer).
	Title string `json:"title"`
	// Detail is the full explanation shown on click/hover.
	Detail string `json:"detail"`
	// Value is an optional numeric value associated with this hint (e.g. score).
	Value *float64 `json:"value,omitempty"`
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2, "ok": 3}

// computeDiagnostics derives human-readable diagnostic hints from a record.
// Diagnostics are ordered: critical first, then warnings, then info.
func computeDiagnostics(rec types.EntityRecord) []DiagnosticHint {
	var hints []DiagnosticHint

	// Fetch failure: nothing else about the record can be trusted.
	if rec.FetchError != nil {
		return []DiagnosticHint{{
			Key:   "fetch_failed",
			Level: "critical",
			Title: "Couldn't fetch metadata",
			Detail: fmt.Sprintf(
				"The last run could not collect data for this entity and got: %q. "+
					"It is usually a transient API failure or an exhausted rate limit; "+
					"the next run retries it.",
				*rec.FetchError,
			),
		}}
	}

	if rec.Status == types.StatusUnknown {
		detail := "No metadata was found for this entity, so it could not be scored."
		if rec.RepositoryRef == nil {
			detail = "This entity has no repository of its own. It is built and released " +
				"with the upstream project, so repository activity does not apply."
		}
		hints = append(hints, DiagnosticHint{Key: "unknown", Level: "info", Title: "Not scored", Detail: detail})
		return sortHints(append(hints, issueHints(rec)...))
	}

	if rec.Archived {
		hints = append(hints, DiagnosticHint{
			Key:   "archived",
			Level: "critical",
			Title: "Repository archived",
			Detail: "The source repository is archived and read-only. No fixes or " +
				"releases will follow; look for a maintained replacement.",
		})
	}

	score := rec.Score
	switch rec.Status {
	case types.StatusDeprecated:
		hints = append(hints, DiagnosticHint{
			Key:   "deprecated",
			Level: "critical",
			Title: "Likely deprecated",
			Detail: fmt.Sprintf(
				"The deprecation score is %.1f, above the likely-deprecated threshold. "+
					"Signals: %s.",
				score, reasonList(rec.ScoreReasons),
			),
			Value: &score,
		})
	case types.StatusReviewRequired:
		hints = append(hints, DiagnosticHint{
			Key:   "review_required",
			Level: "warning",
			Title: "Needs review",
			Detail: fmt.Sprintf(
				"The deprecation score is %.1f. That is not conclusive, but worth a "+
					"manual look. Signals: %s.",
				score, reasonList(rec.ScoreReasons),
			),
			Value: &score,
		})
	case types.StatusLegacy:
		hints = append(hints, DiagnosticHint{
			Key:   "legacy",
			Level: "warning",
			Title: "Legacy",
			Detail: "Nothing says this entity is deprecated, but it has not seen " +
				"activity for longer than the longest inactivity threshold.",
		})
	}

	if d := rec.DaysSinceActivity; d != nil && *d >= 180 && rec.Status != types.StatusLegacy {
		v := float64(*d)
		level := "info"
		if *d >= 365 {
			level = "warning"
		}
		hints = append(hints, DiagnosticHint{
			Key:   "inactive",
			Level: level,
			Title: fmt.Sprintf("Inactive %d days", *d),
			Detail: fmt.Sprintf(
				"The repository was last pushed %d days ago. Long quiet periods are "+
					"normal for finished libraries, but check that it still builds "+
					"against the current reference release.",
				*d,
			),
			Value: &v,
		})
	}

	if rec.Popularity != nil && *rec.Popularity == 0 && rec.Kind == types.KindSecondary {
		hints = append(hints, DiagnosticHint{
			Key:    "no_stars",
			Level:  "info",
			Title:  "No stars",
			Detail: "Nobody has starred the repository. It may be new or little used.",
		})
	}

	if len(hints) == 0 {
		hints = append(hints, DiagnosticHint{
			Key:   "active",
			Level: "ok",
			Title: "All clear",
			Detail: fmt.Sprintf(
				"No deprecation signals were found (score %.1f) and the repository is "+
					"recently active.",
				score,
			),
			Value: &score,
		})
	}

	return sortHints(append(hints, issueHints(rec)...))
}

// issueHints reports open reference-repository issues that name the entity.
func issueHints(rec types.EntityRecord) []DiagnosticHint {
	if rec.Details == nil || rec.Details.Issues == nil || rec.Details.Issues.Open == 0 {
		return nil
	}
	is := rec.Details.Issues
	open := float64(is.Open)
	h := DiagnosticHint{
		Key:   "open_issues",
		Level: "info",
		Title: fmt.Sprintf("%d open issues", is.Open),
		Detail: fmt.Sprintf(
			"%d open and %d closed issues in the reference repository mention this entity.",
			is.Open, is.Closed,
		),
		Value: &open,
	}
	if is.Open == 1 {
		h.Title = "1 open issue"
	}
	if is.OpenHigh > 0 {
		h.Level = "warning"
		h.Detail += fmt.Sprintf(" %d of the open issues look high severity.", is.OpenHigh)
	}
	if len(is.Platforms) > 0 {
		h.Detail += " Platforms named: " + strings.Join(is.Platforms, ", ") + "."
	}
	return []DiagnosticHint{h}
}

func sortHints(hints []DiagnosticHint) []DiagnosticHint {
	sort.SliceStable(hints, func(i, j int) bool {
		return levelRank[hints[i].Level] < levelRank[hints[j].Level]
	})
	return hints
}

func reasonList(reasons []string) string {
	if len(reasons) == 0 {
		return "none recorded"
	}
	return strings.Join(reasons, ", ")
}
