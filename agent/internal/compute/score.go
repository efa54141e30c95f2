package compute

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Recommendation is the bucket a score falls into.
type Recommendation string

const (
	RecommendLikelyDeprecated   Recommendation = "likely_deprecated"
	RecommendPossiblyDeprecated Recommendation = "possibly_deprecated"
	RecommendReview             Recommendation = "review"
	RecommendMonitor            Recommendation = "monitor"
	RecommendActive             Recommendation = "active"
)

// Keyword is one weighted entry of a keyword table. Positive weights push
// towards deprecation, negative weights towards active.
type Keyword struct {
	Keyword string
	Weight  float64
}

// InactivityRule adds Bonus when days since last activity exceed Days.
// Only the rule with the largest exceeded Days applies.
type InactivityRule struct {
	Days  int
	Bonus float64
}

// Buckets are the lower score bounds of each recommendation.
type Buckets struct {
	LikelyDeprecated   float64
	PossiblyDeprecated float64
	Review             float64
	Monitor            float64
}

// Tables is the complete scoring configuration.
type Tables struct {
	Deprecation   []Keyword
	Warning       []Keyword
	Active        []Keyword
	ArchivedBonus float64
	Inactivity    []InactivityRule
	Buckets       Buckets
}

// Default weights and thresholds.
const (
	DefaultDeprecationWeight = 3.0
	DefaultWarningWeight     = 1.0
	DefaultActiveWeight      = -2.0
	DefaultArchivedBonus     = 10.0
)

var (
	defaultDeprecation = []string{
		"deprecated", "deprecation", "obsolete", "unmaintained", "archived",
		"no longer maintained", "end of life", "superseded", "replaced by",
		"use instead", "migrated to", "moved to", "discontinued",
		"not recommended", "retired", "sunset", "end-of-life",
	}
	defaultWarning = []string{
		"experimental", "alpha", "beta", "prototype", "work in progress",
		"proof of concept", "demo", "example", "test", "broken", "unstable",
		"development only", "not production ready",
	}
	defaultActive = []string{
		"maintained", "actively developed", "stable", "production ready",
		"latest release", "updated recently", "new features",
	}
)

// DefaultTables returns the built-in keyword tables and thresholds.
func DefaultTables() Tables {
	return Tables{
		Deprecation:   weighted(defaultDeprecation, DefaultDeprecationWeight),
		Warning:       weighted(defaultWarning, DefaultWarningWeight),
		Active:        weighted(defaultActive, DefaultActiveWeight),
		ArchivedBonus: DefaultArchivedBonus,
		Inactivity: []InactivityRule{
			{Days: 180, Bonus: 1},
			{Days: 365, Bonus: 2},
		},
		Buckets: Buckets{
			LikelyDeprecated:   8,
			PossiblyDeprecated: 5,
			Review:             3,
			Monitor:            1,
		},
	}
}

func weighted(words []string, w float64) []Keyword {
	out := make([]Keyword, len(words))
	for i, word := range words {
		out[i] = Keyword{Keyword: word, Weight: w}
	}
	return out
}

// Signals are the scorer inputs for one entity.
type Signals struct {
	Archived   bool
	TextFields []string

	// LastActivityDays is nil when the last activity date is unknown.
	LastActivityDays *int
}

// Result is the scorer output.
type Result struct {
	Score          float64
	Reasons        []string
	Recommendation Recommendation
}

// Score evaluates signals against tables. It has no state and no
// randomness: equal inputs always give equal outputs.
//
// Every keyword is matched case-insensitively as a substring of every text
// field and each match adds the keyword's weight. Reasons name each matched
// keyword once, in table order: deprecation keywords bare, warning and
// active keywords prefixed with "warning:" and "active:".
//
// Negative evidence cancels at most half of the positive keyword and
// inactivity evidence, so the score never drops below zero and each extra
// positive match raises it. The archived bonus is added last and is never
// cancelled.
func Score(s Signals, t Tables) Result {
	fields := make([]string, 0, len(s.TextFields))
	for _, f := range s.TextFields {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, strings.ToLower(f))
		}
	}

	var positive, negative float64
	var reasons []string
	seen := make(map[string]bool)
	add := func(reason string, w float64) {
		if w >= 0 {
			positive += w
		} else {
			negative += w
		}
		if !seen[reason] {
			seen[reason] = true
			reasons = append(reasons, reason)
		}
	}

	match := func(table []Keyword, prefix string) {
		for _, kw := range table {
			needle := strings.ToLower(strings.TrimSpace(kw.Keyword))
			if needle == "" {
				continue
			}
			for _, f := range fields {
				if strings.Contains(f, needle) {
					add(prefix+needle, kw.Weight)
				}
			}
		}
	}
	match(t.Deprecation, "")
	match(t.Warning, "warning:")
	match(t.Active, "active:")

	if s.LastActivityDays != nil {
		if rule, ok := inactivityRule(t.Inactivity, *s.LastActivityDays); ok {
			add("inactive>"+strconv.Itoa(rule.Days)+"d", rule.Bonus)
		}
	}

	score := positive + math.Max(negative, -positive/2)
	if s.Archived {
		score += math.Max(t.ArchivedBonus, 0)
		if !seen["archived_repository"] {
			reasons = append(reasons, "archived_repository")
		}
	}

	if reasons == nil {
		reasons = []string{}
	}
	return Result{
		Score:          score,
		Reasons:        reasons,
		Recommendation: t.Buckets.recommend(score),
	}
}

// inactivityRule returns the rule with the largest Days below days.
func inactivityRule(rules []InactivityRule, days int) (InactivityRule, bool) {
	sorted := append([]InactivityRule(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Days > sorted[j].Days })
	for _, r := range sorted {
		if days > r.Days {
			return r, true
		}
	}
	return InactivityRule{}, false
}

// maxInactivityDays is the largest configured threshold, or 0 if none.
func (t Tables) maxInactivityDays() int {
	longest := 0
	for _, r := range t.Inactivity {
		if r.Days > longest {
			longest = r.Days
		}
	}
	return longest
}

// recommend maps a score to its bucket.
func (b Buckets) recommend(score float64) Recommendation {
	switch {
	case score >= b.LikelyDeprecated:
		return RecommendLikelyDeprecated
	case score >= b.PossiblyDeprecated:
		return RecommendPossiblyDeprecated
	case score >= b.Review:
		return RecommendReview
	case score >= b.Monitor && score > 0:
		return RecommendMonitor
	default:
		return RecommendActive
	}
}
