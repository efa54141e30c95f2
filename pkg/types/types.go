package types

import (
	"sort"
	"time"
)

// Kind distinguishes entities by the catalog that lists them.
type Kind string

const (
	// KindPrimary entities ship with the upstream project and are listed by
	// its own catalog.
	KindPrimary Kind = "primary"
	// KindSecondary entities are community-maintained and listed by a
	// separate registry.
	KindSecondary Kind = "secondary"
)

// Status is the classification assigned to an entity by one analysis run.
type Status string

const (
	StatusActive         Status = "active"
	StatusLegacy         Status = "legacy"
	StatusDeprecated     Status = "deprecated"
	StatusReviewRequired Status = "review_required"
	StatusArchived       Status = "archived"
	StatusError          Status = "error"
	StatusUnknown        Status = "unknown"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusLegacy, StatusDeprecated, StatusReviewRequired,
		StatusArchived, StatusError, StatusUnknown:
		return true
	}
	return false
}

// AllStatuses lists every status in a stable order for reporting.
func AllStatuses() []Status {
	return []Status{
		StatusActive, StatusLegacy, StatusDeprecated, StatusReviewRequired,
		StatusArchived, StatusError, StatusUnknown,
	}
}

// EntityRecord is the classified state of one entity at one point in time.
type EntityRecord struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	RepositoryRef  *string    `json:"repository_ref,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	Popularity     *int       `json:"popularity,omitempty"`
	Archived       bool       `json:"archived"`
	Description    *string    `json:"description,omitempty"`
	Status         Status     `json:"status"`
	Score          float64    `json:"score"`
	ScoreReasons   []string   `json:"score_reasons"`
	FetchError     *string    `json:"fetch_error,omitempty"`

	// DaysSinceActivity is derived from LastActivityAt at build time.
	DaysSinceActivity *int `json:"days_since_activity,omitempty"`

	// Details carries repository facts that do not affect classification.
	Details *RepoDetails `json:"details,omitempty"`
}

// RepoDetails is the typed side table for per-repository extras.
type RepoDetails struct {
	FullName   string     `json:"full_name,omitempty"`
	Forks      int        `json:"forks,omitempty"`
	Language   string     `json:"language,omitempty"`
	License    string     `json:"license,omitempty"`
	Topics     []string   `json:"topics,omitempty"`
	Homepage   string     `json:"homepage,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	Version    string     `json:"version,omitempty"`
	Maintainer []string   `json:"maintainers,omitempty"`
	Links      []Link     `json:"links,omitempty"`
	Featured   bool       `json:"featured,omitempty"`

	// Issues counts reference-repository issues that mention the entity.
	Issues *IssueSummary `json:"issues,omitempty"`
}

// IssueSummary aggregates the tracked issues mentioning one entity.
type IssueSummary struct {
	Open   int `json:"open"`
	Closed int `json:"closed"`

	// Recent counts issues created inside the recent window.
	Recent int `json:"recent"`

	// OpenHigh counts open issues of high severity.
	OpenHigh int `json:"open_high"`

	ByType     map[string]int `json:"by_type,omitempty"`
	BySeverity map[string]int `json:"by_severity,omitempty"`
	Platforms  []string       `json:"platforms,omitempty"`

	// Latest holds the most recently updated issues, newest first.
	Latest []IssueRef `json:"latest,omitempty"`
}

// IssueRef identifies one tracked issue.
type IssueRef struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	State     string    `json:"state"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	UpdatedAt time.Time `json:"updated_at"`
}

func cloneIssues(s *IssueSummary) *IssueSummary {
	if s == nil {
		return nil
	}
	out := *s
	out.ByType = cloneCounts(s.ByType)
	out.BySeverity = cloneCounts(s.BySeverity)
	out.Platforms = append([]string(nil), s.Platforms...)
	out.Latest = append([]IssueRef(nil), s.Latest...)
	return &out
}

func cloneCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Link is a labelled URL attached to an entity.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// ErrorRecord returns a record for id carrying status=error and msg.
func ErrorRecord(id string, kind Kind, msg string) EntityRecord {
	return EntityRecord{
		ID:           id,
		Kind:         kind,
		Status:       StatusError,
		ScoreReasons: []string{},
		FetchError:   &msg,
	}
}

// CloneRecord returns a deep copy of r.
func CloneRecord(r EntityRecord) EntityRecord {
	out := r
	out.RepositoryRef = cloneString(r.RepositoryRef)
	out.Description = cloneString(r.Description)
	out.FetchError = cloneString(r.FetchError)
	if r.LastActivityAt != nil {
		t := *r.LastActivityAt
		out.LastActivityAt = &t
	}
	if r.Popularity != nil {
		p := *r.Popularity
		out.Popularity = &p
	}
	if r.DaysSinceActivity != nil {
		d := *r.DaysSinceActivity
		out.DaysSinceActivity = &d
	}
	out.ScoreReasons = append(make([]string, 0, len(r.ScoreReasons)), r.ScoreReasons...)
	if r.Details != nil {
		d := *r.Details
		d.Topics = append([]string(nil), r.Details.Topics...)
		d.Maintainer = append([]string(nil), r.Details.Maintainer...)
		d.Links = append([]Link(nil), r.Details.Links...)
		if r.Details.CreatedAt != nil {
			t := *r.Details.CreatedAt
			d.CreatedAt = &t
		}
		d.Issues = cloneIssues(r.Details.Issues)
		out.Details = &d
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// AnalysisSnapshot is the complete output of one orchestrator run.
type AnalysisSnapshot struct {
	TakenAt              time.Time      `json:"taken_at"`
	ReferenceVersion     *string        `json:"reference_version,omitempty"`
	ReferenceVersionDate *time.Time     `json:"reference_version_date,omitempty"`
	Records              []EntityRecord `json:"records"`
}

// SortRecords orders records by entity id, then by kind for equal ids.
func SortRecords(records []EntityRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].ID != records[j].ID {
			return records[i].ID < records[j].ID
		}
		return records[i].Kind < records[j].Kind
	})
}

// CountByStatus tallies records per status. Every known status is present
// in the result, with zero for statuses that did not occur.
func CountByStatus(records []EntityRecord) map[Status]int {
	out := make(map[Status]int, len(AllStatuses()))
	for _, s := range AllStatuses() {
		out[s] = 0
	}
	for _, r := range records {
		out[r.Status]++
	}
	return out
}

// HistoryRow is one persisted record of an entity at snapshot time.
type HistoryRow struct {
	EntityID string       `json:"entity_id"`
	TakenAt  time.Time    `json:"taken_at"`
	Record   EntityRecord `json:"record"`
}

// TrendSummary compares one snapshot against the one before it.
type TrendSummary struct {
	TakenAt     time.Time      `json:"taken_at"`
	Total       int            `json:"total"`
	ByStatus    map[Status]int `json:"by_status"`
	NewlySeen   []string       `json:"newly_seen_ids"`
	Disappeared []string       `json:"disappeared_ids"`

	// PreviousTakenAt is nil when there is no earlier snapshot.
	PreviousTakenAt *time.Time `json:"previous_taken_at,omitempty"`
}

// RunMode selects which catalogs a run analyses.
type RunMode string

const (
	ModeFull      RunMode = "full"
	ModePrimary   RunMode = "primary"
	ModeSecondary RunMode = "secondary"
)

// Kinds returns the entity kinds covered by m. Unknown modes cover nothing.
func (m RunMode) Kinds() []Kind {
	switch m {
	case ModeFull:
		return []Kind{KindPrimary, KindSecondary}
	case ModePrimary:
		return []Kind{KindPrimary}
	case ModeSecondary:
		return []Kind{KindSecondary}
	}
	return nil
}

// RunInfo is one row of the run-metadata table.
type RunInfo struct {
	ID               string     `json:"id"`
	TakenAt          time.Time  `json:"taken_at"`
	Mode             RunMode    `json:"mode"`
	ReferenceVersion *string    `json:"reference_version,omitempty"`
	ReferenceDate    *time.Time `json:"reference_date,omitempty"`
	Total            int        `json:"total"`
	Errors           int        `json:"errors"`
	Partial          bool       `json:"partial"`
}

// RunResult is what one orchestrator run hands back to its caller.
type RunResult struct {
	Run      RunInfo          `json:"run"`
	Snapshot AnalysisSnapshot `json:"snapshot"`
	Trend    TrendSummary     `json:"trend"`
	Partial  bool             `json:"partial"`
}
