package history

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// ErrStorage marks a persistence failure. It is fatal to a run.
var ErrStorage = errors.New("storage failure")

// Store is the history ledger.
type Store interface {
	// Append persists snap and its run metadata as one batch.
	Append(ctx context.Context, snap types.AnalysisSnapshot, run types.RunInfo) error

	// Latest returns the newest row per entity id.
	Latest(ctx context.Context) (map[string]types.HistoryRow, error)

	// Trend diffs current against the most recent earlier snapshot.
	Trend(ctx context.Context, current types.AnalysisSnapshot) (types.TrendSummary, error)

	// Snapshot reassembles the snapshot persisted at takenAt.
	Snapshot(ctx context.Context, takenAt time.Time) (types.AnalysisSnapshot, error)

	// EntityHistory returns up to limit rows for id, newest first.
	EntityHistory(ctx context.Context, id string, limit int) ([]types.HistoryRow, error)

	// Runs returns up to limit run rows, newest first.
	Runs(ctx context.Context, limit int) ([]types.RunInfo, error)

	RowCount(ctx context.Context) (int, error)
	Close() error
}

// ErrNoSnapshot is returned by Snapshot when nothing was stored at takenAt.
var ErrNoSnapshot = errors.New("history: no snapshot at that time")

// LatestTrend rebuilds the newest persisted snapshot and diffs it against
// its predecessor. It returns ErrNoSnapshot when no run was recorded.
func LatestTrend(ctx context.Context, s Store) (types.TrendSummary, error) {
	runs, err := s.Runs(ctx, 1)
	if err != nil {
		return types.TrendSummary{}, err
	}
	if len(runs) == 0 {
		return types.TrendSummary{}, ErrNoSnapshot
	}
	snap, err := s.Snapshot(ctx, runs[0].TakenAt)
	if err != nil {
		return types.TrendSummary{}, err
	}
	return s.Trend(ctx, snap)
}

// modeTrendDepth bounds how many runs ModeTrend looks back through.
const modeTrendDepth = 500

// ModeTrend diffs the snapshot of run against the newest earlier run of the
// same mode. Runs of other modes cover other catalogs and are skipped, so a
// primary run followed by a secondary one reports nothing as disappeared.
func ModeTrend(ctx context.Context, s Store, run types.RunInfo) (types.TrendSummary, error) {
	current, err := s.Snapshot(ctx, run.TakenAt)
	if err != nil {
		return types.TrendSummary{}, err
	}
	runs, err := s.Runs(ctx, modeTrendDepth)
	if err != nil {
		return types.TrendSummary{}, err
	}
	for _, r := range runs {
		if r.Mode != run.Mode || !r.TakenAt.Before(run.TakenAt) {
			continue
		}
		prev, err := s.Snapshot(ctx, r.TakenAt)
		if err != nil {
			return types.TrendSummary{}, err
		}
		ids := make(map[string]bool, len(prev.Records))
		for _, rec := range prev.Records {
			ids[rec.ID] = true
		}
		at := r.TakenAt
		return summarise(current, ids, &at), nil
	}
	return summarise(current, nil, nil), nil
}

// summarise builds the trend of current against the ids of the previous
// snapshot. prevAt is nil when there is none.
func summarise(current types.AnalysisSnapshot, prevIDs map[string]bool, prevAt *time.Time) types.TrendSummary {
	ids := make(map[string]bool, len(current.Records))
	for _, r := range current.Records {
		ids[r.ID] = true
	}

	ts := types.TrendSummary{
		TakenAt:         current.TakenAt,
		Total:           len(current.Records),
		ByStatus:        types.CountByStatus(current.Records),
		NewlySeen:       []string{},
		Disappeared:     []string{},
		PreviousTakenAt: prevAt,
	}
	if prevAt == nil {
		return ts
	}
	for id := range ids {
		if !prevIDs[id] {
			ts.NewlySeen = append(ts.NewlySeen, id)
		}
	}
	for id := range prevIDs {
		if !ids[id] {
			ts.Disappeared = append(ts.Disappeared, id)
		}
	}
	sort.Strings(ts.NewlySeen)
	sort.Strings(ts.Disappeared)
	return ts
}

// normalise fills a zero taken_at and run id, and aligns the run row with the snapshot.
func normalise(snap types.AnalysisSnapshot, run types.RunInfo, now func() time.Time) (types.AnalysisSnapshot, types.RunInfo) {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = now()
	}
	snap.TakenAt = snap.TakenAt.UTC()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.TakenAt = snap.TakenAt
	if run.ReferenceVersion == nil {
		run.ReferenceVersion = snap.ReferenceVersion
	}
	if run.ReferenceDate == nil {
		run.ReferenceDate = snap.ReferenceVersionDate
	}
	return snap, run
}
