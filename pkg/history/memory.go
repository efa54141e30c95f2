package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// MemoryStore is a thread-safe in-process Store. Nothing survives the
// process.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []types.HistoryRow
	runs []types.RunInfo
	// runRows[i] holds the index range of runs[i] within rows.
	runRows [][2]int
	now     func() time.Time // injectable for deterministic tests
}

var _ Store = (*MemoryStore)(nil)

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Append stores deep copies of the snapshot's records.
func (s *MemoryStore) Append(_ context.Context, snap types.AnalysisSnapshot, run types.RunInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, run = normalise(snap, run, s.now)
	start := len(s.rows)
	for _, r := range snap.Records {
		s.rows = append(s.rows, types.HistoryRow{
			EntityID: r.ID,
			TakenAt:  snap.TakenAt,
			Record:   types.CloneRecord(r),
		})
	}
	s.runs = append(s.runs, run)
	s.runRows = append(s.runRows, [2]int{start, len(s.rows)})
	return nil
}

// Latest returns the newest row per id. Later appends win ties.
func (s *MemoryStore) Latest(_ context.Context) (map[string]types.HistoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]types.HistoryRow)
	for _, r := range s.rows {
		if cur, ok := out[r.EntityID]; ok && r.TakenAt.Before(cur.TakenAt) {
			continue
		}
		out[r.EntityID] = cloneRow(r)
	}
	return out, nil
}

// Trend diffs current against the newest snapshot taken before it.
func (s *MemoryStore) Trend(_ context.Context, current types.AnalysisSnapshot) (types.TrendSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at := current.TakenAt.UTC()
	var prev *time.Time
	for _, run := range s.runs {
		if run.TakenAt.Before(at) && (prev == nil || run.TakenAt.After(*prev)) {
			t := run.TakenAt
			prev = &t
		}
	}
	if prev == nil {
		return summarise(current, nil, nil), nil
	}
	ids := make(map[string]bool)
	for _, r := range s.rows {
		if r.TakenAt.Equal(*prev) {
			ids[r.EntityID] = true
		}
	}
	return summarise(current, ids, prev), nil
}

// Snapshot returns the last snapshot appended at takenAt.
func (s *MemoryStore) Snapshot(_ context.Context, takenAt time.Time) (types.AnalysisSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.runs) - 1; i >= 0; i-- {
		run := s.runs[i]
		if !run.TakenAt.Equal(takenAt) {
			continue
		}
		snap := types.AnalysisSnapshot{
			TakenAt:              run.TakenAt,
			ReferenceVersion:     run.ReferenceVersion,
			ReferenceVersionDate: run.ReferenceDate,
		}
		span := s.runRows[i]
		snap.Records = make([]types.EntityRecord, 0, span[1]-span[0])
		for _, r := range s.rows[span[0]:span[1]] {
			snap.Records = append(snap.Records, types.CloneRecord(r.Record))
		}
		return snap, nil
	}
	return types.AnalysisSnapshot{}, ErrNoSnapshot
}

// EntityHistory returns up to limit rows for id, newest first.
func (s *MemoryStore) EntityHistory(_ context.Context, id string, limit int) ([]types.HistoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.HistoryRow
	for i := len(s.rows) - 1; i >= 0; i-- {
		if s.rows[i].EntityID == id {
			out = append(out, cloneRow(s.rows[i]))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Runs returns up to limit runs, newest first.
func (s *MemoryStore) Runs(_ context.Context, limit int) ([]types.RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.RunInfo, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		out = append(out, s.runs[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RowCount returns the number of stored rows.
func (s *MemoryStore) RowCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func cloneRow(r types.HistoryRow) types.HistoryRow {
	r.Record = types.CloneRecord(r.Record)
	return r
}
