package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// SQLiteStore is a Store backed by a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	// A single connection serialises writers and keeps pragmas in force.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("history: sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS analysis_runs (
			run_id            TEXT PRIMARY KEY,
			taken_at          INTEGER NOT NULL,
			mode              TEXT NOT NULL,
			reference_version TEXT,
			reference_date    INTEGER,
			total             INTEGER NOT NULL,
			errors            INTEGER NOT NULL,
			partial           INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_taken ON analysis_runs(taken_at)`,
		`CREATE TABLE IF NOT EXISTS entity_history (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL REFERENCES analysis_runs(run_id),
			entity_id   TEXT NOT NULL,
			taken_at    INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			status      TEXT NOT NULL,
			score       REAL NOT NULL,
			record_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_entity ON entity_history(entity_id, taken_at)`,
		`CREATE INDEX IF NOT EXISTS idx_history_taken ON entity_history(taken_at)`,
		`CREATE VIEW IF NOT EXISTS entity_latest AS
			SELECT h.entity_id, h.taken_at, h.record_json
			FROM entity_history h
			WHERE h.seq = (
				SELECT x.seq FROM entity_history x
				WHERE x.entity_id = h.entity_id
				ORDER BY x.taken_at DESC, x.seq DESC
				LIMIT 1
			)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("history: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes the run row and one row per record in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, snap types.AnalysisSnapshot, run types.RunInfo) error {
	snap, run = normalise(snap, run, s.now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("append: begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO analysis_runs (run_id, taken_at, mode, reference_version, reference_date, total, errors, partial)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TakenAt.UnixNano(), string(run.Mode), nullString(run.ReferenceVersion),
		nullTime(run.ReferenceDate), run.Total, run.Errors, run.Partial)
	if err != nil {
		return storageErr("append: insert run", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entity_history (run_id, entity_id, taken_at, kind, status, score, record_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return storageErr("append: prepare", err)
	}
	defer stmt.Close()

	at := snap.TakenAt.UnixNano()
	for _, r := range snap.Records {
		body, err := json.Marshal(r)
		if err != nil {
			return storageErr("append: encode "+r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, run.ID, r.ID, at, string(r.Kind), string(r.Status), r.Score, string(body)); err != nil {
			return storageErr("append: insert "+r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("append: commit", err)
	}
	slog.Debug("history: appended snapshot",
		"run_id", run.ID, "taken_at", snap.TakenAt, "records", len(snap.Records))
	return nil
}

// Latest reads the entity_latest view.
func (s *SQLiteStore) Latest(ctx context.Context) (map[string]types.HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, taken_at, record_json FROM entity_latest`)
	if err != nil {
		return nil, storageErr("latest", err)
	}
	list, err := scanRows(rows)
	if err != nil {
		return nil, storageErr("latest", err)
	}
	out := make(map[string]types.HistoryRow, len(list))
	for _, r := range list {
		out[r.EntityID] = r
	}
	return out, nil
}

// Trend diffs current against the newest snapshot taken before it. The
// baseline comes from the run table so that an empty snapshot still counts.
func (s *SQLiteStore) Trend(ctx context.Context, current types.AnalysisSnapshot) (types.TrendSummary, error) {
	var prev sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(taken_at) FROM analysis_runs WHERE taken_at < ?`,
		current.TakenAt.UTC().UnixNano()).Scan(&prev)
	if err != nil {
		return types.TrendSummary{}, storageErr("trend: previous", err)
	}
	if !prev.Valid {
		return summarise(current, nil, nil), nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT entity_id FROM entity_history WHERE taken_at = ?`, prev.Int64)
	if err != nil {
		return types.TrendSummary{}, storageErr("trend: ids", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return types.TrendSummary{}, storageErr("trend: scan", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return types.TrendSummary{}, storageErr("trend: ids", err)
	}

	at := fromNanos(prev.Int64)
	return summarise(current, ids, &at), nil
}

// Snapshot reassembles the rows stored at takenAt. When the same instant
// was appended more than once, the last append wins.
func (s *SQLiteStore) Snapshot(ctx context.Context, takenAt time.Time) (types.AnalysisSnapshot, error) {
	at := takenAt.UTC().UnixNano()

	var (
		runID   string
		version sql.NullString
		refDate sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, reference_version, reference_date FROM analysis_runs
		WHERE taken_at = ? ORDER BY rowid DESC LIMIT 1`, at).Scan(&runID, &version, &refDate)
	if errors.Is(err, sql.ErrNoRows) {
		return types.AnalysisSnapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return types.AnalysisSnapshot{}, storageErr("snapshot: run", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, taken_at, record_json FROM entity_history
		WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return types.AnalysisSnapshot{}, storageErr("snapshot: rows", err)
	}
	list, err := scanRows(rows)
	if err != nil {
		return types.AnalysisSnapshot{}, storageErr("snapshot: rows", err)
	}

	snap := types.AnalysisSnapshot{TakenAt: fromNanos(at), Records: make([]types.EntityRecord, 0, len(list))}
	if version.Valid {
		v := version.String
		snap.ReferenceVersion = &v
	}
	if refDate.Valid {
		d := fromNanos(refDate.Int64)
		snap.ReferenceVersionDate = &d
	}
	for _, r := range list {
		snap.Records = append(snap.Records, r.Record)
	}
	return snap, nil
}

// EntityHistory returns the newest rows for id.
func (s *SQLiteStore) EntityHistory(ctx context.Context, id string, limit int) ([]types.HistoryRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, taken_at, record_json FROM entity_history
		WHERE entity_id = ? ORDER BY taken_at DESC, seq DESC LIMIT ?`, id, limit)
	if err != nil {
		return nil, storageErr("entity history", err)
	}
	list, err := scanRows(rows)
	if err != nil {
		return nil, storageErr("entity history", err)
	}
	return list, nil
}

// Runs returns the newest run rows.
func (s *SQLiteStore) Runs(ctx context.Context, limit int) ([]types.RunInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, taken_at, mode, reference_version, reference_date, total, errors, partial
		FROM analysis_runs ORDER BY taken_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("runs", err)
	}
	defer rows.Close()

	var out []types.RunInfo
	for rows.Next() {
		var (
			ri      types.RunInfo
			at      int64
			mode    string
			version sql.NullString
			refDate sql.NullInt64
		)
		if err := rows.Scan(&ri.ID, &at, &mode, &version, &refDate, &ri.Total, &ri.Errors, &ri.Partial); err != nil {
			return nil, storageErr("runs: scan", err)
		}
		ri.TakenAt = fromNanos(at)
		ri.Mode = types.RunMode(mode)
		if version.Valid {
			v := version.String
			ri.ReferenceVersion = &v
		}
		if refDate.Valid {
			d := fromNanos(refDate.Int64)
			ri.ReferenceDate = &d
		}
		out = append(out, ri)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("runs", err)
	}
	return out, nil
}

// RowCount returns the number of history rows.
func (s *SQLiteStore) RowCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entity_history`).Scan(&n); err != nil {
		return 0, storageErr("row count", err)
	}
	return n, nil
}

func scanRows(rows *sql.Rows) ([]types.HistoryRow, error) {
	defer rows.Close()
	var out []types.HistoryRow
	for rows.Next() {
		var (
			id   string
			at   int64
			body string
		)
		if err := rows.Scan(&id, &at, &body); err != nil {
			return nil, err
		}
		var rec types.EntityRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", id, err)
		}
		out = append(out, types.HistoryRow{EntityID: id, TakenAt: fromNanos(at), Record: rec})
	}
	return out, rows.Err()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("history: %s: %w: %w", op, ErrStorage, err)
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}
