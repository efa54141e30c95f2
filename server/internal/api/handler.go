package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/history"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/server/internal/alerts"
)

const (
	defaultRunsLimit    = 20
	defaultHistoryLimit = 30
	maxLimit            = 1000
)

// Handler is the HTTP handler for all /api/v1/* endpoints.
// It reads analysis results from the history store and returns JSON responses.
type Handler struct {
	store  history.Store
	alerts AlertLister
	mux    *http.ServeMux
	now    func() time.Time
}

// New creates a Handler wired to the given history store and registers all
// routes. al may be nil when alerting is disabled.
func New(st history.Store, al AlertLister) http.Handler {
	h := &Handler{store: st, alerts: al, mux: http.NewServeMux(), now: time.Now}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/entities", h.listEntities)
	h.mux.HandleFunc("/api/v1/entities/", h.getEntity) // subtree: extracts {id}
	h.mux.HandleFunc("/api/v1/runs", h.runs)
	h.mux.HandleFunc("/api/v1/trend", h.trend)
	h.mux.HandleFunc("/api/v1/snapshot", h.snapshot)
	h.mux.HandleFunc("/api/v1/alerts", h.listAlerts)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health: the latest run and its status counts.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{State: "unknown", ByStatus: types.CountByStatus(nil), AlertCount: len(h.activeAlerts())}

	runs, err := h.store.Runs(r.Context(), 1)
	if err != nil {
		storeErr(w, r, err)
		return
	}
	if len(runs) == 0 {
		jsonResp(w, http.StatusOK, resp)
		return
	}
	run := runs[0]
	trend, err := history.LatestTrend(r.Context(), h.store)
	if err != nil {
		storeErr(w, r, err)
		return
	}

	resp.LastRunID = run.ID
	resp.LastRunAt = run.TakenAt.UTC().Format(time.RFC3339)
	resp.Mode = run.Mode
	resp.ReferenceVersion = run.ReferenceVersion
	resp.EntityCount = run.Total
	resp.ErrorCount = run.Errors
	resp.ByStatus = trend.ByStatus
	switch {
	case run.Partial:
		resp.State = "partial"
	case run.Errors > 0:
		resp.State = "degraded"
	default:
		resp.State = "ok"
	}
	jsonResp(w, http.StatusOK, resp)
}

// listEntities returns GET /api/v1/entities: the newest record per entity.
func (h *Handler) listEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := types.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		jsonErr(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}
	kind := types.Kind(q.Get("kind"))
	if kind != "" && kind != types.KindPrimary && kind != types.KindSecondary {
		jsonErr(w, http.StatusBadRequest, "unknown kind "+strconv.Quote(string(kind)))
		return
	}

	latest, err := h.store.Latest(r.Context())
	if err != nil {
		storeErr(w, r, err)
		return
	}
	out := make([]EntityResponse, 0, len(latest))
	for _, row := range latest {
		if status != "" && row.Record.Status != status {
			continue
		}
		if kind != "" && row.Record.Kind != kind {
			continue
		}
		out = append(out, toEntityResponse(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	jsonResp(w, http.StatusOK, out)
}

// getEntity returns GET /api/v1/entities/{id}: one entity with its history.
func (h *Handler) getEntity(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/entities/")
	if id == "" {
		h.listEntities(w, r)
		return
	}
	limit, ok := limitParam(w, r, defaultHistoryLimit)
	if !ok {
		return
	}

	latest, err := h.store.Latest(r.Context())
	if err != nil {
		storeErr(w, r, err)
		return
	}
	row, found := latest[id]
	if !found {
		jsonErr(w, http.StatusNotFound, "entity not found")
		return
	}
	rows, err := h.store.EntityHistory(r.Context(), id, limit)
	if err != nil {
		storeErr(w, r, err)
		return
	}

	points := make([]HistoryPoint, 0, len(rows))
	for _, hr := range rows {
		points = append(points, HistoryPoint{
			TakenAt: hr.TakenAt.UTC().Format(time.RFC3339),
			Status:  hr.Record.Status,
			Score:   hr.Record.Score,
		})
	}
	jsonResp(w, http.StatusOK, EntityDetailResponse{Entity: toEntityResponse(row), History: points})
}

// runs returns GET /api/v1/runs: run metadata, newest first.
func (h *Handler) runs(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, defaultRunsLimit)
	if !ok {
		return
	}
	runs, err := h.store.Runs(r.Context(), limit)
	if err != nil {
		storeErr(w, r, err)
		return
	}
	if runs == nil {
		runs = []types.RunInfo{}
	}
	jsonResp(w, http.StatusOK, runs)
}

// trend returns GET /api/v1/trend: the latest snapshot against the previous one.
func (h *Handler) trend(w http.ResponseWriter, r *http.Request) {
	ts, err := history.LatestTrend(r.Context(), h.store)
	if errors.Is(err, history.ErrNoSnapshot) {
		jsonErr(w, http.StatusNotFound, "no runs recorded yet")
		return
	}
	if err != nil {
		storeErr(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, ts)
}

// snapshot returns GET /api/v1/snapshot: the full latest snapshot.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.Runs(r.Context(), 1)
	if err != nil {
		storeErr(w, r, err)
		return
	}
	if len(runs) == 0 {
		jsonErr(w, http.StatusNotFound, "no runs recorded yet")
		return
	}
	snap, err := h.store.Snapshot(r.Context(), runs[0].TakenAt)
	if err != nil {
		storeErr(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, SnapshotResponse{
		Run:         runs[0],
		Snapshot:    snap,
		GeneratedAt: h.now().UTC().Format(time.RFC3339),
	})
}

// listAlerts returns GET /api/v1/alerts: firing and recently resolved alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, h.activeAlerts())
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) activeAlerts() []*alerts.Alert {
	if h.alerts == nil {
		return []*alerts.Alert{}
	}
	out := h.alerts.Active()
	if out == nil {
		out = []*alerts.Alert{}
	}
	return out
}

// limitParam parses ?limit=, writing a 400 and returning false when invalid.
func limitParam(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxLimit {
		jsonErr(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxLimit))
		return 0, false
	}
	return n, true
}

func storeErr(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("api: history read failed", "path", r.URL.Path, "err", err)
	jsonErr(w, http.StatusInternalServerError, "history unavailable")
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// toEntityResponse maps a history row to its JSON representation.
func toEntityResponse(row types.HistoryRow) EntityResponse {
	rec := row.Record
	if rec.ScoreReasons == nil {
		rec.ScoreReasons = []string{}
	}
	return EntityResponse{
		EntityRecord: rec,
		SeenAt:       row.TakenAt.UTC().Format(time.RFC3339),
		Diagnostics:  computeDiagnostics(rec),
	}
}
