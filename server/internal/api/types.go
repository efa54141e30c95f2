package api

import (
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/server/internal/alerts"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is "unknown" before the first run, "partial" when the last run
	// stopped early, "degraded" when it recorded fetch errors, else "ok".
	State            string               `json:"state"`
	LastRunID        string               `json:"last_run_id,omitempty"`
	LastRunAt        string               `json:"last_run_at,omitempty"` // RFC3339
	Mode             types.RunMode        `json:"mode,omitempty"`
	ReferenceVersion *string              `json:"reference_version,omitempty"`
	EntityCount      int                  `json:"entity_count"`
	ErrorCount       int                  `json:"error_count"`
	ByStatus         map[types.Status]int `json:"by_status"`
	AlertCount       int                  `json:"alert_count"`
}

// EntityResponse is one entity in GET /api/v1/entities or the head of
// GET /api/v1/entities/{id}.
type EntityResponse struct {
	types.EntityRecord
	SeenAt      string           `json:"seen_at"` // RFC3339
	Diagnostics []DiagnosticHint `json:"diagnostics"`
}

// HistoryPoint is one past classification of an entity.
type HistoryPoint struct {
	TakenAt string       `json:"taken_at"` // RFC3339
	Status  types.Status `json:"status"`
	Score   float64      `json:"score"`
}

// EntityDetailResponse is the payload for GET /api/v1/entities/{id}.
type EntityDetailResponse struct {
	Entity  EntityResponse `json:"entity"`
	History []HistoryPoint `json:"history"`
}

// SnapshotResponse is the payload for GET /api/v1/snapshot.
type SnapshotResponse struct {
	Run         types.RunInfo          `json:"run"`
	Snapshot    types.AnalysisSnapshot `json:"snapshot"`
	GeneratedAt string                 `json:"generated_at"` // RFC3339
}

// RunEvent is pushed to WebSocket clients when a new run appears in the
// history.
type RunEvent struct {
	Run   types.RunInfo      `json:"run"`
	Trend types.TrendSummary `json:"trend"`
}

// AlertLister exposes the alert engine's current view.
type AlertLister interface {
	Active() []*alerts.Alert
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
