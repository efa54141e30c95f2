// Package api implements the HTTP REST API for the extwatch server.
//
// New(store, alerts) returns an http.Handler that serves:
//
//	GET /api/v1/health          : latest run summary and overall state
//	GET /api/v1/entities        : newest record per entity (?status=, ?kind=)
//	GET /api/v1/entities/{id}   : one entity with diagnostics and history; 404 if unknown
//	GET /api/v1/runs            : run metadata, newest first (?limit=)
//	GET /api/v1/trend           : latest snapshot against its predecessor; 404 before the first run
//	GET /api/v1/snapshot        : full latest snapshot; 404 before the first run
//	GET /api/v1/alerts          : firing and recently resolved alerts
//
// All endpoints:
//   - Respond with Content-Type: application/json
//   - Return 405 for non-GET methods
//   - Read from the history store on every request
//
// JSON types are defined in types.go. No external HTTP framework is used.
package api
