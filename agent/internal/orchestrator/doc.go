// Package orchestrator runs one analysis: it lists every entity of the
// requested catalogs, builds their records with bounded concurrency,
// persists the snapshot to history and derives its trend.
//
// Individual build failures never fail a run; they are records with
// status=error. A run fails when a catalog cannot be listed or when the
// history store rejects the snapshot. When the fetch layer reports the
// primary rate limit exhausted, scheduling stops, every entity that was not
// built gets an error record, and the partial snapshot is still persisted.
package orchestrator
