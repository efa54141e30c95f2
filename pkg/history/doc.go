// Package history is the append-only ledger of analysis snapshots.
//
// Every Append writes one row per record, all under the snapshot's taken_at,
// plus one run-metadata row, as a single batch: readers see all of a
// snapshot or none of it. Rows are never updated or deleted. The latest
// view (newest row per entity id) and trend summaries are derived on read.
//
// SQLiteStore persists to a local SQLite file through modernc.org/sqlite.
// MemoryStore keeps the same semantics in process and backs dry runs and
// tests.
package history
