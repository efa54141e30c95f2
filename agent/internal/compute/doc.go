// Package compute turns fetched signals into a deprecation score and a
// status.
//
// score.go provides the pure Score(Signals, Tables) function. Keyword tables,
// the archived bonus, inactivity rules and bucket thresholds are data
// (Tables), with DefaultTables matching the long-standing weights:
// deprecation +3, warning +1, active -2, archived +10, >180 days +1,
// >365 days +2; buckets likely deprecated ≥8, possibly deprecated ≥5,
// review ≥3, monitor ≥1.
//
// classify.go applies the status precedence: manual override, missing
// metadata (unknown), archived repository, scorer bucket, active.
//
// engine.go provides Engine, which holds the tables and overrides in force
// and can swap them on config reload while builds are running.
package compute
