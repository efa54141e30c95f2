// Package types defines the value types shared by the agent and the server:
// entity records, analysis snapshots, history rows, trend summaries and run
// metadata.
//
// Records are assembled once per analysis run and treated as immutable after
// they are placed into an AnalysisSnapshot. Optional facts are pointers so a
// missing value (nil) is distinguishable from a zero value. Per-source extras
// live in the typed RepoDetails side table instead of an open map.
package types
