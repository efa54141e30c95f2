// Package fetchcache is the durable response cache that sits in front of
// every outbound fetch.
//
// The cache is a dumb timestamped store: Get returns whatever was last Set
// under a key together with its fetch time, and the caller decides whether
// that entry is fresh enough for its purpose (Entry.Fresh). The same entry
// can therefore serve callers with different TTL requirements.
//
// Entries live in BadgerDB under a "fc/" prefix. Keys are BLAKE3 keyed
// hashes of the request target and the headers that select the
// representation (Key). Payloads are zstd-compressed inside a small JSON
// envelope.
//
// Storage failures never reach callers as errors from Get or Set: they are
// logged and Get reports a miss, which is always a safe fallback for a
// cache. Clear, Prune and Close do return errors because they are
// administrative operations invoked directly by an operator.
package fetchcache
