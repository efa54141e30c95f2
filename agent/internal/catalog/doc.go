// Package catalog turns the two entity catalogs into EntityRecords.
//
// Source wraps the hosting API endpoints behind a Fetcher, so every request
// goes through the caching and rate-limited fetch layer. SecondaryBuilder
// walks the registry (one directory and descriptor per entity) and
// PrimaryBuilder walks the configured primary catalog. Both hand the
// collected text and activity signals to a compute.Engine for scoring and
// classification.
//
// Build never returns an error: fetch failures become status=error records
// and a missing descriptor becomes status=unknown.
package catalog
