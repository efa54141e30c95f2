// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level sections:
//   - github: api_base, registry_repo/registry_path (secondary catalog),
//     reference_repo (latest release), primary_repo, accept_header,
//     user_agent, token_env; Token() resolves the API token from the
//     environment so secrets never live in the file
//   - http: timeout, retry budget (max_attempts, base_delay, max_delay),
//     request pacing (requests_per_second, burst) and rate_limit_floor
//   - cache: badger directory or in-memory mode plus per-resource TTLs
//   - history: path of the SQLite history database
//   - analysis: concurrency, default run mode, cron schedule and an
//     optional Prometheus textfile path
//   - primary: the catalog of primary entities
//   - scoring: keyword tables, archived bonus, inactivity rules, buckets
//   - overrides: manual status pins per entity id
//   - logging: minimum slog level
//
// Load(path) reads the YAML file, applies defaults (api.github.com, 3
// attempts between 1s and 10s, 24h cache, concurrency 8), then validates
// required fields and enums.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config, re-adding the watch after atomic
// saves replace the file.
package config
