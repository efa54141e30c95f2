// Package config loads the server-side configuration from the `server:` section
// of a YAML file. Other top-level keys (the agent's settings) are ignored, so
// one file can serve both binaries.
//
// Config fields:
//   - HTTPPort: port for the REST API and WebSocket hub (default 8080)
//   - HistoryPath: the agent's SQLite history (default under the XDG data home)
//   - PollInterval: how often the history is checked for a new run (default 30s)
//   - Auth.Mode: "apikey" or "none"
//   - Auth.KeyEnv: environment variable holding the expected API key
//   - Auth.Header: HTTP header name (default "X-API-Key")
//   - Alerts: rules evaluated against each new run, and webhook targets
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
