// Package textfile writes and reads Prometheus text-format metric files.
//
// A one-shot run has no long-lived /metrics endpoint to scrape, so after
// each run the agent dumps its registry to a file that a node-exporter
// textfile collector picks up. The same file can be read back and
// summarised from the command line.
package textfile
