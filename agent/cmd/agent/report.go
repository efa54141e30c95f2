package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

var (
	colorOK    = lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#25D366"}
	colorWarn  = lipgloss.AdaptiveColor{Light: "#B58900", Dark: "#F4D03F"}
	colorBad   = lipgloss.AdaptiveColor{Light: "#C0392B", Dark: "#E74C3C"}
	colorMuted = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#626262"}

	titleStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)

	statusStyles = map[types.Status]lipgloss.Style{
		types.StatusActive:         lipgloss.NewStyle().Foreground(colorOK),
		types.StatusLegacy:         lipgloss.NewStyle().Foreground(colorMuted),
		types.StatusReviewRequired: lipgloss.NewStyle().Foreground(colorWarn),
		types.StatusDeprecated:     lipgloss.NewStyle().Foreground(colorBad).Bold(true),
		types.StatusArchived:       lipgloss.NewStyle().Foreground(colorBad),
		types.StatusError:          lipgloss.NewStyle().Foreground(colorBad).Italic(true),
		types.StatusUnknown:        lipgloss.NewStyle().Foreground(colorMuted).Italic(true),
	}
)

func renderStatus(s types.Status) string {
	if st, ok := statusStyles[s]; ok {
		return st.Render(string(s))
	}
	return string(s)
}

// checkFormat validates a --format flag value.
func checkFormat(f string) error {
	switch f {
	case "text", "json":
		return nil
	}
	return fmt.Errorf("unknown format %q: want text|json", f)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRunResult(w io.Writer, res types.RunResult, format string) error {
	if format == "json" {
		return writeJSON(w, res)
	}

	fmt.Fprintln(w, titleStyle.Render("Analysis "+res.Run.ID))
	fmt.Fprintf(w, "taken at:   %s\n", res.Run.TakenAt.Format(time.RFC3339))
	fmt.Fprintf(w, "mode:       %s\n", res.Run.Mode)
	if v := res.Snapshot.ReferenceVersion; v != nil {
		fmt.Fprintf(w, "reference:  %s\n", *v)
	}
	fmt.Fprintf(w, "records:    %d (%d errors)\n", res.Run.Total, res.Run.Errors)
	if res.Partial {
		fmt.Fprintln(w, statusStyles[types.StatusError].Render("partial: rate limit exhausted before every entity was analyzed"))
	}
	fmt.Fprintln(w)
	writeTrendBody(w, res.Trend)

	flagged := make([]types.EntityRecord, 0)
	for _, r := range res.Snapshot.Records {
		switch r.Status {
		case types.StatusDeprecated, types.StatusArchived, types.StatusReviewRequired:
			flagged = append(flagged, r)
		}
	}
	if len(flagged) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("Flagged"))
		writeRecordTable(w, flagged)
	}
	return nil
}

func writeTrend(w io.Writer, ts types.TrendSummary, format string) error {
	if format == "json" {
		return writeJSON(w, ts)
	}
	writeTrendBody(w, ts)
	return nil
}

func writeTrendBody(w io.Writer, ts types.TrendSummary) {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	for _, s := range types.AllStatuses() {
		if n := ts.ByStatus[s]; n > 0 {
			fmt.Fprintf(tw, "%d\t%s\n", n, renderStatus(s))
		}
	}
	tw.Flush()

	if ts.PreviousTakenAt == nil {
		fmt.Fprintln(w, mutedStyle.Render("no earlier snapshot to compare with"))
		return
	}
	fmt.Fprintf(w, "since %s: %d new, %d gone\n",
		ts.PreviousTakenAt.Format(time.RFC3339), len(ts.NewlySeen), len(ts.Disappeared))
	if len(ts.NewlySeen) > 0 {
		fmt.Fprintf(w, "  new:  %s\n", strings.Join(ts.NewlySeen, ", "))
	}
	if len(ts.Disappeared) > 0 {
		fmt.Fprintf(w, "  gone: %s\n", strings.Join(ts.Disappeared, ", "))
	}
}

// writeRecordTable prints one row per record. The styled status comes last
// so escape sequences do not disturb column alignment.
func writeRecordTable(w io.Writer, records []types.EntityRecord) {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSCORE\tDAYS\tREASONS\tSTATUS")
	for _, r := range records {
		days := "-"
		if r.DaysSinceActivity != nil {
			days = fmt.Sprintf("%d", *r.DaysSinceActivity)
		}
		reasons := strings.Join(r.ScoreReasons, ",")
		if r.FetchError != nil {
			reasons = *r.FetchError
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%s\t%s\t%s\n",
			r.ID, r.Kind, r.Score, days, reasons, renderStatus(r.Status))
	}
	tw.Flush()
}

func writeLatest(w io.Writer, rows map[string]types.HistoryRow, status types.Status, format string) error {
	records := make([]types.EntityRecord, 0, len(rows))
	for _, row := range rows {
		if status != "" && row.Record.Status != status {
			continue
		}
		records = append(records, row.Record)
	}
	types.SortRecords(records)

	if format == "json" {
		return writeJSON(w, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no records"))
		return nil
	}
	writeRecordTable(w, records)
	return nil
}

func writeRuns(w io.Writer, runs []types.RunInfo, format string) error {
	if format == "json" {
		return writeJSON(w, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no runs recorded"))
		return nil
	}
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTAKEN AT\tMODE\tREFERENCE\tTOTAL\tERRORS\tPARTIAL")
	for _, r := range runs {
		ref := "-"
		if r.ReferenceVersion != nil {
			ref = *r.ReferenceVersion
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%t\n",
			r.ID, r.TakenAt.Format(time.RFC3339), r.Mode, ref, r.Total, r.Errors, r.Partial)
	}
	return tw.Flush()
}

func writeEntityHistory(w io.Writer, id string, rows []types.HistoryRow, format string) error {
	if format == "json" {
		return writeJSON(w, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no history for "+id))
		return nil
	}
	fmt.Fprintln(w, titleStyle.Render(id))
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "TAKEN AT\tSCORE\tREASONS\tSTATUS")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%.1f\t%s\t%s\n",
			row.TakenAt.Format(time.RFC3339), row.Record.Score,
			strings.Join(row.Record.ScoreReasons, ","), renderStatus(row.Record.Status))
	}
	return tw.Flush()
}

// statusCounts renders counts in status order, skipping zeros.
func statusCounts(counts map[types.Status]int) string {
	var parts []string
	for _, s := range types.AllStatuses() {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	return strings.Join(parts, " ")
}
