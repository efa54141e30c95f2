package catalog

import (
	"strings"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// nameHints maps fragments of an entity name to a generic description.
// The first matching row wins.
var nameHints = []struct {
	fragments []string
	text      string
}{
	{[]string{"sql"}, "SQL-related extension"},
	{[]string{"db", "database"}, "Database connectivity extension"},
	{[]string{"http", "web"}, "Web/HTTP functionality extension"},
	{[]string{"json", "xml", "yaml"}, "Data format handling extension"},
	{[]string{"geo", "spatial"}, "Geospatial data extension"},
	{[]string{"aws", "azure", "gcp"}, "Cloud platform integration extension"},
	{[]string{"crypto", "hash"}, "Cryptographic functions extension"},
}

// genericTopics carry no information about what an entity does.
var genericTopics = map[string]bool{"duckdb": true, "extension": true, "database": true}

// describe returns desc when it says something, otherwise a description
// synthesised from the name, up to three topics and the owning org.
func describe(id, desc, repo string, topics []string, obviousOrgs map[string]bool) string {
	if d := strings.TrimSpace(desc); d != "" && !strings.EqualFold(d, "no description") {
		return d
	}

	parts := []string{"Extension: " + id}
	lower := strings.ToLower(id)
hints:
	for _, h := range nameHints {
		for _, frag := range h.fragments {
			if strings.Contains(lower, frag) {
				parts[0] = h.text
				break hints
			}
		}
	}

	var hints []string
	for i, t := range topics {
		if i == 3 {
			break
		}
		if !genericTopics[strings.ToLower(t)] {
			hints = append(hints, t)
		}
	}
	if len(hints) > 0 {
		parts = append(parts, "("+strings.Join(hints, ", ")+")")
	}

	if org, _, ok := strings.Cut(repo, "/"); ok && org != "" && !obviousOrgs[strings.ToLower(org)] {
		parts = append(parts, "by "+org)
	}
	return strings.Join(parts, " ")
}

// repoLinks returns the browsable links for a repository reference.
func repoLinks(webBase, repo string) []types.Link {
	if repo == "" {
		return nil
	}
	base := webBase + "/" + repo
	return []types.Link{
		{Label: "github", URL: base},
		{Label: "issues", URL: base + "/issues"},
		{Label: "releases", URL: base + "/releases"},
	}
}
