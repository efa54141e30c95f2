package compute

import (
	"reflect"
	"testing"
)

func TestClassifyIssue(t *testing.T) {
	known := []string{"json", "h3", "spatial", "postgres_scanner"}
	tables := DefaultIssueTables()

	tests := []struct {
		name         string
		issue        IssueText
		wantType     string
		wantSeverity string
		wantMentions []string
		wantGeneral  bool
	}{
		{
			name:         "install failure names the entity",
			issue:        IssueText{Title: "Failed to load h3 extension", Body: "INSTALL h3; LOAD h3; crashes"},
			wantType:     "installation",
			wantSeverity: SeverityHigh,
			wantMentions: []string{"h3"},
			wantGeneral:  true,
		},
		{
			name:         "availability with 404",
			issue:        IssueText{Title: "spatial missing for v1.4", Body: "the registry returns HTTP 404"},
			wantType:     "availability",
			wantSeverity: SeverityMedium,
			wantMentions: []string{"spatial"},
		},
		{
			name:         "ids match whole words only",
			issue:        IssueText{Title: "jsonl reader is slow", Body: "the shp3 loader too"},
			wantType:     "installation",
			wantSeverity: SeverityMedium,
		},
		{
			name:         "low label wins over high text",
			issue:        IssueText{Title: "postgres_scanner: error messages could be clearer", Labels: []string{"Enhancement"}},
			wantType:     IssueTypeOther,
			wantSeverity: SeverityLow,
			wantMentions: []string{"postgres_scanner"},
		},
		{
			name:         "bug label is high",
			issue:        IssueText{Title: "Docs typo in json", Labels: []string{"bug"}},
			wantType:     IssueTypeOther,
			wantSeverity: SeverityHigh,
			wantMentions: []string{"json"},
		},
		{
			name:         "low text",
			issue:        IssueText{Title: "Feature request: json path helpers"},
			wantType:     IssueTypeOther,
			wantSeverity: SeverityLow,
			wantMentions: []string{"json"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyIssue(tt.issue, known, tables)
			if got.Type != tt.wantType {
				t.Errorf("type: got %q, want %q", got.Type, tt.wantType)
			}
			if got.Severity != tt.wantSeverity {
				t.Errorf("severity: got %q, want %q", got.Severity, tt.wantSeverity)
			}
			if !reflect.DeepEqual(got.Mentions, tt.wantMentions) {
				t.Errorf("mentions: got %v, want %v", got.Mentions, tt.wantMentions)
			}
			if got.General != tt.wantGeneral {
				t.Errorf("general: got %v, want %v", got.General, tt.wantGeneral)
			}
		})
	}
}

func TestClassifyIssue_Platforms(t *testing.T) {
	got := ClassifyIssue(IssueText{
		Title: "Extension fails on Apple Silicon",
		Body:  "macOS 15 on M2; works on ubuntu",
	}, nil, DefaultIssueTables())

	want := []string{"linux_amd64", "osx_amd64", "osx_arm64"}
	if !reflect.DeepEqual(got.Platforms, want) {
		t.Errorf("platforms: got %v, want %v", got.Platforms, want)
	}
	if !got.Relevant() {
		t.Error("general extension issue should be relevant")
	}
}

func TestClassifyIssue_Irrelevant(t *testing.T) {
	got := ClassifyIssue(IssueText{Title: "Window functions return wrong results"}, []string{"json"}, DefaultIssueTables())
	if got.Relevant() {
		t.Errorf("unexpected relevance: %+v", got)
	}
}
