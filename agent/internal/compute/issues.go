package compute

import (
	"sort"
	"strings"
)

// Issue severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// IssueTypeOther is the type of an issue no keyword group matches.
const IssueTypeOther = "other"

// IssueType is a named keyword group. Groups are tried in order and the first
// with a matching keyword wins.
type IssueType struct {
	Name     string
	Keywords []string
}

// Platform maps a build target to the words that identify it.
type Platform struct {
	Name     string
	Keywords []string
}

// IssueTables drives issue classification.
type IssueTables struct {
	Types     []IssueType
	Platforms []Platform

	// HighLabels and LowLabels are matched against issue labels before the
	// text is consulted.
	HighLabels []string
	LowLabels  []string

	High []string
	Low  []string

	// General marks an issue as entity-related even when no entity is named.
	General []string
}

// DefaultIssueTables returns the built-in issue keyword tables.
func DefaultIssueTables() IssueTables {
	return IssueTables{
		Types: []IssueType{
			{Name: "installation", Keywords: []string{"install", "loading", "load", "cannot load", "failed to load"}},
			{Name: "availability", Keywords: []string{"missing", "not found", "unavailable", "download", "http 404", "http 403"}},
			{Name: "platform", Keywords: []string{"macos", "linux", "windows", "arm64", "amd64", "platform", "architecture"}},
			{Name: "build", Keywords: []string{"build", "compile", "cmake", "make", "ci/cd"}},
		},
		Platforms: []Platform{
			{Name: "linux_amd64", Keywords: []string{"linux", "ubuntu", "x64", "amd64"}},
			{Name: "linux_arm64", Keywords: []string{"linux", "arm64", "aarch64"}},
			{Name: "osx_amd64", Keywords: []string{"macos", "darwin", "osx", "x64", "amd64", "intel"}},
			{Name: "osx_arm64", Keywords: []string{"macos", "darwin", "osx", "arm64", "aarch64", "m1", "m2", "m3", "apple silicon"}},
			{Name: "windows_amd64", Keywords: []string{"windows", "win32", "win64", "x64", "amd64"}},
		},
		HighLabels: []string{"critical", "urgent", "bug", "high"},
		LowLabels:  []string{"enhancement", "low", "minor"},
		High: []string{
			"critical", "urgent", "crash", "error", "fail", "broken",
			"cannot", "unable", "not working", "not available",
		},
		Low: []string{
			"enhancement", "feature request", "documentation", "typo",
			"minor", "improvement", "suggestion",
		},
		General: []string{"extension"},
	}
}

// IssueText is the classifiable content of one issue.
type IssueText struct {
	Title  string
	Body   string
	Labels []string
}

// IssueClass is the outcome of ClassifyIssue.
type IssueClass struct {
	Type      string
	Severity  string
	Platforms []string

	// Mentions lists the known entity ids the issue names, sorted.
	Mentions []string

	// General is true when the issue concerns entities in general.
	General bool
}

// Relevant reports whether the issue concerns any entity.
func (c IssueClass) Relevant() bool { return c.General || len(c.Mentions) > 0 }

// ClassifyIssue assigns a type, a severity, platforms and entity mentions
// to an issue. Type and severity keywords match as case-insensitive
// substrings; entity ids and platform words match whole words only, so
// "json" does not match "jsonl". ClassifyIssue is pure.
func ClassifyIssue(issue IssueText, known []string, t IssueTables) IssueClass {
	text := strings.ToLower(issue.Title + " " + issue.Body)
	words := wordSet(text)

	c := IssueClass{Type: IssueTypeOther, Severity: severity(issue.Labels, text, t)}
	for _, typ := range t.Types {
		if containsAny(text, typ.Keywords) {
			c.Type = typ.Name
			break
		}
	}
	for _, p := range t.Platforms {
		for _, kw := range p.Keywords {
			if matchWords(text, words, kw) {
				c.Platforms = append(c.Platforms, p.Name)
				break
			}
		}
	}
	for _, id := range known {
		if id != "" && matchWords(text, words, strings.ToLower(id)) {
			c.Mentions = append(c.Mentions, id)
		}
	}
	sort.Strings(c.Mentions)
	c.General = containsAny(text, t.General)
	return c
}

func severity(labels []string, text string, t IssueTables) string {
	for _, l := range labels {
		l = strings.ToLower(l)
		switch {
		case containsAny(l, t.HighLabels):
			return SeverityHigh
		case containsAny(l, t.LowLabels):
			return SeverityLow
		}
	}
	switch {
	case containsAny(text, t.High):
		return SeverityHigh
	case containsAny(text, t.Low):
		return SeverityLow
	}
	return SeverityMedium
}

func containsAny(text string, kws []string) bool {
	for _, kw := range kws {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// matchWords reports whether kw occurs in text as whole words. Plain words
// are looked up in words; anything else falls back to a bounded substring
// search.
func matchWords(text string, words map[string]bool, kw string) bool {
	if isWord(kw) {
		return words[kw]
	}
	for i := 0; ; {
		j := strings.Index(text[i:], kw)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(kw)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		i = start + 1
	}
}

func wordSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return r > 127 || !isWordByte(byte(r))
	}) {
		out[w] = true
	}
	return out
}

func isWord(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isWordByte(s[i]) {
			return false
		}
	}
	return s != ""
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
