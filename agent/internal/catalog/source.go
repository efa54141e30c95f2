package catalog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/agent/internal/fetcher"
)

// Fetcher is the slice of the fetch layer the catalog needs.
type Fetcher interface {
	Fetch(ctx context.Context, target string, ttl time.Duration) ([]byte, error)
	FetchJSON(ctx context.Context, target string, ttl time.Duration, v interface{}) error
}

// TTLs sets how long each kind of resource may be served from cache.
type TTLs struct {
	Listing  time.Duration
	Metadata time.Duration
	Text     time.Duration
	Release  time.Duration
	Issues   time.Duration
}

// SourceConfig locates the repositories the catalog reads.
type SourceConfig struct {
	APIBase string

	// WebBase hosts browsable pages and the public release feed.
	WebBase string

	RegistryRepo  string
	RegistryPath  string
	ReferenceRepo string
	PrimaryRepo   string
	TTLs          TTLs
}

// Source reads catalog facts through a Fetcher. It never talks to the
// network directly.
type Source struct {
	f   Fetcher
	cfg SourceConfig
}

// NewSource returns a Source reading through f.
func NewSource(f Fetcher, cfg SourceConfig) *Source {
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.WebBase = strings.TrimRight(cfg.WebBase, "/")
	if cfg.WebBase == "" {
		cfg.WebBase = "https://github.com"
	}
	cfg.RegistryPath = strings.Trim(cfg.RegistryPath, "/")
	return &Source{f: f, cfg: cfg}
}

// contentItem is one entry of a directory listing or a file body.
type contentItem struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	HTMLURL  string `json:"html_url"`
}

// RepoInfo is the repository metadata used for classification.
type RepoInfo struct {
	FullName    string    `json:"full_name"`
	Description string    `json:"description"`
	Archived    bool      `json:"archived"`
	PushedAt    time.Time `json:"pushed_at"`
	CreatedAt   time.Time `json:"created_at"`
	Stars       int       `json:"stargazers_count"`
	Forks       int       `json:"forks_count"`
	Language    string    `json:"language"`
	Homepage    string    `json:"homepage"`
	Topics      []string  `json:"topics"`
	License     *struct {
		SPDXID string `json:"spdx_id"`
	} `json:"license"`
}

// LicenseID returns the SPDX identifier, or empty when none is declared.
func (r RepoInfo) LicenseID() string {
	if r.License == nil || r.License.SPDXID == "NOASSERTION" {
		return ""
	}
	return r.License.SPDXID
}

// Release is the latest published release of the reference repository.
type Release struct {
	TagName     string    `json:"tag_name"`
	PublishedAt time.Time `json:"published_at"`
}

// Commit is the most recent commit touching a path.
type Commit struct {
	SHA     string
	Message string
	Date    time.Time
}

type commitItem struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message   string `json:"message"`
		Committer struct {
			Date time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
}

// ListRegistry returns the names of the registry's entity directories.
func (s *Source) ListRegistry(ctx context.Context) ([]string, error) {
	var items []contentItem
	target := s.contentsURL(s.cfg.RegistryRepo, s.cfg.RegistryPath)
	if err := s.f.FetchJSON(ctx, target, s.cfg.TTLs.Listing, &items); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.Type == "dir" && it.Name != "" {
			ids = append(ids, it.Name)
		}
	}
	return ids, nil
}

// Descriptor fetches and decodes the declared metadata of a registry entity.
func (s *Source) Descriptor(ctx context.Context, id string) (*Descriptor, error) {
	target := s.contentsURL(s.cfg.RegistryRepo, s.cfg.RegistryPath+"/"+id+"/description.yml")
	body, err := s.fileContent(ctx, target, s.cfg.TTLs.Metadata)
	if err != nil {
		return nil, err
	}
	return ParseDescriptor(body)
}

// Repo fetches repository metadata for an owner/name reference.
func (s *Source) Repo(ctx context.Context, ref string) (*RepoInfo, error) {
	var info RepoInfo
	if err := s.f.FetchJSON(ctx, s.cfg.APIBase+"/repos/"+ref, s.cfg.TTLs.Metadata, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Readme fetches the repository's README text.
func (s *Source) Readme(ctx context.Context, ref string) (string, error) {
	body, err := s.fileContent(ctx, s.cfg.APIBase+"/repos/"+ref+"/readme", s.cfg.TTLs.Text)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// LatestRelease fetches the reference repository's latest release.
func (s *Source) LatestRelease(ctx context.Context) (*Release, error) {
	var rel Release
	target := s.cfg.APIBase + "/repos/" + s.cfg.ReferenceRepo + "/releases/latest"
	if err := s.f.FetchJSON(ctx, target, s.cfg.TTLs.Release, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

// LastCommit returns the newest commit touching path in the primary
// repository, or nil when the path has no history.
func (s *Source) LastCommit(ctx context.Context, path string) (*Commit, error) {
	q := url.Values{}
	q.Set("path", path)
	q.Set("per_page", "1")
	target := s.cfg.APIBase + "/repos/" + s.cfg.PrimaryRepo + "/commits?" + q.Encode()

	var items []commitItem
	if err := s.f.FetchJSON(ctx, target, s.cfg.TTLs.Metadata, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	c := items[0]
	return &Commit{SHA: c.SHA, Message: c.Commit.Message, Date: c.Commit.Committer.Date}, nil
}

// Issue is one reference-repository issue returned by the issue search.
type Issue struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	HTMLURL   string     `json:"html_url"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *struct{} `json:"pull_request"`
}

// LabelNames returns the issue's label names.
func (i Issue) LabelNames() []string {
	out := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		out = append(out, l.Name)
	}
	return out
}

type issueSearch struct {
	TotalCount int     `json:"total_count"`
	Items      []Issue `json:"items"`
}

// Issues searches the reference repository for extension issues created on
// or after since, newest update first. Pull requests are dropped. Only the
// first page is read.
func (s *Source) Issues(ctx context.Context, since time.Time) ([]Issue, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("repo:%s extension created:>=%s", s.cfg.ReferenceRepo, since.UTC().Format("2006-01-02")))
	q.Set("sort", "updated")
	q.Set("order", "desc")
	q.Set("per_page", "100")

	var res issueSearch
	if err := s.f.FetchJSON(ctx, s.cfg.APIBase+"/search/issues?"+q.Encode(), s.cfg.TTLs.Issues, &res); err != nil {
		return nil, err
	}
	out := make([]Issue, 0, len(res.Items))
	for _, it := range res.Items {
		if it.PullRequest == nil {
			out = append(out, it)
		}
	}
	return out, nil
}

// RegistryURL is the browsable location of a registry entity.
func (s *Source) RegistryURL(id string) string {
	return s.cfg.WebBase + "/" + s.cfg.RegistryRepo + "/tree/main/" + s.cfg.RegistryPath + "/" + id
}

// PrimaryURL is the browsable location of an in-tree primary entity.
func (s *Source) PrimaryURL(path string) string {
	return s.cfg.WebBase + "/" + s.cfg.PrimaryRepo + "/tree/main/" + strings.Trim(path, "/")
}

// PrimaryRepo is the owner/name hosting in-tree primary entities.
func (s *Source) PrimaryRepo() string { return s.cfg.PrimaryRepo }

func (s *Source) contentsURL(repo, path string) string {
	return s.cfg.APIBase + "/repos/" + repo + "/contents/" + path
}

// fileContent fetches a contents-API file and decodes its base64 body.
func (s *Source) fileContent(ctx context.Context, target string, ttl time.Duration) ([]byte, error) {
	var item contentItem
	if err := s.f.FetchJSON(ctx, target, ttl, &item); err != nil {
		return nil, err
	}
	if item.Encoding != "" && item.Encoding != "base64" {
		return nil, fmt.Errorf("catalog: %s: unsupported encoding %q", target, item.Encoding)
	}
	// The API wraps base64 at 60 columns.
	clean := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, item.Content)
	body, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: decode content: %w", target, err)
	}
	return body, nil
}

// ReleaseFeed reads the newest entry of the reference repository's public
// release feed. Unlike the latest-release endpoint it also lists
// pre-releases.
func (s *Source) ReleaseFeed(ctx context.Context) (*Release, error) {
	target := s.cfg.WebBase + "/" + s.cfg.ReferenceRepo + "/releases.atom"
	body, err := s.f.Fetch(ctx, target, s.cfg.TTLs.Release)
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("catalog: parse release feed: %w", err)
	}
	if len(feed.Items) == 0 {
		return nil, fmt.Errorf("catalog: release feed is empty")
	}

	item := feed.Items[0]
	rel := &Release{TagName: strings.TrimSpace(item.Title)}
	if _, tag, ok := strings.Cut(item.Link, "/releases/tag/"); ok && tag != "" {
		rel.TagName = tag
	}
	switch {
	case item.PublishedParsed != nil:
		rel.PublishedAt = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		rel.PublishedAt = *item.UpdatedParsed
	}
	return rel, nil
}

// Reference returns the reference version and its publication date, trying
// the release feed when the latest-release endpoint fails. Both are nil
// when neither answers; err reports why.
func (s *Source) Reference(ctx context.Context) (version *string, date *time.Time, err error) {
	rel, err := s.LatestRelease(ctx)
	if err != nil && !errors.Is(err, fetcher.ErrRateLimitExhausted) {
		var feedErr error
		if rel, feedErr = s.ReleaseFeed(ctx); feedErr == nil {
			err = nil
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: reference release: %w", err)
	}
	if rel.TagName != "" {
		tag := rel.TagName
		version = &tag
	}
	if !rel.PublishedAt.IsZero() {
		at := rel.PublishedAt.UTC()
		date = &at
	}
	return version, date, nil
}
