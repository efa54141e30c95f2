package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultAPIBase        = "https://api.github.com"
	DefaultWebBase        = "https://github.com"
	DefaultRegistryRepo   = "duckdb/community-extensions"
	DefaultRegistryPath   = "extensions"
	DefaultReferenceRepo  = "duckdb/duckdb"
	DefaultAccept         = "application/vnd.github+json"
	DefaultTokenEnv       = "GITHUB_TOKEN"
	DefaultUserAgent      = "extwatch-agent"
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 1 * time.Second
	DefaultMaxDelay       = 10 * time.Second
	DefaultRateLimitFloor = 5
	DefaultTTL            = 24 * time.Hour
	DefaultTextTTL        = 7 * 24 * time.Hour
	DefaultReleaseTTL     = 6 * time.Hour
	DefaultIssuesTTL      = 6 * time.Hour
	DefaultIssueWindow    = 90 * 24 * time.Hour
	DefaultIssueRecent    = 30 * 24 * time.Hour
	DefaultConcurrency    = 8
	DefaultSchedule       = "0 6 * * *"
)

// DefaultCacheDir is the fetch cache location under the user cache home.
func DefaultCacheDir() string {
	return filepath.Join(xdg.CacheHome, "extwatch", "fetch")
}

// DefaultHistoryPath is the history database under the user data home.
func DefaultHistoryPath() string {
	return filepath.Join(xdg.DataHome, "extwatch", "history.db")
}

// defaultPrimary is the built-in primary catalog. Entities integrated into
// the core have no dedicated directory.
var defaultPrimary = []PrimaryEntity{
	{ID: "autocomplete", Path: "extension/autocomplete"},
	{ID: "delta", Path: "extension/delta"},
	{ID: "excel", Path: "extension/excel"},
	{ID: "fts", Path: "extension/fts"},
	{ID: "httpfs", Path: "extension/httpfs"},
	{ID: "icu", Path: "extension/icu"},
	{ID: "inet", Path: "extension/inet"},
	{ID: "jemalloc", Path: "extension/jemalloc"},
	{ID: "json", Path: "extension/json"},
	{ID: "parquet", Path: "extension/parquet"},
	{ID: "tpcds", Path: "extension/tpcds"},
	{ID: "tpch", Path: "extension/tpch"},
	{ID: "avro"},
	{ID: "aws"},
	{ID: "azure"},
	{ID: "ducklake"},
	{ID: "encodings"},
	{ID: "iceberg"},
	{ID: "mysql"},
	{ID: "postgres"},
	{ID: "spatial"},
	{ID: "sqlite"},
	{ID: "ui"},
	{ID: "vss"},
}

// Config is the agent configuration. Fields map 1:1 to config.example.yaml.
type Config struct {
	GitHub    GitHubConfig        `yaml:"github"`
	HTTP      HTTPConfig          `yaml:"http"`
	Cache     CacheConfig         `yaml:"cache"`
	History   HistoryConfig       `yaml:"history"`
	Analysis  AnalysisConfig      `yaml:"analysis"`
	Primary   []PrimaryEntity     `yaml:"primary"`
	Scoring   ScoringConfig       `yaml:"scoring"`
	Overrides map[string]Override `yaml:"overrides"`
	Logging   LoggingConfig       `yaml:"logging"`
}

// GitHubConfig describes the repositories and API the agent reads from.
type GitHubConfig struct {
	// APIBase is the REST API root, without a trailing slash.
	APIBase string `yaml:"api_base"`

	// WebBase hosts browsable pages and public release feeds.
	WebBase string `yaml:"web_base"`

	// RegistryRepo is the owner/name of the repository whose RegistryPath
	// directory lists one sub-directory per secondary entity.
	RegistryRepo string `yaml:"registry_repo"`
	RegistryPath string `yaml:"registry_path"`

	// ReferenceRepo is the repository whose latest release is recorded as
	// the reference version of each snapshot.
	ReferenceRepo string `yaml:"reference_repo"`

	// PrimaryRepo hosts the in-tree primary entities. Defaults to ReferenceRepo.
	PrimaryRepo string `yaml:"primary_repo"`

	AcceptHeader string `yaml:"accept_header"`
	UserAgent    string `yaml:"user_agent"`

	// TokenEnv is the name of the environment variable that holds the API token.
	TokenEnv string `yaml:"token_env"`
}

// Token returns the API token resolved from the environment.
// Returns empty string if TokenEnv is unset or the variable is not found.
func (g GitHubConfig) Token() string {
	if g.TokenEnv == "" {
		return ""
	}
	return os.Getenv(g.TokenEnv)
}

// HTTPConfig controls outbound requests and the retry policy.
type HTTPConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`

	// RequestsPerSecond paces outbound requests. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// RateLimitFloor is the remaining-quota value at or below which a
	// rejected request is treated as primary rate-limit exhaustion.
	RateLimitFloor int `yaml:"rate_limit_floor"`
}

// CacheConfig controls the on-disk fetch cache and per-resource freshness.
type CacheConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`

	DefaultTTL time.Duration `yaml:"default_ttl"`
	ListingTTL time.Duration `yaml:"listing_ttl"`
	TextTTL    time.Duration `yaml:"text_ttl"`
	ReleaseTTL time.Duration `yaml:"release_ttl"`
	IssuesTTL  time.Duration `yaml:"issues_ttl"`
}

// HistoryConfig locates the history database.
type HistoryConfig struct {
	Path string `yaml:"path"`

	// InMemory keeps history in process only, for ephemeral runs.
	InMemory bool `yaml:"in_memory"`
}

// AnalysisConfig controls how runs are scheduled.
type AnalysisConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Mode        types.RunMode `yaml:"mode"`

	// Schedule is a five-field cron expression used by the watch command.
	Schedule string `yaml:"schedule"`

	// Featured ids are flagged in record details.
	Featured []string `yaml:"featured"`

	// MetricsTextfile, when set, receives the Prometheus registry in text
	// format after every run.
	MetricsTextfile string `yaml:"metrics_textfile"`

	Issues IssuesConfig `yaml:"issues"`
}

// IssuesConfig controls the reference-repository issue search attached to
// each run.
type IssuesConfig struct {
	Enabled bool `yaml:"enabled"`

	// Window bounds the search by creation date.
	Window time.Duration `yaml:"window"`

	// Recent is the span counted as recent activity.
	Recent time.Duration `yaml:"recent"`
}

// PrimaryEntity is one entry of the primary catalog.
type PrimaryEntity struct {
	ID string `yaml:"id"`

	// Path is the directory inside PrimaryRepo that holds the entity.
	// Empty for entities built into the core with no dedicated directory.
	Path string `yaml:"path"`

	// Repository is an optional external owner/name hosting the entity.
	Repository string `yaml:"repository"`

	Description string `yaml:"description"`
}

// ScoringConfig overrides the default keyword tables and thresholds.
// Empty lists and zero values keep the defaults.
type ScoringConfig struct {
	Deprecation   []KeywordWeight  `yaml:"deprecation"`
	Warning       []KeywordWeight  `yaml:"warning"`
	Active        []KeywordWeight  `yaml:"active"`
	ArchivedBonus float64          `yaml:"archived_bonus"`
	Inactivity    []InactivityRule `yaml:"inactivity"`
	Buckets       BucketConfig     `yaml:"buckets"`
}

// KeywordWeight is one entry of a keyword table.
type KeywordWeight struct {
	Keyword string  `yaml:"keyword"`
	Weight  float64 `yaml:"weight"`
}

// InactivityRule adds Bonus when the days since last activity exceed Days.
type InactivityRule struct {
	Days  int     `yaml:"days"`
	Bonus float64 `yaml:"bonus"`
}

// BucketConfig holds the recommendation thresholds.
type BucketConfig struct {
	LikelyDeprecated   float64 `yaml:"likely_deprecated"`
	PossiblyDeprecated float64 `yaml:"possibly_deprecated"`
	Review             float64 `yaml:"review"`
	Monitor            float64 `yaml:"monitor"`
}

// Override pins the status of one entity regardless of fetched signals.
type Override struct {
	Status types.Status `yaml:"status"`
	Reason string       `yaml:"reason"`
}

// LoggingConfig selects the minimum log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps Level to a slog.Level, defaulting to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data, applying defaults and validation.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if cfg.GitHub.PrimaryRepo == "" {
		cfg.GitHub.PrimaryRepo = cfg.GitHub.ReferenceRepo
	}
	if cfg.Cache.ListingTTL == 0 {
		cfg.Cache.ListingTTL = cfg.Cache.DefaultTTL
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaults()
	cfg.GitHub.PrimaryRepo = cfg.GitHub.ReferenceRepo
	cfg.Cache.ListingTTL = cfg.Cache.DefaultTTL
	return cfg
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		GitHub: GitHubConfig{
			APIBase:       DefaultAPIBase,
			WebBase:       DefaultWebBase,
			RegistryRepo:  DefaultRegistryRepo,
			RegistryPath:  DefaultRegistryPath,
			ReferenceRepo: DefaultReferenceRepo,
			AcceptHeader:  DefaultAccept,
			UserAgent:     DefaultUserAgent,
			TokenEnv:      DefaultTokenEnv,
		},
		HTTP: HTTPConfig{
			Timeout:        DefaultHTTPTimeout,
			MaxAttempts:    DefaultMaxAttempts,
			BaseDelay:      DefaultBaseDelay,
			MaxDelay:       DefaultMaxDelay,
			Burst:          1,
			RateLimitFloor: DefaultRateLimitFloor,
		},
		Cache: CacheConfig{
			Dir:        DefaultCacheDir(),
			DefaultTTL: DefaultTTL,
			TextTTL:    DefaultTextTTL,
			ReleaseTTL: DefaultReleaseTTL,
			IssuesTTL:  DefaultIssuesTTL,
		},
		History: HistoryConfig{Path: DefaultHistoryPath()},
		Primary: append([]PrimaryEntity(nil), defaultPrimary...),
		Analysis: AnalysisConfig{
			Concurrency: DefaultConcurrency,
			Mode:        types.ModeFull,
			Schedule:    DefaultSchedule,
			Issues: IssuesConfig{
				Enabled: true,
				Window:  DefaultIssueWindow,
				Recent:  DefaultIssueRecent,
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.GitHub.APIBase == "" {
		return fmt.Errorf("github.api_base is required")
	}
	for name, repo := range map[string]string{
		"github.registry_repo":  cfg.GitHub.RegistryRepo,
		"github.reference_repo": cfg.GitHub.ReferenceRepo,
		"github.primary_repo":   cfg.GitHub.PrimaryRepo,
	} {
		if !validRepo(repo) {
			return fmt.Errorf("%s %q: want owner/name", name, repo)
		}
	}
	if cfg.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if cfg.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("http.max_attempts must be at least 1")
	}
	if cfg.HTTP.BaseDelay <= 0 {
		return fmt.Errorf("http.base_delay must be positive")
	}
	if cfg.HTTP.MaxDelay < cfg.HTTP.BaseDelay {
		return fmt.Errorf("http.max_delay must not be below http.base_delay")
	}
	if cfg.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must not be negative")
	}
	if cfg.HTTP.Burst < 1 {
		return fmt.Errorf("http.burst must be at least 1")
	}
	if cfg.Cache.Dir == "" && !cfg.Cache.InMemory {
		return fmt.Errorf("cache.dir is required unless cache.in_memory is set")
	}
	if cfg.Cache.DefaultTTL < 0 || cfg.Cache.ListingTTL < 0 ||
		cfg.Cache.TextTTL < 0 || cfg.Cache.ReleaseTTL < 0 || cfg.Cache.IssuesTTL < 0 {
		return fmt.Errorf("cache ttls must not be negative")
	}
	if cfg.History.Path == "" && !cfg.History.InMemory {
		return fmt.Errorf("history.path is required unless history.in_memory is set")
	}
	if cfg.Analysis.Concurrency <= 0 {
		return fmt.Errorf("analysis.concurrency must be positive")
	}
	if len(cfg.Analysis.Mode.Kinds()) == 0 {
		return fmt.Errorf("analysis.mode %q unknown: want full|primary|secondary", cfg.Analysis.Mode)
	}
	if cfg.Analysis.Issues.Window < 0 || cfg.Analysis.Issues.Recent < 0 {
		return fmt.Errorf("analysis.issues windows must not be negative")
	}
	if cfg.Analysis.Issues.Recent > cfg.Analysis.Issues.Window && cfg.Analysis.Issues.Window > 0 {
		return fmt.Errorf("analysis.issues.recent must not exceed analysis.issues.window")
	}

	seen := make(map[string]bool, len(cfg.Primary))
	for i, p := range cfg.Primary {
		if p.ID == "" {
			return fmt.Errorf("primary[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("primary[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.Repository != "" && !validRepo(p.Repository) {
			return fmt.Errorf("primary[%d] %q: repository %q: want owner/name", i, p.ID, p.Repository)
		}
	}

	for id, o := range cfg.Overrides {
		if !o.Status.Valid() {
			return fmt.Errorf("overrides %q: unknown status %q", id, o.Status)
		}
	}

	for i, r := range cfg.Scoring.Inactivity {
		if r.Days <= 0 {
			return fmt.Errorf("scoring.inactivity[%d]: days must be positive", i)
		}
	}
	tables := []struct {
		name     string
		kws      []KeywordWeight
		negative bool
	}{
		{"deprecation", cfg.Scoring.Deprecation, false},
		{"warning", cfg.Scoring.Warning, false},
		{"active", cfg.Scoring.Active, true},
	}
	for _, tbl := range tables {
		for i, k := range tbl.kws {
			if strings.TrimSpace(k.Keyword) == "" {
				return fmt.Errorf("scoring: empty keyword")
			}
			if tbl.negative && k.Weight >= 0 {
				return fmt.Errorf("scoring.%s[%d]: weight must be negative", tbl.name, i)
			}
			if !tbl.negative && k.Weight <= 0 {
				return fmt.Errorf("scoring.%s[%d]: weight must be positive", tbl.name, i)
			}
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("logging.level %q unknown: want debug|info|warn|error", cfg.Logging.Level)
	}
	return nil
}

func validRepo(s string) bool {
	owner, name, ok := strings.Cut(s, "/")
	return ok && owner != "" && name != "" && !strings.Contains(name, "/")
}
