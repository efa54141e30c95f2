package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/server/internal/config"
)

const (
	defaultCooldown = 15 * time.Minute
	maxHistoryLen   = 200
	recentWindow    = 24 * time.Hour
)

// Alert represents a single alert event produced by the rule engine.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	RunID      string     `json:"run_id"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"
	Run        RunDigest  `json:"run"`
}

// RunDigest is the part of the triggering run that notifications show.
type RunDigest struct {
	Mode        types.RunMode `json:"mode"`
	TakenAt     time.Time     `json:"taken_at"`
	Total       int           `json:"total"`
	Errors      int           `json:"errors"`
	Partial     bool          `json:"partial"`
	Flagged     int           `json:"flagged"`
	NewlySeen   []string      `json:"newly_seen"`
	Disappeared []string      `json:"disappeared"`
}

func digest(obs Observation) RunDigest {
	by := obs.Trend.ByStatus
	return RunDigest{
		Mode:        obs.Run.Mode,
		TakenAt:     obs.Run.TakenAt,
		Total:       obs.Run.Total,
		Errors:      obs.Run.Errors,
		Partial:     obs.Run.Partial,
		Flagged:     by[types.StatusDeprecated] + by[types.StatusReviewRequired] + by[types.StatusArchived],
		NewlySeen:   obs.Trend.NewlySeen,
		Disappeared: obs.Trend.Disappeared,
	}
}

// Engine evaluates alert rules against new runs and delivers webhook
// notifications when rules fire or resolve.
//
// Engine is safe for concurrent use.
type Engine struct {
	rules    []config.AlertRule
	webhooks []config.WebhookConfig
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	active   map[string]*Alert    // key: rule name
	lastFire map[string]time.Time // last fire time per rule (for cooldown)
	history  []*Alert             // recently resolved alerts
	client   *http.Client
	wg       sync.WaitGroup
}

// New creates an Engine from the server alert configuration.
// An Engine with no rules is valid: Evaluate becomes a no-op.
func New(cfg config.AlertsConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:    cfg.Rules,
		webhooks: cfg.Webhooks,
		log:      logger,
		now:      time.Now,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate tests all configured rules against obs.
// Alerts that fire are stored and webhook delivery runs in the background.
// Alerts that were firing but whose condition is now false are resolved.
func (e *Engine) Evaluate(obs Observation) {
	if len(e.rules) == 0 {
		return
	}

	now := e.now()
	for _, rule := range e.rules {
		fires, value := evalCondition(rule.Condition, obs)

		e.mu.Lock()
		var notify *Alert
		if fires {
			notify = e.fire(rule, obs, value, now)
		} else {
			notify = e.resolve(rule.Name, now)
		}
		e.mu.Unlock()

		if notify == nil {
			continue
		}
		if notify.State == "firing" {
			e.log.Warn("alert fired",
				"rule", rule.Name,
				"run", obs.Run.ID,
				"value", value,
				"severity", notify.Severity,
			)
		} else {
			e.log.Info("alert resolved", "rule", rule.Name, "run", obs.Run.ID)
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.deliver(notify)
		}()
	}
}

// fire records a firing alert unless the rule is cooling down. Callers hold mu.
func (e *Engine) fire(rule config.AlertRule, obs Observation, value float64, now time.Time) *Alert {
	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if last, ok := e.lastFire[rule.Name]; ok && now.Sub(last) <= cooldown {
		return nil
	}
	sev := rule.Severity
	if sev == "" {
		sev = "warning"
	}
	a := &Alert{
		ID:       fmt.Sprintf("%s:%d", rule.Name, now.UnixNano()),
		RuleName: rule.Name,
		RunID:    obs.Run.ID,
		Severity: sev,
		Value:    value,
		Message: fmt.Sprintf("[%s] %s fired on run %s: %s = %g",
			sev, rule.Name, obs.Run.TakenAt.Format(time.RFC3339), rule.Condition, value),
		FiredAt: now,
		State:   "firing",
		Run:     digest(obs),
	}
	e.active[rule.Name] = a
	e.lastFire[rule.Name] = now
	cp := *a
	return &cp
}

// resolve moves a firing alert for name into the history. Callers hold mu.
func (e *Engine) resolve(name string, now time.Time) *Alert {
	a, ok := e.active[name]
	if !ok {
		return nil
	}
	resolved := now
	a.State = "resolved"
	a.ResolvedAt = &resolved
	delete(e.active, name)

	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
	cp := *a
	return &cp
}

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past day, sorted newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindow)
	out := make([]*Alert, 0, len(e.active))

	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}

// Wait blocks until every in-flight webhook delivery has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
