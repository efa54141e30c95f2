package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// maxListed caps the entity ids named in a chat notification.
const maxListed = 5

// renderers build the request body for each webhook type.
var renderers = map[string]func(*Alert) interface{}{
	"slack": slackPayload,
	"teams": teamsPayload,
	"http":  httpPayload,
}

// deliver sends a to every configured target. Failures are logged only.
func (e *Engine) deliver(a *Alert) {
	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}
		render, ok := renderers[wh.Type]
		if !ok {
			e.log.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		body, err := json.Marshal(render(a))
		if err == nil {
			err = e.post(url, body)
		}
		if err != nil {
			e.log.Error("alerts: webhook delivery failed",
				"type", wh.Type, "rule", a.RuleName, "run", a.RunID, "err", err)
			continue
		}
		e.log.Debug("alerts: webhook delivered",
			"type", wh.Type, "rule", a.RuleName, "state", a.State)
	}
}

func slackPayload(a *Alert) interface{} {
	lines := []string{
		fmt.Sprintf("*%s* %s", severityLabel(a.Severity, a.State), a.Message),
		runLine(a.Run),
	}
	if c := changeLine(a.Run); c != "" {
		lines = append(lines, c)
	}
	return map[string]string{"text": strings.Join(lines, "\n")}
}

type fact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func teamsPayload(a *Alert) interface{} {
	return map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(a.Severity, a.State),
		"summary":    a.RuleName,
		"title":      fmt.Sprintf("extwatch alert: %s", a.RuleName),
		"text":       a.Message,
		"sections": []map[string]interface{}{
			{"activityTitle": runLine(a.Run), "facts": facts(a.Run)},
		},
	}
}

// httpPayload is the alert as the API serves it, digest included.
func httpPayload(a *Alert) interface{} {
	return map[string]interface{}{"alert": a}
}

func facts(d RunDigest) []fact {
	out := []fact{
		{"Entities", strconv.Itoa(d.Total)},
		{"Errors", strconv.Itoa(d.Errors)},
		{"Flagged", strconv.Itoa(d.Flagged)},
		{"Newly seen", listed(d.NewlySeen)},
		{"Disappeared", listed(d.Disappeared)},
	}
	if d.Partial {
		out = append(out, fact{"Partial", "rate limit reached before every entity was analysed"})
	}
	return out
}

func runLine(d RunDigest) string {
	label := "run"
	if d.Mode != "" {
		label = string(d.Mode) + " run"
	}
	s := fmt.Sprintf("%s: %d entities, %d errors, %d flagged", label, d.Total, d.Errors, d.Flagged)
	if d.Partial {
		s += " (partial)"
	}
	return s
}

// changeLine names the catalog changes, or is empty when there were none.
func changeLine(d RunDigest) string {
	var parts []string
	if len(d.NewlySeen) > 0 {
		parts = append(parts, "new: "+listed(d.NewlySeen))
	}
	if len(d.Disappeared) > 0 {
		parts = append(parts, "gone: "+listed(d.Disappeared))
	}
	return strings.Join(parts, "; ")
}

func listed(ids []string) string {
	switch {
	case len(ids) == 0:
		return "none"
	case len(ids) <= maxListed:
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(ids[:maxListed], ", "), len(ids)-maxListed)
}

func (e *Engine) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(sev, state string) string {
	if state == "resolved" {
		return "[RESOLVED]"
	}
	switch sev {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(sev, state string) string {
	if state == "resolved" {
		return "2EB67D"
	}
	switch sev {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
