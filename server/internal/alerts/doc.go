// Package alerts implements the rule evaluation engine and webhook delivery
// for extwatch alerting. Rules are evaluated against each newly recorded
// analysis run; webhooks are delivered to Teams, Slack or generic HTTP
// targets.
package alerts
