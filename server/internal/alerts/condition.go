package alerts

import (
	"strconv"
	"strings"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// Observation is what one evaluation sees: the run metadata and the trend
// of its snapshot against the previous one.
type Observation struct {
	Run   types.RunInfo      `json:"run"`
	Trend types.TrendSummary `json:"trend"`
}

// evalCondition evaluates a rule condition string against obs.
//
// Supported expressions (field operator value):
//
//	deprecated > 0
//	review_required >= 3
//	archived > 10
//	errors > 5
//	total < 100
//	newly_seen >= 1
//	disappeared > 0
//	partial == 1
//
// Every status name is a field holding that status's count.
// Returns (fires bool, triggering value float64).
// Returns (false, 0) if the expression cannot be parsed or the field is unknown.
func evalCondition(cond string, obs Observation) (bool, float64) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	v, ok := numericField(field, obs)
	if !ok {
		return false, 0
	}
	threshold, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return false, 0
	}
	return compareFloat(v, op, threshold), v
}

// numericField maps a field name to its value in the observation.
func numericField(field string, obs Observation) (float64, bool) {
	switch field {
	case "total":
		return float64(obs.Run.Total), true
	case "errors":
		return float64(obs.Run.Errors), true
	case "newly_seen":
		return float64(len(obs.Trend.NewlySeen)), true
	case "disappeared":
		return float64(len(obs.Trend.Disappeared)), true
	case "partial":
		if obs.Run.Partial {
			return 1, true
		}
		return 0, true
	}
	if s := types.Status(field); s.Valid() {
		return float64(obs.Trend.ByStatus[s]), true
	}
	return 0, false
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
