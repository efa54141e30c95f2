package compute

import (
	"fmt"
	"sync"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

// Override pins one entity's status.
type Override struct {
	Status types.Status
	Reason string
}

// Evaluation is the classification of one entity.
type Evaluation struct {
	Status         types.Status
	Score          float64
	Reasons        []string
	Recommendation Recommendation
}

// EvaluateInput is what a record builder knows about one entity.
type EvaluateInput struct {
	ID              string
	Signals         Signals
	MetadataMissing bool
}

// Engine holds the scoring tables and manual overrides in force. Both can be
// swapped while builds are running; each Evaluate sees one consistent pair.
type Engine struct {
	mu        sync.RWMutex
	tables    Tables
	overrides map[string]Override
}

// NewEngine returns an Engine using tables and overrides.
func NewEngine(tables Tables, overrides map[string]Override) (*Engine, error) {
	e := &Engine{}
	if err := e.Update(tables, overrides); err != nil {
		return nil, err
	}
	return e, nil
}

// Update replaces the tables and overrides. Invalid tables are rejected and
// the previous pair stays in force.
func (e *Engine) Update(tables Tables, overrides map[string]Override) error {
	if err := tables.Validate(); err != nil {
		return err
	}
	for id, o := range overrides {
		if !o.Status.Valid() {
			return fmt.Errorf("compute: override %q: unknown status %q", id, o.Status)
		}
	}

	copied := make(map[string]Override, len(overrides))
	for id, o := range overrides {
		copied[id] = o
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables = tables
	e.overrides = copied
	return nil
}

// Tables returns the tables currently in force.
func (e *Engine) Tables() Tables {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tables
}

// Evaluate scores and classifies one entity.
func (e *Engine) Evaluate(in EvaluateInput) Evaluation {
	e.mu.RLock()
	tables := e.tables
	o, pinned := e.overrides[in.ID]
	e.mu.RUnlock()

	res := Score(in.Signals, tables)
	ci := ClassifyInput{
		MetadataMissing:  in.MetadataMissing,
		Archived:         in.Signals.Archived,
		Result:           res,
		LastActivityDays: in.Signals.LastActivityDays,
	}

	reasons := res.Reasons
	if pinned {
		st := o.Status
		ci.Override = &st
		reason := "override"
		if o.Reason != "" {
			reason = "override: " + o.Reason
		}
		reasons = append(append([]string(nil), reasons...), reason)
	}

	return Evaluation{
		Status:         Classify(ci, tables),
		Score:          res.Score,
		Reasons:        reasons,
		Recommendation: res.Recommendation,
	}
}
