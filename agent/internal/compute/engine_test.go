package compute

import (
	"sync"
	"testing"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
)

func newEngine(t *testing.T, overrides map[string]Override) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultTables(), overrides)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestEngine_ArchivedAndTextScenario(t *testing.T) {
	e := newEngine(t, nil)

	alpha := e.Evaluate(EvaluateInput{ID: "alpha", Signals: Signals{Archived: true}})
	if alpha.Status != types.StatusArchived {
		t.Errorf("alpha status: got %q, want archived", alpha.Status)
	}

	beta := e.Evaluate(EvaluateInput{ID: "beta", Signals: Signals{
		TextFields: []string{"deprecated, use beta2 instead"},
	}})
	if beta.Status != types.StatusDeprecated && beta.Status != types.StatusReviewRequired {
		t.Errorf("beta status: got %q, want deprecated or review_required", beta.Status)
	}
	if beta.Score <= 0 {
		t.Errorf("beta score: got %.2f, want > 0", beta.Score)
	}
	if !hasReason(beta.Reasons, "deprecated") {
		t.Errorf("beta reasons %v: want \"deprecated\"", beta.Reasons)
	}
}

func TestEngine_OverrideWins(t *testing.T) {
	e := newEngine(t, map[string]Override{
		"pinned": {Status: types.StatusActive, Reason: "vendored upstream"},
	})

	got := e.Evaluate(EvaluateInput{ID: "pinned", Signals: Signals{Archived: true}})
	if got.Status != types.StatusActive {
		t.Errorf("status: got %q, want active", got.Status)
	}
	if !hasReason(got.Reasons, "override: vendored upstream") {
		t.Errorf("reasons %v: want override reason", got.Reasons)
	}
	if got.Score < DefaultArchivedBonus {
		t.Errorf("score must still reflect signals: got %.2f", got.Score)
	}

	other := e.Evaluate(EvaluateInput{ID: "other", Signals: Signals{Archived: true}})
	if other.Status != types.StatusArchived {
		t.Errorf("unpinned entity: got %q, want archived", other.Status)
	}
}

func TestEngine_MissingMetadataIsUnknown(t *testing.T) {
	e := newEngine(t, nil)
	got := e.Evaluate(EvaluateInput{ID: "ghost", MetadataMissing: true})
	if got.Status != types.StatusUnknown {
		t.Errorf("status: got %q, want unknown", got.Status)
	}
}

func TestEngine_UpdateRejectsInvalid(t *testing.T) {
	e := newEngine(t, nil)

	bad := DefaultTables()
	bad.ArchivedBonus = 1
	if err := e.Update(bad, nil); err == nil {
		t.Fatal("Update with invalid tables: expected error")
	}
	if e.Tables().ArchivedBonus != DefaultArchivedBonus {
		t.Errorf("tables changed after rejected update")
	}

	if err := e.Update(DefaultTables(), map[string]Override{"x": {Status: "gone"}}); err == nil {
		t.Fatal("Update with invalid override: expected error")
	}
}

func TestEngine_ConcurrentUpdateAndEvaluate(t *testing.T) {
	e := newEngine(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.Evaluate(EvaluateInput{ID: "a", Signals: Signals{TextFields: []string{"deprecated"}}})
		}()
		go func() {
			defer wg.Done()
			_ = e.Update(DefaultTables(), map[string]Override{"a": {Status: types.StatusLegacy}})
		}()
	}
	wg.Wait()
}
