package delegate

import (
	"testing"
)

func completedExec(id string, result map[string]any, quality float64) *Execution {
	return &Execution{TaskID: id, Status: StatusCompleted, Result: result, QualityScore: quality}
}

func TestAggregateMerge(t *testing.T) {
	c := NewCoordinator(nil, nil, testCoordinatorConfig())
	execs := []*Execution{
		completedExec("t1", map[string]any{"a": 1, "shared": "first"}, 1),
		completedExec("t2", map[string]any{"b": 2, "shared": "second"}, 1),
		{TaskID: "t3", Status: StatusFailed},
	}

	out, err := c.aggregateResults(execs, AggregationRule{Method: AggregateMerge})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if out["a"] != 1 || out["b"] != 2 {
		t.Errorf("expected both results merged, got %v", out)
	}
	// Later task wins key collisions.
	if out["shared"] != "second" {
		t.Errorf("expected later value for shared key, got %v", out["shared"])
	}
}

func TestAggregateSelectBest(t *testing.T) {
	c := NewCoordinator(nil, nil, testCoordinatorConfig())
	execs := []*Execution{
		completedExec("t1", map[string]any{"answer": "weak"}, 0.4),
		completedExec("t2", map[string]any{"answer": "strong"}, 0.9),
	}

	out, err := c.aggregateResults(execs, AggregationRule{Method: AggregateSelectBest})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if out["answer"] != "strong" {
		t.Errorf("expected highest-quality result, got %v", out)
	}
}

func TestAggregateVote(t *testing.T) {
	c := NewCoordinator(nil, nil, testCoordinatorConfig())
	execs := []*Execution{
		completedExec("t1", map[string]any{"verdict": "yes"}, 1),
		completedExec("t2", map[string]any{"verdict": "no"}, 1),
		completedExec("t3", map[string]any{"verdict": "yes"}, 1),
	}

	out, err := c.aggregateResults(execs, AggregationRule{Method: AggregateVote})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if out["verdict"] != "yes" {
		t.Errorf("expected plurality winner, got %v", out)
	}
}

func TestAggregateWeightedAverage(t *testing.T) {
	c := NewCoordinator(nil, nil, testCoordinatorConfig())
	execs := []*Execution{
		completedExec("t1", map[string]any{"value": 10.0}, 0.8),
		completedExec("t2", map[string]any{"value": 20.0}, 0.2),
	}

	out, err := c.aggregateResults(execs, AggregationRule{Method: AggregateWeightedAverage})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	// (10*0.8 + 20*0.2) / 1.0
	if got := out["value"].(float64); got != 12.0 {
		t.Errorf("expected 12, got %v", got)
	}
}

func TestAggregateWeightedAverageZeroWeights(t *testing.T) {
	c := NewCoordinator(nil, nil, testCoordinatorConfig())
	execs := []*Execution{
		completedExec("t1", map[string]any{"value": 10}, 0),
		completedExec("t2", map[string]any{"value": 20}, 0),
	}

	out, err := c.aggregateResults(execs, AggregationRule{Method: AggregateWeightedAverage})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if got := out["value"].(float64); got != 15.0 {
		t.Errorf("expected plain mean with zero weights, got %v", got)
	}
}

func TestAggregateNoCompletedResults(t *testing.T) {
	c := NewCoordinator(nil, nil, testCoordinatorConfig())
	execs := []*Execution{
		{TaskID: "t1", Status: StatusFailed},
		{TaskID: "t2", Status: StatusTimeout},
	}

	if _, err := c.aggregateResults(execs, AggregationRule{Method: AggregateMerge}); err == nil {
		t.Error("expected error with nothing to aggregate")
	}
}

func TestAggregateIgnoresEmptyResults(t *testing.T) {
	c := NewCoordinator(nil, nil, testCoordinatorConfig())

	// Two empty completions must not outvote the one real result.
	execs := []*Execution{
		completedExec("t1", nil, 1),
		completedExec("t2", map[string]any{}, 1),
		completedExec("t3", map[string]any{"verdict": "yes"}, 1),
	}
	out, err := c.aggregateResults(execs, AggregationRule{Method: AggregateVote})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if out["verdict"] != "yes" {
		t.Errorf("expected the non-empty result to win, got %v", out)
	}
}

func TestAggregateAllEmptyResultsIsError(t *testing.T) {
	c := NewCoordinator(nil, nil, testCoordinatorConfig())
	execs := []*Execution{
		completedExec("t1", nil, 1),
		completedExec("t2", map[string]any{}, 1),
	}

	if _, err := c.aggregateResults(execs, AggregationRule{Method: AggregateVote}); err == nil {
		t.Error("expected error when every completed result is empty")
	}
}

func TestAggregateCustom(t *testing.T) {
	c := NewCoordinator(nil, nil, testCoordinatorConfig())
	execs := []*Execution{completedExec("t1", map[string]any{"n": 1}, 1)}

	// Without a custom aggregator, custom degrades to merge.
	out, err := c.aggregateResults(execs, AggregationRule{Method: AggregateCustom})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if out["n"] != 1 {
		t.Errorf("expected merge fallback, got %v", out)
	}

	c.SetCustomAggregator(func(execs []*Execution) (map[string]any, error) {
		return map[string]any{"count": len(execs)}, nil
	})
	out, err = c.aggregateResults(execs, AggregationRule{Method: AggregateCustom})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if out["count"] != 1 {
		t.Errorf("expected custom aggregator output, got %v", out)
	}
}

func TestAggregateUnknownMethod(t *testing.T) {
	c := NewCoordinator(nil, nil, testCoordinatorConfig())
	execs := []*Execution{completedExec("t1", map[string]any{"n": 1}, 1)}

	if _, err := c.aggregateResults(execs, AggregationRule{Method: "median"}); err == nil {
		t.Error("expected error for unknown method")
	}
}
