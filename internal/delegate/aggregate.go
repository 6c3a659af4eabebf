package delegate

import (
	"encoding/json"
	"fmt"
)

// aggregateResults folds completed execution results into one map per the
// requested method. Only completed executions with a non-empty result
// qualify; zero qualifying results is an error regardless of method.
func (c *Coordinator) aggregateResults(execs []*Execution, rule AggregationRule) (map[string]any, error) {
	var completed []*Execution
	for _, exec := range execs {
		if exec.Status == StatusCompleted && len(exec.Result) > 0 {
			completed = append(completed, exec)
		}
	}
	if len(completed) == 0 {
		return nil, fmt.Errorf("no completed results to aggregate")
	}

	method := rule.Method
	if method == "" {
		method = AggregateMerge
	}

	switch method {
	case AggregateMerge:
		return mergeResults(completed), nil
	case AggregateSelectBest:
		return selectBest(completed), nil
	case AggregateVote:
		return voteResults(completed), nil
	case AggregateWeightedAverage:
		return weightedAverage(completed), nil
	case AggregateCustom:
		if c.customAgg == nil {
			return mergeResults(completed), nil
		}
		return c.customAgg(completed)
	default:
		return nil, fmt.Errorf("unknown aggregation method %q", method)
	}
}

// mergeResults shallow-merges all result maps. On key collision the later
// task (by slice order) wins.
func mergeResults(execs []*Execution) map[string]any {
	out := make(map[string]any)
	for _, exec := range execs {
		for k, v := range exec.Result {
			out[k] = v
		}
	}
	return out
}

// selectBest returns the result with the highest quality score. Ties keep
// the earlier execution.
func selectBest(execs []*Execution) map[string]any {
	best := execs[0]
	for _, exec := range execs[1:] {
		if exec.QualityScore > best.QualityScore {
			best = exec
		}
	}
	return best.Result
}

// voteResults picks the plurality result, comparing results structurally
// through their canonical JSON encoding. Ties keep the first result seen.
func voteResults(execs []*Execution) map[string]any {
	counts := make(map[string]int)
	first := make(map[string]map[string]any)
	var order []string

	for _, exec := range execs {
		key := canonical(exec.Result)
		if _, seen := counts[key]; !seen {
			first[key] = exec.Result
			order = append(order, key)
		}
		counts[key]++
	}

	winner := order[0]
	for _, key := range order[1:] {
		if counts[key] > counts[winner] {
			winner = key
		}
	}
	return first[winner]
}

// weightedAverage averages numeric fields across results, weighted by each
// execution's quality score. Non-numeric fields are dropped. With all
// weights zero it falls back to a plain mean.
func weightedAverage(execs []*Execution) map[string]any {
	sums := make(map[string]float64)
	weights := make(map[string]float64)

	for _, exec := range execs {
		w := exec.QualityScore
		if w < 0 {
			w = 0
		}
		for k, v := range exec.Result {
			n, ok := asFloat(v)
			if !ok {
				continue
			}
			sums[k] += n * w
			weights[k] += w
		}
	}

	out := make(map[string]any, len(sums))
	for k, sum := range sums {
		if weights[k] > 0 {
			out[k] = sum / weights[k]
			continue
		}
		// All-zero weights: plain mean over the values.
		total, count := 0.0, 0
		for _, exec := range execs {
			if n, ok := asFloat(exec.Result[k]); ok {
				total += n
				count++
			}
		}
		if count > 0 {
			out[k] = total / float64(count)
		}
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func canonical(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(b)
}
