package verifier

import (
	"encoding/json"

	"github.com/voltask/voltask/internal/apperr"
)

// Aggregator folds a group's terminal task results into one summary
// payload. Registrants declare it commutative and associative at
// registration time: the same set of inputs must fold to the same output
// regardless of order, since result delivery order is not guaranteed.
type Aggregator func(results []json.RawMessage) (json.RawMessage, error)

// Registry maps task_type to its registered Aggregator. A type with no
// registration falls back to DefaultSumAggregator.
type Registry struct {
	byType map[string]Aggregator
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Aggregator)}
}

// Register binds an Aggregator to a task type. The caller is asserting the
// function is commutative and associative — the registry does not and
// cannot verify this itself.
func (r *Registry) Register(taskType string, agg Aggregator) {
	r.byType[taskType] = agg
}

// Lookup returns the registered Aggregator for taskType, or
// DefaultSumAggregator if none was registered.
func (r *Registry) Lookup(taskType string) Aggregator {
	if agg, ok := r.byType[taskType]; ok {
		return agg
	}
	return DefaultSumAggregator
}

// DefaultSumAggregator treats every result as a flat map of numeric
// counters and sums each key across all results, per spec §4.6's default
// aggregation rule. Non-numeric fields are dropped from the summary.
func DefaultSumAggregator(results []json.RawMessage) (json.RawMessage, error) {
	sums := make(map[string]float64)
	for _, raw := range results {
		if len(raw) == 0 {
			continue
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, apperr.DataIntegrityf("aggregate_parse", "result is not a JSON object: %v", err)
		}
		for k, v := range fields {
			n, ok := v.(float64)
			if !ok {
				continue
			}
			sums[k] += n
		}
	}
	out, err := json.Marshal(sums)
	if err != nil {
		return nil, apperr.Wrap("aggregate_marshal", err)
	}
	return out, nil
}
