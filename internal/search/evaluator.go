package search

import (
	"context"
	"fmt"

	"likeness/internal/phase"
)

// Evaluator scores one candidate genome. Higher is better, with 1.0 a
// perfect match. Group scores are keyed by feature-group name and drive
// stage gating; an empty map disables group-based transitions.
type Evaluator interface {
	Evaluate(ctx context.Context, genome []float64) (fitness float64, groupScores map[string]float64, err error)
}

// EvaluatorFunc adapts a plain function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, genome []float64) (float64, map[string]float64, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, genome []float64) (float64, map[string]float64, error) {
	return f(ctx, genome)
}

// ProximityEvaluator scores candidates by squared distance to a reference
// genome, overall and per feature group. It stands in for an external
// perceptual scorer during tests and calibration runs.
type ProximityEvaluator struct {
	target  []float64
	indices map[string][]int
}

func NewProximityEvaluator(target []float64, groups *phase.GroupSet) (*ProximityEvaluator, error) {
	if len(target) == 0 {
		return nil, fmt.Errorf("target genome is required")
	}
	e := &ProximityEvaluator{target: append([]float64(nil), target...)}
	if groups == nil {
		return e, nil
	}
	if groups.Dimension() != len(target) {
		return nil, fmt.Errorf("group set dimension %d does not match target %d", groups.Dimension(), len(target))
	}
	e.indices = make(map[string][]int, len(groups.Names()))
	for _, name := range groups.Names() {
		mask, err := groups.Mask([]string{name})
		if err != nil {
			return nil, err
		}
		for i, on := range mask {
			if on {
				e.indices[name] = append(e.indices[name], i)
			}
		}
	}
	return e, nil
}

func (e *ProximityEvaluator) Evaluate(ctx context.Context, genome []float64) (float64, map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if len(genome) != len(e.target) {
		return 0, nil, fmt.Errorf("genome length %d does not match target %d", len(genome), len(e.target))
	}

	total := 0.0
	for i, v := range genome {
		d := v - e.target[i]
		total += d * d
	}
	fitness := 1 - total

	if len(e.indices) == 0 {
		return fitness, nil, nil
	}
	scores := make(map[string]float64, len(e.indices))
	for name, indices := range e.indices {
		sum := 0.0
		for _, i := range indices {
			d := genome[i] - e.target[i]
			sum += d * d
		}
		scores[name] = 1 - sum/float64(len(indices))
	}
	return fitness, scores, nil
}
