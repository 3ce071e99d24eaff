package cmaes

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// fitnessPenalty replaces non-finite fitness values so a broken evaluation
// ranks last without poisoning the recombination weights.
const fitnessPenalty = -1e12

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

func sanitizeVector(v []float64, fallback float64) {
	for i := range v {
		v[i] = finiteOr(v[i], fallback)
	}
}

func sanitizeFitness(fitness []float64) []float64 {
	out := make([]float64, len(fitness))
	for i, f := range fitness {
		out[i] = finiteOr(f, fitnessPenalty)
	}
	return out
}

// repairCovariance enforces the optimizer's matrix invariant: every entry
// finite and the diagonal positive. Corrupted entries are reset to
// identity-like values instead of propagating.
func repairCovariance(c *mat.SymDense) {
	n := c.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := c.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				if i == j {
					c.SetSym(i, j, 1)
				} else {
					c.SetSym(i, j, 0)
				}
			}
		}
		if c.At(i, i) <= 0 {
			c.SetSym(i, i, 1e-10)
		}
	}
}
