package cmaes

import (
	"fmt"
	"math"
)

// Params holds the strategy constants derived once from the problem
// dimension. They follow the standard CMA-ES closed forms and are not
// tunable at runtime.
type Params struct {
	Lambda  int
	Mu      int
	Weights []float64
	MuEff   float64
	CC      float64
	CSigma  float64
	C1      float64
	CMu     float64
	DSigma  float64
	ChiN    float64
}

// DeriveParams computes the default strategy parameters for an n-dimensional
// search. lambda and mu may be zero to use the standard defaults
// (lambda = max(8, 4+floor(3 ln n)), mu = lambda/2).
func DeriveParams(n, lambda, mu int) (Params, error) {
	if n < 1 {
		return Params{}, fmt.Errorf("dimension must be >= 1, got %d", n)
	}
	if lambda <= 0 {
		lambda = 4 + int(math.Floor(3*math.Log(float64(n))))
		if lambda < 8 {
			lambda = 8
		}
	}
	if mu <= 0 {
		mu = lambda / 2
	}
	if mu < 1 {
		mu = 1
	}
	if mu > lambda {
		return Params{}, fmt.Errorf("mu must be <= lambda: mu=%d lambda=%d", mu, lambda)
	}

	weights := make([]float64, mu)
	total := 0.0
	for i := range weights {
		weights[i] = math.Log(float64(mu)+0.5) - math.Log(float64(i+1))
		total += weights[i]
	}
	sumSq := 0.0
	for i := range weights {
		weights[i] /= total
		sumSq += weights[i] * weights[i]
	}
	muEff := 1.0 / sumSq

	fn := float64(n)
	cc := (4 + muEff/fn) / (fn + 4 + 2*muEff/fn)
	cSigma := (muEff + 2) / (fn + muEff + 5)
	c1 := 2 / ((fn+1.3)*(fn+1.3) + muEff)
	cMu := math.Min(1-c1, 2*(muEff-2+1/muEff)/((fn+2)*(fn+2)+muEff))
	dSigma := 1 + 2*math.Max(0, math.Sqrt((muEff-1)/(fn+1))-1) + cSigma
	chiN := math.Sqrt(fn) * (1 - 1/(4*fn) + 1/(21*fn*fn))

	return Params{
		Lambda:  lambda,
		Mu:      mu,
		Weights: weights,
		MuEff:   muEff,
		CC:      cc,
		CSigma:  cSigma,
		C1:      c1,
		CMu:     cMu,
		DSigma:  dSigma,
		ChiN:    chiN,
	}, nil
}

// EigenInterval is the number of generations between refreshes of the
// cached eigendecomposition.
func (p Params) EigenInterval(n int) int {
	interval := int(math.Ceil(1 / ((p.C1 + p.CMu) * float64(n) * 10)))
	if interval < 1 {
		interval = 1
	}
	return interval
}
