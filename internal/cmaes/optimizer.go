package cmaes

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"likeness/internal/model"
)

const (
	defaultSigma    = 0.3
	defaultSigmaMin = 1e-6
	defaultSigmaMax = 1.0

	// Below this scale further refinement is numerically meaningless no
	// matter what tolerance the caller asked for.
	convergenceFloor = 1e-10
)

type Config struct {
	Dimension int
	Bounds    []model.Bound
	Sigma     float64
	SigmaMin  float64
	SigmaMax  float64
	Lambda    int
	Mu        int
	Rand      *rand.Rand
}

// Optimizer is a CMA-ES sampler/updater over a bounded real vector. It never
// panics on malformed internal state: every numeric update path sanitizes
// its inputs and outputs, resetting corrupted values to neutral defaults.
type Optimizer struct {
	params Params
	n      int
	bounds []model.Bound
	rng    *rand.Rand

	mean     []float64
	sigma    float64
	sigmaDef float64
	sigmaMin float64
	sigmaMax float64

	cov        *mat.SymDense
	eigvec     *mat.Dense
	eigsqrt    []float64
	eigenGen   int
	eigenEvery int

	pc []float64
	ps []float64

	gen    int
	active []bool

	pending [][]float64

	best        []float64
	bestFitness float64
	hasBest     bool
}

func New(cfg Config) (*Optimizer, error) {
	if cfg.Dimension < 1 {
		return nil, fmt.Errorf("dimension must be >= 1, got %d", cfg.Dimension)
	}
	if cfg.Rand == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if len(cfg.Bounds) != 0 && len(cfg.Bounds) != cfg.Dimension {
		return nil, fmt.Errorf("bounds length mismatch: got=%d want=%d", len(cfg.Bounds), cfg.Dimension)
	}
	for i, b := range cfg.Bounds {
		if b.Max < b.Min {
			return nil, fmt.Errorf("invalid bound at index %d: min=%f max=%f", i, b.Min, b.Max)
		}
	}
	params, err := DeriveParams(cfg.Dimension, cfg.Lambda, cfg.Mu)
	if err != nil {
		return nil, err
	}

	sigma := cfg.Sigma
	if sigma <= 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		sigma = defaultSigma
	}
	sigmaMin := cfg.SigmaMin
	if sigmaMin <= 0 {
		sigmaMin = defaultSigmaMin
	}
	sigmaMax := cfg.SigmaMax
	if sigmaMax <= sigmaMin {
		sigmaMax = defaultSigmaMax
	}
	if sigma < sigmaMin {
		sigma = sigmaMin
	}
	if sigma > sigmaMax {
		sigma = sigmaMax
	}

	o := &Optimizer{
		params:     params,
		n:          cfg.Dimension,
		bounds:     append([]model.Bound(nil), cfg.Bounds...),
		rng:        cfg.Rand,
		mean:       make([]float64, cfg.Dimension),
		sigma:      sigma,
		sigmaDef:   sigma,
		sigmaMin:   sigmaMin,
		sigmaMax:   sigmaMax,
		pc:         make([]float64, cfg.Dimension),
		ps:         make([]float64, cfg.Dimension),
		eigenEvery: params.EigenInterval(cfg.Dimension),
	}
	for i := range o.mean {
		b := o.bound(i)
		o.mean[i] = (b.Min + b.Max) / 2
	}
	o.resetCovariance()
	return o, nil
}

func (o *Optimizer) bound(i int) model.Bound {
	if i < len(o.bounds) {
		return o.bounds[i]
	}
	return model.DefaultBound
}

func (o *Optimizer) activeAt(i int) bool {
	return o.active == nil || o.active[i]
}

// SamplePopulation draws lambda candidates from the current distribution.
// Inactive dimensions are pinned to the mean; every coordinate is clamped to
// its bounds. The batch must be scored and fed back through Update before
// the next call.
func (o *Optimizer) SamplePopulation() [][]float64 {
	o.sanitizeSigma()
	if o.eigvec == nil || o.gen-o.eigenGen >= o.eigenEvery {
		o.refreshEigen()
	}

	candidates := make([][]float64, o.params.Lambda)
	z := make([]float64, o.n)
	for k := range candidates {
		for j := range z {
			z[j] = o.rng.NormFloat64() * o.eigsqrt[j]
		}
		x := make([]float64, o.n)
		for i := 0; i < o.n; i++ {
			if !o.activeAt(i) {
				x[i] = o.mean[i]
				continue
			}
			y := 0.0
			for j := 0; j < o.n; j++ {
				y += o.eigvec.At(i, j) * z[j]
			}
			x[i] = o.bound(i).Clamp(finiteOr(o.mean[i]+o.sigma*y, o.mean[i]))
		}
		candidates[k] = x
	}

	o.pending = make([][]float64, len(candidates))
	for k, x := range candidates {
		o.pending[k] = append([]float64(nil), x...)
	}
	return candidates
}

// Update consumes the pending sampled batch. The fitness slice must match
// the sample order; a batch size disagreeing with lambda is an integration
// error and fails loudly. Non-finite fitness values are sanitized to a large
// penalty before ranking.
func (o *Optimizer) Update(fitness []float64) error {
	if o.pending == nil {
		return fmt.Errorf("no sampled population pending")
	}
	if len(fitness) != len(o.pending) {
		return fmt.Errorf("fitness batch size mismatch: got=%d want=%d", len(fitness), len(o.pending))
	}

	fit := sanitizeFitness(fitness)
	order := make([]int, len(fit))
	for i := range order {
		order[i] = i
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && fit[order[j]] > fit[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}

	top := o.pending[order[0]]
	if !o.hasBest || fit[order[0]] > o.bestFitness {
		o.best = append([]float64(nil), top...)
		o.bestFitness = fit[order[0]]
		o.hasBest = true
	}

	p := o.params
	oldMean := append([]float64(nil), o.mean...)
	newMean := append([]float64(nil), o.mean...)
	for i := 0; i < o.n; i++ {
		if !o.activeAt(i) {
			continue
		}
		acc := 0.0
		for r := 0; r < p.Mu; r++ {
			acc += p.Weights[r] * o.pending[order[r]][i]
		}
		newMean[i] = finiteOr(acc, oldMean[i])
	}

	sigma := o.sigma
	if sigma < o.sigmaMin {
		sigma = o.sigmaMin
	}
	yw := make([]float64, o.n)
	for i := range yw {
		yw[i] = (newMean[i] - oldMean[i]) / sigma
	}
	sanitizeVector(yw, 0)

	// p_sigma cumulation in the isotropic coordinate system.
	invSqrtYW := o.applyInvSqrtC(yw)
	csn := math.Sqrt(p.CSigma * (2 - p.CSigma) * p.MuEff)
	psNorm := 0.0
	for i := range o.ps {
		o.ps[i] = finiteOr((1-p.CSigma)*o.ps[i]+csn*invSqrtYW[i], 0)
		psNorm += o.ps[i] * o.ps[i]
	}
	psNorm = math.Sqrt(psNorm)

	expDecay := math.Sqrt(1 - math.Pow(1-p.CSigma, float64(2*(o.gen+1))))
	if expDecay <= 0 {
		expDecay = 1
	}
	hsig := 0.0
	if psNorm/expDecay/p.ChiN < 1.4+2/float64(o.n+1) {
		hsig = 1
	}

	ccn := math.Sqrt(p.CC * (2 - p.CC) * p.MuEff)
	for i := range o.pc {
		o.pc[i] = finiteOr((1-p.CC)*o.pc[i]+hsig*ccn*yw[i], 0)
	}

	// Rank-one plus rank-mu covariance update.
	cOld := 1 - p.C1 - p.CMu + p.C1*(1-hsig)*p.CC*(2-p.CC)
	for i := 0; i < o.n; i++ {
		for j := i; j < o.n; j++ {
			v := cOld*o.cov.At(i, j) + p.C1*o.pc[i]*o.pc[j]
			for r := 0; r < p.Mu; r++ {
				yi := (o.pending[order[r]][i] - oldMean[i]) / sigma
				yj := (o.pending[order[r]][j] - oldMean[j]) / sigma
				v += p.CMu * p.Weights[r] * finiteOr(yi*yj, 0)
			}
			o.cov.SetSym(i, j, v)
		}
	}
	repairCovariance(o.cov)

	o.mean = newMean
	o.sigma = finiteOr(o.sigma*math.Exp((p.CSigma/p.DSigma)*(psNorm/p.ChiN-1)), o.sigmaDef)
	o.clampSigma()
	o.gen++
	o.pending = nil
	return nil
}

func (o *Optimizer) applyInvSqrtC(v []float64) []float64 {
	tmp := make([]float64, o.n)
	for j := 0; j < o.n; j++ {
		acc := 0.0
		for i := 0; i < o.n; i++ {
			acc += o.eigvec.At(i, j) * v[i]
		}
		d := o.eigsqrt[j]
		if d < 1e-12 {
			d = 1e-12
		}
		tmp[j] = acc / d
	}
	out := make([]float64, o.n)
	for i := 0; i < o.n; i++ {
		acc := 0.0
		for j := 0; j < o.n; j++ {
			acc += o.eigvec.At(i, j) * tmp[j]
		}
		out[i] = finiteOr(acc, 0)
	}
	return out
}

func (o *Optimizer) refreshEigen() {
	var es mat.EigenSym
	if ok := es.Factorize(o.cov, true); !ok {
		o.resetCovariance()
		return
	}
	vals := es.Values(nil)
	vecs := &mat.Dense{}
	es.VectorsTo(vecs)

	sqrtVals := make([]float64, len(vals))
	corrupt := false
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			corrupt = true
			break
		}
		if v < 1e-20 {
			v = 1e-20
		}
		sqrtVals[i] = math.Sqrt(v)
	}
	if corrupt {
		o.resetCovariance()
		return
	}
	o.eigvec = vecs
	o.eigsqrt = sqrtVals
	o.eigenGen = o.gen
}

func (o *Optimizer) resetCovariance() {
	o.cov = mat.NewSymDense(o.n, nil)
	eigvec := mat.NewDense(o.n, o.n, nil)
	eigsqrt := make([]float64, o.n)
	for i := 0; i < o.n; i++ {
		o.cov.SetSym(i, i, 1)
		eigvec.Set(i, i, 1)
		eigsqrt[i] = 1
	}
	o.eigvec = eigvec
	o.eigsqrt = eigsqrt
	o.eigenGen = o.gen
}

func (o *Optimizer) sanitizeSigma() {
	if math.IsNaN(o.sigma) || math.IsInf(o.sigma, 0) || o.sigma < o.sigmaMin {
		o.sigma = o.sigmaDef
	}
	o.clampSigma()
}

func (o *Optimizer) clampSigma() {
	if o.sigma < o.sigmaMin {
		o.sigma = o.sigmaMin
	}
	if o.sigma > o.sigmaMax {
		o.sigma = o.sigmaMax
	}
}

// Reset re-initializes the covariance to identity and both evolution paths
// to zero, for use when the state is judged unrecoverable.
func (o *Optimizer) Reset(sigma float64) {
	o.resetCovariance()
	o.pc = make([]float64, o.n)
	o.ps = make([]float64, o.n)
	o.pending = nil
	if sigma > 0 && !math.IsNaN(sigma) && !math.IsInf(sigma, 0) {
		o.sigma = sigma
	} else {
		o.sigma = o.sigmaDef
	}
	o.clampSigma()
}

func (o *Optimizer) Mean() []float64 {
	return append([]float64(nil), o.mean...)
}

func (o *Optimizer) SetMean(mean []float64) error {
	if len(mean) != o.n {
		return fmt.Errorf("mean length mismatch: got=%d want=%d", len(mean), o.n)
	}
	out := make([]float64, o.n)
	for i, v := range mean {
		out[i] = o.bound(i).Clamp(finiteOr(v, o.mean[i]))
	}
	o.mean = out
	return nil
}

func (o *Optimizer) Sigma() float64 {
	return o.sigma
}

func (o *Optimizer) SetSigma(sigma float64) {
	if sigma > 0 && !math.IsNaN(sigma) && !math.IsInf(sigma, 0) {
		o.sigma = sigma
	} else {
		o.sigma = o.sigmaDef
	}
	o.clampSigma()
}

func (o *Optimizer) SetMinSigma(sigmaMin float64) {
	if sigmaMin > 0 && !math.IsNaN(sigmaMin) && !math.IsInf(sigmaMin, 0) {
		o.sigmaMin = sigmaMin
		if o.sigmaMax <= o.sigmaMin {
			o.sigmaMax = o.sigmaMin * 10
		}
		o.clampSigma()
	}
}

// IncreaseSigma is a deliberate perturbation to escape a plateau, bounded
// by the configured maximum.
func (o *Optimizer) IncreaseSigma(factor float64) {
	if factor <= 1 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return
	}
	o.sigma *= factor
	o.clampSigma()
}

// Converged reports whether the search scale has collapsed below tolerance.
func (o *Optimizer) Converged(tolerance float64) bool {
	maxD := 0.0
	for _, d := range o.eigsqrt {
		if d > maxD {
			maxD = d
		}
	}
	if o.sigma < convergenceFloor {
		return true
	}
	if tolerance <= 0 {
		return false
	}
	return o.sigma < tolerance || o.sigma*maxD < tolerance
}

// SetActive installs the active-dimension mask; nil activates every
// dimension. Inactive dimensions stay pinned to the current mean during
// sampling and are excluded from distribution updates.
func (o *Optimizer) SetActive(mask []bool) error {
	if mask == nil {
		o.active = nil
		return nil
	}
	if len(mask) != o.n {
		return fmt.Errorf("active mask length mismatch: got=%d want=%d", len(mask), o.n)
	}
	o.active = append([]bool(nil), mask...)
	return nil
}

func (o *Optimizer) Lambda() int     { return o.params.Lambda }
func (o *Optimizer) Generation() int { return o.gen }

func (o *Optimizer) Best() ([]float64, float64, bool) {
	if !o.hasBest {
		return nil, 0, false
	}
	return append([]float64(nil), o.best...), o.bestFitness, true
}

// CovarianceDiagonal exposes the diagonal for diagnostics and invariants.
func (o *Optimizer) CovarianceDiagonal() []float64 {
	out := make([]float64, o.n)
	for i := range out {
		out[i] = o.cov.At(i, i)
	}
	return out
}
