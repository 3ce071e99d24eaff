// Package search runs one optimization episode: a phase-controlled CMA-ES
// loop seeded from the knowledge tree and reported back into it.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"likeness/internal/cmaes"
	"likeness/internal/knowledge"
	"likeness/internal/model"
	"likeness/internal/phase"
	"likeness/internal/strategy"
)

const (
	defaultMaxGenerations = 300
	defaultTolerance      = 1e-3
	defaultMaintainEvery  = 25

	// sigma boost applied on entering a plateau escape, on top of the
	// controller's recommendation.
	escapeBoost = 1.5
)

type Config struct {
	Genome    model.Genome
	Signature model.Signature
	Evaluator Evaluator

	Phase phase.Config

	Tree     *knowledge.Tree  // optional cross-episode knowledge
	Strategy *strategy.Memory // optional cross-episode step statistics

	Lambda int
	Mu     int

	Workers        int
	MaxGenerations int
	Tolerance      float64
	MaintainEvery  int // tree maintenance cadence, in learning calls

	Rand   *rand.Rand
	Logger *slog.Logger
}

// Session owns one episode's moving parts. It is not safe for concurrent
// use; run one session per target at a time.
type Session struct {
	cfg    Config
	logger *slog.Logger
}

func NewSession(cfg Config) (*Session, error) {
	if len(cfg.Genome.Values) == 0 {
		return nil, fmt.Errorf("genome is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if cfg.Rand == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if cfg.Phase.Groups != nil && cfg.Phase.Groups.Dimension() != len(cfg.Genome.Values) {
		return nil, fmt.Errorf("group set dimension %d does not match genome %d",
			cfg.Phase.Groups.Dimension(), len(cfg.Genome.Values))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxGenerations <= 0 {
		cfg.MaxGenerations = defaultMaxGenerations
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultTolerance
	}
	if cfg.MaintainEvery <= 0 {
		cfg.MaintainEvery = defaultMaintainEvery
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{cfg: cfg, logger: logger}, nil
}

// Result is one finished episode: its summary, the best genome found, and
// the per-generation best-fitness trace.
type Result struct {
	Summary model.EpisodeSummary
	Best    []float64
	History []float64
}

// Run executes the episode to completion: seed from knowledge, iterate the
// staged CMA-ES loop, then fold the outcome back into the tree and the
// strategy memory.
func (s *Session) Run(ctx context.Context) (Result, error) {
	summary := model.EpisodeSummary{
		ID:        uuid.NewString(),
		Signature: s.cfg.Signature,
	}

	start, usedKnowledge := s.startingGenome()
	summary.UsedKnowledge = usedKnowledge

	startFitness, _, err := s.cfg.Evaluator.Evaluate(ctx, start)
	if err != nil {
		return Result{Summary: summary}, fmt.Errorf("evaluate starting genome: %w", err)
	}
	summary.StartFitness = startFitness
	summary.Evaluations = 1

	controller, err := phase.NewController(s.cfg.Phase)
	if err != nil {
		return Result{Summary: summary}, err
	}

	sigmaMin, sigmaMax := controller.StageSigmaRange()
	opt, err := cmaes.New(cmaes.Config{
		Dimension: len(s.cfg.Genome.Values),
		Bounds:    s.cfg.Genome.Bounds,
		Sigma:     s.recommendedSigma(controller, startFitness),
		SigmaMin:  sigmaMin,
		SigmaMax:  sigmaMax,
		Lambda:    s.cfg.Lambda,
		Mu:        s.cfg.Mu,
		Rand:      s.cfg.Rand,
	})
	if err != nil {
		return Result{Summary: summary}, err
	}
	if err := opt.SetMean(start); err != nil {
		return Result{Summary: summary}, err
	}
	if err := opt.SetActive(controller.ActiveMask()); err != nil {
		return Result{Summary: summary}, err
	}

	s.logger.Info("episode started",
		"episode", summary.ID,
		"dimensions", len(s.cfg.Genome.Values),
		"stage", controller.StageName(),
		"start_fitness", startFitness,
		"used_knowledge", usedKnowledge)

	bestFitness := startFitness
	stageName := controller.StageName()
	stageIters := 0
	history := []float64{startFitness}

	for gen := 0; gen < s.cfg.MaxGenerations && !controller.Done(); gen++ {
		candidates := opt.SamplePopulation()
		fitness, groupScores, err := s.evaluateBatch(ctx, candidates)
		if err != nil {
			return Result{Summary: summary}, err
		}
		summary.Evaluations += len(candidates)

		prevBest := bestFitness
		if err := opt.Update(fitness); err != nil {
			return Result{Summary: summary}, err
		}
		bestVec, fit, ok := opt.Best()
		if ok {
			bestFitness = fit
		}
		stageIters++
		history = append(history, bestFitness)

		if s.cfg.Strategy != nil {
			s.cfg.Strategy.Record(stageName, opt.Sigma(),
				len(controller.ActiveDimensions()), prevBest, bestFitness, usedKnowledge)
		}

		prevSub := controller.CurrentSubPhase()
		endSigma := opt.Sigma()
		stageChanged := controller.Iterate(bestFitness, groupScores)

		switch {
		case stageChanged:
			summary.Phases = append(summary.Phases, model.PhaseDiagnostics{
				Phase:       stageName,
				Iterations:  stageIters,
				BestFitness: bestFitness,
				EndSigma:    endSigma,
			})
			if controller.Done() {
				break
			}
			stageName = controller.StageName()
			stageIters = 0
			if err := opt.SetActive(controller.ActiveMask()); err != nil {
				return Result{Summary: summary}, err
			}
			if ok {
				if err := opt.SetMean(bestVec); err != nil {
					return Result{Summary: summary}, err
				}
			}
			stageMin, _ := controller.StageSigmaRange()
			opt.SetMinSigma(stageMin)
			opt.SetSigma(s.recommendedSigma(controller, bestFitness))
			s.logger.Info("stage advanced",
				"episode", summary.ID,
				"stage", stageName,
				"best_fitness", bestFitness,
				"sigma", opt.Sigma())
		case controller.CurrentSubPhase() != prevSub:
			if controller.CurrentSubPhase() == phase.SubPhasePlateauEscape {
				opt.IncreaseSigma(escapeBoost)
			} else {
				opt.SetSigma(s.recommendedSigma(controller, bestFitness))
			}
			s.logger.Debug("sub-phase changed",
				"episode", summary.ID,
				"sub_phase", string(controller.CurrentSubPhase()),
				"sigma", opt.Sigma())
		}

		if opt.Converged(s.cfg.Tolerance) {
			s.logger.Info("search converged",
				"episode", summary.ID,
				"generation", opt.Generation(),
				"best_fitness", bestFitness)
			break
		}
	}

	summary.Generations = opt.Generation()
	if !controller.Done() || len(summary.Phases) == 0 ||
		summary.Phases[len(summary.Phases)-1].Phase != stageName {
		summary.Phases = append(summary.Phases, model.PhaseDiagnostics{
			Phase:       stageName,
			Iterations:  stageIters,
			BestFitness: bestFitness,
			EndSigma:    opt.Sigma(),
		})
	}

	bestVec, fit, ok := opt.Best()
	if !ok || fit < startFitness {
		bestVec = start
		fit = startFitness
	}
	summary.BestFitness = fit

	if s.cfg.Tree != nil {
		tick := s.cfg.Tree.Tick() + 1
		if err := s.cfg.Tree.Learn(s.cfg.Signature, start, bestVec, fit-startFitness, tick); err != nil {
			return Result{Summary: summary}, err
		}
		if calls := s.cfg.Tree.LearnCalls(); calls > 0 && calls%s.cfg.MaintainEvery == 0 {
			report := s.cfg.Tree.Maintain(tick)
			s.logger.Debug("tree maintenance",
				"episode", summary.ID,
				"splits", report.Splits,
				"merges", report.Merges,
				"prunes", report.Prunes)
		}
	}

	s.logger.Info("episode finished",
		"episode", summary.ID,
		"generations", summary.Generations,
		"evaluations", summary.Evaluations,
		"best_fitness", summary.BestFitness)
	return Result{Summary: summary, Best: bestVec, History: history}, nil
}

// startingGenome applies the knowledge tree's starting delta to the base
// genome, clamped to bounds. An all-zero delta means no usable prior.
func (s *Session) startingGenome() ([]float64, bool) {
	start := append([]float64(nil), s.cfg.Genome.Values...)
	if s.cfg.Tree == nil {
		return start, false
	}
	used := false
	for i, d := range s.cfg.Tree.StartingVector(s.cfg.Signature) {
		if d == 0 {
			continue
		}
		start[i] = s.cfg.Genome.Bound(i).Clamp(start[i] + d)
		used = true
	}
	return start, used
}

// recommendedSigma blends the controller's stage recommendation with the
// strategy memory's learned step when one is available.
func (s *Session) recommendedSigma(controller *phase.Controller, score float64) float64 {
	sigma := controller.RecommendedSigma()
	if s.cfg.Strategy == nil || s.cfg.Strategy.Recordings() == 0 {
		return sigma
	}
	learned := s.cfg.Strategy.RecommendedStep(controller.StageName(), score)
	return (sigma + learned) / 2
}

// evaluateBatch scores every candidate, fanning out across workers while
// keeping the fitness slice in sample order. The returned group scores are
// the generation best's.
func (s *Session) evaluateBatch(ctx context.Context, candidates [][]float64) ([]float64, map[string]float64, error) {
	type job struct {
		idx    int
		genome []float64
	}
	type result struct {
		idx    int
		fit    float64
		groups map[string]float64
		err    error
	}

	jobs := make(chan job)
	results := make(chan result, len(candidates))

	workerCount := s.cfg.Workers
	if workerCount > len(candidates) {
		workerCount = len(candidates)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}
				fit, groups, err := s.cfg.Evaluator.Evaluate(ctx, j.genome)
				results <- result{idx: j.idx, fit: fit, groups: groups, err: err}
			}
		}()
	}

	for i := range candidates {
		jobs <- job{idx: i, genome: candidates[i]}
	}
	close(jobs)

	wg.Wait()
	close(results)

	fitness := make([]float64, len(candidates))
	var bestGroups map[string]float64
	bestFit := 0.0
	haveBest := false
	for res := range results {
		if res.err != nil {
			return nil, nil, res.err
		}
		fitness[res.idx] = res.fit
		if !haveBest || res.fit > bestFit {
			bestFit = res.fit
			bestGroups = res.groups
			haveBest = true
		}
	}
	return fitness, bestGroups, nil
}
