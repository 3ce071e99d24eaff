// Package likeness is the public entry point: a Client that owns a store,
// runs optimization episodes, and carries knowledge between them.
package likeness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"likeness/internal/knowledge"
	"likeness/internal/model"
	"likeness/internal/phase"
	"likeness/internal/search"
	"likeness/internal/storage"
	"likeness/internal/strategy"
)

const (
	defaultDBPath  = "likeness.db"
	defaultProfile = "default"
)

type Options struct {
	StoreKind string
	DBPath    string
	Profile   string
	Logger    *slog.Logger
}

type Client struct {
	store   storage.Store
	profile string
	logger  *slog.Logger
}

// Evaluator scores a candidate genome. Group scores are optional; when
// present they drive staged quality gates.
type Evaluator interface {
	Evaluate(ctx context.Context, genome []float64) (float64, map[string]float64, error)
}

type OptimizeRequest struct {
	GenomeID  string
	Values    []float64
	Bounds    []model.Bound
	Signature model.Signature

	// Target enables the built-in proximity evaluator; Evaluator, when
	// set, takes precedence.
	Target    []float64
	Evaluator Evaluator

	Groups map[string][]int
	Stages []phase.Stage

	Seed           int64
	Workers        int
	Lambda         int
	Mu             int
	MaxGenerations int
	Tolerance      float64
}

type OptimizeSummary struct {
	EpisodeID     string
	StartFitness  float64
	BestFitness   float64
	Generations   int
	Evaluations   int
	UsedKnowledge bool
	Best          []float64
	History       []float64
	Phases        []model.PhaseDiagnostics
}

type KnowledgeStatus struct {
	Profile    string
	GenomeSize int
	Nodes      int
	Tick       uint64
	LearnCalls int
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	profile := opts.Profile
	if profile == "" {
		profile = defaultProfile
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:   store,
		profile: profile,
		logger:  logger,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// Optimize runs one episode end to end: restore knowledge for the profile,
// search, then persist the updated knowledge, strategy state, episode
// summary, fitness history, and best genome.
func (c *Client) Optimize(ctx context.Context, req OptimizeRequest) (OptimizeSummary, error) {
	if len(req.Values) == 0 {
		return OptimizeSummary{}, errors.New("starting genome values are required")
	}
	if req.Workers <= 0 {
		req.Workers = 4
	}
	if req.MaxGenerations <= 0 {
		req.MaxGenerations = 300
	}

	groups := req.Groups
	if len(groups) == 0 {
		all := make([]int, len(req.Values))
		for i := range all {
			all[i] = i
		}
		groups = map[string][]int{"all": all}
	}
	groupSet, err := phase.NewGroupSet(len(req.Values), groups)
	if err != nil {
		return OptimizeSummary{}, err
	}

	stages := req.Stages
	if len(stages) == 0 {
		stages = defaultStages()
	}

	evaluator, err := c.evaluator(req, groupSet)
	if err != nil {
		return OptimizeSummary{}, err
	}

	tree, err := c.loadKnowledge(ctx, len(req.Values))
	if err != nil {
		return OptimizeSummary{}, err
	}
	memory, err := c.loadStrategy(ctx)
	if err != nil {
		return OptimizeSummary{}, err
	}

	session, err := search.NewSession(search.Config{
		Genome: model.Genome{
			ID:     req.GenomeID,
			Values: req.Values,
			Bounds: req.Bounds,
		},
		Signature: req.Signature,
		Evaluator: evaluator,
		Phase: phase.Config{
			Stages: stages,
			Groups: groupSet,
		},
		Tree:           tree,
		Strategy:       memory,
		Lambda:         req.Lambda,
		Mu:             req.Mu,
		Workers:        req.Workers,
		MaxGenerations: req.MaxGenerations,
		Tolerance:      req.Tolerance,
		Rand:           rand.New(rand.NewSource(req.Seed)),
		Logger:         c.logger,
	})
	if err != nil {
		return OptimizeSummary{}, err
	}

	res, err := session.Run(ctx)
	if err != nil {
		return OptimizeSummary{}, err
	}
	summary := res.Summary

	if err := c.persist(ctx, req, res, tree, memory); err != nil {
		return OptimizeSummary{}, err
	}

	return OptimizeSummary{
		EpisodeID:     summary.ID,
		StartFitness:  summary.StartFitness,
		BestFitness:   summary.BestFitness,
		Generations:   summary.Generations,
		Evaluations:   summary.Evaluations,
		UsedKnowledge: summary.UsedKnowledge,
		Best:          res.Best,
		History:       res.History,
		Phases:        summary.Phases,
	}, nil
}

func (c *Client) evaluator(req OptimizeRequest, groups *phase.GroupSet) (search.Evaluator, error) {
	if req.Evaluator != nil {
		ev := req.Evaluator
		return search.EvaluatorFunc(func(ctx context.Context, genome []float64) (float64, map[string]float64, error) {
			return ev.Evaluate(ctx, genome)
		}), nil
	}
	if len(req.Target) == 0 {
		return nil, errors.New("either an evaluator or a target vector is required")
	}
	if len(req.Target) != len(req.Values) {
		return nil, fmt.Errorf("target length %d does not match genome %d", len(req.Target), len(req.Values))
	}
	return search.NewProximityEvaluator(req.Target, groups)
}

func (c *Client) loadKnowledge(ctx context.Context, genomeSize int) (*knowledge.Tree, error) {
	snap, ok, err := c.store.GetKnowledge(ctx, c.profile)
	if err != nil {
		return nil, fmt.Errorf("load knowledge: %w", err)
	}
	if !ok {
		return knowledge.NewTree(genomeSize, knowledge.Config{})
	}
	if snap.GenomeSize != genomeSize {
		return nil, fmt.Errorf("knowledge profile %q has genome size %d, want %d",
			c.profile, snap.GenomeSize, genomeSize)
	}
	return knowledge.FromSnapshot(snap, knowledge.Config{})
}

func (c *Client) loadStrategy(ctx context.Context) (*strategy.Memory, error) {
	snap, ok, err := c.store.GetStrategy(ctx, c.profile)
	if err != nil {
		return nil, fmt.Errorf("load strategy: %w", err)
	}
	if !ok {
		return strategy.NewMemory(strategy.Config{}), nil
	}
	return strategy.FromSnapshot(snap, strategy.Config{})
}

func (c *Client) persist(ctx context.Context, req OptimizeRequest, res search.Result, tree *knowledge.Tree, memory *strategy.Memory) error {
	summary := res.Summary
	summary.VersionedRecord = storage.Stamp()
	if err := c.store.SaveEpisode(ctx, summary); err != nil {
		return fmt.Errorf("save episode: %w", err)
	}
	if err := c.store.SaveFitnessHistory(ctx, summary.ID, res.History); err != nil {
		return fmt.Errorf("save fitness history: %w", err)
	}

	best := model.Genome{
		ID:     summary.ID + "-best",
		Values: res.Best,
		Bounds: req.Bounds,
	}
	best.VersionedRecord = storage.Stamp()
	if err := c.store.SaveGenome(ctx, best); err != nil {
		return fmt.Errorf("save genome: %w", err)
	}

	kSnap := tree.Snapshot()
	kSnap.VersionedRecord = storage.Stamp()
	if err := c.store.SaveKnowledge(ctx, c.profile, kSnap); err != nil {
		return fmt.Errorf("save knowledge: %w", err)
	}

	sSnap := memory.Snapshot()
	sSnap.VersionedRecord = storage.Stamp()
	if err := c.store.SaveStrategy(ctx, c.profile, sSnap); err != nil {
		return fmt.Errorf("save strategy: %w", err)
	}
	return nil
}

func (c *Client) Episodes(ctx context.Context) ([]model.EpisodeSummary, error) {
	return c.store.ListEpisodes(ctx)
}

func (c *Client) Episode(ctx context.Context, id string) (model.EpisodeSummary, error) {
	summary, ok, err := c.store.GetEpisode(ctx, id)
	if err != nil {
		return model.EpisodeSummary{}, err
	}
	if !ok {
		return model.EpisodeSummary{}, fmt.Errorf("episode %q not found", id)
	}
	return summary, nil
}

func (c *Client) FitnessHistory(ctx context.Context, episodeID string) ([]float64, error) {
	history, ok, err := c.store.GetFitnessHistory(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no fitness history for episode %q", episodeID)
	}
	return history, nil
}

func (c *Client) Knowledge(ctx context.Context) (KnowledgeStatus, error) {
	snap, ok, err := c.store.GetKnowledge(ctx, c.profile)
	if err != nil {
		return KnowledgeStatus{}, err
	}
	status := KnowledgeStatus{Profile: c.profile}
	if !ok {
		return status, nil
	}
	status.GenomeSize = snap.GenomeSize
	status.Nodes = len(snap.Nodes)
	status.Tick = snap.Tick
	status.LearnCalls = snap.LearnCalls
	return status, nil
}

// ResetKnowledge discards the profile's knowledge and strategy state by
// overwriting both with empty stamped snapshots.
func (c *Client) ResetKnowledge(ctx context.Context, genomeSize int) error {
	if genomeSize <= 0 {
		return errors.New("genome size must be positive")
	}
	tree, err := knowledge.NewTree(genomeSize, knowledge.Config{})
	if err != nil {
		return err
	}
	kSnap := tree.Snapshot()
	kSnap.VersionedRecord = storage.Stamp()
	if err := c.store.SaveKnowledge(ctx, c.profile, kSnap); err != nil {
		return err
	}
	sSnap := strategy.NewMemory(strategy.Config{}).Snapshot()
	sSnap.VersionedRecord = storage.Stamp()
	return c.store.SaveStrategy(ctx, c.profile, sSnap)
}

// defaultStages is a broad-to-fine plan over all dimensions. Callers with
// feature groups supply their own staged plan.
func defaultStages() []phase.Stage {
	return []phase.Stage{
		{
			Name:          "broad",
			Description:   "coarse placement with wide steps",
			MinIterations: 20,
			MaxIterations: 120,
			SigmaMin:      0.05,
			SigmaMax:      0.4,
		},
		{
			Name:          "refine",
			Description:   "narrowing around the best candidate",
			MinIterations: 20,
			MaxIterations: 120,
			SigmaMin:      0.01,
			SigmaMax:      0.15,
		},
		{
			Name:          "polish",
			Description:   "small-step final adjustment",
			MinIterations: 10,
			MaxIterations: 80,
			SigmaMin:      1e-3,
			SigmaMax:      0.05,
		},
	}
}
