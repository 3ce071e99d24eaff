package search

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"likeness/internal/knowledge"
	"likeness/internal/model"
	"likeness/internal/phase"
	"likeness/internal/strategy"
)

func testGroups(t *testing.T) *phase.GroupSet {
	t.Helper()
	groups, err := phase.NewGroupSet(4, map[string][]int{
		"shape":  {0, 1},
		"detail": {2, 3},
	})
	if err != nil {
		t.Fatalf("group set: %v", err)
	}
	return groups
}

func testGenome() model.Genome {
	return model.Genome{
		ID:     "base",
		Values: []float64{0.5, 0.5, 0.5, 0.5},
	}
}

func singleStage(groups *phase.GroupSet) phase.Config {
	return phase.Config{
		Groups: groups,
		Stages: []phase.Stage{
			{
				Name:          "full",
				MinIterations: 20,
				MaxIterations: 400,
				SigmaMin:      1e-4,
				SigmaMax:      0.3,
			},
		},
	}
}

func TestNewSessionValidation(t *testing.T) {
	groups := testGroups(t)
	evaluator, err := NewProximityEvaluator([]float64{0.8, 0.2, 0.8, 0.2}, groups)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing genome", Config{Evaluator: evaluator, Rand: rand.New(rand.NewSource(1)), Phase: singleStage(groups)}},
		{"missing evaluator", Config{Genome: testGenome(), Rand: rand.New(rand.NewSource(1)), Phase: singleStage(groups)}},
		{"missing rand", Config{Genome: testGenome(), Evaluator: evaluator, Phase: singleStage(groups)}},
	}
	for _, tc := range cases {
		if _, err := NewSession(tc.cfg); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestSessionConvergesOnProximityTarget(t *testing.T) {
	groups := testGroups(t)
	target := []float64{0.8, 0.2, 0.8, 0.2}
	evaluator, err := NewProximityEvaluator(target, groups)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}

	session, err := NewSession(Config{
		Genome:         testGenome(),
		Evaluator:      evaluator,
		Phase:          singleStage(groups),
		MaxGenerations: 400,
		Rand:           rand.New(rand.NewSource(42)),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	res, err := session.Run(context.Background())
	summary := res.Summary
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.ID == "" {
		t.Fatal("episode id must be assigned")
	}
	if summary.BestFitness < summary.StartFitness {
		t.Fatalf("best fitness regressed: start=%f best=%f", summary.StartFitness, summary.BestFitness)
	}
	if summary.BestFitness < 0.9 {
		t.Fatalf("search failed to approach the target: %f", summary.BestFitness)
	}
	if summary.Generations == 0 || summary.Evaluations <= summary.Generations {
		t.Fatalf("implausible counters: generations=%d evaluations=%d", summary.Generations, summary.Evaluations)
	}
	if len(summary.Phases) == 0 {
		t.Fatal("phase diagnostics must be recorded")
	}
	if summary.UsedKnowledge {
		t.Fatal("no tree was configured, knowledge must not be flagged")
	}
	if len(res.Best) != 4 {
		t.Fatalf("best genome must be returned, got %v", res.Best)
	}
	if len(res.History) != summary.Generations+1 {
		t.Fatalf("history must trace every generation: len=%d generations=%d", len(res.History), summary.Generations)
	}
	for i := 1; i < len(res.History); i++ {
		if res.History[i] < res.History[i-1] {
			t.Fatalf("best-fitness trace must be non-decreasing at %d: %f -> %f", i, res.History[i-1], res.History[i])
		}
	}
}

func TestSessionStagesProgressInOrder(t *testing.T) {
	groups := testGroups(t)
	target := []float64{0.8, 0.2, 0.8, 0.2}
	evaluator, err := NewProximityEvaluator(target, groups)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}

	cfg := phase.Config{
		Groups: groups,
		Stages: []phase.Stage{
			{Name: "shape", MaxIterations: 60, SigmaMin: 1e-3, SigmaMax: 0.3, Groups: []string{"shape"}},
			{Name: "detail", MaxIterations: 120, SigmaMin: 1e-4, SigmaMax: 0.2},
		},
	}
	session, err := NewSession(Config{
		Genome:         testGenome(),
		Evaluator:      evaluator,
		Phase:          cfg,
		MaxGenerations: 200,
		Tolerance:      1e-9,
		Workers:        4,
		Rand:           rand.New(rand.NewSource(7)),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	res, err := session.Run(context.Background())
	summary := res.Summary
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(summary.Phases) < 2 {
		t.Fatalf("both stages must appear in diagnostics, got %+v", summary.Phases)
	}
	if summary.Phases[0].Phase != "shape" || summary.Phases[1].Phase != "detail" {
		t.Fatalf("stages out of order: %+v", summary.Phases)
	}
	if summary.Phases[0].Iterations == 0 {
		t.Fatal("stage iterations must be counted")
	}
}

func TestSessionLearnsIntoTree(t *testing.T) {
	groups := testGroups(t)
	target := []float64{0.8, 0.2, 0.8, 0.2}
	evaluator, err := NewProximityEvaluator(target, groups)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	tree, err := knowledge.NewTree(4, knowledge.Config{})
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	sig := model.Signature{{Dimension: "gender", Value: "female"}}

	session, err := NewSession(Config{
		Genome:         testGenome(),
		Signature:      sig,
		Evaluator:      evaluator,
		Phase:          singleStage(groups),
		Tree:           tree,
		MaxGenerations: 400,
		Rand:           rand.New(rand.NewSource(3)),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := session.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if tree.LearnCalls() != 1 {
		t.Fatalf("episode must learn exactly once, got %d", tree.LearnCalls())
	}
	if tree.Tick() == 0 {
		t.Fatal("learning must advance the logical clock")
	}
}

func TestSessionUsesKnowledgeSeed(t *testing.T) {
	groups := testGroups(t)
	target := []float64{0.8, 0.2, 0.8, 0.2}
	evaluator, err := NewProximityEvaluator(target, groups)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	sig := model.Signature{{Dimension: "gender", Value: "female"}}

	// Teach the tree the exact winning deltas so the seed is usable.
	tree, err := knowledge.NewTree(4, knowledge.Config{})
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	start := []float64{0.5, 0.5, 0.5, 0.5}
	for i := 0; i < 20; i++ {
		if err := tree.Learn(sig, start, target, 0.5, uint64(i+1)); err != nil {
			t.Fatalf("teach: %v", err)
		}
	}

	session, err := NewSession(Config{
		Genome:         testGenome(),
		Signature:      sig,
		Evaluator:      evaluator,
		Phase:          singleStage(groups),
		Tree:           tree,
		MaxGenerations: 50,
		Rand:           rand.New(rand.NewSource(11)),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	res, err := session.Run(context.Background())
	summary := res.Summary
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !summary.UsedKnowledge {
		t.Fatal("a taught tree must seed the episode")
	}
	// The seed lands near the target, so the episode starts far ahead of
	// the unseeded baseline fitness.
	if summary.StartFitness < 0.8 {
		t.Fatalf("knowledge seed was not applied: start fitness %f", summary.StartFitness)
	}
}

func TestSessionRecordsStrategy(t *testing.T) {
	groups := testGroups(t)
	evaluator, err := NewProximityEvaluator([]float64{0.8, 0.2, 0.8, 0.2}, groups)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	memory := strategy.NewMemory(strategy.Config{})

	session, err := NewSession(Config{
		Genome:         testGenome(),
		Evaluator:      evaluator,
		Phase:          singleStage(groups),
		Strategy:       memory,
		MaxGenerations: 30,
		Rand:           rand.New(rand.NewSource(5)),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := session.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if memory.Recordings() == 0 {
		t.Fatal("every generation must record into the strategy memory")
	}
}

func TestSessionPropagatesEvaluatorError(t *testing.T) {
	groups := testGroups(t)
	failing := EvaluatorFunc(func(ctx context.Context, genome []float64) (float64, map[string]float64, error) {
		return 0, nil, fmt.Errorf("scorer offline")
	})

	session, err := NewSession(Config{
		Genome:    testGenome(),
		Evaluator: failing,
		Phase:     singleStage(groups),
		Rand:      rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := session.Run(context.Background()); err == nil {
		t.Fatal("evaluator failure must surface")
	}
}

func TestProximityEvaluatorGroupScores(t *testing.T) {
	groups := testGroups(t)
	target := []float64{0.8, 0.2, 0.8, 0.2}
	evaluator, err := NewProximityEvaluator(target, groups)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}

	fit, scores, err := evaluator.Evaluate(context.Background(), target)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fit != 1 {
		t.Fatalf("exact match must score 1, got %f", fit)
	}
	for name, score := range scores {
		if score != 1 {
			t.Fatalf("group %s must score 1 on exact match, got %f", name, score)
		}
	}

	_, scores, err = evaluator.Evaluate(context.Background(), []float64{0.8, 0.2, 0.5, 0.5})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if scores["shape"] != 1 {
		t.Fatalf("shape group must be perfect, got %f", scores["shape"])
	}
	want := 1 - (0.09+0.09)/2
	if math.Abs(scores["detail"]-want) > 1e-12 {
		t.Fatalf("detail group score: got=%f want=%f", scores["detail"], want)
	}
}
