package storage

import (
	"context"
	"testing"

	"likeness/internal/model"
)

func TestMemoryStoreGenomeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	genome := model.Genome{
		VersionedRecord: Stamp(),
		ID:              "g1",
		Values:          []float64{0.1, 0.9, 0.5},
		Bounds:          []model.Bound{{Min: 0, Max: 1}, {Min: 0, Max: 1}, {Min: -1, Max: 1}},
	}
	if err := store.SaveGenome(ctx, genome); err != nil {
		t.Fatalf("save genome: %v", err)
	}

	loaded, ok, err := store.GetGenome(ctx, "g1")
	if err != nil {
		t.Fatalf("get genome: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted genome")
	}
	if len(loaded.Values) != 3 || loaded.Values[1] != 0.9 {
		t.Fatalf("unexpected genome: %+v", loaded)
	}
}

func TestMemoryStoreKnowledgeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	snapshot := model.KnowledgeSnapshot{
		VersionedRecord: Stamp(),
		GenomeSize:      8,
		Tick:            42,
		LearnCalls:      7,
		Nodes: []model.KnowledgeNodeRecord{
			{Children: []int{1}},
			{Dimension: "gender", Value: "female", UseCount: 5, SuccessCount: 4,
				Deltas: map[int]float64{3: 0.12}},
		},
	}
	if err := store.SaveKnowledge(ctx, "faces", snapshot); err != nil {
		t.Fatalf("save knowledge: %v", err)
	}

	loaded, ok, err := store.GetKnowledge(ctx, "faces")
	if err != nil {
		t.Fatalf("get knowledge: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted knowledge")
	}
	if loaded.Tick != 42 || len(loaded.Nodes) != 2 {
		t.Fatalf("unexpected knowledge: %+v", loaded)
	}

	if _, ok, err := store.GetKnowledge(ctx, "voices"); err != nil || ok {
		t.Fatalf("unknown profile must miss cleanly: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreStrategyRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	snapshot := model.StrategySnapshot{
		VersionedRecord:  Stamp(),
		Recordings:       120,
		CacheProbability: 0.6,
		PhaseSigma:       map[string]float64{"broad": 0.25},
	}
	if err := store.SaveStrategy(ctx, "faces", snapshot); err != nil {
		t.Fatalf("save strategy: %v", err)
	}

	loaded, ok, err := store.GetStrategy(ctx, "faces")
	if err != nil {
		t.Fatalf("get strategy: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted strategy")
	}
	if loaded.Recordings != 120 || loaded.PhaseSigma["broad"] != 0.25 {
		t.Fatalf("unexpected strategy: %+v", loaded)
	}
}

func TestMemoryStoreEpisodeListing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, id := range []string{"ep-b", "ep-a"} {
		summary := model.EpisodeSummary{VersionedRecord: Stamp(), ID: id, BestFitness: 0.9}
		if err := store.SaveEpisode(ctx, summary); err != nil {
			t.Fatalf("save episode: %v", err)
		}
	}

	episodes, err := store.ListEpisodes(ctx)
	if err != nil {
		t.Fatalf("list episodes: %v", err)
	}
	if len(episodes) != 2 || episodes[0].ID != "ep-a" || episodes[1].ID != "ep-b" {
		t.Fatalf("unexpected listing: %+v", episodes)
	}

	loaded, ok, err := store.GetEpisode(ctx, "ep-b")
	if err != nil || !ok {
		t.Fatalf("get episode: ok=%v err=%v", ok, err)
	}
	if loaded.BestFitness != 0.9 {
		t.Fatalf("unexpected episode: %+v", loaded)
	}
}

func TestMemoryStoreFitnessHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := []float64{0.1, 0.2, 0.3}
	if err := store.SaveFitnessHistory(ctx, "ep-1", input); err != nil {
		t.Fatalf("save history: %v", err)
	}
	output, ok, err := store.GetFitnessHistory(ctx, "ep-1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted fitness history")
	}
	if len(output) != len(input) || output[2] != input[2] {
		t.Fatalf("unexpected history: %+v", output)
	}

	// The store hands out copies, not aliases.
	output[0] = 99
	again, _, err := store.GetFitnessHistory(ctx, "ep-1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if again[0] != 0.1 {
		t.Fatalf("stored history was mutated through a returned slice: %+v", again)
	}
}
