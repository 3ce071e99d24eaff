package knowledge

import (
	"math"
	"testing"

	"likeness/internal/model"
)

func TestSplitHighVarianceLeaf(t *testing.T) {
	recent := make([]float64, 12)
	for i := range recent {
		if i%2 == 0 {
			recent[i] = 0.9
		} else {
			recent[i] = 0.1
		}
	}
	snap := model.KnowledgeSnapshot{
		GenomeSize: 4,
		Tick:       10,
		Nodes: []model.KnowledgeNodeRecord{
			{Children: []int{1}},
			{
				Dimension:      "style",
				Value:          "x",
				UseCount:       20,
				SuccessCount:   12,
				NeedsSplit:     true,
				LastUsedTick:   10,
				RecentOutcomes: recent,
				ValueOutcomes: map[string]model.Outcome{
					"style=x": {Count: 20, Sum: 10.0},
					"eyes=e1": {Count: 8, Sum: 7.2},
					"eyes=e2": {Count: 12, Sum: 1.2},
				},
			},
		},
	}
	tree, err := FromSnapshot(snap, Config{})
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	report := tree.Maintain(10)
	if report.Splits != 1 {
		t.Fatalf("expected one split, got %+v", report)
	}

	out := tree.Snapshot()
	var parent *model.KnowledgeNodeRecord
	for i := range out.Nodes {
		if out.Nodes[i].Dimension == "style" {
			parent = &out.Nodes[i]
		}
	}
	if parent == nil {
		t.Fatal("split parent missing from snapshot")
	}
	if parent.NeedsSplit {
		t.Fatal("split must clear the needs-split flag")
	}
	if len(parent.Children) != 2 {
		t.Fatalf("split must produce exactly two children, got %d", len(parent.Children))
	}

	totalUse := 0
	sawOther := false
	for _, idx := range parent.Children {
		child := out.Nodes[idx]
		if child.Dimension != "eyes" {
			t.Fatalf("discriminator must be the eyes dimension, got %q", child.Dimension)
		}
		if child.Value == "*" {
			sawOther = true
		}
		totalUse += child.UseCount
	}
	if !sawOther {
		t.Fatal("split must produce an \"other\" child")
	}
	if totalUse != 20 {
		t.Fatalf("children must inherit the parent usage, got %d", totalUse)
	}
}

func TestMergeSimilarSiblings(t *testing.T) {
	snap := model.KnowledgeSnapshot{
		GenomeSize: 8,
		Tick:       10,
		Nodes: []model.KnowledgeNodeRecord{
			{Children: []int{1, 2}},
			{
				Dimension:       "eyes",
				Value:           "e1",
				UseCount:        10,
				SuccessCount:    9,
				LastUsedTick:    10,
				OutcomeVariance: 0.01,
				Deltas:          map[int]float64{2: 0.10, 5: 0.05},
			},
			{
				Dimension:       "eyes",
				Value:           "e2",
				UseCount:        6,
				SuccessCount:    5,
				LastUsedTick:    10,
				OutcomeVariance: 0.01,
				Deltas:          map[int]float64{2: 0.11, 5: 0.055},
			},
		},
	}
	tree, err := FromSnapshot(snap, Config{})
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	report := tree.Maintain(10)
	if report.Merges != 1 {
		t.Fatalf("expected one merge, got %+v", report)
	}
	if tree.NodeCount() != 2 {
		t.Fatalf("absorbed sibling must be dead, live nodes=%d", tree.NodeCount())
	}

	out := tree.Snapshot()
	var survivor *model.KnowledgeNodeRecord
	for i := range out.Nodes {
		if out.Nodes[i].Dimension == "eyes" {
			survivor = &out.Nodes[i]
		}
	}
	if survivor == nil {
		t.Fatal("survivor missing from snapshot")
	}
	if survivor.Value != "e1" {
		t.Fatalf("higher-usage sibling must survive, got %q", survivor.Value)
	}
	if survivor.UseCount != 16 || survivor.SuccessCount != 14 {
		t.Fatalf("counters must sum: use=%d success=%d", survivor.UseCount, survivor.SuccessCount)
	}
	want := (0.10*10 + 0.11*6) / 16
	if math.Abs(survivor.Deltas[2]-want) > 1e-12 {
		t.Fatalf("merged delta must be usage-weighted: got=%f want=%f", survivor.Deltas[2], want)
	}
}

func TestMergeSkipsDissimilarSiblings(t *testing.T) {
	snap := model.KnowledgeSnapshot{
		GenomeSize: 8,
		Tick:       10,
		Nodes: []model.KnowledgeNodeRecord{
			{Children: []int{1, 2}},
			{
				Dimension:    "eyes",
				Value:        "e1",
				UseCount:     10,
				SuccessCount: 9,
				LastUsedTick: 10,
				Deltas:       map[int]float64{2: 0.10},
			},
			{
				Dimension:    "eyes",
				Value:        "e2",
				UseCount:     10,
				SuccessCount: 9,
				LastUsedTick: 10,
				Deltas:       map[int]float64{5: -0.10},
			},
		},
	}
	tree, err := FromSnapshot(snap, Config{})
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}
	if report := tree.Maintain(10); report.Merges != 0 {
		t.Fatalf("orthogonal deltas must not merge, got %+v", report)
	}
}

func TestPruneStaleChildlessNode(t *testing.T) {
	snap := model.KnowledgeSnapshot{
		GenomeSize: 4,
		Tick:       10,
		Nodes: []model.KnowledgeNodeRecord{
			{Children: []int{1, 2}},
			{
				Dimension:    "style",
				Value:        "stale",
				UseCount:     2,
				SuccessCount: 0,
				LastUsedTick: 0,
			},
			{
				Dimension:    "style",
				Value:        "fresh",
				UseCount:     2,
				SuccessCount: 0,
				LastUsedTick: 990,
			},
		},
	}
	tree, err := FromSnapshot(snap, Config{})
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	report := tree.Maintain(1000)
	if report.Prunes != 1 {
		t.Fatalf("expected one prune, got %+v", report)
	}
	if tree.NodeCount() != 2 {
		t.Fatalf("expected root plus fresh node, got %d", tree.NodeCount())
	}

	out := tree.Snapshot()
	for _, record := range out.Nodes {
		if record.Value == "stale" {
			t.Fatal("stale node survived the prune")
		}
	}
}

func TestPruneKeepsConfidentNodes(t *testing.T) {
	snap := model.KnowledgeSnapshot{
		GenomeSize: 4,
		Tick:       10,
		Nodes: []model.KnowledgeNodeRecord{
			{Children: []int{1}},
			{
				Dimension:    "style",
				Value:        "proven",
				UseCount:     20,
				SuccessCount: 18,
				LastUsedTick: 0,
			},
		},
	}
	tree, err := FromSnapshot(snap, Config{})
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}
	if report := tree.Maintain(1000); report.Prunes != 0 {
		t.Fatalf("confident node must survive staleness, got %+v", report)
	}
}

func TestHealthDecaysOnLogicalClock(t *testing.T) {
	snap := model.KnowledgeSnapshot{
		GenomeSize: 4,
		Tick:       400,
		Nodes: []model.KnowledgeNodeRecord{
			{Children: []int{1}},
			{
				Dimension:    "style",
				Value:        "idle",
				UseCount:     5,
				SuccessCount: 0,
				LastUsedTick: 0,
				Health:       1.0,
			},
		},
	}
	tree, err := FromSnapshot(snap, Config{})
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	sig := model.Signature{{Dimension: "style", Value: "idle"}}
	// Two half-lives of disuse and no successes: 1.0 halves twice.
	if h := tree.Health(sig); math.Abs(h-0.25) > 1e-9 {
		t.Fatalf("health after two half-lives: got=%f want=0.25", h)
	}

	// Health never drops below its floor regardless of staleness.
	snap.Tick = 10_000
	tree, err = FromSnapshot(snap, Config{})
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}
	if h := tree.Health(sig); h != healthFloor {
		t.Fatalf("health floor violated: %f", h)
	}
}
