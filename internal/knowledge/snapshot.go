package knowledge

import (
	"fmt"
	"sort"
	"strings"

	"likeness/internal/model"
)

// Snapshot captures the live tree in its persisted form. Dead arena slots
// are compacted out and child indices remapped, so the snapshot reproduces
// identical StartingVector results after a round trip.
func (t *Tree) Snapshot() model.KnowledgeSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	remap := make(map[int]int, len(t.nodes))
	live := make([]int, 0, len(t.nodes))
	for idx, n := range t.nodes {
		if n.dead {
			continue
		}
		remap[idx] = len(live)
		live = append(live, idx)
	}

	records := make([]model.KnowledgeNodeRecord, len(live))
	for at, idx := range live {
		n := t.nodes[idx]
		record := model.KnowledgeNodeRecord{
			Dimension:       n.dimension,
			Value:           n.value,
			UseCount:        n.useCount,
			SuccessCount:    n.successCount,
			OutcomeVariance: n.outcomeVariance,
			Health:          n.health,
			LastUsedTick:    n.lastUsedTick,
			NeedsSplit:      n.needsSplit,
		}
		if len(n.deltas) > 0 {
			record.Deltas = copyDeltas(n.deltas)
		}
		if len(n.variance) > 0 {
			record.Variance = copyDeltas(n.variance)
		}
		if len(n.recent) > 0 {
			record.RecentOutcomes = append([]float64(nil), n.recent...)
		}
		if len(n.valueOutcomes) > 0 {
			record.ValueOutcomes = make(map[string]model.Outcome, len(n.valueOutcomes))
			for key, agg := range n.valueOutcomes {
				record.ValueOutcomes[key] = agg
			}
		}
		for _, child := range n.children {
			if t.nodes[child].dead {
				continue
			}
			record.Children = append(record.Children, remap[child])
		}
		records[at] = record
	}

	sharedKeys := make([]string, 0, len(t.shared))
	for key := range t.shared {
		sharedKeys = append(sharedKeys, key)
	}
	sort.Strings(sharedKeys)
	shared := make([]model.SharedFeatureRecord, 0, len(sharedKeys))
	for _, key := range sharedKeys {
		entry := t.shared[key]
		dimension, value, _ := strings.Cut(key, "=")
		shared = append(shared, model.SharedFeatureRecord{
			Dimension:    dimension,
			Value:        value,
			Deltas:       copyDeltas(entry.deltas),
			UseCount:     entry.useCount,
			SuccessCount: entry.successCount,
		})
	}

	groupKeys := make([]string, 0, len(t.groups))
	for key := range t.groups {
		groupKeys = append(groupKeys, key)
	}
	sort.Strings(groupKeys)
	groups := make([]model.GroupAggregateRecord, 0, len(groupKeys))
	for _, key := range groupKeys {
		agg := t.groups[key]
		groups = append(groups, model.GroupAggregateRecord{
			Dimension: key,
			Deltas:    copyDeltas(agg.deltas),
			Count:     agg.count,
		})
	}

	return model.KnowledgeSnapshot{
		GenomeSize: t.genomeSize,
		Tick:       t.tick,
		LearnCalls: t.learnCalls,
		Nodes:      records,
		Shared:     shared,
		Groups:     groups,
	}
}

// FromSnapshot rebuilds a tree, defaulting fields absent from older
// snapshots (zero health becomes full health, missing maps become empty).
func FromSnapshot(snap model.KnowledgeSnapshot, cfg Config) (*Tree, error) {
	if snap.GenomeSize < 1 {
		return nil, fmt.Errorf("snapshot genome size must be >= 1, got %d", snap.GenomeSize)
	}

	t, err := NewTree(snap.GenomeSize, cfg)
	if err != nil {
		return nil, err
	}
	t.tick = snap.Tick
	t.learnCalls = snap.LearnCalls

	if len(snap.Nodes) == 0 {
		return t, nil
	}

	nodes := make([]*node, len(snap.Nodes))
	for idx, record := range snap.Nodes {
		n := newNode(record.Dimension, record.Value)
		n.useCount = record.UseCount
		n.successCount = record.SuccessCount
		n.outcomeVariance = record.OutcomeVariance
		n.lastUsedTick = record.LastUsedTick
		n.needsSplit = record.NeedsSplit
		n.health = record.Health
		if n.health <= 0 {
			n.health = healthCeiling
		}
		for i, d := range record.Deltas {
			n.deltas[i] = d
		}
		for i, v := range record.Variance {
			n.variance[i] = v
		}
		n.recent = append([]float64(nil), record.RecentOutcomes...)
		for key, agg := range record.ValueOutcomes {
			n.valueOutcomes[key] = agg
		}
		for _, child := range record.Children {
			if child < 0 || child >= len(snap.Nodes) {
				return nil, fmt.Errorf("snapshot node %d references invalid child %d", idx, child)
			}
			n.children = append(n.children, child)
		}
		nodes[idx] = n
	}
	t.nodes = nodes

	for _, record := range snap.Shared {
		entry := &sharedEntry{
			deltas:       map[int]float64{},
			useCount:     record.UseCount,
			successCount: record.SuccessCount,
		}
		for i, d := range record.Deltas {
			entry.deltas[i] = d
		}
		t.shared[featureKey(record.Dimension, record.Value)] = entry
	}

	for _, record := range snap.Groups {
		agg := &groupAggregate{deltas: map[int]float64{}, count: record.Count}
		for i, d := range record.Deltas {
			agg.deltas[i] = d
		}
		t.groups[record.Dimension] = agg
	}

	return t, nil
}

func copyDeltas(src map[int]float64) map[int]float64 {
	out := make(map[int]float64, len(src))
	for i, v := range src {
		out[i] = v
	}
	return out
}
