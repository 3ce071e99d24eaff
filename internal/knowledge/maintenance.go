package knowledge

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// MaintenanceReport summarizes one maintenance sweep.
type MaintenanceReport struct {
	Splits int
	Merges int
	Prunes int
}

// Maintain runs the split, merge, and prune passes deepest-first. Health is
// derived on read from the logical clock, never rewritten here.
func (t *Tree) Maintain(tick uint64) MaintenanceReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tick > t.tick {
		t.tick = tick
	}

	var report MaintenanceReport
	for _, idx := range t.deepestFirst() {
		if t.nodes[idx].dead {
			continue
		}
		if t.splitNode(idx) {
			report.Splits++
		}
		report.Merges += t.mergeChildren(idx)
		report.Prunes += t.pruneChildren(idx)
	}
	return report
}

func (t *Tree) deepestFirst() []int {
	depth := make([]int, len(t.nodes))
	order := []int{0}
	for cursor := 0; cursor < len(order); cursor++ {
		parent := order[cursor]
		for _, child := range t.nodes[parent].children {
			if t.nodes[child].dead {
				continue
			}
			depth[child] = depth[parent] + 1
			order = append(order, child)
		}
	}
	out := append([]int(nil), order...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && depth[out[j]] > depth[out[j-1]]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// splitNode divides a high-variance leaf along its best discriminating
// feature value: one child for signatures carrying that value, one for the
// rest. The children inherit the leaf's usage proportionally.
func (t *Tree) splitNode(idx int) bool {
	n := t.nodes[idx]
	if !n.needsSplit || len(n.children) != 0 {
		return false
	}
	if len(n.recent) < t.cfg.SplitMinSamples || n.useCount == 0 {
		n.needsSplit = false
		return false
	}

	overall := stat.Mean(n.recent, nil)
	bestKey := ""
	bestSep := 0.0
	for key, agg := range n.valueOutcomes {
		if agg.Count < t.cfg.SplitMinValueSamples || agg.Count >= n.useCount {
			continue
		}
		sep := math.Abs(agg.Sum/float64(agg.Count) - overall)
		if sep > bestSep {
			bestSep = sep
			bestKey = key
		}
	}
	if bestKey == "" || bestSep < t.cfg.SplitSeparation {
		n.needsSplit = false
		return false
	}

	dimension, value, ok := strings.Cut(bestKey, "=")
	if !ok {
		n.needsSplit = false
		return false
	}

	agg := n.valueOutcomes[bestKey]
	matched := newNode(dimension, value)
	other := newNode(dimension, anyValue)

	matched.useCount = agg.Count
	other.useCount = n.useCount - agg.Count
	matchedSuccess := int(math.Round(float64(n.successCount) * float64(agg.Count) / float64(n.useCount)))
	matched.successCount = matchedSuccess
	other.successCount = n.successCount - matchedSuccess
	matched.lastUsedTick = n.lastUsedTick
	other.lastUsedTick = n.lastUsedTick

	matchedIdx := len(t.nodes)
	t.nodes = append(t.nodes, matched)
	otherIdx := len(t.nodes)
	t.nodes = append(t.nodes, other)
	n.children = append(n.children, matchedIdx, otherIdx)

	n.needsSplit = false
	n.recent = nil
	n.outcomeVariance = 0
	return true
}

// mergeChildren folds statistically stable, delta-similar siblings on the
// same dimension into one node, usage-weighted, reparenting the absorbed
// node's children.
func (t *Tree) mergeChildren(parent int) int {
	merges := 0
	children := t.nodes[parent].children

	for restart := true; restart; {
		restart = false
		for a := 0; a < len(children) && !restart; a++ {
			na := t.nodes[children[a]]
			if na.dead || !t.mergeEligible(na) {
				continue
			}
			for b := a + 1; b < len(children); b++ {
				nb := t.nodes[children[b]]
				if nb.dead || nb.dimension != na.dimension || !t.mergeEligible(nb) {
					continue
				}
				if cosineSimilarity(na.deltas, nb.deltas) <= t.cfg.MergeSimilarity {
					continue
				}
				survivorAt, absorbedAt := a, b
				if nb.useCount > na.useCount {
					survivorAt, absorbedAt = b, a
				}
				t.merge(children[survivorAt], children[absorbedAt])
				children = removeChild(children, children[absorbedAt])
				t.nodes[parent].children = children
				merges++
				restart = true
				break
			}
		}
	}
	return merges
}

func (t *Tree) mergeEligible(n *node) bool {
	return n.outcomeVariance <= t.cfg.MergeMaxVariance && n.useCount >= t.cfg.MergeMinUse
}

func (t *Tree) merge(survivorIdx, absorbedIdx int) {
	s := t.nodes[survivorIdx]
	a := t.nodes[absorbedIdx]
	totalUse := float64(s.useCount + a.useCount)

	indexSet := map[int]struct{}{}
	for i := range s.deltas {
		indexSet[i] = struct{}{}
	}
	for i := range a.deltas {
		indexSet[i] = struct{}{}
	}
	for i := range indexSet {
		s.deltas[i] = (s.deltas[i]*float64(s.useCount) + a.deltas[i]*float64(a.useCount)) / totalUse
		s.variance[i] = (s.variance[i]*float64(s.useCount) + a.variance[i]*float64(a.useCount)) / totalUse
	}

	s.useCount += a.useCount
	s.successCount += a.successCount
	for key, agg := range a.valueOutcomes {
		existing := s.valueOutcomes[key]
		existing.Count += agg.Count
		existing.Sum += agg.Sum
		s.valueOutcomes[key] = existing
	}
	s.recent = append(s.recent, a.recent...)
	if len(s.recent) > t.cfg.RecentWindow {
		s.recent = s.recent[len(s.recent)-t.cfg.RecentWindow:]
	}
	if len(s.recent) > 1 {
		s.outcomeVariance = stat.Variance(s.recent, nil)
	}
	if a.lastUsedTick > s.lastUsedTick {
		s.lastUsedTick = a.lastUsedTick
	}
	s.children = append(s.children, a.children...)
	a.children = nil
	a.dead = true
}

// pruneChildren drops stale, low-confidence leaves.
func (t *Tree) pruneChildren(parent int) int {
	prunes := 0
	kept := t.nodes[parent].children[:0]
	for _, idx := range t.nodes[parent].children {
		child := t.nodes[idx]
		if child.dead {
			continue
		}
		stale := t.tick > child.lastUsedTick && t.tick-child.lastUsedTick > t.cfg.PruneStaleTicks
		if stale && len(child.children) == 0 && child.confidence(t.cfg.ConfidenceSaturation) < t.cfg.PruneMaxConfidence {
			child.dead = true
			prunes++
			continue
		}
		kept = append(kept, idx)
	}
	t.nodes[parent].children = kept
	return prunes
}

func removeChild(children []int, target int) []int {
	out := children[:0]
	for _, idx := range children {
		if idx != target {
			out = append(out, idx)
		}
	}
	return out
}
