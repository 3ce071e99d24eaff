package knowledge

import (
	"fmt"
	"math"
	"sync"

	"likeness/internal/model"
)

type Config struct {
	MinConfidence        float64 // lookup gate for shared entries and nodes
	MinUseCount          int     // lookup gate for tree nodes
	SignificantDelta     float64 // per-index magnitude worth learning
	BaseLearningRate     float64
	DepthLearningGain    float64 // deeper nodes blend faster
	VarianceDecay        float64 // EMA factor for per-index variance
	RecentWindow         int
	ConfidenceSaturation int     // use count at which confidence stops growing
	SuccessImprovement   float64 // improvement counted as a success
	SplitStdDev          float64
	SplitMinSamples      int
	SplitMinValueSamples int
	SplitSeparation      float64
	MergeSimilarity      float64
	MergeMaxVariance     float64
	MergeMinUse          int
	PruneStaleTicks      uint64
	PruneMaxConfidence   float64
	HealthHalfLife       uint64
}

func normalizeConfig(cfg Config) Config {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.3
	}
	if cfg.MinUseCount <= 0 {
		cfg.MinUseCount = 3
	}
	if cfg.SignificantDelta <= 0 {
		cfg.SignificantDelta = 0.01
	}
	if cfg.BaseLearningRate <= 0 {
		cfg.BaseLearningRate = 0.25
	}
	if cfg.DepthLearningGain <= 0 {
		cfg.DepthLearningGain = 0.15
	}
	if cfg.VarianceDecay <= 0 || cfg.VarianceDecay >= 1 {
		cfg.VarianceDecay = 0.9
	}
	if cfg.RecentWindow <= 1 {
		cfg.RecentWindow = 20
	}
	if cfg.ConfidenceSaturation <= 0 {
		cfg.ConfidenceSaturation = 10
	}
	if cfg.SuccessImprovement <= 0 {
		cfg.SuccessImprovement = 0.05
	}
	if cfg.SplitStdDev <= 0 {
		cfg.SplitStdDev = 0.25
	}
	if cfg.SplitMinSamples <= 0 {
		cfg.SplitMinSamples = 10
	}
	if cfg.SplitMinValueSamples <= 0 {
		cfg.SplitMinValueSamples = 3
	}
	if cfg.SplitSeparation <= 0 {
		cfg.SplitSeparation = 0.15
	}
	if cfg.MergeSimilarity <= 0 {
		cfg.MergeSimilarity = 0.9
	}
	if cfg.MergeMaxVariance <= 0 {
		cfg.MergeMaxVariance = 0.1
	}
	if cfg.MergeMinUse <= 0 {
		cfg.MergeMinUse = 5
	}
	if cfg.PruneStaleTicks == 0 {
		cfg.PruneStaleTicks = 500
	}
	if cfg.PruneMaxConfidence <= 0 {
		cfg.PruneMaxConfidence = 0.2
	}
	if cfg.HealthHalfLife == 0 {
		cfg.HealthHalfLife = 200
	}
	return cfg
}

type sharedEntry struct {
	deltas       map[int]float64
	useCount     int
	successCount int
}

func (e *sharedEntry) confidence(saturation int) float64 {
	if e.useCount == 0 {
		return 0
	}
	rate := float64(e.successCount) / float64(e.useCount)
	volume := float64(e.useCount) / float64(saturation)
	if volume > 1 {
		volume = 1
	}
	return rate * volume
}

type groupAggregate struct {
	deltas map[int]float64
	count  int
}

// Tree is a self-organizing cache of learned genome deltas keyed by target
// classification. Lookups consult three layers: the global per-feature-value
// layer, the contextual tree (which stores only the residual beyond the
// global layer), and a coarse per-dimension aggregate fallback.
//
// Mutation happens only through Learn and Maintain, which serialize on the
// tree's write lock; StartingVector lookups may run concurrently.
type Tree struct {
	mu sync.RWMutex

	cfg        Config
	genomeSize int

	nodes  []*node // arena; index 0 is the root, which always exists
	shared map[string]*sharedEntry
	groups map[string]*groupAggregate

	tick       uint64
	learnCalls int
}

func NewTree(genomeSize int, cfg Config) (*Tree, error) {
	if genomeSize < 1 {
		return nil, fmt.Errorf("genome size must be >= 1, got %d", genomeSize)
	}
	return &Tree{
		cfg:        normalizeConfig(cfg),
		genomeSize: genomeSize,
		nodes:      []*node{newNode("", "")},
		shared:     map[string]*sharedEntry{},
		groups:     map[string]*groupAggregate{},
	}, nil
}

func featureKey(dimension, value string) string {
	return dimension + "=" + value
}

// StartingVector builds a biased starting delta for the classified target.
// A signature with no learned context yields an all-zero vector, which is a
// valid "no prior knowledge" signal, not an error.
func (t *Tree) StartingVector(sig model.Signature) []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]float64, t.genomeSize)
	contributed := false

	for _, fv := range sig {
		entry, ok := t.shared[featureKey(fv.Dimension, fv.Value)]
		if !ok || entry.confidence(t.cfg.ConfidenceSaturation) < t.cfg.MinConfidence {
			continue
		}
		for i, d := range entry.deltas {
			out[i] += d
		}
		contributed = true
	}

	cur := 0
	for {
		next := t.pickChild(cur, sig)
		if next < 0 {
			break
		}
		child := t.nodes[next]
		if child.confidence(t.cfg.ConfidenceSaturation) >= t.cfg.MinConfidence && child.useCount >= t.cfg.MinUseCount {
			for i, d := range child.deltas {
				out[i] += d
			}
			contributed = true
		}
		cur = next
	}

	if !contributed {
		for _, fv := range sig {
			agg, ok := t.groups[fv.Dimension]
			if !ok || agg.count < t.cfg.MinUseCount {
				continue
			}
			for i, sum := range agg.deltas {
				out[i] += sum / float64(agg.count)
			}
		}
	}

	for i := range out {
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			out[i] = 0
		}
	}
	return out
}

// pickChild prefers an exact feature-value match and falls back to a split's
// "other" child. A value never seen before matches nothing and the walk
// stops there.
func (t *Tree) pickChild(parent int, sig model.Signature) int {
	var fallback = -1
	for _, idx := range t.nodes[parent].children {
		child := t.nodes[idx]
		if child.dead {
			continue
		}
		if child.value == anyValue {
			if fallback < 0 {
				if _, ok := sig.Value(child.dimension); ok {
					fallback = idx
				}
			}
			continue
		}
		if v, ok := sig.Value(child.dimension); ok && v == child.value {
			return idx
		}
	}
	return fallback
}

// Learn folds an observed improvement back into all three layers. The tick
// is the caller's logical clock; health and staleness never read wall time.
// Improvements at or below zero are ignored entirely.
func (t *Tree) Learn(sig model.Signature, start, final []float64, improvement float64, tick uint64) error {
	if len(start) != t.genomeSize || len(final) != t.genomeSize {
		return fmt.Errorf("vector length mismatch: start=%d final=%d want=%d", len(start), len(final), t.genomeSize)
	}
	if improvement <= 0 || math.IsNaN(improvement) || math.IsInf(improvement, 0) {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if tick > t.tick {
		t.tick = tick
	}
	t.learnCalls++

	deltas := map[int]float64{}
	for i := range start {
		d := final[i] - start[i]
		if math.Abs(d) >= t.cfg.SignificantDelta && !math.IsNaN(d) && !math.IsInf(d, 0) {
			deltas[i] = d
		}
	}

	success := improvement >= t.cfg.SuccessImprovement
	rate := t.cfg.BaseLearningRate * (0.5 + math.Min(improvement, 1))
	if rate > 1 {
		rate = 1
	}

	// Layer one: the global per-feature-value layer absorbs the full delta.
	for _, fv := range sig {
		key := featureKey(fv.Dimension, fv.Value)
		entry, ok := t.shared[key]
		if !ok {
			entry = &sharedEntry{deltas: map[int]float64{}}
			t.shared[key] = entry
		}
		entry.useCount++
		if success {
			entry.successCount++
		}
		for i, d := range deltas {
			entry.deltas[i] += rate * (d - entry.deltas[i])
		}
	}

	// Coarse fallback layer keeps running sums per dimension.
	for _, fv := range sig {
		agg, ok := t.groups[fv.Dimension]
		if !ok {
			agg = &groupAggregate{deltas: map[int]float64{}}
			t.groups[fv.Dimension] = agg
		}
		agg.count++
		for i, d := range deltas {
			agg.deltas[i] += d
		}
	}

	// The tree stores only the residual the layers above it do not already
	// predict. The prediction accumulates down the path so deeper nodes
	// learn only what remains unexplained at their depth.
	predicted := make(map[int]float64, len(deltas))
	for i := range deltas {
		predicted[i] = t.sharedPrediction(sig, i)
	}

	cur := 0
	for depth, fv := range sig {
		next := t.findChild(cur, fv)
		if next < 0 {
			// Extend the path only when something unexplained remains to
			// store; counters still accumulate along existing branches.
			if !anySignificant(deltas, predicted, t.cfg.SignificantDelta) {
				break
			}
			next = t.createChild(cur, fv)
		}
		child := t.nodes[next]
		child.useCount++
		if success {
			child.successCount++
		}
		child.touch(t.tick)
		child.recordOutcome(improvement, t.cfg.RecentWindow)
		for _, other := range sig {
			child.recordValueOutcome(featureKey(other.Dimension, other.Value), improvement)
		}

		depthRate := rate * (1 + t.cfg.DepthLearningGain*float64(depth+1))
		if depthRate > 1 {
			depthRate = 1
		}
		for i, d := range deltas {
			r := d - predicted[i]
			if math.Abs(r) < t.cfg.SignificantDelta {
				continue
			}
			child.deltas[i] += depthRate * (r - child.deltas[i])
			child.variance[i] = t.cfg.VarianceDecay*child.variance[i] + (1-t.cfg.VarianceDecay)*r*r
		}
		if child.confidence(t.cfg.ConfidenceSaturation) >= t.cfg.MinConfidence && child.useCount >= t.cfg.MinUseCount {
			for i, d := range child.deltas {
				predicted[i] += d
			}
		}

		if len(child.children) == 0 &&
			len(child.recent) >= t.cfg.SplitMinSamples &&
			child.outcomeStdDev() > t.cfg.SplitStdDev {
			child.needsSplit = true
		}
		cur = next
	}
	return nil
}

// sharedPrediction is the confidence-gated global-layer estimate for one
// index, the baseline the contextual residual is measured against.
func (t *Tree) sharedPrediction(sig model.Signature, index int) float64 {
	total := 0.0
	for _, fv := range sig {
		entry, ok := t.shared[featureKey(fv.Dimension, fv.Value)]
		if !ok || entry.confidence(t.cfg.ConfidenceSaturation) < t.cfg.MinConfidence {
			continue
		}
		total += entry.deltas[index]
	}
	return total
}

func (t *Tree) findChild(parent int, fv model.FeatureValue) int {
	var fallback = -1
	for _, idx := range t.nodes[parent].children {
		child := t.nodes[idx]
		if child.dead || child.dimension != fv.Dimension {
			continue
		}
		if child.value == fv.Value {
			return idx
		}
		if child.value == anyValue && fallback < 0 {
			fallback = idx
		}
	}
	return fallback
}

func (t *Tree) createChild(parent int, fv model.FeatureValue) int {
	idx := len(t.nodes)
	t.nodes = append(t.nodes, newNode(fv.Dimension, fv.Value))
	t.nodes[parent].children = append(t.nodes[parent].children, idx)
	return idx
}

func anySignificant(deltas, predicted map[int]float64, threshold float64) bool {
	for i, d := range deltas {
		if math.Abs(d-predicted[i]) >= threshold {
			return true
		}
	}
	return false
}

func (t *Tree) Tick() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tick
}

func (t *Tree) LearnCalls() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.learnCalls
}

// NodeCount reports live nodes, including the root.
func (t *Tree) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, n := range t.nodes {
		if !n.dead {
			count++
		}
	}
	return count
}

// Health reports the decayed health of the node at the end of the matched
// signature path, for status reporting only; it gates nothing.
func (t *Tree) Health(sig model.Signature) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := 0
	for {
		next := t.pickChild(cur, sig)
		if next < 0 {
			break
		}
		cur = next
	}
	if cur == 0 {
		return healthCeiling
	}
	return t.nodes[cur].decayedHealth(t.tick, t.cfg.HealthHalfLife)
}
