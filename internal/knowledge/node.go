package knowledge

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"likeness/internal/model"
)

const (
	healthFloor   = 0.1
	healthCeiling = 1.0

	// anyValue marks the "other" child produced by a split; it matches any
	// signature value on its dimension.
	anyValue = "*"
)

// node is one entry of the tree arena. Nodes are addressed by index; a node
// holds child indices only, never pointers, so reparenting during merge is a
// slice edit.
type node struct {
	dimension string
	value     string

	deltas   map[int]float64
	variance map[int]float64

	useCount     int
	successCount int

	recent          []float64
	outcomeVariance float64
	health          float64
	lastUsedTick    uint64
	needsSplit      bool

	// valueOutcomes tracks improvement aggregates per observed feature
	// value, the discriminator source for splits.
	valueOutcomes map[string]model.Outcome

	children []int
	dead     bool
}

func newNode(dimension, value string) *node {
	return &node{
		dimension:     dimension,
		value:         value,
		deltas:        map[int]float64{},
		variance:      map[int]float64{},
		valueOutcomes: map[string]model.Outcome{},
		health:        healthCeiling,
	}
}

// confidence derives from success rate damped by usage volume, in [0,1].
func (n *node) confidence(saturation int) float64 {
	if n.useCount == 0 {
		return 0
	}
	rate := float64(n.successCount) / float64(n.useCount)
	volume := float64(n.useCount) / float64(saturation)
	if volume > 1 {
		volume = 1
	}
	return rate * volume
}

func (n *node) outcomeStdDev() float64 {
	return math.Sqrt(n.outcomeVariance)
}

func (n *node) recordOutcome(improvement float64, window int) {
	n.recent = append(n.recent, improvement)
	if len(n.recent) > window {
		n.recent = n.recent[1:]
	}
	if len(n.recent) > 1 {
		n.outcomeVariance = stat.Variance(n.recent, nil)
	} else {
		n.outcomeVariance = 0
	}
}

func (n *node) recordValueOutcome(key string, improvement float64) {
	agg := n.valueOutcomes[key]
	agg.Count++
	agg.Sum += improvement
	n.valueOutcomes[key] = agg
}

// decayedHealth applies logical-clock decay: health halves every halfLife
// ticks of disuse, recovers with success rate, and stays in [0.1, 1.0].
func (n *node) decayedHealth(tick uint64, halfLife uint64) float64 {
	health := n.health
	if tick > n.lastUsedTick && halfLife > 0 {
		elapsed := float64(tick-n.lastUsedTick) / float64(halfLife)
		health *= math.Pow(0.5, elapsed)
	}
	if n.useCount > 0 {
		rate := float64(n.successCount) / float64(n.useCount)
		health += 0.1 * rate
	}
	if health < healthFloor {
		return healthFloor
	}
	if health > healthCeiling {
		return healthCeiling
	}
	return health
}

func (n *node) touch(tick uint64) {
	if tick > n.lastUsedTick {
		n.lastUsedTick = tick
	}
	n.health += 0.05
	if n.health > healthCeiling {
		n.health = healthCeiling
	}
}

// cosineSimilarity over the union of delta indices; zero vectors are never
// similar.
func cosineSimilarity(a, b map[int]float64) float64 {
	dot, normA, normB := 0.0, 0.0, 0.0
	for i, v := range a {
		normA += v * v
		if w, ok := b[i]; ok {
			dot += v * w
		}
	}
	for _, w := range b {
		normB += w * w
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
