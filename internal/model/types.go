package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Bound is the inclusive value range for one genome index.
type Bound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// DefaultBound is applied to any index without a domain-supplied range.
var DefaultBound = Bound{Min: 0, Max: 1}

func (b Bound) Clamp(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// Genome is the bounded real vector being optimized. Bounds may be empty,
// in which case every index uses DefaultBound.
type Genome struct {
	VersionedRecord
	ID     string    `json:"id"`
	Values []float64 `json:"values"`
	Bounds []Bound   `json:"bounds,omitempty"`
}

func (g Genome) Bound(i int) Bound {
	if i < len(g.Bounds) {
		return g.Bounds[i]
	}
	return DefaultBound
}

// FeatureValue is one categorical classification of the search target,
// for example Dimension "age_group" with Value "young".
type FeatureValue struct {
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
}

// Signature is the ordered classification of a target, coarse dimensions
// first. The knowledge tree walks it in this order at every operation.
type Signature []FeatureValue

func (s Signature) Value(dimension string) (string, bool) {
	for _, fv := range s {
		if fv.Dimension == dimension {
			return fv.Value, true
		}
	}
	return "", false
}

type PhaseDiagnostics struct {
	Phase       string  `json:"phase"`
	Iterations  int     `json:"iterations"`
	BestFitness float64 `json:"best_fitness"`
	EndSigma    float64 `json:"end_sigma"`
}

type EpisodeSummary struct {
	VersionedRecord
	ID            string             `json:"id"`
	Signature     Signature          `json:"signature,omitempty"`
	Evaluations   int                `json:"evaluations"`
	Generations   int                `json:"generations"`
	StartFitness  float64            `json:"start_fitness"`
	BestFitness   float64            `json:"best_fitness"`
	UsedKnowledge bool               `json:"used_knowledge"`
	Phases        []PhaseDiagnostics `json:"phases,omitempty"`
}

// KnowledgeNodeRecord is the persisted form of one tree node. Children are
// arena indices into KnowledgeSnapshot.Nodes.
type KnowledgeNodeRecord struct {
	Dimension       string             `json:"dimension,omitempty"`
	Value           string             `json:"value,omitempty"`
	Deltas          map[int]float64    `json:"deltas,omitempty"`
	Variance        map[int]float64    `json:"variance,omitempty"`
	UseCount        int                `json:"use_count"`
	SuccessCount    int                `json:"success_count"`
	RecentOutcomes  []float64          `json:"recent_outcomes,omitempty"`
	OutcomeVariance float64            `json:"outcome_variance"`
	Health          float64            `json:"health"`
	LastUsedTick    uint64             `json:"last_used_tick"`
	NeedsSplit      bool               `json:"needs_split,omitempty"`
	ValueOutcomes   map[string]Outcome `json:"value_outcomes,omitempty"`
	Children        []int              `json:"children,omitempty"`
}

// Outcome aggregates improvement magnitudes observed under one feature value.
type Outcome struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
}

// SharedFeatureRecord is one entry of the global per-feature-value layer,
// keyed by a single feature value independent of the rest of the path.
type SharedFeatureRecord struct {
	Dimension    string          `json:"dimension"`
	Value        string          `json:"value"`
	Deltas       map[int]float64 `json:"deltas,omitempty"`
	UseCount     int             `json:"use_count"`
	SuccessCount int             `json:"success_count"`
}

// GroupAggregateRecord is the coarse per-dimension fallback layer consulted
// when both the shared layer and the tree are empty for a signature.
type GroupAggregateRecord struct {
	Dimension string          `json:"dimension"`
	Deltas    map[int]float64 `json:"deltas,omitempty"`
	Count     int             `json:"count"`
}

type KnowledgeSnapshot struct {
	VersionedRecord
	GenomeSize int                    `json:"genome_size"`
	Tick       uint64                 `json:"tick"`
	LearnCalls int                    `json:"learn_calls"`
	Nodes      []KnowledgeNodeRecord  `json:"nodes"`
	Shared     []SharedFeatureRecord  `json:"shared,omitempty"`
	Groups     []GroupAggregateRecord `json:"groups,omitempty"`
}

type StrategyBucketRecord struct {
	Key       string  `json:"key"`
	Uses      int     `json:"uses"`
	Successes int     `json:"successes"`
	Failures  int     `json:"failures"`
	Gain      float64 `json:"gain"`
	Loss      float64 `json:"loss"`
}

type StrategySnapshot struct {
	VersionedRecord
	Recordings       int                    `json:"recordings"`
	CacheProbability float64                `json:"cache_probability"`
	PhaseSigma       map[string]float64     `json:"phase_sigma,omitempty"`
	PhaseBuckets     []StrategyBucketRecord `json:"phase_buckets,omitempty"`
	ScoreBuckets     []StrategyBucketRecord `json:"score_buckets,omitempty"`
	DimBuckets       []StrategyBucketRecord `json:"dim_buckets,omitempty"`
}
