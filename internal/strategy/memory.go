// Package strategy accumulates bucketed outcome statistics across
// optimization episodes and slowly adapts per-phase step sizes and the
// cache-usage baseline from them.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"likeness/internal/model"
)

// sigma bands, ordered coarse to fine. A sigma belongs to the first band
// whose upper limit exceeds it.
var sigmaBands = []struct {
	name  string
	limit float64
	rep   float64 // representative sigma the adapter blends toward
}{
	{"micro", 0.001, 0.0005},
	{"tiny", 0.005, 0.003},
	{"small", 0.02, 0.01},
	{"medium_small", 0.05, 0.035},
	{"medium", 0.1, 0.075},
	{"medium_large", 0.2, 0.15},
	{"large", 0.4, 0.3},
	{"huge", math.Inf(1), 0.5},
}

func sigmaBand(sigma float64) int {
	for i, band := range sigmaBands {
		if sigma < band.limit {
			return i
		}
	}
	return len(sigmaBands) - 1
}

func dimBand(count int) string {
	switch {
	case count <= 4:
		return "1-4"
	case count <= 8:
		return "5-8"
	case count <= 16:
		return "9-16"
	case count <= 32:
		return "17-32"
	default:
		return "33+"
	}
}

type bucket struct {
	uses      int
	successes int
	failures  int
	gain      float64
	loss      float64
}

func (b *bucket) observe(improvement float64) {
	b.uses++
	if improvement > 0 {
		b.successes++
		b.gain += improvement
	} else {
		b.failures++
		b.loss += -improvement
	}
}

func (b *bucket) successRate() float64 {
	if b.uses == 0 {
		return 0
	}
	return float64(b.successes) / float64(b.uses)
}

// effectiveness weights success rate by the average gain per use, so a band
// that wins rarely but big can still beat one that wins often but barely.
func (b *bucket) effectiveness() float64 {
	if b.uses == 0 {
		return 0
	}
	return b.successRate() * (b.gain / float64(b.uses))
}

type Config struct {
	AdaptEvery   int     // recordings between adaptation passes
	MinSamples   int     // bucket volume required before it may steer
	BlendRate    float64 // share of the target adopted per adaptation
	DefaultSigma float64 // step for phases never recorded
	LowSuccess   float64 // decile success rate that widens the step
	HighSuccess  float64 // decile success rate that narrows the step
}

func normalizeConfig(cfg Config) Config {
	if cfg.AdaptEvery <= 0 {
		cfg.AdaptEvery = 50
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.BlendRate <= 0 || cfg.BlendRate >= 1 {
		cfg.BlendRate = 0.2
	}
	if cfg.DefaultSigma <= 0 {
		cfg.DefaultSigma = 0.3
	}
	if cfg.LowSuccess <= 0 {
		cfg.LowSuccess = 0.3
	}
	if cfg.HighSuccess <= 0 || cfg.HighSuccess <= cfg.LowSuccess {
		cfg.HighSuccess = 0.6
	}
	return cfg
}

// Memory is the cross-episode strategy store. All counters are damped
// aggregates; a single observation can never rewrite a learned parameter.
type Memory struct {
	mu sync.Mutex

	cfg Config

	phaseBuckets map[string]*bucket // "phase|band|cache"
	scoreBuckets [10]*bucket        // score decile at recording time
	dimBuckets   map[string]*bucket // active-dimension-count band

	phaseSigma map[string]float64
	cacheProb  float64

	recordings int
}

func NewMemory(cfg Config) *Memory {
	m := &Memory{
		cfg:          normalizeConfig(cfg),
		phaseBuckets: map[string]*bucket{},
		dimBuckets:   map[string]*bucket{},
		phaseSigma:   map[string]float64{},
		cacheProb:    0.5,
	}
	for i := range m.scoreBuckets {
		m.scoreBuckets[i] = &bucket{}
	}
	return m
}

func phaseKey(phase string, band int, usedCache bool) string {
	cache := "raw"
	if usedCache {
		cache = "cached"
	}
	return phase + "|" + sigmaBands[band].name + "|" + cache
}

func scoreDecile(score float64) int {
	if score < 0 {
		return 0
	}
	d := int(score * 10)
	if d > 9 {
		d = 9
	}
	return d
}

// Record folds one mutation outcome into every matching bucket. The first
// recording for a phase seeds its learned sigma with the observed one.
func (m *Memory) Record(phase string, sigma float64, activeCount int, scoreBefore, scoreAfter float64, usedCache bool) {
	if math.IsNaN(sigma) || math.IsInf(sigma, 0) || sigma <= 0 {
		return
	}
	improvement := scoreAfter - scoreBefore
	if math.IsNaN(improvement) || math.IsInf(improvement, 0) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := phaseKey(phase, sigmaBand(sigma), usedCache)
	pb, ok := m.phaseBuckets[key]
	if !ok {
		pb = &bucket{}
		m.phaseBuckets[key] = pb
	}
	pb.observe(improvement)

	m.scoreBuckets[scoreDecile(scoreBefore)].observe(improvement)

	db, ok := m.dimBuckets[dimBand(activeCount)]
	if !ok {
		db = &bucket{}
		m.dimBuckets[dimBand(activeCount)] = db
	}
	db.observe(improvement)

	if _, ok := m.phaseSigma[phase]; !ok {
		m.phaseSigma[phase] = sigma
	}

	m.recordings++
	if m.recordings%m.cfg.AdaptEvery == 0 {
		m.adapt()
	}
}

// adapt runs under the lock. Each phase sigma drifts toward the
// representative sigma of its most effective band; the cache baseline
// drifts toward the share of effectiveness owed to cache-guided mutations.
func (m *Memory) adapt() {
	for phase, current := range m.phaseSigma {
		bestBand := -1
		bestScore := 0.0
		for band := range sigmaBands {
			agg := bucket{}
			for _, cached := range []bool{false, true} {
				if b, ok := m.phaseBuckets[phaseKey(phase, band, cached)]; ok {
					agg.uses += b.uses
					agg.successes += b.successes
					agg.failures += b.failures
					agg.gain += b.gain
					agg.loss += b.loss
				}
			}
			if agg.uses < m.cfg.MinSamples {
				continue
			}
			if score := agg.effectiveness(); score > bestScore {
				bestScore = score
				bestBand = band
			}
		}
		if bestBand < 0 {
			continue
		}
		target := sigmaBands[bestBand].rep
		m.phaseSigma[phase] = (1-m.cfg.BlendRate)*current + m.cfg.BlendRate*target
	}

	cached, raw := bucket{}, bucket{}
	for key, b := range m.phaseBuckets {
		agg := &raw
		if strings.HasSuffix(key, "|cached") {
			agg = &cached
		}
		agg.uses += b.uses
		agg.successes += b.successes
		agg.gain += b.gain
	}
	if cached.uses >= m.cfg.MinSamples && raw.uses >= m.cfg.MinSamples {
		total := cached.effectiveness() + raw.effectiveness()
		if total > 0 {
			target := cached.effectiveness() / total
			m.cacheProb = (1-m.cfg.BlendRate)*m.cacheProb + m.cfg.BlendRate*target
		}
	}
}

// RecommendedStep returns the phase's learned sigma, locally corrected by
// the score decile: widen when that region rarely succeeds, narrow when it
// almost always does.
func (m *Memory) RecommendedStep(phase string, score float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	sigma, ok := m.phaseSigma[phase]
	if !ok {
		sigma = m.cfg.DefaultSigma
	}

	b := m.scoreBuckets[scoreDecile(score)]
	if b.uses >= m.cfg.MinSamples {
		switch rate := b.successRate(); {
		case rate < m.cfg.LowSuccess:
			sigma *= 1.5
		case rate > m.cfg.HighSuccess:
			sigma *= 0.8
		}
	}
	return sigma
}

// CacheProbability is the learned baseline chance that a mutation should be
// seeded from the knowledge cache.
func (m *Memory) CacheProbability() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cacheProb
}

func (m *Memory) Recordings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordings
}

func (m *Memory) Snapshot() model.StrategySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := model.StrategySnapshot{
		Recordings:       m.recordings,
		CacheProbability: m.cacheProb,
	}
	if len(m.phaseSigma) > 0 {
		snap.PhaseSigma = make(map[string]float64, len(m.phaseSigma))
		for phase, sigma := range m.phaseSigma {
			snap.PhaseSigma[phase] = sigma
		}
	}
	snap.PhaseBuckets = bucketRecords(m.phaseBuckets)
	for i, b := range m.scoreBuckets {
		if b.uses == 0 {
			continue
		}
		snap.ScoreBuckets = append(snap.ScoreBuckets, bucketRecord(strconv.Itoa(i), b))
	}
	snap.DimBuckets = bucketRecords(m.dimBuckets)
	return snap
}

func bucketRecords(buckets map[string]*bucket) []model.StrategyBucketRecord {
	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]model.StrategyBucketRecord, 0, len(keys))
	for _, key := range keys {
		out = append(out, bucketRecord(key, buckets[key]))
	}
	return out
}

func bucketRecord(key string, b *bucket) model.StrategyBucketRecord {
	return model.StrategyBucketRecord{
		Key:       key,
		Uses:      b.uses,
		Successes: b.successes,
		Failures:  b.failures,
		Gain:      b.gain,
		Loss:      b.loss,
	}
}

// FromSnapshot restores a memory, defaulting fields absent from older
// snapshots. Unknown score-decile keys are rejected; everything else is
// carried as stored.
func FromSnapshot(snap model.StrategySnapshot, cfg Config) (*Memory, error) {
	m := NewMemory(cfg)
	m.recordings = snap.Recordings
	if snap.CacheProbability > 0 && snap.CacheProbability <= 1 {
		m.cacheProb = snap.CacheProbability
	}
	for phase, sigma := range snap.PhaseSigma {
		if sigma > 0 && !math.IsNaN(sigma) && !math.IsInf(sigma, 0) {
			m.phaseSigma[phase] = sigma
		}
	}
	for _, record := range snap.PhaseBuckets {
		m.phaseBuckets[record.Key] = recordBucket(record)
	}
	for _, record := range snap.ScoreBuckets {
		decile, err := strconv.Atoi(record.Key)
		if err != nil || decile < 0 || decile > 9 {
			return nil, fmt.Errorf("invalid score decile key %q", record.Key)
		}
		m.scoreBuckets[decile] = recordBucket(record)
	}
	for _, record := range snap.DimBuckets {
		m.dimBuckets[record.Key] = recordBucket(record)
	}
	return m, nil
}

func recordBucket(record model.StrategyBucketRecord) *bucket {
	return &bucket{
		uses:      record.Uses,
		successes: record.Successes,
		failures:  record.Failures,
		gain:      record.Gain,
		loss:      record.Loss,
	}
}
