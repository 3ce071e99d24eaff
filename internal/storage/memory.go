package storage

import (
	"context"
	"sort"
	"sync"

	"likeness/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	genomes     map[string]model.Genome
	knowledge   map[string]model.KnowledgeSnapshot
	strategies  map[string]model.StrategySnapshot
	episodes    map[string]model.EpisodeSummary
	history     map[string][]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.genomes = make(map[string]model.Genome)
	s.knowledge = make(map[string]model.KnowledgeSnapshot)
	s.strategies = make(map[string]model.StrategySnapshot)
	s.episodes = make(map[string]model.EpisodeSummary)
	s.history = make(map[string][]float64)
	return nil
}

func (s *MemoryStore) SaveGenome(_ context.Context, genome model.Genome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.genomes[genome.ID] = genome
	return nil
}

func (s *MemoryStore) GetGenome(_ context.Context, id string) (model.Genome, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	genome, ok := s.genomes[id]
	return genome, ok, nil
}

func (s *MemoryStore) SaveKnowledge(_ context.Context, profile string, snapshot model.KnowledgeSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.knowledge[profile] = snapshot
	return nil
}

func (s *MemoryStore) GetKnowledge(_ context.Context, profile string) (model.KnowledgeSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.knowledge[profile]
	return snapshot, ok, nil
}

func (s *MemoryStore) SaveStrategy(_ context.Context, profile string, snapshot model.StrategySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strategies[profile] = snapshot
	return nil
}

func (s *MemoryStore) GetStrategy(_ context.Context, profile string) (model.StrategySnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.strategies[profile]
	return snapshot, ok, nil
}

func (s *MemoryStore) SaveEpisode(_ context.Context, summary model.EpisodeSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.episodes[summary.ID] = summary
	return nil
}

func (s *MemoryStore) GetEpisode(_ context.Context, id string) (model.EpisodeSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.episodes[id]
	return summary, ok, nil
}

func (s *MemoryStore) ListEpisodes(_ context.Context) ([]model.EpisodeSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.EpisodeSummary, 0, len(s.episodes))
	for _, summary := range s.episodes {
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveFitnessHistory(_ context.Context, episodeID string, history []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[episodeID] = append([]float64(nil), history...)
	return nil
}

func (s *MemoryStore) GetFitnessHistory(_ context.Context, episodeID string) ([]float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[episodeID]
	if !ok {
		return nil, false, nil
	}
	return append([]float64(nil), history...), true, nil
}
