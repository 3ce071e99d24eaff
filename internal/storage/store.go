package storage

import (
	"context"

	"likeness/internal/model"
)

// Store defines persistence operations for the optimizer's durable state:
// genomes, episode records, and the cross-episode knowledge and strategy
// snapshots. Knowledge and strategy entries are keyed by a caller-chosen
// profile name so several independent corpora can share one store.
type Store interface {
	Init(ctx context.Context) error
	SaveGenome(ctx context.Context, genome model.Genome) error
	GetGenome(ctx context.Context, id string) (model.Genome, bool, error)
	SaveKnowledge(ctx context.Context, profile string, snapshot model.KnowledgeSnapshot) error
	GetKnowledge(ctx context.Context, profile string) (model.KnowledgeSnapshot, bool, error)
	SaveStrategy(ctx context.Context, profile string, snapshot model.StrategySnapshot) error
	GetStrategy(ctx context.Context, profile string) (model.StrategySnapshot, bool, error)
	SaveEpisode(ctx context.Context, summary model.EpisodeSummary) error
	GetEpisode(ctx context.Context, id string) (model.EpisodeSummary, bool, error)
	ListEpisodes(ctx context.Context) ([]model.EpisodeSummary, error)
	SaveFitnessHistory(ctx context.Context, episodeID string, history []float64) error
	GetFitnessHistory(ctx context.Context, episodeID string) ([]float64, bool, error)
}
