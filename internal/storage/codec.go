package storage

import (
	"encoding/json"
	"errors"

	"likeness/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

// ErrVersionMismatch is returned when a record was written by a newer
// schema or codec than this build understands. Records from older versions
// decode normally; newly introduced fields keep their zero values and are
// defaulted by the loading layer.
var ErrVersionMismatch = errors.New("record version mismatch")

// Stamp marks a record as written by the current schema and codec.
func Stamp() model.VersionedRecord {
	return model.VersionedRecord{
		SchemaVersion: CurrentSchemaVersion,
		CodecVersion:  CurrentCodecVersion,
	}
}

func EncodeGenome(g model.Genome) ([]byte, error) {
	return json.Marshal(g)
}

func DecodeGenome(data []byte) (model.Genome, error) {
	var genome model.Genome
	if err := json.Unmarshal(data, &genome); err != nil {
		return model.Genome{}, err
	}
	if err := checkVersion(genome.VersionedRecord); err != nil {
		return model.Genome{}, err
	}
	return genome, nil
}

func EncodeKnowledge(s model.KnowledgeSnapshot) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeKnowledge(data []byte) (model.KnowledgeSnapshot, error) {
	var snapshot model.KnowledgeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.KnowledgeSnapshot{}, err
	}
	if err := checkVersion(snapshot.VersionedRecord); err != nil {
		return model.KnowledgeSnapshot{}, err
	}
	return snapshot, nil
}

func EncodeStrategy(s model.StrategySnapshot) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeStrategy(data []byte) (model.StrategySnapshot, error) {
	var snapshot model.StrategySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.StrategySnapshot{}, err
	}
	if err := checkVersion(snapshot.VersionedRecord); err != nil {
		return model.StrategySnapshot{}, err
	}
	return snapshot, nil
}

func EncodeEpisode(s model.EpisodeSummary) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeEpisode(data []byte) (model.EpisodeSummary, error) {
	var summary model.EpisodeSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return model.EpisodeSummary{}, err
	}
	if err := checkVersion(summary.VersionedRecord); err != nil {
		return model.EpisodeSummary{}, err
	}
	return summary, nil
}

func EncodeFitnessHistory(history []float64) ([]byte, error) {
	return json.Marshal(history)
}

func DecodeFitnessHistory(data []byte) ([]float64, error) {
	var history []float64
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// checkVersion rejects records from the future only. Older and unstamped
// records pass through so that loaders can default their missing fields.
func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion > CurrentSchemaVersion || v.CodecVersion > CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
