package main

import (
	"encoding/json"
	"fmt"
	"os"

	"likeness/internal/model"
	"likeness/internal/phase"
	"likeness/pkg/likeness"
)

// loadOptimizeRequestFromConfig decodes a run config permissively: unknown
// keys are ignored and numeric JSON values coerce to the field's type.
func loadOptimizeRequestFromConfig(path string) (likeness.OptimizeRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return likeness.OptimizeRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return likeness.OptimizeRequest{}, err
	}

	var req likeness.OptimizeRequest
	if v, ok := asString(raw["genome_id"]); ok {
		req.GenomeID = v
	}
	if v, ok := asFloatSlice(raw["values"]); ok {
		req.Values = v
	}
	if v, ok := asFloatSlice(raw["target"]); ok {
		req.Target = v
	}
	if v, ok := asBounds(raw["bounds"]); ok {
		req.Bounds = v
	}
	if v, ok := asSignature(raw["signature"]); ok {
		req.Signature = v
	}
	if v, ok := asGroups(raw["groups"]); ok {
		req.Groups = v
	}
	if v, ok := asStages(raw["stages"]); ok {
		req.Stages = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asInt(raw["workers"]); ok {
		req.Workers = v
	}
	if v, ok := asInt(raw["lambda"]); ok {
		req.Lambda = v
	}
	if v, ok := asInt(raw["mu"]); ok {
		req.Mu = v
	}
	if v, ok := asInt(raw["max_generations"]); ok {
		req.MaxGenerations = v
	}
	if v, ok := asFloat64(raw["tolerance"]); ok {
		req.Tolerance = v
	}
	return req, nil
}

func loadOrDefaultOptimizeRequest(configPath string) (likeness.OptimizeRequest, error) {
	if configPath == "" {
		return likeness.OptimizeRequest{}, nil
	}
	req, err := loadOptimizeRequestFromConfig(configPath)
	if err != nil {
		return likeness.OptimizeRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func asFloatSlice(v any) ([]float64, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := asFloat64(item)
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func asIntSlice(v any) ([]int, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, ok := asInt(item)
		if !ok {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

func asBounds(v any) ([]model.Bound, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]model.Bound, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		var b model.Bound
		if f, ok := asFloat64(entry["min"]); ok {
			b.Min = f
		}
		if f, ok := asFloat64(entry["max"]); ok {
			b.Max = f
		}
		out = append(out, b)
	}
	return out, true
}

// asSignature accepts the ordered list form, e.g.
// [{"dimension":"gender","value":"female"}, ...].
func asSignature(v any) (model.Signature, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make(model.Signature, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		dimension, ok := asString(entry["dimension"])
		if !ok {
			return nil, false
		}
		value, ok := asString(entry["value"])
		if !ok {
			return nil, false
		}
		out = append(out, model.FeatureValue{Dimension: dimension, Value: value})
	}
	return out, true
}

func asGroups(v any) (map[string][]int, bool) {
	entries, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string][]int, len(entries))
	for name, item := range entries {
		indices, ok := asIntSlice(item)
		if !ok {
			return nil, false
		}
		out[name] = indices
	}
	return out, true
}

func asStages(v any) ([]phase.Stage, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]phase.Stage, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		var stage phase.Stage
		if s, ok := asString(entry["name"]); ok {
			stage.Name = s
		}
		if s, ok := asString(entry["description"]); ok {
			stage.Description = s
		}
		if n, ok := asInt(entry["min_iterations"]); ok {
			stage.MinIterations = n
		}
		if n, ok := asInt(entry["max_iterations"]); ok {
			stage.MaxIterations = n
		}
		if f, ok := asFloat64(entry["sigma_min"]); ok {
			stage.SigmaMin = f
		}
		if f, ok := asFloat64(entry["sigma_max"]); ok {
			stage.SigmaMax = f
		}
		if groups, ok := entry["groups"].([]any); ok {
			for _, g := range groups {
				if name, ok := asString(g); ok {
					stage.Groups = append(stage.Groups, name)
				}
			}
		}
		if f, ok := asFloat64(entry["quality_gate"]); ok {
			stage.QualityGate = f
		}
		if b, ok := entry["widen_worst_group"].(bool); ok {
			stage.WidenWorstGroup = b
		}
		out = append(out, stage)
	}
	return out, true
}
