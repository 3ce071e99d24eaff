package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"likeness/internal/model"
	"likeness/internal/storage"
	"likeness/pkg/likeness"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "reset":
		return runReset(ctx, args[1:])
	case "optimize":
		return runOptimize(ctx, args[1:])
	case "episodes":
		return runEpisodes(ctx, args[1:])
	case "episode":
		return runEpisode(ctx, args[1:])
	case "fitness":
		return runFitness(ctx, args[1:])
	case "knowledge":
		return runKnowledge(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "likeness.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := likeness.New(likeness.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}

	fmt.Printf("initialized store=%s\n", *storeKind)
	return nil
}

func runReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "likeness.db", "sqlite database path")
	profile := fs.String("profile", "", "knowledge profile name")
	dims := fs.Int("dims", 0, "genome dimension of the profile to reset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dims <= 0 {
		return errors.New("reset requires -dims > 0")
	}

	client, err := likeness.New(likeness.Options{StoreKind: *storeKind, DBPath: *dbPath, Profile: *profile})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}
	if err := client.ResetKnowledge(ctx, *dims); err != nil {
		return err
	}

	fmt.Printf("reset store=%s dims=%d\n", *storeKind, *dims)
	return nil
}

func runOptimize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("optimize", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "likeness.db", "sqlite database path")
	profile := fs.String("profile", "", "knowledge profile name")
	dims := fs.Int("dims", 8, "genome dimension for the synthetic target run")
	target := fs.String("target", "", "comma-separated target vector (defaults to a seeded synthetic target)")
	signature := fs.String("signature", "", "comma-separated dimension=value pairs, coarse first")
	seed := fs.Int64("seed", 1, "rng seed")
	workers := fs.Int("workers", 4, "worker count")
	generations := fs.Int("gens", 300, "max generations")
	jsonOut := fs.Bool("json", false, "emit the episode summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultOptimizeRequest(*configPath)
	if err != nil {
		return err
	}
	if *configPath == "" || setFlags["seed"] {
		req.Seed = *seed
	}
	if *configPath == "" || setFlags["workers"] {
		req.Workers = *workers
	}
	if *configPath == "" || setFlags["gens"] {
		req.MaxGenerations = *generations
	}
	if setFlags["signature"] || (*configPath == "" && *signature != "") {
		sig, err := parseSignature(*signature)
		if err != nil {
			return err
		}
		req.Signature = sig
	}
	if setFlags["target"] || (*configPath == "" && *target != "") {
		vec, err := parseVector(*target)
		if err != nil {
			return err
		}
		req.Target = vec
	}
	if len(req.Values) == 0 {
		req.Values = flatStart(*dims)
	}
	if len(req.Target) == 0 && req.Evaluator == nil {
		req.Target = syntheticTarget(len(req.Values), req.Seed)
	}

	client, err := likeness.New(likeness.Options{StoreKind: *storeKind, DBPath: *dbPath, Profile: *profile})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}

	summary, err := client.Optimize(ctx, req)
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Printf("episode=%s start=%.6f best=%.6f generations=%d evaluations=%d knowledge=%t\n",
		summary.EpisodeID, summary.StartFitness, summary.BestFitness,
		summary.Generations, summary.Evaluations, summary.UsedKnowledge)
	for _, p := range summary.Phases {
		fmt.Printf("phase=%s iterations=%d best=%.6f sigma=%.6f\n",
			p.Phase, p.Iterations, p.BestFitness, p.EndSigma)
	}
	return nil
}

func runEpisodes(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("episodes", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "likeness.db", "sqlite database path")
	limit := fs.Int("limit", 20, "max episodes to list")
	jsonOut := fs.Bool("json", false, "emit the episode list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := likeness.New(likeness.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}

	episodes, err := client.Episodes(ctx)
	if err != nil {
		return err
	}
	if len(episodes) == 0 {
		fmt.Println("no episodes found")
		return nil
	}
	if len(episodes) > *limit {
		episodes = episodes[:*limit]
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(episodes)
	}

	for _, e := range episodes {
		fmt.Printf("episode=%s start=%.6f best=%.6f generations=%d evaluations=%d knowledge=%t\n",
			e.ID, e.StartFitness, e.BestFitness, e.Generations, e.Evaluations, e.UsedKnowledge)
	}
	return nil
}

func runEpisode(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("episode", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "likeness.db", "sqlite database path")
	id := fs.String("id", "", "episode id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("episode requires -id")
	}

	client, err := likeness.New(likeness.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}

	episode, err := client.Episode(ctx, *id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(episode)
}

func runFitness(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fitness", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "likeness.db", "sqlite database path")
	id := fs.String("id", "", "episode id")
	limit := fs.Int("limit", 50, "max generations to print (<=0 for all)")
	jsonOut := fs.Bool("json", false, "emit fitness history as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("fitness requires -id")
	}

	client, err := likeness.New(likeness.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}

	history, err := client.FitnessHistory(ctx, *id)
	if err != nil {
		return err
	}
	if *limit > 0 && len(history) > *limit {
		history = history[:*limit]
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	}

	for i, best := range history {
		fmt.Printf("generation=%d best_fitness=%.6f\n", i, best)
	}
	return nil
}

func runKnowledge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("knowledge", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "likeness.db", "sqlite database path")
	profile := fs.String("profile", "", "knowledge profile name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := likeness.New(likeness.Options{StoreKind: *storeKind, DBPath: *dbPath, Profile: *profile})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Init(ctx); err != nil {
		return err
	}

	status, err := client.Knowledge(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("profile=%s dims=%d nodes=%d tick=%d learn_calls=%d\n",
		status.Profile, status.GenomeSize, status.Nodes, status.Tick, status.LearnCalls)
	return nil
}

// parseVector decodes "0.9,0.1,0.9" into a float slice.
func parseVector(s string) ([]float64, error) {
	if s == "" {
		return nil, errors.New("empty vector")
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("parse vector element %q: %w", part, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// parseSignature decodes "gender=female,age=adult" keeping the given order.
func parseSignature(s string) (model.Signature, error) {
	if s == "" {
		return nil, nil
	}
	var sig model.Signature
	for _, part := range strings.Split(s, ",") {
		dimension, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || dimension == "" || value == "" {
			return nil, fmt.Errorf("invalid signature element %q, want dimension=value", part)
		}
		sig = append(sig, model.FeatureValue{Dimension: dimension, Value: value})
	}
	return sig, nil
}

func flatStart(dims int) []float64 {
	out := make([]float64, dims)
	for i := range out {
		out[i] = 0.5
	}
	return out
}

// syntheticTarget is the built-in benchmark: a deterministic pseudorandom
// point in the unit cube.
func syntheticTarget(dims int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, dims)
	for i := range out {
		out[i] = rng.Float64()
	}
	return out
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: likenessctl <init|reset|optimize|episodes|episode|fitness|knowledge> [flags]", msg)
}
