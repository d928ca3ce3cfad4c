package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/cwbudde/algo-granular/granular"
	"github.com/cwbudde/algo-granular/internal/wavio"
	"github.com/cwbudde/algo-granular/preset"
	"github.com/cwbudde/algo-granular/source"
)

func main() {
	referencePath := flag.String("reference", "reference/texture.wav", "Reference WAV path")
	presetPath := flag.String("preset", "", "Optional base preset JSON path")
	sourcePath := flag.String("source", "", "Source material WAV (falls back to the preset's source_wav_path)")
	outputPreset := flag.String("output-preset", "out/fit/fitted.json", "Path to write best fitted preset JSON")
	outputRender := flag.String("output-render", "", "Optional path to write the best candidate render WAV")
	reportPath := flag.String("report", "", "Optional report JSON path (default: <output-preset>.report.json)")
	optimize := flag.String("optimize", "grain,motion,mix", "Comma-separated knob groups to optimize: grain, motion, mix, chaos")
	sampleRate := flag.Int("sample-rate", 44100, "Render/analysis sample rate")
	optSampleRate := flag.Int("opt-sample-rate", 0, "Optimization-loop sample rate (0 uses --sample-rate)")
	duration := flag.Float64("duration", 8.0, "Final evaluation render duration in seconds")
	optDuration := flag.Float64("opt-duration", 2.5, "Optimization-loop render duration in seconds")
	blockSize := flag.Int("block", 512, "Render block size for candidate evaluation")
	maxGrains := flag.Int("grains", 0, "Grain voice capacity (0 uses the engine default)")
	steal := flag.String("steal", "smart", "Voice steal strategy: oldest, quietest, leastimportant or smart")
	seed := flag.Int64("seed", 1, "Random seed for the optimizer rounds and the grain RNG")
	timeBudget := flag.Float64("time-budget", 120.0, "Optimization time budget in seconds")
	maxEvals := flag.Int("max-evals", 10000, "Maximum objective evaluations")
	reportEvery := flag.Int("report-every", 20, "Print progress every N evaluations")
	checkpointEvery := flag.Int("checkpoint-every", 1, "Write checkpoint every N best-score improvements")
	refineTopK := flag.Int("refine-top-k", 3, "After optimization, re-evaluate best N candidates at full settings")
	topK := flag.Int("top-k", 5, "How many top candidates to keep in report")
	resume := flag.Bool("resume", true, "Resume from previous best_knobs report when available")
	resumeReport := flag.String("resume-report", "", "Optional report JSON path to resume from (default: current report path)")
	workers := flag.String("workers", "1", "Parallel optimization workers running independent Mayfly rounds (number or 'auto')")

	mayflyVariant := flag.String("mayfly-variant", "desma", "Mayfly variant: ma|desma|olce|eobbma|gsasma|mpma|aoblmoa")
	mayflyPop := flag.Int("mayfly-pop", 10, "Male and female population size per Mayfly run")
	mayflyRoundEvals := flag.Int("mayfly-round-evals", 240, "Target eval budget per Mayfly round")
	flag.Parse()

	groups, err := parseOptimizeGroups(*optimize)
	if err != nil {
		die("invalid --optimize: %v", err)
	}

	if *outputPreset == "" {
		die("output-preset must not be empty")
	}
	if *maxEvals < 1 {
		die("max-evals must be >= 1")
	}
	if *timeBudget <= 0 {
		die("time-budget must be > 0")
	}
	if *duration <= 0 {
		die("duration must be > 0")
	}
	if *optDuration <= 0 {
		*optDuration = *duration
	}
	if *reportEvery < 1 {
		*reportEvery = 1
	}
	if *checkpointEvery < 1 {
		*checkpointEvery = 1
	}
	if *mayflyPop < 2 {
		*mayflyPop = 2
	}
	if *mayflyRoundEvals < *mayflyPop*2 {
		*mayflyRoundEvals = *mayflyPop * 2
	}
	if *topK < 1 {
		*topK = 1
	}
	if *optSampleRate <= 0 {
		*optSampleRate = *sampleRate
	}
	if *blockSize < 16 {
		*blockSize = 16
	}
	if *refineTopK < 1 {
		*refineTopK = 1
	}
	if *refineTopK > *topK {
		*refineTopK = *topK
	}
	strategy, err := parseStrategy(*steal)
	if err != nil {
		die("invalid steal strategy: %v", err)
	}
	parsedWorkers, err := parseWorkersFlag(*workers)
	if err != nil {
		die("invalid workers value: %v", err)
	}

	baseFile := &preset.File{}
	if *presetPath != "" {
		baseFile, err = preset.LoadJSON(*presetPath)
		if err != nil {
			die("failed to load preset: %v", err)
		}
	}

	materialPath := *sourcePath
	if materialPath == "" {
		materialPath = baseFile.SourceWavPath
	}
	if materialPath == "" {
		die("no source material: pass -source or a preset with source_wav_path")
	}
	mat, err := source.Open(materialPath)
	if err != nil {
		die("failed to open source material: %v", err)
	}
	defer mat.Close()
	if mat.SampleRate() != float64(*sampleRate) {
		fmt.Fprintf(os.Stderr, "note: material rate %.0f Hz differs from render rate %d Hz; grains transpose accordingly\n",
			mat.SampleRate(), *sampleRate)
	}

	refRaw, refSR, err := wavio.ReadMono(*referencePath)
	if err != nil {
		die("failed to read reference: %v", err)
	}
	refOpt, err := wavio.Resample(refRaw, refSR, *optSampleRate)
	if err != nil {
		die("failed to resample optimization reference: %v", err)
	}
	refFull, err := wavio.Resample(refRaw, refSR, *sampleRate)
	if err != nil {
		die("failed to resample full reference: %v", err)
	}

	defs, initCand := initCandidate(baseFile, groups)
	if *resume {
		resumePath := *resumeReport
		if resumePath == "" {
			if *reportPath != "" {
				resumePath = *reportPath
			} else {
				resumePath = *outputPreset + ".report.json"
			}
		}
		if resumed, ok, err := loadCandidateFromReport(resumePath, defs, initCand); err != nil {
			fmt.Fprintf(os.Stderr, "resume skipped (%s): %v\n", resumePath, err)
		} else if ok {
			initCand = resumed
			fmt.Printf("Resumed candidate from %s\n", resumePath)
		}
	}

	cfg := &optimizationConfig{
		reference:        refOpt,
		finalReference:   refFull,
		basePreset:       baseFile,
		material:         mat,
		defs:             defs,
		initCandidate:    initCand,
		sampleRate:       *optSampleRate,
		finalSampleRate:  *sampleRate,
		durationSec:      *optDuration,
		finalDurationSec: *duration,
		renderBlockSize:  *blockSize,
		maxGrains:        *maxGrains,
		strategy:         strategy,
		seed:             *seed,
		timeBudget:       *timeBudget,
		maxEvals:         *maxEvals,
		reportEvery:      *reportEvery,
		checkpointEvery:  *checkpointEvery,
		refineTopK:       *refineTopK,
		topK:             *topK,
		mayflyVariant:    *mayflyVariant,
		mayflyPop:        *mayflyPop,
		mayflyRoundEvals: *mayflyRoundEvals,
		workers:          parsedWorkers,
		sourcePath:       materialPath,
		outputPreset:     *outputPreset,
		outputRender:     *outputRender,
		reportPath:       *reportPath,
		referencePath:    *referencePath,
		presetPath:       *presetPath,
	}

	result, err := runOptimization(cfg)
	if err != nil {
		die("optimization failed: %v", err)
	}

	if err := writeOutputs(
		cfg,
		*sampleRate,
		result.elapsed,
		result.evals,
		strings.ToLower(*mayflyVariant),
		result.best,
		result.bestMetrics,
		result.bestFile,
		result.bestLeft,
		result.bestRight,
		result.checkpoints,
		result.top,
	); err != nil {
		die("failed to write outputs: %v", err)
	}

	fmt.Printf("Done evals=%d elapsed=%.1fs best_score=%.4f best_similarity=%.2f%% variant=%s\n", result.evals, result.elapsed, result.bestMetrics.Score, result.bestMetrics.Similarity*100.0, strings.ToLower(*mayflyVariant))
}

func parseStrategy(raw string) (granular.StealStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "oldest":
		return granular.StealOldest, nil
	case "quietest":
		return granular.StealQuietest, nil
	case "leastimportant":
		return granular.StealLeastImportant, nil
	case "", "smart":
		return granular.StealSmart, nil
	}
	return 0, fmt.Errorf("unknown steal strategy %q", raw)
}

func parseWorkersFlag(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "auto") {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("expected a positive integer or 'auto': %q", raw)
	}
	if n < 1 {
		return 0, fmt.Errorf("workers must be >= 1, got %d", n)
	}
	return n, nil
}

func loadCandidateFromReport(path string, defs []knobDef, fallback candidate) (candidate, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fallback, false, nil
		}
		return fallback, false, err
	}

	var rep struct {
		BestKnobs map[string]float64 `json:"best_knobs"`
	}
	if err := json.Unmarshal(b, &rep); err != nil {
		return fallback, false, err
	}
	if len(rep.BestKnobs) == 0 {
		return fallback, false, nil
	}

	vals := make([]float64, len(fallback.Vals))
	copy(vals, fallback.Vals)
	updated := false
	for i, d := range defs {
		if v, ok := rep.BestKnobs[d.Name]; ok {
			vals[i] = clamp(v, d.Min, d.Max)
			if d.IsInt {
				vals[i] = math.Round(vals[i])
			}
			updated = true
		}
	}
	if !updated {
		return fallback, false, nil
	}
	return candidate{Vals: vals}, true, nil
}
