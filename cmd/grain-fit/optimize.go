package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwbudde/algo-granular/analysis"
	"github.com/cwbudde/algo-granular/granular"
	"github.com/cwbudde/algo-granular/internal/wavio"
	"github.com/cwbudde/algo-granular/preset"
	"github.com/cwbudde/algo-granular/source"
	"github.com/cwbudde/mayfly"
)

type topCandidate struct {
	Eval       int                `json:"eval"`
	Score      float64            `json:"score"`
	Similarity float64            `json:"similarity"`
	Knobs      map[string]float64 `json:"knobs"`
}

type optimizationConfig struct {
	reference        []float64
	finalReference   []float64
	basePreset       *preset.File
	material         *source.Material
	defs             []knobDef
	initCandidate    candidate
	sampleRate       int
	finalSampleRate  int
	durationSec      float64
	finalDurationSec float64
	renderBlockSize  int
	maxGrains        int
	strategy         granular.StealStrategy
	seed             int64
	timeBudget       float64
	maxEvals         int
	reportEvery      int
	checkpointEvery  int
	refineTopK       int
	topK             int
	mayflyVariant    string
	mayflyPop        int
	mayflyRoundEvals int
	workers          int
	sourcePath       string
	outputPreset     string
	outputRender     string
	reportPath       string
	referencePath    string
	presetPath       string
}

type evalSettings struct {
	reference       []float64
	sampleRate      int
	durationSec     float64
	renderBlockSize int
}

type optimizationEval struct {
	metrics analysis.Metrics
	file    *preset.File
	left    []float32
	right   []float32
}

type optimizationResult struct {
	best        candidate
	bestMetrics analysis.Metrics
	bestFile    *preset.File
	bestLeft    []float32
	bestRight   []float32
	top         []topCandidate
	evals       int
	elapsed     float64
	checkpoints int
}

type optimizationState struct {
	mu          sync.Mutex
	best        candidate
	bestEval    optimizationEval
	top         []topCandidate
	checkpoints int
}

func runOptimization(cfg *optimizationConfig) (*optimizationResult, error) {
	start := time.Now()
	deadline := start.Add(time.Duration(cfg.timeBudget * float64(time.Second)))
	variant := strings.ToLower(cfg.mayflyVariant)
	optEvalSettings := evalSettings{
		reference:       cfg.reference,
		sampleRate:      cfg.sampleRate,
		durationSec:     cfg.durationSec,
		renderBlockSize: cfg.renderBlockSize,
	}
	finalEvalSettings := evalSettings{
		reference:       cfg.finalReference,
		sampleRate:      cfg.finalSampleRate,
		durationSec:     cfg.finalDurationSec,
		renderBlockSize: cfg.renderBlockSize,
	}

	best := cloneCandidate(cfg.initCandidate)
	initialEval, err := evaluateCandidate(cfg, best, optEvalSettings)
	if err != nil {
		return nil, fmt.Errorf("initial evaluation failed: %w", err)
	}
	fmt.Printf("Start score=%.4f similarity=%.2f%%\n", initialEval.metrics.Score, initialEval.metrics.Similarity*100.0)

	state := &optimizationState{
		best:     best,
		bestEval: cloneOptimizationEval(initialEval),
		top:      updateTopCandidates(nil, cfg.topK, 1, initialEval.metrics, cfg.defs, best),
	}

	if _, err := os.Stat(cfg.outputPreset); err != nil && errors.Is(err, os.ErrNotExist) {
		if err := writeOutputs(
			cfg,
			optEvalSettings.sampleRate,
			time.Since(start).Seconds(),
			1,
			variant,
			best,
			initialEval.metrics,
			initialEval.file,
			initialEval.left,
			initialEval.right,
			0,
			state.top,
		); err != nil {
			fmt.Fprintf(os.Stderr, "initial write failed: %v\n", err)
		}
	}

	var evals int64 = 1
	var rounds int64
	var improves int64
	var outputMu sync.Mutex
	var latestPersistedImprove int64

	workers := cfg.workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if time.Now().After(deadline) {
					return
				}
				if atomic.LoadInt64(&evals) >= int64(cfg.maxEvals) {
					return
				}

				round := int(atomic.AddInt64(&rounds, 1))
				remaining := cfg.maxEvals - int(atomic.LoadInt64(&evals))
				if remaining <= 0 {
					return
				}
				budget := minInt(cfg.mayflyRoundEvals, remaining)
				iters := maxInt(1, budget/(2*cfg.mayflyPop))

				mayflyConfig, err := newMayflyConfig(variant, cfg.mayflyPop, len(cfg.defs), iters)
				if err != nil {
					fmt.Fprintf(os.Stderr, "mayfly round %d setup failed: %v\n", round, err)
					return
				}
				mayflyConfig.Rand = rand.New(rand.NewSource(cfg.seed + int64(round)*7919))
				mayflyConfig.ObjectiveFunc = func(pos []float64) float64 {
					if time.Now().After(deadline) {
						return currentBestScore(state) + 1.0
					}
					evalNum, ok := reserveEval(&evals, cfg.maxEvals)
					if !ok {
						return currentBestScore(state) + 1.0
					}

					cand := fromNormalized(pos, cfg.defs)
					evalRes, err := evaluateCandidate(cfg, cand, optEvalSettings)
					if err != nil {
						return currentBestScore(state) + 0.8
					}

					improved := false
					var improveNum int64
					checkpointDue := false
					var bestSnapshot candidate
					var bestEvalSnapshot optimizationEval
					var topSnapshot []topCandidate
					bestScore := 0.0

					state.mu.Lock()
					state.top = updateTopCandidates(state.top, cfg.topK, int(evalNum), evalRes.metrics, cfg.defs, cand)
					if evalRes.metrics.Score < state.bestEval.metrics.Score {
						state.best = cloneCandidate(cand)
						state.bestEval = cloneOptimizationEval(evalRes)
						improved = true
						improveNum = atomic.AddInt64(&improves, 1)
						if cfg.checkpointEvery > 0 && improveNum%int64(cfg.checkpointEvery) == 0 {
							checkpointDue = true
						}
						bestSnapshot = cloneCandidate(state.best)
						bestEvalSnapshot = cloneOptimizationEval(state.bestEval)
						topSnapshot = cloneTopCandidates(state.top)
					}
					bestScore = state.bestEval.metrics.Score
					state.mu.Unlock()

					if improved {
						fmt.Printf("Improved #%d eval=%d score=%.4f sim=%.2f%%\n", improveNum, evalNum, bestEvalSnapshot.metrics.Score, bestEvalSnapshot.metrics.Similarity*100.0)
						outputMu.Lock()
						if improveNum > latestPersistedImprove {
							latestPersistedImprove = improveNum
							if checkpointDue {
								state.mu.Lock()
								checkpointNum := state.checkpoints + 1
								state.mu.Unlock()
								if err := writeOutputs(
									cfg,
									optEvalSettings.sampleRate,
									time.Since(start).Seconds(),
									int(atomic.LoadInt64(&evals)),
									variant,
									bestSnapshot,
									bestEvalSnapshot.metrics,
									bestEvalSnapshot.file,
									bestEvalSnapshot.left,
									bestEvalSnapshot.right,
									checkpointNum,
									topSnapshot,
								); err != nil {
									fmt.Fprintf(os.Stderr, "checkpoint write failed: %v\n", err)
								} else {
									state.mu.Lock()
									if checkpointNum > state.checkpoints {
										state.checkpoints = checkpointNum
									}
									state.mu.Unlock()
								}
							}
						}
						outputMu.Unlock()
					}

					if cfg.reportEvery > 0 && evalNum%int64(cfg.reportEvery) == 0 {
						fmt.Printf("Progress eval=%d/%d elapsed=%.1fs best=%.4f\n", evalNum, cfg.maxEvals, time.Since(start).Seconds(), bestScore)
					}
					return evalRes.metrics.Score
				}

				if _, err := runMayfly(mayflyConfig); err != nil {
					fmt.Fprintf(os.Stderr, "mayfly round %d failed: %v\n", round, err)
				}
			}
		}()
	}
	wg.Wait()

	state.mu.Lock()
	finalBest := cloneCandidate(state.best)
	finalEval := cloneOptimizationEval(state.bestEval)
	finalTop := cloneTopCandidates(state.top)
	finalCheckpoints := state.checkpoints
	state.mu.Unlock()

	refineTopK := cfg.refineTopK
	if refineTopK < 1 {
		refineTopK = 1
	}
	seen := make(map[string]struct{}, refineTopK)
	candidates := make([]candidate, 0, refineTopK)
	addCandidate := func(c candidate) {
		if len(candidates) >= refineTopK {
			return
		}
		key := candidateKey(c)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		candidates = append(candidates, c)
	}
	addCandidate(finalBest)
	for _, entry := range finalTop {
		if len(candidates) >= refineTopK {
			break
		}
		addCandidate(candidateFromTop(entry, cfg.defs, finalBest))
	}

	refinedTop := make([]topCandidate, 0, cfg.topK)
	var refinedBest candidate
	var refinedEval optimizationEval
	hasRefinedBest := false
	for i, cand := range candidates {
		evalRes, err := evaluateCandidate(cfg, cand, finalEvalSettings)
		if err != nil {
			fmt.Fprintf(os.Stderr, "refine eval %d failed: %v\n", i+1, err)
			continue
		}
		refinedTop = updateTopCandidates(refinedTop, cfg.topK, i+1, evalRes.metrics, cfg.defs, cand)
		if !hasRefinedBest || evalRes.metrics.Score < refinedEval.metrics.Score {
			refinedBest = cloneCandidate(cand)
			refinedEval = cloneOptimizationEval(evalRes)
			hasRefinedBest = true
		}
	}
	if hasRefinedBest {
		finalBest = refinedBest
		finalEval = refinedEval
		if len(refinedTop) > 0 {
			finalTop = refinedTop
		}
	}

	return &optimizationResult{
		best:        finalBest,
		bestMetrics: finalEval.metrics,
		bestFile:    finalEval.file,
		bestLeft:    finalEval.left,
		bestRight:   finalEval.right,
		top:         finalTop,
		evals:       int(atomic.LoadInt64(&evals)),
		elapsed:     time.Since(start).Seconds(),
		checkpoints: finalCheckpoints,
	}, nil
}

// evaluateCandidate renders one candidate on a fresh engine and scores it
// against the reference. Every evaluation reuses the engine seed, so score
// differences come from the knobs and never from the grain RNG.
func evaluateCandidate(cfg *optimizationConfig, cand candidate, settings evalSettings) (optimizationEval, error) {
	file := applyCandidate(cfg.basePreset, cfg.defs, cand)

	eng, err := granular.NewEngine(granular.EngineConfig{
		SampleRate: float64(settings.sampleRate),
		MaxGrains:  cfg.maxGrains,
		Strategy:   cfg.strategy,
		Seed:       cfg.seed,
	})
	if err != nil {
		return optimizationEval{}, err
	}
	defer eng.Close()

	if err := eng.Prepare(1, 2, settings.renderBlockSize); err != nil {
		return optimizationEval{}, err
	}
	eng.SetMaterial(cfg.material)
	if err := preset.ApplyFile(eng, file); err != nil {
		return optimizationEval{}, err
	}
	eng.Params().ResetSmoothing()
	eng.Matrix().ResetSmoothing()

	left, right, err := renderEngine(eng, settings.sampleRate, settings.durationSec, settings.renderBlockSize)
	if err != nil {
		return optimizationEval{}, err
	}

	return optimizationEval{
		metrics: analysis.Compare(settings.reference, wavio.MonoMix64(left, right), settings.sampleRate),
		file:    file,
		left:    left,
		right:   right,
	}, nil
}

// renderEngine runs the generator for a fixed duration and returns the
// planar channels. Granular output sustains as long as grains keep
// spawning, so there is no decay-based auto stop here.
func renderEngine(eng *granular.Engine, sampleRate int, durationSec float64, blockSize int) ([]float32, []float32, error) {
	totalFrames := int(float64(sampleRate) * durationSec)
	if totalFrames < 1 {
		return nil, nil, errors.New("render duration too small")
	}
	if blockSize < 16 {
		blockSize = 16
	}

	out := granular.NewBlock(2, blockSize)
	left := make([]float32, 0, totalFrames)
	right := make([]float32, 0, totalFrames)
	for rendered := 0; rendered < totalFrames; {
		frames := minInt(blockSize, totalFrames-rendered)
		out.Frames = frames
		if err := eng.Process(nil, out); err != nil {
			return nil, nil, err
		}
		for i := 0; i < frames; i++ {
			left = append(left, out.Samples[2*i])
			right = append(right, out.Samples[2*i+1])
		}
		rendered += frames
	}
	return left, right, nil
}

func cloneCandidate(c candidate) candidate {
	vals := make([]float64, len(c.Vals))
	copy(vals, c.Vals)
	return candidate{Vals: vals}
}

func cloneOptimizationEval(in optimizationEval) optimizationEval {
	out := optimizationEval{
		metrics: in.metrics,
		file:    clonePreset(in.file),
	}
	if len(in.left) > 0 {
		out.left = append([]float32(nil), in.left...)
	}
	if len(in.right) > 0 {
		out.right = append([]float32(nil), in.right...)
	}
	return out
}

func cloneTopCandidates(in []topCandidate) []topCandidate {
	out := make([]topCandidate, len(in))
	for i := range in {
		entry := topCandidate{
			Eval:       in[i].Eval,
			Score:      in[i].Score,
			Similarity: in[i].Similarity,
			Knobs:      make(map[string]float64, len(in[i].Knobs)),
		}
		for k, v := range in[i].Knobs {
			entry.Knobs[k] = v
		}
		out[i] = entry
	}
	return out
}

func candidateFromTop(entry topCandidate, defs []knobDef, fallback candidate) candidate {
	vals := make([]float64, len(fallback.Vals))
	copy(vals, fallback.Vals)
	for i, d := range defs {
		if v, ok := entry.Knobs[d.Name]; ok {
			vals[i] = clamp(v, d.Min, d.Max)
			if d.IsInt {
				vals[i] = math.Round(vals[i])
			}
		}
	}
	return candidate{Vals: vals}
}

func candidateKey(c candidate) string {
	var b strings.Builder
	for i, v := range c.Vals {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%.6g", v)
	}
	return b.String()
}

func newMayflyConfig(variant string, pop int, dims int, iters int) (*mayfly.Config, error) {
	var cfg *mayfly.Config
	switch variant {
	case "ma":
		cfg = mayfly.NewDefaultConfig()
	case "desma":
		cfg = mayfly.NewDESMAConfig()
	case "olce":
		cfg = mayfly.NewOLCEConfig()
	case "eobbma":
		cfg = mayfly.NewEOBBMAConfig()
	case "gsasma":
		cfg = mayfly.NewGSASMAConfig()
	case "mpma":
		cfg = mayfly.NewMPMAConfig()
	case "aoblmoa":
		cfg = mayfly.NewAOBLMOAConfig()
	default:
		return nil, fmt.Errorf("unsupported variant %q", variant)
	}
	cfg.ProblemSize = dims
	cfg.LowerBound = 0.0
	cfg.UpperBound = 1.0
	cfg.MaxIterations = iters
	cfg.NPop = pop
	cfg.NPopF = pop
	cfg.NC = 2 * pop
	cfg.NM = maxInt(1, int(math.Round(0.05*float64(pop))))
	return cfg, nil
}

func runMayfly(cfg *mayfly.Config) (_ *mayfly.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mayfly panic: %v", r)
		}
	}()
	return mayfly.Optimize(cfg)
}

func reserveEval(evals *int64, maxEvals int) (int64, bool) {
	for {
		cur := atomic.LoadInt64(evals)
		if cur >= int64(maxEvals) {
			return 0, false
		}
		if atomic.CompareAndSwapInt64(evals, cur, cur+1) {
			return cur + 1, true
		}
	}
}

func currentBestScore(state *optimizationState) float64 {
	state.mu.Lock()
	score := state.bestEval.metrics.Score
	state.mu.Unlock()
	return score
}

func updateTopCandidates(top []topCandidate, topK int, eval int, metrics analysis.Metrics, defs []knobDef, cand candidate) []topCandidate {
	entry := topCandidate{
		Eval:       eval,
		Score:      metrics.Score,
		Similarity: metrics.Similarity,
		Knobs:      make(map[string]float64, len(defs)),
	}
	for i, d := range defs {
		entry.Knobs[d.Name] = cand.Vals[i]
	}
	top = append(top, entry)
	sort.Slice(top, func(i, j int) bool {
		if top[i].Score == top[j].Score {
			return top[i].Eval < top[j].Eval
		}
		return top[i].Score < top[j].Score
	})
	if len(top) > topK {
		top = top[:topK]
	}
	return top
}

func clonePreset(src *preset.File) *preset.File {
	if src == nil {
		return &preset.File{}
	}
	d := *src
	cp := func(p *float64) *float64 {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	cpb := func(p *bool) *bool {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	d.Bypass = cpb(src.Bypass)
	d.GrainSizeMs = cp(src.GrainSizeMs)
	d.DensityHz = cp(src.DensityHz)
	d.Position = cp(src.Position)
	d.PositionRange = cp(src.PositionRange)
	d.SizeVariation = cp(src.SizeVariation)
	d.Gain = cp(src.Gain)
	d.GainVariation = cp(src.GainVariation)
	d.Spread = cp(src.Spread)
	d.ReverseProb = cp(src.ReverseProb)
	d.Pitch = cp(src.Pitch)
	d.Stretch = cp(src.Stretch)
	d.Spectral = cpb(src.Spectral)
	d.ChaosRate = cp(src.ChaosRate)
	if src.Lorenz != nil {
		d.Lorenz = &preset.LorenzSetting{Rho: cp(src.Lorenz.Rho)}
	}
	if len(src.Routes) > 0 {
		d.Routes = make([]preset.RouteSetting, len(src.Routes))
		for i, rt := range src.Routes {
			d.Routes[i] = preset.RouteSetting{
				Source:      rt.Source,
				Destination: rt.Destination,
				Depth:       cp(rt.Depth),
				Offset:      cp(rt.Offset),
				SmoothingMs: cp(rt.SmoothingMs),
				Mode:        rt.Mode,
			}
		}
	}
	return &d
}
