package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cwbudde/algo-granular/analysis"
	"github.com/cwbudde/algo-granular/internal/wavio"
	"github.com/cwbudde/algo-granular/preset"
)

type runReport struct {
	ReferencePath   string             `json:"reference_path"`
	PresetPath      string             `json:"preset_path,omitempty"`
	SourcePath      string             `json:"source_path"`
	OutputPreset    string             `json:"output_preset"`
	OutputRender    string             `json:"output_render,omitempty"`
	SampleRate      int                `json:"sample_rate"`
	DurationSec     float64            `json:"elapsed_seconds"`
	Evaluations     int                `json:"evaluations"`
	MayflyVariant   string             `json:"mayfly_variant"`
	BestScore       float64            `json:"best_score"`
	BestSimilarity  float64            `json:"best_similarity"`
	BestMetrics     analysis.Metrics   `json:"best_metrics"`
	BestKnobs       map[string]float64 `json:"best_knobs"`
	CheckpointCount int                `json:"checkpoint_count"`
	TopCandidates   []topCandidate     `json:"top_candidates,omitempty"`
}

func writeOutputs(
	cfg *optimizationConfig,
	sampleRate int,
	elapsed float64,
	evals int,
	variant string,
	best candidate,
	bestM analysis.Metrics,
	bestFile *preset.File,
	left []float32,
	right []float32,
	checkpoints int,
	top []topCandidate,
) error {
	f := clonePreset(bestFile)
	f.SourceWavPath = presetSourcePath(cfg.outputPreset, cfg.sourcePath)

	if dir := filepath.Dir(cfg.outputPreset); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := preset.SaveJSON(cfg.outputPreset, f); err != nil {
		return err
	}

	if cfg.outputRender != "" && len(left) > 0 {
		if err := wavio.WriteStereo(cfg.outputRender, left, right, sampleRate); err != nil {
			return err
		}
	}

	knobs := make(map[string]float64, len(cfg.defs))
	for i, d := range cfg.defs {
		knobs[d.Name] = best.Vals[i]
	}

	rep := runReport{
		ReferencePath:   cfg.referencePath,
		PresetPath:      cfg.presetPath,
		SourcePath:      cfg.sourcePath,
		OutputPreset:    cfg.outputPreset,
		OutputRender:    cfg.outputRender,
		SampleRate:      sampleRate,
		DurationSec:     elapsed,
		Evaluations:     evals,
		MayflyVariant:   variant,
		BestScore:       bestM.Score,
		BestSimilarity:  bestM.Similarity,
		BestMetrics:     bestM,
		BestKnobs:       knobs,
		CheckpointCount: checkpoints,
		TopCandidates:   top,
	}

	reportPath := cfg.reportPath
	if reportPath == "" {
		reportPath = cfg.outputPreset + ".report.json"
	}
	return writeJSON(reportPath, rep)
}

// presetSourcePath rewrites the material path relative to the preset's
// directory, the form LoadJSON resolves on the way back in.
func presetSourcePath(presetPath string, sourcePath string) string {
	sourcePath = strings.TrimSpace(sourcePath)
	if sourcePath == "" {
		return ""
	}

	presetDir := filepath.Dir(presetPath)
	presetDirAbs, err := filepath.Abs(presetDir)
	if err != nil {
		return sourcePath
	}

	srcAbs := sourcePath
	if !filepath.IsAbs(srcAbs) {
		srcAbs, err = filepath.Abs(srcAbs)
		if err != nil {
			return sourcePath
		}
	}

	rel, err := filepath.Rel(presetDirAbs, srcAbs)
	if err != nil {
		return sourcePath
	}
	return filepath.ToSlash(rel)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o644)
}
