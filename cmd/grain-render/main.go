package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/cwbudde/algo-granular/granular"
	"github.com/cwbudde/algo-granular/internal/wavio"
	"github.com/cwbudde/algo-granular/preset"
)

func main() {
	sourcePath := flag.String("source", "", "Source material WAV path (overrides the preset)")
	presetPath := flag.String("preset", "", "Preset JSON file path (optional)")
	duration := flag.Float64("duration", 8.0, "Render duration in seconds")
	decayDBFS := flag.Float64("decay-dbfs", math.Inf(1), "Auto-stop when block RMS falls below this dBFS (e.g. -90). Disabled by default")
	decayHoldBlocks := flag.Int("decay-hold-blocks", 6, "Consecutive below-threshold blocks required to stop in auto-decay mode")
	minDuration := flag.Float64("min-duration", 0.5, "Minimum render duration in seconds when using -decay-dbfs")
	maxDuration := flag.Float64("max-duration", 60.0, "Maximum render duration in seconds when using -decay-dbfs")
	sampleRate := flag.Int("sample-rate", 44100, "Render sample rate in Hz")
	blockSize := flag.Int("block", 512, "Processing block size in frames")
	maxGrains := flag.Int("grains", 0, "Maximum simultaneous grains (0 = engine default)")
	steal := flag.String("steal", "smart", "Voice steal strategy: oldest, quietest, leastimportant or smart")
	seed := flag.Int64("seed", 1, "Random seed for grain scatter")
	mono := flag.Bool("mono", false, "Downmix the render to mono")
	output := flag.String("output", "output.wav", "Output WAV file path")
	flag.Parse()

	strategy, err := parseStrategy(*steal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var file *preset.File
	if *presetPath != "" {
		file, err = preset.LoadJSON(*presetPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading preset %q: %v\n", *presetPath, err)
			os.Exit(1)
		}
	}
	material := *sourcePath
	if material == "" && file != nil {
		material = file.SourceWavPath
	}
	if material == "" {
		fmt.Fprintln(os.Stderr, "Error: no source material (use -source or a preset with source_wav_path)")
		os.Exit(1)
	}

	engine, err := granular.NewEngine(granular.EngineConfig{
		SampleRate: float64(*sampleRate),
		MaxGrains:  *maxGrains,
		Strategy:   strategy,
		Seed:       *seed,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.Prepare(1, 2, *blockSize); err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing engine: %v\n", err)
		os.Exit(1)
	}
	if err := engine.LoadMaterial(material); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading material %q: %v\n", material, err)
		os.Exit(1)
	}
	if file != nil {
		if err := preset.ApplyFile(engine, file); err != nil {
			fmt.Fprintf(os.Stderr, "Error applying preset: %v\n", err)
			os.Exit(1)
		}
	}
	engine.Params().ResetSmoothing()

	fmt.Printf("Rendering %.2f s of %s at %d Hz (seed %d, steal %s)...\n",
		*duration, material, *sampleRate, *seed, strategy)

	autoStop := !math.IsInf(*decayDBFS, 1)
	totalFrames := int(float64(*sampleRate) * (*duration))
	if totalFrames < 1 {
		totalFrames = 1
	}
	maxFrames := totalFrames
	minFrames := 0
	if autoStop {
		minFrames = int(float64(*sampleRate) * (*minDuration))
		maxFrames = int(float64(*sampleRate) * (*maxDuration))
		if maxFrames < minFrames {
			maxFrames = minFrames
		}
		if maxFrames < *blockSize {
			maxFrames = *blockSize
		}
	}
	if *decayHoldBlocks < 1 {
		*decayHoldBlocks = 1
	}

	out := granular.NewBlock(2, *blockSize)
	left := make([]float32, 0, maxFrames)
	right := make([]float32, 0, maxFrames)
	thresholdLin := math.Pow(10.0, *decayDBFS/20.0)
	belowCount := 0
	rendered := 0

	for rendered < maxFrames {
		frames := *blockSize
		if rendered+frames > maxFrames {
			frames = maxFrames - rendered
		}
		out.Frames = frames
		if err := engine.Process(nil, out); err != nil {
			fmt.Fprintf(os.Stderr, "Error processing block: %v\n", err)
			os.Exit(1)
		}
		for i := 0; i < frames; i++ {
			left = append(left, out.Samples[2*i])
			right = append(right, out.Samples[2*i+1])
		}
		rendered += frames

		if autoStop && rendered >= minFrames {
			if wavio.RMS(left[rendered-frames:], right[rendered-frames:]) < thresholdLin {
				belowCount++
				if belowCount >= *decayHoldBlocks {
					break
				}
			} else {
				belowCount = 0
			}
		}
	}
	if autoStop {
		fmt.Printf("Auto-stop at %d frames (%.3fs), threshold %.1f dBFS\n",
			rendered, float64(rendered)/float64(*sampleRate), *decayDBFS)
	}

	reportEvents(engine)

	if *mono {
		mix := make([]float32, rendered)
		for i := range mix {
			mix[i] = 0.5 * (left[i] + right[i])
		}
		err = wavio.WriteMono(*output, mix, *sampleRate)
	} else {
		err = wavio.WriteStereo(*output, left, right, *sampleRate)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %q: %v\n", *output, err)
		os.Exit(1)
	}
	fmt.Printf("Successfully wrote %s (%d frames)\n", *output, rendered)
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

func reportEvents(e *granular.Engine) {
	counts := map[granular.EventKind]int{}
	e.DrainEvents(func(ev granular.Event) {
		counts[ev.Kind]++
	})
	for kind, n := range counts {
		fmt.Fprintf(os.Stderr, "engine: %d %s events\n", n, kind)
	}
}
