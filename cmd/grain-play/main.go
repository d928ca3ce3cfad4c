package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/cwbudde/algo-granular/granular"
	"github.com/cwbudde/algo-granular/preset"
	"github.com/cwbudde/algo-granular/source"
)

func main() {
	sourcePath := flag.String("source", "", "Source material WAV path (overrides the preset)")
	presetPath := flag.String("preset", "", "Preset JSON file path (optional)")
	sampleRate := flag.Int("sample-rate", 44100, "Stream sample rate in Hz")
	blockSize := flag.Int("block", 512, "Frames per audio callback")
	maxGrains := flag.Int("grains", 0, "Maximum simultaneous grains (0 = engine default)")
	seed := flag.Int64("seed", 1, "Random seed for grain scatter")
	duration := flag.Float64("duration", 0, "Stop after this many seconds (0 = run until Ctrl-C)")
	monitor := flag.Bool("monitor", false, "Play the source material itself instead of granulating")
	flag.Parse()

	var file *preset.File
	var err error
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

	if err := portaudio.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing PortAudio: %v\n", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()

	if *monitor {
		err = runMonitor(material, *sampleRate, *blockSize, *duration)
	} else {
		err = runEngine(material, file, *sampleRate, *blockSize, *maxGrains, *seed, *duration)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runEngine(material string, file *preset.File, sampleRate, blockSize, maxGrains int, seed int64, duration float64) error {
	engine, err := granular.NewEngine(granular.EngineConfig{
		SampleRate: float64(sampleRate),
		MaxGrains:  maxGrains,
		Strategy:   granular.StealSmart,
		Seed:       seed,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Prepare(1, 2, blockSize); err != nil {
		return err
	}
	if err := engine.LoadMaterial(material); err != nil {
		return fmt.Errorf("loading material %q: %w", material, err)
	}
	if file != nil {
		if err := preset.ApplyFile(engine, file); err != nil {
			return fmt.Errorf("applying preset: %w", err)
		}
	}
	engine.Params().ResetSmoothing()

	var procErrs atomic.Uint64
	blk := &granular.Block{Channels: 2}
	callback := func(out []float32) {
		blk.Samples = out
		blk.Frames = len(out) / 2
		if err := engine.Process(nil, blk); err != nil {
			procErrs.Add(1)
		}
	}

	stream, err := portaudio.OpenDefaultStream(0, 2, float64(sampleRate), blockSize, callback)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	fmt.Printf("Granulating %s at %d Hz. Ctrl-C to stop.\n", material, sampleRate)

	done := make(chan struct{})
	go drainLoop(engine, done)
	waitForStop(duration)
	close(done)

	if err := stream.Stop(); err != nil {
		return err
	}
	if n := procErrs.Load(); n > 0 {
		fmt.Fprintf(os.Stderr, "engine: %d process errors\n", n)
	}
	reportEvents(engine)
	return nil
}

// runMonitor streams the raw material to the output, looping at the
// end, so the player can audition a file before granulating it.
func runMonitor(material string, sampleRate, blockSize int, duration float64) error {
	mat, err := source.Open(material)
	if err != nil {
		return fmt.Errorf("loading material %q: %w", material, err)
	}
	defer mat.Close()
	if rate := int(mat.SampleRate()); rate != sampleRate {
		fmt.Fprintf(os.Stderr, "note: material is %d Hz, playing at %d Hz\n", rate, sampleRate)
	}

	str, err := source.NewStreamer(mat, 0, 0)
	if err != nil {
		return err
	}
	defer str.Close()
	str.StartStream(0)

	mon := &monitorFeed{str: str, chans: mat.Channels(), total: mat.Frames()}
	stream, err := portaudio.OpenDefaultStream(0, 2, float64(sampleRate), blockSize, mon.fill)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	fmt.Printf("Monitoring %s (%.1fs of material). Ctrl-C to stop.\n",
		material, float64(mat.Frames())/mat.SampleRate())

	waitForStop(duration)
	if err := stream.Stop(); err != nil {
		return err
	}
	if n := str.Underflows(); n > 0 {
		fmt.Fprintf(os.Stderr, "stream: %d underflows\n", n)
	}
	return nil
}

// monitorFeed pulls prefetched stream blocks and lays them out as
// stereo. Only the audio callback touches it.
type monitorFeed struct {
	str   *source.Streamer
	cur   *source.StreamBlock
	off   int
	chans int
	total int64
}

func (m *monitorFeed) fill(out []float32) {
	frames := len(out) / 2
	for i := 0; i < frames; i++ {
		if m.cur == nil || m.off >= m.cur.Frames {
			if m.cur != nil {
				end := m.cur.Start + int64(m.cur.Frames)
				m.str.ReturnBlock(m.cur)
				m.cur = nil
				if end >= m.total {
					m.str.StartStream(0)
				}
			}
			blk, ok := m.str.NextBlock()
			if !ok {
				for ; i < frames; i++ {
					out[2*i] = 0
					out[2*i+1] = 0
				}
				return
			}
			m.cur, m.off = blk, 0
		}
		if m.chans == 1 {
			s := m.cur.Data[m.off]
			out[2*i] = s
			out[2*i+1] = s
		} else {
			out[2*i] = m.cur.Data[m.off*m.chans]
			out[2*i+1] = m.cur.Data[m.off*m.chans+1]
		}
		m.off++
	}
}

func waitForStop(duration float64) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	if duration > 0 {
		select {
		case <-sig:
		case <-time.After(time.Duration(duration * float64(time.Second))):
		}
		return
	}
	<-sig
}

func drainLoop(e *granular.Engine, done <-chan struct{}) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			e.DrainEvents(func(ev granular.Event) {
				fmt.Fprintf(os.Stderr, "engine: %s (%.2f)\n", ev.Kind, ev.Value)
			})
		}
	}
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
