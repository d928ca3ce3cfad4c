package source

import (
	"fmt"
	"sync/atomic"
)

// Stream pool defaults.
const (
	DefaultStreamBlocks = 8
	DefaultBlockFrames  = 4096
)

// StreamBlock is one prefetched span of interleaved source audio.
type StreamBlock struct {
	Data   []float32
	Frames int
	Start  int64
	gen    uint64
}

type fillReq struct {
	blk   *StreamBlock
	start int64
	gen   uint64
}

// Streamer prefetches sequential blocks of a material on a background
// goroutine. The consumer pops filled blocks without blocking, so an
// audio callback can ride the stream and simply miss a beat when the
// filler falls behind.
type Streamer struct {
	mat         *Material
	blockFrames int

	free   chan *StreamBlock
	filled chan *StreamBlock
	fills  chan fillReq

	done    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool

	streaming  atomic.Bool
	gen        atomic.Uint64
	pos        atomic.Int64
	underflows atomic.Uint64
}

// NewStreamer builds a streamer over mat with a fixed pool of blocks.
// Zero counts select the defaults. The streamer retains the material
// until Close.
func NewStreamer(mat *Material, blocks, blockFrames int) (*Streamer, error) {
	if mat == nil {
		return nil, fmt.Errorf("source: streamer needs a material")
	}
	if blocks == 0 {
		blocks = DefaultStreamBlocks
	}
	if blockFrames == 0 {
		blockFrames = DefaultBlockFrames
	}
	if blocks < 2 {
		return nil, fmt.Errorf("source: streamer needs at least 2 blocks: %d", blocks)
	}
	if blockFrames < 1 {
		return nil, fmt.Errorf("source: block frames must be positive: %d", blockFrames)
	}

	mat.Retain()
	s := &Streamer{
		mat:         mat,
		blockFrames: blockFrames,
		free:        make(chan *StreamBlock, blocks),
		filled:      make(chan *StreamBlock, blocks),
		fills:       make(chan fillReq, blocks),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	for i := 0; i < blocks; i++ {
		s.free <- &StreamBlock{Data: make([]float32, blockFrames*mat.Channels())}
	}
	go s.run()
	return s, nil
}

// BlockFrames returns the frames per stream block.
func (s *Streamer) BlockFrames() int { return s.blockFrames }

// Channels returns the material channel count.
func (s *Streamer) Channels() int { return s.mat.Channels() }

// Material returns the streamed material.
func (s *Streamer) Material() *Material { return s.mat }

// Underflows counts NextBlock calls that found nothing ready.
func (s *Streamer) Underflows() uint64 { return s.underflows.Load() }

// StartStream begins prefetching at startFrame, priming half the pool.
// A running stream is stopped first.
func (s *Streamer) StartStream(startFrame int64) {
	s.StopStream()
	s.gen.Add(1)
	s.pos.Store(startFrame)
	s.streaming.Store(true)
	for i := 0; i < cap(s.free)/2; i++ {
		if !s.scheduleFill() {
			break
		}
	}
}

// NextBlock pops the next filled block without blocking and schedules a
// replacement fill. ok is false when the stream is stopped or the
// filler has fallen behind; the latter counts as an underflow.
func (s *Streamer) NextBlock() (*StreamBlock, bool) {
	if !s.streaming.Load() {
		return nil, false
	}
	for {
		select {
		case blk := <-s.filled:
			if blk.gen != s.gen.Load() {
				// Left over from a previous stream position.
				s.ReturnBlock(blk)
				continue
			}
			s.scheduleFill()
			return blk, true
		default:
			s.underflows.Add(1)
			return nil, false
		}
	}
}

// ReturnBlock hands a consumed block back to the pool.
func (s *Streamer) ReturnBlock(b *StreamBlock) {
	if b == nil {
		return
	}
	select {
	case s.free <- b:
	default:
	}
}

// StopStream halts prefetching and recycles everything already filled.
// Blocks held by the consumer may still be returned afterwards.
func (s *Streamer) StopStream() {
	s.streaming.Store(false)
	for {
		select {
		case blk := <-s.filled:
			s.ReturnBlock(blk)
		default:
			return
		}
	}
}

// Close stops the fill goroutine and releases the material. Safe to
// call more than once.
func (s *Streamer) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.StopStream()
	close(s.done)
	<-s.stopped
	s.mat.Release()
}

func (s *Streamer) scheduleFill() bool {
	select {
	case blk := <-s.free:
		start := s.pos.Add(int64(s.blockFrames)) - int64(s.blockFrames)
		s.fills <- fillReq{blk: blk, start: start, gen: s.gen.Load()}
		return true
	default:
		return false
	}
}

func (s *Streamer) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case req := <-s.fills:
			if req.gen != s.gen.Load() || !s.streaming.Load() {
				s.ReturnBlock(req.blk)
				continue
			}
			s.mat.ReadAt(req.start, req.blk.Data, s.blockFrames)
			req.blk.Start = req.start
			req.blk.Frames = s.blockFrames
			req.blk.gen = req.gen
			select {
			case s.filled <- req.blk:
			default:
				s.ReturnBlock(req.blk)
			}
		}
	}
}
