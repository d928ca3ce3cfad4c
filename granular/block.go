// Package granular turns recorded source material into clouds of short
// windowed grains scheduled by chaotic modulation. The Engine ties the
// parameter plane, modulation matrix, attractors, voice pool and grain
// cloud into one real-time process loop.
package granular

// Block is one span of interleaved audio frames exchanged with the
// host. Capacity is fixed up front; the audio path never resizes it.
type Block struct {
	Samples  []float32
	Channels int
	Frames   int
}

// NewBlock allocates a block of the given geometry.
func NewBlock(channels, frames int) *Block {
	return &Block{
		Samples:  make([]float32, channels*frames),
		Channels: channels,
		Frames:   frames,
	}
}

// Zero silences the block.
func (b *Block) Zero() {
	for i := range b.Samples {
		b.Samples[i] = 0
	}
}
