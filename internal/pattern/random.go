package pattern

import (
	"math/rand/v2"

	"github.com/gateway-fm/availbench/pkg/types"
)

// Random yields uniformly distributed sizes in [minSize, maxSize]. The
// sequence is drawn up front from a seeded generator, so equal seeds give
// equal sequences.
type Random struct {
	sizes []int
}

// NewRandom creates a random pattern of count positions.
func NewRandom(minSize, maxSize, count int, seed uint64) *Random {
	if maxSize < minSize {
		minSize, maxSize = maxSize, minSize
	}
	if count < 1 {
		count = 1
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	sizes := make([]int, count)
	for i := range sizes {
		sizes[i] = minSize + rng.IntN(maxSize-minSize+1)
	}
	return &Random{sizes: sizes}
}

// Name returns the pattern identifier.
func (r *Random) Name() types.SizePattern {
	return types.SizePatternRandom
}

// SizeAt returns the pre-drawn size at position i, wrapping around.
func (r *Random) SizeAt(i int) int {
	return r.sizes[i%len(r.sizes)]
}
