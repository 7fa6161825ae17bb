package pattern

import (
	"math"

	"github.com/gateway-fm/availbench/pkg/types"
)

// Ramp implements a linearly increasing size pattern.
type Ramp struct {
	minSize int
	maxSize int
	steps   int
}

// NewRamp creates a ramp pattern that grows from minSize to maxSize over
// steps positions.
func NewRamp(minSize, maxSize, steps int) *Ramp {
	return &Ramp{
		minSize: minSize,
		maxSize: maxSize,
		steps:   steps,
	}
}

// Name returns the pattern identifier.
func (r *Ramp) Name() types.SizePattern {
	return types.SizePatternRamp
}

// SizeAt returns the size based on linear interpolation of the position.
func (r *Ramp) SizeAt(i int) int {
	if i <= 0 || r.steps <= 1 {
		return r.minSize
	}
	if i >= r.steps-1 {
		return r.maxSize
	}

	progress := float64(i) / float64(r.steps-1)
	return r.minSize + int(math.Round(progress*float64(r.maxSize-r.minSize)))
}
