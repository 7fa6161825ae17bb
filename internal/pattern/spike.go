package pattern

import "github.com/gateway-fm/availbench/pkg/types"

// Spike implements a pattern with periodic oversized payloads.
type Spike struct {
	baselineSize int
	spikeSize    int
	every        int
}

// NewSpike creates a spike pattern.
// Every every-th position uses spikeSize, all others use baselineSize.
func NewSpike(baselineSize, spikeSize, every int) *Spike {
	return &Spike{
		baselineSize: baselineSize,
		spikeSize:    spikeSize,
		every:        every,
	}
}

// Name returns the pattern identifier.
func (s *Spike) Name() types.SizePattern {
	return types.SizePatternSpike
}

// SizeAt returns the size based on whether the position is a spike.
func (s *Spike) SizeAt(i int) int {
	if s.every <= 0 {
		return s.baselineSize
	}
	// Spike on the last position of each interval
	if (i+1)%s.every == 0 {
		return s.spikeSize
	}
	return s.baselineSize
}
