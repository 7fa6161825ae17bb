// Package pattern provides payload size pattern implementations.
package pattern

import (
	"fmt"

	"github.com/gateway-fm/availbench/pkg/types"
)

// Pattern calculates the payload size for a position in the size cycle.
type Pattern interface {
	// Name returns the pattern identifier.
	Name() types.SizePattern

	// SizeAt returns the payload size in bytes for position i (0-based).
	SizeAt(i int) int
}

// Config holds pattern-specific configuration.
type Config struct {
	// Count is the length of the generated size cycle.
	Count int

	// List pattern
	Sizes []int

	// Constant pattern
	ConstantSize int

	// Ramp and random patterns
	MinSize int
	MaxSize int

	// Spike pattern
	BaselineSize int
	SpikeSize    int
	SpikeEvery   int

	// Random pattern
	Seed uint64
}

// Registry manages pattern lookup by name.
type Registry struct {
	patterns map[types.SizePattern]func(Config) Pattern
}

// NewRegistry creates a new pattern registry with all built-in patterns.
func NewRegistry() *Registry {
	r := &Registry{
		patterns: make(map[types.SizePattern]func(Config) Pattern),
	}

	r.Register(types.SizePatternList, func(cfg Config) Pattern {
		return NewList(cfg.Sizes)
	})
	r.Register(types.SizePatternConstant, func(cfg Config) Pattern {
		return NewConstant(cfg.ConstantSize)
	})
	r.Register(types.SizePatternRamp, func(cfg Config) Pattern {
		return NewRamp(cfg.MinSize, cfg.MaxSize, cfg.Count)
	})
	r.Register(types.SizePatternSpike, func(cfg Config) Pattern {
		return NewSpike(cfg.BaselineSize, cfg.SpikeSize, cfg.SpikeEvery)
	})
	r.Register(types.SizePatternRandom, func(cfg Config) Pattern {
		return NewRandom(cfg.MinSize, cfg.MaxSize, cfg.Count, cfg.Seed)
	})

	return r
}

// Register adds a pattern factory to the registry.
func (r *Registry) Register(name types.SizePattern, factory func(Config) Pattern) {
	r.patterns[name] = factory
}

// Get returns a pattern instance for the given name and config.
func (r *Registry) Get(name types.SizePattern, cfg Config) (Pattern, error) {
	factory, ok := r.patterns[name]
	if !ok {
		return nil, fmt.Errorf("unknown pattern: %s", name)
	}
	return factory(cfg), nil
}

// Sizes materializes the first count sizes of p.
func Sizes(p Pattern, count int) []int {
	if count <= 0 {
		return nil
	}
	out := make([]int, count)
	for i := range out {
		out[i] = p.SizeAt(i)
	}
	return out
}

// Resolve looks up name in a default registry and materializes cfg.Count
// sizes. The list pattern always yields its configured sizes verbatim.
func Resolve(name types.SizePattern, cfg Config) ([]int, error) {
	if name == types.SizePatternList {
		if len(cfg.Sizes) == 0 {
			return nil, fmt.Errorf("list pattern requires at least one size")
		}
		return append([]int(nil), cfg.Sizes...), nil
	}
	if cfg.Count <= 0 {
		return nil, fmt.Errorf("pattern %s requires a positive count, got %d", name, cfg.Count)
	}
	p, err := NewRegistry().Get(name, cfg)
	if err != nil {
		return nil, err
	}
	return Sizes(p, cfg.Count), nil
}
