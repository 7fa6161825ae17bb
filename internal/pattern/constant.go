package pattern

import "github.com/gateway-fm/availbench/pkg/types"

// Constant yields the same payload size at every position.
type Constant struct {
	size int
}

// NewConstant creates a constant size pattern.
func NewConstant(size int) *Constant {
	return &Constant{size: size}
}

// Name returns the pattern identifier.
func (c *Constant) Name() types.SizePattern {
	return types.SizePatternConstant
}

// SizeAt returns the constant size regardless of position.
func (c *Constant) SizeAt(int) int {
	return c.size
}

// List yields an explicit sequence of sizes, wrapping around.
type List struct {
	sizes []int
}

// NewList creates a list pattern. The slice is copied.
func NewList(sizes []int) *List {
	return &List{sizes: append([]int(nil), sizes...)}
}

// Name returns the pattern identifier.
func (l *List) Name() types.SizePattern {
	return types.SizePatternList
}

// SizeAt returns the size at position i modulo the list length.
func (l *List) SizeAt(i int) int {
	if len(l.sizes) == 0 {
		return 0
	}
	return l.sizes[i%len(l.sizes)]
}
