package workload

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoCandidates is returned by NextCandidate before GenerateCandidates ran.
var ErrNoCandidates = errors.New("no candidates generated")

// Cycle is a restartable, infinite view over a fixed slice.
type Cycle[T any] struct {
	items []T
	pos   int
}

// NewCycle returns a cycle over items. The slice is not copied.
func NewCycle[T any](items []T) *Cycle[T] {
	return &Cycle[T]{items: items}
}

// Next returns the next item, wrapping around after the last one.
// It panics on an empty cycle.
func (c *Cycle[T]) Next() T {
	item := c.items[c.pos%len(c.items)]
	c.pos = (c.pos + 1) % len(c.items)
	return item
}

// Reset rewinds the cycle to its first item.
func (c *Cycle[T]) Reset() {
	c.pos = 0
}

// Len returns the number of distinct items.
func (c *Cycle[T]) Len() int {
	return len(c.items)
}

// GenerateCandidates mints count candidates, replacing any previous
// generation. Templates are chosen by cycling through the configured payload
// sizes from the start, so two generations with the same configuration
// produce identical sequences.
func (s *TestState) GenerateCandidates(count int) error {
	if count < 0 {
		return fmt.Errorf("candidate count must be non-negative, got %d", count)
	}

	s.sizes.Reset()
	candidates := make([]CandidateReceipt, 0, count)
	index := make(map[common.Hash]int, count)

	for seq := 0; seq < count; seq++ {
		size := s.sizes.Next()
		tmpl, ok := s.bySize[size]
		if !ok {
			return fmt.Errorf("no template for payload size %d", size)
		}

		candidate := s.templates[tmpl].receipt.withRelayParent(uint64(seq))
		hash := candidate.Hash()
		if _, dup := index[hash]; dup {
			return fmt.Errorf("duplicate candidate hash %s at sequence %d", hash, seq)
		}
		index[hash] = tmpl
		candidates = append(candidates, candidate)
	}

	s.candidates = NewCycle(candidates)
	s.index = index

	s.logger.Debug("generated candidates",
		"count", count,
		"templates", len(s.templates),
	)
	return nil
}

// NextCandidate returns the next candidate in generation order, wrapping
// around after the last one.
func (s *TestState) NextCandidate() (CandidateReceipt, error) {
	if s.candidates == nil || s.candidates.Len() == 0 {
		return CandidateReceipt{}, ErrNoCandidates
	}
	return s.candidates.Next(), nil
}

// CandidateCount returns the number of candidates in the current generation.
func (s *TestState) CandidateCount() int {
	if s.candidates == nil {
		return 0
	}
	return s.candidates.Len()
}

// TemplateIndex resolves a candidate hash to the template it was minted from.
func (s *TestState) TemplateIndex(hash common.Hash) (int, bool) {
	i, ok := s.index[hash]
	return i, ok
}
