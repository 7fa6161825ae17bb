package workload

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/availbench/internal/erasure"
)

// Config selects the shape of the synthetic workload.
type Config struct {
	// Validators is the number of chunks each payload is spread over.
	Validators int
	// PoVSizes is the cyclic sequence of payload sizes candidates draw from.
	// Repeated sizes share one template.
	PoVSizes []int
}

// Template is one payload together with its derived chunks and the receipt
// every candidate of that size is cloned from.
type Template struct {
	Data    *AvailableData
	Chunks  *erasure.ChunkSet
	receipt CandidateReceipt
	encoded int
}

// Receipt returns the template receipt (relay parent unset).
func (t *Template) Receipt() CandidateReceipt { return t.receipt }

// EncodedSize returns the canonical encoded size of the template data.
func (t *Template) EncodedSize() int { return t.encoded }

// TestState owns all templates, chunk sets and the candidate sequence of a
// run. Templates and chunk sets are read-only after NewTestState returns and
// can be read concurrently. Candidate generation and iteration are not safe
// for concurrent use.
type TestState struct {
	config    Config
	templates []*Template
	bySize    map[int]int
	sizes     *Cycle[int]

	candidates *Cycle[CandidateReceipt]
	index      map[common.Hash]int

	logger *slog.Logger
}

// NewTestState builds one template per distinct payload size, in first-seen
// order, and derives each template's chunk set once.
func NewTestState(cfg Config, logger *slog.Logger) (*TestState, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.PoVSizes) == 0 {
		return nil, errors.New("at least one payload size is required")
	}

	s := &TestState{
		config: cfg,
		bySize: make(map[int]int),
		sizes:  NewCycle(append([]int(nil), cfg.PoVSizes...)),
		index:  make(map[common.Hash]int),
		logger: logger,
	}

	for _, size := range cfg.PoVSizes {
		if size < 0 {
			return nil, fmt.Errorf("payload size must be non-negative, got %d", size)
		}
		if _, ok := s.bySize[size]; ok {
			continue
		}
		idx := len(s.templates)
		tmpl, err := newTemplate(idx, size, cfg.Validators)
		if err != nil {
			return nil, fmt.Errorf("template %d (%d bytes): %w", idx, size, err)
		}
		s.templates = append(s.templates, tmpl)
		s.bySize[size] = idx

		logger.Debug("derived template",
			"index", idx,
			"pov_size", size,
			"encoded_size", tmpl.encoded,
			"erasure_root", tmpl.Chunks.Root,
		)
	}

	return s, nil
}

func newTemplate(index, size, validators int) (*Template, error) {
	data := newTemplateData(index, size)
	encoded, err := data.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}

	chunks, err := erasure.Derive(encoded, validators)
	if err != nil {
		return nil, err
	}

	pvd := data.ValidationData
	return &Template{
		Data:   data,
		Chunks: chunks,
		receipt: CandidateReceipt{
			Descriptor: CandidateDescriptor{
				PersistedValidationDataHash: rlpHash(&pvd),
				PoVHash:                     crypto.Keccak256Hash(data.PoV),
				ErasureRoot:                 chunks.Root,
			},
		},
		encoded: len(encoded),
	}, nil
}

// Config returns the configuration the state was built with.
func (s *TestState) Config() Config { return s.config }

// Validators returns the number of chunks per payload.
func (s *TestState) Validators() int { return s.config.Validators }

// Templates returns the templates in index order.
func (s *TestState) Templates() []*Template { return s.templates }

// Template returns the template at index i.
func (s *TestState) Template(i int) (*Template, bool) {
	if i < 0 || i >= len(s.templates) {
		return nil, false
	}
	return s.templates[i], true
}

// AvailableData returns the payload of template i.
func (s *TestState) AvailableData(i int) (*AvailableData, bool) {
	t, ok := s.Template(i)
	if !ok {
		return nil, false
	}
	return t.Data, true
}

// Chunks returns the derived chunk set of template i.
func (s *TestState) Chunks(i int) (*erasure.ChunkSet, bool) {
	t, ok := s.Template(i)
	if !ok {
		return nil, false
	}
	return t.Chunks, true
}

// Lookup resolves a candidate hash straight to its template.
func (s *TestState) Lookup(hash common.Hash) (*Template, bool) {
	i, ok := s.TemplateIndex(hash)
	if !ok {
		return nil, false
	}
	return s.Template(i)
}
