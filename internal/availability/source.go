// Package availability serves chunks and full available data on behalf of
// the emulated validators. Every response is charged to the serving
// validator's link in the network emulator before it is returned.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/availbench/internal/erasure"
	"github.com/gateway-fm/availbench/internal/metrics"
	"github.com/gateway-fm/availbench/internal/workload"
)

// requestOverhead approximates the wire size of a request: a candidate hash
// plus a chunk index.
const requestOverhead = common.HashLength + 4

var (
	// ErrUnknownCandidate is returned for a candidate no template maps to.
	ErrUnknownCandidate = errors.New("unknown candidate")

	// ErrNotAvailable is returned by validators that withhold their data.
	ErrNotAvailable = errors.New("data not available")
)

// Fault is a misbehavior injected into one validator.
type Fault int32

const (
	FaultNone    Fault = iota
	FaultOffline       // the validator answers every request with ErrNotAvailable
	FaultCorrupt       // the validator serves chunks with flipped bytes
)

// CandidateIndex resolves candidates to the template they were minted from.
type CandidateIndex interface {
	Lookup(hash common.Hash) (*workload.Template, bool)
}

// Network charges emulated transfer time to a validator link.
type Network interface {
	Request(ctx context.Context, peer, reqSize, respSize int) error
	Peers() int
}

// Source answers chunk and full-data requests for every validator.
type Source struct {
	index  CandidateIndex
	net    Network
	faults []atomic.Int32
	tasks  *metrics.TaskMetrics
	logger *slog.Logger
}

// NewSource creates a source backed by index and charged to net. Lookup and
// fault work is attributed to the harness task group in tasks, which may be
// nil.
func NewSource(index CandidateIndex, net Network, tasks *metrics.TaskMetrics, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		index:  index,
		net:    net,
		faults: make([]atomic.Int32, net.Peers()),
		tasks:  tasks,
		logger: logger,
	}
}

// Validators returns the number of validators the source serves for.
func (s *Source) Validators() int {
	return len(s.faults)
}

// SetFault injects f into validator v. Out-of-range validators are ignored.
func (s *Source) SetFault(v int, f Fault) {
	if v < 0 || v >= len(s.faults) {
		return
	}
	s.faults[v].Store(int32(f))
}

func (s *Source) fault(v int) Fault {
	if v < 0 || v >= len(s.faults) {
		return FaultNone
	}
	return Fault(s.faults[v].Load())
}

// FetchChunk asks validator v for its chunk of candidate. The returned chunk
// is shared and must not be modified.
func (s *Source) FetchChunk(ctx context.Context, v int, candidate common.Hash) (*erasure.Chunk, error) {
	tmpl, err := s.lookup(candidate, "serve-chunk")
	if err != nil {
		return nil, err
	}
	if v < 0 || v >= len(tmpl.Chunks.Chunks) {
		return nil, fmt.Errorf("validator %d holds no chunk of %s", v, candidate)
	}

	fault := s.fault(v)
	if fault == FaultOffline {
		if err := s.net.Request(ctx, v, requestOverhead, 0); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: validator %d", ErrNotAvailable, v)
	}

	chunk := &tmpl.Chunks.Chunks[v]
	if err := s.net.Request(ctx, v, requestOverhead, chunk.Size()); err != nil {
		return nil, fmt.Errorf("fetch chunk %d: %w", v, err)
	}

	if fault == FaultCorrupt {
		return s.corruptChunk(chunk), nil
	}
	return chunk, nil
}

// FetchAvailableData asks validator v for the full available data of
// candidate. The returned data is shared and must not be modified.
func (s *Source) FetchAvailableData(ctx context.Context, v int, candidate common.Hash) (*workload.AvailableData, error) {
	tmpl, err := s.lookup(candidate, "serve-data")
	if err != nil {
		return nil, err
	}

	switch s.fault(v) {
	case FaultOffline:
		if err := s.net.Request(ctx, v, requestOverhead, 0); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: validator %d", ErrNotAvailable, v)
	case FaultCorrupt:
		if err := s.net.Request(ctx, v, requestOverhead, tmpl.EncodedSize()); err != nil {
			return nil, fmt.Errorf("fetch available data from %d: %w", v, err)
		}
		return s.corruptData(tmpl.Data), nil
	}

	if err := s.net.Request(ctx, v, requestOverhead, tmpl.EncodedSize()); err != nil {
		return nil, fmt.Errorf("fetch available data from %d: %w", v, err)
	}
	return tmpl.Data, nil
}

func (s *Source) lookup(candidate common.Hash, task string) (*workload.Template, error) {
	defer s.tasks.Track(metrics.TaskGroupHarness, task)()
	tmpl, ok := s.index.Lookup(candidate)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCandidate, candidate)
	}
	return tmpl, nil
}

// corruptChunk returns a copy of chunk with its first byte flipped.
func (s *Source) corruptChunk(chunk *erasure.Chunk) *erasure.Chunk {
	defer s.tasks.Track(metrics.TaskGroupHarness, "corrupt-chunk")()
	bad := *chunk
	bad.Data = append([]byte(nil), chunk.Data...)
	if len(bad.Data) > 0 {
		bad.Data[0] ^= 0xff
	}
	return &bad
}

// corruptData returns a copy of data with the first PoV byte flipped.
func (s *Source) corruptData(data *workload.AvailableData) *workload.AvailableData {
	defer s.tasks.Track(metrics.TaskGroupHarness, "corrupt-data")()
	bad := *data
	bad.PoV = append([]byte(nil), data.PoV...)
	if len(bad.PoV) > 0 {
		bad.PoV[0] ^= 0xff
	} else {
		bad.PoV = []byte{0xff}
	}
	return &bad
}
