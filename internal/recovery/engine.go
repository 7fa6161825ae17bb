// Package recovery provides the availability recovery engine the benchmark
// drives: it fetches full data or chunks from validators, verifies them and
// reconstructs the available data of a candidate.
package recovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/availbench/internal/erasure"
	"github.com/gateway-fm/availbench/internal/metrics"
	"github.com/gateway-fm/availbench/internal/workload"
	"github.com/gateway-fm/availbench/pkg/types"
)

// Defaults
const (
	DefaultConcurrency     = 64
	DefaultParallelFetches = 50
)

var (
	// ErrAtCapacity is returned by TryHandle when every recovery slot is busy.
	ErrAtCapacity = errors.New("recovery engine at capacity")

	// ErrUnavailable is the result error when no source yields enough valid
	// chunks to reconstruct.
	ErrUnavailable = errors.New("data unavailable")

	// ErrRootMismatch is the result error when reconstructed data does not
	// re-derive the candidate's erasure root.
	ErrRootMismatch = errors.New("erasure root mismatch")

	// ErrNoSink is returned for requests without a completion sink.
	ErrNoSink = errors.New("recovery request has no sink")
)

// Request asks the engine to recover the available data of a candidate.
// The engine writes exactly one Result to Sink.
type Request struct {
	Candidate workload.CandidateReceipt
	// Threshold is the number of chunks the requester expects recovery to
	// need. Values below erasure.RecoveryThreshold of the validator count are raised
	// to it, since fewer chunks cannot be decoded.
	Threshold int
	GroupHint *uint32
	Sink      chan<- Result
}

// Result is the outcome of one recovery. Exactly one of Data and Err is set.
type Result struct {
	Candidate common.Hash
	Data      *workload.AvailableData
	Err       error
}

// Source is where the engine fetches data from.
type Source interface {
	FetchChunk(ctx context.Context, validator int, candidate common.Hash) (*erasure.Chunk, error)
	FetchAvailableData(ctx context.Context, validator int, candidate common.Hash) (*workload.AvailableData, error)
}

// Config for creating an Engine.
type Config struct {
	Source     Source
	Validators int
	// Cores sets the number of backing groups, see BackingGroups.
	Cores int
	Mode  types.RecoveryMode

	Concurrency     int // Max concurrent recoveries (default: 64)
	ParallelFetches int // Max chunk requests in flight per recovery (default: 50)
	Seed            uint64

	Metrics *metrics.EngineMetrics
	Tasks   *metrics.TaskMetrics
	Logger  *slog.Logger
}

// Engine recovers available data with semaphore-bounded concurrency.
type Engine struct {
	source     Source
	validators int
	groups     int
	mode       types.RecoveryMode
	fetches    int
	seed       uint64

	semaphore chan struct{}
	wg        sync.WaitGroup
	inflight  metrics.InFlight

	metrics *metrics.EngineMetrics
	tasks   *metrics.TaskMetrics
	logger  *slog.Logger
}

// New creates a new Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, errors.New("recovery engine requires a source")
	}
	if cfg.Validators <= 0 {
		return nil, fmt.Errorf("validator count must be positive, got %d", cfg.Validators)
	}

	mode := cfg.Mode
	switch mode {
	case "":
		mode = types.ModeFastPath
	case types.ModeFastPath, types.ModeChunksOnly:
	default:
		return nil, fmt.Errorf("unknown recovery mode: %s", mode)
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	fetches := cfg.ParallelFetches
	if fetches <= 0 {
		fetches = DefaultParallelFetches
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		source:     cfg.Source,
		validators: cfg.Validators,
		groups:     BackingGroups(cfg.Cores),
		mode:       mode,
		fetches:    fetches,
		seed:       cfg.Seed,
		semaphore:  make(chan struct{}, concurrency),
		metrics:    cfg.Metrics,
		tasks:      cfg.Tasks,
		logger:     logger,
	}, nil
}

// Handle starts recovering req on its own goroutine, waiting for a free slot
// if the engine is at capacity. It returns ctx.Err() if ctx ends before a
// slot frees up; in that case no result is written.
func (e *Engine) Handle(ctx context.Context, req Request) error {
	if req.Sink == nil {
		return ErrNoSink
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case e.semaphore <- struct{}{}: // Acquired semaphore
	case <-ctx.Done():
		return ctx.Err()
	}
	e.spawn(ctx, req)
	return nil
}

// TryHandle is Handle without waiting. Returns ErrAtCapacity if no slot is free.
func (e *Engine) TryHandle(ctx context.Context, req Request) error {
	if req.Sink == nil {
		return ErrNoSink
	}
	select {
	case e.semaphore <- struct{}{}:
		e.spawn(ctx, req)
		return nil
	default:
		return ErrAtCapacity
	}
}

func (e *Engine) spawn(ctx context.Context, req Request) {
	e.wg.Add(1)
	e.inflight.Start()
	if e.metrics != nil {
		e.metrics.Inflight.Inc()
	}

	go func() {
		defer e.wg.Done()
		defer func() { <-e.semaphore }() // Release semaphore
		defer func() {
			e.inflight.Done()
			if e.metrics != nil {
				e.metrics.Inflight.Dec()
			}
		}()

		hash := req.Candidate.Hash()
		data, err := e.recover(ctx, req, hash)
		if err != nil {
			e.logger.Debug("recovery failed", "candidate", hash, "error", err)
		}

		select {
		case req.Sink <- Result{Candidate: hash, Data: data, Err: err}:
		case <-ctx.Done():
		}
	}()
}

// Wait blocks until every started recovery has written its result.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Available returns the number of free recovery slots.
func (e *Engine) Available() int {
	return cap(e.semaphore) - len(e.semaphore)
}

// Capacity returns the total number of recovery slots.
func (e *Engine) Capacity() int {
	return cap(e.semaphore)
}

// InFlight returns the number of recoveries currently running.
func (e *Engine) InFlight() int64 {
	return e.inflight.Load()
}

// PeakInFlight returns the most recoveries that ran at once.
func (e *Engine) PeakInFlight() int64 {
	return e.inflight.Peak()
}

func (e *Engine) recover(ctx context.Context, req Request, hash common.Hash) (*workload.AvailableData, error) {
	root := req.Candidate.Descriptor.ErasureRoot
	rng := e.rng(hash)

	var group []int
	if req.GroupHint != nil {
		group = GroupMembers(int(*req.GroupHint), e.groups, e.validators)
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
	}

	if e.mode == types.ModeFastPath && len(group) > 0 {
		data, err := e.fromBackers(ctx, group, hash, root)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Debug("fast path failed, falling back to chunks", "candidate", hash, "error", err)
	}

	return e.fromChunks(ctx, req, hash, root, chunkOrder(rng, group, e.validators))
}

// fromBackers asks each backer in turn for the full data and accepts the
// first copy that re-derives root.
func (e *Engine) fromBackers(ctx context.Context, backers []int, hash, root common.Hash) (*workload.AvailableData, error) {
	var lastErr error
	for _, v := range backers {
		data, err := e.source.FetchAvailableData(ctx, v, hash)
		if err != nil {
			e.recordFetch("full", "error", 0)
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		if err := e.checkRoot(data, root); err != nil {
			e.recordFetch("full", "invalid", 0)
			lastErr = fmt.Errorf("backer %d: %w", v, err)
			continue
		}
		e.recordFetch("full", "ok", data.EncodedSize())
		return data, nil
	}
	if lastErr == nil {
		lastErr = ErrUnavailable
	}
	return nil, lastErr
}

// fromChunks fetches chunks in order until threshold valid chunks arrived,
// then reconstructs.
func (e *Engine) fromChunks(ctx context.Context, req Request, hash, root common.Hash, order []int) (*workload.AvailableData, error) {
	need := max(req.Threshold, erasure.RecoveryThreshold(e.validators))

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(fctx)
	g.SetLimit(e.fetches)

	var (
		mu      sync.Mutex
		chunks  = make([]erasure.Chunk, 0, need)
		invalid int
		issued  int
	)

	for _, v := range order {
		if gctx.Err() != nil {
			break
		}
		issued++
		g.Go(func() error {
			chunk, err := e.source.FetchChunk(gctx, v, hash)
			if err != nil {
				if gctx.Err() == nil {
					e.recordFetch("chunk", "error", 0)
				}
				return nil
			}

			stop := e.tasks.Track(metrics.TaskGroupRecovery, "verify-chunk")
			err = erasure.VerifyChunk(root, chunk)
			stop()
			if err != nil || int(chunk.Index) != v {
				e.recordFetch("chunk", "invalid", 0)
				mu.Lock()
				invalid++
				mu.Unlock()
				return nil
			}
			e.recordFetch("chunk", "ok", chunk.Size())

			mu.Lock()
			defer mu.Unlock()
			if len(chunks) < need {
				chunks = append(chunks, *chunk)
				if len(chunks) == need {
					cancel()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if e.metrics != nil {
		e.metrics.ChunksPerTask.Observe(float64(issued))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(chunks) < need {
		return nil, fmt.Errorf("%w: %d of %d chunks valid (%d invalid)", ErrUnavailable, len(chunks), need, invalid)
	}

	stop := e.tasks.Track(metrics.TaskGroupRecovery, "reconstruct")
	raw, err := erasure.Reconstruct(e.validators, chunks)
	stop()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	data, err := workload.DecodeAvailableData(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.checkRoot(data, root); err != nil {
		return nil, err
	}
	return data, nil
}

// checkRoot re-encodes data and compares the erasure root with root.
func (e *Engine) checkRoot(data *workload.AvailableData, root common.Hash) error {
	defer e.tasks.Track(metrics.TaskGroupRecovery, "reencode-check")()

	enc, err := data.Encode()
	if err != nil {
		return fmt.Errorf("encode recovered data: %w", err)
	}
	got, err := erasure.Root(enc, e.validators)
	if err != nil {
		return err
	}
	if got != root {
		return fmt.Errorf("%w: got %s, want %s", ErrRootMismatch, got, root)
	}
	return nil
}

func (e *Engine) recordFetch(kind, outcome string, bytes int) {
	if e.metrics != nil {
		e.metrics.RecordFetch(kind, outcome, bytes)
	}
}

// rng returns a generator whose sequence depends only on the engine seed and
// the candidate, so fetch order is reproducible across runs.
func (e *Engine) rng(hash common.Hash) *rand.Rand {
	return rand.New(rand.NewPCG(e.seed, binary.BigEndian.Uint64(hash[:8])))
}

// chunkOrder returns every validator once: the preferred ones first in the
// given order, then the rest shuffled.
func chunkOrder(rng *rand.Rand, preferred []int, n int) []int {
	order := make([]int, 0, n)
	seen := make(map[int]bool, len(preferred))
	for _, v := range preferred {
		order = append(order, v)
		seen[v] = true
	}
	rest := make([]int, 0, n-len(preferred))
	for v := 0; v < n; v++ {
		if !seen[v] {
			rest = append(rest, v)
		}
	}
	rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	return append(order, rest...)
}

// BackingGroups returns the number of backing groups the validator set is
// split into for a given number of cores per block: max(5, cores) / 5.
func BackingGroups(cores int) int {
	return max(5, cores) / 5
}

// GroupMembers returns the validators of group g when n validators are split
// into groups contiguous ranges. g is taken modulo groups.
func GroupMembers(g, groups, n int) []int {
	if groups <= 0 || n <= 0 {
		return nil
	}
	g = ((g % groups) + groups) % groups
	lo, hi := g*n/groups, (g+1)*n/groups
	members := make([]int, 0, hi-lo)
	for v := lo; v < hi; v++ {
		members = append(members, v)
	}
	return members
}
