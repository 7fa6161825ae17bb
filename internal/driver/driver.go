// Package driver replays the candidate workload against the recovery engine,
// one round of concurrent requests per emulated block, and paces every round
// to the configured block time.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/availbench/internal/erasure"
	"github.com/gateway-fm/availbench/internal/metrics"
	"github.com/gateway-fm/availbench/internal/pacer"
	"github.com/gateway-fm/availbench/internal/recovery"
	"github.com/gateway-fm/availbench/internal/verification"
	"github.com/gateway-fm/availbench/internal/workload"
	"github.com/gateway-fm/availbench/pkg/types"
)

// ErrAbortedRun matches every *AbortedRunError.
var ErrAbortedRun = errors.New("run aborted")

// AbortedRunError is returned when a recovery fails or returns data that does
// not match its template. Report holds the metrics aggregated up to the abort.
type AbortedRunError struct {
	Block     int
	Candidate common.Hash
	Err       error
	Report    *types.RunReport
}

func (e *AbortedRunError) Error() string {
	return fmt.Sprintf("run aborted at block %d, candidate %s: %v", e.Block, e.Candidate, e.Err)
}

func (e *AbortedRunError) Unwrap() error { return e.Err }

func (e *AbortedRunError) Is(target error) bool { return target == ErrAbortedRun }

// Environment is what the driver needs from the test environment.
type Environment interface {
	SendMessage(ctx context.Context, msg any) error
	Metrics() *metrics.BenchMetrics
	Tasks() *metrics.TaskMetrics
	Registry() *prometheus.Registry
	BytesReceived() uint64
	Stop()
}

// Observer receives progress after every round.
type Observer interface {
	OnBlock(progress types.RunProgress, block types.BlockTiming)
}

// Config for creating a Driver.
type Config struct {
	Blocks        int
	CoresPerBlock int
	BlockTime     time.Duration
	Locality      types.LocalityPolicy

	// RunID and Params are echoed into the report.
	RunID  string
	Params types.RunParams

	Observer Observer
	Logger   *slog.Logger
}

// Driver runs the round loop.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a new Driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Blocks <= 0 {
		return nil, fmt.Errorf("blocks must be positive, got %d", cfg.Blocks)
	}
	if cfg.CoresPerBlock <= 0 {
		return nil, fmt.Errorf("cores per block must be positive, got %d", cfg.CoresPerBlock)
	}
	switch cfg.Locality {
	case "":
		cfg.Locality = types.LocalityGroup
	case types.LocalityGroup, types.LocalityNone:
	default:
		return nil, fmt.Errorf("unknown locality policy: %s", cfg.Locality)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, logger: logger}, nil
}

// GroupHint returns the backing group hint for a slot under policy, or nil
// when the policy gives no hint.
func GroupHint(policy types.LocalityPolicy, slot, cores int) *uint32 {
	if policy == types.LocalityNone {
		return nil
	}
	g := uint32(slot % recovery.BackingGroups(cores))
	return &g
}

// run holds the state of one Run call.
type run struct {
	*Driver
	env      Environment
	bench    *metrics.BenchMetrics
	tasks    *metrics.TaskMetrics
	verifier *verification.Verifier
	pacer    *pacer.Pacer
	latency  *metrics.StreamingLatencyStats

	threshold int
	start     time.Time
	report    *types.RunReport
}

// Run executes every round against env and returns the report. The
// environment is stopped before Run returns.
//
// A failed or mismatching recovery aborts the run with an *AbortedRunError
// and the partial report. Cancelling ctx stops waiting and returns ctx.Err()
// together with the partial report. Run does not time out on its own: a
// recovery that never completes blocks it until ctx ends.
func (d *Driver) Run(ctx context.Context, env Environment, state *workload.TestState) (*types.RunReport, error) {
	validators := state.Validators()
	if n, want := state.CandidateCount(), d.cfg.Blocks*d.cfg.CoresPerBlock; n < want {
		d.logger.Warn("fewer candidates than requests, candidates will repeat",
			"candidates", n, "requests", want)
	}

	r := &run{
		Driver:    d,
		env:       env,
		bench:     env.Metrics(),
		tasks:     env.Tasks(),
		verifier:  verification.NewVerifier(state, d.logger),
		pacer:     pacer.New(d.cfg.BlockTime),
		latency:   metrics.NewStreamingLatencyStats(),
		threshold: erasure.RecoveryThreshold(validators),
		start:     time.Now(),
	}
	r.report = &types.RunReport{
		ID:        d.cfg.RunID,
		StartedAt: r.start,
		Params:    d.cfg.Params,
		Blocks:    make([]types.BlockTiming, 0, d.cfg.Blocks),
	}
	r.bench.SetRunShape(validators, d.cfg.CoresPerBlock)

	d.logger.Info("starting run",
		"blocks", d.cfg.Blocks,
		"cores_per_block", d.cfg.CoresPerBlock,
		"validators", validators,
		"threshold", r.threshold,
		"block_time", d.cfg.BlockTime,
	)

	for block := 1; block <= d.cfg.Blocks; block++ {
		if err := r.round(ctx, state, block); err != nil {
			report := r.finish()
			var aborted *AbortedRunError
			if errors.As(err, &aborted) {
				aborted.Report = report
				report.Aborted = true
				report.Error = err.Error()
				d.logger.Error("run aborted", "block", block, "error", err)
			}
			return report, err
		}
	}

	report := r.finish()
	if report.PersistentOverrun {
		d.logger.Warn("most blocks overran their time budget",
			"overruns", report.Overruns, "blocks", len(report.Blocks), "block_time", d.cfg.BlockTime)
	}
	d.logger.Info("run complete",
		"elapsed_ms", report.ElapsedMs,
		"bytes_recovered", report.BytesRecovered,
		"throughput_kib_per_block", report.ThroughputKiBPerBlock,
	)
	return report, nil
}

// round submits one request per core, drains every completion and paces.
func (r *run) round(ctx context.Context, state *workload.TestState, block int) error {
	roundStart := time.Now()
	r.bench.CurrentBlock.Set(float64(block))
	r.logger.Debug("block started", "block", block)

	cores := r.cfg.CoresPerBlock
	completions := newCompletionSet(cores)
	submitted := make(map[common.Hash]time.Time, cores)

	for slot := 0; slot < cores; slot++ {
		stop := r.tasks.Track(metrics.TaskGroupHarness, "submit-request")
		candidate, err := state.NextCandidate()
		if err != nil {
			stop()
			return fmt.Errorf("next candidate: %w", err)
		}
		hash := candidate.Hash()
		if _, ok := submitted[hash]; !ok {
			submitted[hash] = time.Now()
		}

		req := recovery.Request{
			Candidate: candidate,
			Threshold: r.threshold,
			GroupHint: GroupHint(r.cfg.Locality, slot, cores),
			Sink:      completions.add(),
		}
		stop()

		if err := r.env.SendMessage(ctx, req); err != nil {
			completions.forget()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &AbortedRunError{Block: block, Candidate: hash, Err: fmt.Errorf("submit: %w", err)}
		}
	}

	var blockBytes uint64
	var recoveries int
	for completions.pending() > 0 {
		res, err := completions.next(ctx)
		if err != nil {
			return err
		}

		size, err := r.accept(res, submitted[res.Candidate])
		if err != nil {
			return &AbortedRunError{Block: block, Candidate: res.Candidate, Err: err}
		}
		blockBytes += uint64(size)
		recoveries++
	}

	r.report.BytesRecovered += blockBytes
	r.report.Recoveries += uint64(recoveries)

	outcome, err := r.pacer.Wait(ctx, roundStart)
	if err != nil {
		return err
	}
	r.bench.RecordBlock(outcome.Busy, outcome.Overrun)
	if outcome.Overrun {
		r.report.Overruns++
		r.logger.Warn("block overran its time budget",
			"block", block,
			"busy", outcome.Busy,
			"budget", r.pacer.Budget(),
		)
	}

	timing := types.BlockTiming{
		Block:          block,
		StartedAt:      roundStart,
		DurationMs:     msec(outcome.Busy + outcome.Slept),
		BusyMs:         msec(outcome.Busy),
		SleptMs:        msec(outcome.Slept),
		Recoveries:     recoveries,
		BytesRecovered: blockBytes,
		Overrun:        outcome.Overrun,
	}
	r.report.Blocks = append(r.report.Blocks, timing)

	r.logger.Info("block complete",
		"block", block,
		"busy_ms", timing.BusyMs,
		"bytes", blockBytes,
		"recoveries", recoveries,
	)

	if r.cfg.Observer != nil {
		r.cfg.Observer.OnBlock(r.progress(block, &timing), timing)
	}
	return nil
}

// accept validates one completion and records it, returning the bytes it
// contributes. The work is attributed to the harness task group.
func (r *run) accept(res recovery.Result, submittedAt time.Time) (int, error) {
	defer r.tasks.Track(metrics.TaskGroupHarness, "validate-result")()

	if res.Err != nil {
		r.bench.RecordRecoveryFailure(metrics.OutcomeFailed)
		return 0, res.Err
	}
	size, err := r.verifier.Check(res.Candidate, res.Data)
	if err != nil {
		outcome := metrics.OutcomeInvalid
		if errors.Is(err, verification.ErrEmptyResult) {
			outcome = metrics.OutcomeFailed
		}
		r.bench.RecordRecoveryFailure(outcome)
		return 0, err
	}

	latency := time.Since(submittedAt)
	r.latency.Observe(latency)
	r.bench.RecordRecovery(size, len(res.Data.PoV), latency)
	return size, nil
}

func (r *run) progress(block int, last *types.BlockTiming) types.RunProgress {
	return types.RunProgress{
		RunID:          r.cfg.RunID,
		Status:         types.StatusRunning,
		CurrentBlock:   block,
		TotalBlocks:    r.cfg.Blocks,
		Recoveries:     r.report.Recoveries,
		BytesRecovered: r.report.BytesRecovered,
		Overruns:       r.report.Overruns,
		ElapsedMs:      time.Since(r.start).Milliseconds(),
		LastBlock:      last,
		Latency:        r.latency.GetStats(),
	}
}

// finish stops the environment and fills in the aggregate fields.
func (r *run) finish() *types.RunReport {
	r.env.Stop()

	report := r.report
	report.CompletedAt = time.Now()
	elapsed := report.CompletedAt.Sub(r.start)
	report.ElapsedMs = elapsed.Milliseconds()
	report.NetworkBytesReceived = r.env.BytesReceived()
	report.PersistentOverrun = r.pacer.Persistent()
	if r.latency.Count() > 0 {
		report.Latency = r.latency.GetStats()
	}

	if n := len(report.Blocks); n > 0 {
		report.ThroughputKiBPerBlock = float64(report.BytesRecovered) / 1024 / float64(n)
		report.AvgBlockTimeMs = msec(elapsed) / float64(n)
	}

	snap, err := metrics.ParseMetrics(r.env.Registry())
	if err != nil {
		r.logger.Warn("could not read task metrics", "error", err)
		return report
	}
	report.EngineCPUSeconds = snap.TaskGroupSeconds(metrics.TaskGroupRecovery)
	report.HarnessCPUSeconds = snap.TaskGroupSeconds(metrics.TaskGroupHarness)
	return report
}

func msec(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
