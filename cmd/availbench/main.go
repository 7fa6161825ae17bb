package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/availbench/internal/config"
	"github.com/gateway-fm/availbench/internal/driver"
	"github.com/gateway-fm/availbench/internal/environment"
	"github.com/gateway-fm/availbench/internal/metrics"
	"github.com/gateway-fm/availbench/internal/network"
	"github.com/gateway-fm/availbench/internal/transport"
	"github.com/gateway-fm/availbench/internal/verification"
	"github.com/gateway-fm/availbench/internal/workload"
	"github.com/gateway-fm/availbench/pkg/types"
)

// Exit codes
const (
	exitOK      = 0
	exitError   = 1
	exitAborted = 2
)

// shutdownTimeout bounds the HTTP server shutdown.
const shutdownTimeout = 5 * time.Second

// bench ties one run to the HTTP surface. It implements transport.BenchAPI
// and transport.HealthChecker.
type bench struct {
	tracker *driver.Tracker
	cancel  context.CancelFunc

	mu  sync.RWMutex
	env *environment.Environment
}

var (
	_ transport.BenchAPI      = (*bench)(nil)
	_ transport.HealthChecker = (*bench)(nil)
)

func (b *bench) Progress() types.RunProgress { return b.tracker.Progress() }

func (b *bench) Report() (*types.RunReport, bool) { return b.tracker.Report() }

func (b *bench) Peers() []network.PeerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.env == nil {
		return nil
	}
	return b.env.Network().Stats()
}

func (b *bench) StopRun() { b.cancel() }

func (b *bench) CheckEnvironment() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.env == nil {
		return environment.ErrNotStarted
	}
	if p := b.tracker.Progress(); p.Status == types.StatusError {
		return fmt.Errorf("run failed: %s", p.Error)
	}
	return nil
}

func (b *bench) setEnv(env *environment.Environment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.env = env
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if warning := cfg.CheckBandwidthSufficiency(); warning != "" {
		logger.Warn(warning)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	runID := uuid.NewString()
	reg := prometheus.NewRegistry()
	b := &bench{
		tracker: driver.NewTracker(runID, cfg.Blocks),
		cancel:  cancel,
	}

	var srv *http.Server
	if cfg.ListenAddr != "" {
		server := transport.NewServer(b, b, reg, logger, cfg.CORSAllowedOrigins)
		defer server.Close()
		b.tracker.Subscribe(server.WebSocket().Publish)

		srv = &http.Server{Addr: cfg.ListenAddr, Handler: server.Handler()}
		go func() {
			logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP server shutdown failed", "error", err)
			}
		}()
	}

	report, err := execute(ctx, cfg, runID, reg, b, logger)
	b.tracker.Finish(report, err)
	if report != nil {
		logSummary(logger, report)
	}

	code := exitOK
	switch {
	case errors.Is(err, driver.ErrAbortedRun):
		logger.Error("run aborted", "error", err)
		code = exitAborted
	case err != nil:
		logger.Error("run failed", "error", err)
		code = exitError
	}

	if srv != nil && cfg.Serve {
		logger.Info("run finished, serving results until interrupted", "addr", cfg.ListenAddr)
		<-sigCtx.Done()
	}
	return code
}

// execute builds the test state and environment and drives the run. The
// returned report is non-nil whenever rounds were started.
func execute(ctx context.Context, cfg *config.Config, runID string, reg *prometheus.Registry, b *bench, logger *slog.Logger) (*types.RunReport, error) {
	b.tracker.SetPhase(types.InitPhaseDerivingChunks)
	state, err := workload.NewTestState(workload.Config{
		Validators: cfg.Validators,
		PoVSizes:   cfg.PoVSizes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build test state: %w", err)
	}

	b.tracker.SetPhase(types.InitPhaseGeneratingCandidates)
	if err := state.GenerateCandidates(cfg.Candidates()); err != nil {
		return nil, fmt.Errorf("failed to generate candidates: %w", err)
	}

	b.tracker.SetPhase(types.InitPhaseStartingEnvironment)
	env, err := environment.New(environment.Config{
		Cores:             cfg.CoresPerBlock,
		Mode:              cfg.Mode,
		PeerBandwidth:     cfg.PeerBandwidth,
		PeerLatency:       cfg.PeerLatency,
		PeerLossRate:      cfg.PeerLossRate,
		EngineConcurrency: cfg.EngineConcurrency,
		ParallelFetches:   cfg.ParallelFetches,
		Seed:              cfg.Seed,
		Registry:          reg,
		Logger:            logger,
	}, state)
	if err != nil {
		return nil, fmt.Errorf("failed to create environment: %w", err)
	}
	if err := env.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start environment: %w", err)
	}
	b.setEnv(env)

	d, err := driver.New(driver.Config{
		Blocks:        cfg.Blocks,
		CoresPerBlock: cfg.CoresPerBlock,
		BlockTime:     cfg.BlockTime,
		Locality:      cfg.Locality,
		RunID:         runID,
		Params:        cfg.Params(),
		Observer:      b.tracker,
		Logger:        logger,
	})
	if err != nil {
		env.Stop()
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}

	b.tracker.Started()
	report, runErr := d.Run(ctx, env, state)
	if report == nil {
		return nil, runErr
	}

	snap, err := metrics.ParseMetrics(reg)
	if err != nil {
		logger.Warn("failed to gather metrics for verification", "error", err)
		return report, runErr
	}
	expected := uint64(cfg.Blocks * cfg.CoresPerBlock)
	report.Verification = verification.NewVerifier(state, logger).VerifyRun(report, snap, expected)
	for _, w := range report.Verification.Warnings {
		logger.Warn("verification", "warning", w)
	}
	return report, runErr
}

func logSummary(logger *slog.Logger, report *types.RunReport) {
	blocks := len(report.Blocks)
	perBlock := func(v float64) float64 {
		if blocks == 0 {
			return 0
		}
		return v / float64(blocks)
	}

	logger.Info("run summary",
		"run_id", report.ID,
		"blocks", blocks,
		"recoveries", report.Recoveries,
		"bytes_recovered", humanize.IBytes(report.BytesRecovered),
		"throughput", fmt.Sprintf("%.1f KiB/block", report.ThroughputKiBPerBlock),
		"avg_block_time", time.Duration(report.AvgBlockTimeMs*float64(time.Millisecond)).String(),
		"overruns", report.Overruns,
		"network_received", humanize.IBytes(report.NetworkBytesReceived),
		"engine_cpu_seconds", report.EngineCPUSeconds,
		"engine_cpu_per_block", perBlock(report.EngineCPUSeconds),
		"harness_cpu_seconds", report.HarnessCPUSeconds,
		"harness_cpu_per_block", perBlock(report.HarnessCPUSeconds),
	)
}
