// Package environment wires the emulated network, the availability source
// and the recovery engine of one benchmark run behind a message bus.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/availbench/internal/availability"
	"github.com/gateway-fm/availbench/internal/metrics"
	"github.com/gateway-fm/availbench/internal/network"
	"github.com/gateway-fm/availbench/internal/recovery"
	"github.com/gateway-fm/availbench/internal/workload"
	"github.com/gateway-fm/availbench/pkg/types"
)

// BusCapacity is the number of messages the bus buffers before SendMessage
// blocks.
const BusCapacity = 64000

var (
	// ErrNotStarted is returned by SendMessage before Start.
	ErrNotStarted = errors.New("environment not started")

	// ErrStopped is returned by SendMessage and Start after Stop.
	ErrStopped = errors.New("environment stopped")
)

// Config holds the environment configuration.
type Config struct {
	Cores int
	Mode  types.RecoveryMode

	PeerBandwidth int64 // bytes/sec, 0 = unlimited
	PeerLatency   time.Duration
	PeerLossRate  float64

	EngineConcurrency int
	ParallelFetches   int
	Seed              uint64

	// Registry receives every collector of the run. A fresh registry is
	// created when nil.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Environment is one run's in-process test environment.
type Environment struct {
	registry *prometheus.Registry
	bench    *metrics.BenchMetrics
	tasks    *metrics.TaskMetrics
	network  *network.Emulator
	source   *availability.Source
	engine   *recovery.Engine

	bus  chan any
	done chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	dropped metrics.UCounter
	logger  *slog.Logger
}

// New builds the environment for state. Nothing runs until Start.
func New(cfg Config, state *workload.TestState) (*Environment, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	tasks := metrics.NewTaskMetrics(reg)

	net, err := network.New(network.Config{
		Peers:     state.Validators(),
		Bandwidth: cfg.PeerBandwidth,
		Latency:   cfg.PeerLatency,
		LossRate:  cfg.PeerLossRate,
		Seed:      cfg.Seed,
		Logger:    logger,
		Tasks:     tasks,
	})
	if err != nil {
		return nil, fmt.Errorf("network emulator: %w", err)
	}

	source := availability.NewSource(state, net, tasks, logger)

	engine, err := recovery.New(recovery.Config{
		Source:          source,
		Validators:      state.Validators(),
		Cores:           cfg.Cores,
		Mode:            cfg.Mode,
		Concurrency:     cfg.EngineConcurrency,
		ParallelFetches: cfg.ParallelFetches,
		Seed:            cfg.Seed,
		Metrics:         metrics.NewEngineMetrics(reg),
		Tasks:           tasks,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("recovery engine: %w", err)
	}

	return &Environment{
		registry: reg,
		bench:    metrics.NewBenchMetrics(reg),
		tasks:    tasks,
		network:  net,
		source:   source,
		engine:   engine,
		bus:      make(chan any, BusCapacity),
		done:     make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start launches the message router. It runs until Stop or ctx ends.
func (e *Environment) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return nil
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.route(ctx)
	}()

	e.logger.Info("test environment started",
		"validators", e.network.Peers(),
		"engine_capacity", e.engine.Capacity(),
	)
	return nil
}

// SendMessage queues msg for the router, blocking while the bus is full.
func (e *Environment) SendMessage(ctx context.Context, msg any) error {
	e.mu.Lock()
	started, stopped := e.started, e.stopped
	e.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}

	select {
	case e.bus <- msg:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Environment) route(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case msg := <-e.bus:
			e.dispatch(ctx, msg)
		}
	}
}

func (e *Environment) dispatch(ctx context.Context, msg any) {
	stop := e.tasks.Track(metrics.TaskGroupHarness, "route-message")
	req, ok := msg.(recovery.Request)
	if !ok {
		stop()
		e.dropped.Add(1)
		e.logger.Warn("dropping unknown message", "type", fmt.Sprintf("%T", msg))
		return
	}
	err := e.engine.TryHandle(ctx, req)
	stop()

	// Waiting for a free slot is not routing work and stays untimed.
	if errors.Is(err, recovery.ErrAtCapacity) {
		err = e.engine.Handle(ctx, req)
	}
	if err != nil {
		e.dropped.Add(1)
		e.logger.Debug("recovery request not handled", "error", err)
	}
}

// Stop halts the router and waits for in-flight recoveries to finish.
// Recoveries still waiting on the network are cancelled.
func (e *Environment) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.done)
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.engine.Wait()
	e.logger.Info("test environment stopped", "dropped_messages", e.dropped.Load())
}

// Registry returns the run registry.
func (e *Environment) Registry() *prometheus.Registry { return e.registry }

// Metrics returns the run-level metrics the driver writes.
func (e *Environment) Metrics() *metrics.BenchMetrics { return e.bench }

// Tasks returns the task time tracker.
func (e *Environment) Tasks() *metrics.TaskMetrics { return e.tasks }

// Network returns the network emulator.
func (e *Environment) Network() *network.Emulator { return e.network }

// Source returns the availability source, for fault injection.
func (e *Environment) Source() *availability.Source { return e.source }

// Engine returns the recovery engine.
func (e *Environment) Engine() *recovery.Engine { return e.engine }

// Dropped returns the number of messages the router could not dispatch.
func (e *Environment) Dropped() uint64 { return e.dropped.Load() }

// BytesReceived returns the bytes the node under test received from the
// emulated network.
func (e *Environment) BytesReceived() uint64 { return e.network.TotalReceived() }
