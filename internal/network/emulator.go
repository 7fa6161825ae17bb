// Package network emulates the peer-to-peer links between the node under
// test and the validators it recovers data from. Each peer has its own
// bandwidth limiter, a fixed request latency and a loss probability. No bytes
// move; only the time they would take and the counters they would bump.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gateway-fm/availbench/internal/metrics"
)

const (
	// maxBurst caps the number of bytes a peer may send without waiting.
	maxBurst = 256 * 1024
)

var (
	// ErrPeerUnreachable is returned when the emulated request is lost.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrUnknownPeer is returned for a peer index outside the network.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Config holds the network emulator configuration.
type Config struct {
	// Peers is the number of emulated validators.
	Peers int

	// Bandwidth is the upload rate of each peer in bytes/sec. 0 means unlimited.
	Bandwidth int64

	// Latency is added to every request before the response is shaped.
	Latency time.Duration

	// LossRate is the probability that a request is lost.
	LossRate float64

	// Seed makes loss decisions reproducible.
	Seed uint64

	Logger *slog.Logger
	Tasks  *metrics.TaskMetrics
}

// PeerStats holds the traffic counters of one peer.
type PeerStats struct {
	Peer     int    `json:"peer"`
	TxBytes  uint64 `json:"txBytes"` // sent by the peer to the node under test
	RxBytes  uint64 `json:"rxBytes"` // received by the peer from the node under test
	Requests uint64 `json:"requests"`
	Lost     uint64 `json:"lost"`
}

type peer struct {
	limiter  *rate.Limiter
	tx       metrics.UCounter
	rx       metrics.UCounter
	requests metrics.UCounter
	lost     metrics.UCounter
}

// Emulator is an in-process emulated network. Safe for concurrent use.
type Emulator struct {
	peers    []*peer
	latency  time.Duration
	lossRate float64
	burst    int

	mu  sync.Mutex
	rng *rand.Rand

	tasks  *metrics.TaskMetrics
	logger *slog.Logger
}

// New creates an emulator with cfg.Peers peers.
func New(cfg Config) (*Emulator, error) {
	if cfg.Peers <= 0 {
		return nil, fmt.Errorf("peer count must be positive, got %d", cfg.Peers)
	}
	if cfg.Bandwidth < 0 {
		return nil, fmt.Errorf("bandwidth cannot be negative")
	}
	if cfg.LossRate < 0 || cfg.LossRate >= 1 {
		return nil, fmt.Errorf("loss rate must be in [0, 1), got %v", cfg.LossRate)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	burst := maxBurst
	if cfg.Bandwidth > 0 {
		limit = rate.Limit(cfg.Bandwidth)
		burst = int(min(cfg.Bandwidth, maxBurst))
	}

	e := &Emulator{
		peers:    make([]*peer, cfg.Peers),
		latency:  cfg.Latency,
		lossRate: cfg.LossRate,
		burst:    burst,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		tasks:    cfg.Tasks,
		logger:   logger,
	}
	for i := range e.peers {
		e.peers[i] = &peer{limiter: rate.NewLimiter(limit, burst)}
	}

	logger.Debug("network emulator ready",
		"peers", cfg.Peers,
		"bandwidth", cfg.Bandwidth,
		"latency", cfg.Latency,
		"loss_rate", cfg.LossRate,
	)
	return e, nil
}

// Peers returns the number of emulated peers.
func (e *Emulator) Peers() int {
	return len(e.peers)
}

// Request emulates a request of reqSize bytes to peer idx answered with
// respSize bytes. It returns once the response would have fully arrived,
// or with ErrPeerUnreachable when the request is lost, or ctx.Err().
func (e *Emulator) Request(ctx context.Context, idx, reqSize, respSize int) error {
	if idx < 0 || idx >= len(e.peers) {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, idx)
	}
	p := e.peers[idx]

	stop := e.tasks.Track(metrics.TaskGroupHarness, "network-request")
	p.requests.Add(1)
	p.rx.Add(uint64(reqSize))
	lost := e.roll()
	stop()

	if err := e.sleep(ctx, e.latency); err != nil {
		return err
	}
	if lost {
		p.lost.Add(1)
		return fmt.Errorf("%w: peer %d", ErrPeerUnreachable, idx)
	}

	for remaining := respSize; remaining > 0; {
		n := min(remaining, e.burst)
		if err := p.limiter.WaitN(ctx, n); err != nil {
			return fmt.Errorf("shape response from peer %d: %w", idx, err)
		}
		p.tx.Add(uint64(n))
		remaining -= n
	}
	return nil
}

func (e *Emulator) roll() bool {
	if e.lossRate == 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < e.lossRate
}

func (e *Emulator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats returns the per-peer traffic counters.
func (e *Emulator) Stats() []PeerStats {
	stats := make([]PeerStats, len(e.peers))
	for i, p := range e.peers {
		stats[i] = PeerStats{
			Peer:     i,
			TxBytes:  p.tx.Load(),
			RxBytes:  p.rx.Load(),
			Requests: p.requests.Load(),
			Lost:     p.lost.Load(),
		}
	}
	return stats
}

// TotalReceived returns the bytes the node under test received from all peers.
func (e *Emulator) TotalReceived() uint64 {
	var total uint64
	for _, p := range e.peers {
		total += p.tx.Load()
	}
	return total
}

// TotalSent returns the bytes the node under test sent to all peers.
func (e *Emulator) TotalSent() uint64 {
	var total uint64
	for _, p := range e.peers {
		total += p.rx.Load()
	}
	return total
}
