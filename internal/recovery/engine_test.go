package recovery

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/availbench/internal/availability"
	"github.com/gateway-fm/availbench/internal/erasure"
	"github.com/gateway-fm/availbench/internal/metrics"
	"github.com/gateway-fm/availbench/internal/network"
	"github.com/gateway-fm/availbench/internal/workload"
	"github.com/gateway-fm/availbench/pkg/types"
)

var _ Source = (*availability.Source)(nil)

// countingSource wraps a Source and counts calls.
type countingSource struct {
	inner  Source
	chunks atomic.Int64
	full   atomic.Int64
	delay  time.Duration
}

var _ Source = (*countingSource)(nil)

func (c *countingSource) FetchChunk(ctx context.Context, v int, h common.Hash) (*erasure.Chunk, error) {
	c.chunks.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.inner.FetchChunk(ctx, v, h)
}

func (c *countingSource) FetchAvailableData(ctx context.Context, v int, h common.Hash) (*workload.AvailableData, error) {
	c.full.Add(1)
	return c.inner.FetchAvailableData(ctx, v, h)
}

type fixture struct {
	state     *workload.TestState
	src       *availability.Source
	counting  *countingSource
	candidate workload.CandidateReceipt
}

func newFixture(t *testing.T, validators int) *fixture {
	t.Helper()
	state, err := workload.NewTestState(workload.Config{Validators: validators, PoVSizes: []int{2048}}, nil)
	if err != nil {
		t.Fatalf("NewTestState failed: %v", err)
	}
	if err := state.GenerateCandidates(1); err != nil {
		t.Fatalf("GenerateCandidates failed: %v", err)
	}
	candidate, _ := state.NextCandidate()

	net, err := network.New(network.Config{Peers: validators})
	if err != nil {
		t.Fatalf("network.New failed: %v", err)
	}
	src := availability.NewSource(state, net, nil, nil)
	return &fixture{
		state:     state,
		src:       src,
		counting:  &countingSource{inner: src},
		candidate: candidate,
	}
}

func (f *fixture) engine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	cfg.Source = f.counting
	if cfg.Validators == 0 {
		cfg.Validators = f.state.Validators()
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func recoverOne(t *testing.T, e *Engine, req Request) Result {
	t.Helper()
	sink := make(chan Result, 1)
	req.Sink = sink
	if err := e.Handle(context.Background(), req); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	select {
	case res := <-sink:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func hint(g uint32) *uint32 { return &g }

func TestNewValidatesConfig(t *testing.T) {
	f := newFixture(t, 4)

	testCases := []struct {
		name string
		cfg  Config
	}{
		{"missing source", Config{Validators: 4}},
		{"zero validators", Config{Source: f.src}},
		{"unknown mode", Config{Source: f.src, Validators: 4, Mode: "bogus"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}

	e, err := New(Config{Source: f.src, Validators: 4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if e.Capacity() != DefaultConcurrency {
		t.Errorf("expected default capacity %d, got %d", DefaultConcurrency, e.Capacity())
	}
	if e.mode != types.ModeFastPath {
		t.Errorf("expected fast path by default, got %s", e.mode)
	}
}

func TestBackingGroups(t *testing.T) {
	testCases := []struct {
		cores, want int
	}{
		{0, 1},
		{1, 1},
		{5, 1},
		{9, 1},
		{10, 2},
		{100, 20},
	}
	for _, tc := range testCases {
		if got := BackingGroups(tc.cores); got != tc.want {
			t.Errorf("BackingGroups(%d) = %d, want %d", tc.cores, got, tc.want)
		}
	}
}

func TestGroupMembers(t *testing.T) {
	if got := GroupMembers(0, 2, 10); !reflect.DeepEqual(got, []int{0, 1, 2, 3, 4}) {
		t.Errorf("group 0: %v", got)
	}
	if got := GroupMembers(1, 2, 10); !reflect.DeepEqual(got, []int{5, 6, 7, 8, 9}) {
		t.Errorf("group 1: %v", got)
	}
	if got := GroupMembers(3, 2, 10); !reflect.DeepEqual(got, []int{5, 6, 7, 8, 9}) {
		t.Errorf("hint should wrap around, got %v", got)
	}

	// Groups cover every validator exactly once.
	seen := make(map[int]int)
	for g := 0; g < 3; g++ {
		for _, v := range GroupMembers(g, 3, 11) {
			seen[v]++
		}
	}
	for v := 0; v < 11; v++ {
		if seen[v] != 1 {
			t.Errorf("validator %d in %d groups", v, seen[v])
		}
	}

	if GroupMembers(0, 0, 10) != nil {
		t.Error("no groups should give no members")
	}
}

func TestFastPath(t *testing.T) {
	f := newFixture(t, 10)
	e := f.engine(t, Config{Cores: 10, Mode: types.ModeFastPath})

	res := recoverOne(t, e, Request{Candidate: f.candidate, Threshold: erasure.RecoveryThreshold(10), GroupHint: hint(1)})
	if res.Err != nil {
		t.Fatalf("recovery failed: %v", res.Err)
	}
	if res.Candidate != f.candidate.Hash() {
		t.Error("result carries the wrong candidate")
	}
	tmpl, _ := f.state.Lookup(f.candidate.Hash())
	if !bytes.Equal(res.Data.PoV, tmpl.Data.PoV) {
		t.Error("recovered PoV differs")
	}
	if f.counting.full.Load() != 1 || f.counting.chunks.Load() != 0 {
		t.Errorf("expected one full fetch and no chunks, got %d full, %d chunks",
			f.counting.full.Load(), f.counting.chunks.Load())
	}
}

func TestFastPathWithoutHintUsesChunks(t *testing.T) {
	f := newFixture(t, 10)
	e := f.engine(t, Config{Cores: 10, Mode: types.ModeFastPath})

	res := recoverOne(t, e, Request{Candidate: f.candidate})
	if res.Err != nil {
		t.Fatalf("recovery failed: %v", res.Err)
	}
	if f.counting.full.Load() != 0 {
		t.Error("no hint should skip the fast path")
	}
	if f.counting.chunks.Load() < int64(erasure.RecoveryThreshold(10)) {
		t.Errorf("expected at least threshold chunk fetches, got %d", f.counting.chunks.Load())
	}
}

func TestFastPathFallsBackToChunks(t *testing.T) {
	f := newFixture(t, 10)
	// Group 0 of 2 is validators 0..4; make every backer misbehave.
	for v := 0; v < 5; v++ {
		if v%2 == 0 {
			f.src.SetFault(v, availability.FaultOffline)
		} else {
			f.src.SetFault(v, availability.FaultCorrupt)
		}
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewEngineMetrics(reg)
	e := f.engine(t, Config{Cores: 10, Mode: types.ModeFastPath, Metrics: m})

	res := recoverOne(t, e, Request{Candidate: f.candidate, GroupHint: hint(0)})
	if res.Err != nil {
		t.Fatalf("recovery failed: %v", res.Err)
	}
	tmpl, _ := f.state.Lookup(f.candidate.Hash())
	if !bytes.Equal(res.Data.PoV, tmpl.Data.PoV) {
		t.Error("recovered PoV differs")
	}
	if f.counting.full.Load() != 5 {
		t.Errorf("expected all 5 backers to be tried, got %d", f.counting.full.Load())
	}
	if got := testutil.ToFloat64(m.Fetches.WithLabelValues("full", "invalid")); got != 2 {
		t.Errorf("expected 2 invalid full fetches, got %v", got)
	}
}

func TestChunksOnly(t *testing.T) {
	f := newFixture(t, 12)
	tasks := metrics.NewTaskMetrics(prometheus.NewRegistry())
	e := f.engine(t, Config{Cores: 5, Mode: types.ModeChunksOnly, Tasks: tasks, ParallelFetches: 1})

	res := recoverOne(t, e, Request{Candidate: f.candidate, GroupHint: hint(0)})
	if res.Err != nil {
		t.Fatalf("recovery failed: %v", res.Err)
	}
	if f.counting.full.Load() != 0 {
		t.Error("chunks-only should never fetch full data")
	}
	// One fetch at a time stops exactly at the threshold.
	if got, want := f.counting.chunks.Load(), int64(erasure.RecoveryThreshold(12)); got != want {
		t.Errorf("expected %d chunk fetches, got %d", want, got)
	}
}

func TestChunksThreshold(t *testing.T) {
	floor := erasure.RecoveryThreshold(12) // 4
	tests := []struct {
		name      string
		threshold int
		want      int64
	}{
		{"zero uses minimum", 0, int64(floor)},
		{"below minimum is raised", 1, int64(floor)},
		{"above minimum fetches more", floor + 3, int64(floor + 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 12)
			e := f.engine(t, Config{Mode: types.ModeChunksOnly, ParallelFetches: 1})

			res := recoverOne(t, e, Request{Candidate: f.candidate, Threshold: tt.threshold})
			if res.Err != nil {
				t.Fatalf("recovery failed: %v", res.Err)
			}
			tmpl, _ := f.state.Lookup(f.candidate.Hash())
			if !bytes.Equal(res.Data.PoV, tmpl.Data.PoV) {
				t.Error("recovered PoV differs")
			}
			if got := f.counting.chunks.Load(); got != tt.want {
				t.Errorf("expected %d chunk fetches, got %d", tt.want, got)
			}
		})
	}
}

func TestChunksToleratesFaults(t *testing.T) {
	f := newFixture(t, 10)
	threshold := erasure.RecoveryThreshold(10) // 4
	// Leave exactly threshold honest validators.
	for v := 0; v < 10-threshold; v++ {
		if v%2 == 0 {
			f.src.SetFault(v, availability.FaultOffline)
		} else {
			f.src.SetFault(v, availability.FaultCorrupt)
		}
	}
	e := f.engine(t, Config{Mode: types.ModeChunksOnly})

	res := recoverOne(t, e, Request{Candidate: f.candidate})
	if res.Err != nil {
		t.Fatalf("recovery failed: %v", res.Err)
	}
	tmpl, _ := f.state.Lookup(f.candidate.Hash())
	if !bytes.Equal(res.Data.PoV, tmpl.Data.PoV) {
		t.Error("recovered PoV differs")
	}
}

func TestUnavailable(t *testing.T) {
	f := newFixture(t, 10)
	threshold := erasure.RecoveryThreshold(10)
	for v := 0; v < 10-threshold+1; v++ {
		f.src.SetFault(v, availability.FaultOffline)
	}
	e := f.engine(t, Config{Mode: types.ModeChunksOnly})

	res := recoverOne(t, e, Request{Candidate: f.candidate})
	if !errors.Is(res.Err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", res.Err)
	}
	if res.Data != nil {
		t.Error("failed recovery should carry no data")
	}
	if f.counting.chunks.Load() != 10 {
		t.Errorf("expected every validator to be asked, got %d", f.counting.chunks.Load())
	}
}

func TestUnknownCandidate(t *testing.T) {
	f := newFixture(t, 6)
	e := f.engine(t, Config{Cores: 5})

	other := f.candidate
	other.CommitmentsHash = common.Hash{0xaa}
	res := recoverOne(t, e, Request{Candidate: other, GroupHint: hint(0)})
	if !errors.Is(res.Err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", res.Err)
	}
}

func TestRootMismatch(t *testing.T) {
	f := newFixture(t, 6)
	e := f.engine(t, Config{Cores: 5})

	orig, ok := f.state.AvailableData(0)
	if !ok {
		t.Fatal("missing template 0")
	}
	data := *orig
	data.PoV = []byte("something else")
	if err := e.checkRoot(&data, f.candidate.Descriptor.ErasureRoot); !errors.Is(err, ErrRootMismatch) {
		t.Errorf("expected ErrRootMismatch, got %v", err)
	}
	if err := e.checkRoot(orig, f.candidate.Descriptor.ErasureRoot); err != nil {
		t.Errorf("template data should match its root: %v", err)
	}
}

func TestDeterministicOrder(t *testing.T) {
	f := newFixture(t, 20)
	e1 := f.engine(t, Config{Seed: 5})
	e2 := f.engine(t, Config{Seed: 5})
	h := f.candidate.Hash()

	a := chunkOrder(e1.rng(h), []int{3, 1}, 20)
	b := chunkOrder(e2.rng(h), []int{3, 1}, 20)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("equal seeds produced different orders:\n%v\n%v", a, b)
	}
	if a[0] != 3 || a[1] != 1 {
		t.Errorf("preferred validators should come first, got %v", a[:2])
	}
	seen := make(map[int]bool)
	for _, v := range a {
		if seen[v] {
			t.Fatalf("validator %d listed twice", v)
		}
		seen[v] = true
	}
	if len(seen) != 20 {
		t.Errorf("expected all 20 validators, got %d", len(seen))
	}
}

func TestTryHandleAtCapacity(t *testing.T) {
	f := newFixture(t, 6)
	f.counting.delay = 200 * time.Millisecond
	e := f.engine(t, Config{Mode: types.ModeChunksOnly, Concurrency: 1})

	sink := make(chan Result, 2)
	req := Request{Candidate: f.candidate, Sink: sink}
	if err := e.TryHandle(context.Background(), req); err != nil {
		t.Fatalf("first TryHandle failed: %v", err)
	}
	if err := e.TryHandle(context.Background(), req); !errors.Is(err, ErrAtCapacity) {
		t.Errorf("expected ErrAtCapacity, got %v", err)
	}
	if e.Available() != 0 {
		t.Errorf("expected no free slots, got %d", e.Available())
	}

	e.Wait()
	if res := <-sink; res.Err != nil {
		t.Errorf("recovery failed: %v", res.Err)
	}
	if e.Available() != 1 {
		t.Errorf("expected slot to be released, got %d", e.Available())
	}
}

func TestHandleRequiresSink(t *testing.T) {
	f := newFixture(t, 4)
	e := f.engine(t, Config{})
	if err := e.Handle(context.Background(), Request{Candidate: f.candidate}); !errors.Is(err, ErrNoSink) {
		t.Errorf("expected ErrNoSink, got %v", err)
	}
	if err := e.TryHandle(context.Background(), Request{Candidate: f.candidate}); !errors.Is(err, ErrNoSink) {
		t.Errorf("expected ErrNoSink, got %v", err)
	}
}

func TestConcurrencyBounded(t *testing.T) {
	f := newFixture(t, 6)
	f.counting.delay = 20 * time.Millisecond
	e := f.engine(t, Config{Mode: types.ModeChunksOnly, Concurrency: 3})

	const n = 12
	sink := make(chan Result, n)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if err := e.Handle(context.Background(), Request{Candidate: f.candidate, Sink: sink}); err != nil {
				t.Errorf("Handle failed: %v", err)
			}
		}
	}()
	wg.Wait()
	e.Wait()

	if len(sink) != n {
		t.Errorf("expected %d results, got %d", n, len(sink))
	}
	if peak := e.PeakInFlight(); peak > 3 {
		t.Errorf("expected at most 3 concurrent recoveries, peak was %d", peak)
	}
	if e.InFlight() != 0 {
		t.Errorf("expected nothing in flight, got %d", e.InFlight())
	}
}

func TestHandleHonorsContext(t *testing.T) {
	f := newFixture(t, 6)
	f.counting.delay = time.Minute
	e := f.engine(t, Config{Mode: types.ModeChunksOnly, Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	sink := make(chan Result, 1)
	if err := e.Handle(ctx, Request{Candidate: f.candidate, Sink: sink}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- e.Handle(ctx, Request{Candidate: f.candidate, Sink: sink})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-blocked:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after cancel")
	}
	e.Wait()
}
