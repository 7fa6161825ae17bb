package driver

import (
	"errors"
	"sync"
	"time"

	"github.com/gateway-fm/availbench/pkg/types"
)

// Tracker keeps the latest progress and the final report of a run for the
// observation surface. It implements Observer. Safe for concurrent use.
type Tracker struct {
	mu          sync.RWMutex
	progress    types.RunProgress
	report      *types.RunReport
	startedAt   time.Time
	subscribers []func(types.ProgressEvent)
}

var _ Observer = (*Tracker)(nil)

// NewTracker creates a tracker for run id spanning totalBlocks blocks.
func NewTracker(id string, totalBlocks int) *Tracker {
	return &Tracker{
		progress: types.RunProgress{
			RunID:       id,
			Status:      types.StatusIdle,
			TotalBlocks: totalBlocks,
		},
	}
}

// Subscribe registers fn to receive every progress event. fn is called with
// no lock held and must not block.
func (t *Tracker) Subscribe(fn func(types.ProgressEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

// SetPhase marks the run as initializing in phase.
func (t *Tracker) SetPhase(phase types.InitPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
	t.progress.Status = types.StatusInitializing
	t.progress.InitPhase = phase
}

// Started marks the run as running.
func (t *Tracker) Started() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
	t.progress.Status = types.StatusRunning
	t.progress.InitPhase = types.InitPhaseNone
}

// OnBlock records the progress published by the driver after a block.
func (t *Tracker) OnBlock(progress types.RunProgress, block types.BlockTiming) {
	t.mu.Lock()
	progress.RunID = t.progress.RunID
	t.progress = progress
	subs := t.subscribers
	t.mu.Unlock()

	t.publish(subs, types.ProgressEvent{
		Type:      types.EventBlock,
		Progress:  progress,
		Block:     &block,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Finish records the final report and the error the run ended with, if any.
func (t *Tracker) Finish(report *types.RunReport, err error) {
	t.mu.Lock()
	t.report = report
	event := types.EventCompleted
	switch {
	case errors.Is(err, ErrAbortedRun):
		t.progress.Status = types.StatusAborted
		event = types.EventAborted
	case err != nil:
		t.progress.Status = types.StatusError
		event = types.EventAborted
	default:
		t.progress.Status = types.StatusCompleted
	}
	if err != nil {
		t.progress.Error = err.Error()
	}
	if report != nil {
		t.progress.Recoveries = report.Recoveries
		t.progress.BytesRecovered = report.BytesRecovered
		t.progress.Overruns = report.Overruns
		t.progress.ElapsedMs = report.ElapsedMs
		t.progress.Latency = report.Latency
	}
	progress := t.progress
	subs := t.subscribers
	t.mu.Unlock()

	t.publish(subs, types.ProgressEvent{
		Type:      event,
		Progress:  progress,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (t *Tracker) publish(subs []func(types.ProgressEvent), ev types.ProgressEvent) {
	for _, fn := range subs {
		fn(ev)
	}
}

// Progress returns the latest progress.
func (t *Tracker) Progress() types.RunProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.progress
	if p.Status == types.StatusRunning || p.Status == types.StatusInitializing {
		p.ElapsedMs = time.Since(t.startedAt).Milliseconds()
	}
	return p
}

// Report returns the final report, or false while the run is in progress.
func (t *Tracker) Report() (*types.RunReport, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.report, t.report != nil
}
