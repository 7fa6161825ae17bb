package driver

import (
	"errors"
	"testing"

	"github.com/gateway-fm/availbench/pkg/types"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker("abc", 3)
	if p := tr.Progress(); p.Status != types.StatusIdle || p.RunID != "abc" || p.TotalBlocks != 3 {
		t.Errorf("unexpected initial progress: %+v", p)
	}
	if _, ok := tr.Report(); ok {
		t.Error("no report before Finish")
	}

	var events []types.ProgressEvent
	tr.Subscribe(func(ev types.ProgressEvent) { events = append(events, ev) })

	tr.SetPhase(types.InitPhaseDerivingChunks)
	if p := tr.Progress(); p.Status != types.StatusInitializing || p.InitPhase != types.InitPhaseDerivingChunks {
		t.Errorf("unexpected progress while initializing: %+v", p)
	}

	tr.Started()
	tr.OnBlock(types.RunProgress{CurrentBlock: 1, TotalBlocks: 3, BytesRecovered: 10}, types.BlockTiming{Block: 1})
	p := tr.Progress()
	if p.CurrentBlock != 1 || p.BytesRecovered != 10 || p.RunID != "abc" {
		t.Errorf("unexpected progress after block: %+v", p)
	}

	report := &types.RunReport{BytesRecovered: 30, Recoveries: 3}
	tr.Finish(report, nil)

	got, ok := tr.Report()
	if !ok || got != report {
		t.Error("expected final report")
	}
	if p := tr.Progress(); p.Status != types.StatusCompleted || p.BytesRecovered != 30 {
		t.Errorf("unexpected final progress: %+v", p)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != types.EventBlock || events[0].Block == nil || events[0].Block.Block != 1 {
		t.Errorf("unexpected block event: %+v", events[0])
	}
	if events[1].Type != types.EventCompleted {
		t.Errorf("expected completed event, got %s", events[1].Type)
	}
}

func TestTrackerFinishWithError(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status types.RunStatus
		event  string
	}{
		{"aborted", &AbortedRunError{Err: errors.New("boom")}, types.StatusAborted, types.EventAborted},
		{"other error", errors.New("setup failed"), types.StatusError, types.EventAborted},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker("x", 1)
			var last types.ProgressEvent
			tr.Subscribe(func(ev types.ProgressEvent) { last = ev })

			tr.Finish(nil, tc.err)
			p := tr.Progress()
			if p.Status != tc.status {
				t.Errorf("expected status %s, got %s", tc.status, p.Status)
			}
			if p.Error == "" {
				t.Error("expected error message")
			}
			if last.Type != tc.event {
				t.Errorf("expected %s event, got %s", tc.event, last.Type)
			}
		})
	}
}
