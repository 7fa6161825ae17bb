package pacer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPacerSleepsRemainder(t *testing.T) {
	p := New(100 * time.Millisecond)

	start := time.Now()
	time.Sleep(20 * time.Millisecond)
	out, err := p.Wait(context.Background(), start)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	elapsed := time.Since(start)

	if out.Overrun {
		t.Error("round within budget should not overrun")
	}
	if out.Busy < 20*time.Millisecond {
		t.Errorf("expected busy >= 20ms, got %v", out.Busy)
	}
	if out.Busy+out.Slept < 95*time.Millisecond || out.Busy+out.Slept > 105*time.Millisecond {
		t.Errorf("busy + slept should be ~100ms, got %v + %v", out.Busy, out.Slept)
	}
	// Allow generous scheduler tolerance on the wall clock.
	if elapsed < 100*time.Millisecond || elapsed > 200*time.Millisecond {
		t.Errorf("expected round to last ~100ms, took %v", elapsed)
	}
}

func TestPacerOverrun(t *testing.T) {
	p := New(10 * time.Millisecond)

	start := time.Now().Add(-50 * time.Millisecond)
	before := time.Now()
	out, err := p.Wait(context.Background(), start)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !out.Overrun {
		t.Error("expected overrun")
	}
	if out.Slept != 0 {
		t.Errorf("overrun should not sleep, slept %v", out.Slept)
	}
	if time.Since(before) > 10*time.Millisecond {
		t.Error("overrun Wait should return immediately")
	}
	if p.Overruns() != 1 || p.Rounds() != 1 {
		t.Errorf("expected 1 overrun in 1 round, got %d in %d", p.Overruns(), p.Rounds())
	}
}

func TestPacerPersistentOverrun(t *testing.T) {
	now := time.Unix(1000, 0)
	p := New(time.Second)
	p.now = func() time.Time { return now }

	if p.Persistent() {
		t.Error("no rounds should not be persistent")
	}

	testCases := []struct {
		busy       time.Duration
		persistent bool
	}{
		{2 * time.Second, true},
		{time.Second, true}, // exactly the budget is an overrun
		{0, true},           // 2 of 3
		{0, false},          // 2 of 4 is not a majority
		{3 * time.Second, true},
		{5 * time.Second, true},
	}
	for i, tc := range testCases {
		ctx := context.Background()
		if tc.busy == 0 {
			// Within budget: cancel the sleep instead of waiting it out.
			c, cancel := context.WithCancel(ctx)
			cancel()
			ctx = c
		}
		_, _ = p.Wait(ctx, now.Add(-tc.busy))
		if p.Persistent() != tc.persistent {
			t.Errorf("round %d: expected persistent=%v (%d overruns in %d rounds)",
				i, tc.persistent, p.Overruns(), p.Rounds())
		}
	}
}

func TestPacerPersistentDespiteOneRoundInBudget(t *testing.T) {
	now := time.Unix(1000, 0)
	p := New(time.Second)
	p.now = func() time.Time { return now }

	done, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = p.Wait(done, now)
	for i := 0; i < 99; i++ {
		if _, err := p.Wait(context.Background(), now.Add(-2*time.Second)); err != nil {
			t.Fatalf("round %d: Wait failed: %v", i, err)
		}
	}
	if !p.Persistent() {
		t.Errorf("99 overruns in 100 rounds should be persistent")
	}
}

func TestPacerDisabled(t *testing.T) {
	p := New(0)
	out, err := p.Wait(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if out.Overrun || out.Slept != 0 {
		t.Errorf("disabled pacer should neither sleep nor overrun: %+v", out)
	}
}

func TestPacerHonorsContext(t *testing.T) {
	p := New(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.Wait(ctx, start)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait did not return promptly after cancel")
	}
}
