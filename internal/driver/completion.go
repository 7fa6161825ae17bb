package driver

import (
	"context"

	"github.com/gateway-fm/availbench/internal/recovery"
)

// completionSet collects the results of one round in arrival order. Every
// request of the round shares the same sink, sized so that producers never
// block even if the round is abandoned.
type completionSet struct {
	ch          chan recovery.Result
	outstanding int
}

func newCompletionSet(size int) *completionSet {
	return &completionSet{ch: make(chan recovery.Result, size)}
}

// add registers one more outstanding request and returns its sink.
func (c *completionSet) add() chan<- recovery.Result {
	c.outstanding++
	return c.ch
}

// forget drops a registration whose request was never delivered.
func (c *completionSet) forget() {
	c.outstanding--
}

func (c *completionSet) pending() int {
	return c.outstanding
}

// next waits for the next result, whichever request it belongs to.
func (c *completionSet) next(ctx context.Context) (recovery.Result, error) {
	select {
	case res := <-c.ch:
		c.outstanding--
		return res, nil
	case <-ctx.Done():
		return recovery.Result{}, ctx.Err()
	}
}
