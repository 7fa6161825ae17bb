package metrics

import "sync/atomic"

// AtomicSubSaturating atomically subtracts delta from *addr, saturating at 0.
func AtomicSubSaturating(addr *int64, delta int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		next := max(current-delta, 0)
		if atomic.CompareAndSwapInt64(addr, current, next) {
			return next
		}
	}
}

// AtomicMax atomically sets *addr to max(*addr, val) and returns the new value.
func AtomicMax(addr *int64, val int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		if val <= current {
			return current
		}
		if atomic.CompareAndSwapInt64(addr, current, val) {
			return val
		}
	}
}

// InFlight counts outstanding operations and remembers the high-water mark.
type InFlight struct {
	current int64
	peak    int64
}

// Start records one more outstanding operation and returns the new count.
func (f *InFlight) Start() int64 {
	n := atomic.AddInt64(&f.current, 1)
	AtomicMax(&f.peak, n)
	return n
}

// Done records one finished operation. The count never drops below zero.
func (f *InFlight) Done() int64 {
	return AtomicSubSaturating(&f.current, 1)
}

// Load returns the number of outstanding operations.
func (f *InFlight) Load() int64 {
	return atomic.LoadInt64(&f.current)
}

// Peak returns the largest number of operations outstanding at once.
func (f *InFlight) Peak() int64 {
	return atomic.LoadInt64(&f.peak)
}

// UCounter is an unsigned atomic counter, used for byte totals.
type UCounter struct {
	value atomic.Uint64
}

// Add adds delta to the counter and returns the new value.
func (c *UCounter) Add(delta uint64) uint64 {
	return c.value.Add(delta)
}

// Load returns the current value.
func (c *UCounter) Load() uint64 {
	return c.value.Load()
}

// Reset sets the counter to 0.
func (c *UCounter) Reset() {
	c.value.Store(0)
}
