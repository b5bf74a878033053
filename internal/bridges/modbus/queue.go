package modbus

import (
	"context"
	"sync"
	"time"
)

// Queue defaults.
const (
	// defaultQueueDepth bounds admitted-but-unexecuted operations.
	// During prolonged outages further admission fails fast instead of
	// growing an unbounded backlog.
	defaultQueueDepth = 3

	// defaultThrottleInterval is the minimum gap between the completion
	// of one device operation and the start of the next. Back-to-back
	// requests are the main trigger of device-busy responses.
	defaultThrottleInterval = time.Second
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// queuedOp is one admitted unit of work.
type queuedOp struct {
	fn     func(ctx context.Context) error
	ctx    context.Context
	result chan error
}

// OperationQueue serialises all device-facing work for one endpoint.
//
// A single drain goroutine executes operations one at a time in
// admission order (priority operations jump to the head), enforcing the
// throttle gap between consecutive executions. The device cannot
// tolerate overlapping requests, so even logically independent
// operations pass through here.
//
// Thread Safety: Enqueue is safe for concurrent use; results are
// delivered on per-operation channels.
type OperationQueue struct {
	depth    int
	throttle time.Duration

	mu       sync.Mutex
	ops      []*queuedOp
	lastDone time.Time

	// wake nudges the drain goroutine when work arrives.
	wake chan struct{}

	done *closeOnce
	wg   sync.WaitGroup
}

// NewOperationQueue creates and starts a queue. Zero depth or throttle
// fall back to the defaults (3 pending, 1s gap).
func NewOperationQueue(depth int, throttle time.Duration) *OperationQueue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	if throttle <= 0 {
		throttle = defaultThrottleInterval
	}

	q := &OperationQueue{
		depth:    depth,
		throttle: throttle,
		wake:     make(chan struct{}, 1),
		done:     newCloseOnce(),
	}

	q.wg.Add(1)
	go q.drain()

	return q
}

// Enqueue admits fn and blocks until it has run or ctx is cancelled.
//
// Priority operations are inserted at the head of the queue (used for
// the power-on write that must precede a pending speed write). Returns
// ErrQueueSaturated when the admission bound is reached and
// ErrClientClosed after Stop.
func (q *OperationQueue) Enqueue(ctx context.Context, priority bool, fn func(ctx context.Context) error) error {
	select {
	case <-q.done.Done():
		return ErrClientClosed
	default:
	}

	op := &queuedOp{
		fn:     fn,
		ctx:    ctx,
		result: make(chan error, 1),
	}

	q.mu.Lock()
	if len(q.ops) >= q.depth {
		q.mu.Unlock()
		return ErrQueueSaturated
	}
	if priority {
		q.ops = append([]*queuedOp{op}, q.ops...)
	} else {
		q.ops = append(q.ops, op)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		// The drain goroutine checks op.ctx before executing; a
		// cancelled operation is skipped, not run.
		return ctx.Err()
	case <-q.done.Done():
		return ErrClientClosed
	}
}

// Pending returns the number of admitted-but-unexecuted operations.
func (q *OperationQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Stop halts draining immediately and rejects queued operations with
// ErrClientClosed. Safe to call multiple times.
func (q *OperationQueue) Stop() {
	q.done.Close()
	q.wg.Wait()

	q.mu.Lock()
	remaining := q.ops
	q.ops = nil
	q.mu.Unlock()

	for _, op := range remaining {
		op.result <- ErrClientClosed
	}
}

// drain executes operations one at a time with the throttle gap.
func (q *OperationQueue) drain() {
	defer q.wg.Done()

	for {
		op := q.pop()
		if op == nil {
			select {
			case <-q.done.Done():
				return
			case <-q.wake:
				continue
			}
		}

		// Skip operations whose caller has already given up.
		select {
		case <-op.ctx.Done():
			op.result <- op.ctx.Err()
			continue
		default:
		}

		if !q.throttleWait() {
			op.result <- ErrClientClosed
			return
		}

		op.result <- op.fn(op.ctx)

		q.mu.Lock()
		q.lastDone = time.Now()
		q.mu.Unlock()
	}
}

// pop removes and returns the head operation, or nil when empty.
func (q *OperationQueue) pop() *queuedOp {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return nil
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	return op
}

// throttleWait sleeps until the throttle gap since the last completed
// operation has elapsed. Returns false if shutdown was signalled.
func (q *OperationQueue) throttleWait() bool {
	q.mu.Lock()
	elapsed := time.Since(q.lastDone)
	q.mu.Unlock()

	if elapsed >= q.throttle {
		return true
	}

	select {
	case <-q.done.Done():
		return false
	case <-time.After(q.throttle - elapsed):
		return true
	}
}
