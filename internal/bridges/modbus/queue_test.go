package modbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueExecutesInOrder(t *testing.T) {
	q := NewOperationQueue(10, time.Millisecond)
	defer q.Stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			q.Enqueue(context.Background(), false, func(_ context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Stagger admissions so FIFO order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("executed %d operations, want 3", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("execution order %v, want [0 1 2]", order)
			break
		}
	}
}

func TestQueueSerialisesOperations(t *testing.T) {
	q := NewOperationQueue(10, time.Millisecond)
	defer q.Stop()

	var inFlight, maxInFlight int32
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(context.Background(), false, func(_ context.Context) error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("max in-flight operations = %d, want 1", maxInFlight)
	}
}

func TestQueueThrottleGap(t *testing.T) {
	throttle := 50 * time.Millisecond
	q := NewOperationQueue(10, throttle)
	defer q.Stop()

	var mu sync.Mutex
	var starts []time.Time

	run := func() error {
		return q.Enqueue(context.Background(), false, func(_ context.Context) error {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return nil
		})
	}

	if err := run(); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := run(); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 2 {
		t.Fatalf("executed %d operations, want 2", len(starts))
	}
	if gap := starts[1].Sub(starts[0]); gap < throttle {
		t.Errorf("gap between operations = %v, want >= %v", gap, throttle)
	}
}

func TestQueuePriorityJumpsHead(t *testing.T) {
	q := NewOperationQueue(10, 30*time.Millisecond)
	defer q.Stop()

	var mu sync.Mutex
	var order []string

	record := func(name string) func(context.Context) error {
		return func(_ context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	var wg sync.WaitGroup
	enqueue := func(name string, priority bool) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(context.Background(), priority, record(name))
		}()
	}

	// First op occupies the drain goroutine (throttle gap after it),
	// then two normal ops queue up, then a priority op jumps them.
	enqueue("first", false)
	time.Sleep(10 * time.Millisecond)
	enqueue("second", false)
	time.Sleep(5 * time.Millisecond)
	enqueue("third", false)
	time.Sleep(5 * time.Millisecond)
	enqueue("urgent", true)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 {
		t.Fatalf("executed %d operations, want 4", len(order))
	}
	if order[0] != "first" {
		t.Errorf("order[0] = %q, want first", order[0])
	}
	if order[1] != "urgent" {
		t.Errorf("order = %v, want urgent to run before second and third", order)
	}
}

func TestQueueSaturation(t *testing.T) {
	q := NewOperationQueue(2, time.Millisecond)
	defer q.Stop()

	block := make(chan struct{})
	var wg sync.WaitGroup

	// One running plus two pending fills the queue.
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(context.Background(), false, func(_ context.Context) error {
				<-block
				return nil
			})
		}()
		time.Sleep(20 * time.Millisecond)
	}

	err := q.Enqueue(context.Background(), false, func(_ context.Context) error { return nil })
	if !errors.Is(err, ErrQueueSaturated) {
		t.Errorf("Enqueue() on full queue error = %v, want ErrQueueSaturated", err)
	}

	close(block)
	wg.Wait()
}

func TestQueueStopRejectsPending(t *testing.T) {
	q := NewOperationQueue(10, time.Millisecond)

	block := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Enqueue(context.Background(), false, func(_ context.Context) error {
			close(block)
			time.Sleep(50 * time.Millisecond)
			return nil
		})
	}()

	<-block
	var pendingErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		pendingErr = q.Enqueue(context.Background(), false, func(_ context.Context) error { return nil })
	}()
	time.Sleep(10 * time.Millisecond)

	q.Stop()
	wg.Wait()

	if !errors.Is(pendingErr, ErrClientClosed) {
		t.Errorf("pending Enqueue() after Stop() error = %v, want ErrClientClosed", pendingErr)
	}

	if err := q.Enqueue(context.Background(), false, func(_ context.Context) error { return nil }); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Enqueue() after Stop() error = %v, want ErrClientClosed", err)
	}
}

func TestQueueCancelledCallerSkipped(t *testing.T) {
	q := NewOperationQueue(10, time.Millisecond)
	defer q.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := q.Enqueue(ctx, false, func(_ context.Context) error {
		ran = true
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Enqueue(cancelled ctx) error = %v, want context.Canceled", err)
	}

	// Give the drain goroutine a chance to (incorrectly) run it.
	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Error("operation with cancelled context was executed")
	}
}
