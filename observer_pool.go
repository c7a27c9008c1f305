package finbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool dispatches bus events to observers asynchronously so slow
// observers cannot block the publish/consume paths. Non-blocking design:
// events are dropped when the buffer is full.
type ObserverPool struct {
	eventCh   chan *BusEvent
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64
	Processed    uint64
	ActiveEvents int
	Workers      int
	BufferSize   int
}

// NewObserverPool creates a pool for async observer notification.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *BusEvent, bufferSize),
		workers: workers,
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}

	return op
}

// Notify queues an event for asynchronous observer dispatch. Returns
// immediately; drops the event if the buffer is full.
func (op *ObserverPool) Notify(e BusEvent, observers []Observer) {
	if len(observers) == 0 {
		return
	}

	e.observers = make([]Observer, len(observers))
	copy(e.observers, observers)

	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			// Drain remaining events before exiting.
			for {
				select {
				case e := <-op.eventCh:
					if e != nil {
						op.dispatchEvent(e)
					}
				default:
					return
				}
			}
		case e := <-op.eventCh:
			if e != nil {
				op.dispatchEvent(e)
				op.processed.Add(1)
			}
		}
	}
}

// dispatchEvent calls all observers for a single event, tolerating observer
// panics so one bad observer cannot corrupt the pool.
func (op *ObserverPool) dispatchEvent(e *BusEvent) {
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() {
				_ = recover()
			}()
			obs.OnEvent(*e)
		}()
	}
}

// Close shuts down the pool, waiting up to timeout for queued events.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}

	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.eventCh),
		Workers:      op.workers,
		BufferSize:   cap(op.eventCh),
	}
}
