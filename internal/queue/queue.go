// Package queue implements the bounded, backpressured FIFO that sits at
// the dispatch engine's admission point, plus the pull-mode variant in
// pull.go. It is slice-backed rather than channel-backed so it can peek
// and drop expired heads, which a plain buffered channel cannot do.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/nrayfield/dispatchd/internal/config"
	"github.com/nrayfield/dispatchd/internal/metrics"
	"github.com/nrayfield/dispatchd/internal/workitem"
)

// Source is what a Processor needs from either queue variant: pull the
// next eligible item, wait for more to possibly arrive, tear down, and
// report a stats snapshot. *Queue and *PullQueue both satisfy it.
type Source interface {
	Enqueue(ctx context.Context, item *workitem.Item) workitem.EnqueueOutcome
	DispatchNext() (*workitem.Item, bool)
	Requeue(item *workitem.Item)
	Wait(ctx context.Context)
	Shutdown(drainTimeout time.Duration)
	Stats() Stats
}

// Stats is a point-in-time snapshot safe to read without holding the
// queue's lock for longer than the copy itself.
type Stats struct {
	Length         int
	EnqueuedTotal  uint64
	DispatchedTotal uint64
	RejectedTotal  uint64
	Throughput     float64 // dispatches/sec over the history window, 0 if unknown
}

// Queue is a FIFO of *workitem.Item bounded by Settings.BackPressure,
// plus a rolling window of dispatch timestamps used to estimate
// throughput and reject admissions whose expected wait is too long.
type Queue struct {
	cfg   config.BackPressure
	sink  metrics.Sink

	mu       sync.Mutex
	items    []*workitem.Item
	notify   chan struct{} // signaled (non-blocking) on enqueue/shutdown
	shutdown bool

	history []time.Time // ring of recent dispatch timestamps
	histPos int
	histLen int

	enqueuedTotal   uint64
	dispatchedTotal uint64
	rejectedTotal   uint64
}

// New builds a Queue governed by cfg, emitting admission/rejection
// events to sink.
func New(cfg config.BackPressure, sink metrics.Sink) *Queue {
	histCap := 64
	return &Queue{
		cfg:     cfg,
		sink:    sink,
		notify:  make(chan struct{}, 1),
		history: make([]time.Time, histCap),
	}
}

// Enqueue admits item, or rejects it under the queue's backpressure
// rules. ctx is checked once, before the queue's lock is taken: an
// already-done ctx yields Rejected(Expired). Admission itself never
// blocks on capacity.
func (q *Queue) Enqueue(ctx context.Context, item *workitem.Item) workitem.EnqueueOutcome {
	select {
	case <-ctx.Done():
		return workitem.Rejected(workitem.Expired)
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		q.rejectedTotal++
		q.emit(metrics.EnqueueRejected, item, string(workitem.ShuttingDown))
		return workitem.Rejected(workitem.ShuttingDown)
	}

	now := time.Now()
	if item.Expired(now) {
		q.rejectedTotal++
		q.emit(metrics.EnqueueRejected, item, string(workitem.Expired))
		return workitem.Rejected(workitem.Expired)
	}

	if q.cfg.Enabled {
		if len(q.items) >= q.cfg.MaxBufferSize {
			q.rejectedTotal++
			q.emit(metrics.EnqueueRejected, item, string(workitem.OverCapacity))
			return workitem.Rejected(workitem.OverCapacity)
		}
		if throughput, known := q.throughputLocked(now); known {
			ewt := time.Duration(float64(len(q.items)) / throughput * float64(time.Second))
			if ewt > q.cfg.ThresholdForExpectedWaitTime {
				q.rejectedTotal++
				q.emit(metrics.EnqueueRejected, item, string(workitem.OverCapacity))
				return workitem.Rejected(workitem.OverCapacity)
			}
		}
	}

	q.items = append(q.items, item)
	q.enqueuedTotal++
	q.emit(metrics.Enqueued, item, "")
	q.notifyOne()
	return workitem.Enqueued()
}

// DispatchNext removes and returns the head item, dropping any expired
// heads first. Returns false when the queue has no eligible item.
func (q *Queue) DispatchNext() (*workitem.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for len(q.items) > 0 {
		head := q.items[0]
		if head.Expired(now) {
			q.items = q.items[1:]
			q.emit(metrics.EnqueueRejected, head, string(workitem.Expired))
			continue
		}
		q.items = q.items[1:]
		q.dispatchedTotal++
		q.recordDispatchLocked(now)
		return head, true
	}
	return nil, false
}

// Requeue puts item back at the head of the queue. It is used by a
// worker that picked up an item but lost a circuit-breaker probe race
// before invoking the backend; it is not a new admission and bypasses
// backpressure checks and counters.
func (q *Queue) Requeue(item *workitem.Item) {
	q.mu.Lock()
	q.items = append([]*workitem.Item{item}, q.items...)
	q.notifyOne()
	q.mu.Unlock()
}

// Wait blocks until an item may be available or ctx is done. It is a
// hint, not a guarantee: callers must still treat DispatchNext's bool
// result as authoritative (another worker may have raced ahead).
func (q *Queue) Wait(ctx context.Context) {
	select {
	case <-q.notify:
	case <-ctx.Done():
	}
}

// Shutdown flips the queue to shutting-down (rejecting further
// enqueues) and wakes a blocked Wait caller. Existing items remain
// available to DispatchNext; Shutdown does not dispatch them itself and
// does not use drainTimeout. Workers retired by a processor shutdown
// stop pulling, so items still queued then are not dispatched.
func (q *Queue) Shutdown(drainTimeout time.Duration) {
	q.mu.Lock()
	q.shutdown = true
	q.notifyAllLocked()
	q.mu.Unlock()
}

// Stats returns a snapshot for the autoscaler and admin surface.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	throughput, _ := q.throughputLocked(time.Now())
	return Stats{
		Length:          len(q.items),
		EnqueuedTotal:   q.enqueuedTotal,
		DispatchedTotal: q.dispatchedTotal,
		RejectedTotal:   q.rejectedTotal,
		Throughput:      throughput,
	}
}

// recordDispatchLocked appends now to the dispatch-history ring. The
// window tracks when items leave the queue, not when backends finish
// handling them, so throughput reflects how fast the queue drains
// rather than how fast any one backend replies.
func (q *Queue) recordDispatchLocked(now time.Time) {
	q.history[q.histPos] = now
	q.histPos = (q.histPos + 1) % len(q.history)
	if q.histLen < len(q.history) {
		q.histLen++
	}
}

// throughputLocked estimates dispatches/sec over the configured
// history window. Reports known=false with fewer than two samples in
// the window.
func (q *Queue) throughputLocked(now time.Time) (rate float64, known bool) {
	window := q.cfg.MaxHistoryLength
	if window <= 0 {
		window = 10 * time.Second
	}
	cutoff := now.Add(-window)

	var count int
	var oldest time.Time
	for i := 0; i < q.histLen; i++ {
		idx := (q.histPos - 1 - i + len(q.history)) % len(q.history)
		ts := q.history[idx]
		if ts.Before(cutoff) {
			break
		}
		count++
		oldest = ts
	}
	if count < 2 {
		return 0, false
	}
	elapsed := now.Sub(oldest).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return float64(count) / elapsed, true
}

func (q *Queue) notifyOne() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) notifyAllLocked() {
	// Close-then-replace is unsafe for a channel readers may already be
	// selecting on; a non-blocking send covers the common "one waiter"
	// case, and Shutdown callers additionally cancel the context they
	// passed to Wait.
	q.notifyOne()
}

func (q *Queue) emit(kind metrics.Kind, item *workitem.Item, reason string) {
	if q.sink == nil {
		return
	}
	q.sink.Emit(metrics.Event{Kind: kind, ItemID: item.ID.String(), Reason: reason})
}
