package queue

import (
	"context"
	"sync"
	"time"

	"github.com/nrayfield/dispatchd/internal/workitem"
)

// Sequence produces the next item for a pull-mode queue, or reports
// that the sequence is exhausted via the second return value.
type Sequence func() (*workitem.Item, bool)

// PullQueue adapts a caller-supplied lazy sequence to the same
// DispatchNext/Stats surface the push-mode Queue exposes. Enqueue is a
// programming error: a pull queue's items come exclusively from
// Sequence.
type PullQueue struct {
	seq Sequence

	mu        sync.Mutex
	exhausted bool
	buffer    []*workitem.Item // items pulled but requeued after a lost breaker-probe race

	dispatchedTotal uint64
}

// NewPullQueue wraps seq as a pull-mode queue.
func NewPullQueue(seq Sequence) *PullQueue {
	return &PullQueue{seq: seq}
}

// Enqueue always panics: pulling from Sequence is the only admission
// path for a PullQueue.
func (q *PullQueue) Enqueue(ctx context.Context, item *workitem.Item) workitem.EnqueueOutcome {
	panic("queue: Enqueue called on a PullQueue; items come from the supplied sequence")
}

// DispatchNext pulls the next item from the underlying sequence.
func (q *PullQueue) DispatchNext() (*workitem.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.buffer) > 0 {
		item := q.buffer[0]
		q.buffer = q.buffer[1:]
		q.dispatchedTotal++
		return item, true
	}

	if q.exhausted {
		return nil, false
	}
	item, ok := q.seq()
	if !ok {
		q.exhausted = true
		return nil, false
	}
	q.dispatchedTotal++
	return item, true
}

// Requeue puts item back at the front of the internal buffer, for a
// worker that lost a circuit-breaker probe race. See Queue.Requeue.
func (q *PullQueue) Requeue(item *workitem.Item) {
	q.mu.Lock()
	q.buffer = append([]*workitem.Item{item}, q.buffer...)
	q.mu.Unlock()
}

// Wait blocks until ctx is done. Once the sequence is exhausted there
// is nothing further to wait for except shutdown; callers observe
// exhaustion through DispatchNext's false return and Exhausted.
func (q *PullQueue) Wait(ctx context.Context) {
	<-ctx.Done()
}

// Exhausted reports whether the underlying sequence has run out, which
// the dispatcher uses to trigger an automatic graceful shutdown.
func (q *PullQueue) Exhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exhausted
}

// Shutdown marks the sequence exhausted, matching the push queue's
// Shutdown signature so the processor can treat both uniformly.
func (q *PullQueue) Shutdown(drainTimeout time.Duration) {
	q.mu.Lock()
	q.exhausted = true
	q.mu.Unlock()
}

// Stats reports a Length of 0 always: a lazy sequence has no
// queryable backlog length.
func (q *PullQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{DispatchedTotal: q.dispatchedTotal}
}
