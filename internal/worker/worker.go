// Package worker implements the worker state machine: pull an item,
// invoke the backend under the item's deadline, classify the reply,
// retry or report.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nrayfield/dispatchd/internal/backend"
	"github.com/nrayfield/dispatchd/internal/breaker"
	"github.com/nrayfield/dispatchd/internal/metrics"
	"github.com/nrayfield/dispatchd/internal/queue"
	"github.com/nrayfield/dispatchd/internal/workitem"
)

// Status is the worker's externally observable state.
type Status int

const (
	Idle Status = iota
	Waiting
	InFlight
	Retiring
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case InFlight:
		return "in_flight"
	case Retiring:
		return "retiring"
	default:
		return "unknown"
	}
}

// Worker pulls from a queue.Source, invokes a backend.Backend under the
// item's deadline, classifies the reply with a backend.Checker, and
// retries or reports. All state below is touched only from the
// worker's own goroutine (Run); Status is additionally exposed via an
// atomic for external snapshotting without a lock.
type Worker struct {
	id       int
	source   queue.Source
	backend  backend.Backend
	checker  backend.Checker
	sink     metrics.Sink
	breaker  *breaker.Breaker // nil disables the circuit breaker
	retryBudget int

	status  atomic.Int32
	retire  chan struct{}
	retired chan struct{}
}

// New builds a Worker. br may be nil to run without a circuit breaker.
func New(id int, source queue.Source, be backend.Backend, checker backend.Checker, sink metrics.Sink, br *breaker.Breaker, retryBudget int) *Worker {
	return &Worker{
		id:          id,
		source:      source,
		backend:     be,
		checker:     checker,
		sink:        sink,
		breaker:     br,
		retryBudget: retryBudget,
		retire:      make(chan struct{}),
		retired:     make(chan struct{}),
	}
}

// ID returns the worker's identifier, assigned by the processor in
// spawn order.
func (w *Worker) ID() int { return w.id }

// Status reports the worker's current state.
func (w *Worker) Status() Status { return Status(w.status.Load()) }

// Retire asks the worker to finish its current item (or time it out)
// and then stop. Safe to call more than once.
func (w *Worker) Retire() {
	select {
	case <-w.retire:
	default:
		close(w.retire)
	}
}

// Retired is closed once the worker's Run loop has returned.
func (w *Worker) Retired() <-chan struct{} { return w.retired }

// Run is the worker's goroutine entry point. It returns once retired
// or ctx is done.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.retired)
	defer w.status.Store(int32(Retiring))

	// A derived context that also cancels on Retire, so a blocking
	// source.Wait(ctx) call cannot outlive a retire request.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.retire:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.retire:
			return
		default:
		}

		if w.breaker != nil && w.breaker.State() == breaker.Open {
			w.status.Store(int32(Waiting))
			w.backoff(runCtx)
			continue
		}

		w.status.Store(int32(Waiting))
		item, ok := w.source.DispatchNext()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.retire:
				return
			default:
			}
			w.source.Wait(runCtx)
			continue
		}

		if w.breaker != nil {
			if err := w.breaker.Allow(); err != nil {
				// Lost the half-open probe race: put the item back and
				// back off before trying again.
				w.source.Requeue(item)
				w.backoff(runCtx)
				continue
			}
		}

		w.status.Store(int32(InFlight))
		w.process(ctx, item)
	}
}

func (w *Worker) backoff(ctx context.Context) {
	t := time.NewTimer(50 * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-w.retire:
	}
}

// process runs one attempt (and any in-place retries) for item,
// reporting the final disposition to item.ReplyTo. Every failed
// attempt emits its own WorkFailed/WorkTimedOut event, including ones
// that go on to be retried, so a caller counting emitted events sees
// one event per backend call rather than only the terminal one.
func (w *Worker) process(ctx context.Context, item *workitem.Item) {
	w.emit(metrics.WorkStarted, item, "", 0)
	started := time.Now()

	for {
		callCtx, cancel := context.WithDeadline(ctx, item.Deadline)
		reply, err := w.backend.Do(callCtx, item.Payload)
		deadlineHit := callCtx.Err() != nil
		cancel()

		var outcome workitem.Outcome
		if deadlineHit && err != nil {
			outcome = workitem.ApplicationFailure(workitem.Timeout, true)
		} else {
			outcome = w.checker.Classify(reply, err)
		}
		w.recordBreaker(outcome)

		switch outcome.Kind {
		case workitem.KindSuccess, workitem.KindUnrecognized:
			w.finish(item, outcome, started)
			return
		case workitem.KindApplicationFailure:
			w.emitFailure(item, outcome, time.Since(started))
			if outcome.Retryable && w.tryRetry(item) {
				continue
			}
			w.deliver(item, outcome)
			return
		}
	}
}

// tryRetry reports whether item may be retried in place: it has
// retries remaining and the original deadline has not yet passed.
// Retrying re-invokes the backend directly in this same goroutine
// rather than re-enqueueing at the queue's head.
func (w *Worker) tryRetry(item *workitem.Item) bool {
	if item.Attempt >= w.effectiveRetryBudget(item) {
		return false
	}
	if time.Now().After(item.Deadline) {
		return false
	}
	item.Attempt++
	return true
}

func (w *Worker) effectiveRetryBudget(item *workitem.Item) int {
	if item.RetryBudget > 0 {
		return item.RetryBudget
	}
	return w.retryBudget
}

func (w *Worker) recordBreaker(outcome workitem.Outcome) {
	if w.breaker == nil {
		return
	}
	switch outcome.Kind {
	case workitem.KindSuccess:
		w.breaker.RecordSuccess()
	case workitem.KindApplicationFailure, workitem.KindUnrecognized:
		w.breaker.RecordFailure()
	}
}

// finish delivers outcome to item's reply recipient (if any) and emits
// the matching terminal metric. Used for success and unrecognized
// outcomes, which are always terminal.
func (w *Worker) finish(item *workitem.Item, outcome workitem.Outcome, started time.Time) {
	duration := time.Since(started)

	switch outcome.Kind {
	case workitem.KindSuccess:
		w.emit(metrics.WorkCompleted, item, "", duration)
	case workitem.KindUnrecognized:
		w.emit(metrics.WorkFailed, item, "unrecognized reply", duration)
	}

	w.deliver(item, outcome)
}

// emitFailure reports one failed backend attempt, whether or not it
// goes on to be retried.
func (w *Worker) emitFailure(item *workitem.Item, outcome workitem.Outcome, duration time.Duration) {
	if outcome.Reason == workitem.Timeout {
		w.emit(metrics.WorkTimedOut, item, outcome.Reason, duration)
	} else {
		w.emit(metrics.WorkFailed, item, outcome.Reason, duration)
	}
}

// deliver sends outcome to item's reply recipient, if any, without
// blocking: a full or unread reply channel means the producer already
// moved on.
func (w *Worker) deliver(item *workitem.Item, outcome workitem.Outcome) {
	if item.ReplyTo != nil {
		select {
		case item.ReplyTo <- outcome:
		default:
		}
	}
}

func (w *Worker) emit(kind metrics.Kind, item *workitem.Item, reason string, d time.Duration) {
	if w.sink == nil {
		return
	}
	w.sink.Emit(metrics.Event{Kind: kind, ItemID: item.ID.String(), Reason: reason, Duration: d})
}
