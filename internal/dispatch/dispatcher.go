package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nrayfield/dispatchd/internal/backend"
	"github.com/nrayfield/dispatchd/internal/config"
	"github.com/nrayfield/dispatchd/internal/metrics"
	"github.com/nrayfield/dispatchd/internal/queue"
	"github.com/nrayfield/dispatchd/internal/worker"
	"github.com/nrayfield/dispatchd/internal/workitem"
)

// Dispatcher composes a Queue (or PullQueue), a Processor, and an
// optional Autoscaler behind a single administrative surface. It owns
// its children's lifecycle: shutting down the Dispatcher shuts down
// everything beneath it.
type Dispatcher struct {
	queue      queue.Source
	processor  *Processor
	autoscaler *Autoscaler
	settings   config.Settings

	shuttingDown atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewDispatcher builds a push-mode Dispatcher: producers call Submit.
func NewDispatcher(be backend.Backend, checker backend.Checker, sink metrics.Sink, settings config.Settings) *Dispatcher {
	q := queue.New(settings.BackPressure, sink)
	return newDispatcher(q, be, checker, sink, settings)
}

// NewPullDispatcher builds a pull-mode Dispatcher around seq: there is
// no Submit surface, and sequence exhaustion triggers an automatic
// graceful shutdown. sendResultsTo is an optional global recipient (may
// be nil) wired onto any item the sequence yields without its own
// ReplyTo already set.
func NewPullDispatcher(seq queue.Sequence, sendResultsTo chan<- workitem.Outcome, be backend.Backend, checker backend.Checker, sink metrics.Sink, settings config.Settings) *Dispatcher {
	wrapped := seq
	if sendResultsTo != nil {
		wrapped = func() (*workitem.Item, bool) {
			item, ok := seq()
			if ok && item.ReplyTo == nil {
				item.ReplyTo = sendResultsTo
			}
			return item, ok
		}
	}
	q := queue.NewPullQueue(wrapped)
	return newDispatcher(q, be, checker, sink, settings)
}

func newDispatcher(source queue.Source, be backend.Backend, checker backend.Checker, sink metrics.Sink, settings config.Settings) *Dispatcher {
	proc := NewProcessor(source, be, checker, sink, settings.WorkerPool, settings.CircuitBreaker, settings.WorkRetry)

	d := &Dispatcher{
		queue:     source,
		processor: proc,
		settings:  settings,
	}

	if settings.AutoScaling.Enabled {
		d.autoscaler = NewAutoscaler(
			source.Stats,
			proc.PoolSize,
			proc.ErrorRate,
			proc.Resize,
			settings.AutoScaling,
		)
	}
	return d
}

// Start spins up the worker pool (and, if configured, the autoscaler).
// ctx governs the lifetime of every owned task; cancelling it is
// equivalent to an ungraceful ShutdownGracefully(nil, 0).
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.processor.Start(d.ctx, d.settings.WorkerPool.StartingPoolSize)
	if d.autoscaler != nil {
		go d.autoscaler.Run(d.ctx)
	}
	if pq, ok := d.queue.(*queue.PullQueue); ok {
		go d.watchPullExhaustion(pq)
	}
}

// watchPullExhaustion polls a PullQueue for exhaustion and triggers a
// graceful shutdown once the backing sequence runs dry and no work
// remains in flight.
func (d *Dispatcher) watchPullExhaustion(pq *queue.PullQueue) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !pq.Exhausted() {
				continue
			}
			d.processor.mu.Lock()
			busy := false
			for _, w := range d.processor.workers {
				if w.Status() == worker.InFlight {
					busy = true
				}
			}
			d.processor.mu.Unlock()
			if !busy {
				d.ShutdownGracefully(nil, 30*time.Second)
				return
			}
		}
	}
}

// Submit is the push-mode producer surface: it enqueues payload and
// returns a channel that receives at most one workitem.Outcome — the
// eventual backend reply, a synthetic WorkRejected-equivalent failure
// if admission was refused, or an "abandoned" failure if ctx ends
// first — and is then closed. An admitted item that is dropped from
// the queue after its deadline, or left queued at shutdown, produces
// no value until ctx ends.
func (d *Dispatcher) Submit(ctx context.Context, payload any, timeout time.Duration, retryBudget int) <-chan workitem.Outcome {
	out := make(chan workitem.Outcome, 1)

	if d.shuttingDown.Load() {
		out <- workitem.ApplicationFailure("Shutting down", false)
		close(out)
		return out
	}

	reply := make(chan workitem.Outcome, 1)
	item := &workitem.Item{
		ID:          uuid.New(),
		Payload:     payload,
		ReplyTo:     reply,
		RetryBudget: retryBudget,
		Deadline:    time.Now().Add(timeout),
		EnqueuedAt:  time.Now(),
	}

	outcome := d.queue.Enqueue(ctx, item)

	if !outcome.Accepted {
		switch outcome.Reason {
		case workitem.OverCapacity:
			out <- workitem.ApplicationFailure("Server is at capacity", false)
		case workitem.ShuttingDown:
			out <- workitem.ApplicationFailure("Shutting down", false)
		default:
			out <- workitem.ApplicationFailure("expired", false)
		}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		select {
		case res := <-reply:
			out <- res
		case <-ctx.Done():
			out <- workitem.ApplicationFailure("abandoned", false)
		}
	}()

	return out
}

// Stats reports a combined snapshot of the queue and processor, for
// the admin HTTP surface.
func (d *Dispatcher) Stats() (queue.Stats, ProcessorStats) {
	return d.queue.Stats(), d.processor.Stats()
}

// ShutdownGracefully stops accepting new work, retires every worker,
// waits up to timeout for them to drain, then reports completion to
// reportBack (which may be nil).
func (d *Dispatcher) ShutdownGracefully(reportBack chan<- struct{}, timeout time.Duration) {
	if !d.shuttingDown.CompareAndSwap(false, true) {
		if reportBack != nil {
			reportBack <- struct{}{}
		}
		return
	}
	d.queue.Shutdown(timeout)
	d.processor.Shutdown(reportBack, timeout)
	if d.cancel != nil {
		d.cancel()
	}
}
