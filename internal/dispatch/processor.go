// Package dispatch composes a queue, a resizable worker pool, and a
// shared circuit breaker into the processor, autoscaler, and dispatcher
// that run the work-dispatch engine: a mutex-guarded struct owning a
// worker set and a started flag.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/nrayfield/dispatchd/internal/backend"
	"github.com/nrayfield/dispatchd/internal/breaker"
	"github.com/nrayfield/dispatchd/internal/config"
	"github.com/nrayfield/dispatchd/internal/metrics"
	"github.com/nrayfield/dispatchd/internal/queue"
	"github.com/nrayfield/dispatchd/internal/worker"
)

// ProcessorStats is a point-in-time snapshot of the pool.
type ProcessorStats struct {
	PoolSize     int
	MinPoolSize  int
	MaxPoolSize  int
	BreakerState string
}

// Processor owns a resizable set of Workers dispatching against a
// shared queue.Source, optionally gated by a single circuit breaker
// shared across every worker it spawns — computing breaker state once,
// centrally, is what makes "at most one probe in flight while
// HalfOpen" trivial to enforce instead of needing coordination across
// N independent breakers.
type Processor struct {
	source  queue.Source
	backend backend.Backend
	checker backend.Checker
	sink    metrics.Sink
	breaker *breaker.Breaker
	cfg     config.WorkerPool
	retry   int

	mu      sync.Mutex
	workers []*worker.Worker
	nextID  int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	started bool
}

// NewProcessor builds a Processor. If breakerCfg.Enabled, dispatch is
// gated by a shared *breaker.Breaker; otherwise workers run unbraked.
func NewProcessor(source queue.Source, be backend.Backend, checker backend.Checker, sink metrics.Sink, pool config.WorkerPool, breakerCfg config.CircuitBreaker, retryBudget int) *Processor {
	var br *breaker.Breaker
	if breakerCfg.Enabled {
		br = breaker.New(breaker.Config{
			HistoryLength:      breakerCfg.HistoryLength,
			ErrorRateThreshold: breakerCfg.ErrorRateThreshold,
			OpenDuration:       breakerCfg.CloseDuration,
			// Exactly one HalfOpen probe success resumes dispatch.
			SuccessesToClose: 1,
		})
		br.OnTransition(func(s breaker.State) {
			if sink == nil {
				return
			}
			switch s {
			case breaker.Open:
				sink.Emit(metrics.Event{Kind: metrics.CircuitBreakerOpened})
			case breaker.Closed:
				sink.Emit(metrics.Event{Kind: metrics.CircuitBreakerClosed})
			}
		})
	}
	return &Processor{
		source:  source,
		backend: be,
		checker: checker,
		sink:    sink,
		breaker: br,
		cfg:     pool,
		retry:   retryBudget,
	}
}

// Start spawns initial workers (clamped to [Min, Max]) and begins
// running them under ctx.
func (p *Processor) Start(ctx context.Context, initial int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	initial = clamp(initial, p.cfg.MinPoolSize, p.cfg.MaxPoolSize)
	for i := 0; i < initial; i++ {
		p.spawnLocked()
	}
}

func (p *Processor) spawnLocked() *worker.Worker {
	w := worker.New(p.nextID, p.source, p.backend, p.checker, p.sink, p.breaker, p.retry)
	p.nextID++
	p.workers = append(p.workers, w)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.Run(p.ctx)
	}()
	return w
}

// Resize grows or shrinks the worker set toward target, clamped to
// [Min, Max]. Growth spawns the difference immediately; shrink retires
// the oldest surplus workers and lets them drain asynchronously, so a
// transient overshoot during shrink is expected.
func (p *Processor) Resize(target int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	target = clamp(target, p.cfg.MinPoolSize, p.cfg.MaxPoolSize)

	current := p.liveCountLocked()
	from := current
	switch {
	case target > current:
		for i := 0; i < target-current; i++ {
			p.spawnLocked()
		}
	case target < current:
		surplus := current - target
		for i := 0; i < len(p.workers) && surplus > 0; i++ {
			w := p.workers[i]
			if w.Status() == worker.Retiring {
				continue
			}
			w.Retire()
			surplus--
		}
	}
	if from != target {
		p.emit(metrics.PoolResized, from, target)
	}
}

func (p *Processor) liveCountLocked() int {
	n := 0
	for _, w := range p.workers {
		if w.Status() != worker.Retiring {
			n++
		}
	}
	return n
}

// PoolSize reports the current live worker count.
func (p *Processor) PoolSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveCountLocked()
}

// ErrorRate reports the shared breaker's current rolling error rate, or
// 0 if no breaker is configured. The autoscaler reads this to suppress
// growth while the backend is unhealthy.
func (p *Processor) ErrorRate() float64 {
	if p.breaker == nil {
		return 0
	}
	return p.breaker.ErrorRate()
}

// Stats returns a snapshot for the autoscaler and admin surface.
func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := "disabled"
	if p.breaker != nil {
		state = p.breaker.State().String()
	}
	return ProcessorStats{
		PoolSize:     p.liveCountLocked(),
		MinPoolSize:  p.cfg.MinPoolSize,
		MaxPoolSize:  p.cfg.MaxPoolSize,
		BreakerState: state,
	}
}

// Shutdown retires every worker and waits up to timeout for them to
// drain, then cancels the processor's context to hard-stop stragglers.
// A single completion signal is sent to reportBack, which may be nil.
func (p *Processor) Shutdown(reportBack chan<- struct{}, timeout time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		if reportBack != nil {
			reportBack <- struct{}{}
		}
		return
	}
	for _, w := range p.workers {
		w.Retire()
	}
	cancel := p.cancel
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		cancel()
		<-done
	}

	if reportBack != nil {
		reportBack <- struct{}{}
	}
}

func (p *Processor) emit(kind metrics.Kind, from, to int) {
	if p.sink == nil {
		return
	}
	p.sink.Emit(metrics.Event{Kind: kind, PoolFrom: from, PoolTo: to})
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
