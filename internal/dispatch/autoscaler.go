package dispatch

import (
	"context"
	"time"

	"github.com/nrayfield/dispatchd/internal/config"
	"github.com/nrayfield/dispatchd/internal/queue"
)

// sample is one observation the autoscaler's policy is evaluated
// against.
type sample struct {
	at         time.Time
	queueLen   int
	throughput float64
	poolSize   int
}

// Autoscaler periodically samples queue and processor state and issues
// fire-and-forget Resize calls. It holds only a read-only view into the
// queue and processor (accessor functions returning stats snapshots)
// and a Resize hook, never ownership of either.
type Autoscaler struct {
	queueStats    func() queue.Stats
	poolSize      func() int
	errorRate     func() float64
	resize        func(target int)
	cfg           config.AutoScaling

	history        []sample
	shrinkStreak   int
}

// NewAutoscaler wires the Autoscaler to read-only accessors rather
// than a *Processor/*Queue directly, so it cannot mutate anything but
// the pool size it is explicitly handed.
func NewAutoscaler(queueStats func() queue.Stats, poolSize func() int, errorRate func() float64, resize func(target int), cfg config.AutoScaling) *Autoscaler {
	return &Autoscaler{
		queueStats: queueStats,
		poolSize:   poolSize,
		errorRate:  errorRate,
		resize:     resize,
		cfg:        cfg,
	}
}

// Run samples on cfg.SamplePeriod until ctx is done. It never blocks
// on Processor: resize is invoked directly but must itself be
// non-blocking (Processor.Resize only takes a short lock).
func (a *Autoscaler) Run(ctx context.Context) {
	period := a.cfg.SamplePeriod
	if period <= 0 {
		period = 2500 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

func (a *Autoscaler) tick() {
	qs := a.queueStats()
	pool := a.poolSize()
	errRate := a.errorRate()

	s := sample{at: time.Now(), queueLen: qs.Length, throughput: qs.Throughput, poolSize: pool}
	a.history = append(a.history, s)
	if len(a.history) > 8 {
		a.history = a.history[len(a.history)-8:]
	}

	target := a.decide(s, errRate)
	if target != pool {
		a.resize(target)
	}
}

// decide grows the pool additively when work is backing up and
// throughput has flattened or declined, unless the error rate is too
// high to grow into; it shrinks additively only after ShrinkAfter
// consecutive near-empty samples, so a single noisy sample never
// triggers a shrink.
func (a *Autoscaler) decide(current sample, errRate float64) int {
	pool := current.poolSize

	if current.queueLen > 0 {
		a.shrinkStreak = 0
		if errRate > a.cfg.ErrorRateLimit {
			return pool
		}
		if a.throughputFlatOrDeclining() {
			// Processor.Resize clamps to [Min, Max] itself, so
			// requesting growth past the ceiling is harmless.
			return pool + 1
		}
		return pool
	}

	// queueLen == 0: a candidate for shrinking, gated by hysteresis.
	a.shrinkStreak++
	if a.shrinkStreak >= a.cfg.ShrinkAfter {
		a.shrinkStreak = 0
		return pool - 1
	}
	return pool
}

// throughputFlatOrDeclining compares the most recent two samples'
// throughput; with fewer than two samples it treats the signal as
// flat (growth is the safer default when queueLen > 0 and history is
// too short to judge a trend).
func (a *Autoscaler) throughputFlatOrDeclining() bool {
	if len(a.history) < 2 {
		return true
	}
	prev := a.history[len(a.history)-2]
	last := a.history[len(a.history)-1]
	return last.throughput <= prev.throughput
}
