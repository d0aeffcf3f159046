// Package breaker implements a three-state circuit breaker
// (closed/open/half-open) driven by a sliding window of recent outcomes
// rather than a bare consecutive-failure count. State is held entirely
// in atomics so Allow/Record never block each other or a concurrent
// read of State.
package breaker

import (
	"errors"
	"sync/atomic"
	"time"
)

// State is one of Closed, Open, or HalfOpen.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow when the breaker is refusing calls.
var ErrOpen = errors.New("breaker: circuit open")

// Config controls when the breaker trips and when it probes again.
type Config struct {
	// HistoryLength is how many recent outcomes the error rate is
	// computed over.
	HistoryLength int
	// ErrorRateThreshold trips the breaker from Closed to Open once the
	// fraction of failures in the last HistoryLength outcomes meets or
	// exceeds this value. Only evaluated once HistoryLength outcomes
	// have been recorded, so a cold breaker never trips on a handful of
	// early failures.
	ErrorRateThreshold float64
	// OpenDuration is how long the breaker stays Open before allowing a
	// single HalfOpen probe.
	OpenDuration time.Duration
	// SuccessesToClose is how many consecutive HalfOpen successes are
	// required before returning to Closed.
	SuccessesToClose int
}

// DefaultConfig returns a breaker configuration suitable for a backend
// with no prior failure history: a single probe success closes the
// circuit again.
func DefaultConfig() Config {
	return Config{
		HistoryLength:      20,
		ErrorRateThreshold: 0.5,
		OpenDuration:       5 * time.Second,
		SuccessesToClose:   1,
	}
}

// Breaker tracks a single backend's recent outcomes and gates whether
// another call may be attempted. All mutation goes through atomics so
// Allow/Record never block each other or a concurrent State read.
type Breaker struct {
	cfg Config

	state        atomic.Int32
	openedAt     atomic.Int64 // unix nanos
	halfOpenBusy atomic.Bool  // at most one outstanding probe while HalfOpen
	halfSuccess  atomic.Int32

	history []atomic.Bool // ring of recent outcomes, true == failure
	cursor  atomic.Uint64
	filled  atomic.Int64

	onTransition func(State)
}

// New builds a Breaker starting Closed.
func New(cfg Config) *Breaker {
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = 1
	}
	return &Breaker{
		cfg:     cfg,
		history: make([]atomic.Bool, cfg.HistoryLength),
	}
}

// OnTransition registers fn to be called whenever the breaker moves to
// Open or Closed. Must be called before the breaker is shared with any
// other goroutine; it is not itself safe for concurrent use.
func (b *Breaker) OnTransition(fn func(State)) {
	b.onTransition = fn
}

// State reports the breaker's current state. An Open breaker whose
// OpenDuration has elapsed is moved to HalfOpen here (CAS-guarded), so
// callers that wait for the state to leave Open see it do so.
func (b *Breaker) State() State {
	s := State(b.state.Load())
	if s == Open && time.Since(time.Unix(0, b.openedAt.Load())) >= b.cfg.OpenDuration {
		if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			b.halfSuccess.Store(0)
		}
		return State(b.state.Load())
	}
	return s
}

// ErrorRate reports the fraction of recent failures in the current
// window, or 0 until the window has filled.
func (b *Breaker) ErrorRate() float64 {
	return b.errorRate()
}

// Allow reports whether a call may proceed. In Closed it always allows.
// In Open it allows exactly one call once OpenDuration has elapsed,
// transitioning the breaker to HalfOpen as a side effect (CAS-guarded so
// only one caller wins the race). In HalfOpen it allows at most one
// outstanding probe at a time.
func (b *Breaker) Allow() error {
	switch State(b.state.Load()) {
	case Closed:
		return nil
	case Open:
		openedAt := time.Unix(0, b.openedAt.Load())
		if time.Since(openedAt) < b.cfg.OpenDuration {
			return ErrOpen
		}
		if !b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			// Someone else already flipped it; fall through to the
			// HalfOpen admission check below.
			return b.allowHalfOpen()
		}
		b.halfSuccess.Store(0)
		// The probe slot itself is claimed by CAS, so a caller that lost
		// the state CAS above cannot also be admitted.
		return b.allowHalfOpen()
	case HalfOpen:
		return b.allowHalfOpen()
	default:
		return nil
	}
}

func (b *Breaker) allowHalfOpen() error {
	if b.halfOpenBusy.CompareAndSwap(false, true) {
		return nil
	}
	return ErrOpen
}

// RecordSuccess reports a successful call. In HalfOpen it counts toward
// SuccessesToClose and releases the probe slot; at the threshold the
// breaker closes and history resets.
func (b *Breaker) RecordSuccess() {
	b.pushHistory(false)

	switch State(b.state.Load()) {
	case HalfOpen:
		n := b.halfSuccess.Add(1)
		b.halfOpenBusy.Store(false)
		if int(n) >= b.cfg.SuccessesToClose {
			b.state.Store(int32(Closed))
			b.resetHistory()
			b.notify(Closed)
		}
	case Closed:
		// Nothing further: a success alone never trips the breaker.
	}
}

// RecordFailure reports a failed call. In HalfOpen any failure reopens
// the circuit immediately. In Closed it evaluates the rolling error rate
// and trips to Open once HistoryLength outcomes are in and the rate
// meets the threshold.
func (b *Breaker) RecordFailure() {
	b.pushHistory(true)

	switch State(b.state.Load()) {
	case HalfOpen:
		b.trip()
		b.halfOpenBusy.Store(false)
	case Closed:
		if b.errorRate() >= b.cfg.ErrorRateThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state.Store(int32(Open))
	b.openedAt.Store(time.Now().UnixNano())
	b.notify(Open)
}

func (b *Breaker) notify(s State) {
	if b.onTransition != nil {
		b.onTransition(s)
	}
}

func (b *Breaker) pushHistory(failed bool) {
	idx := b.cursor.Add(1) - 1
	b.history[int(idx)%len(b.history)].Store(failed)
	if n := b.filled.Load(); int(n) < len(b.history) {
		b.filled.Add(1)
	}
}

func (b *Breaker) resetHistory() {
	for i := range b.history {
		b.history[i].Store(false)
	}
	b.filled.Store(0)
	b.cursor.Store(0)
}

// errorRate returns the fraction of recorded failures in the window, or
// 0 until the window has filled — a cold breaker cannot trip.
func (b *Breaker) errorRate() float64 {
	filled := int(b.filled.Load())
	if filled < len(b.history) {
		return 0
	}
	var failures int
	for i := range b.history {
		if b.history[i].Load() {
			failures++
		}
	}
	return float64(failures) / float64(len(b.history))
}
