package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nrayfield/dispatchd/internal/backend"
	"github.com/nrayfield/dispatchd/internal/breaker"
	"github.com/nrayfield/dispatchd/internal/metrics"
	"github.com/nrayfield/dispatchd/internal/queue"
	"github.com/nrayfield/dispatchd/internal/workitem"
)

type fakeSource struct {
	items []*workitem.Item
	idx   int
}

func newFakeSource(items ...*workitem.Item) *fakeSource {
	return &fakeSource{items: items}
}

func (s *fakeSource) Enqueue(ctx context.Context, item *workitem.Item) workitem.EnqueueOutcome {
	s.items = append(s.items, item)
	return workitem.Enqueued()
}
func (s *fakeSource) DispatchNext() (*workitem.Item, bool) {
	if s.idx >= len(s.items) {
		return nil, false
	}
	item := s.items[s.idx]
	s.idx++
	return item, true
}
func (s *fakeSource) Requeue(item *workitem.Item) {
	s.items = append([]*workitem.Item{item}, s.items[s.idx:]...)
	s.idx = 0
}
func (s *fakeSource) Wait(ctx context.Context) { <-ctx.Done() }
func (s *fakeSource) Shutdown(time.Duration)   {}
func (s *fakeSource) Stats() queue.Stats       { return queue.Stats{} }

func mkItem(payload any, ttl time.Duration, reply chan workitem.Outcome) *workitem.Item {
	return &workitem.Item{
		ID:       uuid.New(),
		Payload:  payload,
		ReplyTo:  reply,
		Deadline: time.Now().Add(ttl),
	}
}

func TestWorker_SuccessDeliversReplyAndMetric(t *testing.T) {
	reply := make(chan workitem.Outcome, 1)
	item := mkItem("req", time.Second, reply)
	src := newFakeSource(item)

	be := backend.Func(func(ctx context.Context, req any) (any, error) { return "ok", nil })
	sink := metrics.NewCountingSink()
	w := New(1, src, be, backend.NewDefaultChecker(), sink, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	select {
	case out := <-reply:
		if out.Kind != workitem.KindSuccess {
			t.Fatalf("expected success, got %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
	cancel()
	<-done

	if sink.Count(metrics.WorkCompleted) != 1 {
		t.Fatalf("expected 1 WorkCompleted, got %d", sink.Count(metrics.WorkCompleted))
	}
}

func TestWorker_RetriesRetryableFailureThenSucceeds(t *testing.T) {
	reply := make(chan workitem.Outcome, 1)
	item := mkItem("req", time.Second, reply)
	item.RetryBudget = 2
	src := newFakeSource(item)

	var calls int32
	be := backend.Func(func(ctx context.Context, req any) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	sink := metrics.NewCountingSink()
	w := New(1, src, be, backend.NewDefaultChecker(), sink, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	select {
	case out := <-reply:
		if out.Kind != workitem.KindSuccess {
			t.Fatalf("expected eventual success, got %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
	cancel()
	<-done

	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 backend calls, got %d", calls)
	}
	if sink.Count(metrics.WorkFailed) != 1 {
		t.Fatalf("expected 1 WorkFailed for the retried attempt, got %d", sink.Count(metrics.WorkFailed))
	}
	if sink.Count(metrics.WorkCompleted) != 1 {
		t.Fatalf("expected 1 WorkCompleted, got %d", sink.Count(metrics.WorkCompleted))
	}
}

func TestWorker_EachRetriedFailureEmitsWorkFailed(t *testing.T) {
	reply := make(chan workitem.Outcome, 1)
	item := mkItem("req", time.Second, reply)
	item.RetryBudget = 2
	src := newFakeSource(item)

	var calls int32
	be := backend.Func(func(ctx context.Context, req any) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	sink := metrics.NewCountingSink()
	w := New(1, src, be, backend.NewDefaultChecker(), sink, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	select {
	case out := <-reply:
		if out.Kind != workitem.KindSuccess {
			t.Fatalf("expected eventual success, got %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
	cancel()
	<-done

	if sink.Count(metrics.WorkFailed) != 2 {
		t.Fatalf("expected WorkFailed count = 2 for two retried failures, got %d", sink.Count(metrics.WorkFailed))
	}
	if sink.Count(metrics.WorkCompleted) != 1 {
		t.Fatalf("expected WorkCompleted count = 1, got %d", sink.Count(metrics.WorkCompleted))
	}
}

func TestWorker_UnrecognizedNeverRetried(t *testing.T) {
	reply := make(chan workitem.Outcome, 1)
	item := mkItem("req", time.Second, reply)
	item.RetryBudget = 5
	src := newFakeSource(item)

	var calls int32
	be := backend.Func(func(ctx context.Context, req any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil // DefaultChecker treats nil reply + nil err as Unrecognized
	})
	w := New(1, src, be, backend.NewDefaultChecker(), nil, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	select {
	case out := <-reply:
		if out.Kind != workitem.KindUnrecognized {
			t.Fatalf("expected unrecognized, got %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
	cancel()
	<-done

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 backend call (no retry on Unrecognized), got %d", calls)
	}
}

func TestWorker_BreakerGatesDispatchWhenOpen(t *testing.T) {
	reply := make(chan workitem.Outcome, 1)
	item := mkItem("req", time.Second, reply)
	src := newFakeSource(item)

	be := backend.Func(func(ctx context.Context, req any) (any, error) { return "ok", nil })
	br := breaker.New(breaker.Config{HistoryLength: 1, ErrorRateThreshold: 0, OpenDuration: time.Hour, SuccessesToClose: 1})
	br.RecordFailure() // trips immediately: 1-length window, any failure >= 0 threshold

	w := New(1, src, be, backend.NewDefaultChecker(), nil, br, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	select {
	case <-reply:
		t.Fatal("expected no dispatch while breaker is open")
	case <-time.After(50 * time.Millisecond):
	}
	<-done
}

func TestWorker_RetireStopsLoop(t *testing.T) {
	src := newFakeSource()
	be := backend.Func(func(ctx context.Context, req any) (any, error) { return "ok", nil })
	w := New(1, src, be, backend.NewDefaultChecker(), nil, nil, 0)

	done := make(chan struct{})
	go func() { w.Run(context.Background()); close(done) }()

	w.Retire()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after Retire")
	}
	select {
	case <-w.Retired():
	default:
		t.Fatal("Retired channel should be closed")
	}
}
