package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nrayfield/dispatchd/internal/config"
	"github.com/nrayfield/dispatchd/internal/metrics"
	"github.com/nrayfield/dispatchd/internal/workitem"
)

func newItem(ttl time.Duration) *workitem.Item {
	return &workitem.Item{
		ID:         uuid.New(),
		Payload:    "payload",
		Deadline:   time.Now().Add(ttl),
		EnqueuedAt: time.Now(),
	}
}

func TestQueue_EnqueueAndDispatchFIFO(t *testing.T) {
	q := New(config.BackPressure{}, nil)

	a, b := newItem(time.Minute), newItem(time.Minute)
	if out := q.Enqueue(context.Background(), a); !out.Accepted {
		t.Fatalf("enqueue a: %+v", out)
	}
	if out := q.Enqueue(context.Background(), b); !out.Accepted {
		t.Fatalf("enqueue b: %+v", out)
	}

	got, ok := q.DispatchNext()
	if !ok || got.ID != a.ID {
		t.Fatalf("expected a first, got %v ok=%v", got, ok)
	}
	got, ok = q.DispatchNext()
	if !ok || got.ID != b.ID {
		t.Fatalf("expected b second, got %v ok=%v", got, ok)
	}
	if _, ok := q.DispatchNext(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestQueue_RejectsOverCapacity(t *testing.T) {
	cfg := config.BackPressure{Enabled: true, MaxBufferSize: 2, ThresholdForExpectedWaitTime: time.Hour}
	sink := metrics.NewCountingSink()
	q := New(cfg, sink)

	a, b, c := newItem(time.Minute), newItem(time.Minute), newItem(time.Minute)
	mustAccept(t, q.Enqueue(context.Background(), a))
	mustAccept(t, q.Enqueue(context.Background(), b))

	out := q.Enqueue(context.Background(), c)
	if out.Accepted || out.Reason != workitem.OverCapacity {
		t.Fatalf("expected OverCapacity rejection, got %+v", out)
	}
	if sink.Count(metrics.EnqueueRejected) != 1 {
		t.Fatalf("expected 1 EnqueueRejected event, got %d", sink.Count(metrics.EnqueueRejected))
	}
}

func TestQueue_RejectsExpiredOnEnqueue(t *testing.T) {
	q := New(config.BackPressure{}, nil)
	item := newItem(-time.Second)

	out := q.Enqueue(context.Background(), item)
	if out.Accepted || out.Reason != workitem.Expired {
		t.Fatalf("expected Expired rejection, got %+v", out)
	}
}

func TestQueue_RejectsAfterShutdown(t *testing.T) {
	q := New(config.BackPressure{}, nil)
	q.Shutdown(0)

	out := q.Enqueue(context.Background(), newItem(time.Minute))
	if out.Accepted || out.Reason != workitem.ShuttingDown {
		t.Fatalf("expected ShuttingDown rejection, got %+v", out)
	}
}

func TestQueue_DispatchNextDropsExpiredHeads(t *testing.T) {
	q := New(config.BackPressure{}, nil)
	expired := newItem(time.Millisecond)
	fresh := newItem(time.Minute)

	mustAccept(t, q.Enqueue(context.Background(), expired))
	mustAccept(t, q.Enqueue(context.Background(), fresh))

	time.Sleep(5 * time.Millisecond)

	got, ok := q.DispatchNext()
	if !ok || got.ID != fresh.ID {
		t.Fatalf("expected expired head dropped and fresh item returned, got %v ok=%v", got, ok)
	}
}

func TestQueue_StatsReflectCounters(t *testing.T) {
	q := New(config.BackPressure{}, nil)
	mustAccept(t, q.Enqueue(context.Background(), newItem(time.Minute)))
	q.DispatchNext()

	stats := q.Stats()
	if stats.EnqueuedTotal != 1 || stats.DispatchedTotal != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestQueue_WaitUnblocksOnEnqueue(t *testing.T) {
	q := New(config.BackPressure{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		q.Wait(ctx)
		close(done)
	}()

	q.Enqueue(context.Background(), newItem(time.Minute))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after enqueue")
	}
}

func mustAccept(t *testing.T, out workitem.EnqueueOutcome) {
	t.Helper()
	if !out.Accepted {
		t.Fatalf("expected acceptance, got %+v", out)
	}
}
