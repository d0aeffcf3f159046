package queue

import (
	"context"
	"testing"
	"time"

	"github.com/nrayfield/dispatchd/internal/workitem"
)

func TestPullQueue_DispatchesFromSequenceUntilExhausted(t *testing.T) {
	items := []*workitem.Item{newItem(time.Minute), newItem(time.Minute)}
	i := 0
	seq := func() (*workitem.Item, bool) {
		if i >= len(items) {
			return nil, false
		}
		item := items[i]
		i++
		return item, true
	}

	q := NewPullQueue(seq)

	got, ok := q.DispatchNext()
	if !ok || got.ID != items[0].ID {
		t.Fatalf("expected first item, got %v ok=%v", got, ok)
	}
	got, ok = q.DispatchNext()
	if !ok || got.ID != items[1].ID {
		t.Fatalf("expected second item, got %v ok=%v", got, ok)
	}
	if _, ok := q.DispatchNext(); ok {
		t.Fatal("expected exhaustion")
	}
	if !q.Exhausted() {
		t.Fatal("expected Exhausted() to report true")
	}
}

func TestPullQueue_EnqueuePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Enqueue to panic on a PullQueue")
		}
	}()
	q := NewPullQueue(func() (*workitem.Item, bool) { return nil, false })
	q.Enqueue(context.Background(), newItem(time.Minute))
}

func TestPullQueue_WaitUnblocksOnContextCancel(t *testing.T) {
	q := NewPullQueue(func() (*workitem.Item, bool) { return nil, false })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		q.Wait(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock on context cancellation")
	}
}
