package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestQueuePushThenPullOrder(t *testing.T) {
	q := NewQueue[int](0)
	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.Close()

	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		got, err := q.Pull(ctx)
		if err != nil {
			t.Fatalf("pull %d: %v", want, err)
		}
		if got != want {
			t.Fatalf("pull = %d, want %d", got, want)
		}
	}

	if _, err := q.Pull(ctx); err != io.EOF {
		t.Fatalf("pull after drain = %v, want io.EOF", err)
	}
	if _, err := q.Pull(ctx); err != io.EOF {
		t.Fatalf("second pull after drain = %v, want io.EOF", err)
	}
}

func TestQueueFailDrainsBufferFirst(t *testing.T) {
	q := NewQueue[string](0)
	q.Push("buffered")
	boom := errors.New("boom")
	q.Fail(boom)

	ctx := context.Background()
	got, err := q.Pull(ctx)
	if err != nil || got != "buffered" {
		t.Fatalf("pull = (%q, %v), want (\"buffered\", nil)", got, err)
	}
	if _, err := q.Pull(ctx); !errors.Is(err, boom) {
		t.Fatalf("pull after buffer = %v, want %v", err, boom)
	}
}

func TestQueueFailRejectsPendingPull(t *testing.T) {
	q := NewQueue[int](0)
	boom := errors.New("boom")

	done := make(chan error, 1)
	go func() {
		_, err := q.Pull(context.Background())
		done <- err
	}()

	// Let the puller block before failing.
	time.Sleep(10 * time.Millisecond)
	q.Fail(boom)

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("pending pull = %v, want %v", err, boom)
		}
	case <-time.After(time.Second):
		t.Fatal("pending pull never resolved")
	}
}

func TestQueueBlockingPullResolvedByPush(t *testing.T) {
	q := NewQueue[int](0)

	type result struct {
		v   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := q.Pull(context.Background())
		done <- result{v, err}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(42)

	select {
	case res := <-done:
		if res.err != nil || res.v != 42 {
			t.Fatalf("pull = (%d, %v), want (42, nil)", res.v, res.err)
		}
	case <-time.After(time.Second):
		t.Fatal("pull never resolved")
	}
}

func TestQueuePullContextCancel(t *testing.T) {
	q := NewQueue[int](0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Pull(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("pull = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pull never resolved")
	}

	// The cancelled waiter must be gone: a later push buffers for the
	// next pull instead of vanishing into it.
	q.Push(7)
	v, err := q.Pull(context.Background())
	if err != nil || v != 7 {
		t.Fatalf("pull after cancel = (%d, %v), want (7, nil)", v, err)
	}
}

func TestQueueBoundedDropsOldest(t *testing.T) {
	q := NewQueue[int](2)
	q.Push(1)
	q.Push(2)
	q.Push(3)

	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	ctx := context.Background()
	for _, want := range []int{2, 3} {
		got, err := q.Pull(ctx)
		if err != nil || got != want {
			t.Fatalf("pull = (%d, %v), want (%d, nil)", got, err, want)
		}
	}
}

func TestQueuePushAfterCloseIsNoop(t *testing.T) {
	q := NewQueue[int](0)
	q.Close()
	q.Push(1)

	if _, err := q.Pull(context.Background()); err != io.EOF {
		t.Fatalf("pull = %v, want io.EOF", err)
	}
}

func TestQueueFailAfterCloseRecordsError(t *testing.T) {
	q := NewQueue[int](0)
	q.Close()
	boom := errors.New("late failure")
	q.Fail(boom)

	if _, err := q.Pull(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("pull = %v, want %v", err, boom)
	}
}
