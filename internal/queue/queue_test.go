package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFIFO(t *testing.T) {
	q := New[int]()
	for i := range 100 {
		q.Push(i)
	}
	for i := range 100 {
		v, err := q.Next(context.Background())
		if err != nil || v != i {
			t.Fatalf("Next = %d, %v; want %d", v, err, i)
		}
	}
	if _, ok := q.TryNext(); ok {
		t.Error("TryNext on empty queue returned an item")
	}
}

func TestNextBlocksUntilPush(t *testing.T) {
	q := New[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push("x")
	}()
	v, err := q.Next(context.Background())
	if err != nil || v != "x" {
		t.Errorf("Next = %q, %v", v, err)
	}
}

func TestClose(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Close()
	if !q.Closed() {
		t.Error("Closed = false after Close")
	}
	if q.Push(2) {
		t.Error("Push after Close accepted")
	}
	if v, err := q.Next(context.Background()); err != nil || v != 1 {
		t.Errorf("Next = %d, %v; want queued item", v, err)
	}
	if _, err := q.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestNextContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
