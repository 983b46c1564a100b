package lockfile

import (
	"context"
	"testing"
	"time"
)

func TestLock_AcquireRelease(t *testing.T) {
	RetryInterval = 10 * time.Millisecond
	l := New("test-board-" + t.Name())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestLock_SecondAcquireBlocksUntilCtxDone(t *testing.T) {
	RetryInterval = 10 * time.Millisecond
	board := "test-board-contended-" + t.Name()
	first := New(board)
	ctx1, cancel1 := context.WithTimeout(context.Background(), time.Second)
	defer cancel1()
	if err := first.Acquire(ctx1); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	second := New(board)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if err := second.Acquire(ctx2); err == nil {
		t.Fatal("expected second Acquire to fail while first holds the lock")
	}
}
