package serial

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaybot/pkg/logx"
)

func TestSameKeyRunsInSubmissionOrder(t *testing.T) {
	s := New(logx.Nop())
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []int
	)
	record := func(i int, d time.Duration) Task {
		return func(context.Context) error {
			time.Sleep(d)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}
	}
	first := s.Enqueue(ctx, "alice", record(1, 50*time.Millisecond))
	second := s.Enqueue(ctx, "alice", record(2, 0))
	third := s.Enqueue(ctx, "alice", record(3, 0))
	for _, ch := range []<-chan error{first, second, third} {
		if err := <-ch; err != nil {
			t.Fatalf("task: %v", err)
		}
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order=%v", order)
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	s := New(logx.Nop())
	ctx := context.Background()

	release := make(chan struct{})
	slow := s.Enqueue(ctx, "alice", func(context.Context) error {
		<-release
		return nil
	})
	fast := s.Enqueue(ctx, "bob", func(context.Context) error { return nil })

	select {
	case err := <-fast:
		if err != nil {
			t.Fatalf("bob: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("bob was blocked behind alice")
	}
	close(release)
	<-slow
}

func TestFailureAndPanicDoNotBlockLane(t *testing.T) {
	s := New(logx.Nop())
	ctx := context.Background()
	boom := errors.New("boom")

	e1 := s.Enqueue(ctx, "k", func(context.Context) error { return boom })
	e2 := s.Enqueue(ctx, "k", func(context.Context) error { panic("kaboom") })
	e3 := s.Enqueue(ctx, "k", func(context.Context) error { return nil })

	if err := <-e1; !errors.Is(err, boom) {
		t.Fatalf("e1=%v", err)
	}
	if err := <-e2; err == nil {
		t.Fatalf("expected panic error")
	}
	if err := <-e3; err != nil {
		t.Fatalf("e3=%v", err)
	}
}

func TestLaneIsRemovedWhenDrained(t *testing.T) {
	s := New(logx.Nop())
	ctx := context.Background()
	<-s.Enqueue(ctx, "k", func(context.Context) error { return nil })
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n := s.Active(); n != 0 {
		t.Fatalf("active=%d", n)
	}
}

func TestCancelledContextSkipsTask(t *testing.T) {
	s := New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := <-s.Enqueue(ctx, "k", func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, context.Canceled) || ran {
		t.Fatalf("err=%v ran=%v", err, ran)
	}
}

func TestCloseRejectsNewTasks(t *testing.T) {
	s := New(logx.Nop())
	s.Close()
	if err := <-s.Enqueue(context.Background(), "k", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v", err)
	}
}
