// Package serial runs tasks one at a time per key, in submission order, while
// different keys proceed concurrently. A key's lane disappears once it drains.
package serial

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"relaybot/pkg/logx"
)

// ErrClosed is delivered for tasks enqueued after Close.
var ErrClosed = errors.New("serial: closed")

// Task receives the context passed to Enqueue.
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	fn   Task
	done chan error
}

type lane struct {
	queue []job
}

type Serializer struct {
	log logx.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

func New(log logx.Logger) *Serializer {
	return &Serializer{log: log.Or().Component("serial"), lanes: map[string]*lane{}}
}

// Enqueue appends fn to key's lane. The returned channel yields fn's error
// (nil on success) and is then closed. A failing or panicking task never
// blocks the tasks queued behind it.
func (s *Serializer) Enqueue(ctx context.Context, key string, fn Task) <-chan error {
	done := make(chan error, 1)
	key = strings.TrimSpace(key)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		done <- ErrClosed
		close(done)
		return done
	}
	l, running := s.lanes[key]
	if !running {
		l = &lane{}
		s.lanes[key] = l
	}
	l.queue = append(l.queue, job{ctx: ctx, fn: fn, done: done})
	if !running {
		s.wg.Add(1)
		go s.drain(key, l)
	}
	s.mu.Unlock()
	return done
}

func (s *Serializer) drain(key string, l *lane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(l.queue) == 0 {
			delete(s.lanes, key)
			s.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue[0] = job{}
		l.queue = l.queue[1:]
		s.mu.Unlock()

		err := s.run(key, j)
		if err != nil {
			s.log.Warn("task failed", logx.String("key", key), logx.Err(err))
		}
		j.done <- err
		close(j.done)
	}
}

func (s *Serializer) run(key string, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("key", key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.fn(j.ctx)
}

// Active is the number of keys with queued or running tasks.
func (s *Serializer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

// Pending is the number of tasks queued behind the running one for key.
func (s *Serializer) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lanes[strings.TrimSpace(key)]; ok {
		return len(l.queue)
	}
	return 0
}

// Close rejects new tasks. Queued tasks still run; use Wait to drain.
func (s *Serializer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Wait blocks until every lane has drained or ctx ends.
func (s *Serializer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
