// Package eventbus fans lifecycle signals (lease, session, action, dispatch)
// out to in-process observers such as the control surface and systemd status.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	LeaseAcquired   Type = "lease.acquired"
	LeaseLost       Type = "lease.lost"
	LeaseReleased   Type = "lease.released"
	LeaseState      Type = "lease.state"
	SessionQR       Type = "session.qr"
	SessionReady    Type = "session.ready"
	SessionDown     Type = "session.down"
	ActionDone      Type = "action.done"
	DispatchExpired Type = "dispatch.expired"
)

// Event is a small in-memory signal. Data should stay small.
type Event struct {
	Type     Type
	Identity string
	Time     time.Time
	Data     map[string]any
}

// Bus delivers without blocking; a full subscriber buffer drops the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...Type) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[Type]struct{}
}

func (s *sub) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe with no types receives everything.
func (b *memBus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Holding the write lock means no Publish is mid-send on s.ch.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int, ...Type) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
func (Nop) Dropped() uint64 { return 0 }

// Or returns b, or Nop when b is nil.
func Or(b Bus) Bus {
	if b == nil {
		return Nop{}
	}
	return b
}
