package backlog

import (
	"context"
	"sync"
)

// Memory is an in-process Source. Acknowledged messages leave the pending set.
type Memory struct {
	mu     sync.Mutex
	order  []string
	groups map[string][]Message
	acks   []Ack
	err    error
}

func NewMemory() *Memory {
	return &Memory{groups: map[string][]Message{}}
}

// Add appends messages for a recipient.
func (m *Memory) Add(recipient string, msgs ...Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[recipient]; !ok {
		m.order = append(m.order, recipient)
	}
	m.groups[recipient] = append(m.groups[recipient], msgs...)
}

// FailFetch makes FetchPending return err until called again with nil.
func (m *Memory) FailFetch(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) FetchPending(ctx context.Context, _ string) ([]Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]Group, 0, len(m.order))
	for _, r := range m.order {
		if msgs := m.groups[r]; len(msgs) > 0 {
			out = append(out, Group{RecipientID: r, Messages: append([]Message(nil), msgs...)})
		}
	}
	return out, nil
}

func (m *Memory) Acknowledge(ctx context.Context, a Ack) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, a)
	for r, msgs := range m.groups {
		for i, msg := range msgs {
			if msg.ID == a.MessageID {
				m.groups[r] = append(msgs[:i:i], msgs[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (m *Memory) Acks() []Ack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Ack(nil), m.acks...)
}

// Count returns how many acks carry status.
func (m *Memory) Count(status Status) int {
	n := 0
	for _, a := range m.Acks() {
		if a.Status == status {
			n++
		}
	}
	return n
}
