// Package backlog is the external source of pending outbound messages and the
// sink for their delivery acknowledgements.
package backlog

import (
	"context"
)

type Message struct {
	ID       string `json:"id"`
	Body     string `json:"body"`
	MediaURL string `json:"media_url,omitempty"`
}

// Group is every pending message for one recipient, in send order.
type Group struct {
	RecipientID string    `json:"recipient_id"`
	Messages    []Message `json:"messages"`
}

type Status string

const (
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusInvalid   Status = "invalid"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

type Ack struct {
	MessageID string            `json:"message_id"`
	Status    Status            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Source interface {
	// FetchPending returns pending messages grouped by recipient. filter is
	// passed through to the source unchanged; empty means everything.
	FetchPending(ctx context.Context, filter string) ([]Group, error)
	Acknowledge(ctx context.Context, a Ack) error
}
