package queue

import (
	"context"
	"time"
)

// ContextUpdate is one entry of the outbound context feed.
type ContextUpdate struct {
	Kind       string         `json:"kind"`
	SessionID  string         `json:"sessionId,omitempty"`
	EventID    string         `json:"eventId,omitempty"`
	EventType  string         `json:"eventType,omitempty"`
	IssueTypes []string       `json:"issueTypes,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

type Producer interface {
	PublishContextUpdates(ctx context.Context, updates []ContextUpdate) error
	Close() error
}

type NoopProducer struct{}

func NewNoopProducer() *NoopProducer {
	return &NoopProducer{}
}

func (p *NoopProducer) PublishContextUpdates(_ context.Context, _ []ContextUpdate) error {
	return nil
}

func (p *NoopProducer) Close() error {
	return nil
}
