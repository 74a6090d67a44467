// Package streaming carries progress and notification messages to pub/sub
// topics: an in-memory hub for single-process deployments and tests, Redis
// pub/sub, and the Dapr publish API.
package streaming

import (
	"context"
	"time"
)

// Message is one pub/sub message.
type Message struct {
	Topic       string    `json:"topic"`
	ExecutionID string    `json:"execution_id,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	EventType   string    `json:"event_type"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Filter selects messages for a subscriber. Empty fields match anything.
type Filter struct {
	Topic       string   `json:"topic,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Publisher sends messages to the topic named in the message.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Hub is a Publisher that can also be subscribed to.
type Hub interface {
	Publisher
	Subscribe(ctx context.Context, filter Filter) (<-chan Message, func(), error)
}

// matchFilter returns true if the message passes the filter criteria.
func matchFilter(f Filter, m Message) bool {
	if f.Topic != "" && f.Topic != m.Topic {
		return false
	}
	if f.ExecutionID != "" && f.ExecutionID != m.ExecutionID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == m.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func stamp(m Message) Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return m
}
