// Package message defines the typed envelope exchanged between servers and
// sub-agents. Messages are immutable once routed; broadcast fan-out clones
// the envelope per target instead of rewriting it in place.
package message

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeRequest    Type = "request"
	TypeResponse   Type = "response"
	TypeEvent      Type = "event"
	TypeBroadcast  Type = "broadcast"
	TypeDelegation Type = "delegation"
)

type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

// Factor scales the estimated route latency: critical traffic is assumed to
// preempt queues, background traffic to wait behind them.
func (p Priority) Factor() float64 {
	switch p {
	case PriorityCritical:
		return 0.8
	case PriorityHigh:
		return 0.9
	case PriorityBackground:
		return 1.5
	default:
		return 1.0
	}
}

type Header struct {
	MessageID     string   `json:"message_id"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Source        string   `json:"source"`
	Target        string   `json:"target,omitempty"`
	Operation     string   `json:"operation"`
	Type          Type     `json:"type"`
	Priority      Priority `json:"priority"`
}

type Metadata struct {
	TTL          time.Duration     `json:"ttl,omitempty"`
	RetryCount   int               `json:"retry_count"`
	RoutingHints map[string]string `json:"routing_hints,omitempty"`
}

type BaseMessage struct {
	Header   Header         `json:"header"`
	Payload  map[string]any `json:"payload,omitempty"`
	Metadata Metadata       `json:"metadata"`
	SentAt   time.Time      `json:"sent_at"`
}

// New builds a message with a fresh ID. Empty priority defaults to normal.
func New(source, target, operation string, mt Type, payload map[string]any) *BaseMessage {
	return &BaseMessage{
		Header: Header{
			MessageID: uuid.New().String(),
			Source:    source,
			Target:    target,
			Operation: operation,
			Type:      mt,
			Priority:  PriorityNormal,
		},
		Payload: payload,
		SentAt:  time.Now(),
	}
}

// WithPriority returns the same message with the priority set. Intended for
// builder-style construction before the message is routed.
func (m *BaseMessage) WithPriority(p Priority) *BaseMessage {
	m.Header.Priority = p
	return m
}

// CloneFor returns a copy of the message addressed to a different target,
// used by broadcast fan-out. The payload map is shared, not copied; routed
// payloads are treated as read-only.
func (m *BaseMessage) CloneFor(target string) *BaseMessage {
	clone := *m
	clone.Header.Target = target
	return &clone
}

// Expired reports whether the message's TTL has elapsed since it was sent.
// A zero TTL never expires.
func (m *BaseMessage) Expired(now time.Time) bool {
	if m.Metadata.TTL == 0 {
		return false
	}
	return now.Sub(m.SentAt) > m.Metadata.TTL
}
