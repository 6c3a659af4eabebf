// Package transport abstracts message delivery so the router can run over
// the embedded NATS bus, plain HTTP, or in-process handlers (used by tests
// and same-process servers).
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshwork/plexus/internal/message"
)

// Transport delivers one routed message to a server endpoint. Deliver blocks
// until the target acknowledges or the context expires. Ping measures
// round-trip time for health checks.
type Transport interface {
	Deliver(ctx context.Context, serverID string, msg *message.BaseMessage) error
	Ping(ctx context.Context, serverID string) (time.Duration, error)
}

// Handler processes a delivered message on the receiving side of an
// in-process transport.
type Handler func(ctx context.Context, msg *message.BaseMessage) error

// InProc is an in-process transport keyed by server ID. It is the default
// for tests and for servers colocated in one gateway process.
type InProc struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewInProc() *InProc {
	return &InProc{handlers: make(map[string]Handler)}
}

func (t *InProc) Register(serverID string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[serverID] = h
}

func (t *InProc) Unregister(serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, serverID)
}

func (t *InProc) Deliver(ctx context.Context, serverID string, msg *message.BaseMessage) error {
	t.mu.RLock()
	h, ok := t.handlers[serverID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for server %s", serverID)
	}
	return h(ctx, msg)
}

func (t *InProc) Ping(ctx context.Context, serverID string) (time.Duration, error) {
	start := time.Now()
	t.mu.RLock()
	_, ok := t.handlers[serverID]
	t.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("no handler registered for server %s", serverID)
	}
	return time.Since(start), nil
}
