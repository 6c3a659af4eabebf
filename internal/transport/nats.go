package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshwork/plexus/internal/message"
	"github.com/meshwork/plexus/internal/natsbus"
)

// NATS delivers messages as requests on the server's inbox topic. The
// receiving server acknowledges by replying; an empty reply counts as an ack.
type NATS struct {
	client  *natsbus.Client
	timeout time.Duration
}

func NewNATS(client *natsbus.Client, timeout time.Duration) *NATS {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &NATS{client: client, timeout: timeout}
}

func (t *NATS) Deliver(ctx context.Context, serverID string, msg *message.BaseMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	timeout := t.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	reply, err := t.client.Request(natsbus.TopicServerInbox(serverID), data, timeout)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", serverID, err)
	}

	// A reply body of the form {"error": "..."} is a nack from the target.
	var ack struct {
		Error string `json:"error"`
	}
	if len(reply.Data) > 0 && json.Unmarshal(reply.Data, &ack) == nil && ack.Error != "" {
		return fmt.Errorf("server %s rejected message: %s", serverID, ack.Error)
	}
	return nil
}

func (t *NATS) Ping(ctx context.Context, serverID string) (time.Duration, error) {
	start := time.Now()
	_, err := t.client.Request(natsbus.TopicServerPing(serverID), nil, t.timeout)
	if err != nil {
		return 0, fmt.Errorf("ping %s: %w", serverID, err)
	}
	return time.Since(start), nil
}
