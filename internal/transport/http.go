package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meshwork/plexus/internal/message"
)

// EndpointResolver maps a server ID to its base URL.
type EndpointResolver func(serverID string) (string, bool)

// CredentialSource supplies per-server bearer tokens. Implemented by the
// store-backed credential vault; a nil source sends unauthenticated requests.
type CredentialSource interface {
	Token(serverID string) (string, error)
}

// HTTP delivers messages with POST <base>/inbox and health-checks with
// GET <base>/ping.
type HTTP struct {
	client  *http.Client
	resolve EndpointResolver
	creds   CredentialSource
}

func NewHTTP(resolve EndpointResolver, creds CredentialSource, timeout time.Duration) *HTTP {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		client:  &http.Client{Timeout: timeout},
		resolve: resolve,
		creds:   creds,
	}
}

func (t *HTTP) Deliver(ctx context.Context, serverID string, msg *message.BaseMessage) error {
	base, ok := t.resolve(serverID)
	if !ok {
		return fmt.Errorf("no endpoint for server %s", serverID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/inbox", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := t.authorize(req, serverID); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", serverID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server %s rejected message: %s", serverID, resp.Status)
	}
	return nil
}

func (t *HTTP) Ping(ctx context.Context, serverID string) (time.Duration, error) {
	base, ok := t.resolve(serverID)
	if !ok {
		return 0, fmt.Errorf("no endpoint for server %s", serverID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/ping", nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if err := t.authorize(req, serverID); err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ping %s: %w", serverID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("ping %s: %s", serverID, resp.Status)
	}
	return time.Since(start), nil
}

func (t *HTTP) authorize(req *http.Request, serverID string) error {
	if t.creds == nil {
		return nil
	}
	token, err := t.creds.Token(serverID)
	if err != nil {
		return fmt.Errorf("resolve credentials for %s: %w", serverID, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}
