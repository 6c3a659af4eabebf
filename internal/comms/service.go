// Package comms is the communication facade: one entry point that classifies
// messages, dispatches them to the router or the coordinator, and keeps
// per-dispatch telemetry plus an aggregated system health view.
package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshwork/plexus/internal/agentpool"
	"github.com/meshwork/plexus/internal/config"
	"github.com/meshwork/plexus/internal/delegate"
	"github.com/meshwork/plexus/internal/message"
	"github.com/meshwork/plexus/internal/routing"
)

// Telemetry aggregates dispatch outcomes since startup.
type Telemetry struct {
	TotalDispatches int64                  `json:"total_dispatches"`
	ByType          map[message.Type]int64 `json:"by_type"`
	Delivered       int64                  `json:"delivered"`
	Failed          int64                  `json:"failed"`
	AvgLatencyMs    float64                `json:"avg_latency_ms"`
	SuccessRate     float64                `json:"success_rate"` // 0..100
}

// SystemHealth is the aggregated view served by the health endpoint.
type SystemHealth struct {
	Status      string                       `json:"status"` // healthy, degraded, unhealthy
	Servers     map[routing.HealthStatus]int `json:"servers"`
	Agents      map[agentpool.Status]int     `json:"agents"`
	Breakers    map[string]string            `json:"breakers"`
	ActiveTasks int                          `json:"active_tasks"`
	Routing     routing.Metrics              `json:"routing"`
	Dispatch    Telemetry                    `json:"dispatch"`
	MeetsTarget bool                         `json:"meets_reliability_target"`
	CheckedAt   time.Time                    `json:"checked_at"`
}

// Service fronts the router and coordinator. Dispatch concurrency is bounded
// by a semaphore sized from configuration.
type Service struct {
	router *routing.Router
	coord  *delegate.Coordinator
	cfg    config.CommsConfig

	sem chan struct{}

	mu        sync.Mutex
	telemetry Telemetry
}

func New(router *routing.Router, coord *delegate.Coordinator, cfg config.CommsConfig) *Service {
	if cfg.MaxConcurrentDispatches <= 0 {
		cfg.MaxConcurrentDispatches = 64
	}
	return &Service{
		router: router,
		coord:  coord,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrentDispatches),
	}
}

func (s *Service) Router() *routing.Router {
	return s.router
}

func (s *Service) Coordinator() *delegate.Coordinator {
	return s.coord
}

// Dispatch classifies the message by type and routes it: broadcast fans out,
// delegation hands off to the coordinator, everything else is point-to-point.
// Failures come back inside the result.
func (s *Service) Dispatch(ctx context.Context, msg *message.BaseMessage) routing.RoutingResult {
	if err := s.acquire(ctx); err != nil {
		return routing.RoutingResult{Error: err.Error()}
	}
	defer s.release()

	start := time.Now()
	var res routing.RoutingResult

	switch msg.Header.Type {
	case message.TypeBroadcast:
		br := s.router.BroadcastMessage(ctx, msg, nil)
		res = routing.RoutingResult{
			Success: br.Success,
			Latency: br.AverageLatency,
		}
		if !br.Success {
			res.Error = fmt.Sprintf("broadcast reached no targets (%d failed)", len(br.FailedTargets))
		}
	case message.TypeDelegation:
		res = s.dispatchDelegation(ctx, msg)
	default:
		res = s.router.RouteMessage(ctx, msg)
	}

	s.record(msg.Header.Type, time.Since(start), res.Success)
	return res
}

// dispatchDelegation decodes a delegation request from the message payload
// and runs it. The payload mirrors delegate.Request minus the ID, which
// falls back to the correlation ID or a fresh UUID.
func (s *Service) dispatchDelegation(ctx context.Context, msg *message.BaseMessage) routing.RoutingResult {
	req, err := decodeDelegation(msg)
	if err != nil {
		return routing.RoutingResult{Error: fmt.Sprintf("invalid delegation payload: %v", err)}
	}

	dres, err := s.Delegate(ctx, req)
	if err != nil {
		return routing.RoutingResult{Error: err.Error()}
	}
	res := routing.RoutingResult{Success: dres.Success, Latency: dres.WallClock}
	if !dres.Success {
		res.Error = dres.Error
		if res.Error == "" {
			res.Error = fmt.Sprintf("%d of %d tasks failed",
				dres.FailedTasks, dres.FailedTasks+dres.CompletedTasks)
		}
	}
	return res
}

// Delegate runs a delegation through the coordinator, subject to the
// delegation feature flag.
func (s *Service) Delegate(ctx context.Context, req delegate.Request) (*delegate.Result, error) {
	if !s.cfg.DelegationEnabled {
		return nil, fmt.Errorf("delegation is disabled")
	}
	if req.DelegationID == "" {
		req.DelegationID = uuid.New().String()
	}
	return s.coord.DelegateTasks(ctx, req)
}

// Broadcast fans a message out to the given targets, or all known servers
// when targets is empty.
func (s *Service) Broadcast(ctx context.Context, msg *message.BaseMessage, targets []string) routing.BroadcastResult {
	if err := s.acquire(ctx); err != nil {
		return routing.BroadcastResult{}
	}
	defer s.release()

	start := time.Now()
	br := s.router.BroadcastMessage(ctx, msg, targets)
	s.record(message.TypeBroadcast, time.Since(start), br.Success)
	return br
}

func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch queue full: %w", ctx.Err())
	}
}

func (s *Service) release() {
	<-s.sem
}

func (s *Service) record(mt message.Type, latency time.Duration, success bool) {
	latencyMs := float64(latency.Microseconds()) / 1000.0
	if latencyMs > float64(s.cfg.MaxLatencyMs) {
		slog.Warn("dispatch exceeded latency budget",
			"type", mt, "latency_ms", latencyMs, "budget_ms", s.cfg.MaxLatencyMs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &s.telemetry
	if t.ByType == nil {
		t.ByType = make(map[message.Type]int64)
	}
	t.TotalDispatches++
	t.ByType[mt]++
	if success {
		t.Delivered++
	} else {
		t.Failed++
	}
	// Cumulative mean; dispatch counts stay modest enough for exact math.
	t.AvgLatencyMs += (latencyMs - t.AvgLatencyMs) / float64(t.TotalDispatches)
	t.SuccessRate = float64(t.Delivered) / float64(t.TotalDispatches) * 100
}

// Telemetry returns a copy of the dispatch telemetry.
func (s *Service) Telemetry() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.telemetry
	cp.ByType = make(map[message.Type]int64, len(s.telemetry.ByType))
	for k, v := range s.telemetry.ByType {
		cp.ByType[k] = v
	}
	return cp
}

// SystemHealth aggregates server health, agent status, breaker states and
// dispatch telemetry into one status: unhealthy with no reachable servers,
// degraded when any server is impaired or reliability is below target,
// healthy otherwise.
func (s *Service) SystemHealth() SystemHealth {
	h := SystemHealth{
		Servers:   make(map[routing.HealthStatus]int),
		Agents:    make(map[agentpool.Status]int),
		Breakers:  s.router.Breakers().States(),
		Routing:   s.router.Metrics(),
		Dispatch:  s.Telemetry(),
		CheckedAt: time.Now(),
	}
	if s.coord != nil {
		h.ActiveTasks = s.coord.ActiveTasks()
		for _, a := range s.coord.Agents().Snapshot() {
			h.Agents[a.Status]++
		}
	}

	total := 0
	for _, e := range s.router.Table().Snapshot() {
		h.Servers[e.Health]++
		total++
	}

	h.MeetsTarget = h.Dispatch.TotalDispatches == 0 || h.Dispatch.SuccessRate >= s.cfg.ReliabilityTarget

	switch {
	case total == 0 || h.Servers[routing.HealthHealthy] == 0:
		h.Status = "unhealthy"
	case h.Servers[routing.HealthDegraded] > 0 || h.Servers[routing.HealthUnhealthy] > 0 || !h.MeetsTarget:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}

func decodeDelegation(msg *message.BaseMessage) (delegate.Request, error) {
	var req delegate.Request
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, err
	}
	if req.DelegationID == "" {
		req.DelegationID = msg.Header.CorrelationID
	}
	return req, nil
}
