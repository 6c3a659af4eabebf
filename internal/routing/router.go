// Package routing implements the message router: per-server routing table,
// circuit breaking, load-balanced target selection, failover and broadcast.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshwork/plexus/internal/config"
	"github.com/meshwork/plexus/internal/message"
	"github.com/meshwork/plexus/internal/natsbus"
	"github.com/meshwork/plexus/internal/transport"
)

// RoutingResult is the typed outcome of one routing attempt. Routing-level
// failures (unknown target, open breaker, delivery error) are reported here,
// never as Go errors.
type RoutingResult struct {
	Success      bool          `json:"success"`
	TargetServer string        `json:"target_server,omitempty"`
	RoutingPath  []string      `json:"routing_path,omitempty"`
	Latency      time.Duration `json:"latency"`
	Error        string        `json:"error,omitempty"`
}

type BroadcastResult struct {
	Success        bool          `json:"success"`
	DeliveredCount int           `json:"delivered_count"`
	FailedTargets  []string      `json:"failed_targets,omitempty"`
	AverageLatency time.Duration `json:"average_latency"`
}

// Route describes a computed route before delivery.
type Route struct {
	TargetServer     string   `json:"target_server"`
	Path             []string `json:"path"`
	EstimatedLatency float64  `json:"estimated_latency_ms"`
	Reliability      float64  `json:"reliability"` // 0..1
	Cost             float64  `json:"cost"`
}

type FailoverResult struct {
	Success      bool   `json:"success"`
	FailedServer string `json:"failed_server"`
	Failover     string `json:"failover,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Router routes point-to-point and broadcast messages across the server
// table, isolating failing targets through the breaker registry.
type Router struct {
	table     *Table
	breakers  *BreakerRegistry
	transport transport.Transport
	events    *natsbus.Client
	cfg       config.RoutingConfig

	mu      sync.Mutex
	rrCount uint64
	metrics Metrics
}

func New(tr transport.Transport, cfg config.RoutingConfig) *Router {
	return &Router{
		table:     NewTable(),
		breakers:  NewBreakerRegistry(cfg.BreakerThreshold, cfg.BreakerCooldown),
		transport: tr,
		cfg:       cfg,
	}
}

// SetEvents attaches a NATS client for event emission. Events are
// best-effort; a nil client disables them.
func (r *Router) SetEvents(client *natsbus.Client) {
	r.events = client
}

func (r *Router) Table() *Table {
	return r.table
}

func (r *Router) Breakers() *BreakerRegistry {
	return r.breakers
}

// RouteMessage computes a route for the message, executes delivery, and
// records the outcome. It never returns an error for routing failures.
func (r *Router) RouteMessage(ctx context.Context, msg *message.BaseMessage) RoutingResult {
	if msg.Expired(time.Now()) {
		return r.fail(msg, "", "message TTL expired")
	}

	target, path, errText := r.resolveTarget(msg)
	if errText != "" {
		return r.fail(msg, target, errText)
	}

	dctx := ctx
	if r.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
		defer cancel()
	}

	start := time.Now()
	err := r.transport.Deliver(dctx, target, msg)
	latency := time.Since(start)

	r.recordOutcome(target, latency, err == nil)

	if err != nil {
		slog.Debug("delivery failed", "target", target, "message", msg.Header.MessageID, "error", err)
		return RoutingResult{
			Success:      false,
			TargetServer: target,
			RoutingPath:  path,
			Latency:      latency,
			Error:        err.Error(),
		}
	}

	return RoutingResult{
		Success:      true,
		TargetServer: target,
		RoutingPath:  path,
		Latency:      latency,
	}
}

// resolveTarget picks the delivery target: the explicit header target when
// set (with at most one failover if it is unavailable), otherwise the
// strategy's pick among capable healthy servers.
func (r *Router) resolveTarget(msg *message.BaseMessage) (target string, path []string, errText string) {
	source := msg.Header.Source

	if explicit := msg.Header.Target; explicit != "" {
		entry, ok := r.table.Get(explicit)
		if !ok {
			return explicit, nil, fmt.Sprintf("target server %s not found", explicit)
		}

		if !r.breakers.Get(explicit).Allow() {
			fo := r.HandleServerFailure(explicit)
			if !fo.Success {
				return explicit, nil, fmt.Sprintf("circuit breaker open for %s, no failover available", explicit)
			}
			r.countFailover()
			return fo.Failover, []string{source, explicit, fo.Failover}, ""
		}

		if entry.Health == HealthUnhealthy {
			fo := r.HandleServerFailure(explicit)
			if !fo.Success {
				return explicit, nil, fmt.Sprintf("server %s unhealthy, no failover available", explicit)
			}
			r.countFailover()
			return fo.Failover, []string{source, explicit, fo.Failover}, ""
		}

		return explicit, []string{source, explicit}, ""
	}

	route, ok := r.CalculateOptimalRoute(msg)
	if !ok {
		return "", nil, fmt.Sprintf("no route for operation %q", msg.Header.Operation)
	}
	return route.TargetServer, route.Path, ""
}

// CalculateOptimalRoute selects a target for the message via the configured
// strategy and prices the route. Returns false when no capable healthy
// server exists.
func (r *Router) CalculateOptimalRoute(msg *message.BaseMessage) (Route, bool) {
	candidates := r.candidates(msg.Header.Operation)
	if len(candidates) == 0 {
		return Route{}, false
	}

	target := r.selectTargetServer(candidates)
	return r.priceRoute(msg, target), true
}

// candidates returns servers able to handle the operation: capability match
// (empty operation matches everything), not unhealthy, breaker allowing.
func (r *Router) candidates(operation string) []Entry {
	var out []Entry
	for _, e := range r.table.Snapshot() {
		if operation != "" && !e.HasCapability(operation) {
			continue
		}
		if e.Health == HealthUnhealthy {
			continue
		}
		if !r.breakers.Get(e.ServerID).Allow() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// selectTargetServer applies the configured load-balancing strategy. The
// strategy is configuration, not call-site logic.
func (r *Router) selectTargetServer(candidates []Entry) Entry {
	switch r.cfg.Strategy {
	case "round-robin":
		r.mu.Lock()
		idx := int(r.rrCount % uint64(len(candidates)))
		r.rrCount++
		r.mu.Unlock()
		return candidates[idx]
	case "least-connections":
		best := candidates[0]
		for _, e := range candidates[1:] {
			if e.Load < best.Load {
				best = e
			}
		}
		return best
	default: // performance-weighted
		best := candidates[0]
		bestScore := performanceScore(best)
		for _, e := range candidates[1:] {
			if s := performanceScore(e); s > bestScore {
				best, bestScore = e, s
			}
		}
		return best
	}
}

// performanceScore is an equal-weighted composite of inverse latency,
// success rate, inverse load and a health bonus, each normalized to 0..1.
func performanceScore(e Entry) float64 {
	invLatency := 1000.0 / (1000.0 + e.Perf.AvgLatencyMs)
	successRate := e.Perf.SuccessRate / 100.0
	invLoad := 1.0 - e.Load/100.0
	bonus := 0.0
	switch e.Health {
	case HealthHealthy:
		bonus = 1.0
	case HealthDegraded:
		bonus = 0.5
	}
	return (invLatency + successRate + invLoad + bonus) / 4.0
}

func (r *Router) priceRoute(msg *message.BaseMessage, e Entry) Route {
	estimated := e.Perf.AvgLatencyMs * msg.Header.Priority.Factor() * (1 + e.Load/100.0)

	reliability := e.Perf.SuccessRate / 100.0
	switch e.Health {
	case HealthDegraded:
		reliability *= 0.5
	case HealthUnhealthy:
		reliability = 0
	}

	cost := estimated + loadPenalty(e.Load) + priorityPenalty(msg.Header.Priority)

	return Route{
		TargetServer:     e.ServerID,
		Path:             []string{msg.Header.Source, e.ServerID},
		EstimatedLatency: estimated,
		Reliability:      reliability,
		Cost:             cost,
	}
}

func loadPenalty(load float64) float64 {
	return load / 2.0
}

func priorityPenalty(p message.Priority) float64 {
	switch p {
	case message.PriorityCritical:
		return 0
	case message.PriorityHigh:
		return 5
	case message.PriorityBackground:
		return 25
	default:
		return 10
	}
}

// BroadcastMessage fans the message out to each target independently. A slow
// or failed target never blocks the others; success means at least one
// delivery succeeded. With no explicit targets, all known non-unhealthy
// servers receive a copy.
func (r *Router) BroadcastMessage(ctx context.Context, msg *message.BaseMessage, targets []string) BroadcastResult {
	if len(targets) == 0 {
		for _, e := range r.table.Snapshot() {
			if e.Health != HealthUnhealthy {
				targets = append(targets, e.ServerID)
			}
		}
	}
	if len(targets) == 0 {
		return BroadcastResult{}
	}

	type outcome struct {
		target string
		result RoutingResult
	}

	results := make(chan outcome, len(targets))
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			res := r.RouteMessage(ctx, msg.CloneFor(target))
			results <- outcome{target: target, result: res}
		}(target)
	}
	wg.Wait()
	close(results)

	var br BroadcastResult
	var totalLatency time.Duration
	for o := range results {
		if o.result.Success {
			br.DeliveredCount++
			totalLatency += o.result.Latency
		} else {
			br.FailedTargets = append(br.FailedTargets, o.target)
		}
	}
	br.Success = br.DeliveredCount > 0
	if br.DeliveredCount > 0 {
		br.AverageLatency = totalLatency / time.Duration(br.DeliveredCount)
	}
	return br
}

// CheckServerHealth pings the server and classifies it: under 1s round trip
// is healthy, slower is degraded, unreachable is unhealthy. The result is
// written back to the routing table.
func (r *Router) CheckServerHealth(ctx context.Context, serverID string) HealthStatus {
	if _, ok := r.table.Get(serverID); !ok {
		return HealthUnhealthy
	}

	rtt, err := r.transport.Ping(ctx, serverID)
	status := HealthHealthy
	switch {
	case err != nil:
		status = HealthUnhealthy
	case rtt >= time.Second:
		status = HealthDegraded
	}

	r.table.SetHealth(serverID, status)
	return status
}

// StartHealthLoop runs periodic health checks for all registered servers
// until the context is cancelled.
func (r *Router) StartHealthLoop(ctx context.Context) {
	interval := r.cfg.HealthCheckInterval
	if interval == 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("routing health loop started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("routing health loop stopped")
			return
		case <-ticker.C:
			for _, e := range r.table.Snapshot() {
				prev := e.Health
				status := r.CheckServerHealth(ctx, e.ServerID)
				if status != prev {
					slog.Info("server health changed", "server", e.ServerID, "from", prev, "to", status)
					r.publishEvent(e.ServerID, "health_changed", map[string]any{
						"server": e.ServerID,
						"from":   string(prev),
						"to":     string(status),
					})
				}
			}
		}
	}
}

// HandleServerFailure finds a failover target sharing at least one
// capability with the failed server and currently healthy with a breaker
// that allows traffic.
func (r *Router) HandleServerFailure(serverID string) FailoverResult {
	failed, ok := r.table.Get(serverID)
	if !ok {
		return FailoverResult{FailedServer: serverID, Error: "server not found"}
	}

	for _, e := range r.table.Snapshot() {
		if e.ServerID == serverID || e.Health != HealthHealthy {
			continue
		}
		if !r.breakers.Get(e.ServerID).Allow() {
			continue
		}
		for _, cap := range failed.Capabilities {
			if e.HasCapability(cap) {
				return FailoverResult{
					Success:      true,
					FailedServer: serverID,
					Failover:     e.ServerID,
				}
			}
		}
	}

	return FailoverResult{
		FailedServer: serverID,
		Error:        fmt.Sprintf("no failover candidate for %s", serverID),
	}
}

func (r *Router) recordOutcome(serverID string, latency time.Duration, success bool) {
	latencyMs := float64(latency.Microseconds()) / 1000.0

	r.table.RecordOutcome(serverID, latencyMs, success)

	breaker := r.breakers.Get(serverID)
	wasOpen := breaker.State() == BreakerOpen
	breaker.Record(success)
	if !wasOpen && breaker.State() == BreakerOpen {
		slog.Warn("circuit breaker opened", "server", serverID, "failures", breaker.Failures())
		r.publishEvent(serverID, "breaker_opened", map[string]any{
			"server":   serverID,
			"failures": breaker.Failures(),
		})
	}

	r.mu.Lock()
	r.metrics.record(latencyMs, success)
	r.mu.Unlock()
}

func (r *Router) fail(msg *message.BaseMessage, target, errText string) RoutingResult {
	r.mu.Lock()
	r.metrics.recordUnrouted()
	r.mu.Unlock()

	slog.Debug("routing failed", "message", msg.Header.MessageID, "target", target, "error", errText)
	return RoutingResult{
		Success:      false,
		TargetServer: target,
		Error:        errText,
	}
}

func (r *Router) countFailover() {
	r.mu.Lock()
	r.metrics.Failovers++
	r.mu.Unlock()
}

func (r *Router) publishEvent(serverID, eventType string, data map[string]any) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishEvent(natsbus.TopicEventsRouting(serverID), eventType, data); err != nil {
		slog.Debug("routing event publish failed", "type", eventType, "error", err)
	}
}

// Metrics returns a copy of the aggregate routing metrics.
func (r *Router) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}
