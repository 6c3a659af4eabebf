package routing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/meshwork/plexus/internal/config"
	"github.com/meshwork/plexus/internal/message"
	"github.com/meshwork/plexus/internal/transport"
)

func testRoutingConfig(strategy string) config.RoutingConfig {
	return config.RoutingConfig{
		Strategy:            strategy,
		BreakerThreshold:    3,
		BreakerCooldown:     time.Minute,
		HealthCheckInterval: time.Minute,
		DeliveryTimeout:     time.Second,
	}
}

func newTestRouter(t *testing.T, strategy string) (*Router, *transport.InProc) {
	t.Helper()
	tr := transport.NewInProc()
	rtr := New(tr, testRoutingConfig(strategy))
	return rtr, tr
}

func okHandler(ctx context.Context, msg *message.BaseMessage) error {
	return nil
}

func failHandler(ctx context.Context, msg *message.BaseMessage) error {
	return fmt.Errorf("connection refused")
}

func TestRouteMessageExplicitTarget(t *testing.T) {
	rtr, tr := newTestRouter(t, "performance")
	tr.Register("search", okHandler)
	_ = rtr.Table().Upsert(Entry{ServerID: "search", Capabilities: []string{"query"}})

	msg := message.New("gateway", "search", "query", message.TypeRequest, nil)
	res := rtr.RouteMessage(context.Background(), msg)

	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.TargetServer != "search" {
		t.Errorf("expected target 'search', got %q", res.TargetServer)
	}
	if len(res.RoutingPath) != 2 || res.RoutingPath[0] != "gateway" || res.RoutingPath[1] != "search" {
		t.Errorf("unexpected routing path %v", res.RoutingPath)
	}
}

func TestRouteMessageUnknownTarget(t *testing.T) {
	rtr, _ := newTestRouter(t, "performance")

	msg := message.New("gateway", "ghost", "query", message.TypeRequest, nil)
	res := rtr.RouteMessage(context.Background(), msg)

	if res.Success {
		t.Fatal("expected failure for unknown target")
	}
	if res.Error == "" {
		t.Error("expected a descriptive error")
	}
}

func TestRouteMessageByCapability(t *testing.T) {
	rtr, tr := newTestRouter(t, "performance")
	tr.Register("search", okHandler)
	tr.Register("billing", okHandler)
	_ = rtr.Table().Upsert(Entry{ServerID: "search", Capabilities: []string{"query"}})
	_ = rtr.Table().Upsert(Entry{ServerID: "billing", Capabilities: []string{"invoice"}})

	msg := message.New("gateway", "", "invoice", message.TypeRequest, nil)
	res := rtr.RouteMessage(context.Background(), msg)

	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if res.TargetServer != "billing" {
		t.Errorf("expected capability match 'billing', got %q", res.TargetServer)
	}
}

func TestRouteMessageNoCapableServer(t *testing.T) {
	rtr, tr := newTestRouter(t, "performance")
	tr.Register("search", okHandler)
	_ = rtr.Table().Upsert(Entry{ServerID: "search", Capabilities: []string{"query"}})

	msg := message.New("gateway", "", "transcode", message.TypeRequest, nil)
	res := rtr.RouteMessage(context.Background(), msg)

	if res.Success {
		t.Fatal("expected failure with no capable server")
	}
}

func TestRoundRobinRotates(t *testing.T) {
	rtr, tr := newTestRouter(t, "round-robin")
	tr.Register("a", okHandler)
	tr.Register("b", okHandler)
	_ = rtr.Table().Upsert(Entry{ServerID: "a", Capabilities: []string{"query"}})
	_ = rtr.Table().Upsert(Entry{ServerID: "b", Capabilities: []string{"query"}})

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		msg := message.New("gateway", "", "query", message.TypeRequest, nil)
		res := rtr.RouteMessage(context.Background(), msg)
		if !res.Success {
			t.Fatalf("route %d failed: %q", i, res.Error)
		}
		seen[res.TargetServer]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Errorf("expected even rotation, got %v", seen)
	}
}

func TestLeastConnectionsPicksLowestLoad(t *testing.T) {
	rtr, tr := newTestRouter(t, "least-connections")
	tr.Register("busy", okHandler)
	tr.Register("idle", okHandler)
	_ = rtr.Table().Upsert(Entry{ServerID: "busy", Capabilities: []string{"query"}, Load: 80})
	_ = rtr.Table().Upsert(Entry{ServerID: "idle", Capabilities: []string{"query"}, Load: 10})

	msg := message.New("gateway", "", "query", message.TypeRequest, nil)
	res := rtr.RouteMessage(context.Background(), msg)

	if res.TargetServer != "idle" {
		t.Errorf("expected least-loaded 'idle', got %q", res.TargetServer)
	}
}

func TestPerformanceStrategyPrefersFastReliable(t *testing.T) {
	rtr, tr := newTestRouter(t, "performance")
	tr.Register("slow", okHandler)
	tr.Register("fast", okHandler)
	_ = rtr.Table().Upsert(Entry{
		ServerID: "slow", Capabilities: []string{"query"},
		Load: 50, Perf: Performance{AvgLatencyMs: 900, SuccessRate: 70},
	})
	_ = rtr.Table().Upsert(Entry{
		ServerID: "fast", Capabilities: []string{"query"},
		Load: 10, Perf: Performance{AvgLatencyMs: 20, SuccessRate: 99},
	})

	msg := message.New("gateway", "", "query", message.TypeRequest, nil)
	res := rtr.RouteMessage(context.Background(), msg)

	if res.TargetServer != "fast" {
		t.Errorf("expected performance pick 'fast', got %q", res.TargetServer)
	}
}

// Three consecutive failures trip the breaker (threshold 3); the fourth
// message to the same target is redirected to a capability-overlapping
// failover.
func TestBreakerOpenFailover(t *testing.T) {
	rtr, tr := newTestRouter(t, "performance")
	tr.Register("primary", failHandler)
	tr.Register("backup", okHandler)
	_ = rtr.Table().Upsert(Entry{ServerID: "primary", Capabilities: []string{"query"}})
	_ = rtr.Table().Upsert(Entry{ServerID: "backup", Capabilities: []string{"query"}})

	for i := 0; i < 3; i++ {
		msg := message.New("gateway", "primary", "query", message.TypeRequest, nil)
		res := rtr.RouteMessage(context.Background(), msg)
		if res.Success {
			t.Fatalf("delivery %d should have failed", i)
		}
	}

	if state := rtr.Breakers().Get("primary").State(); state != BreakerOpen {
		t.Fatalf("expected open breaker after 3 failures, got %s", state)
	}

	msg := message.New("gateway", "primary", "query", message.TypeRequest, nil)
	res := rtr.RouteMessage(context.Background(), msg)
	if !res.Success {
		t.Fatalf("expected failover delivery, got %q", res.Error)
	}
	if res.TargetServer != "backup" {
		t.Errorf("expected failover to 'backup', got %q", res.TargetServer)
	}
	if len(res.RoutingPath) != 3 || res.RoutingPath[1] != "primary" {
		t.Errorf("expected path through failed primary, got %v", res.RoutingPath)
	}
}

func TestBreakerOpenNoFailover(t *testing.T) {
	rtr, tr := newTestRouter(t, "performance")
	tr.Register("primary", failHandler)
	_ = rtr.Table().Upsert(Entry{ServerID: "primary", Capabilities: []string{"query"}})

	for i := 0; i < 3; i++ {
		msg := message.New("gateway", "primary", "query", message.TypeRequest, nil)
		rtr.RouteMessage(context.Background(), msg)
	}

	msg := message.New("gateway", "primary", "query", message.TypeRequest, nil)
	res := rtr.RouteMessage(context.Background(), msg)
	if res.Success {
		t.Fatal("expected failure with breaker open and no failover")
	}
	want := "circuit breaker open for primary, no failover available"
	if res.Error != want {
		t.Errorf("expected %q, got %q", want, res.Error)
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	rtr, tr := newTestRouter(t, "performance")
	tr.Register("a", okHandler)
	tr.Register("b", failHandler)
	tr.Register("c", okHandler)
	for _, id := range []string{"a", "b", "c"} {
		_ = rtr.Table().Upsert(Entry{ServerID: id, Capabilities: []string{"notify"}})
	}

	msg := message.New("gateway", "", "notify", message.TypeBroadcast, nil)
	res := rtr.BroadcastMessage(context.Background(), msg, nil)

	if !res.Success {
		t.Fatal("broadcast with one success should succeed")
	}
	if res.DeliveredCount != 2 {
		t.Errorf("expected 2 deliveries, got %d", res.DeliveredCount)
	}
	if len(res.FailedTargets) != 1 || res.FailedTargets[0] != "b" {
		t.Errorf("expected failed target 'b', got %v", res.FailedTargets)
	}
}

func TestBroadcastAllFail(t *testing.T) {
	rtr, tr := newTestRouter(t, "performance")
	tr.Register("a", failHandler)
	_ = rtr.Table().Upsert(Entry{ServerID: "a", Capabilities: []string{"notify"}})

	msg := message.New("gateway", "", "notify", message.TypeBroadcast, nil)
	res := rtr.BroadcastMessage(context.Background(), msg, nil)
	if res.Success {
		t.Error("broadcast with zero deliveries should fail")
	}
}

func TestCheckServerHealthIdempotent(t *testing.T) {
	rtr, tr := newTestRouter(t, "performance")
	tr.Register("search", okHandler)
	_ = rtr.Table().Upsert(Entry{ServerID: "search", Capabilities: []string{"query"}})

	first := rtr.CheckServerHealth(context.Background(), "search")
	second := rtr.CheckServerHealth(context.Background(), "search")
	if first != second {
		t.Errorf("health classification not idempotent: %s then %s", first, second)
	}
	if first != HealthHealthy {
		t.Errorf("expected healthy for fast in-process ping, got %s", first)
	}
}

func TestCheckServerHealthUnreachable(t *testing.T) {
	rtr, _ := newTestRouter(t, "performance")
	_ = rtr.Table().Upsert(Entry{ServerID: "gone", Capabilities: []string{"query"}})

	if status := rtr.CheckServerHealth(context.Background(), "gone"); status != HealthUnhealthy {
		t.Errorf("expected unhealthy for unreachable server, got %s", status)
	}
	e, _ := rtr.Table().Get("gone")
	if e.Health != HealthUnhealthy {
		t.Error("expected status written back to the table")
	}
}

func TestHandleServerFailureNeedsCapabilityOverlap(t *testing.T) {
	rtr, _ := newTestRouter(t, "performance")
	_ = rtr.Table().Upsert(Entry{ServerID: "search", Capabilities: []string{"query"}})
	_ = rtr.Table().Upsert(Entry{ServerID: "billing", Capabilities: []string{"invoice"}})

	res := rtr.HandleServerFailure("search")
	if res.Success {
		t.Error("expected no failover without capability overlap")
	}

	_ = rtr.Table().Upsert(Entry{ServerID: "search2", Capabilities: []string{"query", "index"}})
	res = rtr.HandleServerFailure("search")
	if !res.Success || res.Failover != "search2" {
		t.Errorf("expected failover to 'search2', got %+v", res)
	}
}

func TestPriceRouteFormulas(t *testing.T) {
	rtr, _ := newTestRouter(t, "performance")
	_ = rtr.Table().Upsert(Entry{
		ServerID: "search", Capabilities: []string{"query"},
		Load: 50, Perf: Performance{AvgLatencyMs: 100, SuccessRate: 90},
	})

	msg := message.New("gateway", "", "query", message.TypeRequest, nil).
		WithPriority(message.PriorityCritical)
	route, ok := rtr.CalculateOptimalRoute(msg)
	if !ok {
		t.Fatal("expected a route")
	}

	// 100ms EMA × 0.8 critical factor × (1 + 50/100) = 120
	if route.EstimatedLatency != 120 {
		t.Errorf("expected estimated latency 120, got %v", route.EstimatedLatency)
	}
	if route.Reliability != 0.9 {
		t.Errorf("expected reliability 0.9, got %v", route.Reliability)
	}

	// Degraded health halves reliability.
	rtr.Table().SetHealth("search", HealthDegraded)
	route, _ = rtr.CalculateOptimalRoute(msg)
	if route.Reliability != 0.45 {
		t.Errorf("expected degraded reliability 0.45, got %v", route.Reliability)
	}
}

func TestRoutingMetrics(t *testing.T) {
	rtr, tr := newTestRouter(t, "performance")
	tr.Register("a", okHandler)
	tr.Register("b", failHandler)
	_ = rtr.Table().Upsert(Entry{ServerID: "a", Capabilities: []string{"query"}})
	_ = rtr.Table().Upsert(Entry{ServerID: "b", Capabilities: []string{"other"}})

	rtr.RouteMessage(context.Background(), message.New("gw", "a", "query", message.TypeRequest, nil))
	rtr.RouteMessage(context.Background(), message.New("gw", "b", "other", message.TypeRequest, nil))
	rtr.RouteMessage(context.Background(), message.New("gw", "ghost", "x", message.TypeRequest, nil))

	m := rtr.Metrics()
	if m.TotalMessages != 3 {
		t.Errorf("expected 3 total, got %d", m.TotalMessages)
	}
	if m.Delivered != 1 || m.Failed != 2 || m.Unrouted != 1 {
		t.Errorf("unexpected counters: %+v", m)
	}
}
