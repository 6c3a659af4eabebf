package comms

import (
	"context"
	"testing"
	"time"

	"github.com/meshwork/plexus/internal/agentpool"
	"github.com/meshwork/plexus/internal/config"
	"github.com/meshwork/plexus/internal/delegate"
	"github.com/meshwork/plexus/internal/message"
	"github.com/meshwork/plexus/internal/routing"
	"github.com/meshwork/plexus/internal/transport"
)

// newTestService wires a facade over an in-process transport with one worker
// server whose agent immediately completes every task it receives.
func newTestService(t *testing.T) (*Service, *transport.InProc) {
	t.Helper()

	tr := transport.NewInProc()
	router := routing.New(tr, config.RoutingConfig{
		Strategy:         "performance",
		BreakerThreshold: 5,
		BreakerCooldown:  time.Second,
		DeliveryTimeout:  time.Second,
	})
	router.Table().Upsert(routing.Entry{ServerID: "worker-1"})

	coord := delegate.NewCoordinator(agentpool.NewRegistry(), router, config.CoordinatorConfig{
		MaxConcurrentTasks: 10,
		TaskTimeout:        2 * time.Second,
		HeartbeatInterval:  time.Second,
		PollInterval:       5 * time.Millisecond,
	})

	tr.Register("worker-1", func(ctx context.Context, msg *message.BaseMessage) error {
		if taskID, ok := msg.Payload["task_id"].(string); ok {
			coord.CompleteTask(taskID, map[string]any{"done": true}, 1, "")
		}
		return nil
	})

	svc := New(router, coord, config.CommsConfig{
		MaxLatencyMs:            5000,
		TargetThroughput:        100,
		ReliabilityTarget:       99,
		MaxConcurrentDispatches: 8,
		DelegationEnabled:       true,
	})
	return svc, tr
}

func TestDispatchRequest(t *testing.T) {
	svc, _ := newTestService(t)

	msg := message.New("gateway", "worker-1", "analyze", message.TypeRequest, nil)
	res := svc.Dispatch(context.Background(), msg)
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}

	tel := svc.Telemetry()
	if tel.TotalDispatches != 1 || tel.Delivered != 1 {
		t.Errorf("unexpected telemetry %+v", tel)
	}
	if tel.ByType[message.TypeRequest] != 1 {
		t.Errorf("expected request counted by type, got %v", tel.ByType)
	}
	if tel.SuccessRate != 100 {
		t.Errorf("expected 100%% success rate, got %v", tel.SuccessRate)
	}
}

func TestDispatchFailureCountsAgainstReliability(t *testing.T) {
	svc, _ := newTestService(t)

	msg := message.New("gateway", "missing", "analyze", message.TypeRequest, nil)
	res := svc.Dispatch(context.Background(), msg)
	if res.Success {
		t.Fatal("expected failure for unknown target")
	}

	tel := svc.Telemetry()
	if tel.Failed != 1 || tel.SuccessRate != 0 {
		t.Errorf("unexpected telemetry %+v", tel)
	}

	h := svc.SystemHealth()
	if h.MeetsTarget {
		t.Error("0% success rate cannot meet a 99% reliability target")
	}
}

func TestDispatchBroadcast(t *testing.T) {
	svc, tr := newTestService(t)
	svc.Router().Table().Upsert(routing.Entry{ServerID: "worker-2"})
	tr.Register("worker-2", func(ctx context.Context, msg *message.BaseMessage) error {
		return nil
	})

	msg := message.New("gateway", "", "notice", message.TypeBroadcast, nil)
	res := svc.Dispatch(context.Background(), msg)
	if !res.Success {
		t.Fatalf("expected broadcast success, got %q", res.Error)
	}
	if svc.Telemetry().ByType[message.TypeBroadcast] != 1 {
		t.Error("broadcast not counted by type")
	}
}

func TestDispatchDelegationFromPayload(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Coordinator().RegisterAgent(agentpool.SubAgent{
		AgentID:      "a1",
		ServerID:     "worker-1",
		Capabilities: []string{"analyze"},
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	msg := message.New("gateway", "", "", message.TypeDelegation, map[string]any{
		"tasks": []any{
			map[string]any{"operation": "analyze"},
		},
		"strategy": "parallel",
	})
	res := svc.Dispatch(context.Background(), msg)
	if !res.Success {
		t.Fatalf("expected delegation success, got %q", res.Error)
	}
	if svc.Telemetry().ByType[message.TypeDelegation] != 1 {
		t.Error("delegation not counted by type")
	}
}

func TestDelegateDisabled(t *testing.T) {
	svc, _ := newTestService(t)
	svc.cfg.DelegationEnabled = false

	_, err := svc.Delegate(context.Background(), delegate.Request{
		DelegationID: "d1",
		Tasks:        []delegate.Task{{Operation: "analyze"}},
	})
	if err == nil {
		t.Error("expected error with delegation disabled")
	}
}

func TestSystemHealthStates(t *testing.T) {
	svc, _ := newTestService(t)

	if got := svc.SystemHealth().Status; got != "healthy" {
		t.Errorf("expected healthy, got %s", got)
	}

	svc.Router().Table().Upsert(routing.Entry{ServerID: "worker-2"})
	svc.Router().Table().SetHealth("worker-2", routing.HealthDegraded)
	if got := svc.SystemHealth().Status; got != "degraded" {
		t.Errorf("expected degraded with one impaired server, got %s", got)
	}

	svc.Router().Table().SetHealth("worker-1", routing.HealthUnhealthy)
	svc.Router().Table().SetHealth("worker-2", routing.HealthUnhealthy)
	if got := svc.SystemHealth().Status; got != "unhealthy" {
		t.Errorf("expected unhealthy with no healthy servers, got %s", got)
	}
}
