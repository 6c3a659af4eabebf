package agentpool

import (
	"testing"
	"time"
)

func newTestAgent(id string) SubAgent {
	return SubAgent{
		AgentID:            id,
		ServerID:           "worker-1",
		Capabilities:       []string{"analyze"},
		MaxConcurrentTasks: 2,
	}
}

func TestRegisterDefaults(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newTestAgent("a1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	a, ok := reg.Get("a1")
	if !ok {
		t.Fatal("expected agent")
	}
	if a.Status != StatusAvailable {
		t.Errorf("expected available, got %s", a.Status)
	}
	if a.Perf.Efficiency != 100 || a.Perf.SuccessRate != 100 {
		t.Errorf("expected fresh performance defaults, got %+v", a.Perf)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(SubAgent{ServerID: "s", Capabilities: []string{"x"}}); err == nil {
		t.Error("expected error for missing agent ID")
	}
	if err := reg.Register(SubAgent{AgentID: "a", Capabilities: []string{"x"}}); err == nil {
		t.Error("expected error for missing server ID")
	}
	// Empty capabilities are rejected, not added to the registry.
	if err := reg.Register(SubAgent{AgentID: "a", ServerID: "s"}); err == nil {
		t.Error("expected error for empty capabilities")
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry after rejections, got %d", reg.Len())
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(newTestAgent("a1"))
	if err := reg.Register(newTestAgent("a1")); err == nil {
		t.Error("expected error for duplicate registration")
	}
}

func TestAssignEnforcesCapacity(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(newTestAgent("a1"))

	if err := reg.Assign("a1", "t1"); err != nil {
		t.Fatalf("assign t1: %v", err)
	}
	if err := reg.Assign("a1", "t2"); err != nil {
		t.Fatalf("assign t2: %v", err)
	}
	if err := reg.Assign("a1", "t3"); err == nil {
		t.Error("expected capacity error on third task")
	}

	a, _ := reg.Get("a1")
	if a.Status != StatusBusy {
		t.Errorf("expected busy with tasks in flight, got %s", a.Status)
	}
}

func TestReleaseRestoresAvailability(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(newTestAgent("a1"))
	_ = reg.Assign("a1", "t1")

	reg.Release("a1", "t1", true, 0.2)

	a, _ := reg.Get("a1")
	if a.Status != StatusAvailable {
		t.Errorf("expected available after release, got %s", a.Status)
	}
	if len(a.CurrentTasks) != 0 {
		t.Errorf("expected no current tasks, got %v", a.CurrentTasks)
	}
	if a.Perf.Efficiency >= 100 {
		// 0.2 duration ratio blends an 80-efficiency sample in.
		t.Errorf("expected efficiency blended below 100, got %v", a.Perf.Efficiency)
	}
}

func TestUnregisterReturnsInFlight(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(newTestAgent("a1"))
	_ = reg.Assign("a1", "t1")
	_ = reg.Assign("a1", "t2")

	inflight, err := reg.Unregister("a1")
	if err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if len(inflight) != 2 {
		t.Errorf("expected 2 in-flight tasks, got %v", inflight)
	}
	if _, ok := reg.Get("a1"); ok {
		t.Error("expected agent removed")
	}
}

func TestCandidatesFilter(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(newTestAgent("specialist"))
	generalist := newTestAgent("generalist")
	generalist.Capabilities = []string{Wildcard}
	_ = reg.Register(generalist)
	other := newTestAgent("other")
	other.Capabilities = []string{"translate"}
	_ = reg.Register(other)

	c := reg.Candidates("analyze")
	if len(c) != 2 {
		t.Fatalf("expected specialist + wildcard, got %d", len(c))
	}
	if c[0].AgentID != "generalist" || c[1].AgentID != "specialist" {
		t.Errorf("unexpected candidates %v", []string{c[0].AgentID, c[1].AgentID})
	}

	// Fill the specialist to capacity; it drops out.
	_ = reg.Assign("specialist", "t1")
	_ = reg.Assign("specialist", "t2")
	c = reg.Candidates("analyze")
	if len(c) != 1 || c[0].AgentID != "generalist" {
		t.Errorf("expected only generalist with spare capacity, got %d", len(c))
	}
}

func TestSweepFlagsOffline(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(newTestAgent("a1"))

	// Age the heartbeat past 2x the interval, then sweep.
	reg.mu.Lock()
	reg.agents["a1"].LastHeartbeat = time.Now().Add(-time.Minute)
	reg.mu.Unlock()

	reg.sweep(10 * time.Second)

	a, _ := reg.Get("a1")
	if a.Status != StatusOffline {
		t.Errorf("expected offline after missed heartbeats, got %s", a.Status)
	}

	// A fresh heartbeat brings it back.
	if err := reg.Heartbeat("a1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	a, _ = reg.Get("a1")
	if a.Status != StatusAvailable {
		t.Errorf("expected available after heartbeat, got %s", a.Status)
	}
}

func TestSweepFlagsErrorRate(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(newTestAgent("a1"))

	// 1 failure out of 5 finished tasks is a 20% error rate.
	for i := 0; i < 4; i++ {
		_ = reg.Assign("a1", "t")
		reg.Release("a1", "t", true, 0)
	}
	_ = reg.Assign("a1", "t")
	reg.Release("a1", "t", false, 0)

	reg.sweep(time.Minute)

	a, _ := reg.Get("a1")
	if a.Status != StatusError {
		t.Errorf("expected error status at 20%% error rate, got %s", a.Status)
	}
}

func TestSpecialized(t *testing.T) {
	a := newTestAgent("a1")
	if !a.Specialized("analyze") {
		t.Error("expected explicit capability to count as specialized")
	}

	w := newTestAgent("w")
	w.Capabilities = []string{Wildcard}
	if w.Specialized("analyze") {
		t.Error("wildcard match should not count as specialized")
	}
	if !w.CanHandle("analyze") {
		t.Error("wildcard should handle any operation")
	}
}
