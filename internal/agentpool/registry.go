// Package agentpool tracks registered sub-agents: capacity, capabilities,
// performance and heartbeat liveness.
package agentpool

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

type Status string

const (
	StatusAvailable  Status = "available"
	StatusBusy       Status = "busy"
	StatusOverloaded Status = "overloaded"
	StatusOffline    Status = "offline"
	StatusError      Status = "error"
)

// Wildcard in a capability list matches any operation.
const Wildcard = "*"

const (
	defaultMaxConcurrentTasks = 3
	perfAlpha                 = 0.1
)

type Performance struct {
	SuccessRate float64 `json:"success_rate"` // 0..100
	Efficiency  float64 `json:"efficiency"`   // 0..100
}

type SubAgent struct {
	AgentID            string      `json:"agent_id"`
	ServerID           string      `json:"server_id"`
	Capabilities       []string    `json:"capabilities"`
	Status             Status      `json:"status"`
	CurrentTasks       []string    `json:"current_tasks"`
	MaxConcurrentTasks int         `json:"max_concurrent_tasks"`
	Perf               Performance `json:"performance"`
	LastHeartbeat      time.Time   `json:"last_heartbeat"`

	completed int
	failed    int
}

// Load is the fraction of capacity in use, 0..1.
func (a *SubAgent) Load() float64 {
	if a.MaxConcurrentTasks == 0 {
		return 1
	}
	return float64(len(a.CurrentTasks)) / float64(a.MaxConcurrentTasks)
}

// ErrorRate is the fraction of finished tasks that failed, 0..1.
func (a *SubAgent) ErrorRate() float64 {
	total := a.completed + a.failed
	if total == 0 {
		return 0
	}
	return float64(a.failed) / float64(total)
}

func (a *SubAgent) hasSpareCapacity() bool {
	return len(a.CurrentTasks) < a.MaxConcurrentTasks
}

// CanHandle reports whether the agent covers the operation, either by
// explicit capability or wildcard.
func (a *SubAgent) CanHandle(operation string) bool {
	if operation == "" {
		return true
	}
	return slices.Contains(a.Capabilities, operation) || slices.Contains(a.Capabilities, Wildcard)
}

// Specialized reports whether the agent lists the operation explicitly
// rather than matching through the wildcard.
func (a *SubAgent) Specialized(operation string) bool {
	return operation != "" && slices.Contains(a.Capabilities, operation)
}

// Registry is the ID-keyed sub-agent arena. Assignment, completion, the
// heartbeat monitor and unregistration all mutate it through these methods.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*SubAgent
	onChange func(agentID string, from, to Status)
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*SubAgent)}
}

// OnStatusChange registers an observer for status transitions, used for
// event emission. Must be set before the monitor starts.
func (r *Registry) OnStatusChange(fn func(agentID string, from, to Status)) {
	r.onChange = fn
}

func (r *Registry) Register(agent SubAgent) error {
	if agent.AgentID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if agent.ServerID == "" {
		return fmt.Errorf("server ID is required")
	}
	if len(agent.Capabilities) == 0 {
		return fmt.Errorf("agent %s must declare at least one capability", agent.AgentID)
	}

	if agent.MaxConcurrentTasks <= 0 {
		agent.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if agent.Perf.Efficiency == 0 {
		agent.Perf.Efficiency = 100
	}
	if agent.Perf.SuccessRate == 0 {
		agent.Perf.SuccessRate = 100
	}
	agent.Status = StatusAvailable
	agent.CurrentTasks = nil
	agent.LastHeartbeat = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.AgentID]; exists {
		return fmt.Errorf("agent %s already registered", agent.AgentID)
	}
	r.agents[agent.AgentID] = &agent
	return nil
}

// Unregister removes the agent and returns its in-flight task IDs so the
// caller can reassign them before the agent is forgotten.
func (r *Registry) Unregister(agentID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s not registered", agentID)
	}
	inflight := slices.Clone(a.CurrentTasks)
	delete(r.agents, agentID)
	return inflight, nil
}

func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s not registered", agentID)
	}
	a.LastHeartbeat = time.Now()
	if a.Status == StatusOffline {
		r.setStatus(a, workingStatus(a))
	}
	return nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(agentID string) (SubAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return SubAgent{}, false
	}
	return snapshot(a), true
}

func (r *Registry) Snapshot() []SubAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SubAgent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, snapshot(a))
	}
	slices.SortFunc(out, func(x, y SubAgent) int {
		switch {
		case x.AgentID < y.AgentID:
			return -1
		case x.AgentID > y.AgentID:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Candidates returns agents that could take a task for the operation:
// available or busy with spare capacity, not offline/errored/overloaded,
// and covering the operation.
func (r *Registry) Candidates(operation string) []SubAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []SubAgent
	for _, a := range r.agents {
		if a.Status != StatusAvailable && a.Status != StatusBusy {
			continue
		}
		if !a.hasSpareCapacity() || !a.CanHandle(operation) {
			continue
		}
		out = append(out, snapshot(a))
	}
	slices.SortFunc(out, func(x, y SubAgent) int {
		switch {
		case x.AgentID < y.AgentID:
			return -1
		case x.AgentID > y.AgentID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Assign appends a task to the agent, enforcing the capacity invariant.
func (r *Registry) Assign(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s not registered", agentID)
	}
	if !a.hasSpareCapacity() {
		return fmt.Errorf("agent %s at capacity (%d tasks)", agentID, a.MaxConcurrentTasks)
	}
	a.CurrentTasks = append(a.CurrentTasks, taskID)
	if a.Status == StatusAvailable {
		r.setStatus(a, StatusBusy)
	}
	return nil
}

// Release removes a finished task from the agent, blending the outcome into
// its performance stats. durationRatio is task duration over its timeout
// budget; lower is more efficient.
func (r *Registry) Release(agentID, taskID string, success bool, durationRatio float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return
	}

	if idx := slices.Index(a.CurrentTasks, taskID); idx >= 0 {
		a.CurrentTasks = slices.Delete(a.CurrentTasks, idx, idx+1)
	}

	if success {
		a.completed++
	} else {
		a.failed++
	}

	outcome := 0.0
	if success {
		outcome = 100.0
	}
	a.Perf.SuccessRate = perfAlpha*outcome + (1-perfAlpha)*a.Perf.SuccessRate

	if durationRatio > 0 {
		if durationRatio > 1 {
			durationRatio = 1
		}
		sample := (1 - durationRatio) * 100
		a.Perf.Efficiency = perfAlpha*sample + (1-perfAlpha)*a.Perf.Efficiency
	}

	if a.Status == StatusBusy || a.Status == StatusOverloaded {
		r.setStatus(a, workingStatus(a))
	}
}

// Monitor periodically flags agents that are overloaded (load > 90%),
// erroring (error rate > 10%) or offline (no heartbeat within twice the
// heartbeat interval). Runs until the context is cancelled.
func (r *Registry) Monitor(done <-chan struct{}, heartbeatInterval time.Duration) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	slog.Info("agent monitor started", "heartbeat_interval", heartbeatInterval)

	for {
		select {
		case <-done:
			slog.Info("agent monitor stopped")
			return
		case <-ticker.C:
			r.sweep(heartbeatInterval)
		}
	}
}

func (r *Registry) sweep(heartbeatInterval time.Duration) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.agents {
		switch {
		case now.Sub(a.LastHeartbeat) > 2*heartbeatInterval:
			if a.Status != StatusOffline {
				slog.Warn("agent missed heartbeat", "agent", a.AgentID, "last", a.LastHeartbeat)
				r.setStatus(a, StatusOffline)
			}
		case a.ErrorRate() > 0.10:
			if a.Status != StatusError {
				slog.Warn("agent error rate high", "agent", a.AgentID, "error_rate", a.ErrorRate())
				r.setStatus(a, StatusError)
			}
		case a.Load() > 0.90:
			if a.Status != StatusOverloaded {
				r.setStatus(a, StatusOverloaded)
			}
		default:
			if a.Status == StatusOverloaded || a.Status == StatusError {
				r.setStatus(a, workingStatus(a))
			}
		}
	}
}

// TotalCapacity sums max concurrent tasks across all agents.
func (r *Registry) TotalCapacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, a := range r.agents {
		total += a.MaxConcurrentTasks
	}
	return total
}

// setStatus requires r.mu held.
func (r *Registry) setStatus(a *SubAgent, to Status) {
	from := a.Status
	if from == to {
		return
	}
	a.Status = to
	if r.onChange != nil {
		go r.onChange(a.AgentID, from, to)
	}
}

func workingStatus(a *SubAgent) Status {
	if len(a.CurrentTasks) > 0 {
		return StatusBusy
	}
	return StatusAvailable
}

func snapshot(a *SubAgent) SubAgent {
	cp := *a
	cp.Capabilities = slices.Clone(a.Capabilities)
	cp.CurrentTasks = slices.Clone(a.CurrentTasks)
	return cp
}
