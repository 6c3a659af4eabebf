package delegate

import (
	"context"
	"fmt"
	"log/slog"
)

// ScaleExecutor applies pool scaling decisions, typically by launching or
// stopping agent containers. Nil leaves ScaleAgents advisory-only.
type ScaleExecutor interface {
	ScaleUp(ctx context.Context) error
	ScaleDown(ctx context.Context, serverID string) error
}

func (c *Coordinator) SetScaleExecutor(e ScaleExecutor) {
	c.mu.Lock()
	c.scaler = e
	c.mu.Unlock()
}

// ScaleAgents evaluates pool utilization and recommends an action:
// above 80% scale up, below 30% (with more than one agent) scale down,
// otherwise maintain. When an executor is installed the decision is also
// applied; execution errors do not invalidate the decision.
func (c *Coordinator) ScaleAgents(ctx context.Context) ScaleDecision {
	capacity := c.agents.TotalCapacity()
	active := c.ActiveTasks()

	utilization := 1.0
	if capacity > 0 {
		utilization = float64(active) / float64(capacity)
	}

	decision := ScaleDecision{
		Action:      ScaleMaintain,
		Utilization: utilization,
		Confidence:  0.5,
		EstimatedImpact: fmt.Sprintf("pool at %.0f%% utilization, no change needed",
			utilization*100),
	}

	switch {
	case utilization > 0.8:
		decision.Action = ScaleUp
		decision.Confidence = clamp01(0.5 + (utilization-0.8)*2.5)
		decision.EstimatedImpact = fmt.Sprintf(
			"adding an agent would drop utilization toward %.0f%%",
			rebalanced(active, capacity, defaultAgentCapacity)*100)
	case utilization < 0.3 && c.agents.Len() > 1:
		decision.Action = ScaleDown
		decision.Confidence = clamp01(0.5 + (0.3-utilization)*2.5)
		decision.EstimatedImpact = fmt.Sprintf(
			"removing an idle agent would raise utilization toward %.0f%%",
			rebalanced(active, capacity, -defaultAgentCapacity)*100)
	}

	c.mu.Lock()
	scaler := c.scaler
	c.mu.Unlock()
	if scaler == nil || decision.Action == ScaleMaintain {
		return decision
	}

	slog.Info("applying scale decision", "action", decision.Action,
		"utilization", utilization, "confidence", decision.Confidence)

	var err error
	switch decision.Action {
	case ScaleUp:
		err = scaler.ScaleUp(ctx)
	case ScaleDown:
		if serverID, ok := c.idleServer(); ok {
			err = scaler.ScaleDown(ctx, serverID)
		}
	}
	if err != nil {
		slog.Error("scale action failed", "action", decision.Action, "error", err)
	}
	return decision
}

// idleServer picks the server of an agent with no tasks in flight, the
// retirement candidate for scale-down.
func (c *Coordinator) idleServer() (string, bool) {
	for _, a := range c.agents.Snapshot() {
		if len(a.CurrentTasks) == 0 {
			return a.ServerID, true
		}
	}
	return "", false
}

const defaultAgentCapacity = 3

func rebalanced(active, capacity, delta int) float64 {
	capacity += delta
	if capacity <= 0 {
		return 1
	}
	u := float64(active) / float64(capacity)
	return clamp01(u)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
