// Package delegate implements the sub-agent coordinator: task assignment,
// the four distribution strategies, timeout monitoring, result aggregation
// and pool scaling.
package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshwork/plexus/internal/agentpool"
	"github.com/meshwork/plexus/internal/config"
	"github.com/meshwork/plexus/internal/message"
	"github.com/meshwork/plexus/internal/natsbus"
	"github.com/meshwork/plexus/internal/routing"
)

// Archiver persists delegation outcomes. Implemented by the SQLite store;
// nil disables persistence.
type Archiver interface {
	SaveDelegation(res *Result) error
	SaveExecution(delegationID string, exec *Execution) error
}

// Coordinator assigns tasks to registered sub-agents and drives delegations
// to completion.
type Coordinator struct {
	agents *agentpool.Registry
	router *routing.Router
	cfg    config.CoordinatorConfig

	events   *natsbus.Client
	archiver Archiver

	mu         sync.Mutex
	executions map[string]*Execution
	tasks      map[string]Task
	scaler     ScaleExecutor

	customAgg func(execs []*Execution) (map[string]any, error)
}

func NewCoordinator(agents *agentpool.Registry, router *routing.Router, cfg config.CoordinatorConfig) *Coordinator {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Coordinator{
		agents:     agents,
		router:     router,
		cfg:        cfg,
		executions: make(map[string]*Execution),
		tasks:      make(map[string]Task),
	}
}

func (c *Coordinator) SetEvents(client *natsbus.Client) {
	c.events = client
}

func (c *Coordinator) SetArchiver(a Archiver) {
	c.archiver = a
}

// SetCustomAggregator installs the function used by the "custom"
// aggregation method. Without one, custom falls back to merge.
func (c *Coordinator) SetCustomAggregator(fn func(execs []*Execution) (map[string]any, error)) {
	c.customAgg = fn
}

func (c *Coordinator) Agents() *agentpool.Registry {
	return c.agents
}

// RegisterAgent adds an agent to the pool after validation.
func (c *Coordinator) RegisterAgent(agent agentpool.SubAgent) error {
	if err := c.agents.Register(agent); err != nil {
		return err
	}
	c.publishAgentEvent(agent.AgentID, "agent_registered", map[string]any{
		"agent":        agent.AgentID,
		"server":       agent.ServerID,
		"capabilities": agent.Capabilities,
	})
	return nil
}

// UnregisterAgent drains the agent's in-flight tasks by reassigning each to
// another agent before removal. Tasks with no remaining candidate surface as
// failed executions.
func (c *Coordinator) UnregisterAgent(ctx context.Context, agentID string) error {
	inflight, err := c.agents.Unregister(agentID)
	if err != nil {
		return err
	}

	for _, taskID := range inflight {
		c.mu.Lock()
		task, ok := c.tasks[taskID]
		exec := c.executions[taskID]
		if !ok || exec == nil || exec.Status.Terminal() {
			c.mu.Unlock()
			continue
		}
		// Reset the record in place rather than replacing it: a delegation
		// awaiting this execution holds its pointer, and a fresh record would
		// leave the old one in flight forever.
		exec.Status = StatusPending
		exec.AgentID = ""
		exec.Result = nil
		exec.Error = ""
		exec.StartTime = time.Time{}
		exec.Retries++
		c.mu.Unlock()

		slog.Info("reassigning task from unregistered agent", "task", taskID, "agent", agentID)
		c.dispatch(ctx, task, exec)
	}

	c.publishAgentEvent(agentID, "agent_unregistered", map[string]any{
		"agent":      agentID,
		"reassigned": len(inflight),
	})
	return nil
}

func (c *Coordinator) AgentHeartbeat(agentID string) error {
	return c.agents.Heartbeat(agentID)
}

// AssignTask selects the best-scoring capable agent and dispatches the task
// through the router. No-agent and dispatch failures come back as failed
// executions, never as errors.
func (c *Coordinator) AssignTask(ctx context.Context, task Task) *Execution {
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	timeout := task.Timeout
	if timeout == 0 {
		timeout = c.cfg.TaskTimeout
	}

	exec := &Execution{
		TaskID:  task.TaskID,
		Status:  StatusPending,
		timeout: timeout,
	}
	c.mu.Lock()
	c.executions[task.TaskID] = exec
	c.tasks[task.TaskID] = task
	c.mu.Unlock()

	c.dispatch(ctx, task, exec)
	return exec
}

// dispatch selects an agent for the task and routes it, recording the
// outcome on the given execution. Reassignment reuses the record already in
// the map so callers awaiting its pointer observe the new run.
func (c *Coordinator) dispatch(ctx context.Context, task Task, exec *Execution) {
	agent, ok := c.selectAgent(task.Operation)
	if !ok {
		c.finish(exec, StatusFailed, nil, 0,
			fmt.Sprintf("no agent available for operation %q", task.Operation))
		return
	}

	if err := c.agents.Assign(agent.AgentID, task.TaskID); err != nil {
		c.finish(exec, StatusFailed, nil, 0, err.Error())
		return
	}

	msg := message.New("coordinator", agent.ServerID, task.Operation, message.TypeRequest, map[string]any{
		"task_id":  task.TaskID,
		"agent_id": agent.AgentID,
		"input":    task.Input,
	})
	if task.Priority != "" {
		msg.WithPriority(task.Priority)
	}
	msg.Metadata.RoutingHints = map[string]string{"agent_id": agent.AgentID}

	// In flight before dispatch: the transport may invoke the agent handler
	// synchronously, in which case CompleteTask runs inside RouteMessage.
	c.mu.Lock()
	exec.AgentID = agent.AgentID
	exec.Status = StatusInProgress
	exec.StartTime = time.Now()
	c.mu.Unlock()

	res := c.router.RouteMessage(ctx, msg)
	if !res.Success {
		c.finish(exec, StatusFailed, nil, 0, fmt.Sprintf("dispatch failed: %s", res.Error))
	}
}

// selectAgent scores candidates by spare capacity, efficiency and a
// specialization bonus, picking the maximum.
func (c *Coordinator) selectAgent(operation string) (agentpool.SubAgent, bool) {
	candidates := c.agents.Candidates(operation)
	if len(candidates) == 0 {
		return agentpool.SubAgent{}, false
	}

	best := candidates[0]
	bestScore := agentScore(best, operation)
	for _, a := range candidates[1:] {
		if s := agentScore(a, operation); s > bestScore {
			best, bestScore = a, s
		}
	}
	return best, true
}

func agentScore(a agentpool.SubAgent, operation string) float64 {
	score := (1 - a.Load()) * (a.Perf.Efficiency / 100.0)
	if a.Specialized(operation) {
		score *= 1.2
	}
	return score
}

// CompleteTask records a result arriving from an agent. Late results for
// executions already terminal (timed out, cancelled) are discarded.
func (c *Coordinator) CompleteTask(taskID string, result map[string]any, quality float64, errText string) {
	c.mu.Lock()
	exec, ok := c.executions[taskID]
	c.mu.Unlock()
	if !ok {
		slog.Debug("result for unknown task", "task", taskID)
		return
	}

	c.mu.Lock()
	if exec.Status.Terminal() {
		c.mu.Unlock()
		slog.Debug("late result discarded", "task", taskID, "status", exec.Status)
		return
	}
	c.mu.Unlock()

	if errText != "" {
		c.finish(exec, StatusFailed, nil, 0, errText)
		return
	}
	c.finish(exec, StatusCompleted, result, quality, "")
}

// finish moves an execution to a terminal state and releases the agent's
// slot. Safe to call only once per execution.
func (c *Coordinator) finish(exec *Execution, status ExecStatus, result map[string]any, quality float64, errText string) {
	c.mu.Lock()
	if exec.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	exec.Status = status
	exec.Result = result
	exec.QualityScore = quality
	exec.Error = errText
	exec.EndTime = time.Now()
	if exec.StartTime.IsZero() {
		exec.StartTime = exec.EndTime
	}
	agentID := exec.AgentID
	taskID := exec.TaskID
	timeout := exec.timeout
	duration := exec.Duration()
	c.mu.Unlock()

	if agentID != "" {
		ratio := 0.0
		if timeout > 0 {
			ratio = float64(duration) / float64(timeout)
		}
		c.agents.Release(agentID, taskID, status == StatusCompleted, ratio)
	}
}

// monitorTaskProgress times out executions stuck in flight past their
// budget, releasing the agent's slot. Late results are not honored.
func (c *Coordinator) monitorTaskProgress() {
	now := time.Now()

	c.mu.Lock()
	var expired []*Execution
	for _, exec := range c.executions {
		if exec.Status != StatusInProgress && exec.Status != StatusAssigned {
			continue
		}
		if exec.timeout > 0 && !exec.StartTime.IsZero() && now.Sub(exec.StartTime) > exec.timeout {
			expired = append(expired, exec)
		}
	}
	c.mu.Unlock()

	for _, exec := range expired {
		slog.Warn("task timed out", "task", exec.TaskID, "agent", exec.AgentID, "timeout", exec.timeout)
		c.finish(exec, StatusTimeout, nil, 0, fmt.Sprintf("task timed out after %s", exec.timeout))
	}
}

// DelegateTasks runs one delegation to completion under the requested
// strategy. It returns an error only for malformed requests; every runtime
// failure surfaces inside the Result.
func (c *Coordinator) DelegateTasks(ctx context.Context, req Request) (*Result, error) {
	if req.DelegationID == "" {
		return nil, fmt.Errorf("delegation ID is required")
	}
	if len(req.Tasks) == 0 {
		return nil, fmt.Errorf("delegation %s has no tasks", req.DelegationID)
	}
	if len(req.Tasks) > c.cfg.MaxConcurrentTasks {
		return nil, fmt.Errorf("delegation %s has %d tasks, limit is %d",
			req.DelegationID, len(req.Tasks), c.cfg.MaxConcurrentTasks)
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyParallel
	}
	if strategy == StrategyAdaptive {
		strategy = c.adapt()
		slog.Info("adaptive strategy resolved", "delegation", req.DelegationID, "strategy", strategy)
	}

	slog.Info("delegation started", "delegation", req.DelegationID, "tasks", len(req.Tasks), "strategy", strategy)
	c.publishDelegationEvent(req.DelegationID, "delegation_started", map[string]any{
		"tasks":    len(req.Tasks),
		"strategy": string(strategy),
	})

	start := time.Now()
	var execs []*Execution
	switch strategy {
	case StrategySequential:
		execs = c.runSequential(ctx, req.Tasks, false)
	case StrategyPipeline:
		execs = c.runSequential(ctx, req.Tasks, true)
	default:
		execs = c.runParallel(ctx, req.Tasks)
	}
	wallClock := time.Since(start)

	res := c.buildResult(req, execs, wallClock)

	if c.archiver != nil {
		if err := c.archiver.SaveDelegation(res); err != nil {
			slog.Error("failed to persist delegation", "delegation", req.DelegationID, "error", err)
		}
		for _, exec := range execs {
			if err := c.archiver.SaveExecution(req.DelegationID, exec); err != nil {
				slog.Error("failed to persist execution", "task", exec.TaskID, "error", err)
			}
		}
	}

	status := "delegation_completed"
	if !res.Success {
		status = "delegation_failed"
	}
	c.publishDelegationEvent(req.DelegationID, status, map[string]any{
		"completed": res.CompletedTasks,
		"failed":    res.FailedTasks,
	})
	slog.Info("delegation finished", "delegation", req.DelegationID,
		"completed", res.CompletedTasks, "failed", res.FailedTasks, "wall_clock", wallClock)

	return res, nil
}

// adapt picks sequential under heavy pool load, parallel otherwise.
func (c *Coordinator) adapt() Strategy {
	capacity := c.agents.TotalCapacity()
	if capacity == 0 {
		return StrategySequential
	}
	load := float64(c.ActiveTasks()) / float64(capacity)
	if load > 0.8 {
		return StrategySequential
	}
	return StrategyParallel
}

// runParallel assigns every task immediately and polls until none remain in
// flight. No ordering guarantee; aggregation must stay order-independent.
func (c *Coordinator) runParallel(ctx context.Context, tasks []Task) []*Execution {
	execs := make([]*Execution, 0, len(tasks))
	for i := range tasks {
		execs = append(execs, c.AssignTask(ctx, tasks[i]))
	}
	c.await(ctx, execs)
	return execs
}

// runSequential assigns and fully awaits each task before the next. When
// pipelining, step i+1's input carries step i's result under pipelineInput;
// any non-completed step halts the run and cancels the remainder.
func (c *Coordinator) runSequential(ctx context.Context, tasks []Task, pipeline bool) []*Execution {
	execs := make([]*Execution, 0, len(tasks))
	var prevResult map[string]any

	for i := range tasks {
		task := tasks[i]
		if pipeline && i > 0 {
			input := make(map[string]any, len(task.Input)+1)
			for k, v := range task.Input {
				input[k] = v
			}
			input["pipelineInput"] = prevResult
			task.Input = input
		}

		exec := c.AssignTask(ctx, task)
		execs = append(execs, exec)
		c.await(ctx, []*Execution{exec})

		if exec.Status != StatusCompleted {
			for _, rest := range tasks[i+1:] {
				execs = append(execs, c.cancelUnassigned(rest))
			}
			break
		}
		prevResult = exec.Result
	}
	return execs
}

// cancelUnassigned records a task that never ran because an earlier step in
// a sequential/pipeline delegation did not complete.
func (c *Coordinator) cancelUnassigned(task Task) *Execution {
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	exec := &Execution{
		TaskID: task.TaskID,
		Status: StatusCancelled,
		Error:  "cancelled: earlier task did not complete",
	}
	c.mu.Lock()
	c.executions[task.TaskID] = exec
	c.tasks[task.TaskID] = task
	c.mu.Unlock()
	return exec
}

// await polls on a fixed interval until every execution is terminal,
// timing out stuck executions along the way. Context cancellation marks
// the rest cancelled.
func (c *Coordinator) await(ctx context.Context, execs []*Execution) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		c.monitorTaskProgress()

		done := true
		c.mu.Lock()
		for _, exec := range execs {
			if !exec.Status.Terminal() {
				done = false
				break
			}
		}
		c.mu.Unlock()
		if done {
			return
		}

		select {
		case <-ctx.Done():
			for _, exec := range execs {
				c.finish(exec, StatusCancelled, nil, 0, "delegation cancelled")
			}
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) buildResult(req Request, execs []*Execution, wallClock time.Duration) *Result {
	res := &Result{
		DelegationID: req.DelegationID,
		TaskResults:  make(map[string]*Execution, len(execs)),
		WallClock:    wallClock,
	}

	for _, exec := range execs {
		res.TaskResults[exec.TaskID] = exec
		if exec.Status == StatusCompleted {
			res.CompletedTasks++
		} else {
			res.FailedTasks++
		}
	}

	res.Metrics = computeMetrics(execs, wallClock)

	aggregated, err := c.aggregateResults(execs, req.Aggregation)
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		return res
	}
	res.Aggregated = aggregated
	res.Success = res.FailedTasks == 0
	return res
}

func computeMetrics(execs []*Execution, wallClock time.Duration) Metrics {
	m := Metrics{AgentUtilization: make(map[string]int)}

	completed := 0
	var qualitySum float64
	for _, exec := range execs {
		if exec.AgentID != "" {
			m.AgentUtilization[exec.AgentID]++
		}
		if exec.Status != StatusCompleted {
			continue
		}
		completed++
		m.TotalExecutionTime += exec.Duration()
		qualitySum += exec.QualityScore
	}

	if completed > 0 {
		m.AverageTaskTime = m.TotalExecutionTime / time.Duration(completed)
		m.AverageQuality = qualitySum / float64(completed)
	}
	if wallClock > 0 && m.TotalExecutionTime > 0 {
		eff := float64(m.TotalExecutionTime) / float64(wallClock) * 100
		if eff > 100 {
			eff = 100
		}
		m.ParallelEfficiency = eff
	}
	return m
}

// ActiveTasks counts executions that are not yet terminal.
func (c *Coordinator) ActiveTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, exec := range c.executions {
		if !exec.Status.Terminal() {
			n++
		}
	}
	return n
}

// Execution returns a copy of the record for a task.
func (c *Coordinator) Execution(taskID string) (Execution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exec, ok := c.executions[taskID]
	if !ok {
		return Execution{}, false
	}
	return *exec, true
}

// Monitor runs the timeout sweep and the agent liveness monitor until the
// context is cancelled.
func (c *Coordinator) Monitor(ctx context.Context) {
	go c.agents.Monitor(ctx.Done(), c.cfg.HeartbeatInterval)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.monitorTaskProgress()
		}
	}
}

func (c *Coordinator) publishDelegationEvent(delegationID, eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	data["delegation_id"] = delegationID
	if err := c.events.PublishEvent(natsbus.TopicEventsDelegation(delegationID), eventType, data); err != nil {
		slog.Debug("delegation event publish failed", "type", eventType, "error", err)
	}
}

func (c *Coordinator) publishAgentEvent(agentID, eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishEvent(natsbus.TopicEventsAgent(agentID), eventType, data); err != nil {
		slog.Debug("agent event publish failed", "type", eventType, "error", err)
	}
}
