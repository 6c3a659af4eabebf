package delegate

import (
	"time"

	"github.com/meshwork/plexus/internal/message"
)

type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyPipeline   Strategy = "pipeline"
	StrategyAdaptive   Strategy = "adaptive"
)

type ExecStatus string

const (
	StatusPending    ExecStatus = "pending"
	StatusAssigned   ExecStatus = "assigned"
	StatusInProgress ExecStatus = "in_progress"
	StatusCompleted  ExecStatus = "completed"
	StatusFailed     ExecStatus = "failed"
	StatusCancelled  ExecStatus = "cancelled"
	StatusTimeout    ExecStatus = "timeout"
)

// Terminal reports whether the status is final. Late results for terminal
// executions are discarded.
func (s ExecStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Task is one unit of work inside a delegation. Ephemeral: it exists for
// the lifetime of the request.
type Task struct {
	TaskID       string           `json:"task_id"`
	Operation    string           `json:"operation"`
	Input        map[string]any   `json:"input,omitempty"`
	Priority     message.Priority `json:"priority,omitempty"`
	Timeout      time.Duration    `json:"timeout,omitempty"`
	Dependencies []string         `json:"dependencies,omitempty"`
	MaxRetries   int              `json:"max_retries,omitempty"`
}

// Execution is the record of one task's run. AgentID is immutable once
// assigned; reassignment produces a new record.
type Execution struct {
	TaskID       string         `json:"task_id"`
	AgentID      string         `json:"agent_id,omitempty"`
	Status       ExecStatus     `json:"status"`
	StartTime    time.Time      `json:"start_time,omitempty"`
	EndTime      time.Time      `json:"end_time,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	QualityScore float64        `json:"quality_score,omitempty"`
	Retries      int            `json:"retries,omitempty"`

	timeout time.Duration
}

func (e *Execution) Duration() time.Duration {
	if e.StartTime.IsZero() || e.EndTime.IsZero() {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

type AggregationMethod string

const (
	AggregateMerge           AggregationMethod = "merge"
	AggregateSelectBest      AggregationMethod = "select_best"
	AggregateVote            AggregationMethod = "vote"
	AggregateWeightedAverage AggregationMethod = "weighted_average"
	AggregateCustom          AggregationMethod = "custom"
)

type AggregationRule struct {
	Method AggregationMethod `json:"method"`
}

// Request is one unit of delegated work owning N tasks.
type Request struct {
	DelegationID string          `json:"delegation_id"`
	Tasks        []Task          `json:"tasks"`
	Strategy     Strategy        `json:"strategy"`
	Aggregation  AggregationRule `json:"aggregation"`
}

type Metrics struct {
	TotalExecutionTime time.Duration  `json:"total_execution_time"`
	AverageTaskTime    time.Duration  `json:"average_task_time"`
	ParallelEfficiency float64        `json:"parallel_efficiency"` // 0..100
	AgentUtilization   map[string]int `json:"agent_utilization"`
	AverageQuality     float64        `json:"average_quality"`
}

// Result carries both successes and failures back to the caller; partial
// failure is recoverable here, never an all-or-nothing error.
type Result struct {
	DelegationID   string                `json:"delegation_id"`
	Success        bool                  `json:"success"`
	CompletedTasks int                   `json:"completed_tasks"`
	FailedTasks    int                   `json:"failed_tasks"`
	TaskResults    map[string]*Execution `json:"task_results"`
	Aggregated     map[string]any        `json:"aggregated,omitempty"`
	Metrics        Metrics               `json:"metrics"`
	Error          string                `json:"error,omitempty"`
	WallClock      time.Duration         `json:"wall_clock"`
}

// ScaleAction is a scaling recommendation for the agent pool.
type ScaleAction string

const (
	ScaleUp       ScaleAction = "scale_up"
	ScaleDown     ScaleAction = "scale_down"
	ScaleMaintain ScaleAction = "maintain"
)

type ScaleDecision struct {
	Action          ScaleAction `json:"action"`
	Utilization     float64     `json:"utilization"` // 0..1
	Confidence      float64     `json:"confidence"`  // 0..1
	EstimatedImpact string      `json:"estimated_impact"`
}
