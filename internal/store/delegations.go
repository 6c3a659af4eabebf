package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshwork/plexus/internal/delegate"
)

// DelegationRecord is the stored summary of one delegation run.
type DelegationRecord struct {
	ID             string         `json:"id"`
	Success        bool           `json:"success"`
	CompletedTasks int            `json:"completed_tasks"`
	FailedTasks    int            `json:"failed_tasks"`
	Aggregated     map[string]any `json:"aggregated,omitempty"`
	Metrics        map[string]any `json:"metrics,omitempty"`
	Error          string         `json:"error,omitempty"`
	WallClock      time.Duration  `json:"wall_clock"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SaveDelegation upserts the delegation summary. Together with SaveExecution
// it implements the coordinator's Archiver.
func (s *Store) SaveDelegation(res *delegate.Result) error {
	aggregated, err := json.Marshal(res.Aggregated)
	if err != nil {
		return fmt.Errorf("marshal aggregated: %w", err)
	}
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO delegations (id, success, completed_tasks, failed_tasks, aggregated, metrics, error, wall_clock_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			success = excluded.success,
			completed_tasks = excluded.completed_tasks,
			failed_tasks = excluded.failed_tasks,
			aggregated = excluded.aggregated,
			metrics = excluded.metrics,
			error = excluded.error,
			wall_clock_ms = excluded.wall_clock_ms`,
		res.DelegationID, res.Success, res.CompletedTasks, res.FailedTasks,
		string(aggregated), string(metrics), res.Error, res.WallClock.Milliseconds())
	if err != nil {
		return fmt.Errorf("save delegation %s: %w", res.DelegationID, err)
	}
	return nil
}

func (s *Store) SaveExecution(delegationID string, exec *delegate.Execution) error {
	result, err := json.Marshal(exec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	var started, ended any
	if !exec.StartTime.IsZero() {
		started = exec.StartTime.UTC()
	}
	if !exec.EndTime.IsZero() {
		ended = exec.EndTime.UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO executions (task_id, delegation_id, agent_id, status, result, error, quality_score, retries, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(delegation_id, task_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			quality_score = excluded.quality_score,
			retries = excluded.retries,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`,
		exec.TaskID, delegationID, exec.AgentID, string(exec.Status),
		string(result), exec.Error, exec.QualityScore, exec.Retries, started, ended)
	if err != nil {
		return fmt.Errorf("save execution %s: %w", exec.TaskID, err)
	}
	return nil
}

func (s *Store) GetDelegation(id string) (*DelegationRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, success, completed_tasks, failed_tasks, aggregated, metrics, error, wall_clock_ms, created_at
		FROM delegations WHERE id = ?`, id)

	rec, err := scanDelegation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("delegation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get delegation %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) ListDelegations(limit int) ([]DelegationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, success, completed_tasks, failed_tasks, aggregated, metrics, error, wall_clock_ms, created_at
		FROM delegations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()

	var out []DelegationRecord
	for rows.Next() {
		rec, err := scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ExecutionRecord mirrors one executions row.
type ExecutionRecord struct {
	TaskID       string         `json:"task_id"`
	DelegationID string         `json:"delegation_id"`
	AgentID      string         `json:"agent_id,omitempty"`
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	QualityScore float64        `json:"quality_score"`
	Retries      int            `json:"retries"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
}

func (s *Store) ListExecutions(delegationID string) ([]ExecutionRecord, error) {
	rows, err := s.db.Query(`
		SELECT task_id, delegation_id, agent_id, status, result, error, quality_score, retries, started_at, ended_at
		FROM executions WHERE delegation_id = ? ORDER BY task_id`, delegationID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var result sql.NullString
		var agentID, errText sql.NullString
		var started, ended sql.NullTime
		if err := rows.Scan(&rec.TaskID, &rec.DelegationID, &agentID, &rec.Status,
			&result, &errText, &rec.QualityScore, &rec.Retries, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.AgentID = agentID.String
		rec.Error = errText.String
		if result.Valid && result.String != "" && result.String != "null" {
			_ = json.Unmarshal([]byte(result.String), &rec.Result)
		}
		if started.Valid {
			t := started.Time
			rec.StartedAt = &t
		}
		if ended.Valid {
			t := ended.Time
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelegation(row rowScanner) (*DelegationRecord, error) {
	var rec DelegationRecord
	var aggregated, metrics, errText sql.NullString
	var wallClockMs int64
	if err := row.Scan(&rec.ID, &rec.Success, &rec.CompletedTasks, &rec.FailedTasks,
		&aggregated, &metrics, &errText, &wallClockMs, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Error = errText.String
	rec.WallClock = time.Duration(wallClockMs) * time.Millisecond
	if aggregated.Valid && aggregated.String != "" && aggregated.String != "null" {
		_ = json.Unmarshal([]byte(aggregated.String), &rec.Aggregated)
	}
	if metrics.Valid && metrics.String != "" && metrics.String != "null" {
		_ = json.Unmarshal([]byte(metrics.String), &rec.Metrics)
	}
	return &rec, nil
}
