package store

import (
	"database/sql"
	"fmt"
	"time"
)

// DelegationSchedule is a stored recurring delegation: the schedule column
// holds the encoded schedule (cron/interval/once) and request holds the JSON
// delegation request template submitted on each run.
type DelegationSchedule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Request    string     `json:"request"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (s *Store) CreateSchedule(sched DelegationSchedule) error {
	_, err := s.db.Exec(`
		INSERT INTO delegation_schedules (id, name, schedule, request, status, next_run_at)
		VALUES (?, ?, ?, ?, 'active', ?)`,
		sched.ID, sched.Name, sched.Schedule, sched.Request, sched.NextRunAt)
	if err != nil {
		return fmt.Errorf("create schedule %s: %w", sched.ID, err)
	}
	return nil
}

func (s *Store) ListSchedules() ([]DelegationSchedule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, schedule, request, status, next_run_at, last_run_at, last_status, last_error, created_at
		FROM delegation_schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// GetDueSchedules returns active schedules whose next run is at or before
// the given instant.
func (s *Store) GetDueSchedules(now time.Time) ([]DelegationSchedule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, schedule, request, status, next_run_at, last_run_at, last_status, last_error, created_at
		FROM delegation_schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// UpdateScheduleRun records the outcome of one run and the next due time.
// A nil nextRun leaves the schedule with no future run.
func (s *Store) UpdateScheduleRun(id, lastStatus, lastError string, nextRun *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE delegation_schedules
		SET last_run_at = ?, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`,
		time.Now().UTC(), lastStatus, lastError, nextRun, id)
	if err != nil {
		return fmt.Errorf("update schedule run %s: %w", id, err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE delegation_schedules SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update schedule status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}

func (s *Store) DeleteSchedule(id string) error {
	res, err := s.db.Exec(`DELETE FROM delegation_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}

func scanSchedules(rows *sql.Rows) ([]DelegationSchedule, error) {
	var out []DelegationSchedule
	for rows.Next() {
		var sched DelegationSchedule
		var nextRun, lastRun sql.NullTime
		var lastStatus, lastError sql.NullString
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.Schedule, &sched.Request,
			&sched.Status, &nextRun, &lastRun, &lastStatus, &lastError, &sched.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if nextRun.Valid {
			t := nextRun.Time
			sched.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sched.LastRunAt = &t
		}
		sched.LastStatus = lastStatus.String
		sched.LastError = lastError.String
		out = append(out, sched)
	}
	return out, rows.Err()
}
