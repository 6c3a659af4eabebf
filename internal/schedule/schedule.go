// Package schedule encodes when a recurring delegation fires: a cron
// expression, a fixed interval, or a single future instant.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Schedule struct {
	Kind       string `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

// Parse accepts either the JSON encoding or a bare cron expression, which
// gets wrapped as a cron schedule. The result is validated.
func Parse(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return &s, nil
	}

	if !gronx.New().IsValid(raw) {
		return nil, fmt.Errorf("invalid schedule: not valid JSON or cron expression: %s", raw)
	}
	return &Schedule{Kind: KindCron, CronExpr: raw}, nil
}

func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// Next returns the next fire time after now, or false when the schedule has
// no future run (a once schedule whose instant has passed).
func (s *Schedule) Next(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		return now.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case KindOnce:
		at := time.UnixMilli(s.AtMs)
		if at.After(now) {
			return at, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// Encode returns the canonical JSON form for storage.
func (s *Schedule) Encode() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Describe returns a short human-readable form for CLI and API listings.
func (s *Schedule) Describe() string {
	switch s.Kind {
	case KindCron:
		return "cron " + s.CronExpr
	case KindInterval:
		return "every " + (time.Duration(s.IntervalMs) * time.Millisecond).String()
	case KindOnce:
		return "once at " + time.UnixMilli(s.AtMs).Format(time.RFC3339)
	default:
		return s.Kind
	}
}
