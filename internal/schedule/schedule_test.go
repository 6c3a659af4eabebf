package schedule

import (
	"testing"
	"time"
)

func TestParseJSON(t *testing.T) {
	s, err := Parse(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Kind != KindCron || s.CronExpr != "0 9 * * *" {
		t.Errorf("unexpected schedule %+v", s)
	}

	s, err = Parse(`{"kind":"interval","interval_ms":60000}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.IntervalMs != 60000 {
		t.Errorf("unexpected interval %d", s.IntervalMs)
	}
}

func TestParseBareCron(t *testing.T) {
	s, err := Parse("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Kind != KindCron || s.CronExpr != "*/5 * * * *" {
		t.Errorf("expected wrapped cron, got %+v", s)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, raw := range []string{
		"not a cron",
		`{"kind":"cron","cron_expr":"bad"}`,
		`{"kind":"interval","interval_ms":0}`,
		`{"kind":"once","at_ms":-5}`,
		`{"kind":"bogus"}`,
	} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestNextCron(t *testing.T) {
	s := &Schedule{Kind: KindCron, CronExpr: "* * * * *"}
	now := time.Now()
	next, ok := s.Next(now)
	if !ok {
		t.Fatal("expected next run")
	}
	if !next.After(now) {
		t.Error("expected next run in the future")
	}
}

func TestNextInterval(t *testing.T) {
	s := &Schedule{Kind: KindInterval, IntervalMs: 60000}
	now := time.Now()
	next, ok := s.Next(now)
	if !ok {
		t.Fatal("expected next run")
	}
	if got := next.Sub(now); got != time.Minute {
		t.Errorf("expected one minute out, got %v", got)
	}
}

func TestNextOnce(t *testing.T) {
	future := time.Now().Add(time.Hour)
	s := &Schedule{Kind: KindOnce, AtMs: future.UnixMilli()}
	next, ok := s.Next(time.Now())
	if !ok {
		t.Fatal("expected next run for future instant")
	}
	if next.UnixMilli() != future.UnixMilli() {
		t.Errorf("expected %v, got %v", future, next)
	}

	// A past instant has no future run.
	s.AtMs = time.Now().Add(-time.Hour).UnixMilli()
	if _, ok := s.Next(time.Now()); ok {
		t.Error("expected no next run for past once schedule")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	s := &Schedule{Kind: KindInterval, IntervalMs: 300000}
	raw, err := s.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse encoded: %v", err)
	}
	if parsed.IntervalMs != s.IntervalMs {
		t.Errorf("round trip lost interval: %+v", parsed)
	}
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		s    Schedule
		want string
	}{
		{Schedule{Kind: KindCron, CronExpr: "0 2 * * *"}, "cron 0 2 * * *"},
		{Schedule{Kind: KindInterval, IntervalMs: 90000}, "every 1m30s"},
	}
	for _, c := range cases {
		if got := c.s.Describe(); got != c.want {
			t.Errorf("Describe() = %q, want %q", got, c.want)
		}
	}
	once := Schedule{Kind: KindOnce, AtMs: time.Now().UnixMilli()}
	if got := once.Describe(); got == "" {
		t.Error("expected non-empty description")
	}
}
