package routing

import (
	"fmt"
	"slices"
	"sync"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// emaAlpha is the smoothing factor for latency and success-rate blends.
const emaAlpha = 0.1

type Performance struct {
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	SuccessRate  float64 `json:"success_rate"` // 0..100
}

// Entry is one server's routing record: where it lives, what it can do, and
// how it has been performing.
type Entry struct {
	ServerID     string       `json:"server_id"`
	Endpoints    []string     `json:"endpoints,omitempty"`
	Capabilities []string     `json:"capabilities"`
	Health       HealthStatus `json:"health"`
	Load         float64      `json:"load"` // 0..100
	Perf         Performance  `json:"performance"`
}

func (e *Entry) HasCapability(cap string) bool {
	return slices.Contains(e.Capabilities, cap)
}

// Table is the ID-keyed routing table. Both the periodic health loop and
// inline routing outcomes mutate entries through the same methods so the two
// writers never diverge.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

func (t *Table) Upsert(e Entry) error {
	if e.ServerID == "" {
		return fmt.Errorf("server ID is required")
	}
	if e.Health == "" {
		e.Health = HealthHealthy
	}
	if e.Perf.SuccessRate == 0 {
		e.Perf.SuccessRate = 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.ServerID] = &e
	return nil
}

func (t *Table) Remove(serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, serverID)
}

// Get returns a copy of the entry so readers never observe in-place updates.
func (t *Table) Get(serverID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[serverID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns copies of all entries, sorted by server ID for stable
// iteration (round-robin depends on a deterministic order).
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.ServerID < b.ServerID:
			return -1
		case a.ServerID > b.ServerID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// RecordOutcome blends one delivery outcome into the entry's EMA stats.
// Unknown servers are ignored.
func (t *Table) RecordOutcome(serverID string, latencyMs float64, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[serverID]
	if !ok {
		return
	}

	if e.Perf.AvgLatencyMs == 0 {
		e.Perf.AvgLatencyMs = latencyMs
	} else {
		e.Perf.AvgLatencyMs = emaAlpha*latencyMs + (1-emaAlpha)*e.Perf.AvgLatencyMs
	}

	outcome := 0.0
	if success {
		outcome = 100.0
	}
	e.Perf.SuccessRate = emaAlpha*outcome + (1-emaAlpha)*e.Perf.SuccessRate
}

func (t *Table) SetHealth(serverID string, h HealthStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[serverID]; ok {
		e.Health = h
	}
}

func (t *Table) SetLoad(serverID string, load float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[serverID]; ok {
		if load < 0 {
			load = 0
		}
		if load > 100 {
			load = 100
		}
		e.Load = load
	}
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
