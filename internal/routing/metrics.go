package routing

// Metrics aggregates routing outcomes across all targets. Latency and
// success rate are EMA blends with the same smoothing factor as the
// per-server stats, so a burst of failures moves the rolling rate quickly
// without erasing history.
type Metrics struct {
	TotalMessages   uint64  `json:"total_messages"`
	Delivered       uint64  `json:"delivered"`
	Failed          uint64  `json:"failed"`
	Unrouted        uint64  `json:"unrouted"`
	Failovers       uint64  `json:"failovers"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	SuccessRate     float64 `json:"success_rate"` // 0..100
}

func (m *Metrics) record(latencyMs float64, success bool) {
	m.TotalMessages++
	if success {
		m.Delivered++
	} else {
		m.Failed++
	}

	if m.AvgLatencyMs == 0 {
		m.AvgLatencyMs = latencyMs
	} else {
		m.AvgLatencyMs = emaAlpha*latencyMs + (1-emaAlpha)*m.AvgLatencyMs
	}

	outcome := 0.0
	if success {
		outcome = 100.0
	}
	if m.TotalMessages == 1 {
		m.SuccessRate = outcome
	} else {
		m.SuccessRate = emaAlpha*outcome + (1-emaAlpha)*m.SuccessRate
	}
}

func (m *Metrics) recordUnrouted() {
	m.TotalMessages++
	m.Unrouted++
	m.Failed++
}
