package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Metrics tracks a session's pipeline outcomes.
type Metrics struct {
	mu sync.RWMutex

	SignalsSeen   int
	Copied        int
	Failed        int
	Duplicates    int
	Stale         int
	FOKRejected   int
	SkipReasons   map[string]int
	USDCDeployed  float64
	FeesPaid      float64
	RealizedPnL   float64

	latencyMin   time.Duration
	latencyMax   time.Duration
	latencyTotal time.Duration
	latencyCount int
}

// NewMetrics creates empty session metrics.
func NewMetrics() *Metrics {
	return &Metrics{SkipReasons: make(map[string]int)}
}

func (m *Metrics) recordSignal() {
	m.mu.Lock()
	m.SignalsSeen++
	m.mu.Unlock()
}

func (m *Metrics) recordCopied(notional, fee float64, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Copied++
	m.USDCDeployed += notional
	m.FeesPaid += fee

	if m.latencyCount == 0 || latency < m.latencyMin {
		m.latencyMin = latency
	}
	if latency > m.latencyMax {
		m.latencyMax = latency
	}
	m.latencyTotal += latency
	m.latencyCount++
}

func (m *Metrics) recordSkip(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SkipReasons[reason]++
	switch reason {
	case ReasonStaleSignal:
		m.Stale++
	case ReasonDuplicateTxHash:
		m.Duplicates++
	case ReasonSimFOKRejected:
		m.FOKRejected++
	}
}

func (m *Metrics) recordFailed(reason string) {
	m.mu.Lock()
	m.Failed++
	if strings.HasPrefix(reason, ReasonSimFOKRejected) {
		m.FOKRejected++
	}
	m.mu.Unlock()
}

func (m *Metrics) recordRealized(pnl float64) {
	m.mu.Lock()
	m.RealizedPnL += pnl
	m.mu.Unlock()
}

// Snapshot returns a copy safe to serialize.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reasons := make(map[string]int, len(m.SkipReasons))
	var skipped int
	for k, v := range m.SkipReasons {
		reasons[k] = v
		skipped += v
	}

	snap := MetricsSnapshot{
		SignalsSeen:  m.SignalsSeen,
		Copied:       m.Copied,
		Skipped:      skipped,
		Failed:       m.Failed,
		Duplicates:   m.Duplicates,
		Stale:        m.Stale,
		FOKRejected:  m.FOKRejected,
		SkipReasons:  reasons,
		USDCDeployed: m.USDCDeployed,
		FeesPaid:     m.FeesPaid,
		RealizedPnL:  m.RealizedPnL,
	}
	if m.latencyCount > 0 {
		snap.LatencyMinMS = m.latencyMin.Milliseconds()
		snap.LatencyMaxMS = m.latencyMax.Milliseconds()
		snap.LatencyAvgMS = (m.latencyTotal / time.Duration(m.latencyCount)).Milliseconds()
	}
	return snap
}

// MetricsSnapshot is the JSON-friendly view served by the metrics endpoint.
type MetricsSnapshot struct {
	SignalsSeen  int            `json:"signals_seen"`
	Copied       int            `json:"copied"`
	Skipped      int            `json:"skipped"`
	Failed       int            `json:"failed"`
	Duplicates   int            `json:"duplicates"`
	Stale        int            `json:"stale"`
	FOKRejected  int            `json:"fok_rejected"`
	SkipReasons  map[string]int `json:"skip_reasons"`
	USDCDeployed float64        `json:"usdc_deployed"`
	FeesPaid     float64        `json:"fees_paid"`
	RealizedPnL  float64        `json:"realized_pnl"`
	LatencyMinMS int64          `json:"latency_min_ms"`
	LatencyAvgMS int64          `json:"latency_avg_ms"`
	LatencyMaxMS int64          `json:"latency_max_ms"`
}

// Summary renders the end-of-session log line.
func (s MetricsSnapshot) Summary() string {
	return fmt.Sprintf(
		"signals=%d copied=%d skipped=%d failed=%d duplicates=%d stale=%d fok_rejected=%d deployed=$%.2f fees=$%.4f pnl=$%.2f latency(ms) min/avg/max=%d/%d/%d",
		s.SignalsSeen, s.Copied, s.Skipped, s.Failed, s.Duplicates, s.Stale, s.FOKRejected,
		s.USDCDeployed, s.FeesPaid, s.RealizedPnL,
		s.LatencyMinMS, s.LatencyAvgMS, s.LatencyMaxMS)
}
