package observability

import (
	"sync"
	"time"
)

type StepSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec   int64                   `json:"uptime_sec"`
	TotalSteps  int64                   `json:"total_steps"`
	TotalErrors int64                   `json:"total_errors"`
	InFlight    int64                   `json:"in_flight"`
	Duplicates  int64                   `json:"duplicate_triggers"`
	Outcomes    map[string]int64        `json:"outcomes"`
	Lifecycle   *LifecycleSnapshot      `json:"lifecycle,omitempty"`
	Steps       map[string]StepSnapshot `json:"steps"`
}

type stepStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics tracks saga step activity and execution outcomes. All methods are
// safe on a nil receiver.
type Metrics struct {
	mu         sync.Mutex
	start      time.Time
	steps      map[string]*stepStats
	outcomes   map[string]int64
	duplicates int64
	lifecycle  lifecycleStats
}

type StepSpan struct {
	metrics *Metrics
	step    string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		steps:    make(map[string]*stepStats),
		outcomes: make(map[string]int64),
	}
}

func (m *Metrics) StartStep(step string) *StepSpan {
	if m == nil {
		return &StepSpan{}
	}
	m.mu.Lock()
	stats := m.ensureStep(step)
	stats.inFlight++
	m.mu.Unlock()
	return &StepSpan{
		metrics: m,
		step:    step,
		start:   time.Now(),
	}
}

func (s *StepSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.step, dur, err != nil)
}

func (m *Metrics) AddOutcome(outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()
}

func (m *Metrics) AddDuplicate() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.duplicates++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:  int64(now.Sub(m.start).Seconds()),
		Steps:      make(map[string]StepSnapshot),
		Outcomes:   make(map[string]int64),
		Duplicates: m.duplicates,
	}

	for outcome, count := range m.outcomes {
		snap.Outcomes[outcome] = count
	}

	for step, stats := range m.steps {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Steps[step] = StepSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalSteps += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureStep(step string) *stepStats {
	stats, ok := m.steps[step]
	if !ok {
		stats = &stepStats{}
		m.steps[step] = stats
	}
	return stats
}

func (m *Metrics) finish(step string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureStep(step)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
