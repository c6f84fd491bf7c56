// Package metrics provides lightweight in-process counters for the gateway.
// Metrics are keyed by "topic/function" paths and exposed as JSON snapshots
// through the /stats endpoint.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// CounterMetric tracks incrementing values
type CounterMetric struct {
	mu    sync.Mutex
	Value int64
	Last  time.Time
}

// GaugeMetric tracks values that can go up or down
type GaugeMetric struct {
	mu    sync.Mutex
	Value int64
	Min   int64
	Max   int64
	Last  time.Time
}

// HitMissMetric tracks cache hit/miss statistics
type HitMissMetric struct {
	mu     sync.Mutex
	Hits   int64
	Misses int64
}

// TimingMetric tracks duration statistics
type TimingMetric struct {
	mu    sync.Mutex
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	Last  time.Duration
}

// SuccessFailMetric tracks success and failure counts with failure reasons
type SuccessFailMetric struct {
	mu             sync.Mutex
	Success        int64
	Failures       int64
	FailureReasons map[string]int64
}

// Manager holds all metrics, keyed by path.
type Manager struct {
	mu          sync.RWMutex
	counters    map[string]*CounterMetric
	gauges      map[string]*GaugeMetric
	hitMiss     map[string]*HitMissMetric
	timings     map[string]*TimingMetric
	successFail map[string]*SuccessFailMetric
	startedAt   time.Time
}

var (
	instance *Manager
	once     sync.Once
)

// GetInstance returns the process-wide metrics manager.
func GetInstance() *Manager {
	once.Do(func() {
		instance = NewManager()
	})
	return instance
}

// NewManager creates an empty metrics manager. Tests use this to avoid
// sharing state through the singleton.
func NewManager() *Manager {
	return &Manager{
		counters:    make(map[string]*CounterMetric),
		gauges:      make(map[string]*GaugeMetric),
		hitMiss:     make(map[string]*HitMissMetric),
		timings:     make(map[string]*TimingMetric),
		successFail: make(map[string]*SuccessFailMetric),
		startedAt:   time.Now(),
	}
}

func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return topic + "/" + function
}

// IncrementCounter adds 1 to a counter.
func (m *Manager) IncrementCounter(topic, function string) {
	m.AddCounter(topic, function, 1)
}

// AddCounter adds delta to a counter.
func (m *Manager) AddCounter(topic, function string, delta int64) {
	path := buildPath(topic, function)

	m.mu.Lock()
	c, ok := m.counters[path]
	if !ok {
		c = &CounterMetric{}
		m.counters[path] = c
	}
	m.mu.Unlock()

	c.mu.Lock()
	c.Value += delta
	c.Last = time.Now()
	c.mu.Unlock()
}

// CounterValue returns the current value of a counter (0 if absent).
func (m *Manager) CounterValue(topic, function string) int64 {
	path := buildPath(topic, function)

	m.mu.RLock()
	c, ok := m.counters[path]
	m.mu.RUnlock()
	if !ok {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Value
}

// SetGauge sets a gauge value.
func (m *Manager) SetGauge(topic, function string, value int64) {
	path := buildPath(topic, function)

	m.mu.Lock()
	g, ok := m.gauges[path]
	if !ok {
		g = &GaugeMetric{Min: value, Max: value}
		m.gauges[path] = g
	}
	m.mu.Unlock()

	g.mu.Lock()
	g.Value = value
	if value < g.Min {
		g.Min = value
	}
	if value > g.Max {
		g.Max = value
	}
	g.Last = time.Now()
	g.mu.Unlock()
}

// RecordHit records a cache hit.
func (m *Manager) RecordHit(topic, function string) {
	hm := m.hitMissFor(buildPath(topic, function))
	hm.mu.Lock()
	hm.Hits++
	hm.mu.Unlock()
}

// RecordMiss records a cache miss.
func (m *Manager) RecordMiss(topic, function string) {
	hm := m.hitMissFor(buildPath(topic, function))
	hm.mu.Lock()
	hm.Misses++
	hm.mu.Unlock()
}

func (m *Manager) hitMissFor(path string) *HitMissMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	hm, ok := m.hitMiss[path]
	if !ok {
		hm = &HitMissMetric{}
		m.hitMiss[path] = hm
	}
	return hm
}

// RecordDuration records a duration sample.
func (m *Manager) RecordDuration(topic, function string, d time.Duration) {
	path := buildPath(topic, function)

	m.mu.Lock()
	t, ok := m.timings[path]
	if !ok {
		t = &TimingMetric{Min: d, Max: d}
		m.timings[path] = t
	}
	m.mu.Unlock()

	t.mu.Lock()
	t.Count++
	t.Total += d
	t.Last = d
	if d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.mu.Unlock()
}

// RecordSuccess records a successful operation.
func (m *Manager) RecordSuccess(topic, function string) {
	sf := m.successFailFor(buildPath(topic, function))
	sf.mu.Lock()
	sf.Success++
	sf.mu.Unlock()
}

// RecordFailure records a failed operation with an optional reason.
func (m *Manager) RecordFailure(topic, function, reason string) {
	sf := m.successFailFor(buildPath(topic, function))
	sf.mu.Lock()
	sf.Failures++
	if reason != "" {
		if sf.FailureReasons == nil {
			sf.FailureReasons = make(map[string]int64)
		}
		sf.FailureReasons[reason]++
	}
	sf.mu.Unlock()
}

func (m *Manager) successFailFor(path string) *SuccessFailMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	sf, ok := m.successFail[path]
	if !ok {
		sf = &SuccessFailMetric{}
		m.successFail[path] = sf
	}
	return sf
}

// Snapshot types for JSON serialization.
type CounterSnapshot struct {
	Value int64 `json:"value"`
}

type GaugeSnapshot struct {
	Value int64 `json:"value"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

type HitMissSnapshot struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type TimingSnapshot struct {
	Count  int64   `json:"count"`
	AvgMs  float64 `json:"avg_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	LastMs float64 `json:"last_ms"`
}

type SuccessFailSnapshot struct {
	Success        int64            `json:"success"`
	Failures       int64            `json:"failures"`
	SuccessRate    float64          `json:"success_rate"`
	FailureReasons map[string]int64 `json:"failure_reasons,omitempty"`
}

// Snapshot is a point-in-time view of every metric, keyed by path.
type Snapshot struct {
	UptimeSeconds int64                          `json:"uptime_seconds"`
	Counters      map[string]CounterSnapshot     `json:"counters,omitempty"`
	Gauges        map[string]GaugeSnapshot       `json:"gauges,omitempty"`
	HitMiss       map[string]HitMissSnapshot     `json:"hit_miss,omitempty"`
	Timings       map[string]TimingSnapshot      `json:"timings,omitempty"`
	Operations    map[string]SuccessFailSnapshot `json:"operations,omitempty"`
}

// TakeSnapshot collects every metric into a serializable snapshot.
func (m *Manager) TakeSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: int64(time.Since(m.startedAt).Seconds()),
	}

	if len(m.counters) > 0 {
		snap.Counters = make(map[string]CounterSnapshot, len(m.counters))
		for path, c := range m.counters {
			c.mu.Lock()
			snap.Counters[path] = CounterSnapshot{Value: c.Value}
			c.mu.Unlock()
		}
	}

	if len(m.gauges) > 0 {
		snap.Gauges = make(map[string]GaugeSnapshot, len(m.gauges))
		for path, g := range m.gauges {
			g.mu.Lock()
			snap.Gauges[path] = GaugeSnapshot{Value: g.Value, Min: g.Min, Max: g.Max}
			g.mu.Unlock()
		}
	}

	if len(m.hitMiss) > 0 {
		snap.HitMiss = make(map[string]HitMissSnapshot, len(m.hitMiss))
		for path, hm := range m.hitMiss {
			hm.mu.Lock()
			total := hm.Hits + hm.Misses
			rate := 0.0
			if total > 0 {
				rate = float64(hm.Hits) / float64(total)
			}
			snap.HitMiss[path] = HitMissSnapshot{Hits: hm.Hits, Misses: hm.Misses, HitRate: rate}
			hm.mu.Unlock()
		}
	}

	if len(m.timings) > 0 {
		snap.Timings = make(map[string]TimingSnapshot, len(m.timings))
		for path, t := range m.timings {
			t.mu.Lock()
			avg := 0.0
			if t.Count > 0 {
				avg = float64(t.Total.Milliseconds()) / float64(t.Count)
			}
			snap.Timings[path] = TimingSnapshot{
				Count:  t.Count,
				AvgMs:  avg,
				MinMs:  float64(t.Min.Microseconds()) / 1000,
				MaxMs:  float64(t.Max.Microseconds()) / 1000,
				LastMs: float64(t.Last.Microseconds()) / 1000,
			}
			t.mu.Unlock()
		}
	}

	if len(m.successFail) > 0 {
		snap.Operations = make(map[string]SuccessFailSnapshot, len(m.successFail))
		for path, sf := range m.successFail {
			sf.mu.Lock()
			total := sf.Success + sf.Failures
			rate := 0.0
			if total > 0 {
				rate = float64(sf.Success) / float64(total)
			}
			reasons := make(map[string]int64, len(sf.FailureReasons))
			for k, v := range sf.FailureReasons {
				reasons[k] = v
			}
			if len(reasons) == 0 {
				reasons = nil
			}
			snap.Operations[path] = SuccessFailSnapshot{
				Success:        sf.Success,
				Failures:       sf.Failures,
				SuccessRate:    rate,
				FailureReasons: reasons,
			}
			sf.mu.Unlock()
		}
	}

	return snap
}

// Paths returns every known metric path sorted, for diagnostics.
func (m *Manager) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for p := range m.counters {
		seen[p] = struct{}{}
	}
	for p := range m.gauges {
		seen[p] = struct{}{}
	}
	for p := range m.hitMiss {
		seen[p] = struct{}{}
	}
	for p := range m.timings {
		seen[p] = struct{}{}
	}
	for p := range m.successFail {
		seen[p] = struct{}{}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
