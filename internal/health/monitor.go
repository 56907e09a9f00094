// Package health aggregates request and ingestion metrics into rolling
// windows and derives an overall healthy/warning/critical status from
// configured thresholds. Counters are shared across all in-flight
// operations; the rolling window is approximate by design.
package health

import (
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultSampleCap bounds the ring of timestamped samples backing the
	// recency-windowed metrics.
	DefaultSampleCap = 300

	// DefaultWindow is the trailing window for rate and percentile
	// metrics.
	DefaultWindow = time.Minute
)

// Thresholds are the full-severity caps. Warning triggers at the fraction
// given by WarningRatio.
type Thresholds struct {
	MemoryBytes  uint64
	ErrorRate    float64
	AvgLatency   time.Duration
	SlowRequest  time.Duration
	WarningRatio float64
}

// DefaultThresholds returns the stock configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryBytes:  512 << 20,
		ErrorRate:    0.10,
		AvgLatency:   time.Second,
		SlowRequest:  5 * time.Second,
		WarningRatio: 0.8,
	}
}

// Level is the derived overall status.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// AlertType tags threshold-crossing alert events.
type AlertType string

const (
	AlertSlowRequest    AlertType = "slow_request"
	AlertHighErrorRate  AlertType = "high_error_rate"
	AlertMemoryHigh     AlertType = "memory_high"
	AlertMemoryCritical AlertType = "memory_critical"
)

// Alert is an asynchronous threshold-crossing notification.
type Alert struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Operation string    `json:"operation,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// sample is one timestamped observation.
type sample struct {
	at      time.Time
	latency time.Duration
	success bool
	isEvent bool
}

// opLatencyCap bounds the per-operation latency ring backing the rolling
// average.
const opLatencyCap = 100

// opStats keeps per-operation counters and a ring of recent latencies so
// the reported average tracks current behavior, not process lifetime.
type opStats struct {
	count  int64
	errors int64

	recent [opLatencyCap]time.Duration
	idx    int
	filled int
}

func (o *opStats) observe(d time.Duration) {
	o.recent[o.idx] = d
	o.idx = (o.idx + 1) % opLatencyCap
	if o.filled < opLatencyCap {
		o.filled++
	}
}

func (o *opStats) rollingAvg() time.Duration {
	if o.filled == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < o.filled; i++ {
		total += o.recent[i]
	}
	return total / time.Duration(o.filled)
}

// Monitor is the health aggregator.
type Monitor struct {
	mu         sync.Mutex
	total      int64
	errors     int64
	operations map[string]*opStats
	samples    []sample
	sampleIdx  int
	sampleLen  int

	thresholds Thresholds
	window     time.Duration
	logger     *slog.Logger
	now        func() time.Time

	subscribersMu sync.RWMutex
	subscribers   []chan Alert

	// memUsage reads current memory consumption; replaceable in tests.
	memUsage func() uint64
}

// Option configures the monitor.
type Option func(*Monitor)

// WithThresholds overrides the stock thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) {
		if t.WarningRatio <= 0 || t.WarningRatio >= 1 {
			t.WarningRatio = DefaultThresholds().WarningRatio
		}
		m.thresholds = t
	}
}

// WithWindow overrides the trailing metrics window.
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithMemoryProbe overrides the memory reading, for tests.
func WithMemoryProbe(probe func() uint64) Option {
	return func(m *Monitor) {
		m.memUsage = probe
	}
}

// New creates a health monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		operations: make(map[string]*opStats),
		samples:    make([]sample, DefaultSampleCap),
		thresholds: DefaultThresholds(),
		window:     DefaultWindow,
		logger:     slog.Default(),
		now:        time.Now,
		memUsage:   heapInUse,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// RecordRequest records the outcome of one boundary operation.
func (m *Monitor) RecordRequest(operation string, start time.Time, success bool, end time.Time) {
	latency := end.Sub(start)

	m.mu.Lock()
	m.total++
	if !success {
		m.errors++
	}
	stats, ok := m.operations[operation]
	if !ok {
		stats = &opStats{}
		m.operations[operation] = stats
	}
	stats.count++
	if !success {
		stats.errors++
	}
	stats.observe(latency)

	m.pushSample(sample{at: end, latency: latency, success: success})
	errorRate := m.errorRateLocked()
	m.mu.Unlock()

	if latency > m.thresholds.SlowRequest {
		m.emit(Alert{
			Type:      AlertSlowRequest,
			Message:   "request exceeded slow threshold",
			Operation: operation,
			Timestamp: end,
		})
	}
	if errorRate > m.thresholds.ErrorRate {
		m.emit(Alert{
			Type:      AlertHighErrorRate,
			Message:   "error rate above threshold",
			Timestamp: end,
		})
	}
}

// RecordEvent records ingestion latency for one processed event.
func (m *Monitor) RecordEvent(eventType string, processingTime time.Duration) {
	now := m.now()

	m.mu.Lock()
	stats, ok := m.operations["event:"+eventType]
	if !ok {
		stats = &opStats{}
		m.operations["event:"+eventType] = stats
	}
	stats.count++
	stats.observe(processingTime)
	m.pushSample(sample{at: now, latency: processingTime, success: true, isEvent: true})
	m.mu.Unlock()
}

// pushSample appends into the fixed ring. Caller holds the lock.
func (m *Monitor) pushSample(s sample) {
	m.samples[m.sampleIdx] = s
	m.sampleIdx = (m.sampleIdx + 1) % len(m.samples)
	if m.sampleLen < len(m.samples) {
		m.sampleLen++
	}
}

func (m *Monitor) errorRateLocked() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.errors) / float64(m.total)
}

// windowed returns the samples inside the trailing window. Caller holds
// the lock.
func (m *Monitor) windowed() []sample {
	cutoff := m.now().Add(-m.window)
	out := make([]sample, 0, m.sampleLen)
	for i := 0; i < m.sampleLen; i++ {
		s := m.samples[i]
		if !s.at.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Percentiles summarizes windowed latency.
type Percentiles struct {
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// OperationStats is the per-operation report entry.
type OperationStats struct {
	Count      int64         `json:"count"`
	Errors     int64         `json:"errors"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// Report is the full health status payload.
type Report struct {
	Status            Level                     `json:"status"`
	TotalRequests     int64                     `json:"total_requests"`
	ErrorRate         float64                   `json:"error_rate"`
	MemoryBytes       uint64                    `json:"memory_bytes"`
	RequestsPerMinute float64                   `json:"requests_per_minute"`
	EventsPerMinute   float64                   `json:"events_per_minute"`
	Latency           Percentiles               `json:"latency"`
	Operations        map[string]OperationStats `json:"operations,omitempty"`
}

// Status derives the overall health report. With detailed=false the
// per-operation breakdown is omitted.
func (m *Monitor) Status(detailed bool) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	windowed := m.windowed()

	var requests, events int
	latencies := make([]time.Duration, 0, len(windowed))
	var totalLatency time.Duration
	for _, s := range windowed {
		if s.isEvent {
			events++
			continue
		}
		requests++
		latencies = append(latencies, s.latency)
		totalLatency += s.latency
	}

	perMinute := float64(time.Minute) / float64(m.window)
	report := Report{
		TotalRequests:     m.total,
		ErrorRate:         m.errorRateLocked(),
		MemoryBytes:       m.memUsage(),
		RequestsPerMinute: float64(requests) * perMinute,
		EventsPerMinute:   float64(events) * perMinute,
		Latency:           percentiles(latencies),
	}

	var avgLatency time.Duration
	if requests > 0 {
		avgLatency = totalLatency / time.Duration(requests)
	}
	report.Status = m.level(report.MemoryBytes, report.ErrorRate, avgLatency)

	if detailed {
		report.Operations = make(map[string]OperationStats, len(m.operations))
		for name, stats := range m.operations {
			report.Operations[name] = OperationStats{
				Count:      stats.count,
				Errors:     stats.errors,
				AvgLatency: stats.rollingAvg(),
			}
		}
	}
	return report
}

// level combines the three independent thresholds by max severity.
func (m *Monitor) level(memory uint64, errorRate float64, avgLatency time.Duration) Level {
	t := m.thresholds
	level := LevelHealthy

	check := func(value, limit float64) {
		switch {
		case value >= limit:
			level = LevelCritical
		case value >= limit*t.WarningRatio && level != LevelCritical:
			level = LevelWarning
		}
	}
	check(float64(memory), float64(t.MemoryBytes))
	check(errorRate, t.ErrorRate)
	check(float64(avgLatency), float64(t.AvgLatency))
	return level
}

// CheckMemory probes current memory against the thresholds and emits the
// matching alert. Intended to be called periodically.
func (m *Monitor) CheckMemory() {
	usage := m.memUsage()
	t := m.thresholds
	switch {
	case usage >= t.MemoryBytes:
		m.emit(Alert{Type: AlertMemoryCritical, Message: "memory above critical threshold", Timestamp: m.now()})
	case float64(usage) >= float64(t.MemoryBytes)*t.WarningRatio:
		m.emit(Alert{Type: AlertMemoryHigh, Message: "memory above warning threshold", Timestamp: m.now()})
	}
}

// Subscribe returns a channel receiving threshold alerts. Slow consumers
// drop alerts rather than blocking the recording path.
func (m *Monitor) Subscribe() <-chan Alert {
	ch := make(chan Alert, 16)
	m.subscribersMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subscribersMu.Unlock()
	return ch
}

func (m *Monitor) emit(alert Alert) {
	m.subscribersMu.RLock()
	defer m.subscribersMu.RUnlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- alert:
		default:
		}
	}
	m.logger.Warn("health alert",
		slog.String("type", string(alert.Type)),
		slog.String("operation", alert.Operation),
	)
}

// percentiles computes p50/p90/p95/p99 via nearest-rank over the sorted
// window.
func percentiles(latencies []time.Duration) Percentiles {
	if len(latencies) == 0 {
		return Percentiles{}
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := func(p float64) time.Duration {
		idx := int(p*float64(len(sorted))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return Percentiles{
		P50: rank(0.50),
		P90: rank(0.90),
		P95: rank(0.95),
		P99: rank(0.99),
	}
}
