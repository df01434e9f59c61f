package bridge

import (
	"sync/atomic"
	"time"
)

// Counter is a thread-safe counter
type Counter struct {
	value int64
}

// Add adds a delta to the counter
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	c.Add(1)
}

// Value returns the current counter value
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to 0
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// Metrics holds bridge metrics
type Metrics struct {
	// Guarded call outcomes
	CallsCompleted    Counter
	AbortsIntercepted Counter
	FaultsTrapped     Counter

	// Per-operation counters
	WritesSubmitted     Counter
	RangeReadsSubmitted Counter
	ReadsSubmitted      Counter
	DatalinkInits       Counter
	PacketsReceived     Counter
	PacketsDispatched   Counter

	// Bytes
	BytesReceived Counter

	// Timestamps
	startTime    time.Time
	lastActivity atomic.Int64
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// RecordActivity records the last activity time
func (m *Metrics) RecordActivity() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last activity time
func (m *Metrics) LastActivity() time.Time {
	ns := m.lastActivity.Load()
	if ns == 0 {
		return m.startTime
	}
	return time.Unix(0, ns)
}

// Uptime returns the time since metrics started
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.CallsCompleted.Reset()
	m.AbortsIntercepted.Reset()
	m.FaultsTrapped.Reset()
	m.WritesSubmitted.Reset()
	m.RangeReadsSubmitted.Reset()
	m.ReadsSubmitted.Reset()
	m.DatalinkInits.Reset()
	m.PacketsReceived.Reset()
	m.PacketsDispatched.Reset()
	m.BytesReceived.Reset()
	m.startTime = time.Now()
	m.lastActivity.Store(0)
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Uptime: m.Uptime(),

		CallsCompleted:    m.CallsCompleted.Value(),
		AbortsIntercepted: m.AbortsIntercepted.Value(),
		FaultsTrapped:     m.FaultsTrapped.Value(),

		WritesSubmitted:     m.WritesSubmitted.Value(),
		RangeReadsSubmitted: m.RangeReadsSubmitted.Value(),
		ReadsSubmitted:      m.ReadsSubmitted.Value(),
		DatalinkInits:       m.DatalinkInits.Value(),
		PacketsReceived:     m.PacketsReceived.Value(),
		PacketsDispatched:   m.PacketsDispatched.Value(),

		BytesReceived: m.BytesReceived.Value(),

		LastActivity: m.LastActivity(),
	}
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	Uptime time.Duration

	CallsCompleted    int64
	AbortsIntercepted int64
	FaultsTrapped     int64

	WritesSubmitted     int64
	RangeReadsSubmitted int64
	ReadsSubmitted      int64
	DatalinkInits       int64
	PacketsReceived     int64
	PacketsDispatched   int64

	BytesReceived int64

	LastActivity time.Time
}
