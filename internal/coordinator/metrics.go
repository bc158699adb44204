package coordinator

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"cnote.dev/go/cnote/internal/protocol"
)

// Metrics collects sync counters for observability
type Metrics struct {
	startTime time.Time

	// Counters (use atomic for lock-free updates)
	MessagesReceived atomic.Int64
	MessagesSent     atomic.Int64
	MalformedDropped atomic.Int64
	RateLimitDrops   atomic.Int64
	SessionsStarted  atomic.Int64
	SyncsCompleted   atomic.Int64
	SyncsFailed      atomic.Int64
	ProtocolTimeouts atomic.Int64

	// Message counters by type
	msgCountersMu sync.RWMutex
	msgReceived   map[protocol.MessageType]int64
	msgSent       map[protocol.MessageType]int64

	// Bytes transferred
	BytesReceived atomic.Int64
	BytesSent     atomic.Int64

	// Error tracking (ring buffer)
	errorsMu   sync.RWMutex
	errors     []ErrorEntry
	errorIndex int

	// Latency tracking (ring buffers for the last N samples)
	latencyMu      sync.RWMutex
	mergeLatency   []time.Duration
	sessionLatency []time.Duration
	mergeIndex     int
	sessionIndex   int
}

// ErrorEntry records an error event
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Peer    string    `json:"peer,omitempty"`
}

// MetricsSnapshot is a point-in-time view of all metrics
type MetricsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	UptimeSec float64   `json:"uptime_sec"`

	System         SystemMetrics  `json:"system"`
	Counters       CounterMetrics `json:"counters"`
	MessagesByType MessageMetrics `json:"messages_by_type"`
	Latencies      LatencyMetrics `json:"latencies"`
	RecentErrors   []ErrorEntry   `json:"recent_errors"`
}

// SystemMetrics contains runtime information
type SystemMetrics struct {
	GoVersion    string  `json:"go_version"`
	NumGoroutine int     `json:"num_goroutine"`
	MemAllocMB   float64 `json:"mem_alloc_mb"`
	NumGC        uint32  `json:"num_gc"`
}

// CounterMetrics contains cumulative counters
type CounterMetrics struct {
	MessagesReceived int64 `json:"messages_received"`
	MessagesSent     int64 `json:"messages_sent"`
	BytesReceived    int64 `json:"bytes_received"`
	BytesSent        int64 `json:"bytes_sent"`
	MalformedDropped int64 `json:"malformed_dropped"`
	RateLimitDrops   int64 `json:"rate_limit_drops"`
	SessionsStarted  int64 `json:"sessions_started"`
	SyncsCompleted   int64 `json:"syncs_completed"`
	SyncsFailed      int64 `json:"syncs_failed"`
	ProtocolTimeouts int64 `json:"protocol_timeouts"`
}

// MessageMetrics breaks down messages by type
type MessageMetrics struct {
	Received map[protocol.MessageType]int64 `json:"received"`
	Sent     map[protocol.MessageType]int64 `json:"sent"`
}

// LatencyMetrics contains latency statistics
type LatencyMetrics struct {
	MergeAvgMs   float64 `json:"merge_avg_ms"`
	MergeP95Ms   float64 `json:"merge_p95_ms"`
	MergeMaxMs   float64 `json:"merge_max_ms"`
	SessionAvgMs float64 `json:"session_avg_ms"`
	SessionP95Ms float64 `json:"session_p95_ms"`
	SessionMaxMs float64 `json:"session_max_ms"`
}

const (
	maxErrorEntries   = 50
	maxLatencySamples = 50
)

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:      time.Now(),
		msgReceived:    make(map[protocol.MessageType]int64),
		msgSent:        make(map[protocol.MessageType]int64),
		errors:         make([]ErrorEntry, maxErrorEntries),
		mergeLatency:   make([]time.Duration, maxLatencySamples),
		sessionLatency: make([]time.Duration, maxLatencySamples),
	}
}

// RecordMessageReceived records a received message
func (m *Metrics) RecordMessageReceived(msgType protocol.MessageType, size int) {
	m.MessagesReceived.Add(1)
	m.BytesReceived.Add(int64(size))

	m.msgCountersMu.Lock()
	m.msgReceived[msgType]++
	m.msgCountersMu.Unlock()
}

// RecordMessageSent records a sent message
func (m *Metrics) RecordMessageSent(msgType protocol.MessageType, size int) {
	m.MessagesSent.Add(1)
	m.BytesSent.Add(int64(size))

	m.msgCountersMu.Lock()
	m.msgSent[msgType]++
	m.msgCountersMu.Unlock()
}

// RecordError records an error event
func (m *Metrics) RecordError(errType, message, peer string) {
	entry := ErrorEntry{
		Time:    time.Now(),
		Type:    errType,
		Message: message,
		Peer:    peer,
	}

	m.errorsMu.Lock()
	m.errors[m.errorIndex] = entry
	m.errorIndex = (m.errorIndex + 1) % maxErrorEntries
	m.errorsMu.Unlock()
}

// RecordMergeLatency records how long a merge and apply took
func (m *Metrics) RecordMergeLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.mergeLatency[m.mergeIndex] = d
	m.mergeIndex = (m.mergeIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// RecordSessionLatency records the time from connection to completion
func (m *Metrics) RecordSessionLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.sessionLatency[m.sessionIndex] = d
	m.sessionIndex = (m.sessionIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// MessagesReceivedByType returns the received count for one message type
func (m *Metrics) MessagesReceivedByType(msgType protocol.MessageType) int64 {
	m.msgCountersMu.RLock()
	defer m.msgCountersMu.RUnlock()
	return m.msgReceived[msgType]
}

// Snapshot returns a point-in-time view of all metrics
func (m *Metrics) Snapshot() *MetricsSnapshot {
	now := time.Now()
	uptime := now.Sub(m.startTime)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.msgCountersMu.RLock()
	received := make(map[protocol.MessageType]int64, len(m.msgReceived))
	for k, v := range m.msgReceived {
		received[k] = v
	}
	sent := make(map[protocol.MessageType]int64, len(m.msgSent))
	for k, v := range m.msgSent {
		sent[k] = v
	}
	m.msgCountersMu.RUnlock()

	// newest first
	m.errorsMu.RLock()
	recentErrors := make([]ErrorEntry, 0, maxErrorEntries)
	for i := 0; i < maxErrorEntries; i++ {
		idx := (m.errorIndex - 1 - i + maxErrorEntries) % maxErrorEntries
		if !m.errors[idx].Time.IsZero() {
			recentErrors = append(recentErrors, m.errors[idx])
		}
	}
	m.errorsMu.RUnlock()

	return &MetricsSnapshot{
		Timestamp: now,
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		System: SystemMetrics{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAllocMB:   float64(memStats.Alloc) / 1024 / 1024,
			NumGC:        memStats.NumGC,
		},
		Counters: CounterMetrics{
			MessagesReceived: m.MessagesReceived.Load(),
			MessagesSent:     m.MessagesSent.Load(),
			BytesReceived:    m.BytesReceived.Load(),
			BytesSent:        m.BytesSent.Load(),
			MalformedDropped: m.MalformedDropped.Load(),
			RateLimitDrops:   m.RateLimitDrops.Load(),
			SessionsStarted:  m.SessionsStarted.Load(),
			SyncsCompleted:   m.SyncsCompleted.Load(),
			SyncsFailed:      m.SyncsFailed.Load(),
			ProtocolTimeouts: m.ProtocolTimeouts.Load(),
		},
		MessagesByType: MessageMetrics{
			Received: received,
			Sent:     sent,
		},
		Latencies:    m.calculateLatencyStats(),
		RecentErrors: recentErrors,
	}
}

func (m *Metrics) calculateLatencyStats() LatencyMetrics {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()

	merge := computeLatencyStats(m.mergeLatency)
	session := computeLatencyStats(m.sessionLatency)

	return LatencyMetrics{
		MergeAvgMs:   merge.avg,
		MergeP95Ms:   merge.p95,
		MergeMaxMs:   merge.max,
		SessionAvgMs: session.avg,
		SessionP95Ms: session.p95,
		SessionMaxMs: session.max,
	}
}

type latencyStats struct {
	avg, p95, max float64
}

func computeLatencyStats(samples []time.Duration) latencyStats {
	var valid []time.Duration
	for _, d := range samples {
		if d > 0 {
			valid = append(valid, d)
		}
	}

	if len(valid) == 0 {
		return latencyStats{}
	}

	var total time.Duration
	maxVal := time.Duration(0)
	for _, d := range valid {
		total += d
		if d > maxVal {
			maxVal = d
		}
	}
	avg := total / time.Duration(len(valid))

	// insertion sort, the buffers are small
	sorted := make([]time.Duration, len(valid))
	copy(sorted, valid)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	p95Index := int(float64(len(sorted)) * 0.95)
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}

	return latencyStats{
		avg: float64(avg.Microseconds()) / 1000,
		p95: float64(sorted[p95Index].Microseconds()) / 1000,
		max: float64(maxVal.Microseconds()) / 1000,
	}
}
