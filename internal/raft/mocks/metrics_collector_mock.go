package mocks

import (
	"sync"
	"time"
)

// MockMetricsCollector is a mock implementation of consensus.MetricsCollector and heartbeat.MetricsCollector for
// testing
type MockMetricsCollector struct {
	mu                    sync.RWMutex
	ReplicateLatencies    []time.Duration
	RecordsCommitted      int
	AppendEntriesCount    int
	RequestVoteCount      int
	ElectionCount         int
	ElectionDurations     []time.Duration
	ReorderedReplyCount   int
	GroupUnavailableCount int
	FailedAppendCount     int
	HeartbeatRequestCount int
	HeartbeatEntriesCount int
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{}
}

func (m *MockMetricsCollector) RecordReplicateLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReplicateLatencies = append(m.ReplicateLatencies, latency)
}

func (m *MockMetricsCollector) RecordRecordsCommitted(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordsCommitted += n
}

func (m *MockMetricsCollector) RecordAppendEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendEntriesCount++
}

func (m *MockMetricsCollector) RecordRequestVote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestVoteCount++
}

func (m *MockMetricsCollector) RecordElection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionCount++
}

func (m *MockMetricsCollector) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionDurations = append(m.ElectionDurations, duration)
}

func (m *MockMetricsCollector) RecordReorderedReply() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReorderedReplyCount++
}

func (m *MockMetricsCollector) RecordGroupUnavailable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GroupUnavailableCount++
}

func (m *MockMetricsCollector) RecordFailedAppend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedAppendCount++
}

func (m *MockMetricsCollector) RecordHeartbeatRequest(groups int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatRequestCount++
	m.HeartbeatEntriesCount += groups
}

// Snapshot returns a copy of the recorded counters, safe to read while the collector is in use
func (m *MockMetricsCollector) Snapshot() MockMetricsCollector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MockMetricsCollector{
		ReplicateLatencies:    append([]time.Duration(nil), m.ReplicateLatencies...),
		RecordsCommitted:      m.RecordsCommitted,
		AppendEntriesCount:    m.AppendEntriesCount,
		RequestVoteCount:      m.RequestVoteCount,
		ElectionCount:         m.ElectionCount,
		ElectionDurations:     append([]time.Duration(nil), m.ElectionDurations...),
		ReorderedReplyCount:   m.ReorderedReplyCount,
		GroupUnavailableCount: m.GroupUnavailableCount,
		FailedAppendCount:     m.FailedAppendCount,
		HeartbeatRequestCount: m.HeartbeatRequestCount,
		HeartbeatEntriesCount: m.HeartbeatEntriesCount,
	}
}

// Reset clears all recorded metrics
func (m *MockMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReplicateLatencies = nil
	m.RecordsCommitted = 0
	m.AppendEntriesCount = 0
	m.RequestVoteCount = 0
	m.ElectionCount = 0
	m.ElectionDurations = nil
	m.ReorderedReplyCount = 0
	m.GroupUnavailableCount = 0
	m.FailedAppendCount = 0
	m.HeartbeatRequestCount = 0
	m.HeartbeatEntriesCount = 0
}
