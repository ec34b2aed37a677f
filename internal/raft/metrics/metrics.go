package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects performance metrics for every group of a node. It implements the MetricsCollector interfaces of
// the consensus and heartbeat packages and is safe for concurrent use.
type Metrics struct {
	mu sync.RWMutex

	// Replicate latencies (time from submission to the requested consistency level)
	replicateLatencies []time.Duration

	// RPC counters
	appendEntriesCount    atomic.Uint64
	requestVoteCount      atomic.Uint64
	heartbeatRequestCount atomic.Uint64
	// heartbeatGroupCount is the number of group entries carried by heartbeat requests
	heartbeatGroupCount atomic.Uint64

	// Replication anomalies
	failedAppendCount     atomic.Uint64
	reorderedReplyCount   atomic.Uint64
	groupUnavailableCount atomic.Uint64

	// Throughput tracking
	recordsCommitted atomic.Uint64
	startTime        time.Time

	// Leader election metrics
	electionCount    atomic.Uint64
	electionDuration []time.Duration
	electionMu       sync.Mutex
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		replicateLatencies: make([]time.Duration, 0, 10000), // Pre-allocate for performance
		electionDuration:   make([]time.Duration, 0, 100),
		startTime:          time.Now(),
	}
}

// RecordReplicateLatency records the latency of a single replicate call
func (m *Metrics) RecordReplicateLatency(latency time.Duration) {
	m.mu.Lock()
	m.replicateLatencies = append(m.replicateLatencies, latency)
	m.mu.Unlock()
}

// RecordRecordsCommitted adds n to the count of committed records
func (m *Metrics) RecordRecordsCommitted(n int) {
	if n > 0 {
		m.recordsCommitted.Add(uint64(n))
	}
}

func (m *Metrics) RecordAppendEntries() {
	m.appendEntriesCount.Add(1)
}

func (m *Metrics) RecordRequestVote() {
	m.requestVoteCount.Add(1)
}

// RecordHeartbeatRequest records one batched heartbeat request carrying groups entries
func (m *Metrics) RecordHeartbeatRequest(groups int) {
	m.heartbeatRequestCount.Add(1)
	m.heartbeatGroupCount.Add(uint64(groups))
}

func (m *Metrics) RecordFailedAppend() {
	m.failedAppendCount.Add(1)
}

// RecordReorderedReply records a reply dropped because a newer one was already processed
func (m *Metrics) RecordReorderedReply() {
	m.reorderedReplyCount.Add(1)
}

// RecordGroupUnavailable records a follower answering that it does not host the group
func (m *Metrics) RecordGroupUnavailable() {
	m.groupUnavailableCount.Add(1)
}

// RecordElection records a leader election occurrence
func (m *Metrics) RecordElection() {
	m.electionCount.Add(1)
}

// RecordElectionDuration records how long a won election took
func (m *Metrics) RecordElectionDuration(duration time.Duration) {
	m.electionMu.Lock()
	m.electionDuration = append(m.electionDuration, duration)
	m.electionMu.Unlock()
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetLatencyStats computes percentile statistics from recorded replicate latencies
func (m *Metrics) GetLatencyStats() LatencyStats {
	m.mu.RLock()
	latencies := append([]time.Duration(nil), m.replicateLatencies...)
	m.mu.RUnlock()
	return summarize(latencies)
}

// GetElectionStats returns statistics about won elections
func (m *Metrics) GetElectionStats() LatencyStats {
	m.electionMu.Lock()
	durations := append([]time.Duration(nil), m.electionDuration...)
	m.electionMu.Unlock()
	return summarize(durations)
}

// summarize sorts durations in place and computes their statistics in milliseconds
func summarize(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})

	ms := make([]float64, len(durations))
	var sum float64
	for i, d := range durations {
		ms[i] = float64(d.Microseconds()) / 1000.0
		sum += ms[i]
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// GetThroughput returns the current throughput in committed records/second
func (m *Metrics) GetThroughput() float64 {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()

	elapsed := time.Since(start).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.recordsCommitted.Load()) / elapsed
}

// Report contains all collected metrics
type Report struct {
	// Test configuration
	Nodes        int       `json:"nodes"`
	Groups       int       `json:"groups"`
	TestDuration float64   `json:"test_duration_seconds"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`

	// Throughput metrics
	RecordsCommitted uint64  `json:"records_committed"`
	ThroughputRecSec float64 `json:"throughput_records_per_sec"`

	// Latency metrics
	ReplicateLatency LatencyStats `json:"replicate_latency"`

	// Network metrics
	AppendEntriesCount    uint64 `json:"append_entries_count"`
	RequestVoteCount      uint64 `json:"request_vote_count"`
	HeartbeatRequestCount uint64 `json:"heartbeat_request_count"`
	HeartbeatGroupCount   uint64 `json:"heartbeat_group_count"`

	// Replication anomalies
	FailedAppendCount     uint64 `json:"failed_append_count"`
	ReorderedReplyCount   uint64 `json:"reordered_reply_count"`
	GroupUnavailableCount uint64 `json:"group_unavailable_count"`

	// Leader election metrics
	ElectionCount uint64       `json:"election_count"`
	ElectionStats LatencyStats `json:"election_stats"`
}

// GetReport generates a comprehensive performance report
func (m *Metrics) GetReport(nodes, groups int) Report {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()
	endTime := time.Now()

	return Report{
		Nodes:                 nodes,
		Groups:                groups,
		TestDuration:          endTime.Sub(start).Seconds(),
		StartTime:             start,
		EndTime:               endTime,
		RecordsCommitted:      m.recordsCommitted.Load(),
		ThroughputRecSec:      m.GetThroughput(),
		ReplicateLatency:      m.GetLatencyStats(),
		AppendEntriesCount:    m.appendEntriesCount.Load(),
		RequestVoteCount:      m.requestVoteCount.Load(),
		HeartbeatRequestCount: m.heartbeatRequestCount.Load(),
		HeartbeatGroupCount:   m.heartbeatGroupCount.Load(),
		FailedAppendCount:     m.failedAppendCount.Load(),
		ReorderedReplyCount:   m.reorderedReplyCount.Load(),
		GroupUnavailableCount: m.groupUnavailableCount.Load(),
		ElectionCount:         m.electionCount.Load(),
		ElectionStats:         m.GetElectionStats(),
	}
}

// GroupsPerHeartbeat is the average number of groups carried by one heartbeat request
func (r *Report) GroupsPerHeartbeat() float64 {
	if r.HeartbeatRequestCount == 0 {
		return 0
	}
	return float64(r.HeartbeatGroupCount) / float64(r.HeartbeatRequestCount)
}

// WriteTo writes the report in a human-readable format
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	line := strings.Repeat("=", 60)
	sep := strings.Repeat("-", 60)

	fmt.Fprintf(&b, "\n%s\nMULTI-RAFT PERFORMANCE REPORT\n%s\n", line, line)
	fmt.Fprintf(&b, "\nTest Configuration:\n")
	fmt.Fprintf(&b, "  Nodes: %d\n", r.Nodes)
	fmt.Fprintf(&b, "  Groups: %d\n", r.Groups)
	fmt.Fprintf(&b, "  Duration: %.2f seconds\n", r.TestDuration)
	fmt.Fprintf(&b, "  Start: %s\n", r.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "  End: %s\n", r.EndTime.Format("2006-01-02 15:04:05"))

	fmt.Fprintf(&b, "\n%s\nReplication\n%s\n", sep, sep)
	fmt.Fprintf(&b, "\nThroughput:\n")
	fmt.Fprintf(&b, "  Records Committed: %d\n", r.RecordsCommitted)
	fmt.Fprintf(&b, "  Throughput: %.2f records/sec\n", r.ThroughputRecSec)

	fmt.Fprintf(&b, "\nReplicate Latency:\n")
	if r.ReplicateLatency.Count > 0 {
		fmt.Fprintf(&b, "  Count: %d\n", r.ReplicateLatency.Count)
		fmt.Fprintf(&b, "  Min: %.3f ms\n", r.ReplicateLatency.Min)
		fmt.Fprintf(&b, "  Mean: %.3f ms\n", r.ReplicateLatency.Mean)
		fmt.Fprintf(&b, "  P50: %.3f ms\n", r.ReplicateLatency.P50)
		fmt.Fprintf(&b, "  P95: %.3f ms\n", r.ReplicateLatency.P95)
		fmt.Fprintf(&b, "  P99: %.3f ms\n", r.ReplicateLatency.P99)
		fmt.Fprintf(&b, "  Max: %.3f ms\n", r.ReplicateLatency.Max)
		fmt.Fprintf(&b, "  StdDev: %.3f ms\n", r.ReplicateLatency.StdDev)
	} else {
		fmt.Fprintf(&b, "  No data collected\n")
	}

	fmt.Fprintf(&b, "\nAnomalies:\n")
	fmt.Fprintf(&b, "  Failed Appends: %d\n", r.FailedAppendCount)
	fmt.Fprintf(&b, "  Reordered Replies: %d\n", r.ReorderedReplyCount)
	fmt.Fprintf(&b, "  Group Unavailable: %d\n", r.GroupUnavailableCount)

	fmt.Fprintf(&b, "\n%s\nNetwork & Message Metrics\n%s\n", sep, sep)
	fmt.Fprintf(&b, "\nRPC Counts:\n")
	fmt.Fprintf(&b, "  AppendEntries: %d\n", r.AppendEntriesCount)
	fmt.Fprintf(&b, "  RequestVote: %d\n", r.RequestVoteCount)
	fmt.Fprintf(&b, "  Heartbeats: %d (%.1f groups per request)\n", r.HeartbeatRequestCount, r.GroupsPerHeartbeat())
	fmt.Fprintf(&b, "  Total RPCs: %d\n", r.AppendEntriesCount+r.RequestVoteCount+r.HeartbeatRequestCount)

	fmt.Fprintf(&b, "\nLeader Elections:\n")
	fmt.Fprintf(&b, "  Election Count: %d\n", r.ElectionCount)
	if r.ElectionStats.Count > 0 {
		fmt.Fprintf(&b, "  Avg Duration: %.3f ms\n", r.ElectionStats.Mean)
		fmt.Fprintf(&b, "  P50 Duration: %.3f ms\n", r.ElectionStats.P50)
		fmt.Fprintf(&b, "  P95 Duration: %.3f ms\n", r.ElectionStats.P95)
	}
	fmt.Fprintf(&b, "\n%s\n", line)

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// PrintReport prints the report to stdout
func (r *Report) PrintReport() {
	_, _ = r.WriteTo(os.Stdout)
}

// SaveJSON saves the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", filename, err)
	}
	return nil
}

// Reset clears all collected metrics (useful for running multiple tests)
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.replicateLatencies = make([]time.Duration, 0, 10000)
	m.startTime = time.Now()
	m.mu.Unlock()

	m.electionMu.Lock()
	m.electionDuration = make([]time.Duration, 0, 100)
	m.electionMu.Unlock()

	m.appendEntriesCount.Store(0)
	m.requestVoteCount.Store(0)
	m.heartbeatRequestCount.Store(0)
	m.heartbeatGroupCount.Store(0)
	m.failedAppendCount.Store(0)
	m.reorderedReplyCount.Store(0)
	m.groupUnavailableCount.Store(0)
	m.recordsCommitted.Store(0)
	m.electionCount.Store(0)
}
