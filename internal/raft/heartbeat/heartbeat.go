package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"multiraft/internal/raft"

	"github.com/google/uuid"
)

/*
Heartbeat batching

A node leads many groups, and most of them share the same peers. Instead of one heartbeat per group per follower,
the Manager asks every registered group which followers are due, buckets the answers per peer and sends one
HeartbeatRequest per peer carrying the ProtocolMetadata of all those groups. The HeartbeatReply carries one
AppendEntriesReply per group, which is routed back to the group it belongs to.

A failed request affects every group of the batch the same way: each one is told that its follower did not answer.
Batches are capped at MaxGroupsPerBatch and sent concurrently, so one slow peer never delays the others.
*/

// ErrMissingReply is reported to a group when the peer's reply has no entry for it
var ErrMissingReply = errors.New("heartbeat: reply has no entry for the group")

// Target is one heartbeat a group wants to send. The Manager hands it back unchanged with the outcome, so the group
// can match the outcome to the request (Seq) and to the log position it was sent with (Meta.PrevLogIndex).
type Target struct {
	Node raft.NodeID
	Seq  raft.FollowerReqSeq
	Meta raft.ProtocolMetadata
}

func (t Target) String() string {
	return fmt.Sprintf("{node: %s, seq: %d, meta: %s}", t.Node, t.Seq, t.Meta)
}

// Group is a locally led group which takes part in heartbeat batching.
//
// Every Target returned by HeartbeatTargets is answered exactly once, either with ProcessHeartbeatReply or with
// ProcessHeartbeatFailure.
type Group interface {
	GroupID() raft.GroupID
	HeartbeatTargets(ctx context.Context, now time.Time) ([]Target, error)
	ProcessHeartbeatReply(target Target, reply *raft.AppendEntriesReply)
	ProcessHeartbeatFailure(target Target, err error)
}

// Sender delivers a batched heartbeat to a peer
type Sender interface {
	Heartbeat(ctx context.Context, target raft.NodeID, req *raft.HeartbeatRequest) (*raft.HeartbeatReply, error)
}

// MetricsCollector is an optional interface for collecting heartbeat metrics
type MetricsCollector interface {
	// RecordHeartbeatRequest records one batched request carrying the metadata of groups groups
	RecordHeartbeatRequest(groups int)
}

type nopMetrics struct{}

func (nopMetrics) RecordHeartbeatRequest(int) {}

const (
	DefaultInterval          = 50 * time.Millisecond
	DefaultTimeout           = 100 * time.Millisecond
	DefaultMaxGroupsPerBatch = 512
)

// Config configures a Manager
type Config struct {
	// Self is the id of the local node, the sender of every request
	Self     raft.NodeID
	Interval time.Duration
	// Timeout bounds a single batched request
	Timeout           time.Duration
	MaxGroupsPerBatch int
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxGroupsPerBatch <= 0 {
		c.MaxGroupsPerBatch = DefaultMaxGroupsPerBatch
	}
}

// Option configures optional collaborators of a Manager
type Option func(*Manager)

func WithLogger(l raft.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mc MetricsCollector) Option {
	return func(m *Manager) { m.metrics = mc }
}

func WithClock(c raft.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager drives the heartbeats of every group led by the local node
type Manager struct {
	cfg     Config
	sender  Sender
	metrics MetricsCollector
	logger  raft.Logger
	clock   raft.Clock

	mu     sync.RWMutex
	groups map[raft.GroupID]Group

	running atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

func NewManager(cfg Config, sender Sender, opts ...Option) *Manager {
	cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		sender:  sender,
		metrics: nopMetrics{},
		logger:  raft.NopLogger(),
		clock:   raft.SystemClock(),
		groups:  make(map[raft.GroupID]Group),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a group to the next rounds
func (m *Manager) Register(g Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[g.GroupID()]; ok {
		return fmt.Errorf("%w: %d", raft.ErrGroupExists, g.GroupID())
	}
	m.groups[g.GroupID()] = g
	return nil
}

// Deregister removes a group. A round already in progress may still process it.
func (m *Manager) Deregister(id raft.GroupID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, id)
}

// Groups returns the number of registered groups
func (m *Manager) Groups() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups)
}

// Start runs a round every Interval until Stop is called
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

// Stop waits for the current round to finish
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stopCh
		cancel()
	}()

	m.logger.Infof("[HEARTBEAT] Started, interval %v, %d groups per batch", m.cfg.Interval, m.cfg.MaxGroupsPerBatch)
	for {
		select {
		case <-m.stopCh:
			m.logger.Infof("[HEARTBEAT] Stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

type pending struct {
	group  Group
	target Target
}

// Tick runs one heartbeat round and returns once every batch has been answered or has failed
func (m *Manager) Tick(ctx context.Context) {
	now := m.clock.Now()

	m.mu.RLock()
	groups := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.RUnlock()

	// Deterministic batch contents make the logs easier to follow
	sort.Slice(groups, func(i, j int) bool { return groups[i].GroupID() < groups[j].GroupID() })

	byPeer := make(map[raft.NodeID][]pending)
	for _, g := range groups {
		targets, err := g.HeartbeatTargets(ctx, now)
		if err != nil {
			m.logger.Debugf("[HEARTBEAT] Skipping group %d: %v", g.GroupID(), err)
			continue
		}
		for _, t := range targets {
			byPeer[t.Node] = append(byPeer[t.Node], pending{group: g, target: t})
		}
	}

	var wg sync.WaitGroup
	for peer, list := range byPeer {
		for start := 0; start < len(list); start += m.cfg.MaxGroupsPerBatch {
			batch := list[start:min(start+m.cfg.MaxGroupsPerBatch, len(list))]
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.send(ctx, peer, batch)
			}()
		}
	}
	wg.Wait()
}

func (m *Manager) send(ctx context.Context, peer raft.NodeID, batch []pending) {
	batchID := uuid.New()

	req := &raft.HeartbeatRequest{
		NodeID: m.cfg.Self,
		Meta:   make([]raft.ProtocolMetadata, 0, len(batch)),
	}
	for _, p := range batch {
		req.Meta = append(req.Meta, p.target.Meta)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	reply, err := m.sender.Heartbeat(ctx, peer, req)
	m.metrics.RecordHeartbeatRequest(len(batch))
	if err != nil {
		m.logger.Debugf("[HEARTBEAT] Batch %s to %s with %d groups failed: %v", batchID, peer, len(batch), err)
		for _, p := range batch {
			p.group.ProcessHeartbeatFailure(p.target, err)
		}
		return
	}

	replies := make(map[raft.GroupID]*raft.AppendEntriesReply, len(reply.Meta))
	for i := range reply.Meta {
		replies[reply.Meta[i].Group] = &reply.Meta[i]
	}

	missing := 0
	for _, p := range batch {
		r, ok := replies[p.target.Meta.Group]
		if !ok {
			missing++
			p.group.ProcessHeartbeatFailure(p.target, ErrMissingReply)
			continue
		}
		p.group.ProcessHeartbeatReply(p.target, r)
	}
	if missing > 0 {
		m.logger.Warnf("[HEARTBEAT] Batch %s to %s: %d of %d groups missing from the reply", batchID, peer, missing,
			len(batch))
	}
}
