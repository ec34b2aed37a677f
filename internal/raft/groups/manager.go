package groups

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"multiraft/internal/raft"
	"multiraft/internal/raft/consensus"
	"multiraft/internal/raft/heartbeat"
	"multiraft/internal/raft/storage"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the number of independently locked shards of the group table
const DefaultShards = 16

// Storage hands out the log of every group hosted by the node
type Storage interface {
	Group(id raft.GroupID) (storage.Log, error)
	RemoveGroup(id raft.GroupID) error
}

// Config configures a Manager
type Config struct {
	Self   raft.NodeID
	Shards int
	// Consensus is the template of every group's configuration. Self, Group and Configuration are filled in by
	// Create.
	Consensus consensus.Config
}

// Deps are the collaborators shared by every group of the node. Storage and Transport are required.
type Deps struct {
	Storage    Storage
	Transport  consensus.Transport
	Heartbeats *heartbeat.Manager
	Notifier   consensus.Notifier
	Applier    consensus.Applier
	Metrics    consensus.MetricsCollector
	Logger     raft.Logger
}

type shard struct {
	mu     sync.RWMutex
	groups map[raft.GroupID]*consensus.Consensus
}

// Manager owns the groups hosted by the node and routes incoming requests to them
type Manager struct {
	cfg    Config
	deps   Deps
	logger raft.Logger
	shards []*shard
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if cfg.Self == "" {
		return nil, fmt.Errorf("%w: empty node id", raft.ErrInvalidConfiguration)
	}
	if deps.Storage == nil || deps.Transport == nil {
		return nil, fmt.Errorf("%w: group manager needs a storage and a transport", raft.ErrInvalidConfiguration)
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}

	m := &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		shards: make([]*shard, cfg.Shards),
	}
	if m.logger == nil {
		m.logger = raft.NopLogger()
	}
	for i := range m.shards {
		m.shards[i] = &shard{groups: make(map[raft.GroupID]*consensus.Consensus)}
	}
	return m, nil
}

func (m *Manager) shardFor(id raft.GroupID) *shard {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return m.shards[xxhash.Sum64(b[:])%uint64(len(m.shards))]
}

// Create starts hosting group id with the initial configuration conf. A configuration found in the group's log
// takes precedence.
func (m *Manager) Create(id raft.GroupID, conf raft.GroupConfiguration) (*consensus.Consensus, error) {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[id]; ok {
		return nil, fmt.Errorf("%w: %d", raft.ErrGroupExists, id)
	}

	log, err := m.deps.Storage.Group(id)
	if err != nil {
		return nil, fmt.Errorf("failed to open log of group %d: %w", id, err)
	}

	cfg := m.cfg.Consensus
	cfg.Self = m.cfg.Self
	cfg.Group = id
	cfg.Configuration = conf
	c, err := consensus.New(cfg, consensus.Deps{
		Log:       log,
		Transport: m.deps.Transport,
		Notifier:  m.deps.Notifier,
		Applier:   m.deps.Applier,
		Metrics:   m.deps.Metrics,
		Logger:    m.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	if m.deps.Heartbeats != nil {
		if err := m.deps.Heartbeats.Register(c); err != nil {
			c.Stop()
			return nil, err
		}
	}

	s.groups[id] = c
	m.logger.Infof("[GROUP-%d] Created with %s", id, conf)
	return c, nil
}

// Remove stops group id and deletes its log
func (m *Manager) Remove(id raft.GroupID) error {
	s := m.shardFor(id)
	s.mu.Lock()
	c, ok := s.groups[id]
	delete(s.groups, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", raft.ErrGroupNotFound, id)
	}
	if m.deps.Heartbeats != nil {
		m.deps.Heartbeats.Deregister(id)
	}
	c.Stop()

	if err := m.deps.Storage.RemoveGroup(id); err != nil {
		return fmt.Errorf("failed to remove log of group %d: %w", id, err)
	}
	m.logger.Infof("[GROUP-%d] Removed", id)
	return nil
}

// Get returns the consensus of group id
func (m *Manager) Get(id raft.GroupID) (*consensus.Consensus, bool) {
	s := m.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.groups[id]
	return c, ok
}

// Groups returns the ids of every hosted group in ascending order
func (m *Manager) Groups() []raft.GroupID {
	var ids []raft.GroupID
	for _, s := range m.shards {
		s.mu.RLock()
		for id := range s.groups {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stop stops every group. Their logs are kept.
func (m *Manager) Stop() {
	for _, s := range m.shards {
		s.mu.Lock()
		groups := s.groups
		s.groups = make(map[raft.GroupID]*consensus.Consensus)
		s.mu.Unlock()

		for id, c := range groups {
			if m.deps.Heartbeats != nil {
				m.deps.Heartbeats.Deregister(id)
			}
			c.Stop()
		}
	}
}

// AppendEntries routes an append entries request to its group. A group the node does not host answers
// group_unavailable, so the leader keeps it on heartbeats until the group is created here.
func (m *Manager) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error) {
	c, ok := m.Get(req.TargetGroup())
	if !ok {
		return m.unavailable(req.TargetGroup()), nil
	}
	return c.AppendEntries(ctx, req)
}

// Vote routes a vote request to its group
func (m *Manager) Vote(ctx context.Context, req *raft.VoteRequest) (*raft.VoteReply, error) {
	c, ok := m.Get(req.TargetGroup())
	if !ok {
		return nil, fmt.Errorf("%w: %d", raft.ErrGroupNotFound, req.TargetGroup())
	}
	return c.Vote(ctx, req)
}

// Heartbeat handles every entry of a batched heartbeat as an empty append entries request, one group at a time.
// An entry whose group fails is left out of the reply and the leader counts it as unanswered.
func (m *Manager) Heartbeat(ctx context.Context, req *raft.HeartbeatRequest) (*raft.HeartbeatReply, error) {
	reply := &raft.HeartbeatReply{Meta: make([]raft.AppendEntriesReply, 0, len(req.Meta))}
	for _, meta := range req.Meta {
		c, ok := m.Get(meta.Group)
		if !ok {
			reply.Meta = append(reply.Meta, *m.unavailable(meta.Group))
			continue
		}

		r, err := c.AppendEntries(ctx, &raft.AppendEntriesRequest{
			Source:  req.NodeID,
			Target:  m.cfg.Self,
			Meta:    meta,
			Batches: raft.EmptyReader(),
		})
		if err != nil {
			m.logger.Debugf("[GROUP-%d] Heartbeat from %s failed: %v", meta.Group, req.NodeID, err)
			continue
		}
		reply.Meta = append(reply.Meta, *r)
	}
	return reply, nil
}

func (m *Manager) unavailable(id raft.GroupID) *raft.AppendEntriesReply {
	return &raft.AppendEntriesReply{
		NodeID: m.cfg.Self,
		Group:  id,
		Result: raft.ReplyGroupUnavailable,
	}
}
