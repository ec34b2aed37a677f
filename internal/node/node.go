// Package node assembles the components of a multi-raft node: storage, transport, groups, heartbeats and the gRPC
// server answering the other nodes.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"multiraft/internal/config"
	"multiraft/internal/pubsub"
	"multiraft/internal/raft"
	"multiraft/internal/raft/consensus"
	"multiraft/internal/raft/groups"
	"multiraft/internal/raft/heartbeat"
	"multiraft/internal/raft/metrics"
	"multiraft/internal/raft/statemachine"
	"multiraft/internal/raft/storage"
	"multiraft/internal/raft/transport"
)

// Option configures optional parts of a Node
type Option func(*Node)

// WithLogger replaces the default logger writing to stderr
func WithLogger(l raft.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithListener makes the node serve on lis instead of listening on the configured address
func WithListener(lis net.Listener) Option {
	return func(n *Node) { n.lis = lis }
}

// WithMetrics shares a metrics collector between nodes, such as the nodes of an in-process cluster
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

type Node struct {
	cfg    *config.Config
	self   raft.NodeID
	logger raft.Logger
	lis    net.Listener

	store      *storage.BboltStore
	transport  *transport.Transport
	server     *transport.Server
	heartbeats *heartbeat.Manager
	groups     *groups.Manager
	bus        *pubsub.PubSubClient
	notifier   *consensus.LeadershipNotifier
	kv         *statemachine.KV
	metrics    *metrics.Metrics

	stopOnce sync.Once
	served   chan error

	// missing holds, per group, the peers which answered that they do not host it
	missingMu sync.Mutex
	missing   map[raft.GroupID]map[raft.NodeID]struct{}
}

// New opens the node's storage and wires its components. Nothing runs until Start is called.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:    cfg,
		self:    raft.NodeID(cfg.ID),
		served:  make(chan error, 1),
		missing: make(map[raft.GroupID]map[raft.NodeID]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = raft.NewStdLogger(fmt.Sprintf("NODE-%s", cfg.ID), cfg.Debug)
	}
	if n.metrics == nil {
		n.metrics = metrics.NewMetrics()
	}

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBboltStore(filepath.Join(cfg.Storage.Dir, cfg.ID+".db"), cfg.StorageOptions(n.logger))
	if err != nil {
		return nil, err
	}
	n.store = store

	n.transport = transport.NewTransport(cfg.TransportConfig(), n.logger)
	for _, p := range cfg.Peers {
		if err := n.transport.AddPeer(raft.NodeID(p.ID), p.Address); err != nil {
			n.transport.Close()
			_ = store.Close()
			return nil, err
		}
	}

	n.heartbeats = heartbeat.NewManager(cfg.HeartbeatConfig(), n.transport,
		heartbeat.WithLogger(n.logger), heartbeat.WithMetrics(n.metrics))
	n.bus = pubsub.NewPubSub(pubsub.WithLogger(n.logger))
	n.notifier = consensus.NewLeadershipNotifier(n.bus)
	n.kv = statemachine.NewKV(n.logger)

	consensusCfg := cfg.ConsensusConfig()
	consensusCfg.OnGroupUnavailable = n.onGroupUnavailable
	n.groups, err = groups.NewManager(groups.Config{
		Self:      n.self,
		Shards:    cfg.Shards,
		Consensus: consensusCfg,
	}, groups.Deps{
		Storage:    store,
		Transport:  n.transport,
		Heartbeats: n.heartbeats,
		Notifier:   n.notifier,
		Applier:    n.kv,
		Metrics:    n.metrics,
		Logger:     n.logger,
	})
	if err != nil {
		n.transport.Close()
		_ = store.Close()
		return nil, err
	}
	n.server = transport.NewServer(n.self, n.groups, n.logger)
	return n, nil
}

// Start serves the other nodes and starts the configured groups
func (n *Node) Start() error {
	if n.lis == nil {
		lis, err := net.Listen("tcp", n.cfg.Address)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.Address, err)
		}
		n.lis = lis
	}
	go func() { n.served <- n.server.Serve(n.lis) }()
	n.heartbeats.Start()

	configured := make(map[raft.GroupID]bool, len(n.cfg.Groups))
	for _, g := range n.cfg.Groups {
		conf, err := n.cfg.GroupConfiguration(g)
		if err != nil {
			return err
		}
		if _, err := n.groups.Create(raft.GroupID(g.ID), conf); err != nil {
			return err
		}
		configured[raft.GroupID(g.ID)] = true
	}

	stored, err := n.store.Groups()
	if err != nil {
		return fmt.Errorf("failed to list stored groups: %w", err)
	}
	for _, id := range stored {
		if !configured[id] {
			n.logger.Warnf("[GROUP-%d] Found a stored log but no configuration, the group is not started", id)
		}
	}

	n.logger.Infof("Node %s running on %s with %d groups and %d peers", n.self, n.lis.Addr(), len(configured),
		len(n.cfg.Peers))
	return nil
}

// Stop stops every group and closes the node's connections and storage. The logs are kept.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		n.logger.Infof("Shutting down node %s gracefully", n.self)
		n.heartbeats.Stop()
		n.groups.Stop()
		// Stop accepting new incoming requests before closing the outbound connections
		n.server.Stop()
		n.transport.Close()
		n.bus.GracefulShutdown()

		if n.cfg.MetricsReport != "" {
			report := n.metrics.GetReport(1+len(n.cfg.Peers), len(n.cfg.Groups))
			if e := report.SaveJSON(n.cfg.MetricsReport); e != nil {
				err = errors.Join(err, fmt.Errorf("failed to save metrics report: %w", e))
			}
		}
		if e := n.store.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("failed to close storage: %w", e))
		}
	})
	return err
}

// Served receives the error of the gRPC server once it stops serving
func (n *Node) Served() <-chan error { return n.served }

func (n *Node) ID() raft.NodeID { return n.self }

// Addr returns the address the node serves on, once started
func (n *Node) Addr() net.Addr {
	if n.lis == nil {
		return nil
	}
	return n.lis.Addr()
}

// CreateGroup starts hosting a group which is not in the configuration file
func (n *Node) CreateGroup(id raft.GroupID, conf raft.GroupConfiguration) error {
	_, err := n.groups.Create(id, conf)
	return err
}

// RemoveGroup stops a group and deletes its log and data
func (n *Node) RemoveGroup(id raft.GroupID) error {
	if err := n.groups.Remove(id); err != nil {
		return err
	}
	n.kv.Drop(id)

	n.missingMu.Lock()
	delete(n.missing, id)
	n.missingMu.Unlock()
	return nil
}

// onGroupUnavailable runs on the group's goroutine when a peer answers that it does not host a group led here.
// Memberships are static, so this means the peer's configuration disagrees with ours.
func (n *Node) onGroupUnavailable(group raft.GroupID, peer raft.NodeID) {
	n.missingMu.Lock()
	peers, ok := n.missing[group]
	if !ok {
		peers = make(map[raft.NodeID]struct{})
		n.missing[group] = peers
	}
	_, known := peers[peer]
	peers[peer] = struct{}{}
	n.missingMu.Unlock()

	if !known {
		n.logger.Warnf("[GROUP-%d] Node %s does not host the group, check its configuration", group, peer)
	}
}

// MissingGroups returns the groups led by this node at some point which a member reported not hosting, with those
// members
func (n *Node) MissingGroups() map[raft.GroupID][]raft.NodeID {
	n.missingMu.Lock()
	defer n.missingMu.Unlock()

	out := make(map[raft.GroupID][]raft.NodeID, len(n.missing))
	for group, peers := range n.missing {
		for peer := range peers {
			out[group] = append(out[group], peer)
		}
		sort.Slice(out[group], func(i, j int) bool { return out[group][i] < out[group][j] })
	}
	return out
}

// Groups returns the ids of the groups hosted by the node
func (n *Node) Groups() []raft.GroupID { return n.groups.Groups() }

// Group returns the consensus of a hosted group
func (n *Node) Group(id raft.GroupID) (*consensus.Consensus, bool) { return n.groups.Get(id) }

// Leader returns the leader of a group as known by this node
func (n *Node) Leader(id raft.GroupID) (raft.NodeID, bool) {
	c, ok := n.groups.Get(id)
	if !ok {
		return "", false
	}
	return c.LeaderID()
}

// Replicate appends commands to a group led by this node
func (n *Node) Replicate(ctx context.Context, id raft.GroupID, level raft.ConsistencyLevel,
	commands ...[]byte) (raft.ReplicateResult, error) {
	c, ok := n.groups.Get(id)
	if !ok {
		return raft.ReplicateResult{}, fmt.Errorf("%w: %d", raft.ErrGroupNotFound, id)
	}
	records := make([]raft.Record, 0, len(commands))
	for _, cmd := range commands {
		records = append(records, raft.Record{Type: raft.DataRecord, Payload: cmd})
	}
	return c.Replicate(ctx, raft.NewMemoryReader(records), raft.NewReplicateOptions(level))
}

// Set replicates a SET command with quorum acknowledgement
func (n *Node) Set(ctx context.Context, id raft.GroupID, key, value string) error {
	_, err := n.Replicate(ctx, id, raft.QuorumAck, statemachine.SetCommand(key, value))
	return err
}

// Get reads key from the local state machine of a group. Followers may lag behind the leader.
func (n *Node) Get(id raft.GroupID, key string) (string, bool) { return n.kv.Get(id, key) }

// SubscribeLeadership delivers every leadership change of the node's groups to ch until UnsubscribeLeadership
func (n *Node) SubscribeLeadership(ch chan *pubsub.Event[raft.LeadershipStatus]) pubsub.SubscriberID {
	return n.notifier.Subscribe(ch)
}

func (n *Node) UnsubscribeLeadership(id pubsub.SubscriberID) { n.notifier.Unsubscribe(id) }

func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// CacheStats returns the statistics of the storage's record cache
func (n *Node) CacheStats() (hits, misses uint64) {
	stats := n.store.CacheStats()
	return stats.GetCalls - stats.Misses, stats.Misses
}
