package groups

import (
	"context"
	"sync"
	"testing"
	"time"

	"multiraft/internal/pubsub"
	"multiraft/internal/raft"
	"multiraft/internal/raft/consensus"
	"multiraft/internal/raft/heartbeat"
	"multiraft/internal/raft/mocks"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ mocks.NodeHandler = (*Manager)(nil)

func configuration(t *testing.T, ids ...raft.NodeID) raft.GroupConfiguration {
	t.Helper()
	brokers := make([]raft.Broker, 0, len(ids))
	for _, id := range ids {
		brokers = append(brokers, raft.Broker{ID: id})
	}
	conf, err := raft.NewGroupConfiguration(1, brokers, nil)
	require.NoError(t, err)
	return conf
}

type testNode struct {
	id      raft.NodeID
	m       *Manager
	storage *mocks.MockStorage
	applier *mocks.MockApplier
	metrics *mocks.MockMetricsCollector
}

func newTestNode(t *testing.T, net *mocks.Network, id raft.NodeID, notifier consensus.Notifier) *testNode {
	t.Helper()

	n := &testNode{
		id:      id,
		storage: mocks.NewMockStorage(),
		applier: mocks.NewMockApplier(),
		metrics: mocks.NewMockMetricsCollector(),
	}
	hb := heartbeat.NewManager(heartbeat.Config{
		Self:     id,
		Interval: 10 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
	}, net.Transport(id), heartbeat.WithMetrics(n.metrics))

	m, err := NewManager(Config{
		Self:   id,
		Shards: 4,
		Consensus: consensus.Config{
			ElectionTimeoutMin: 50 * time.Millisecond,
			ElectionTimeoutMax: 100 * time.Millisecond,
			RequestTimeout:     50 * time.Millisecond,
		},
	}, Deps{
		Storage:    n.storage,
		Transport:  net.Transport(id),
		Heartbeats: hb,
		Notifier:   notifier,
		Applier:    n.applier,
		Metrics:    n.metrics,
	})
	require.NoError(t, err)
	n.m = m
	net.RegisterNode(id, m)

	hb.Start()
	t.Cleanup(func() {
		hb.Stop()
		m.Stop()
	})
	return n
}

func TestNewManager(t *testing.T) {
	net := mocks.NewNetwork()

	_, err := NewManager(Config{}, Deps{Storage: mocks.NewMockStorage(), Transport: net.Transport("a")})
	assert.ErrorIs(t, err, raft.ErrInvalidConfiguration)

	_, err = NewManager(Config{Self: "a"}, Deps{Transport: net.Transport("a")})
	assert.ErrorIs(t, err, raft.ErrInvalidConfiguration)

	m, err := NewManager(Config{Self: "a"}, Deps{Storage: mocks.NewMockStorage(), Transport: net.Transport("a")})
	require.NoError(t, err)
	assert.Len(t, m.shards, DefaultShards)
	assert.Empty(t, m.Groups())
}

func TestManager_Lifecycle(t *testing.T) {
	net := mocks.NewNetwork()
	n := newTestNode(t, net, "a", nil)
	conf := configuration(t, "a")

	for _, id := range []raft.GroupID{7, 3, 42, 1} {
		_, err := n.m.Create(id, conf)
		require.NoError(t, err)
	}
	if diff := deep.Equal(n.m.Groups(), []raft.GroupID{1, 3, 7, 42}); diff != nil {
		t.Error(diff)
	}

	t.Run("refuses a duplicate", func(t *testing.T) {
		_, err := n.m.Create(3, conf)
		assert.ErrorIs(t, err, raft.ErrGroupExists)
	})

	t.Run("single voter groups elect themselves", func(t *testing.T) {
		for _, id := range n.m.Groups() {
			c, ok := n.m.Get(id)
			require.True(t, ok)
			require.Eventually(t, func() bool { return c.State() == consensus.Leader }, 2*time.Second,
				5*time.Millisecond)

			res, err := c.Replicate(context.Background(), raft.NewMemoryReader([]raft.Record{{Payload: []byte("x")}}),
				raft.NewReplicateOptions(raft.QuorumAck))
			require.NoError(t, err)
			assert.Equal(t, raft.Offset(2), res.LastOffset)
		}
	})

	t.Run("removes a group and its log", func(t *testing.T) {
		require.True(t, n.storage.Has(7))
		require.NoError(t, n.m.Remove(7))

		_, ok := n.m.Get(7)
		assert.False(t, ok)
		assert.False(t, n.storage.Has(7))
		if diff := deep.Equal(n.m.Groups(), []raft.GroupID{1, 3, 42}); diff != nil {
			t.Error(diff)
		}

		assert.ErrorIs(t, n.m.Remove(7), raft.ErrGroupNotFound)
	})

	t.Run("can create a removed group again", func(t *testing.T) {
		c, err := n.m.Create(7, conf)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return c.State() == consensus.Leader }, 2*time.Second,
			5*time.Millisecond)
	})

	t.Run("reports storage failures", func(t *testing.T) {
		n.storage.GroupError = assert.AnError
		defer func() { n.storage.GroupError = nil }()

		_, err := n.m.Create(99, conf)
		assert.ErrorIs(t, err, assert.AnError)
		_, ok := n.m.Get(99)
		assert.False(t, ok)
	})

	t.Run("refuses a configuration without the node", func(t *testing.T) {
		_, err := n.m.Create(100, configuration(t, "b", "c"))
		assert.ErrorIs(t, err, raft.ErrInvalidConfiguration)
	})
}

func TestManager_Handler(t *testing.T) {
	ctx := context.Background()
	net := mocks.NewNetwork()
	n := newTestNode(t, net, "b", nil)

	// b cannot win an election on its own, the terms used below stay ahead of its own
	_, err := n.m.Create(1, configuration(t, "a", "b", "c"))
	require.NoError(t, err)

	t.Run("answers group unavailable for unknown groups", func(t *testing.T) {
		reply, err := n.m.AppendEntries(ctx, &raft.AppendEntriesRequest{
			Source:  "a",
			Target:  "b",
			Meta:    raft.ProtocolMetadata{Group: 2, Term: 1},
			Batches: raft.EmptyReader(),
		})
		require.NoError(t, err)
		assert.Equal(t, raft.ReplyGroupUnavailable, reply.Result)
		assert.Equal(t, raft.GroupID(2), reply.Group)
		assert.Equal(t, raft.NodeID("b"), reply.NodeID)
	})

	t.Run("refuses votes for unknown groups", func(t *testing.T) {
		_, err := n.m.Vote(ctx, &raft.VoteRequest{NodeID: "a", Group: 2, Term: 1})
		assert.ErrorIs(t, err, raft.ErrGroupNotFound)
	})

	t.Run("routes append entries to the group", func(t *testing.T) {
		reply, err := n.m.AppendEntries(ctx, &raft.AppendEntriesRequest{
			Source: "a",
			Target: "b",
			Meta:   raft.ProtocolMetadata{Group: 1, Term: 100},
			Batches: raft.NewMemoryReader([]raft.Record{
				{Offset: 1, Term: 100, Type: raft.DataRecord, Payload: []byte("x")},
			}),
			Flush: true,
		})
		require.NoError(t, err)
		assert.Equal(t, raft.ReplySuccess, reply.Result)
		assert.Equal(t, raft.Offset(1), reply.LastDirtyLogIndex)
		assert.Equal(t, raft.Term(100), reply.Term)
	})

	t.Run("answers every entry of a heartbeat", func(t *testing.T) {
		reply, err := n.m.Heartbeat(ctx, &raft.HeartbeatRequest{
			NodeID: "a",
			Meta: []raft.ProtocolMetadata{
				{Group: 1, Term: 100, CommitIndex: 1, PrevLogIndex: 1, PrevLogTerm: 100},
				{Group: 2, Term: 100},
			},
		})
		require.NoError(t, err)
		require.Len(t, reply.Meta, 2)

		assert.Equal(t, raft.GroupID(1), reply.Meta[0].Group)
		assert.Equal(t, raft.ReplySuccess, reply.Meta[0].Result)
		assert.Equal(t, raft.GroupID(2), reply.Meta[1].Group)
		assert.Equal(t, raft.ReplyGroupUnavailable, reply.Meta[1].Result)

		c, _ := n.m.Get(1)
		require.Eventually(t, func() bool { return c.CommitIndex() == 1 }, time.Second, 5*time.Millisecond)
		leader, ok := c.LeaderID()
		require.True(t, ok)
		assert.Equal(t, raft.NodeID("a"), leader)
	})

	t.Run("leaves failing groups out of a heartbeat reply", func(t *testing.T) {
		reply, err := n.m.Heartbeat(ctx, &raft.HeartbeatRequest{
			NodeID: "a",
			Meta:   []raft.ProtocolMetadata{{Group: 1, Term: 100, CommitIndex: 3, PrevLogIndex: 1, PrevLogTerm: 99}},
		})
		require.NoError(t, err)
		// A term mismatch is a regular failure reply, not an error
		require.Len(t, reply.Meta, 1)
		assert.Equal(t, raft.ReplyFailure, reply.Meta[0].Result)

		c, _ := n.m.Get(1)
		c.Stop()
		reply, err = n.m.Heartbeat(ctx, &raft.HeartbeatRequest{
			NodeID: "a",
			Meta:   []raft.ProtocolMetadata{{Group: 1, Term: 100}},
		})
		require.NoError(t, err)
		assert.Empty(t, reply.Meta)
	})
}

func TestManager_Cluster(t *testing.T) {
	const groups = 8

	net := mocks.NewNetwork()
	bus := pubsub.NewPubSub()
	t.Cleanup(bus.GracefulShutdown)
	notifier := consensus.NewLeadershipNotifier(bus)

	var (
		mu  sync.Mutex
		led = make(map[raft.GroupID]bool)
	)
	events := make(chan *pubsub.Event[raft.LeadershipStatus], 1024)
	notifier.Subscribe(events)
	go func() {
		for e := range events {
			if _, ok := e.Payload.Leader(); ok {
				mu.Lock()
				led[e.Payload.Group] = true
				mu.Unlock()
			}
		}
	}()

	ids := []raft.NodeID{"a", "b", "c"}
	nodes := make([]*testNode, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, newTestNode(t, net, id, notifier))
	}

	conf := configuration(t, ids...)
	for g := raft.GroupID(1); g <= groups; g++ {
		for _, n := range nodes {
			_, err := n.m.Create(g, conf)
			require.NoError(t, err)
		}
	}

	// Leadership may still move around, a write is retried on whichever node leads at the time
	for g := raft.GroupID(1); g <= groups; g++ {
		require.Eventually(t, func() bool {
			for _, n := range nodes {
				c, _ := n.m.Get(g)
				if c.State() != consensus.Leader {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
				defer cancel()
				_, err := c.Replicate(ctx, raft.NewMemoryReader([]raft.Record{{Payload: []byte{byte(g)}}}),
					raft.NewReplicateOptions(raft.QuorumAck))
				return err == nil
			}
			return false
		}, 5*time.Second, 10*time.Millisecond, "group %d did not commit", g)
	}

	for _, n := range nodes {
		for g := raft.GroupID(1); g <= groups; g++ {
			require.Eventually(t, func() bool {
				for _, r := range n.applier.AppliedRecords(g) {
					if r.Type == raft.DataRecord && len(r.Payload) == 1 && r.Payload[0] == byte(g) {
						return true
					}
				}
				return false
			}, 2*time.Second, 5*time.Millisecond, "group %d on %s", g, n.id)
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(led) == groups
	}, time.Second, 5*time.Millisecond)

	_, heartbeats, _ := net.Counts()
	assert.Positive(t, heartbeats)
}
