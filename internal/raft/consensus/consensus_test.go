package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"multiraft/internal/raft"
	"multiraft/internal/raft/heartbeat"
	"multiraft/internal/raft/mocks"
	"multiraft/internal/raft/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGroup raft.GroupID = 1

func brokers(ids ...raft.NodeID) []raft.Broker {
	list := make([]raft.Broker, 0, len(ids))
	for _, id := range ids {
		list = append(list, raft.Broker{ID: id, Address: fmt.Sprintf("%s:9092", id)})
	}
	return list
}

func testConfiguration(t *testing.T, version uint64, voters []raft.NodeID, learners ...raft.NodeID) raft.GroupConfiguration {
	t.Helper()
	cfg, err := raft.NewGroupConfiguration(version, brokers(voters...), brokers(learners...))
	require.NoError(t, err)
	return cfg
}

func dataRecords(payloads ...string) []raft.Record {
	records := make([]raft.Record, 0, len(payloads))
	for _, p := range payloads {
		records = append(records, raft.Record{Type: raft.DataRecord, Payload: []byte(p)})
	}
	return records
}

func payloads(records []raft.Record) []string {
	var out []string
	for _, r := range records {
		if r.Type == raft.DataRecord {
			out = append(out, string(r.Payload))
		}
	}
	return out
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []raft.LeadershipStatus
}

func (n *recordingNotifier) Notify(status raft.LeadershipStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

func (n *recordingNotifier) all() []raft.LeadershipStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]raft.LeadershipStatus(nil), n.statuses...)
}

type testNode struct {
	id       raft.NodeID
	c        *Consensus
	log      *mocks.MockLog
	applier  *mocks.MockApplier
	metrics  *mocks.MockMetricsCollector
	notifier *recordingNotifier
	hb       *heartbeat.Manager
}

// newTestNode builds the consensus of testGroup on id, registered on net but not started
func newTestNode(t *testing.T, net *mocks.Network, id raft.NodeID, conf raft.GroupConfiguration,
	opts ...func(*Config)) *testNode {
	t.Helper()

	n := &testNode{
		id:       id,
		log:      mocks.NewMockLog(),
		applier:  mocks.NewMockApplier(),
		metrics:  mocks.NewMockMetricsCollector(),
		notifier: &recordingNotifier{},
	}
	cfg := Config{
		Self:               id,
		Group:              testGroup,
		Configuration:      conf,
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		RequestTimeout:     50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := New(cfg, Deps{
		Log:       n.log,
		Transport: net.Transport(id),
		Notifier:  n.notifier,
		Applier:   n.applier,
		Metrics:   n.metrics,
	})
	require.NoError(t, err)
	n.c = c
	net.Register(id, testGroup, c)
	t.Cleanup(c.Stop)
	return n
}

// startHeartbeats drives the heartbeats of the node's group
func (n *testNode) startHeartbeats(t *testing.T, net *mocks.Network) {
	t.Helper()
	n.hb = heartbeat.NewManager(heartbeat.Config{
		Self:     n.id,
		Interval: 10 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
	}, net.Transport(n.id), heartbeat.WithMetrics(n.metrics))
	require.NoError(t, n.hb.Register(n.c))
	n.hb.Start()
	t.Cleanup(n.hb.Stop)
}

func quietElections(cfg *Config) {
	cfg.ElectionTimeoutMin = 10 * time.Second
	cfg.ElectionTimeoutMax = 10 * time.Second
}

func waitForLeader(t *testing.T, n *testNode) {
	t.Helper()
	require.Eventually(t, func() bool { return n.c.State() == Leader }, 5*time.Second, 5*time.Millisecond)
}

func replicate(t *testing.T, c *Consensus, level raft.ConsistencyLevel, payloads ...string) raft.ReplicateResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res, err := c.Replicate(ctx, raft.NewMemoryReader(dataRecords(payloads...)), raft.NewReplicateOptions(level))
	require.NoError(t, err)
	return res
}

func TestNew(t *testing.T) {
	conf := testConfiguration(t, 1, []raft.NodeID{"a"})

	t.Run("requires a log and a transport", func(t *testing.T) {
		_, err := New(Config{Self: "a", Group: testGroup, Configuration: conf}, Deps{})
		assert.ErrorIs(t, err, raft.ErrInvalidConfiguration)
	})

	t.Run("rejects a node outside of the configuration", func(t *testing.T) {
		_, err := New(Config{Self: "z", Group: testGroup, Configuration: conf}, Deps{
			Log:       mocks.NewMockLog(),
			Transport: mocks.NewNetwork().Transport("z"),
		})
		assert.ErrorIs(t, err, raft.ErrInvalidConfiguration)
	})

	t.Run("starts as a follower without leader", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf)
		assert.Equal(t, Follower, n.c.State())
		_, ok := n.c.LeaderID()
		assert.False(t, ok)
		assert.Equal(t, testGroup, n.c.GroupID())
		assert.Empty(t, n.c.Followers())
	})

	t.Run("cannot be started twice", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf, quietElections)
		require.NoError(t, n.c.Start())
		assert.ErrorIs(t, n.c.Start(), raft.ErrStopped)
	})

	t.Run("fails to start when the vote state cannot be loaded", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf)
		n.log.VoteStateError = assert.AnError
		assert.ErrorIs(t, n.c.Start(), assert.AnError)
	})
}

func TestSingleVoter(t *testing.T) {
	conf := testConfiguration(t, 1, []raft.NodeID{"a"})

	t.Run("elects itself and commits its configuration", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf)
		require.NoError(t, n.c.Start())
		waitForLeader(t, n)

		leader, ok := n.c.LeaderID()
		require.True(t, ok)
		assert.Equal(t, raft.NodeID("a"), leader)
		assert.Equal(t, raft.Term(1), n.c.Term())

		require.Eventually(t, func() bool { return n.c.CommitIndex() == 1 }, time.Second, 5*time.Millisecond)
		records := n.log.Records()
		require.Len(t, records, 1)
		assert.Equal(t, raft.ConfigurationRecord, records[0].Type)
		assert.Equal(t, raft.Term(1), records[0].Term)

		vs, err := n.log.VoteState()
		require.NoError(t, err)
		assert.Equal(t, storage.VoteState{Term: 1, VotedFor: "a"}, vs)

		assert.Equal(t, 1, n.metrics.Snapshot().ElectionCount)
	})

	t.Run("quorum ack waits for the commit", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf)
		require.NoError(t, n.c.Start())
		waitForLeader(t, n)

		res := replicate(t, n.c, raft.QuorumAck, "x", "y")
		assert.Equal(t, raft.Offset(3), res.LastOffset)
		assert.Equal(t, raft.Offset(3), n.log.FlushedOffset())

		require.Eventually(t, func() bool {
			return len(payloads(n.applier.AppliedRecords(testGroup))) == 2
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"x", "y"}, payloads(n.applier.AppliedRecords(testGroup)))
		require.Eventually(t, func() bool { return n.c.CommitIndex() == 3 }, time.Second, 5*time.Millisecond)
		assert.Len(t, n.metrics.Snapshot().ReplicateLatencies, 1)
	})

	t.Run("leader ack returns once flushed", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf)
		require.NoError(t, n.c.Start())
		waitForLeader(t, n)

		res := replicate(t, n.c, raft.LeaderAck, "x")
		assert.Equal(t, raft.Offset(2), res.LastOffset)
		assert.Equal(t, raft.Offset(2), n.log.FlushedOffset())
	})

	t.Run("no ack returns before the flush and heartbeats flush lazily", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf)
		require.NoError(t, n.c.Start())
		waitForLeader(t, n)
		require.Eventually(t, func() bool { return n.c.CommitIndex() == 1 }, time.Second, 5*time.Millisecond)

		res := replicate(t, n.c, raft.NoAck, "x")
		assert.Equal(t, raft.Offset(2), res.LastOffset)
		assert.Equal(t, raft.Offset(2), n.log.LastOffset())
		assert.Equal(t, raft.Offset(1), n.log.FlushedOffset())

		targets, err := n.c.HeartbeatTargets(context.Background(), time.Now())
		require.NoError(t, err)
		assert.Empty(t, targets)
		assert.Equal(t, raft.Offset(2), n.log.FlushedOffset())
		require.Eventually(t, func() bool { return n.c.CommitIndex() == 2 }, time.Second, 5*time.Millisecond)
	})

	t.Run("rejects an empty batch", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf)
		require.NoError(t, n.c.Start())
		waitForLeader(t, n)

		_, err := n.c.Replicate(context.Background(), raft.NewMemoryReader(), raft.NewReplicateOptions(raft.QuorumAck))
		assert.ErrorIs(t, err, raft.ErrEmptyBatch)
	})

	t.Run("fails when the log cannot be flushed", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf)
		require.NoError(t, n.c.Start())
		waitForLeader(t, n)

		n.log.FlushError = assert.AnError
		_, err := n.c.Replicate(context.Background(), raft.NewMemoryReader(dataRecords("x")),
			raft.NewReplicateOptions(raft.LeaderAck))
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("delivers committed records to the applier in chunks", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf, func(c *Config) { c.MaxBatchRecords = 2 })
		require.NoError(t, n.c.Start())
		waitForLeader(t, n)

		replicate(t, n.c, raft.QuorumAck, "1", "2", "3", "4", "5")
		require.Eventually(t, func() bool {
			return len(n.applier.AppliedRecords(testGroup)) == 6
		}, time.Second, 5*time.Millisecond)

		for i, r := range n.applier.AppliedRecords(testGroup) {
			assert.Equal(t, raft.Offset(i+1), r.Offset)
		}
	})

	t.Run("retries a failed apply on the next commit", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf)
		n.applier.ApplyError = assert.AnError
		require.NoError(t, n.c.Start())
		waitForLeader(t, n)

		replicate(t, n.c, raft.QuorumAck, "x")
		assert.Empty(t, n.applier.AppliedRecords(testGroup))

		n.applier.Reset()
		replicate(t, n.c, raft.QuorumAck, "y")
		require.Eventually(t, func() bool {
			return len(n.applier.AppliedRecords(testGroup)) == 3
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"x", "y"}, payloads(n.applier.AppliedRecords(testGroup)))
	})

	t.Run("recovers its vote and configuration on restart", func(t *testing.T) {
		net := mocks.NewNetwork()
		first := newTestNode(t, net, "a", testConfiguration(t, 3, []raft.NodeID{"a"}))
		require.NoError(t, first.c.Start())
		waitForLeader(t, first)
		replicate(t, first.c, raft.QuorumAck, "x", "y")
		first.c.Stop()

		applier := mocks.NewMockApplier()
		cfg := first.c.cfg
		cfg.Configuration = testConfiguration(t, 1, []raft.NodeID{"a"})
		c, err := New(cfg, Deps{
			Log:       first.log,
			Transport: net.Transport("a"),
			Applier:   applier,
		})
		require.NoError(t, err)
		t.Cleanup(c.Stop)

		require.NoError(t, c.Start())
		assert.Equal(t, uint64(3), c.Configuration().Version())
		assert.Equal(t, raft.Term(1), c.Term())

		require.Eventually(t, func() bool { return c.State() == Leader }, 5*time.Second, 5*time.Millisecond)
		assert.Equal(t, raft.Term(2), c.Term())
		require.Eventually(t, func() bool {
			return len(applier.AppliedRecords(testGroup)) == 4
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"x", "y"}, payloads(applier.AppliedRecords(testGroup)))
	})

	t.Run("fails replicate calls once stopped", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf)
		require.NoError(t, n.c.Start())
		waitForLeader(t, n)
		n.c.Stop()

		_, err := n.c.Replicate(context.Background(), raft.NewMemoryReader(dataRecords("x")),
			raft.NewReplicateOptions(raft.QuorumAck))
		assert.ErrorIs(t, err, raft.ErrStopped)
	})

	t.Run("notifies leadership changes", func(t *testing.T) {
		n := newTestNode(t, mocks.NewNetwork(), "a", conf)
		require.NoError(t, n.c.Start())
		waitForLeader(t, n)

		require.Eventually(t, func() bool {
			for _, s := range n.notifier.all() {
				if leader, ok := s.Leader(); ok && leader == "a" && s.Term == 1 {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
	})
}

func TestReplicateOnFollower(t *testing.T) {
	conf := testConfiguration(t, 1, []raft.NodeID{"a", "b", "c"})
	n := newTestNode(t, mocks.NewNetwork(), "a", conf, quietElections)
	require.NoError(t, n.c.Start())

	_, err := n.c.Replicate(context.Background(), raft.NewMemoryReader(dataRecords("x")),
		raft.NewReplicateOptions(raft.QuorumAck))
	assert.ErrorIs(t, err, raft.ErrNotLeader)
	assert.Zero(t, n.log.LastOffset())
}

func TestLearner(t *testing.T) {
	t.Run("never campaigns", func(t *testing.T) {
		conf := testConfiguration(t, 1, []raft.NodeID{"a"}, "b")
		n := newTestNode(t, mocks.NewNetwork(), "b", conf, func(c *Config) {
			c.ElectionTimeoutMin = 10 * time.Millisecond
			c.ElectionTimeoutMax = 10 * time.Millisecond
		})
		require.NoError(t, n.c.Start())

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, Follower, n.c.State())
		assert.Equal(t, raft.Term(0), n.c.Term())
		assert.Zero(t, n.metrics.Snapshot().ElectionCount)
	})

	t.Run("replicates without counting toward the quorum", func(t *testing.T) {
		net := mocks.NewNetwork()
		conf := testConfiguration(t, 1, []raft.NodeID{"a"}, "b")
		a := newTestNode(t, net, "a", conf)
		b := newTestNode(t, net, "b", conf)
		require.NoError(t, b.c.Start())
		require.NoError(t, a.c.Start())
		a.startHeartbeats(t, net)
		waitForLeader(t, a)

		replicate(t, a.c, raft.QuorumAck, "x")
		require.Eventually(t, func() bool {
			return len(payloads(b.applier.AppliedRecords(testGroup))) == 1
		}, 2*time.Second, 5*time.Millisecond)

		followers := a.c.Followers()
		require.Len(t, followers, 1)
		assert.True(t, followers[0].IsLearner)
		leader, ok := b.c.LeaderID()
		require.True(t, ok)
		assert.Equal(t, raft.NodeID("a"), leader)
	})
}

func TestGroupUnavailable(t *testing.T) {
	net := mocks.NewNetwork()
	conf := testConfiguration(t, 1, []raft.NodeID{"a"}, "b")

	unavailable := make(chan raft.NodeID, 16)
	a := newTestNode(t, net, "a", conf, func(c *Config) {
		c.OnGroupUnavailable = func(group raft.GroupID, node raft.NodeID) {
			select {
			case unavailable <- node:
			default:
			}
		}
	})
	require.NoError(t, a.c.Start())
	waitForLeader(t, a)

	select {
	case node := <-unavailable:
		assert.Equal(t, raft.NodeID("b"), node)
	case <-time.After(2 * time.Second):
		t.Fatal("group unavailable was never reported")
	}

	require.Eventually(t, func() bool {
		followers := a.c.Followers()
		return len(followers) == 1 && followers[0].GroupMissing
	}, time.Second, 5*time.Millisecond)
	f := a.c.Followers()[0]
	assert.Equal(t, raft.Offset(0), f.MatchIndex)
	assert.Equal(t, raft.Offset(1), f.NextIndex)
	assert.Zero(t, f.FailedAppends)
	assert.GreaterOrEqual(t, a.metrics.Snapshot().GroupUnavailableCount, 1)

	// Once the group is created on b, heartbeats find it and replication resumes
	b := newTestNode(t, net, "b", conf)
	require.NoError(t, b.c.Start())
	a.startHeartbeats(t, net)

	require.Eventually(t, func() bool { return b.log.LastOffset() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		followers := a.c.Followers()
		return len(followers) == 1 && !followers[0].GroupMissing && followers[0].MatchIndex == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReorderedReply(t *testing.T) {
	conf := testConfiguration(t, 1, []raft.NodeID{"a"}, "b")
	n := newTestNode(t, mocks.NewNetwork(), "a", conf)
	// Requests are never sent, the replies below are the only ones the leader gets
	n.c.spawn = func(func()) {}
	require.NoError(t, n.c.Start())
	waitForLeader(t, n)

	var match, next raft.Offset
	err := n.c.call(context.Background(), func() error {
		f := n.c.followers["b"]
		older, newer := f.NextSeq(), f.NextSeq()

		n.c.onAppendReply(n.c.term, "b", newer, 0, &raft.AppendEntriesReply{
			NodeID:                "b",
			Group:                 testGroup,
			Term:                  n.c.term,
			LastCommittedLogIndex: 1,
			LastDirtyLogIndex:     1,
			Result:                raft.ReplySuccess,
		}, nil)
		n.c.onAppendReply(n.c.term, "b", older, 0, &raft.AppendEntriesReply{
			NodeID: "b",
			Group:  testGroup,
			Term:   n.c.term,
			Result: raft.ReplyFailure,
		}, nil)

		match, next = f.MatchIndex, f.NextIndex
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, raft.Offset(1), match)
	assert.Equal(t, raft.Offset(2), next)
	assert.Equal(t, 1, n.metrics.Snapshot().ReorderedReplyCount)
}

func TestHigherTermReplyStepsDown(t *testing.T) {
	conf := testConfiguration(t, 1, []raft.NodeID{"a"}, "b")
	n := newTestNode(t, mocks.NewNetwork(), "a", conf)
	n.c.spawn = func(func()) {}
	require.NoError(t, n.c.Start())
	waitForLeader(t, n)

	var (
		state State
		term  raft.Term
		vs    storage.VoteState
	)
	err := n.c.call(context.Background(), func() error {
		f := n.c.followers["b"]
		n.c.onAppendReply(n.c.term, "b", f.LastSentSeq, 0, &raft.AppendEntriesReply{
			NodeID: "b",
			Group:  testGroup,
			Term:   7,
			Result: raft.ReplyFailure,
		}, nil)

		state, term = n.c.state, n.c.term
		var err error
		vs, err = n.log.VoteState()
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, Follower, state)
	assert.Equal(t, raft.Term(7), term)
	assert.Equal(t, storage.VoteState{Term: 7}, vs)
}

func TestThreeNodes(t *testing.T) {
	net := mocks.NewNetwork()
	ids := []raft.NodeID{"a", "b", "c"}
	conf := testConfiguration(t, 1, ids)

	nodes := make(map[raft.NodeID]*testNode)
	for _, id := range ids {
		nodes[id] = newTestNode(t, net, id, conf)
	}
	for _, n := range nodes {
		require.NoError(t, n.c.Start())
		n.startHeartbeats(t, net)
	}

	findLeader := func(exclude raft.NodeID) *testNode {
		var leader *testNode
		require.Eventually(t, func() bool {
			leader = nil
			for id, n := range nodes {
				if id != exclude && n.c.State() == Leader {
					leader = n
					return true
				}
			}
			return false
		}, 5*time.Second, 5*time.Millisecond)
		return leader
	}

	leader := findLeader("")
	res := replicate(t, leader.c, raft.QuorumAck, "x", "y")
	assert.Greater(t, res.LastOffset, raft.Offset(2))

	for _, n := range nodes {
		require.Eventually(t, func() bool {
			return len(payloads(n.applier.AppliedRecords(testGroup))) == 2
		}, 2*time.Second, 5*time.Millisecond, "node %s", n.id)
		assert.Equal(t, []string{"x", "y"}, payloads(n.applier.AppliedRecords(testGroup)))
	}

	for id, n := range nodes {
		if id == leader.id {
			continue
		}
		require.Eventually(t, func() bool {
			l, ok := n.c.LeaderID()
			return ok && l == leader.id
		}, time.Second, 5*time.Millisecond)
	}

	t.Run("a new leader is elected when the leader is partitioned", func(t *testing.T) {
		oldTerm := leader.c.Term()
		net.Disconnect(leader.id)

		next := findLeader(leader.id)
		assert.Greater(t, next.c.Term(), oldTerm)
		replicate(t, next.c, raft.QuorumAck, "z")

		net.Reconnect(leader.id)
		require.Eventually(t, func() bool {
			l, ok := leader.c.LeaderID()
			return leader.c.State() == Follower && ok && l == next.id
		}, 2*time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool {
			return len(payloads(leader.applier.AppliedRecords(testGroup))) == 3
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"x", "y", "z"}, payloads(leader.applier.AppliedRecords(testGroup)))
	})

	t.Run("replicate times out without a quorum", func(t *testing.T) {
		current := findLeader("")
		for id := range nodes {
			if id != current.id {
				net.Disconnect(id)
			}
		}
		defer func() {
			for id := range nodes {
				net.Reconnect(id)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := current.c.Replicate(ctx, raft.NewMemoryReader(dataRecords("lost")),
			raft.NewReplicateOptions(raft.QuorumAck))
		assert.ErrorIs(t, err, raft.ErrNotCommitted)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		for i := 0; i < 50; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
			_, _ = current.c.Replicate(ctx, raft.NewMemoryReader(dataRecords("lost")),
				raft.NewReplicateOptions(raft.QuorumAck))
			cancel()
		}
		require.Eventually(t, func() bool { return pendingWaiters(current.c) == 0 }, time.Second, 5*time.Millisecond)
	})
}

// pendingWaiters counts the Replicate calls waiting for a commit, read on the group's goroutine
func pendingWaiters(c *Consensus) int {
	n := -1
	_ = c.call(context.Background(), func() error {
		n = len(c.waiters)
		return nil
	})
	return n
}

func TestHeartbeatTargets_CallerGone(t *testing.T) {
	net := mocks.NewNetwork()
	conf := testConfiguration(t, 1, []raft.NodeID{"a", "b", "c"})
	a := newTestNode(t, net, "a", conf)
	b := newTestNode(t, net, "b", conf, quietElections)
	c := newTestNode(t, net, "c", conf, quietElections)
	for _, n := range []*testNode{a, b, c} {
		require.NoError(t, n.c.Start())
	}
	waitForLeader(t, a)
	replicate(t, a.c, raft.QuorumAck, "x")

	// Keep the group busy so the heartbeat round is still queued when its caller gives up
	release := make(chan struct{})
	require.NoError(t, a.c.enqueue(context.Background(), func() { <-release }))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.c.HeartbeatTargets(ctx, time.Now())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)

	// The targets built for the abandoned call must not keep the followers busy forever
	seen := make(map[raft.NodeID]bool)
	require.Eventually(t, func() bool {
		targets, err := a.c.HeartbeatTargets(context.Background(), time.Now())
		if err != nil {
			return false
		}
		for _, target := range targets {
			seen[target.Node] = true
			a.c.ProcessHeartbeatFailure(target, assert.AnError)
		}
		return seen["b"] && seen["c"]
	}, 2*time.Second, 10*time.Millisecond)
}
