package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"multiraft/internal/raft"
	"multiraft/internal/raft/consensus"
	"multiraft/internal/raft/groups"
	"multiraft/internal/raft/heartbeat"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ consensus.Transport = (*Transport)(nil)
	_ heartbeat.Sender    = (*Transport)(nil)
	_ Handler             = (*groups.Manager)(nil)
)

type fakeHandler struct {
	mu        sync.Mutex
	sources   []raft.NodeID
	appends   []*raft.AppendEntriesRequest
	records   [][]raft.Record
	voteError error
}

func (h *fakeHandler) failVotes(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.voteError = err
}

func (h *fakeHandler) seen(ctx context.Context) {
	source, _ := SourceNode(ctx)
	h.mu.Lock()
	h.sources = append(h.sources, source)
	h.mu.Unlock()
}

func (h *fakeHandler) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error) {
	h.seen(ctx)
	records, err := req.Batches.Consume(ctx)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.appends = append(h.appends, req)
	h.records = append(h.records, records)
	h.mu.Unlock()

	if req.Meta.Group == 404 {
		return &raft.AppendEntriesReply{NodeID: req.Target, Group: req.Meta.Group, Result: raft.ReplyGroupUnavailable}, nil
	}
	return &raft.AppendEntriesReply{
		NodeID:                req.Target,
		Group:                 req.Meta.Group,
		Term:                  req.Meta.Term,
		LastCommittedLogIndex: req.Meta.PrevLogIndex,
		LastDirtyLogIndex:     req.Meta.PrevLogIndex + raft.Offset(len(records)),
		Result:                raft.ReplySuccess,
	}, nil
}

func (h *fakeHandler) Heartbeat(ctx context.Context, req *raft.HeartbeatRequest) (*raft.HeartbeatReply, error) {
	h.seen(ctx)
	reply := &raft.HeartbeatReply{}
	for _, m := range req.Meta {
		reply.Meta = append(reply.Meta, raft.AppendEntriesReply{
			NodeID:            "b",
			Group:             m.Group,
			Term:              m.Term,
			LastDirtyLogIndex: m.PrevLogIndex,
			Result:            raft.ReplySuccess,
		})
	}
	return reply, nil
}

func (h *fakeHandler) Vote(ctx context.Context, req *raft.VoteRequest) (*raft.VoteReply, error) {
	h.seen(ctx)
	h.mu.Lock()
	err := h.voteError
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &raft.VoteReply{Term: req.Term, Granted: true, LogOK: true}, nil
}

// serve starts a server for h on a local port and returns its address
func serve(t *testing.T, self raft.NodeID, h Handler) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(self, h, nil)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return lis.Addr().String()
}

func newClient(t *testing.T, self raft.NodeID) *Transport {
	t.Helper()
	tr := NewTransport(Config{Self: self, AttemptTimeout: time.Second}, nil)
	t.Cleanup(tr.Close)
	return tr
}

func TestTransport(t *testing.T) {
	ctx := context.Background()
	h := &fakeHandler{}
	addr := serve(t, "b", h)

	tr := newClient(t, "a")
	require.NoError(t, tr.AddPeer("b", addr))

	t.Run("sends append entries with their records", func(t *testing.T) {
		records := []raft.Record{
			{Offset: 4, Term: 2, Type: raft.DataRecord, Payload: []byte("x")},
			{Offset: 5, Term: 2, Type: raft.ConfigurationRecord, Payload: []byte("conf")},
		}
		reply, err := tr.AppendEntries(ctx, "b", &raft.AppendEntriesRequest{
			Source:  "a",
			Target:  "b",
			Meta:    raft.ProtocolMetadata{Group: 9, Term: 2, CommitIndex: 3, PrevLogIndex: 3, PrevLogTerm: 1},
			Batches: raft.NewMemoryReader(records),
			Flush:   true,
		})
		require.NoError(t, err)

		assert.Equal(t, raft.ReplySuccess, reply.Result)
		assert.Equal(t, raft.GroupID(9), reply.Group)
		assert.Equal(t, raft.Offset(5), reply.LastDirtyLogIndex)
		assert.Equal(t, raft.NodeID("b"), reply.NodeID)

		h.mu.Lock()
		defer h.mu.Unlock()
		require.Len(t, h.appends, 1)
		assert.Equal(t, raft.FlushAfterAppend(true), h.appends[0].Flush)
		assert.Equal(t, raft.NodeID("a"), h.appends[0].Source)
		if diff := deep.Equal(h.records[0], records); diff != nil {
			t.Error(diff)
		}
	})

	t.Run("passes group unavailable replies through", func(t *testing.T) {
		reply, err := tr.AppendEntries(ctx, "b", &raft.AppendEntriesRequest{
			Source:  "a",
			Target:  "b",
			Meta:    raft.ProtocolMetadata{Group: 404, Term: 1},
			Batches: raft.EmptyReader(),
		})
		require.NoError(t, err)
		assert.Equal(t, raft.ReplyGroupUnavailable, reply.Result)
	})

	t.Run("sends batched heartbeats", func(t *testing.T) {
		reply, err := tr.Heartbeat(ctx, "b", &raft.HeartbeatRequest{
			NodeID: "a",
			Meta: []raft.ProtocolMetadata{
				{Group: 1, Term: 3, PrevLogIndex: 10},
				{Group: 2, Term: 4, PrevLogIndex: 20},
			},
		})
		require.NoError(t, err)
		require.Len(t, reply.Meta, 2)
		assert.Equal(t, raft.GroupID(1), reply.Meta[0].Group)
		assert.Equal(t, raft.Offset(20), reply.Meta[1].LastDirtyLogIndex)
	})

	t.Run("sends votes", func(t *testing.T) {
		reply, err := tr.Vote(ctx, "b", &raft.VoteRequest{NodeID: "a", Group: 1, Term: 8})
		require.NoError(t, err)
		assert.Equal(t, raft.VoteReply{Term: 8, Granted: true, LogOK: true}, *reply)
	})

	t.Run("tells the server who is sending", func(t *testing.T) {
		h.mu.Lock()
		defer h.mu.Unlock()
		require.NotEmpty(t, h.sources)
		for _, s := range h.sources {
			assert.Equal(t, raft.NodeID("a"), s)
		}
	})

	t.Run("maps handler errors", func(t *testing.T) {
		defer h.failVotes(nil)

		h.failVotes(raft.ErrGroupNotFound)
		_, err := tr.Vote(ctx, "b", &raft.VoteRequest{NodeID: "a", Group: 77, Term: 1})
		assert.ErrorIs(t, err, raft.ErrGroupNotFound)

		h.failVotes(raft.ErrStopped)
		_, err = tr.Vote(ctx, "b", &raft.VoteRequest{NodeID: "a", Group: 77, Term: 1})
		assert.ErrorIs(t, err, raft.ErrStopped)
	})
}

func TestTransport_Peers(t *testing.T) {
	ctx := context.Background()

	t.Run("refuses unknown peers", func(t *testing.T) {
		tr := newClient(t, "a")
		_, err := tr.Vote(ctx, "z", &raft.VoteRequest{NodeID: "a", Group: 1, Term: 1})
		assert.ErrorIs(t, err, ErrUnknownPeer)
	})

	t.Run("gives up on an unreachable peer", func(t *testing.T) {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := lis.Addr().String()
		require.NoError(t, lis.Close())

		tr := NewTransport(Config{Self: "a", AttemptTimeout: 20 * time.Millisecond, Attempts: 2}, nil)
		defer tr.Close()
		require.NoError(t, tr.AddPeer("c", addr))

		start := time.Now()
		_, err = tr.Vote(ctx, "c", &raft.VoteRequest{NodeID: "a", Group: 1, Term: 1})
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("stops retrying when the caller gives up", func(t *testing.T) {
		tr := NewTransport(Config{Self: "a", AttemptTimeout: time.Second, Attempts: 100}, nil)
		defer tr.Close()
		require.NoError(t, tr.AddPeer("c", "127.0.0.1:1"))

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := tr.Vote(cctx, "c", &raft.VoteRequest{NodeID: "a", Group: 1, Term: 1})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("follows a peer to its new address", func(t *testing.T) {
		tr := newClient(t, "a")
		first := &fakeHandler{}
		require.NoError(t, tr.AddPeer("b", serve(t, "b", first)))
		_, err := tr.Vote(ctx, "b", &raft.VoteRequest{NodeID: "a", Group: 1, Term: 1})
		require.NoError(t, err)

		second := &fakeHandler{}
		require.NoError(t, tr.AddPeer("b", serve(t, "b", second)))
		require.Eventually(t, func() bool {
			_, err := tr.Vote(ctx, "b", &raft.VoteRequest{NodeID: "a", Group: 1, Term: 2})
			if err != nil {
				return false
			}
			second.mu.Lock()
			defer second.mu.Unlock()
			return len(second.sources) > 0
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("removes a peer", func(t *testing.T) {
		tr := newClient(t, "a")
		require.NoError(t, tr.AddPeer("b", serve(t, "b", &fakeHandler{})))
		tr.RemovePeer("b")

		_, err := tr.Vote(ctx, "b", &raft.VoteRequest{NodeID: "a", Group: 1, Term: 1})
		assert.ErrorIs(t, err, ErrUnknownPeer)
	})
}
