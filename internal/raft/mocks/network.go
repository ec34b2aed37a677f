package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"multiraft/internal/raft"
)

// ErrUnreachable is returned by a NetworkTransport when the source or the target is disconnected
var ErrUnreachable = errors.New("mock network: node unreachable")

// Handler is the consensus of one group as seen by the network
type Handler interface {
	AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error)
	Vote(ctx context.Context, req *raft.VoteRequest) (*raft.VoteReply, error)
}

// NodeHandler serves every group of a node at once, the way a node's group manager does
type NodeHandler interface {
	Handler
	Heartbeat(ctx context.Context, req *raft.HeartbeatRequest) (*raft.HeartbeatReply, error)
}

type endpoint struct {
	node  raft.NodeID
	group raft.GroupID
}

// Network is an in-memory network between the groups of several nodes. A request to a node which does not host the
// group is answered like a real node would: group_unavailable for appends and heartbeats, ErrGroupNotFound for votes.
type Network struct {
	mu           sync.RWMutex
	handlers     map[endpoint]Handler
	nodes        map[raft.NodeID]NodeHandler
	disconnected map[raft.NodeID]bool

	// Counters
	AppendEntriesCount int
	HeartbeatCount     int
	VoteCount          int
}

func NewNetwork() *Network {
	return &Network{
		handlers:     make(map[endpoint]Handler),
		nodes:        make(map[raft.NodeID]NodeHandler),
		disconnected: make(map[raft.NodeID]bool),
	}
}

// Register makes h reachable as group of node
func (n *Network) Register(node raft.NodeID, group raft.GroupID, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[endpoint{node: node, group: group}] = h
}

// RegisterNode makes h reachable for every group of node which has no handler of its own
func (n *Network) RegisterNode(node raft.NodeID, h NodeHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[node] = h
}

func (n *Network) Deregister(node raft.NodeID, group raft.GroupID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, endpoint{node: node, group: group})
}

// Disconnect drops every request from and to node until Reconnect
func (n *Network) Disconnect(node raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[node] = true
}

func (n *Network) Reconnect(node raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.disconnected, node)
}

// Transport returns the transport used by node to reach the others
func (n *Network) Transport(node raft.NodeID) *NetworkTransport {
	return &NetworkTransport{network: n, self: node}
}

// Counts returns the append entries, heartbeat and vote requests delivered so far
func (n *Network) Counts() (appends, heartbeats, votes int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.AppendEntriesCount, n.HeartbeatCount, n.VoteCount
}

// route returns the handler of group on target, or false if target does not host it
func (n *Network) route(ctx context.Context, source, target raft.NodeID, group raft.GroupID,
	count *int) (Handler, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disconnected[source] || n.disconnected[target] {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrUnreachable, source, target)
	}
	*count++
	if h, ok := n.handlers[endpoint{node: target, group: group}]; ok {
		return h, true, nil
	}
	if h, ok := n.nodes[target]; ok {
		return h, true, nil
	}
	return nil, false, nil
}

// NetworkTransport sends requests on behalf of one node. It implements consensus.Transport and heartbeat.Sender.
type NetworkTransport struct {
	network *Network
	self    raft.NodeID
}

func (t *NetworkTransport) AppendEntries(ctx context.Context, target raft.NodeID,
	req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error) {
	h, ok, err := t.network.route(ctx, t.self, target, req.TargetGroup(), &t.network.AppendEntriesCount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &raft.AppendEntriesReply{NodeID: target, Group: req.TargetGroup(), Result: raft.ReplyGroupUnavailable}, nil
	}

	// The request crosses to another node, it must not share its reader with the sender
	foreign, err := req.MakeForeign(ctx)
	if err != nil {
		return nil, err
	}
	return h.AppendEntries(ctx, foreign)
}

func (t *NetworkTransport) Vote(ctx context.Context, target raft.NodeID, req *raft.VoteRequest) (*raft.VoteReply, error) {
	h, ok, err := t.network.route(ctx, t.self, target, req.TargetGroup(), &t.network.VoteCount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d on %s", raft.ErrGroupNotFound, req.TargetGroup(), target)
	}
	r := *req
	return h.Vote(ctx, &r)
}

// Heartbeat delivers every entry of req as an empty append entries request to its group on target
func (t *NetworkTransport) Heartbeat(ctx context.Context, target raft.NodeID,
	req *raft.HeartbeatRequest) (*raft.HeartbeatReply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.network.mu.Lock()
	unreachable := t.network.disconnected[t.self] || t.network.disconnected[target]
	if !unreachable {
		t.network.HeartbeatCount++
	}
	node, hasNode := t.network.nodes[target]
	t.network.mu.Unlock()
	if unreachable {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnreachable, t.self, target)
	}
	if hasNode {
		r := *req
		r.Meta = append([]raft.ProtocolMetadata(nil), req.Meta...)
		return node.Heartbeat(ctx, &r)
	}

	reply := &raft.HeartbeatReply{Meta: make([]raft.AppendEntriesReply, 0, len(req.Meta))}
	for _, meta := range req.Meta {
		t.network.mu.RLock()
		h, ok := t.network.handlers[endpoint{node: target, group: meta.Group}]
		t.network.mu.RUnlock()
		if !ok {
			reply.Meta = append(reply.Meta, raft.AppendEntriesReply{
				NodeID: target,
				Group:  meta.Group,
				Result: raft.ReplyGroupUnavailable,
			})
			continue
		}

		r, err := h.AppendEntries(ctx, &raft.AppendEntriesRequest{
			Source:  req.NodeID,
			Target:  target,
			Meta:    meta,
			Batches: raft.EmptyReader(),
		})
		if err != nil {
			// Leaving the group out of the reply makes the leader count it as a failure
			continue
		}
		reply.Meta = append(reply.Meta, *r)
	}
	return reply, nil
}
