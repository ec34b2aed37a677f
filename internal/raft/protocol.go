package raft

import (
	"context"
	"fmt"
	"strings"
)

// ProtocolMetadata is a snapshot of a group's replication cursor. It is produced fresh for every append entries and
// heartbeat message.
type ProtocolMetadata struct {
	Group       GroupID
	CommitIndex Offset
	Term        Term
	// PrevLogIndex and PrevLogTerm identify the entry immediately preceding the entries being sent, used for the
	// log matching check from Section 5.3 of the [Raft paper](https://raft.github.io/raft.pdf)
	PrevLogIndex Offset
	PrevLogTerm  Term
}

func (m ProtocolMetadata) String() string {
	return fmt.Sprintf("{group: %d, commit_index: %d, term: %d, prev_log_index: %d, prev_log_term: %d}",
		m.Group, m.CommitIndex, m.Term, m.PrevLogIndex, m.PrevLogTerm)
}

// FlushAfterAppend tells a follower whether it must durably persist the appended records before replying
type FlushAfterAppend bool

// AppendEntriesRequest replicates records from the leader (Source) to a follower (Target)
type AppendEntriesRequest struct {
	Source  NodeID
	Target  NodeID
	Meta    ProtocolMetadata
	Batches *RecordBatchReader
	Flush   FlushAfterAppend
}

func (r *AppendEntriesRequest) TargetGroup() GroupID { return r.Meta.Group }

// MakeForeign detaches the request's records so the request can be handed to another goroutine. The original
// request must not be used afterwards.
func (r *AppendEntriesRequest) MakeForeign(ctx context.Context) (*AppendEntriesRequest, error) {
	batches, err := r.Batches.Detach(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to detach append entries batches: %w", err)
	}
	return &AppendEntriesRequest{
		Source:  r.Source,
		Target:  r.Target,
		Meta:    r.Meta,
		Batches: batches,
		Flush:   r.Flush,
	}, nil
}

func (r *AppendEntriesRequest) String() string {
	return fmt.Sprintf("{source: %s, target: %s, meta: %s, flush: %t}", r.Source, r.Target, r.Meta, r.Flush)
}

// ReplyStatus is the outcome of an append entries request
type ReplyStatus uint8

const (
	// ReplySuccess means the follower log matched and the records were appended
	ReplySuccess ReplyStatus = iota
	// ReplyFailure means the follower log diverged at PrevLogIndex/PrevLogTerm, or the request term was stale
	ReplyFailure
	// ReplyGroupUnavailable means the follower does not host the group at all
	ReplyGroupUnavailable
)

func (s ReplyStatus) String() string {
	switch s {
	case ReplySuccess:
		return "success"
	case ReplyFailure:
		return "failure"
	case ReplyGroupUnavailable:
		return "group_unavailable"
	default:
		return "unknown"
	}
}

// AppendEntriesReply is the follower's answer to an AppendEntriesRequest or to one entry of a HeartbeatRequest
type AppendEntriesReply struct {
	// NodeID is the responding follower. Batched heartbeat replies need it to be routed back.
	NodeID NodeID
	Group  GroupID
	// Term is the follower's current term, for the leader to update itself
	Term Term
	// LastCommittedLogIndex is the last offset the follower has durably flushed
	LastCommittedLogIndex Offset
	// LastDirtyLogIndex is the last offset the follower has appended, flushed or not
	LastDirtyLogIndex Offset
	Result            ReplyStatus
}

func (r *AppendEntriesReply) String() string {
	return fmt.Sprintf("{node: %s, group: %d, term: %d, last_committed: %d, last_dirty: %d, result: %s}",
		r.NodeID, r.Group, r.Term, r.LastCommittedLogIndex, r.LastDirtyLogIndex, r.Result)
}

// HeartbeatRequest carries the protocol metadata of every group led by NodeID that has a follower on the target
// node. One request per peer, regardless of how many groups the two nodes share.
type HeartbeatRequest struct {
	NodeID NodeID
	Meta   []ProtocolMetadata
}

func (r *HeartbeatRequest) String() string {
	return fmt.Sprintf("{node: %s, groups: %d}", r.NodeID, len(r.Meta))
}

// HeartbeatReply carries one AppendEntriesReply per group of the matching HeartbeatRequest
type HeartbeatReply struct {
	Meta []AppendEntriesReply
}

func (r *HeartbeatReply) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i := range r.Meta {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.Meta[i].String())
	}
	b.WriteString("}")
	return b.String()
}

// VoteRequest is sent by a candidate to gather votes (Section 5.2)
type VoteRequest struct {
	NodeID NodeID
	Group  GroupID
	Term   Term
	// PrevLogIndex and PrevLogTerm describe the candidate's log tail and are used to compare completeness
	PrevLogIndex Offset
	PrevLogTerm  Term
}

func (r *VoteRequest) TargetGroup() GroupID { return r.Group }

func (r *VoteRequest) String() string {
	return fmt.Sprintf("{node: %s, group: %d, term: %d, prev_log_index: %d, prev_log_term: %d}",
		r.NodeID, r.Group, r.Term, r.PrevLogIndex, r.PrevLogTerm)
}

// VoteReply is the answer to a VoteRequest
type VoteReply struct {
	// Term is the responder's term, for the candidate to update itself
	Term Term
	// Granted is true if the responder voted for the candidate
	Granted bool
	// LogOK is true if the candidate's log is at least as up to date as the responder's, independently of Granted.
	// It lets a server rejoining the cluster learn it is not behind, see section 9.6 of the Raft dissertation,
	// "Preventing disruptions when a server rejoins the cluster".
	LogOK bool
}

func (r *VoteReply) String() string {
	return fmt.Sprintf("{term: %d, granted: %t, log_ok: %t}", r.Term, r.Granted, r.LogOK)
}

// LeadershipStatus is published on every leader or term change of a group
type LeadershipStatus struct {
	Term  Term
	Group GroupID
	// CurrentLeader is empty while the group has no known leader
	CurrentLeader NodeID
}

// Leader returns the current leader, or false when the group is leaderless
func (s LeadershipStatus) Leader() (NodeID, bool) {
	return s.CurrentLeader, s.CurrentLeader != ""
}

func (s LeadershipStatus) String() string {
	leader := string(s.CurrentLeader)
	if leader == "" {
		leader = "none"
	}
	return fmt.Sprintf("{term: %d, group: %d, leader: %s}", s.Term, s.Group, leader)
}

// ReplicateResult carries the offset assigned to the last record of a replicate call
type ReplicateResult struct {
	LastOffset Offset
}

// ConsistencyLevel selects how strong a guarantee a replicate call waits for
type ConsistencyLevel uint8

const (
	// QuorumAck completes once the records are committed, i.e. flushed by a majority of voters
	QuorumAck ConsistencyLevel = iota
	// LeaderAck completes once the leader has flushed the records
	LeaderAck
	// NoAck completes once the leader has appended the records
	NoAck
)

func (l ConsistencyLevel) String() string {
	switch l {
	case QuorumAck:
		return "quorum_ack"
	case LeaderAck:
		return "leader_ack"
	case NoAck:
		return "no_ack"
	default:
		return "unknown"
	}
}

type ReplicateOptions struct {
	Consistency ConsistencyLevel
}

func NewReplicateOptions(l ConsistencyLevel) ReplicateOptions {
	return ReplicateOptions{Consistency: l}
}
