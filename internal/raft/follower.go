package raft

import (
	"fmt"
	"time"
)

// FollowerReqSeq numbers the requests a leader sends to one follower. It is assigned before dispatch, carried by the
// pending request continuation, and checked when the reply arrives.
type FollowerReqSeq uint64

// FollowerIndex is the state a leader keeps for one follower of one group. It is owned by the group's execution
// context and never shared.
type FollowerIndex struct {
	NodeID NodeID
	// LastCommittedLogIndex is the last offset the follower reported as durably flushed
	LastCommittedLogIndex Offset
	// LastDirtyLogIndex is the last offset the follower reported as appended
	LastDirtyLogIndex Offset
	// MatchIndex is the highest offset known to be identical in both logs
	MatchIndex Offset
	// NextIndex is the next offset to send
	NextIndex     Offset
	LastHeartbeat time.Time
	FailedAppends uint32

	LastSentSeq     FollowerReqSeq
	LastReceivedSeq FollowerReqSeq

	IsLearner bool
	// IsRecovering is set after repeated failures and switches the follower to bulk catch up
	IsRecovering bool
	// GroupMissing is set while the follower answers group_unavailable. Only heartbeats are sent to it.
	GroupMissing bool
	// InFlight is true while a request to the follower awaits its reply. At most one request is outstanding.
	InFlight bool
}

// NewFollowerIndex creates the tracker a new leader builds for a member. Replication starts optimistically right
// after the leader's last offset (Section 5.3).
func NewFollowerIndex(id NodeID, leaderLast Offset, learner bool) *FollowerIndex {
	return &FollowerIndex{
		NodeID:    id,
		NextIndex: leaderLast + 1,
		IsLearner: learner,
	}
}

// MatchCommittedIndex is the offset the follower both matches and has flushed, the value that counts toward
// commit advancement
func (f *FollowerIndex) MatchCommittedIndex() Offset {
	return min(f.LastCommittedLogIndex, f.MatchIndex)
}

// NextSeq allocates the sequence number of the next request to the follower
func (f *FollowerIndex) NextSeq() FollowerReqSeq {
	f.LastSentSeq++
	return f.LastSentSeq
}

// AcceptSeq applies the high-water-mark rule to the reply of request seq. A reply older than the newest processed
// one is stale and must be dropped without touching the tracker.
func (f *FollowerIndex) AcceptSeq(seq FollowerReqSeq) bool {
	if seq < f.LastReceivedSeq {
		return false
	}
	f.LastReceivedSeq = seq
	return true
}

// OnSuccess applies a successful append entries reply
func (f *FollowerIndex) OnSuccess(reply *AppendEntriesReply, now time.Time) {
	f.MatchIndex = max(f.MatchIndex, reply.LastDirtyLogIndex)
	f.NextIndex = reply.LastDirtyLogIndex + 1
	f.LastCommittedLogIndex = reply.LastCommittedLogIndex
	f.LastDirtyLogIndex = reply.LastDirtyLogIndex
	f.FailedAppends = 0
	f.LastHeartbeat = now
	f.GroupMissing = false
}

// OnFailure applies a log mismatch reply to the request which was sent with sentPrevLogIndex. NextIndex steps back
// to the entry before the rejected one, or further to the follower's own tail, but never below the matched prefix.
func (f *FollowerIndex) OnFailure(reply *AppendEntriesReply, sentPrevLogIndex Offset, threshold uint32, now time.Time) {
	next := min(f.NextIndex, sentPrevLogIndex, reply.LastDirtyLogIndex+1)
	f.NextIndex = max(next, f.MatchIndex+1)
	f.LastCommittedLogIndex = min(f.LastCommittedLogIndex, reply.LastCommittedLogIndex)
	f.LastDirtyLogIndex = reply.LastDirtyLogIndex
	f.LastHeartbeat = now
	f.GroupMissing = false
	f.recordFailure(threshold)
}

// OnTimeout records a request that got no reply. NextIndex is left alone.
func (f *FollowerIndex) OnTimeout(threshold uint32) {
	f.recordFailure(threshold)
}

// OnGroupUnavailable records that the follower does not host the group yet. Progress is left alone.
func (f *FollowerIndex) OnGroupUnavailable() {
	f.GroupMissing = true
}

// CaughtUp leaves recovery mode once the follower matches the leader's tail
func (f *FollowerIndex) CaughtUp(leaderLast Offset) bool {
	if f.IsRecovering && f.MatchIndex >= leaderLast {
		f.IsRecovering = false
		return true
	}
	return false
}

func (f *FollowerIndex) recordFailure(threshold uint32) {
	f.FailedAppends++
	if f.FailedAppends > threshold {
		f.IsRecovering = true
	}
}

func (f *FollowerIndex) String() string {
	return fmt.Sprintf("{node: %s, match: %d, next: %d, committed: %d, dirty: %d, failed: %d, seq: %d/%d, "+
		"learner: %t, recovering: %t}", f.NodeID, f.MatchIndex, f.NextIndex, f.LastCommittedLogIndex,
		f.LastDirtyLogIndex, f.FailedAppends, f.LastSentSeq, f.LastReceivedSeq, f.IsLearner, f.IsRecovering)
}
