package consensus

import (
	"context"
	"fmt"

	"multiraft/internal/raft"
)

// AppendEntries handles an append entries request, or one entry of a batched heartbeat, from the leader of the
// group. The records are drained in the caller's goroutine before the request is handed to the group.
func (c *Consensus) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error) {
	foreign, err := req.MakeForeign(ctx)
	if err != nil {
		return nil, err
	}
	records, err := foreign.Batches.Consume(ctx)
	if err != nil {
		return nil, err
	}

	var reply *raft.AppendEntriesReply
	err = c.call(ctx, func() error {
		var err error
		reply, err = c.handleAppendEntries(foreign, records)
		return err
	})
	return reply, err
}

func (c *Consensus) handleAppendEntries(req *raft.AppendEntriesRequest, records []raft.Record) (*raft.AppendEntriesReply, error) {
	meta := req.Meta
	reply := &raft.AppendEntriesReply{
		NodeID: c.cfg.Self,
		Group:  c.cfg.Group,
		Result: raft.ReplyFailure,
	}
	fill := func() *raft.AppendEntriesReply {
		reply.Term = c.term
		reply.LastCommittedLogIndex = c.log.FlushedOffset()
		if reply.Result != raft.ReplySuccess {
			reply.LastDirtyLogIndex = c.log.LastOffset()
		}
		return reply
	}

	// 1. Reply false if term < currentTerm (Section 5.1)
	if meta.Term < c.term {
		return fill(), nil
	}

	// A request of the current or a newer term comes from the legitimate leader
	if meta.Term > c.term || c.state != Follower || c.leader != req.Source {
		if err := c.stepDown(meta.Term, req.Source); err != nil {
			return nil, err
		}
	}
	c.lastLeaderContact = c.clock.Now()
	c.resetElectionTimer()

	// 2. Reply false if the log doesn't contain an entry at prevLogIndex whose term matches prevLogTerm (Section 5.3)
	if meta.PrevLogIndex > c.log.LastOffset() {
		return fill(), nil
	}
	prevTerm, err := c.log.TermAt(meta.PrevLogIndex)
	if err != nil {
		return nil, err
	}
	if prevTerm != meta.PrevLogTerm {
		c.logger.Debugf("[GROUP-%d] [TERM-%d] Log mismatch at %d: term %d, leader has %d", c.cfg.Group, c.term,
			meta.PrevLogIndex, prevTerm, meta.PrevLogTerm)
		return fill(), nil
	}

	for i, r := range records {
		if expected := meta.PrevLogIndex + raft.Offset(i) + 1; r.Offset != expected {
			return nil, fmt.Errorf("%w: record %d of request from %s has offset %d, expected %d",
				raft.ErrOffsetOutOfRange, i, req.Source, r.Offset, expected)
		}
	}

	// 3. If an existing entry conflicts with a new one (same index but different terms), delete the existing entry
	// and all that follow it. Entries which are already present are skipped, a delayed request must not truncate
	// anything it doesn't conflict with.
	fresh := records
	for len(fresh) > 0 && fresh[0].Offset <= c.log.LastOffset() {
		term, err := c.log.TermAt(fresh[0].Offset)
		if err != nil {
			return nil, err
		}
		if term != fresh[0].Term {
			if fresh[0].Offset <= c.commitIndex {
				return nil, fmt.Errorf("group %d: leader %s conflicts with committed offset %d", c.cfg.Group,
					req.Source, fresh[0].Offset)
			}
			c.logger.Infof("[GROUP-%d] [TERM-%d] Truncating log at %d", c.cfg.Group, c.term, fresh[0].Offset)
			if err := c.log.Truncate(fresh[0].Offset); err != nil {
				return nil, err
			}
			break
		}
		fresh = fresh[1:]
	}

	// 4. Append any new entries not already in the log
	if len(fresh) > 0 {
		if _, err := c.log.Append(fresh); err != nil {
			return nil, err
		}
		for _, r := range fresh {
			c.learnConfiguration(r)
		}
	}

	// Heartbeats flush what earlier requests left dirty
	if bool(req.Flush) || len(records) == 0 {
		if c.log.FlushedOffset() < c.log.LastOffset() {
			if err := c.log.Flush(); err != nil {
				return nil, err
			}
		}
	}

	// 5. If leaderCommit > commitIndex, set commitIndex = min(leaderCommit, index of last new entry). Only the
	// prefix verified by this request is known to match the leader.
	verified := meta.PrevLogIndex + raft.Offset(len(records))
	c.setCommitIndex(min(meta.CommitIndex, verified))

	reply.Result = raft.ReplySuccess
	reply.LastDirtyLogIndex = verified
	return fill(), nil
}
