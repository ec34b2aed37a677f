package consensus

import (
	"context"
	"fmt"
	"sort"
	"time"

	"multiraft/internal/raft"
	"multiraft/internal/raft/heartbeat"
)

// Replicate appends the records of batches to the log of the group and waits for the consistency level of opts:
//   - NoAck returns once the leader appended the records
//   - LeaderAck returns once the leader flushed them
//   - QuorumAck returns once they are committed
//
// The deadline is the one of ctx, or Config.ReplicateTimeout. When it expires the call fails with ErrNotCommitted,
// but the records may still be in the log and commit later. ErrNotLeader is returned if the node does not lead the
// group, or stops leading it before the records commit.
func (c *Consensus) Replicate(ctx context.Context, batches *raft.RecordBatchReader, opts raft.ReplicateOptions) (raft.ReplicateResult, error) {
	start := c.clock.Now()

	// The reader is drained here, in the caller's goroutine
	records, err := batches.Consume(ctx)
	if err != nil {
		return raft.ReplicateResult{}, err
	}
	if len(records) == 0 {
		return raft.ReplicateResult{}, raft.ErrEmptyBatch
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ReplicateTimeout)
		defer cancel()
	}

	w := &waiter{ctx: ctx, done: make(chan error, 1)}
	var result raft.ReplicateResult
	err = c.call(ctx, func() error {
		if c.state != Leader {
			return raft.ErrNotLeader
		}

		last, err := c.appendLocal(records)
		if err != nil {
			return err
		}
		result.LastOffset = last

		if opts.Consistency == raft.NoAck {
			w.done <- nil
		} else {
			if err := c.log.Flush(); err != nil {
				return fmt.Errorf("failed to flush group %d: %w", c.cfg.Group, err)
			}
			if opts.Consistency == raft.LeaderAck {
				w.done <- nil
			} else {
				w.offset = last
				c.waiters = append(c.waiters, w)
			}
		}

		c.dispatchAll()
		c.advanceCommitIndex()
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return raft.ReplicateResult{}, fmt.Errorf("%w: %w", raft.ErrNotCommitted, err)
		}
		return raft.ReplicateResult{}, err
	}

	select {
	case err := <-w.done:
		if err != nil {
			return result, err
		}
		c.metrics.RecordReplicateLatency(c.clock.Now().Sub(start))
		return result, nil
	case <-ctx.Done():
		// Without a quorum no commit would ever remove the waiter
		_ = c.enqueue(context.Background(), c.dropAbandonedWaiters)
		return result, fmt.Errorf("%w: offset %d: %w", raft.ErrNotCommitted, result.LastOffset, ctx.Err())
	case <-c.done:
		return result, fmt.Errorf("%w: group %d", raft.ErrStopped, c.cfg.Group)
	}
}

// appendLocal assigns offsets in the current term to records and appends them to the leader's log
func (c *Consensus) appendLocal(records []raft.Record) (raft.Offset, error) {
	last := c.log.LastOffset()
	for i := range records {
		records[i].Offset = last + raft.Offset(i) + 1
		records[i].Term = c.term
		if records[i].Type == 0 {
			records[i].Type = raft.DataRecord
		}
	}

	newLast, err := c.log.Append(records)
	if err != nil {
		return 0, fmt.Errorf("failed to append to group %d: %w", c.cfg.Group, err)
	}
	return newLast, nil
}

// meta builds the protocol metadata of a request whose records follow prevIndex
func (c *Consensus) meta(prevIndex raft.Offset) (raft.ProtocolMetadata, error) {
	prevTerm, err := c.log.TermAt(prevIndex)
	if err != nil {
		return raft.ProtocolMetadata{}, err
	}
	return raft.ProtocolMetadata{
		Group:        c.cfg.Group,
		CommitIndex:  c.commitIndex,
		Term:         c.term,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
	}, nil
}

func (c *Consensus) dispatchAll() {
	c.dropAbandonedWaiters()
	for _, f := range c.followers {
		c.dispatch(f)
	}
}

// dispatch sends the next records to f, unless a request to f is already in flight or f is up to date. A follower
// which does not host the group only gets heartbeats.
func (c *Consensus) dispatch(f *raft.FollowerIndex) {
	if c.state != Leader || f.InFlight || f.GroupMissing {
		return
	}
	if f.NextIndex > c.log.LastOffset() {
		return
	}

	limit := c.cfg.MaxBatchRecords
	if f.IsRecovering {
		limit = c.cfg.RecoveryBatchRecords
	}
	records, err := c.log.Read(f.NextIndex, limit)
	if err != nil {
		c.logger.Errorf("[GROUP-%d] Failed to read records from %d for %s: %v", c.cfg.Group, f.NextIndex, f.NodeID, err)
		return
	}
	meta, err := c.meta(f.NextIndex - 1)
	if err != nil {
		c.logger.Errorf("[GROUP-%d] Failed to build request for %s: %v", c.cfg.Group, f.NodeID, err)
		return
	}

	req := &raft.AppendEntriesRequest{
		Source:  c.cfg.Self,
		Target:  f.NodeID,
		Meta:    meta,
		Batches: raft.NewMemoryReader(records),
		Flush:   raft.FlushAfterAppend(c.cfg.FlushAfterAppend || len(c.waiters) > 0),
	}

	// The sequence number travels with the continuation, not on the wire
	seq := f.NextSeq()
	f.InFlight = true
	term, target := c.term, f.NodeID
	c.metrics.RecordAppendEntries()

	c.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()

		reply, err := c.transport.AppendEntries(ctx, target, req)
		_ = c.enqueue(context.Background(), func() {
			c.onAppendReply(term, target, seq, meta.PrevLogIndex, reply, err)
		})
	})
}

// onAppendReply applies the outcome of an append entries request or of a heartbeat to the follower tracker.
// sentPrev is the PrevLogIndex the request was sent with.
func (c *Consensus) onAppendReply(term raft.Term, from raft.NodeID, seq raft.FollowerReqSeq, sentPrev raft.Offset,
	reply *raft.AppendEntriesReply, err error) {
	// Replies to requests of an earlier leadership are ignored
	if c.state != Leader || c.term != term {
		return
	}
	f, ok := c.followers[from]
	if !ok {
		return
	}
	if seq == f.LastSentSeq {
		f.InFlight = false
	}

	if err != nil {
		f.OnTimeout(c.cfg.RecoveryThreshold)
		c.metrics.RecordFailedAppend()
		c.logger.Debugf("[GROUP-%d] [TERM-%d] No reply from %s: %v", c.cfg.Group, c.term, from, err)
		return
	}

	if reply.Term > c.term {
		c.logger.Infof("[GROUP-%d] [TERM-%d] %s is in term %d", c.cfg.Group, c.term, from, reply.Term)
		if err := c.stepDown(reply.Term, ""); err != nil {
			c.logger.Errorf("[GROUP-%d] %v", c.cfg.Group, err)
		}
		return
	}

	if !f.AcceptSeq(seq) {
		c.metrics.RecordReorderedReply()
		c.logger.Debugf("[GROUP-%d] Dropping reordered reply %d from %s, already at %d", c.cfg.Group, seq, from,
			f.LastReceivedSeq)
		return
	}

	now := c.clock.Now()
	switch reply.Result {
	case raft.ReplyGroupUnavailable:
		f.OnGroupUnavailable()
		c.metrics.RecordGroupUnavailable()
		if c.cfg.OnGroupUnavailable != nil {
			c.cfg.OnGroupUnavailable(c.cfg.Group, from)
		}
		return
	case raft.ReplyFailure:
		f.OnFailure(reply, sentPrev, c.cfg.RecoveryThreshold, now)
		c.metrics.RecordFailedAppend()
		if f.IsRecovering {
			c.logger.Debugf("[GROUP-%d] %s is recovering from %d", c.cfg.Group, from, f.NextIndex)
		}
	case raft.ReplySuccess:
		f.OnSuccess(reply, now)
		if f.CaughtUp(c.log.LastOffset()) {
			c.logger.Infof("[GROUP-%d] %s caught up at %d", c.cfg.Group, from, f.MatchIndex)
		}
		c.advanceCommitIndex()
	}

	c.dispatch(f)
}

// advanceCommitIndex moves the commit index to the highest offset flushed by a majority of voters, if it belongs to
// the current term (Section 5.3 and 5.4)
func (c *Consensus) advanceCommitIndex() {
	if c.state != Leader {
		return
	}

	candidate := raft.QuorumIndex(c.configuration, c.cfg.Self, c.log.FlushedOffset(), c.followers)
	next, err := raft.AdvanceCommitIndex(c.commitIndex, candidate, c.term, c.log.TermAt)
	if err != nil {
		c.logger.Errorf("[GROUP-%d] [TERM-%d] %v", c.cfg.Group, c.term, err)
		return
	}
	c.setCommitIndex(next)
}

// HeartbeatTargets returns a heartbeat for every follower which is idle. Followers which are behind get their
// records right away instead. Leaders flush their log lazily here, so records replicated without a quorum
// eventually commit.
func (c *Consensus) HeartbeatTargets(ctx context.Context, now time.Time) ([]heartbeat.Target, error) {
	type result struct {
		targets []heartbeat.Target
		err     error
	}
	res := make(chan result, 1)
	err := c.enqueue(ctx, func() {
		targets, err := c.heartbeatTargets()
		res <- result{targets: targets, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-res:
		return r.targets, r.err
	case <-ctx.Done():
		// The targets may still be built after the caller left; nobody will answer them, so release their followers
		_ = c.enqueue(context.Background(), func() {
			select {
			case r := <-res:
				for _, t := range r.targets {
					if f, ok := c.followers[t.Node]; ok && f.LastSentSeq == t.Seq {
						f.InFlight = false
					}
				}
			default:
			}
		})
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%w: group %d", raft.ErrStopped, c.cfg.Group)
	}
}

// heartbeatTargets marks the idle followers in flight and returns a heartbeat target for each of them. Followers
// with records to catch up on get an AppendEntries request instead.
func (c *Consensus) heartbeatTargets() ([]heartbeat.Target, error) {
	if c.state != Leader {
		return nil, nil
	}

	if c.log.FlushedOffset() < c.log.LastOffset() {
		if err := c.log.Flush(); err != nil {
			c.logger.Errorf("[GROUP-%d] Failed to flush: %v", c.cfg.Group, err)
		}
		c.advanceCommitIndex()
	}

	ids := make([]raft.NodeID, 0, len(c.followers))
	for id := range c.followers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var targets []heartbeat.Target
	last := c.log.LastOffset()
	for _, id := range ids {
		f := c.followers[id]
		if f.InFlight {
			continue
		}
		if !f.GroupMissing && f.NextIndex <= last {
			c.dispatch(f)
			continue
		}

		meta, err := c.meta(min(f.NextIndex-1, last))
		if err != nil {
			c.logger.Errorf("[GROUP-%d] Failed to build heartbeat for %s: %v", c.cfg.Group, id, err)
			continue
		}
		f.InFlight = true
		targets = append(targets, heartbeat.Target{Node: id, Seq: f.NextSeq(), Meta: meta})
	}
	return targets, nil
}

// ProcessHeartbeatReply applies the reply of a follower to a batched heartbeat
func (c *Consensus) ProcessHeartbeatReply(target heartbeat.Target, reply *raft.AppendEntriesReply) {
	_ = c.enqueue(context.Background(), func() {
		c.onAppendReply(target.Meta.Term, target.Node, target.Seq, target.Meta.PrevLogIndex, reply, nil)
	})
}

// ProcessHeartbeatFailure records that a follower did not answer a batched heartbeat
func (c *Consensus) ProcessHeartbeatFailure(target heartbeat.Target, err error) {
	_ = c.enqueue(context.Background(), func() {
		c.onAppendReply(target.Meta.Term, target.Node, target.Seq, target.Meta.PrevLogIndex, nil, err)
	})
}
