package consensus

import (
	"context"

	"multiraft/internal/raft"
)

// election is the bookkeeping of a candidate for the term it campaigns on
type election struct {
	term    raft.Term
	granted map[raft.NodeID]struct{}
	// behind holds the voters which reported that the candidate's log is not up to date
	behind map[raft.NodeID]struct{}
}

// onElectionTimeout is called when no leader was heard of within the election timeout, Section 5.2 from the
// [Raft paper](https://raft.github.io/raft.pdf). A candidate whose election timed out starts a new one.
func (c *Consensus) onElectionTimeout() {
	if c.state == Leader {
		return
	}
	// Learners replicate but never campaign
	if !c.configuration.IsVoter(c.cfg.Self) {
		c.resetElectionTimer()
		return
	}
	c.startElection()
}

func (c *Consensus) startElection() {
	// 1. Increment the current term, 2. transition to candidate, 3. vote for itself
	c.term++
	c.state = Candidate
	c.votedFor = ""
	c.leader = ""
	if err := c.persistVote(c.cfg.Self); err != nil {
		c.logger.Errorf("[GROUP-%d] [TERM-%d] Not campaigning: %v", c.cfg.Group, c.term, err)
		c.state = Follower
		c.resetElectionTimer()
		return
	}

	c.metrics.RecordElection()
	c.electionStarted = c.clock.Now()
	c.election = &election{
		term:    c.term,
		granted: map[raft.NodeID]struct{}{c.cfg.Self: {}},
		behind:  make(map[raft.NodeID]struct{}),
	}
	c.resetElectionTimer()
	c.notify()

	c.logger.Infof("[GROUP-%d] [TERM-%d] Election timeout expired, starting an election", c.cfg.Group, c.term)

	// A single voter group elects itself
	if c.countVotes() {
		return
	}

	// 4. Send a RequestVote RPC to every other voter of the group
	req := raft.VoteRequest{
		NodeID:       c.cfg.Self,
		Group:        c.cfg.Group,
		Term:         c.term,
		PrevLogIndex: c.log.LastOffset(),
		PrevLogTerm:  c.log.LastTerm(),
	}
	for _, b := range c.configuration.Nodes() {
		if b.ID != c.cfg.Self {
			c.requestVote(b.ID, req)
		}
	}
}

func (c *Consensus) requestVote(target raft.NodeID, req raft.VoteRequest) {
	term := c.term
	c.metrics.RecordRequestVote()
	c.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()

		reply, err := c.transport.Vote(ctx, target, &req)
		_ = c.enqueue(context.Background(), func() { c.onVoteReply(term, target, reply, err) })
	})
}

func (c *Consensus) onVoteReply(term raft.Term, from raft.NodeID, reply *raft.VoteReply, err error) {
	if err != nil {
		c.logger.Debugf("[GROUP-%d] [TERM-%d] Vote request to %s failed: %v", c.cfg.Group, term, from, err)
		return
	}

	// If one server's current term is smaller than the other's, it updates its term and reverts to follower
	// (Section 5.1)
	if reply.Term > c.term {
		if err := c.stepDown(reply.Term, ""); err != nil {
			c.logger.Errorf("[GROUP-%d] %v", c.cfg.Group, err)
		}
		return
	}
	if c.state != Candidate || c.election == nil || c.election.term != term {
		return
	}

	if reply.Granted {
		c.election.granted[from] = struct{}{}
	}
	if !reply.LogOK {
		c.election.behind[from] = struct{}{}
	}
	c.countVotes()
}

// countVotes ends the election once its outcome is known. It returns true if the election is over.
func (c *Consensus) countVotes() bool {
	majority := c.configuration.Majority()

	if len(c.election.granted) >= majority {
		c.becomeLeader()
		return true
	}

	// A majority has a more complete log: this node cannot win, and campaigning again right away would only
	// disrupt the group
	if len(c.election.behind) >= majority {
		c.logger.Infof("[GROUP-%d] [TERM-%d] A majority has a more up to date log, backing off", c.cfg.Group, c.term)
		c.state = Follower
		c.election = nil
		c.backOffElection = true
		c.resetElectionTimer()
		return true
	}
	return false
}

func (c *Consensus) becomeLeader() {
	prevLast := c.log.LastOffset()

	// A new leader appends a configuration record in its own term. Entries of previous terms only commit once an
	// entry of the current term does (Section 5.4.2), this one does it without waiting for a client write.
	payload, err := raft.EncodeConfiguration(c.configuration)
	if err == nil {
		_, err = c.log.Append([]raft.Record{{
			Offset:  prevLast + 1,
			Term:    c.term,
			Type:    raft.ConfigurationRecord,
			Payload: payload,
		}})
	}
	if err == nil {
		err = c.log.Flush()
	}
	if err != nil {
		c.logger.Errorf("[GROUP-%d] [TERM-%d] Failed to start leading: %v", c.cfg.Group, c.term, err)
		c.state = Follower
		c.election = nil
		c.resetElectionTimer()
		return
	}

	c.state = Leader
	c.leader = c.cfg.Self
	c.election = nil
	c.electionTimer.Stop()
	c.metrics.RecordElectionDuration(c.clock.Now().Sub(c.electionStarted))

	// Replication to every member starts right after the leader's previous tail (Section 5.3)
	c.followers = make(map[raft.NodeID]*raft.FollowerIndex)
	c.configuration.ForEach(func(b raft.Broker) {
		if b.ID == c.cfg.Self {
			return
		}
		c.followers[b.ID] = raft.NewFollowerIndex(b.ID, prevLast, !c.configuration.IsVoter(b.ID))
	})

	c.logger.Infof("[GROUP-%d] [TERM-%d] Became leader of %s", c.cfg.Group, c.term, c.configuration)
	c.notify()

	c.advanceCommitIndex()
	c.dispatchAll()
}

// Vote handles a vote request of a candidate. The reply is sent once the resulting vote state is durable.
func (c *Consensus) Vote(ctx context.Context, req *raft.VoteRequest) (*raft.VoteReply, error) {
	var reply *raft.VoteReply
	err := c.call(ctx, func() error {
		alive := c.state == Leader ||
			(c.leader != "" && c.clock.Now().Sub(c.lastLeaderContact) < c.cfg.ElectionTimeoutMin)

		decision := raft.EvaluateVote(req, raft.VoterState{
			Term:         c.term,
			VotedFor:     c.votedFor,
			LastLogIndex: c.log.LastOffset(),
			LastLogTerm:  c.log.LastTerm(),
			LeaderAlive:  alive,
		})

		if decision.AdoptTerm {
			if err := c.stepDown(req.Term, ""); err != nil {
				return err
			}
		}
		// A vote is only granted once it is durable, a failed write leaves no vote behind
		if decision.RecordVote && c.votedFor != req.NodeID {
			if err := c.persistVote(req.NodeID); err != nil {
				return err
			}
		}
		if decision.Reply.Granted {
			// Granting a vote counts as hearing from a candidate, give it time to win
			c.resetElectionTimer()
		}

		c.logger.Debugf("[GROUP-%d] [TERM-%d] Vote request %s answered %s", c.cfg.Group, c.term, req,
			&decision.Reply)
		reply = &decision.Reply
		return nil
	})
	return reply, err
}
