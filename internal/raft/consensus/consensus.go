package consensus

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"multiraft/internal/raft"
	"multiraft/internal/raft/storage"
)

// State is the role of the local node in a group: leader, follower, or candidate
type State uint8

const (
	Follower State = iota
	Candidate
	Leader
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case Leader:
		return "Leader"
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	default:
		return "Unknown"
	}
}

// Transport sends the requests of a group to another node and returns its reply
type Transport interface {
	AppendEntries(ctx context.Context, target raft.NodeID, req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error)
	Vote(ctx context.Context, target raft.NodeID, req *raft.VoteRequest) (*raft.VoteReply, error)
}

// Notifier receives a LeadershipStatus on every leader or term change
type Notifier interface {
	Notify(status raft.LeadershipStatus)
}

// Applier receives the committed records of a group, in log order, each exactly once per process lifetime
type Applier interface {
	Apply(group raft.GroupID, records []raft.Record) error
}

// MetricsCollector is an optional interface for collecting performance metrics
type MetricsCollector interface {
	RecordReplicateLatency(latency time.Duration)
	RecordRecordsCommitted(n int)
	RecordAppendEntries()
	RecordRequestVote()
	RecordElection()
	RecordElectionDuration(duration time.Duration)
	RecordReorderedReply()
	RecordGroupUnavailable()
	RecordFailedAppend()
}

type nopMetrics struct{}

func (nopMetrics) RecordReplicateLatency(time.Duration) {}
func (nopMetrics) RecordRecordsCommitted(int)           {}
func (nopMetrics) RecordAppendEntries()                 {}
func (nopMetrics) RecordRequestVote()                   {}
func (nopMetrics) RecordElection()                      {}
func (nopMetrics) RecordElectionDuration(time.Duration) {}
func (nopMetrics) RecordReorderedReply()                {}
func (nopMetrics) RecordGroupUnavailable()              {}
func (nopMetrics) RecordFailedAppend()                  {}

// Deps are the collaborators of a Consensus. Log and Transport are required.
type Deps struct {
	Log       storage.Log
	Transport Transport
	Notifier  Notifier
	Applier   Applier
	Metrics   MetricsCollector
	Logger    raft.Logger
	Clock     raft.Clock
}

// Status is a point in time view of a group, published after every change
type Status struct {
	Group         raft.GroupID
	State         State
	Term          raft.Term
	Leader        raft.NodeID
	CommitIndex   raft.Offset
	LastOffset    raft.Offset
	Configuration raft.GroupConfiguration
	// Followers is only set on the leader
	Followers []raft.FollowerIndex
}

const (
	lifecycleNew int32 = iota
	lifecycleRunning
	lifecycleStopped
)

// waiter is a Replicate call waiting for the commit index to reach offset. It is abandoned once ctx is done.
type waiter struct {
	ctx    context.Context
	offset raft.Offset
	done   chan error
}

// Consensus runs the Raft protocol for one group.
//
// All the state of the group is owned by a single goroutine. Handlers, timers and replies are turned into closures
// and executed one at a time from the inbox, so nothing below needs a lock. Requests to other nodes are sent from
// separate goroutines and their replies are queued back as closures.
type Consensus struct {
	cfg       Config
	log       storage.Log
	transport Transport
	notifier  Notifier
	applier   Applier
	metrics   MetricsCollector
	logger    raft.Logger
	clock     raft.Clock

	inbox     chan func()
	stopCh    chan struct{}
	done      chan struct{}
	lifecycle atomic.Int32
	// spawn runs blocking calls to other nodes outside of the group's goroutine
	spawn func(func())

	status atomic.Pointer[Status]

	// Everything below is owned by the run goroutine
	state         State
	term          raft.Term
	votedFor      raft.NodeID
	leader        raft.NodeID
	configuration raft.GroupConfiguration
	commitIndex   raft.Offset
	appliedIndex  raft.Offset

	followers map[raft.NodeID]*raft.FollowerIndex
	waiters   []*waiter

	electionTimer     *time.Timer
	election          *election
	electionStarted   time.Time
	backOffElection   bool
	lastLeaderContact time.Time
}

// New creates the consensus of a group. It does not run until Start is called.
func New(cfg Config, deps Deps) (*Consensus, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Log == nil || deps.Transport == nil {
		return nil, fmt.Errorf("%w: group %d needs a log and a transport", raft.ErrInvalidConfiguration, cfg.Group)
	}

	c := &Consensus{
		cfg:           cfg,
		log:           deps.Log,
		transport:     deps.Transport,
		notifier:      deps.Notifier,
		applier:       deps.Applier,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
		clock:         deps.Clock,
		inbox:         make(chan func(), cfg.InboxSize),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		spawn:         func(f func()) { go f() },
		state:         Follower,
		configuration: cfg.Configuration,
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.logger == nil {
		c.logger = raft.NopLogger()
	}
	if c.clock == nil {
		c.clock = raft.SystemClock()
	}

	c.publish()
	return c, nil
}

// GroupID returns the id of the group
func (c *Consensus) GroupID() raft.GroupID { return c.cfg.Group }

// Start recovers the persisted state of the group and starts its goroutine
func (c *Consensus) Start() error {
	if !c.lifecycle.CompareAndSwap(lifecycleNew, lifecycleRunning) {
		return fmt.Errorf("%w: group %d cannot be started twice", raft.ErrStopped, c.cfg.Group)
	}
	if err := c.recover(); err != nil {
		c.lifecycle.Store(lifecycleStopped)
		close(c.stopCh)
		close(c.done)
		return err
	}

	c.publish()
	go c.run()
	return nil
}

// Stop stops the group's goroutine and waits for it to exit. Pending Replicate calls fail with ErrStopped.
func (c *Consensus) Stop() {
	switch {
	case c.lifecycle.CompareAndSwap(lifecycleRunning, lifecycleStopped):
		close(c.stopCh)
		<-c.done
	case c.lifecycle.CompareAndSwap(lifecycleNew, lifecycleStopped):
		close(c.stopCh)
		close(c.done)
	}
}

// recover restores the vote state and the latest configuration from the log
func (c *Consensus) recover() error {
	vs, err := c.log.VoteState()
	if err != nil {
		return fmt.Errorf("failed to load vote state of group %d: %w", c.cfg.Group, err)
	}
	c.term, c.votedFor = vs.Term, vs.VotedFor

	last := c.log.LastOffset()
	for from := raft.Offset(1); from <= last; {
		records, err := c.log.Read(from, c.cfg.RecoveryBatchRecords)
		if err != nil {
			return fmt.Errorf("failed to scan log of group %d: %w", c.cfg.Group, err)
		}
		if len(records) == 0 {
			break
		}
		for _, r := range records {
			c.learnConfiguration(r)
		}
		from = records[len(records)-1].Offset + 1
	}

	c.logger.Infof("[GROUP-%d] [TERM-%d] Recovered log up to %d, voted for %q, configuration %s",
		c.cfg.Group, c.term, last, c.votedFor, c.configuration)
	return nil
}

// learnConfiguration replaces the configuration if r carries a newer one
func (c *Consensus) learnConfiguration(r raft.Record) {
	if r.Type != raft.ConfigurationRecord {
		return
	}
	cfg, err := raft.DecodeConfiguration(r.Payload)
	if err != nil {
		c.logger.Errorf("[GROUP-%d] Ignoring configuration record %d: %v", c.cfg.Group, r.Offset, err)
		return
	}
	if cfg.Version() >= c.configuration.Version() {
		c.configuration = cfg
	}
}

func (c *Consensus) run() {
	defer close(c.done)

	c.electionTimer = time.NewTimer(c.electionTimeout())
	defer c.electionTimer.Stop()

	for {
		select {
		case <-c.stopCh:
			c.failWaiters(raft.ErrStopped)
			c.logger.Infof("[GROUP-%d] [TERM-%d] Stopped", c.cfg.Group, c.term)
			return
		case fn := <-c.inbox:
			fn()
		case <-c.electionTimer.C:
			c.onElectionTimeout()
		}
		c.publish()
	}
}

// enqueue hands fn to the group's goroutine. It gives up once ctx is done or the group stops.
func (c *Consensus) enqueue(ctx context.Context, fn func()) error {
	if c.lifecycle.Load() != lifecycleRunning {
		return fmt.Errorf("%w: group %d", raft.ErrStopped, c.cfg.Group)
	}
	select {
	case c.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return fmt.Errorf("%w: group %d", raft.ErrStopped, c.cfg.Group)
	}
}

// call runs fn on the group's goroutine and waits for its result
func (c *Consensus) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if err := c.enqueue(ctx, func() { res <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%w: group %d", raft.ErrStopped, c.cfg.Group)
	}
}

// publish refreshes the snapshot read by the accessors
func (c *Consensus) publish() {
	s := &Status{
		Group:         c.cfg.Group,
		State:         c.state,
		Term:          c.term,
		Leader:        c.leader,
		CommitIndex:   c.commitIndex,
		LastOffset:    c.log.LastOffset(),
		Configuration: c.configuration,
	}
	if c.state == Leader {
		s.Followers = make([]raft.FollowerIndex, 0, len(c.followers))
		for _, f := range c.followers {
			s.Followers = append(s.Followers, *f)
		}
	}
	c.status.Store(s)
}

// Status returns the last published view of the group
func (c *Consensus) Status() Status { return *c.status.Load() }

// Configuration returns the current membership of the group
func (c *Consensus) Configuration() raft.GroupConfiguration { return c.status.Load().Configuration }

func (c *Consensus) CommitIndex() raft.Offset { return c.status.Load().CommitIndex }

func (c *Consensus) Term() raft.Term { return c.status.Load().Term }

func (c *Consensus) State() State { return c.status.Load().State }

// LeaderID returns the current leader, or false when the group has no known leader
func (c *Consensus) LeaderID() (raft.NodeID, bool) {
	s := c.status.Load()
	return s.Leader, s.Leader != ""
}

// Followers returns a copy of the follower trackers. It is empty unless the node leads the group.
func (c *Consensus) Followers() []raft.FollowerIndex {
	return append([]raft.FollowerIndex(nil), c.status.Load().Followers...)
}

// electionTimeout picks a random timeout in [ElectionTimeoutMin, ElectionTimeoutMax]. It is doubled once after an
// election lost to a more up to date log, so the node stops disrupting the group.
func (c *Consensus) electionTimeout() time.Duration {
	d := c.cfg.ElectionTimeoutMin
	if spread := c.cfg.ElectionTimeoutMax - c.cfg.ElectionTimeoutMin; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread) + 1))
	}
	if c.backOffElection {
		c.backOffElection = false
		d *= 2
	}
	return d
}

func (c *Consensus) resetElectionTimer() {
	if c.electionTimer != nil {
		c.electionTimer.Reset(c.electionTimeout())
	}
}

// persistVote durably stores the current term with votedFor, and only then records the vote in memory. It must
// succeed before replying to a request that changed them.
func (c *Consensus) persistVote(votedFor raft.NodeID) error {
	err := c.log.SetVoteState(storage.VoteState{Term: c.term, VotedFor: votedFor})
	if err != nil {
		return fmt.Errorf("failed to persist vote state of group %d: %w", c.cfg.Group, err)
	}
	c.votedFor = votedFor
	return nil
}

func (c *Consensus) notify() {
	status := raft.LeadershipStatus{Term: c.term, Group: c.cfg.Group, CurrentLeader: c.leader}
	c.logger.Debugf("[GROUP-%d] Leadership changed: %s", c.cfg.Group, status)
	if c.notifier != nil {
		c.notifier.Notify(status)
	}
}

// stepDown turns the node into a follower of leader (empty if unknown) in term, adopting term if it is higher.
func (c *Consensus) stepDown(term raft.Term, leader raft.NodeID) error {
	changed := false
	if term > c.term {
		c.term = term
		c.votedFor = ""
		if err := c.persistVote(""); err != nil {
			return err
		}
		changed = true
	}

	if c.state == Leader {
		c.logger.Infof("[GROUP-%d] [TERM-%d] Stepping down as leader", c.cfg.Group, c.term)
		c.followers = nil
		c.failWaiters(raft.ErrNotLeader)
	}
	c.state = Follower
	c.election = nil
	if c.leader != leader {
		c.leader = leader
		changed = true
	}

	c.resetElectionTimer()
	if changed {
		c.notify()
	}
	return nil
}

// setCommitIndex publishes a new commit index: waiting Replicate calls complete and the Applier catches up
func (c *Consensus) setCommitIndex(offset raft.Offset) {
	if offset <= c.commitIndex {
		return
	}
	c.metrics.RecordRecordsCommitted(int(offset - c.commitIndex))
	c.commitIndex = offset
	c.dropAbandonedWaiters()

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if w.offset <= offset {
			w.done <- nil
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining

	c.apply()
}

// dropAbandonedWaiters forgets the Replicate calls which gave up waiting
func (c *Consensus) dropAbandonedWaiters() {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if w.ctx.Err() == nil {
			remaining = append(remaining, w)
		}
	}
	clear(c.waiters[len(remaining):])
	c.waiters = remaining
}

func (c *Consensus) failWaiters(err error) {
	for _, w := range c.waiters {
		w.done <- err
	}
	c.waiters = nil
}

// apply delivers committed records to the Applier. A failed delivery is retried on the next commit.
func (c *Consensus) apply() {
	if c.applier == nil {
		c.appliedIndex = c.commitIndex
		return
	}

	for c.appliedIndex < c.commitIndex {
		n := min(int(c.commitIndex-c.appliedIndex), c.cfg.MaxBatchRecords)
		records, err := c.log.Read(c.appliedIndex+1, n)
		if err == nil && len(records) == 0 {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			c.logger.Errorf("[GROUP-%d] Failed to read committed records from %d: %v", c.cfg.Group,
				c.appliedIndex+1, err)
			return
		}
		if err := c.applier.Apply(c.cfg.Group, records); err != nil {
			c.logger.Errorf("[GROUP-%d] Failed to apply records %d-%d: %v", c.cfg.Group, records[0].Offset,
				records[len(records)-1].Offset, err)
			return
		}
		c.appliedIndex = records[len(records)-1].Offset
	}
}
