package consensus

import (
	"fmt"
	"time"

	"multiraft/internal/raft"
)

const (
	// The range of 150-300ms is the recommendation from the end of Section 9.3 of the
	// [Raft paper](https://raft.github.io/raft.pdf)
	DefaultElectionTimeoutMin = 150 * time.Millisecond
	DefaultElectionTimeoutMax = 300 * time.Millisecond

	DefaultReplicateTimeout     = 2 * time.Second
	DefaultRequestTimeout       = 100 * time.Millisecond
	DefaultMaxBatchRecords      = 256
	DefaultRecoveryBatchRecords = 2048
	// DefaultRecoveryThreshold is the number of consecutive failed appends after which a follower is considered
	// too far behind for steady state replication
	DefaultRecoveryThreshold = 3
	DefaultInboxSize         = 1024
)

// Config is the configuration of the consensus of a single group
type Config struct {
	// Self is the id of the local node
	Self  raft.NodeID
	Group raft.GroupID
	// Configuration is the initial membership. A configuration found in the log with the same or a higher version
	// takes precedence on restart.
	Configuration raft.GroupConfiguration

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized election timeout (Section 5.2). A follower which
	// heard from a leader less than ElectionTimeoutMin ago refuses to vote.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// ReplicateTimeout is the deadline of a Replicate call whose context has none
	ReplicateTimeout time.Duration
	// RequestTimeout bounds a single append entries or vote request
	RequestTimeout time.Duration

	MaxBatchRecords      int
	RecoveryBatchRecords int
	RecoveryThreshold    uint32

	// FlushAfterAppend makes followers flush every append before replying. When false they only flush when a
	// Replicate call waits for a quorum, or lazily on heartbeats.
	FlushAfterAppend bool

	InboxSize int

	// OnGroupUnavailable is called from the group's goroutine when a member answers that it does not host the group.
	// It must not block.
	OnGroupUnavailable func(group raft.GroupID, node raft.NodeID)
}

func (c *Config) withDefaults() {
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = DefaultElectionTimeoutMin
	}
	if c.ElectionTimeoutMax <= 0 {
		c.ElectionTimeoutMax = max(DefaultElectionTimeoutMax, c.ElectionTimeoutMin)
	}
	if c.ReplicateTimeout <= 0 {
		c.ReplicateTimeout = DefaultReplicateTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxBatchRecords <= 0 {
		c.MaxBatchRecords = DefaultMaxBatchRecords
	}
	if c.RecoveryBatchRecords <= 0 {
		c.RecoveryBatchRecords = DefaultRecoveryBatchRecords
	}
	if c.RecoveryThreshold == 0 {
		c.RecoveryThreshold = DefaultRecoveryThreshold
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
}

// Validate checks the configuration once defaults have been applied
func (c *Config) Validate() error {
	if c.Self == "" {
		return fmt.Errorf("%w: empty node id", raft.ErrInvalidConfiguration)
	}
	if !c.Configuration.ContainsBroker(c.Self) {
		return fmt.Errorf("%w: node %s is not a member of group %d", raft.ErrInvalidConfiguration, c.Self, c.Group)
	}
	if c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("%w: election timeout max %v is below min %v", raft.ErrInvalidConfiguration,
			c.ElectionTimeoutMax, c.ElectionTimeoutMin)
	}
	return nil
}
