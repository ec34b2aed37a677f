package raft

import "errors"

var (
	// ErrNotLeader is returned when a write is attempted on a node which does not lead the group, or which lost
	// leadership before the write reached its consistency level.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrNotCommitted is returned when a replicate call could not reach its consistency level within its deadline.
	// The records may still exist, uncommitted, in the log.
	ErrNotCommitted = errors.New("raft: not committed")

	// ErrGroupNotFound is returned when a request targets a group the node does not host
	ErrGroupNotFound = errors.New("raft: group not found")

	// ErrGroupExists is returned when creating a group which is already hosted by the node
	ErrGroupExists = errors.New("raft: group already exists")

	// ErrReaderConsumed is returned when a RecordBatchReader is consumed a second time
	ErrReaderConsumed = errors.New("raft: record batch reader already consumed")

	// ErrInvalidConfiguration is returned for malformed group configurations
	ErrInvalidConfiguration = errors.New("raft: invalid group configuration")

	// ErrStopped is returned when an operation is attempted on a stopped group
	ErrStopped = errors.New("raft: group stopped")

	// ErrCorruptedRecord is returned when a stored record fails its checksum or cannot be decoded
	ErrCorruptedRecord = errors.New("raft: corrupted record")

	// ErrEmptyBatch is returned when a replicate call carries no records
	ErrEmptyBatch = errors.New("raft: empty record batch")

	// ErrOffsetOutOfRange is returned when reading or appending outside of the log bounds
	ErrOffsetOutOfRange = errors.New("raft: offset out of range")
)
