package storage

import (
	"multiraft/internal/raft"
)

/*
Notes on durability

Records are appended "dirty": they are visible to reads right away but may not survive a crash. Flush makes every
record appended so far durable and moves FlushedOffset up to LastOffset. The leader only counts flushed records toward
the commit index, and followers report their flushed offset as LastCommittedLogIndex, so a record is never committed
before a majority of voters has it on stable storage.

Truncate removes a suffix of the log to resolve a conflict with the leader (Section 5.3). It lowers FlushedOffset if
the flushed prefix gets shorter.

The vote state (current term and vote) must be durable before a server answers a RequestVote or an AppendEntries
that changed it (Figure 2, "Updated on stable storage before responding to RPCs").
*/

// VoteState is the persistent election state of a group
type VoteState struct {
	Term     raft.Term   `msgpack:"term"`
	VotedFor raft.NodeID `msgpack:"voted_for"`
}

// Log is the storage of a single group's log
type Log interface {
	// Append appends records which must continue the log: the first record has offset LastOffset()+1 and offsets
	// are contiguous. It returns the new last offset.
	Append(records []raft.Record) (raft.Offset, error)

	// Read returns at most max records starting at from (inclusive). It returns fewer records at the end of the log.
	Read(from raft.Offset, max int) ([]raft.Record, error)

	// TermAt returns the term of the record at offset. Offset 0 has term 0.
	TermAt(offset raft.Offset) (raft.Term, error)

	// Truncate removes every record from offset (inclusive) to the end of the log
	Truncate(offset raft.Offset) error

	// Flush makes every appended record durable
	Flush() error

	// LastOffset returns the offset of the last appended record (0 if the log is empty)
	LastOffset() raft.Offset

	// LastTerm returns the term of the last appended record (0 if the log is empty)
	LastTerm() raft.Term

	// FlushedOffset returns the offset of the last durable record
	FlushedOffset() raft.Offset

	// VoteState returns the persisted election state
	VoteState() (VoteState, error)

	// SetVoteState durably persists the election state
	SetVoteState(state VoteState) error
}
