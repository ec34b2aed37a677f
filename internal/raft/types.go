package raft

import (
	"fmt"
	"time"
)

// NodeID is the identity of a broker in the cluster
type NodeID string

// GroupID identifies one independently replicated log and its consensus state
type GroupID int64

// Offset is a position in a group's log. Offset 0 means "no entry", the first record of a log has Offset 1.
type Offset uint64

// Term is the logical clock of a group, as defined in Section 5.1 from the [Raft paper](https://raft.github.io/raft.pdf)
type Term uint64

// Broker is a member of a GroupConfiguration
type Broker struct {
	ID      NodeID `msgpack:"id"`
	Address string `msgpack:"address"`
}

func (b Broker) String() string {
	return fmt.Sprintf("{id: %s, address: %s}", b.ID, b.Address)
}

// RecordType mirrors the batch types of the log: data written by clients, or a group configuration.
type RecordType uint8

const (
	DataRecord          RecordType = 1
	ConfigurationRecord RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case DataRecord:
		return "data"
	case ConfigurationRecord:
		return "configuration"
	default:
		return "unknown"
	}
}

// Record is a single entry of a group's log
type Record struct {
	Offset  Offset
	Term    Term
	Type    RecordType
	Payload []byte
}

func (r Record) String() string {
	return fmt.Sprintf("{offset: %d, term: %d, type: %s, size: %d}", r.Offset, r.Term, r.Type, len(r.Payload))
}

// Clock is the time source used for heartbeat and election scheduling
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by the monotonic reading of time.Now
func SystemClock() Clock {
	return systemClock{}
}
