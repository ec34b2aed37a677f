package raft

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// GroupConfiguration is the membership of a group: the voting members (nodes) and the non-voting members (learners).
//
// A GroupConfiguration is an immutable value. There are no setters, and the accessors return copies, so a
// configuration shared between readers can never be modified in place. A membership change builds a new
// configuration with a higher Version and replaces the old one wholesale; readers detect the change by comparing
// versions.
type GroupConfiguration struct {
	version  uint64
	nodes    []Broker
	learners []Broker
}

// NewGroupConfiguration validates and builds a configuration. A member may appear at most once across both lists.
func NewGroupConfiguration(version uint64, nodes, learners []Broker) (GroupConfiguration, error) {
	seen := make(map[NodeID]struct{}, len(nodes)+len(learners))
	for _, list := range [][]Broker{nodes, learners} {
		for _, b := range list {
			if b.ID == "" {
				return GroupConfiguration{}, fmt.Errorf("%w: empty broker id", ErrInvalidConfiguration)
			}
			if _, dup := seen[b.ID]; dup {
				return GroupConfiguration{}, fmt.Errorf("%w: broker %s listed more than once", ErrInvalidConfiguration, b.ID)
			}
			seen[b.ID] = struct{}{}
		}
	}

	return GroupConfiguration{
		version:  version,
		nodes:    append([]Broker(nil), nodes...),
		learners: append([]Broker(nil), learners...),
	}, nil
}

// Version is the generation of the configuration. It increases with every replacement.
func (c GroupConfiguration) Version() uint64 { return c.version }

// Nodes returns a copy of the voting members
func (c GroupConfiguration) Nodes() []Broker { return append([]Broker(nil), c.nodes...) }

// Learners returns a copy of the non-voting members
func (c GroupConfiguration) Learners() []Broker { return append([]Broker(nil), c.learners...) }

func (c GroupConfiguration) HasVoters() bool { return len(c.nodes) > 0 }

func (c GroupConfiguration) HasLearners() bool { return len(c.learners) > 0 }

// Majority is the quorum size, floor(voters/2) + 1. Learners never count toward it.
func (c GroupConfiguration) Majority() int { return len(c.nodes)/2 + 1 }

// FindInNodes returns the position of id among the voters, or false if it is not a voter
func (c GroupConfiguration) FindInNodes(id NodeID) (int, bool) {
	return find(c.nodes, id)
}

// FindInLearners returns the position of id among the learners, or false if it is not a learner
func (c GroupConfiguration) FindInLearners(id NodeID) (int, bool) {
	return find(c.learners, id)
}

// ContainsBroker reports whether id is a voter or a learner
func (c GroupConfiguration) ContainsBroker(id NodeID) bool {
	if _, ok := c.FindInNodes(id); ok {
		return true
	}
	_, ok := c.FindInLearners(id)
	return ok
}

// IsVoter reports whether id counts toward the quorum
func (c GroupConfiguration) IsVoter(id NodeID) bool {
	_, ok := c.FindInNodes(id)
	return ok
}

// ForEach calls fn for every voter and then for every learner
func (c GroupConfiguration) ForEach(fn func(b Broker)) {
	for _, b := range c.nodes {
		fn(b)
	}
	for _, b := range c.learners {
		fn(b)
	}
}

func (c GroupConfiguration) String() string {
	ids := func(list []Broker) string {
		parts := make([]string, 0, len(list))
		for _, b := range list {
			parts = append(parts, string(b.ID))
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprintf("{version: %d, nodes: [%s], learners: [%s]}", c.version, ids(c.nodes), ids(c.learners))
}

func find(list []Broker, id NodeID) (int, bool) {
	for i, b := range list {
		if b.ID == id {
			return i, true
		}
	}
	return -1, false
}

// configurationPayload is the encoded form of a configuration carried by a ConfigurationRecord
type configurationPayload struct {
	Version  uint64   `msgpack:"version"`
	Nodes    []Broker `msgpack:"nodes"`
	Learners []Broker `msgpack:"learners"`
}

// EncodeConfiguration serializes c into the payload of a ConfigurationRecord
func EncodeConfiguration(c GroupConfiguration) ([]byte, error) {
	data, err := msgpack.Marshal(&configurationPayload{
		Version:  c.version,
		Nodes:    c.nodes,
		Learners: c.learners,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return data, nil
}

// DecodeConfiguration parses the payload of a ConfigurationRecord
func DecodeConfiguration(data []byte) (GroupConfiguration, error) {
	var p configurationPayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return GroupConfiguration{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return NewGroupConfiguration(p.Version, p.Nodes, p.Learners)
}
