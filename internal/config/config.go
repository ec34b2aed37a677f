// Package config loads the YAML configuration of a node
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"multiraft/internal/raft"
	"multiraft/internal/raft/consensus"
	"multiraft/internal/raft/groups"
	"multiraft/internal/raft/heartbeat"
	"multiraft/internal/raft/storage"
	"multiraft/internal/raft/transport"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid")

// Peer is another node of the cluster
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// Group is a group hosted by the node with its initial membership
type Group struct {
	ID       int64    `yaml:"id"`
	Nodes    []string `yaml:"nodes"`
	Learners []string `yaml:"learners,omitempty"`
}

type Consensus struct {
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	ReplicateTimeout   time.Duration `yaml:"replicate_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxBatchRecords    int           `yaml:"max_batch_records"`
	RecoveryThreshold  uint32        `yaml:"recovery_threshold"`
	FlushAfterAppend   bool          `yaml:"flush_after_append"`
}

type Heartbeat struct {
	Interval          time.Duration `yaml:"interval"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxGroupsPerBatch int           `yaml:"max_groups_per_batch"`
}

type Transport struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Attempts       int           `yaml:"attempts"`
}

type Storage struct {
	// Dir holds the node's database, one file per node
	Dir        string `yaml:"dir"`
	NoSync     bool   `yaml:"no_sync"`
	CacheBytes int    `yaml:"cache_bytes"`
}

// Config is the configuration of a node
type Config struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Debug   bool   `yaml:"debug"`
	Shards  int    `yaml:"shards"`
	// MetricsReport is the file the metrics report is saved to on shutdown, none if empty
	MetricsReport string `yaml:"metrics_report,omitempty"`

	Peers  []Peer  `yaml:"peers"`
	Groups []Group `yaml:"groups"`

	Consensus Consensus `yaml:"consensus"`
	Heartbeat Heartbeat `yaml:"heartbeat"`
	Transport Transport `yaml:"transport"`
	Storage   Storage   `yaml:"storage"`
}

// Default returns the configuration of a single node listening on localhost, with a fresh id
func Default() *Config {
	return &Config{
		ID:      uuid.New().String(),
		Address: "127.0.0.1:7000",
		Shards:  groups.DefaultShards,
		Consensus: Consensus{
			ElectionTimeoutMin: consensus.DefaultElectionTimeoutMin,
			ElectionTimeoutMax: consensus.DefaultElectionTimeoutMax,
			ReplicateTimeout:   consensus.DefaultReplicateTimeout,
			RequestTimeout:     consensus.DefaultRequestTimeout,
			MaxBatchRecords:    consensus.DefaultMaxBatchRecords,
			RecoveryThreshold:  consensus.DefaultRecoveryThreshold,
		},
		Heartbeat: Heartbeat{
			Interval:          heartbeat.DefaultInterval,
			Timeout:           heartbeat.DefaultTimeout,
			MaxGroupsPerBatch: heartbeat.DefaultMaxGroupsPerBatch,
		},
		Transport: Transport{
			AttemptTimeout: transport.DefaultAttemptTimeout,
			Attempts:       transport.DefaultAttempts,
		},
		Storage: Storage{
			Dir:        "data",
			CacheBytes: storage.DefaultCacheBytes,
		},
	}
}

// Load reads the file at path over the defaults and validates the result
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	c := Default()
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes c to path as YAML
func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}

func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty node id", ErrInvalid)
	}
	if c.Address == "" {
		return fmt.Errorf("%w: empty address", ErrInvalid)
	}
	if c.Consensus.ElectionTimeoutMin <= 0 || c.Consensus.ElectionTimeoutMax < c.Consensus.ElectionTimeoutMin {
		return fmt.Errorf("%w: election timeout range [%v, %v]", ErrInvalid, c.Consensus.ElectionTimeoutMin,
			c.Consensus.ElectionTimeoutMax)
	}
	// Section 5.6: broadcastTime << electionTimeout
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.Interval >= c.Consensus.ElectionTimeoutMin {
		return fmt.Errorf("%w: heartbeat interval %v must be below the election timeout %v", ErrInvalid,
			c.Heartbeat.Interval, c.Consensus.ElectionTimeoutMin)
	}

	peers := map[string]bool{c.ID: true}
	for _, p := range c.Peers {
		if p.ID == "" || p.Address == "" {
			return fmt.Errorf("%w: peer %q needs an id and an address", ErrInvalid, p.ID)
		}
		if peers[p.ID] {
			return fmt.Errorf("%w: duplicate node %s", ErrInvalid, p.ID)
		}
		peers[p.ID] = true
	}

	seen := make(map[int64]bool)
	for _, g := range c.Groups {
		if seen[g.ID] {
			return fmt.Errorf("%w: duplicate group %d", ErrInvalid, g.ID)
		}
		seen[g.ID] = true

		conf, err := c.GroupConfiguration(g)
		if err != nil {
			return fmt.Errorf("%w: group %d: %w", ErrInvalid, g.ID, err)
		}
		if !conf.HasVoters() {
			return fmt.Errorf("%w: group %d has no voters", ErrInvalid, g.ID)
		}
		if !conf.ContainsBroker(raft.NodeID(c.ID)) {
			return fmt.Errorf("%w: group %d does not include node %s", ErrInvalid, g.ID, c.ID)
		}
		var unknown error
		conf.ForEach(func(b raft.Broker) {
			if unknown == nil && !peers[string(b.ID)] {
				unknown = fmt.Errorf("%w: group %d member %s is not a peer", ErrInvalid, g.ID, b.ID)
			}
		})
		if unknown != nil {
			return unknown
		}
	}
	return nil
}

// GroupConfiguration returns the initial configuration of g, version 1, with the addresses of its members
func (c *Config) GroupConfiguration(g Group) (raft.GroupConfiguration, error) {
	return raft.NewGroupConfiguration(1, c.brokers(g.Nodes), c.brokers(g.Learners))
}

func (c *Config) brokers(ids []string) []raft.Broker {
	out := make([]raft.Broker, 0, len(ids))
	for _, id := range ids {
		out = append(out, raft.Broker{ID: raft.NodeID(id), Address: c.address(id)})
	}
	return out
}

func (c *Config) address(id string) string {
	if id == c.ID {
		return c.Address
	}
	for _, p := range c.Peers {
		if p.ID == id {
			return p.Address
		}
	}
	return ""
}

// ConsensusConfig is the template of the consensus configuration of every group
func (c *Config) ConsensusConfig() consensus.Config {
	return consensus.Config{
		Self:               raft.NodeID(c.ID),
		ElectionTimeoutMin: c.Consensus.ElectionTimeoutMin,
		ElectionTimeoutMax: c.Consensus.ElectionTimeoutMax,
		ReplicateTimeout:   c.Consensus.ReplicateTimeout,
		RequestTimeout:     c.Consensus.RequestTimeout,
		MaxBatchRecords:    c.Consensus.MaxBatchRecords,
		RecoveryThreshold:  c.Consensus.RecoveryThreshold,
		FlushAfterAppend:   c.Consensus.FlushAfterAppend,
	}
}

func (c *Config) HeartbeatConfig() heartbeat.Config {
	return heartbeat.Config{
		Self:              raft.NodeID(c.ID),
		Interval:          c.Heartbeat.Interval,
		Timeout:           c.Heartbeat.Timeout,
		MaxGroupsPerBatch: c.Heartbeat.MaxGroupsPerBatch,
	}
}

func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		Self:           raft.NodeID(c.ID),
		AttemptTimeout: c.Transport.AttemptTimeout,
		Attempts:       c.Transport.Attempts,
	}
}

func (c *Config) StorageOptions(logger raft.Logger) storage.Options {
	return storage.Options{
		NoSync:     c.Storage.NoSync,
		CacheBytes: c.Storage.CacheBytes,
		Logger:     logger,
	}
}
