// Package statemachine holds the state machines fed with the committed records of the groups, see Section 2 from the
// [Raft paper](https://raft.github.io/raft.pdf).
package statemachine

import (
	"fmt"
	"strings"
	"sync"

	"multiraft/internal/raft"
)

// SetCommand returns the payload of a record setting key to value
func SetCommand(key, value string) []byte {
	return []byte(fmt.Sprintf("SET %s=%s", key, value))
}

// DelCommand returns the payload of a record deleting key
func DelCommand(key string) []byte {
	return []byte("DEL " + key)
}

type store struct {
	data    map[string]string
	applied raft.Offset
}

// KV is a key-value store per group. Commands are expected to be in the format: "SET key=value" or "DEL key".
// It implements consensus.Applier.
type KV struct {
	mu     sync.RWMutex
	stores map[raft.GroupID]*store
	logger raft.Logger
}

func NewKV(logger raft.Logger) *KV {
	if logger == nil {
		logger = raft.NopLogger()
	}
	return &KV{
		stores: make(map[raft.GroupID]*store),
		logger: logger,
	}
}

// Apply applies the committed records of group. Records at or below the last applied offset are skipped, so a
// batch delivered again after a restart does not apply twice.
func (kv *KV) Apply(group raft.GroupID, records []raft.Record) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	s, ok := kv.stores[group]
	if !ok {
		s = &store{data: make(map[string]string)}
		kv.stores[group] = s
	}

	for _, r := range records {
		if r.Offset <= s.applied {
			continue
		}
		s.applied = r.Offset

		// Configuration records only matter to the consensus
		if r.Type != raft.DataRecord {
			continue
		}
		kv.apply(group, s, r)
	}
	return nil
}

func (kv *KV) apply(group raft.GroupID, s *store, r raft.Record) {
	command := string(r.Payload)
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return
	}

	switch strings.ToUpper(parts[0]) {
	case "SET":
		if len(parts) < 2 {
			break
		}
		key, value, ok := strings.Cut(parts[1], "=")
		if !ok {
			break
		}
		s.data[key] = value
		kv.logger.Debugf("[GROUP-%d] [KV] Applied SET: %s=%s (offset=%d)", group, key, value, r.Offset)
		return
	case "DEL":
		if len(parts) < 2 {
			break
		}
		delete(s.data, parts[1])
		kv.logger.Debugf("[GROUP-%d] [KV] Applied DEL: %s (offset=%d)", group, parts[1], r.Offset)
		return
	}
	kv.logger.Warnf("[GROUP-%d] [KV] Unknown command: %q (offset=%d)", group, command, r.Offset)
}

// Get returns the value of key in group
func (kv *KV) Get(group raft.GroupID, key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	s, ok := kv.stores[group]
	if !ok {
		return "", false
	}
	v, ok := s.data[key]
	return v, ok
}

// GetAll returns a copy of the data of group
func (kv *KV) GetAll(group raft.GroupID) map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	out := make(map[string]string)
	if s, ok := kv.stores[group]; ok {
		for k, v := range s.data {
			out[k] = v
		}
	}
	return out
}

// AppliedOffset returns the offset of the last record of group applied, data or configuration
func (kv *KV) AppliedOffset(group raft.GroupID) raft.Offset {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	if s, ok := kv.stores[group]; ok {
		return s.applied
	}
	return 0
}

// Drop forgets the data of a removed group
func (kv *KV) Drop(group raft.GroupID) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.stores, group)
}
