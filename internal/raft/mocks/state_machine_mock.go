package mocks

import (
	"sync"

	"multiraft/internal/raft"
)

// MockApplier is a mock implementation of consensus.Applier for testing
type MockApplier struct {
	mu             sync.RWMutex
	Applied        map[raft.GroupID][]raft.Record
	ApplyCallCount int

	// Error injection for testing
	ApplyError error
}

// NewMockApplier creates a new mock applier
func NewMockApplier() *MockApplier {
	return &MockApplier{
		Applied: make(map[raft.GroupID][]raft.Record),
	}
}

func (m *MockApplier) Apply(group raft.GroupID, records []raft.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ApplyCallCount++
	if m.ApplyError != nil {
		return m.ApplyError
	}
	m.Applied[group] = append(m.Applied[group], records...)
	return nil
}

// AppliedRecords returns a copy of the records applied to group
func (m *MockApplier) AppliedRecords(group raft.GroupID) []raft.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]raft.Record(nil), m.Applied[group]...)
}

// Reset clears the mock state
func (m *MockApplier) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Applied = make(map[raft.GroupID][]raft.Record)
	m.ApplyCallCount = 0
	m.ApplyError = nil
}
