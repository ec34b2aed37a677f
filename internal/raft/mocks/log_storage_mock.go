package mocks

import (
	"fmt"
	"sync"

	"multiraft/internal/raft"
	"multiraft/internal/raft/storage"
)

// MockLog is an in-memory implementation of storage.Log for testing. Appends are dirty until Flush, unless
// AutoFlush is set.
type MockLog struct {
	mu        sync.RWMutex
	records   []raft.Record
	flushed   raft.Offset
	voteState storage.VoteState

	AutoFlush  bool
	FlushCount int

	// Error injection for testing
	AppendError       error
	ReadError         error
	TruncateError     error
	FlushError        error
	VoteStateError    error
	SetVoteStateError error
}

// NewMockLog creates a new mock log
func NewMockLog() *MockLog {
	return &MockLog{}
}

func (m *MockLog) Append(records []raft.Record) (raft.Offset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last := raft.Offset(len(m.records))
	if m.AppendError != nil {
		return last, m.AppendError
	}
	for i, r := range records {
		if r.Offset != last+raft.Offset(i)+1 {
			return last, fmt.Errorf("%w: expected offset %d, got %d", raft.ErrOffsetOutOfRange, last+raft.Offset(i)+1,
				r.Offset)
		}
	}
	for _, r := range records {
		r.Payload = append([]byte(nil), r.Payload...)
		m.records = append(m.records, r)
	}
	if m.AutoFlush {
		m.flushed = raft.Offset(len(m.records))
	}
	return raft.Offset(len(m.records)), nil
}

func (m *MockLog) Read(from raft.Offset, max int) ([]raft.Record, error) {
	if m.ReadError != nil {
		return nil, m.ReadError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	if int(from) > len(m.records) || max <= 0 {
		return nil, nil
	}
	end := min(len(m.records), int(from)-1+max)
	return append([]raft.Record(nil), m.records[from-1:end]...), nil
}

func (m *MockLog) TermAt(offset raft.Offset) (raft.Term, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset == 0 {
		return 0, nil
	}
	if int(offset) > len(m.records) {
		return 0, fmt.Errorf("%w: %d", raft.ErrOffsetOutOfRange, offset)
	}
	return m.records[offset-1].Term, nil
}

func (m *MockLog) Truncate(offset raft.Offset) error {
	if m.TruncateError != nil {
		return m.TruncateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset == 0 {
		offset = 1
	}
	if int(offset) > len(m.records) {
		return nil
	}
	m.records = m.records[:offset-1]
	m.flushed = min(m.flushed, offset-1)
	return nil
}

func (m *MockLog) Flush() error {
	if m.FlushError != nil {
		return m.FlushError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed = raft.Offset(len(m.records))
	m.FlushCount++
	return nil
}

func (m *MockLog) LastOffset() raft.Offset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return raft.Offset(len(m.records))
}

func (m *MockLog) LastTerm() raft.Term {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return 0
	}
	return m.records[len(m.records)-1].Term
}

func (m *MockLog) FlushedOffset() raft.Offset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

func (m *MockLog) VoteState() (storage.VoteState, error) {
	if m.VoteStateError != nil {
		return storage.VoteState{}, m.VoteStateError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.voteState, nil
}

func (m *MockLog) SetVoteState(state storage.VoteState) error {
	if m.SetVoteStateError != nil {
		return m.SetVoteStateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voteState = state
	return nil
}

// Records returns a copy of every record in the log
func (m *MockLog) Records() []raft.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]raft.Record(nil), m.records...)
}

// Seed replaces the content of the log with records, all flushed
func (m *MockLog) Seed(records ...raft.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]raft.Record(nil), records...)
	m.flushed = raft.Offset(len(m.records))
}

// MockStorage hands out one MockLog per group, like a node's storage does
type MockStorage struct {
	mu   sync.Mutex
	logs map[raft.GroupID]*MockLog

	// Error injection for testing
	GroupError  error
	RemoveError error
}

func NewMockStorage() *MockStorage {
	return &MockStorage{logs: make(map[raft.GroupID]*MockLog)}
}

func (s *MockStorage) Group(id raft.GroupID) (storage.Log, error) {
	if s.GroupError != nil {
		return nil, s.GroupError
	}
	return s.Log(id), nil
}

func (s *MockStorage) RemoveGroup(id raft.GroupID) error {
	if s.RemoveError != nil {
		return s.RemoveError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, id)
	return nil
}

// Log returns the log of group id, creating it if needed
func (s *MockStorage) Log(id raft.GroupID) *MockLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		l = NewMockLog()
		s.logs[id] = l
	}
	return l
}

// Has reports whether the storage holds a log for group id
func (s *MockStorage) Has(id raft.GroupID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.logs[id]
	return ok
}
