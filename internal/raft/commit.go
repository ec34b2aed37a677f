package raft

import (
	"fmt"
	"slices"
)

// QuorumIndex returns the highest offset that at least a majority of voters have matched and flushed. The leader
// contributes its own flushed offset, every other voter its MatchCommittedIndex. Learners and trackers of
// non-members are ignored, as are voters without a tracker (they count as 0).
func QuorumIndex(cfg GroupConfiguration, leader NodeID, leaderFlushed Offset, followers map[NodeID]*FollowerIndex) Offset {
	if !cfg.HasVoters() {
		return 0
	}

	values := make([]Offset, 0, len(cfg.nodes))
	for _, b := range cfg.nodes {
		if b.ID == leader {
			values = append(values, leaderFlushed)
			continue
		}
		if f, ok := followers[b.ID]; ok {
			values = append(values, f.MatchCommittedIndex())
		} else {
			values = append(values, 0)
		}
	}

	// The majority()-th largest value is reached or passed by majority() voters
	slices.SortFunc(values, func(a, b Offset) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		default:
			return 0
		}
	})
	return values[cfg.Majority()-1]
}

// AdvanceCommitIndex moves the commit index to candidate, but only when the entry at candidate belongs to the
// leader's current term. Raft never commits entries from previous terms by counting replicas, they become committed
// once a later entry of the current term is (Section 5.4.2, Figure 8).
func AdvanceCommitIndex(current, candidate Offset, currentTerm Term, termAt func(Offset) (Term, error)) (Offset, error) {
	if candidate <= current {
		return current, nil
	}

	term, err := termAt(candidate)
	if err != nil {
		return current, fmt.Errorf("failed to read term at offset %d: %w", candidate, err)
	}
	if term != currentTerm {
		return current, nil
	}
	return candidate, nil
}
