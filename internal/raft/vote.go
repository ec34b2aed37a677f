package raft

// VoterState is what a server needs to know about itself to answer a VoteRequest
type VoterState struct {
	Term     Term
	VotedFor NodeID
	// LastLogIndex and LastLogTerm describe the responder's log tail
	LastLogIndex Offset
	LastLogTerm  Term
	// LeaderAlive is true if the responder heard from a current leader within the minimum election timeout
	LeaderAlive bool
}

// VoteDecision is the outcome of EvaluateVote
type VoteDecision struct {
	Reply VoteReply
	// AdoptTerm is true if the responder must move to the request's term (and become a follower) before replying
	AdoptTerm bool
	// RecordVote is true if the responder must durably record the vote before replying
	RecordVote bool
}

// LogUpToDate reports whether a log ending at (index, term) is at least as up to date as one ending at
// (ownIndex, ownTerm), comparing the term of the last entries first and the length second (Section 5.4.1)
func LogUpToDate(index Offset, term Term, ownIndex Offset, ownTerm Term) bool {
	if term != ownTerm {
		return term > ownTerm
	}
	return index >= ownIndex
}

// EvaluateVote decides how to answer req.
//
// A vote is granted iff the candidate's term is not behind, the candidate's log is at least as up to date, and the
// responder did not vote for someone else in that term. LogOK is reported whatever the decision.
//
// A responder that still hears from a leader ignores the request altogether: it neither grants the vote nor adopts
// the higher term, so a server rejoining the cluster cannot depose a working leader (Raft dissertation, 4.2.3).
// This departs from the basic rule of Section 5.4, which would grant such a vote. A leader counts as hearing from
// itself, so it never grants a vote and never steps down because of a vote request; only a higher term carried by an
// AppendEntries request or a reply makes it step down.
func EvaluateVote(req *VoteRequest, s VoterState) VoteDecision {
	logOK := LogUpToDate(req.PrevLogIndex, req.PrevLogTerm, s.LastLogIndex, s.LastLogTerm)

	if req.Term < s.Term || s.LeaderAlive {
		return VoteDecision{Reply: VoteReply{Term: s.Term, Granted: false, LogOK: logOK}}
	}

	adopt := req.Term > s.Term
	votedFor := s.VotedFor
	if adopt {
		votedFor = ""
	}

	granted := logOK && (votedFor == "" || votedFor == req.NodeID)
	return VoteDecision{
		Reply:      VoteReply{Term: req.Term, Granted: granted, LogOK: logOK},
		AdoptTerm:  adopt,
		RecordVote: granted,
	}
}
