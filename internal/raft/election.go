package raft

import (
	"context"
	"time"
)

// electionTimerLoop sleeps a randomized interval, then starts an election
// if this node is still a Follower and no heartbeat arrived during the
// sleep (spec.md §4.3.2). Candidate and Leader never trigger an election
// from here: a Candidate that fails to win a round reverts to Follower
// itself (see startElection) and gets picked up on the next iteration.
func (n *Node) electionTimerLoop(ctx context.Context) {
	for {
		timeout := n.randomElectionTimeout()
		select {
		case <-ctx.Done():
			return
		case <-time.After(timeout):
		}

		n.mu.Lock()
		role := n.role
		elapsed := time.Since(n.lastHeartbeat)
		n.mu.Unlock()

		if role == Follower && elapsed >= timeout {
			n.startElection(ctx)
		}
	}
}

// startElection increments the term, votes for itself, and solicits votes
// from peers one at a time (spec.md §4.3.3: sequential, not parallel, so
// each unreachable peer adds up to one RPCTimeout to the round, at most
// len(Peers) x RPCTimeout in all). It returns once
// the round is decided: the node became leader, stepped down on a higher
// term, or exhausted the peer list without a majority.
func (n *Node) startElection(ctx context.Context) {
	n.mu.Lock()
	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.cfg.ServerID
	n.votesReceived = map[string]struct{}{n.cfg.ServerID: {}}
	term := n.currentTerm
	lastLogIndex := n.lastLogIndexLocked()
	lastLogTerm := n.lastLogTermLocked()
	state := n.snapshotPersistentLocked()
	n.mu.Unlock()

	n.cfg.Metrics.SetTerm(term)
	n.logger.Infow("starting election", "term", term)
	if err := n.persist(state); err != nil {
		n.logger.Errorw("persist before election", "term", term, "error", err)
	}

	n.mu.Lock()
	if len(n.votesReceived) >= n.majorityLocked() && n.role == Candidate && n.currentTerm == term {
		n.becomeLeaderLocked()
		n.mu.Unlock()
		n.triggerImmediateReplicate()
		return
	}
	n.mu.Unlock()

	args := RequestVoteArgs{
		Term:         term,
		CandidateID:  n.cfg.ServerID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}

	for _, peer := range n.cfg.Peers {
		select {
		case <-ctx.Done():
			return
		default:
		}

		reply, err := n.transport.RequestVote(ctx, peer, args, n.cfg.RPCTimeout)
		if err != nil {
			n.cfg.Metrics.ObserveRPCSent("RequestVote", "error")
			n.logger.Debugw("RequestVote failed", "peer", peer, "term", term, "error", err)
			continue
		}
		n.cfg.Metrics.ObserveRPCSent("RequestVote", "ok")

		becameLeader, stillRelevant := n.handleRequestVoteReply(term, peer, reply)
		if becameLeader || !stillRelevant {
			return
		}
	}

	n.mu.Lock()
	if n.role == Candidate && n.currentTerm == term {
		n.role = Follower
	}
	n.mu.Unlock()
}

// handleRequestVoteReply applies one vote reply. stillRelevant is false
// when the round should stop early: a stale reply for a round this node
// has already left (becameLeader, or a new election started), or a higher
// term forced a step-down.
func (n *Node) handleRequestVoteReply(requestTerm uint64, peer string, reply RequestVoteReply) (becameLeader, stillRelevant bool) {
	n.mu.Lock()
	if n.role != Candidate || n.currentTerm != requestTerm {
		n.mu.Unlock()
		return false, false
	}

	if reply.Term > n.currentTerm {
		n.stepDownLocked(reply.Term)
		state := n.snapshotPersistentLocked()
		n.mu.Unlock()
		if err := n.persist(state); err != nil {
			n.logger.Errorw("persist after stepping down", "error", err)
		}
		return false, false
	}

	if reply.VoteGranted {
		n.votesReceived[peer] = struct{}{}
		if len(n.votesReceived) >= n.majorityLocked() {
			n.becomeLeaderLocked()
			n.mu.Unlock()
			n.triggerImmediateReplicate()
			return true, true
		}
	}

	n.mu.Unlock()
	return false, true
}

// becomeLeaderLocked must be called with mu held. Term and vote are
// already persisted from startElection; what changes here (nextIndex,
// matchIndex, role) is volatile leader state that is never written to
// disk (spec.md §4.1).
func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.cfg.ServerID
	lastIdx := n.lastLogIndexLocked()

	n.nextIndex = make(map[string]uint64, len(n.cfg.Peers))
	n.matchIndex = make(map[string]uint64, len(n.cfg.Peers)+1)
	for _, p := range n.cfg.Peers {
		n.nextIndex[p] = lastIdx + 1
		n.matchIndex[p] = 0
	}
	n.matchIndex[n.cfg.ServerID] = lastIdx
	n.advanceCommitIndexLocked()

	n.logger.Infow("became leader", "term", n.currentTerm, "lastLogIndex", lastIdx)
	n.cfg.Metrics.SetLeader(true)
}

// HandleRequestVote answers a vote solicitation from a candidate
// (spec.md §4.3.3). It never holds the lock across I/O: persistence
// happens after the reply value is computed and the lock released, and
// completes before the reply is returned.
func (n *Node) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	n.cfg.Metrics.ObserveRPCReceived("RequestVote")

	n.mu.Lock()
	if args.Term < n.currentTerm {
		reply := RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
		n.mu.Unlock()
		return reply
	}

	if args.Term > n.currentTerm {
		n.stepDownLocked(args.Term)
	}

	grant := false
	if (n.votedFor == "" || n.votedFor == args.CandidateID) && n.isUpToDateLocked(args.LastLogTerm, args.LastLogIndex) {
		n.votedFor = args.CandidateID
		n.lastHeartbeat = time.Now()
		grant = true
	}

	term := n.currentTerm
	state := n.snapshotPersistentLocked()
	n.mu.Unlock()

	if err := n.persist(state); err != nil {
		n.logger.Errorw("persist after RequestVote", "error", err)
	}

	return RequestVoteReply{Term: term, VoteGranted: grant}
}

// isUpToDateLocked implements the log-comparison rule of spec.md §4.3.3:
// the candidate's log must be at least as up to date as this node's.
func (n *Node) isUpToDateLocked(candidateLastTerm, candidateLastIndex uint64) bool {
	myTerm := n.lastLogTermLocked()
	myIndex := n.lastLogIndexLocked()
	if candidateLastTerm != myTerm {
		return candidateLastTerm > myTerm
	}
	return candidateLastIndex >= myIndex
}
