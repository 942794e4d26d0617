package raft

import (
	"context"
	"time"

	"github.com/ReshiAdavan/raftcoordinator/internal/store"
)

// heartbeatLoop fires a replication round every HeartbeatInterval while
// this node is Leader (spec.md §4.3.4). A round carries real entries
// whenever a follower's nextIndex trails the leader's log, so "heartbeat"
// and "replicate" are the same RPC, never two separate ones.
func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n.mu.Lock()
		isLeader := n.role == Leader
		n.mu.Unlock()
		if isLeader {
			n.broadcastAppendEntries(ctx)
		}
	}
}

// broadcastAppendEntries snapshots everything needed to build one
// AppendEntries per peer, releases the lock, then fires every RPC
// concurrently — unlike vote solicitation, a slow peer here must not
// delay entries reaching the other peers (spec.md §4.3.4).
func (n *Node) broadcastAppendEntries(ctx context.Context) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	leaderCommit := n.commitIndex
	logCopy := append([]store.LogEntry(nil), n.log...)
	peers := append([]string(nil), n.cfg.Peers...)
	nextIdx := make(map[string]uint64, len(n.nextIndex))
	for k, v := range n.nextIndex {
		nextIdx[k] = v
	}
	maxEntries := uint64(n.cfg.MaxEntriesPerRPC)
	n.mu.Unlock()

	lastIdx := uint64(len(logCopy) - 1)

	for _, peer := range peers {
		next, ok := nextIdx[peer]
		if !ok || next == 0 {
			next = 1
		}

		prevIdx := next - 1
		if prevIdx > lastIdx {
			prevIdx = lastIdx
		}
		prevTerm := logCopy[prevIdx].Term

		var entries []store.LogEntry
		if next <= lastIdx {
			end := next + maxEntries
			if end > uint64(len(logCopy)) {
				end = uint64(len(logCopy))
			}
			entries = append([]store.LogEntry(nil), logCopy[next:end]...)
		}

		args := AppendEntriesArgs{
			Term:         term,
			LeaderID:     n.cfg.ServerID,
			PrevLogIndex: prevIdx,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: leaderCommit,
		}
		go n.sendAppendEntries(ctx, peer, term, args)
	}
}

func (n *Node) sendAppendEntries(ctx context.Context, peer string, term uint64, args AppendEntriesArgs) {
	reply, err := n.transport.AppendEntries(ctx, peer, args, n.cfg.RPCTimeout)
	if err != nil {
		n.cfg.Metrics.ObserveRPCSent("AppendEntries", "error")
		n.logger.Debugw("AppendEntries failed", "peer", peer, "term", term, "error", err)
		return
	}
	n.cfg.Metrics.ObserveRPCSent("AppendEntries", "ok")

	n.mu.Lock()
	if n.role != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}

	if reply.Term > n.currentTerm {
		n.stepDownLocked(reply.Term)
		state := n.snapshotPersistentLocked()
		n.mu.Unlock()
		if err := n.persist(state); err != nil {
			n.logger.Errorw("persist after stepping down", "error", err)
		}
		return
	}

	if reply.Success {
		matched := args.PrevLogIndex + uint64(len(args.Entries))
		if reply.LastLogIndex > matched {
			matched = reply.LastLogIndex
		}
		if matched > n.matchIndex[peer] {
			n.matchIndex[peer] = matched
		}
		if matched+1 > n.nextIndex[peer] {
			n.nextIndex[peer] = matched + 1
		}
		n.advanceCommitIndexLocked()
	} else {
		hint := reply.LastLogIndex + 1
		if hint < 1 {
			hint = 1
		}
		if hint < n.nextIndex[peer] {
			n.nextIndex[peer] = hint
		}
	}
	n.mu.Unlock()
}

// advanceCommitIndexLocked implements the commit rule of spec.md §4.3.5:
// a leader may only commit an entry from its own current term, found by
// majority matchIndex support, scanning from the newest entry down. It
// must be called with mu held.
func (n *Node) advanceCommitIndexLocked() {
	lastIdx := n.lastLogIndexLocked()
	for N := lastIdx; N > n.commitIndex && n.log[N].Term == n.currentTerm; N-- {
		count := 0
		for _, idx := range n.matchIndex {
			if idx >= N {
				count++
			}
		}
		if count >= n.majorityLocked() {
			n.commitIndex = N
			n.bumpCommitChLocked()
			break
		}
	}
}

// HandleAppendEntries answers a leader's heartbeat/replication RPC
// (spec.md §4.3.4). Every call that observes the leader's term, win or
// lose, resets the election timer by updating lastHeartbeat — that is
// what keeps a healthy follower from ever starting an election.
func (n *Node) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	n.cfg.Metrics.ObserveRPCReceived("AppendEntries")

	n.mu.Lock()

	if args.Term < n.currentTerm {
		reply := AppendEntriesReply{Term: n.currentTerm, Success: false, LastLogIndex: n.lastLogIndexLocked()}
		n.mu.Unlock()
		return reply
	}

	persistNeeded := false
	if args.Term > n.currentTerm {
		n.currentTerm = args.Term
		n.votedFor = ""
		persistNeeded = true
		n.cfg.Metrics.SetTerm(args.Term)
	}
	wasLeader := n.role == Leader
	n.role = Follower
	n.leaderID = args.LeaderID
	n.lastHeartbeat = time.Now()
	if wasLeader {
		n.cfg.Metrics.SetLeader(false)
	}

	lastIdx := n.lastLogIndexLocked()
	if args.PrevLogIndex > lastIdx || n.log[args.PrevLogIndex].Term != args.PrevLogTerm {
		reply := AppendEntriesReply{Term: n.currentTerm, Success: false, LastLogIndex: lastIdx}
		n.finishHandleAppendEntriesLocked(persistNeeded)
		return reply
	}

	logChanged := false
	for k, entry := range args.Entries {
		i := args.PrevLogIndex + 1 + uint64(k)
		switch {
		case i < uint64(len(n.log)):
			if n.log[i].Term != entry.Term {
				n.log = append(n.log[:i:i], entry)
				logChanged = true
			}
		default:
			n.log = append(n.log, entry)
			logChanged = true
		}
	}

	lastNewIndex := args.PrevLogIndex + uint64(len(args.Entries))
	if args.LeaderCommit > n.commitIndex {
		newCommit := args.LeaderCommit
		if lastNewIndex < newCommit {
			newCommit = lastNewIndex
		}
		if newCommit > n.commitIndex {
			n.commitIndex = newCommit
			n.bumpCommitChLocked()
		}
	}

	reply := AppendEntriesReply{Term: n.currentTerm, Success: true, LastLogIndex: n.lastLogIndexLocked()}
	if logChanged {
		n.cfg.Metrics.SetLogLength(len(n.log))
	}
	n.finishHandleAppendEntriesLocked(persistNeeded || logChanged)
	return reply
}

// finishHandleAppendEntriesLocked persists the current state if needed and
// releases mu. Must be called with mu held, and must be the last thing
// HandleAppendEntries does on each return path.
func (n *Node) finishHandleAppendEntriesLocked(persistNeeded bool) {
	if !persistNeeded {
		n.mu.Unlock()
		return
	}
	state := n.snapshotPersistentLocked()
	n.mu.Unlock()
	if err := n.persist(state); err != nil {
		n.logger.Errorw("persist after AppendEntries", "error", err)
	}
}
