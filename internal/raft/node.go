package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ReshiAdavan/raftcoordinator/internal/store"
)

// Node is one server's Raft state machine. All mutable state lives behind
// mu; no goroutine may perform I/O, sleep, or block on a channel while
// holding it (spec.md §5) — every method below snapshots what it needs,
// releases the lock, does the blocking work, and only reacquires to apply
// the result.
type Node struct {
	cfg       Config
	transport Transport
	store     store.Store
	logger    *zap.SugaredLogger

	runCtx context.Context // set by Start, used to fire ad-hoc replication rounds

	mu            sync.Mutex
	role          Role
	leaderID      string
	lastHeartbeat time.Time
	votesReceived map[string]struct{}

	currentTerm uint64
	votedFor    string
	log         []store.LogEntry

	commitIndex uint64
	lastApplied uint64
	commitCh    chan struct{} // closed and replaced every time commitIndex advances

	nextIndex  map[string]uint64
	matchIndex map[string]uint64
}

// NewNode constructs a Node in the Follower role, restoring (currentTerm,
// votedFor, log) from store if a prior run left a state file, or starting
// from the sentinel log entry on a cold start (spec.md §3, §4.1).
func NewNode(cfg Config, transport Transport, st store.Store, logger *zap.SugaredLogger) (*Node, error) {
	cfg = cfg.withDefaults()

	n := &Node{
		cfg:       cfg,
		transport: transport,
		store:     st,
		logger:    logger,
		role:      Follower,
		commitCh:  make(chan struct{}),
	}

	persisted, err := st.LoadIfExists()
	if err != nil {
		return nil, errors.Wrap(err, "load persisted raft state")
	}
	if persisted == nil {
		n.log = []store.LogEntry{{Term: 0, Command: "init"}}
	} else {
		n.currentTerm = persisted.CurrentTerm
		n.votedFor = persisted.VotedFor
		n.log = persisted.Log
		if len(n.log) == 0 {
			n.log = []store.LogEntry{{Term: 0, Command: "init"}}
		}
	}
	n.lastHeartbeat = time.Now()

	return n, nil
}

// Start launches the election timer and heartbeat goroutines. It returns
// immediately; the goroutines run until ctx is canceled.
func (n *Node) Start(ctx context.Context) {
	n.runCtx = ctx
	go n.electionTimerLoop(ctx)
	go n.heartbeatLoop(ctx)
}

// ProposeEntry appends command to the log if this node currently believes
// itself the leader, then kicks off an immediate replication round
// (spec.md §4.3.5). It does not wait for the entry to commit; callers
// poll AwaitCommit.
func (n *Node) ProposeEntry(command string) (index uint64, term uint64, isLeader bool) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return 0, 0, false
	}

	entry := store.LogEntry{Term: n.currentTerm, Command: command}
	n.log = append(n.log, entry)
	idx := uint64(len(n.log) - 1)

	n.matchIndex[n.cfg.ServerID] = idx
	for _, p := range n.cfg.Peers {
		if _, ok := n.nextIndex[p]; !ok {
			n.nextIndex[p] = idx
		}
		if _, ok := n.matchIndex[p]; !ok {
			n.matchIndex[p] = 0
		}
	}
	// A leader that is its own majority (e.g. a 0-peer cluster) never
	// receives an AppendEntries reply to recompute commit from, so it must
	// do so here too, not only in sendAppendEntries.
	n.advanceCommitIndexLocked()
	term = n.currentTerm
	logLen := len(n.log)
	state := n.snapshotPersistentLocked()
	n.mu.Unlock()

	n.cfg.Metrics.SetLogLength(logLen)
	if err := n.persist(state); err != nil {
		n.logger.Errorw("persist after propose", "error", err)
	}

	n.triggerImmediateReplicate()
	return idx, term, true
}

// AwaitCommit blocks until commitIndex advances past after, ctx is
// canceled, or returns immediately if it already has.
func (n *Node) AwaitCommit(ctx context.Context, after uint64) (uint64, error) {
	for {
		n.mu.Lock()
		ci := n.commitIndex
		ch := n.commitCh
		n.mu.Unlock()

		if ci > after {
			return ci, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ci, ctx.Err()
		}
	}
}

// IsLeader reports whether this node currently believes itself the leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// LeaderHint returns the last known leader ID (possibly stale or empty)
// and whether one is known at all, for building NOT_LEADER/NO_LEADER
// redirects (spec.md §6).
func (n *Node) LeaderHint() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID, n.leaderID != ""
}

// CurrentTerm returns the node's current term.
func (n *Node) CurrentTerm() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// CommitIndex returns the highest known committed log index.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// LastLogIndex returns the index of the last entry in the local log.
func (n *Node) LastLogIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastLogIndexLocked()
}

// EntryAt returns a copy of the log entry at idx, if present.
func (n *Node) EntryAt(idx uint64) (store.LogEntry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if idx >= uint64(len(n.log)) {
		return store.LogEntry{}, false
	}
	return n.log[idx], true
}

// Role returns the node's current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func (n *Node) lastLogIndexLocked() uint64 {
	return uint64(len(n.log) - 1)
}

func (n *Node) lastLogTermLocked() uint64 {
	return n.log[len(n.log)-1].Term
}

func (n *Node) majorityLocked() int {
	return (len(n.cfg.Peers)+1)/2 + 1
}

func (n *Node) snapshotPersistentLocked() store.PersistentState {
	return store.PersistentState{
		CurrentTerm: n.currentTerm,
		VotedFor:    n.votedFor,
		Log:         append([]store.LogEntry(nil), n.log...),
	}
}

func (n *Node) persist(state store.PersistentState) error {
	return n.store.Persist(state)
}

// stepDownLocked adopts a newer term seen from an RPC or reply, reverting
// to Follower and clearing both the vote and the known leader (spec.md
// §4.3.1, "discovers higher term" transitions from any role).
func (n *Node) stepDownLocked(term uint64) {
	n.currentTerm = term
	n.votedFor = ""
	n.role = Follower
	n.leaderID = ""
	n.cfg.Metrics.SetTerm(term)
	n.cfg.Metrics.SetLeader(false)
}

func (n *Node) bumpCommitChLocked() {
	close(n.commitCh)
	n.commitCh = make(chan struct{})
	n.cfg.Metrics.SetCommitIndex(n.commitIndex)
}

func (n *Node) triggerImmediateReplicate() {
	ctx := n.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go n.broadcastAppendEntries(ctx)
}

func (n *Node) randomElectionTimeout() time.Duration {
	lo := n.cfg.ElectionTimeoutMin
	hi := n.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	span := int64(hi - lo)
	return lo + time.Duration(rand.Int63n(span+1))
}
