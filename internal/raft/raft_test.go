package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ReshiAdavan/raftcoordinator/internal/store"
)

// memStore is an in-memory store.Store for tests that never touch disk.
type memStore struct {
	mu    sync.Mutex
	state *store.PersistentState
}

func (m *memStore) LoadIfExists() (*store.PersistentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	cp := *m.state
	cp.Log = append([]store.LogEntry(nil), m.state.Log...)
	return &cp, nil
}

func (m *memStore) Persist(state store.PersistentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := state
	cp.Log = append([]store.LogEntry(nil), state.Log...)
	m.state = &cp
	return nil
}

// fakeNetwork routes RequestVote/AppendEntries calls between in-process
// Nodes by address, with per-address reachability toggles so tests can
// simulate a partitioned or crashed peer without a real socket.
type fakeNetwork struct {
	mu          sync.Mutex
	nodes       map[string]*Node
	unreachable map[string]bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{nodes: make(map[string]*Node), unreachable: make(map[string]bool)}
}

func (f *fakeNetwork) register(addr string, n *Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[addr] = n
}

func (f *fakeNetwork) setUnreachable(addr string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[addr] = down
}

func (f *fakeNetwork) isUnreachable(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unreachable[addr]
}

func (f *fakeNetwork) get(addr string) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[addr]
}

// fakeTransport is one node's view of the network: its Transport,
// addressed as if peer addresses were the target's ServerID.
type fakeTransport struct {
	net  *fakeNetwork
	self string
}

func (t *fakeTransport) RequestVote(ctx context.Context, addr string, args RequestVoteArgs, timeout time.Duration) (RequestVoteReply, error) {
	if t.net.isUnreachable(addr) || t.net.isUnreachable(t.self) {
		return RequestVoteReply{}, context.DeadlineExceeded
	}
	target := t.net.get(addr)
	if target == nil {
		return RequestVoteReply{}, context.DeadlineExceeded
	}
	return target.HandleRequestVote(args), nil
}

func (t *fakeTransport) AppendEntries(ctx context.Context, addr string, args AppendEntriesArgs, timeout time.Duration) (AppendEntriesReply, error) {
	if t.net.isUnreachable(addr) || t.net.isUnreachable(t.self) {
		return AppendEntriesReply{}, context.DeadlineExceeded
	}
	target := t.net.get(addr)
	if target == nil {
		return AppendEntriesReply{}, context.DeadlineExceeded
	}
	return target.HandleAppendEntries(args), nil
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func baseConfig(id string, peers []string) Config {
	return Config{
		ServerID:           id,
		Peers:              peers,
		ElectionTimeoutMin: 30 * time.Millisecond,
		ElectionTimeoutMax: 60 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		RPCTimeout:         100 * time.Millisecond,
		MaxEntriesPerRPC:   8,
	}
}

func newTestCluster(t *testing.T, n int) ([]*Node, *fakeNetwork, context.CancelFunc) {
	t.Helper()
	net := newFakeNetwork()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('A' + i))
	}

	nodes := make([]*Node, n)
	for i, id := range ids {
		peers := make([]string, 0, n-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		node, err := NewNode(baseConfig(id, peers), &fakeTransport{net: net, self: id}, &memStore{}, testLogger())
		require.NoError(t, err)
		nodes[i] = node
		net.register(id, node)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, node := range nodes {
		node.Start(ctx)
	}
	return nodes, net, cancel
}

func awaitLeader(t *testing.T, nodes []*Node, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.IsLeader() {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func TestSingleNodeElectsItselfLeader(t *testing.T) {
	nodes, _, cancel := newTestCluster(t, 1)
	defer cancel()

	leader := awaitLeader(t, nodes, time.Second)
	assert.Equal(t, "A", leader.cfg.ServerID)
}

func TestThreeNodeClusterElectsOneLeader(t *testing.T) {
	nodes, _, cancel := newTestCluster(t, 3)
	defer cancel()

	leader := awaitLeader(t, nodes, 2*time.Second)

	leaderCount := 0
	for _, n := range nodes {
		if n.IsLeader() {
			leaderCount++
		}
	}
	assert.Equal(t, 1, leaderCount)
	assert.NotEmpty(t, leader.cfg.ServerID)
}

func TestProposeEntryReplicatesAndCommits(t *testing.T) {
	nodes, _, cancel := newTestCluster(t, 3)
	defer cancel()

	leader := awaitLeader(t, nodes, 2*time.Second)

	idx, _, isLeader := leader.ProposeEntry("hello")
	require.True(t, isLeader)

	ctx, cancelAwait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelAwait()
	commitIndex, err := leader.AwaitCommit(ctx, idx-1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, commitIndex, idx)

	for _, n := range nodes {
		deadline := time.Now().Add(2 * time.Second)
		for n.CommitIndex() < idx && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		entry, ok := n.EntryAt(idx)
		require.True(t, ok, "node %s missing entry", n.cfg.ServerID)
		assert.Equal(t, "hello", entry.Command)
	}
}

func TestNonLeaderRejectsProposeEntry(t *testing.T) {
	nodes, _, cancel := newTestCluster(t, 3)
	defer cancel()

	leader := awaitLeader(t, nodes, 2*time.Second)
	for _, n := range nodes {
		if n == leader {
			continue
		}
		_, _, isLeader := n.ProposeEntry("nope")
		assert.False(t, isLeader)
	}
}

func TestFollowerGrantsVoteOnlyOncePerTerm(t *testing.T) {
	follower, err := NewNode(baseConfig("F", []string{"C1", "C2"}), &fakeTransport{net: newFakeNetwork()}, &memStore{}, testLogger())
	require.NoError(t, err)

	reply1 := follower.HandleRequestVote(RequestVoteArgs{Term: 1, CandidateID: "C1", LastLogIndex: 0, LastLogTerm: 0})
	assert.True(t, reply1.VoteGranted)

	reply2 := follower.HandleRequestVote(RequestVoteArgs{Term: 1, CandidateID: "C2", LastLogIndex: 0, LastLogTerm: 0})
	assert.False(t, reply2.VoteGranted)

	reply3 := follower.HandleRequestVote(RequestVoteArgs{Term: 1, CandidateID: "C1", LastLogIndex: 0, LastLogTerm: 0})
	assert.True(t, reply3.VoteGranted)
}

func TestHigherTermStepsDownLeader(t *testing.T) {
	nodes, _, cancel := newTestCluster(t, 3)
	defer cancel()

	leader := awaitLeader(t, nodes, 2*time.Second)
	higherTerm := leader.CurrentTerm() + 10

	leader.HandleAppendEntries(AppendEntriesArgs{
		Term:         higherTerm,
		LeaderID:     "someone-else",
		PrevLogIndex: leader.LastLogIndex(),
		PrevLogTerm:  leader.CurrentTerm(),
		LeaderCommit: 0,
	})
	assert.False(t, leader.IsLeader())
	assert.Equal(t, higherTerm, leader.CurrentTerm())
}

func TestPersistedStateSurvivesRestart(t *testing.T) {
	st := &memStore{}
	n, err := NewNode(baseConfig("A", nil), &fakeTransport{net: newFakeNetwork()}, st, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	awaitLeader(t, []*Node{n}, time.Second)

	idx, term, isLeader := n.ProposeEntry("persisted")
	require.True(t, isLeader)
	cancel()

	restarted, err := NewNode(baseConfig("A", nil), &fakeTransport{net: newFakeNetwork()}, st, testLogger())
	require.NoError(t, err)

	entry, ok := restarted.EntryAt(idx)
	require.True(t, ok)
	assert.Equal(t, "persisted", entry.Command)
	assert.Equal(t, term, entry.Term)
	assert.GreaterOrEqual(t, restarted.CurrentTerm(), term)
}

func TestAppendEntriesRejectsStaleTerm(t *testing.T) {
	st := &memStore{state: &store.PersistentState{CurrentTerm: 2, Log: []store.LogEntry{{Term: 0, Command: "init"}}}}
	n, err := NewNode(baseConfig("A", nil), &fakeTransport{net: newFakeNetwork()}, st, testLogger())
	require.NoError(t, err)

	reply := n.HandleAppendEntries(AppendEntriesArgs{Term: 1, LeaderID: "X"})
	assert.False(t, reply.Success)
	assert.Equal(t, uint64(2), reply.Term)
}

func TestLeaderFailoverElectsNewLeader(t *testing.T) {
	nodes, net, cancel := newTestCluster(t, 3)
	defer cancel()

	first := awaitLeader(t, nodes, 2*time.Second)
	net.setUnreachable(first.cfg.ServerID, true)

	deadline := time.Now().Add(3 * time.Second)
	var second *Node
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n != first && n.IsLeader() {
				second = n
			}
		}
		if second != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, second, "no new leader elected after original leader partitioned")
	assert.NotEqual(t, first.cfg.ServerID, second.cfg.ServerID)
}
