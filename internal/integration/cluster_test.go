// Package integration exercises a full cluster of real *raft.Node
// instances wired to real internal/transport sockets and real
// internal/dispatcher listeners — the same assembly cmd/raftnode builds,
// minus Cobra — so scenarios 2, 3, 4 and 6 of spec.md §8 are verified over an
// actual network stack, not the in-process fakes internal/raft's own
// tests use.
package integration

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ReshiAdavan/raftcoordinator/internal/dispatcher"
	"github.com/ReshiAdavan/raftcoordinator/internal/raft"
	"github.com/ReshiAdavan/raftcoordinator/internal/store"
	"github.com/ReshiAdavan/raftcoordinator/internal/transport"
	"github.com/ReshiAdavan/raftcoordinator/internal/workfn"
)

// testServer bundles one node's full stack: Raft node, peer RPC server,
// and client dispatcher, all bound to real loopback ports. kill stops
// only this node's goroutines and listeners, simulating a process crash
// without disturbing the rest of the cluster.
type testServer struct {
	id       string
	appAddr  string
	peerAddr string
	node     *raft.Node
	kill     context.CancelFunc
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// startCluster builds n full node stacks on real loopback sockets, wires
// each to every other's peer address, and starts them. The returned
// cancel stops every node still running; testServer.kill stops just one.
func startCluster(t *testing.T, n int, workFn func(ctx context.Context, meta, payload []byte) ([]byte, error)) ([]*testServer, context.CancelFunc) {
	t.Helper()
	dataDir := t.TempDir()

	ids := make([]string, n)
	appPorts := make([]int, n)
	peerPorts := make([]int, n)
	for i := 0; i < n; i++ {
		ids[i] = "node-" + strconv.Itoa(i)
		appPorts[i] = freePort(t)
		peerPorts[i] = freePort(t)
	}

	servers := make([]*testServer, n)
	cancels := make([]context.CancelFunc, n)

	for i := 0; i < n; i++ {
		peerAddrs := make([]string, 0, n-1)
		for j := 0; j < n; j++ {
			if j != i {
				peerAddrs = append(peerAddrs, "127.0.0.1:"+strconv.Itoa(peerPorts[j]))
			}
		}

		logger := zap.NewNop().Sugar()
		st := store.NewFileStore(dataDir, ids[i])
		client := transport.NewClient(logger)
		adapter := raft.NewTransportAdapter(client)

		cfg := raft.Config{
			ServerID:           ids[i],
			Peers:              peerAddrs,
			ElectionTimeoutMin: 60 * time.Millisecond,
			ElectionTimeoutMax: 120 * time.Millisecond,
			HeartbeatInterval:  20 * time.Millisecond,
			RPCTimeout:         500 * time.Millisecond,
		}
		node, err := raft.NewNode(cfg, adapter, st, logger)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancels[i] = cancel
		node.Start(ctx)

		peerAddr := "127.0.0.1:" + strconv.Itoa(peerPorts[i])
		peerServer := transport.NewServer(logger)
		go peerServer.Serve(ctx, peerAddr, raft.NewPeerHandler(node)) //nolint:errcheck

		fn := workFn
		if fn == nil {
			fn = workfn.LSBEmbed
		}
		appAddr := "127.0.0.1:" + strconv.Itoa(appPorts[i])
		listener := dispatcher.NewListener(node, fn, logger, 0, time.Second)
		go listener.Serve(ctx, appAddr) //nolint:errcheck

		servers[i] = &testServer{id: ids[i], appAddr: appAddr, peerAddr: peerAddr, node: node, kill: cancel}
	}

	// Give every listener goroutine a chance to bind before the caller
	// starts dialing.
	time.Sleep(30 * time.Millisecond)
	return servers, func() {
		for _, c := range cancels {
			c()
		}
	}
}

func awaitLeader(t *testing.T, servers []*testServer, timeout time.Duration) *testServer {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, s := range servers {
			if s.node.IsLeader() {
				return s
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

// TestThreeNodeClusterRedirectsAndServesLeader is spec.md §8 scenario 2:
// a follower's application port answers with a NOT_LEADER/NO_LEADER
// redirect, the leader's answers with the work function's output.
func TestThreeNodeClusterRedirectsAndServesLeader(t *testing.T) {
	echo := func(_ context.Context, meta, payload []byte) ([]byte, error) {
		return append(append([]byte{}, meta...), payload...), nil
	}
	servers, cancel := startCluster(t, 3, echo)
	defer cancel()

	leader := awaitLeader(t, servers, 2*time.Second)

	for _, s := range servers {
		if s == leader {
			continue
		}
		resp, err := dispatcher.Request(context.Background(), s.appAddr, []byte("m"), []byte("p"))
		require.NoError(t, err)
		assert.True(t, resp.Redirect)
	}

	resp, err := dispatcher.Request(context.Background(), leader.appAddr, []byte("meta-"), []byte("payload"))
	require.NoError(t, err)
	assert.False(t, resp.Redirect)
	assert.Equal(t, "meta-payload", string(resp.Body))
}

// TestBasicReplicationAcrossRealNetwork is spec.md §8 scenario 3: a
// proposed entry reaches every node's log at the same index within
// 500ms, over real sockets rather than the in-process fakes.
func TestBasicReplicationAcrossRealNetwork(t *testing.T) {
	servers, cancel := startCluster(t, 3, nil)
	defer cancel()

	leader := awaitLeader(t, servers, 2*time.Second)
	idx, _, isLeader := leader.node.ProposeEntry("hello")
	require.True(t, isLeader)

	deadline := time.Now().Add(500 * time.Millisecond)
	for _, s := range servers {
		for time.Now().Before(deadline) {
			if s.node.CommitIndex() >= idx {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		entry, ok := s.node.EntryAt(idx)
		require.True(t, ok, "node %s missing entry at %d", s.id, idx)
		assert.Equal(t, "hello", entry.Command)
	}
}

// TestMultiEntryReplicationCommits is spec.md §8 scenario 4: two
// proposed entries both reach every follower, and the leader's
// commitIndex advances at least to the first entry's index.
func TestMultiEntryReplicationCommits(t *testing.T) {
	servers, cancel := startCluster(t, 3, nil)
	defer cancel()

	leader := awaitLeader(t, servers, 2*time.Second)
	idxAlpha, _, ok := leader.node.ProposeEntry("alpha")
	require.True(t, ok)
	idxBeta, _, ok := leader.node.ProposeEntry("beta")
	require.True(t, ok)

	ctx, cancelAwait := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancelAwait()
	_, err := leader.node.AwaitCommit(ctx, idxBeta-1)
	require.NoError(t, err)

	for _, s := range servers {
		deadline := time.Now().Add(4 * time.Second)
		for s.node.CommitIndex() < idxBeta && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		alpha, ok := s.node.EntryAt(idxAlpha)
		require.True(t, ok)
		assert.Equal(t, "alpha", alpha.Command)
		beta, ok := s.node.EntryAt(idxBeta)
		require.True(t, ok)
		assert.Equal(t, "beta", beta.Command)
	}
	assert.GreaterOrEqual(t, leader.node.CommitIndex(), idxAlpha)
}

// TestLeaderFailoverRetainsCommittedEntry is spec.md §8 scenario 6: once
// the leader is gone, a survivor wins a strictly higher term and keeps
// the entry the old leader had already committed.
func TestLeaderFailoverRetainsCommittedEntry(t *testing.T) {
	servers, cancel := startCluster(t, 3, nil)
	defer cancel()

	first := awaitLeader(t, servers, 2*time.Second)
	idx, _, ok := first.node.ProposeEntry("durable")
	require.True(t, ok)

	ctx, cancelAwait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelAwait()
	_, err := first.node.AwaitCommit(ctx, idx-1)
	require.NoError(t, err)
	firstTerm := first.node.CurrentTerm()
	first.kill()

	deadline := time.Now().Add(3 * time.Second)
	var second *testServer
	for time.Now().Before(deadline) {
		for _, s := range servers {
			if s.node.IsLeader() && s.node.CurrentTerm() > firstTerm {
				second = s
			}
		}
		if second != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, second, "no higher-term leader elected after simulated failover")

	entry, ok := second.node.EntryAt(idx)
	require.True(t, ok)
	assert.Equal(t, "durable", entry.Command)
}
