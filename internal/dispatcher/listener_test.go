package dispatcher

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChecker struct {
	leader     bool
	leaderID   string
	haveLeader bool
}

func (f *fakeChecker) IsLeader() bool { return f.leader }
func (f *fakeChecker) LeaderHint() (string, bool) {
	return f.leaderID, f.haveLeader
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startListener(t *testing.T, l *Listener) (string, context.CancelFunc) {
	t.Helper()
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = l.Serve(ctx, addr)
	}()
	<-ready
	time.Sleep(20 * time.Millisecond)
	return addr, cancel
}

func TestDispatcherRedirectsWhenNotLeader(t *testing.T) {
	checker := &fakeChecker{leader: false, leaderID: "B", haveLeader: true}
	fn := func(ctx context.Context, meta, payload []byte) ([]byte, error) {
		t.Fatal("work function must not run on a non-leader")
		return nil, nil
	}
	l := NewListener(checker, fn, zap.NewNop().Sugar(), 0, time.Second)
	addr, cancel := startListener(t, l)
	defer cancel()

	resp, err := Request(context.Background(), addr, []byte("m"), []byte("p"))
	require.NoError(t, err)
	assert.True(t, resp.Redirect)
	assert.Equal(t, "B", resp.NotLeaderID)
}

func TestDispatcherRedirectsNoLeaderWhenUnknown(t *testing.T) {
	checker := &fakeChecker{leader: false}
	fn := func(ctx context.Context, meta, payload []byte) ([]byte, error) { return nil, nil }
	l := NewListener(checker, fn, zap.NewNop().Sugar(), 0, time.Second)
	addr, cancel := startListener(t, l)
	defer cancel()

	resp, err := Request(context.Background(), addr, []byte("m"), []byte("p"))
	require.NoError(t, err)
	assert.True(t, resp.Redirect)
	assert.Empty(t, resp.NotLeaderID)
}

func TestDispatcherRunsWorkFunctionWhenLeader(t *testing.T) {
	checker := &fakeChecker{leader: true}
	fn := func(ctx context.Context, meta, payload []byte) ([]byte, error) {
		return append(append([]byte{}, meta...), payload...), nil
	}
	l := NewListener(checker, fn, zap.NewNop().Sugar(), 0, time.Second)
	addr, cancel := startListener(t, l)
	defer cancel()

	resp, err := Request(context.Background(), addr, []byte("meta-"), []byte("payload"))
	require.NoError(t, err)
	assert.False(t, resp.Redirect)
	assert.Equal(t, "meta-payload", string(resp.Body))
}

func TestDispatcherClosesConnectionOnWorkFunctionFailure(t *testing.T) {
	checker := &fakeChecker{leader: true}
	fn := func(ctx context.Context, meta, payload []byte) ([]byte, error) {
		return nil, errors.New("boom")
	}
	l := NewListener(checker, fn, zap.NewNop().Sugar(), 0, time.Second)
	addr, cancel := startListener(t, l)
	defer cancel()

	_, err := Request(context.Background(), addr, []byte("m"), []byte("p"))
	assert.Error(t, err)
}

func TestDispatcherBoundsWorkConcurrency(t *testing.T) {
	checker := &fakeChecker{leader: true}
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	fn := func(ctx context.Context, meta, payload []byte) ([]byte, error) {
		started <- struct{}{}
		<-release
		return []byte("ok"), nil
	}
	l := NewListener(checker, fn, zap.NewNop().Sugar(), 2, time.Minute)
	addr, cancel := startListener(t, l)
	defer cancel()

	for i := 0; i < 3; i++ {
		go func() {
			_, _ = Request(context.Background(), addr, []byte("m"), []byte("p"))
		}()
	}
	<-started
	<-started

	select {
	case <-started:
		t.Fatal("a third invocation started despite the concurrency bound of 2")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
}
