// Package dispatcher implements the leader-gated client endpoint: the
// application port clients connect to, distinct from the consensus port
// internal/transport serves on. A connection either gets a redirect
// string (not leader) or a work function invocation (leader), never
// both, and at most one framed response: a request that cannot be read
// or a failed work invocation closes the connection without one
// (spec.md §4, §6).
package dispatcher

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ReshiAdavan/raftcoordinator/internal/workfn"
)

// LeaderChecker is the slice of *raft.Node the dispatcher depends on.
// Kept as an interface so tests can fake leadership without standing up
// a real cluster.
type LeaderChecker interface {
	IsLeader() bool
	LeaderHint() (string, bool)
}

const defaultWorkConcurrency = 8

// Listener accepts client connections on the application port.
type Listener struct {
	logger      *zap.SugaredLogger
	checker     LeaderChecker
	workFn      workfn.Func
	workSem     *semaphore.Weighted
	workTimeout time.Duration
}

// NewListener builds a Listener. maxConcurrentWork bounds how many work
// function invocations may run at once — this is the "bounded
// worker pool" of spec.md §5 that keeps a burst of client requests from
// starving the heartbeat goroutine behind unbounded goroutine creation.
// A zero maxConcurrentWork falls back to defaultWorkConcurrency.
func NewListener(checker LeaderChecker, fn workfn.Func, logger *zap.SugaredLogger, maxConcurrentWork int64, workTimeout time.Duration) *Listener {
	if maxConcurrentWork <= 0 {
		maxConcurrentWork = defaultWorkConcurrency
	}
	return &Listener{
		logger:      logger,
		checker:     checker,
		workFn:      fn,
		workSem:     semaphore.NewWeighted(maxConcurrentWork),
		workTimeout: workTimeout,
	}
}

// Serve listens on addr and handles every accepted connection until ctx
// is canceled.
func (l *Listener) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(err, "accept client connection")
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if !l.checker.IsLeader() {
		l.writeRedirect(conn)
		return
	}

	meta, err := readFrame(conn)
	if err != nil {
		l.logger.Debugw("failed to read request metadata", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	payload, err := readFrame(conn)
	if err != nil {
		l.logger.Debugw("failed to read request payload", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	if err := l.workSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer l.workSem.Release(1)

	// Re-check leadership after acquiring a worker slot: leadership may
	// have been lost while this request queued behind others.
	if !l.checker.IsLeader() {
		l.writeRedirect(conn)
		return
	}

	workCtx := ctx
	var cancel context.CancelFunc
	if l.workTimeout > 0 {
		workCtx, cancel = context.WithTimeout(ctx, l.workTimeout)
		defer cancel()
	}

	result, err := l.workFn(workCtx, meta, payload)
	if err != nil {
		// WorkFunctionFailure (spec.md §7): close without a response body.
		l.logger.Debugw("work function failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	if err := writeFrame(conn, result); err != nil {
		l.logger.Debugw("failed to write response", "remote", conn.RemoteAddr(), "error", err)
	}
}

func (l *Listener) writeRedirect(conn net.Conn) {
	msg := "NO_LEADER"
	if id, ok := l.checker.LeaderHint(); ok {
		msg = "NOT_LEADER:" + id
	}
	if err := writeFrame(conn, []byte(msg)); err != nil {
		l.logger.Debugw("failed to write redirect", "remote", conn.RemoteAddr(), "error", err)
	}
}
