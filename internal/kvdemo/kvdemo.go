// Package kvdemo is a tiny replicated key-value store driven entirely by
// Node.ProposeEntry and commit notifications — never by client dispatcher
// traffic. It exists to exercise true log replication end to end and to
// give internal/linearizability a history to check, the way the teacher's
// kvraft package exercised its own Raft implementation.
package kvdemo

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ReshiAdavan/raftcoordinator/internal/store"
)

// ErrNotLeader is returned by Propose when the underlying node is not
// the leader at proposal time.
var ErrNotLeader = errors.New("kvdemo: not leader")

const (
	OK       = "OK"
	ErrNoKey = "ErrNoKey"
)

// Op is one client operation, JSON-encoded into store.LogEntry.Command.
type Op struct {
	Command   string `json:"command"` // "get", "put", or "append"
	ClientID  string `json:"clientId"`
	RequestID int64  `json:"requestId"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

// Result is the outcome of applying one Op.
type Result struct {
	OK    bool
	Err   string
	Value string
}

// Proposer is the slice of *raft.Node the apply loop depends on.
type Proposer interface {
	ProposeEntry(command string) (index uint64, term uint64, isLeader bool)
	AwaitCommit(ctx context.Context, after uint64) (uint64, error)
	EntryAt(idx uint64) (store.LogEntry, bool)
}

// Server applies committed log entries to an in-memory key-value map,
// deduplicating by (ClientID, RequestID) exactly as the teacher's
// KVServer did.
type Server struct {
	node   Proposer
	logger *zap.SugaredLogger

	mu          sync.Mutex
	data        map[string]string
	ack         map[string]int64
	lastApplied uint64
	resultCh    map[uint64]chan Result
}

// NewServer builds a Server backed by node. Callers must run Run in its
// own goroutine to drive the apply loop.
func NewServer(node Proposer, logger *zap.SugaredLogger) *Server {
	return &Server{
		node:     node,
		logger:   logger,
		data:     make(map[string]string),
		ack:      make(map[string]int64),
		resultCh: make(map[uint64]chan Result),
	}
}

// Run blocks, applying newly committed entries as they arrive, until ctx
// is canceled.
func (s *Server) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		after := s.lastApplied
		s.mu.Unlock()

		commitIdx, err := s.node.AwaitCommit(ctx, after)
		if err != nil {
			return
		}
		s.applyThrough(commitIdx)
	}
}

func (s *Server) applyThrough(commitIdx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.lastApplied < commitIdx {
		s.lastApplied++
		entry, ok := s.node.EntryAt(s.lastApplied)
		if !ok {
			continue
		}

		var op Op
		if err := json.Unmarshal([]byte(entry.Command), &op); err != nil {
			s.logger.Debugw("log entry is not a kvdemo op, skipping", "index", s.lastApplied, "error", err)
			continue
		}

		result := s.applyLocked(op)
		if ch, ok := s.resultCh[s.lastApplied]; ok {
			select {
			case ch <- result:
			default:
			}
		}
	}
}

func (s *Server) applyLocked(op Op) Result {
	result := Result{OK: true}
	switch op.Command {
	case "put":
		if !s.isDuplicateLocked(op) {
			s.data[op.Key] = op.Value
		}
		result.Err = OK
	case "append":
		if !s.isDuplicateLocked(op) {
			s.data[op.Key] += op.Value
		}
		result.Err = OK
	case "get":
		if v, ok := s.data[op.Key]; ok {
			result.Err = OK
			result.Value = v
		} else {
			result.Err = ErrNoKey
		}
	}
	s.ack[op.ClientID] = op.RequestID
	return result
}

func (s *Server) isDuplicateLocked(op Op) bool {
	last, ok := s.ack[op.ClientID]
	return ok && last >= op.RequestID
}

// Propose appends op to the replicated log via Node.ProposeEntry and
// waits for it to commit and apply, returning the applied Result.
func (s *Server) Propose(ctx context.Context, op Op) (Result, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return Result{}, errors.Wrap(err, "encode kvdemo op")
	}

	// Hold mu across ProposeEntry so the apply loop cannot apply idx
	// before its result channel is registered.
	ch := make(chan Result, 1)
	s.mu.Lock()
	idx, _, isLeader := s.node.ProposeEntry(string(payload))
	if !isLeader {
		s.mu.Unlock()
		return Result{}, ErrNotLeader
	}
	s.resultCh[idx] = ch
	s.mu.Unlock()

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Snapshot returns a copy of the current key-value map, for test
// assertions.
func (s *Server) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]string, len(s.data))
	for k, v := range s.data {
		cp[k] = v
	}
	return cp
}
